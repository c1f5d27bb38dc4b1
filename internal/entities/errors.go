package entities

import "errors"

// Business rule violations. Workers treat these as duplicate or stale events.
var (
	ErrCounterOverflow   = errors.New("counter would exceed the number of files in the batch")
	ErrBatchTerminated   = errors.New("batch is already terminated")
	ErrIllegalTransition = errors.New("illegal batch state transition")
)

// ErrInvalidInput wraps request values that fail validation in the use case layer.
var ErrInvalidInput = errors.New("invalid input")

// ErrObjectNotFound is returned by blob stores for a key that holds no object.
var ErrObjectNotFound = errors.New("object not found")

// ErrDuplicateUpload rejects a second confirmation of an already counted original.
var ErrDuplicateUpload = errors.New("upload already confirmed")
