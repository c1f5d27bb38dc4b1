package storage

import (
	"errors"

	"github.com/Shaance/image-converter/internal/entities"
)

var (
	ErrNotFound        = errors.New("batch not found")
	ErrAlreadyExists   = errors.New("batch already exists")
	ErrVersionMismatch = errors.New("batch version mismatch")
)

type Consistency int

const (
	// ConsistencyEventual may be served by a replica and lag behind writes.
	ConsistencyEventual Consistency = iota
	// ConsistencyStrong always observes the last committed write.
	ConsistencyStrong
)

// Field is a readable attribute of a batch record. Its value is the column name.
type Field string

const (
	FieldID             Field = "id"
	FieldNbFiles        Field = "nb_files"
	FieldTargetMime     Field = "target_mime"
	FieldPresignedURLs  Field = "presigned_urls"
	FieldUploadedFiles  Field = "uploaded_files"
	FieldConvertedFiles Field = "converted_files"
	FieldState          Field = "state"
	FieldVersion        Field = "version"
	FieldCreatedAt      Field = "created_at"
	FieldUpdatedAt      Field = "updated_at"
	FieldExpiresAt      Field = "expires_at"
)

// AllFields is the projection used when a caller passes nil fields.
var AllFields = []Field{
	FieldID, FieldNbFiles, FieldTargetMime,
	FieldPresignedURLs, FieldUploadedFiles, FieldConvertedFiles,
	FieldState, FieldVersion, FieldCreatedAt, FieldUpdatedAt, FieldExpiresAt,
}

var counterFields = map[entities.Counter]Field{
	entities.CounterPresignedURLs:  FieldPresignedURLs,
	entities.CounterUploadedFiles:  FieldUploadedFiles,
	entities.CounterConvertedFiles: FieldConvertedFiles,
}

// counterOrder keeps generated SQL stable.
var counterOrder = []entities.Counter{
	entities.CounterPresignedURLs,
	entities.CounterUploadedFiles,
	entities.CounterConvertedFiles,
}

func CounterField(c entities.Counter) Field {
	return counterFields[c]
}

// Mutation lists the fields a conditional update writes. Anything not named is left
// untouched; the store bumps version and updated_at itself.
type Mutation struct {
	Counters map[entities.Counter]int
	State    entities.State // zero value keeps the current state
}

func (m Mutation) Empty() bool {
	return len(m.Counters) == 0 && m.State == ""
}

func (m Mutation) ApplyTo(b *entities.Batch) {
	for _, c := range counterOrder {
		if v, ok := m.Counters[c]; ok {
			b.SetCount(c, v)
		}
	}
	if m.State != "" {
		b.State = m.State
	}
}

// normalize returns the projection with id and version always present.
func normalize(fields []Field) []Field {
	if len(fields) == 0 {
		return AllFields
	}
	out := []Field{FieldID, FieldVersion}
	for _, f := range fields {
		if f == FieldID || f == FieldVersion {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Project copies the requested fields of b into a fresh record.
func Project(b entities.Batch, fields []Field) entities.Batch {
	var out entities.Batch
	for _, f := range normalize(fields) {
		switch f {
		case FieldID:
			out.ID = b.ID
		case FieldNbFiles:
			out.NbFiles = b.NbFiles
		case FieldTargetMime:
			out.TargetMime = b.TargetMime
		case FieldPresignedURLs:
			out.PresignedURLs = b.PresignedURLs
		case FieldUploadedFiles:
			out.UploadedFiles = b.UploadedFiles
		case FieldConvertedFiles:
			out.ConvertedFiles = b.ConvertedFiles
		case FieldState:
			out.State = b.State
		case FieldVersion:
			out.Version = b.Version
		case FieldCreatedAt:
			out.CreatedAt = b.CreatedAt
		case FieldUpdatedAt:
			out.UpdatedAt = b.UpdatedAt
		case FieldExpiresAt:
			out.ExpiresAt = b.ExpiresAt
		}
	}
	return out
}
