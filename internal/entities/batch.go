package entities

import "time"

// MaxFiles is the soft cap on files per batch.
const MaxFiles = 50

type State string

const (
	StateCreated    State = "CREATED"
	StateConverting State = "CONVERTING"
	StateZipping    State = "ZIPPING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

func (s State) Valid() bool {
	switch s {
	case StateCreated, StateConverting, StateZipping, StateDone, StateFailed:
		return true
	}
	return false
}

// Counter names one of the progress counters kept on a batch.
type Counter string

const (
	CounterPresignedURLs  Counter = "presignedUrls"
	CounterUploadedFiles  Counter = "uploadedFiles"
	CounterConvertedFiles Counter = "convertedFiles"
)

func (c Counter) Valid() bool {
	switch c {
	case CounterPresignedURLs, CounterUploadedFiles, CounterConvertedFiles:
		return true
	}
	return false
}

// Batch is the per-request record shared by every worker of the batch.
type Batch struct {
	ID             string    `json:"id"`
	NbFiles        int       `json:"nb_files"`
	TargetMime     string    `json:"target_mime"`
	PresignedURLs  int       `json:"presigned_urls"`
	UploadedFiles  int       `json:"uploaded_files"`
	ConvertedFiles int       `json:"converted_files"`
	State          State     `json:"state"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Count returns the current value of counter c.
func (b Batch) Count(c Counter) int {
	switch c {
	case CounterPresignedURLs:
		return b.PresignedURLs
	case CounterUploadedFiles:
		return b.UploadedFiles
	case CounterConvertedFiles:
		return b.ConvertedFiles
	}
	return 0
}

// SetCount assigns counter c.
func (b *Batch) SetCount(c Counter, v int) {
	switch c {
	case CounterPresignedURLs:
		b.PresignedURLs = v
	case CounterUploadedFiles:
		b.UploadedFiles = v
	case CounterConvertedFiles:
		b.ConvertedFiles = v
	}
}

// Expired reports whether the record is past its retention deadline.
func (b Batch) Expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && !now.Before(b.ExpiresAt)
}

// Status is the client-facing projection of a batch.
type Status struct {
	Status    State `json:"status"`
	Uploaded  int   `json:"uploaded"`
	Processed int   `json:"processed"`
}

func (b Batch) Status() Status {
	return Status{
		Status:    b.State,
		Uploaded:  b.UploadedFiles,
		Processed: b.ConvertedFiles,
	}
}
