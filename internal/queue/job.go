package queue

// ConvertJob is what we push to the convert stream once an original is uploaded.
// No bytes here; workers fetch by ObjectKey.
type ConvertJob struct {
	BatchID    string `json:"batch_id"`
	ObjectKey  string `json:"object_key"`
	TargetMime string `json:"target_mime"` // "image/jpeg" | "image/png"
}

// ArchiveTask asks the archive consumer to zip every converted file of a batch.
// The bucket is the one the consumer was configured with.
type ArchiveTask struct {
	BatchID string `json:"batch_id"`
	Prefix  string `json:"prefix"`
}
