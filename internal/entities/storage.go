package entities

import "fmt"

// Object key layout in the bucket.
const (
	OriginalsPrefix = "OriginalImages"
	ConvertedPrefix = "Converted"
	ArchivesPrefix  = "Archives"
)

// Object metadata keys written next to uploaded and converted files.
const (
	MetaOriginalName = "original-name"
	MetaTargetMime   = "target-mime"
)

// ObjectMetadata is what the blob store keeps about an uploaded or converted file.
type ObjectMetadata struct {
	OriginalName string
	TargetFormat string
	ContentType  string
}

func OriginalsDir(batchID string) string {
	return fmt.Sprintf("%s/%s/", OriginalsPrefix, batchID)
}

func ConvertedDir(batchID string) string {
	return fmt.Sprintf("%s/%s/", ConvertedPrefix, batchID)
}

func ArchiveKey(batchID string) string {
	return fmt.Sprintf("%s/%s/converted.zip", ArchivesPrefix, batchID)
}
