package use_case

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/Shaance/image-converter/internal/cache"
	"github.com/Shaance/image-converter/internal/converter"
	"github.com/Shaance/image-converter/internal/entities"
	"github.com/Shaance/image-converter/internal/fanin"
	"github.com/Shaance/image-converter/internal/queue"
	"github.com/Shaance/image-converter/internal/repository/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type RecordStore interface {
	Get(ctx context.Context, id string, fields []storage.Field, c storage.Consistency) (entities.Batch, error)
	Put(ctx context.Context, b entities.Batch) error
}

type Counter interface {
	Increment(ctx context.Context, batchID string, counter entities.Counter) (fanin.Result, error)
}

type BlobStore interface {
	GetObjectMetadata(ctx context.Context, key string) (entities.ObjectMetadata, error)
	Put(ctx context.Context, key, contentType string, payload []byte, metadata map[string]string) error
	PresignPut(ctx context.Context, key string, metadata map[string]string) (string, error)
	PresignGet(ctx context.Context, key string) (string, error)
}

type ConvertQueue interface {
	EnqueueConvert(ctx context.Context, job queue.ConvertJob) error
}

type AttributeCache interface {
	Attributes(ctx context.Context, batchID string) (cache.BatchAttributes, bool, error)
	StoreAttributes(ctx context.Context, batchID string, attrs cache.BatchAttributes) error
}

// UploadClaims remembers which originals were already counted, so a repeated
// confirmation cannot count one object twice.
type UploadClaims interface {
	ClaimUpload(ctx context.Context, batchID, objectKey string) (bool, error)
	ReleaseUpload(ctx context.Context, batchID, objectKey string) error
}

// PresignedUpload is what a client needs to upload one original and later fetch the
// batch archive.
type PresignedUpload struct {
	BatchID    string `json:"batchId"`
	ObjectKey  string `json:"objectKey"`
	UploadURL  string `json:"uploadUrl"`
	ArchiveURL string `json:"archiveUrl"`
}

// AcceptedUpload reports an original that was counted and queued for conversion.
type AcceptedUpload struct {
	BatchID   string `json:"batchId"`
	ObjectKey string `json:"objectKey"`
	Uploaded  int    `json:"uploaded"`
}

type useCase struct {
	store     RecordStore
	counter   Counter
	blobs     BlobStore
	convertQ  ConvertQueue
	cache     AttributeCache
	claims    UploadClaims
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func New(store RecordStore, counter Counter, blobs BlobStore, convertQ ConvertQueue, attrs AttributeCache, claims UploadClaims, retention time.Duration, logger *zap.Logger) *useCase {
	return &useCase{
		store:     store,
		counter:   counter,
		blobs:     blobs,
		convertQ:  convertQ,
		cache:     attrs,
		claims:    claims,
		retention: retention,
		now:       time.Now,
		logger:    logger,
	}
}

// CreateBatch writes a fresh CREATED record. It is the only unconditional write a
// batch ever gets.
func (c *useCase) CreateBatch(ctx context.Context, nbFiles int, targetMime string) (entities.Batch, error) {
	if nbFiles < 1 || nbFiles > entities.MaxFiles {
		return entities.Batch{}, fmt.Errorf("%w: nbFiles must be between 1 and %d", entities.ErrInvalidInput, entities.MaxFiles)
	}
	if _, ok := converter.TargetMimes[targetMime]; !ok {
		return entities.Batch{}, fmt.Errorf("%w: unsupported target %q", entities.ErrInvalidInput, targetMime)
	}

	now := c.now().UTC()
	b := entities.Batch{
		ID:         uuid.NewString(),
		NbFiles:    nbFiles,
		TargetMime: targetMime,
		State:      entities.StateCreated,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(c.retention),
	}
	if err := c.store.Put(ctx, b); err != nil {
		return entities.Batch{}, fmt.Errorf("create batch: %w", err)
	}

	// A failed cache write only costs a store read later.
	_ = c.cache.StoreAttributes(ctx, b.ID, cache.BatchAttributes{NbFiles: nbFiles, TargetMime: targetMime})

	c.logger.Info("batch created",
		zap.String("batch_id", b.ID),
		zap.Int("nb_files", nbFiles),
		zap.String("target_mime", targetMime),
	)
	return b, nil
}

// Presign counts one more presigned URL for the batch and returns the upload and
// archive URLs.
func (c *useCase) Presign(ctx context.Context, batchID, fileName string) (PresignedUpload, error) {
	attrs, err := c.attributes(ctx, batchID)
	if err != nil {
		return PresignedUpload{}, err
	}

	if _, err := c.counter.Increment(ctx, batchID, entities.CounterPresignedURLs); err != nil {
		return PresignedUpload{}, err
	}

	key := objectKey(batchID, fileName)
	uploadURL, err := c.blobs.PresignPut(ctx, key, originalMetadata(fileName, attrs.TargetMime))
	if err != nil {
		return PresignedUpload{}, err
	}
	archiveURL, err := c.blobs.PresignGet(ctx, entities.ArchiveKey(batchID))
	if err != nil {
		return PresignedUpload{}, err
	}

	return PresignedUpload{
		BatchID:    batchID,
		ObjectKey:  key,
		UploadURL:  uploadURL,
		ArchiveURL: archiveURL,
	}, nil
}

// ConfirmUpload counts an original the client put through a presigned URL and queues
// its conversion. The object must exist and each key is counted at most once.
func (c *useCase) ConfirmUpload(ctx context.Context, batchID, key string) (AcceptedUpload, error) {
	dir := entities.OriginalsDir(batchID)
	if !strings.HasPrefix(key, dir) || len(key) == len(dir) {
		return AcceptedUpload{}, fmt.Errorf("%w: object key %q is outside batch %s", entities.ErrInvalidInput, key, batchID)
	}

	attrs, err := c.attributes(ctx, batchID)
	if err != nil {
		return AcceptedUpload{}, err
	}

	if _, err := c.blobs.GetObjectMetadata(ctx, key); err != nil {
		if errors.Is(err, entities.ErrObjectNotFound) {
			return AcceptedUpload{}, fmt.Errorf("%w: object %q has not been uploaded", entities.ErrInvalidInput, key)
		}
		return AcceptedUpload{}, err
	}
	return c.accept(ctx, batchID, key, attrs)
}

// UploadImage stores an original received by the server itself, then handles it like
// a confirmed upload.
func (c *useCase) UploadImage(ctx context.Context, batchID, fileName, contentType string, payload []byte) (AcceptedUpload, error) {
	attrs, err := c.attributes(ctx, batchID)
	if err != nil {
		return AcceptedUpload{}, err
	}

	key := objectKey(batchID, fileName)
	if err := c.blobs.Put(ctx, key, contentType, payload, originalMetadata(fileName, attrs.TargetMime)); err != nil {
		return AcceptedUpload{}, err
	}
	return c.accept(ctx, batchID, key, attrs)
}

func (c *useCase) accept(ctx context.Context, batchID, key string, attrs cache.BatchAttributes) (AcceptedUpload, error) {
	claimed, err := c.claims.ClaimUpload(ctx, batchID, key)
	if err != nil {
		return AcceptedUpload{}, fmt.Errorf("claim upload %s: %w", key, err)
	}
	if !claimed {
		return AcceptedUpload{}, fmt.Errorf("%w: %s", entities.ErrDuplicateUpload, key)
	}

	res, err := c.counter.Increment(ctx, batchID, entities.CounterUploadedFiles)
	if err != nil {
		if rerr := c.claims.ReleaseUpload(ctx, batchID, key); rerr != nil {
			c.logger.Warn("release upload claim", zap.String("batch_id", batchID), zap.String("key", key), zap.Error(rerr))
		}
		return AcceptedUpload{}, err
	}

	job := queue.ConvertJob{BatchID: batchID, ObjectKey: key, TargetMime: attrs.TargetMime}
	if err := c.convertQ.EnqueueConvert(ctx, job); err != nil {
		return AcceptedUpload{}, fmt.Errorf("enqueue conversion of %s: %w", key, err)
	}

	return AcceptedUpload{BatchID: batchID, ObjectKey: key, Uploaded: res.NewCount}, nil
}

// Status returns the client-facing view of the batch.
func (c *useCase) Status(ctx context.Context, batchID string) (entities.Status, error) {
	b, err := c.store.Get(ctx, batchID, []storage.Field{
		storage.FieldState,
		storage.FieldUploadedFiles,
		storage.FieldConvertedFiles,
	}, storage.ConsistencyStrong)
	if err != nil {
		return entities.Status{}, err
	}
	return b.Status(), nil
}

// attributes reads the immutable batch fields, from the cache when possible.
func (c *useCase) attributes(ctx context.Context, batchID string) (cache.BatchAttributes, error) {
	attrs, ok, err := c.cache.Attributes(ctx, batchID)
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("batch_id", batchID), zap.Error(err))
	}
	if ok {
		return attrs, nil
	}

	fields := []storage.Field{storage.FieldNbFiles, storage.FieldTargetMime}
	b, err := c.store.Get(ctx, batchID, fields, storage.ConsistencyEventual)
	if errors.Is(err, storage.ErrNotFound) {
		// The replica may not have seen the create yet.
		b, err = c.store.Get(ctx, batchID, fields, storage.ConsistencyStrong)
	}
	if err != nil {
		return cache.BatchAttributes{}, err
	}
	attrs = cache.BatchAttributes{NbFiles: b.NbFiles, TargetMime: b.TargetMime}
	_ = c.cache.StoreAttributes(ctx, batchID, attrs)
	return attrs, nil
}

func objectKey(batchID, fileName string) string {
	return entities.OriginalsDir(batchID) + uuid.NewString() + strings.ToLower(path.Ext(fileName))
}

func originalMetadata(fileName, targetMime string) map[string]string {
	base := path.Base(fileName)
	return map[string]string{
		entities.MetaOriginalName: strings.TrimSuffix(base, path.Ext(base)),
		entities.MetaTargetMime:   targetMime,
	}
}
