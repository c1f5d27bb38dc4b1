// Package conversion turns one uploaded original into its converted file and records
// the progress on the batch.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/Shaance/image-converter/internal/entities"
	"github.com/Shaance/image-converter/internal/fanin"
	"github.com/Shaance/image-converter/internal/processor"
	"github.com/Shaance/image-converter/internal/queue"
	"github.com/Shaance/image-converter/internal/repository/storage"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

type BlobStore interface {
	Download(ctx context.Context, key string) ([]byte, string, error)
	GetObjectMetadata(ctx context.Context, key string) (entities.ObjectMetadata, error)
	Put(ctx context.Context, key, contentType string, payload []byte, metadata map[string]string) error
}

type Converter interface {
	Convert(payload []byte, targetMime string) ([]byte, string, error)
}

type Recorder interface {
	RecordConverted(ctx context.Context, batchID string) (fanin.Result, error)
}

type Failer interface {
	Fail(ctx context.Context, batchID string) (entities.Batch, error)
}

type Handler struct {
	blobs     BlobStore
	converter Converter
	recorder  Recorder
	failer    Failer
	logger    *zap.Logger
}

func NewHandler(blobs BlobStore, converter Converter, recorder Recorder, failer Failer, logger *zap.Logger) *Handler {
	return &Handler{
		blobs:     blobs,
		converter: converter,
		recorder:  recorder,
		failer:    failer,
		logger:    logger,
	}
}

// Handle consumes one ConvertJob delivery.
func (h *Handler) Handle(ctx context.Context, d queue.Delivery) error {
	var job queue.ConvertJob
	if err := d.Decode(&job); err != nil {
		return err
	}

	err := h.Process(ctx, job)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	// A file that cannot be converted fails the same way on every delivery.
	if errors.Is(err, processor.ErrUnsupportedFormat) || queue.IsPermanent(err) || d.Last {
		h.failBatch(ctx, job.BatchID, err)
		return queue.Permanent(err)
	}
	return err
}

// Process converts the original at job.ObjectKey, stores the result under the batch's
// converted prefix and counts it.
func (h *Handler) Process(ctx context.Context, job queue.ConvertJob) error {
	if !strings.HasPrefix(job.ObjectKey, entities.OriginalsDir(job.BatchID)) {
		return queue.Permanent(fmt.Errorf("object %q does not belong to batch %s", job.ObjectKey, job.BatchID))
	}

	md, err := h.blobs.GetObjectMetadata(ctx, job.ObjectKey)
	if err != nil {
		return err
	}
	targetMime := job.TargetMime
	if targetMime == "" {
		targetMime = md.TargetFormat
	}

	payload, _, err := h.blobs.Download(ctx, job.ObjectKey)
	if err != nil {
		return err
	}

	out, ext, err := h.converter.Convert(payload, targetMime)
	if err != nil {
		return fmt.Errorf("convert %s: %w", job.ObjectKey, err)
	}

	base := path.Base(job.ObjectKey)
	key := entities.ConvertedDir(job.BatchID) + strings.TrimSuffix(base, path.Ext(base)) + ext
	err = h.blobs.Put(ctx, key, targetMime, out, map[string]string{
		entities.MetaOriginalName: md.OriginalName,
	})
	if err != nil {
		return err
	}

	res, err := h.recorder.RecordConverted(ctx, job.BatchID)
	switch {
	case err == nil:
	case fanin.IsStale(err):
		// Redelivered after the batch moved on.
		h.logger.Info("conversion not counted",
			zap.String("batch_id", job.BatchID),
			zap.String("key", key),
			zap.Error(err),
		)
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return queue.Permanent(err)
	default:
		return err
	}

	h.logger.Debug("file converted",
		zap.String("batch_id", job.BatchID),
		zap.String("key", key),
		zap.Int("converted", res.NewCount),
	)
	return nil
}

func (h *Handler) failBatch(ctx context.Context, batchID string, cause error) {
	_, err := h.failer.Fail(ctx, batchID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) && !fanin.IsStale(err) {
		h.logger.Error("could not mark batch failed",
			zap.String("batch_id", batchID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		sentry.CaptureException(err)
		return
	}
	h.logger.Warn("batch failed during conversion",
		zap.String("batch_id", batchID),
		zap.Error(cause),
	)
}
