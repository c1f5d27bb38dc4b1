package fanin

import (
	"context"
	"fmt"

	"github.com/Shaance/image-converter/internal/entities"
	"github.com/Shaance/image-converter/internal/queue"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

type ArchiveEnqueuer interface {
	EnqueueArchive(ctx context.Context, task queue.ArchiveTask) error
}

// Trigger records converted files and hands a completed batch to the archive queue.
type Trigger struct {
	counter *Counter
	queue   ArchiveEnqueuer
	logger  *zap.Logger
}

func NewTrigger(counter *Counter, q ArchiveEnqueuer, logger *zap.Logger) *Trigger {
	return &Trigger{counter: counter, queue: q, logger: logger}
}

// RecordConverted counts one more converted file. The caller whose write completes the
// batch, and only that caller, enqueues the archive task.
func (t *Trigger) RecordConverted(ctx context.Context, batchID string) (Result, error) {
	res, err := t.counter.Increment(ctx, batchID, entities.CounterConvertedFiles)
	if err != nil {
		return res, err
	}
	if !res.ReachedTotal {
		return res, nil
	}

	task := queue.ArchiveTask{
		BatchID: batchID,
		Prefix:  entities.ConvertedDir(batchID),
	}
	if err := t.queue.EnqueueArchive(ctx, task); err != nil {
		// The batch is already ZIPPING; nothing else will enqueue it.
		err = fmt.Errorf("enqueue archive task for batch %s: %w", batchID, err)
		t.logger.Error("batch completed but archive task was not enqueued",
			zap.String("batch_id", batchID),
			zap.Error(err),
		)
		sentry.CaptureException(err)
		return res, err
	}

	t.logger.Info("batch converted, archive task enqueued",
		zap.String("batch_id", batchID),
		zap.Int("files", res.NewCount),
	)
	return res, nil
}
