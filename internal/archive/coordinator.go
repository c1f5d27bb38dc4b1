// Package archive consumes archive tasks: it zips the converted files of a batch,
// stores the archive and finalizes the batch state.
//
// Tasks are delivered at least once. The coordinator checks the batch state before
// doing any work, so a redelivered task for a finished batch is acknowledged without
// writing a second archive.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/Shaance/image-converter/internal/entities"
	"github.com/Shaance/image-converter/internal/fanin"
	"github.com/Shaance/image-converter/internal/lifecycle"
	"github.com/Shaance/image-converter/internal/queue"
	"github.com/Shaance/image-converter/internal/repository/storage"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// parallelDownloads bounds concurrent object fetches per archive.
const parallelDownloads = 8

var ErrNothingToArchive = errors.New("no converted files to archive")

type BlobStore interface {
	List(ctx context.Context, prefix string) ([]string, error)
	GetObjectMetadata(ctx context.Context, key string) (entities.ObjectMetadata, error)
	Download(ctx context.Context, key string) ([]byte, string, error)
	PutArchive(ctx context.Context, key string, payload []byte) error
	Delete(ctx context.Context, keys []string) error
}

type RecordReader interface {
	Get(ctx context.Context, id string, fields []storage.Field, c storage.Consistency) (entities.Batch, error)
}

type StateMachine interface {
	Advance(ctx context.Context, batchID string, events ...lifecycle.Event) (entities.Batch, error)
}

type Coordinator struct {
	records RecordReader
	states  StateMachine
	blobs   BlobStore
	logger  *zap.Logger
}

func NewCoordinator(records RecordReader, states StateMachine, blobs BlobStore, logger *zap.Logger) *Coordinator {
	return &Coordinator{records: records, states: states, blobs: blobs, logger: logger}
}

// Handle implements queue.Handler for the archive stream.
func (c *Coordinator) Handle(ctx context.Context, d queue.Delivery) error {
	var task queue.ArchiveTask
	if err := d.Decode(&task); err != nil {
		return err
	}
	return c.Process(ctx, task, d.Last)
}

// Process archives the batch of task. last tells whether the queue will redeliver the
// task if this call fails; the batch is only marked FAILED on the last delivery.
func (c *Coordinator) Process(ctx context.Context, task queue.ArchiveTask, last bool) error {
	log := c.logger.With(zap.String("batch_id", task.BatchID))

	b, err := c.records.Get(ctx, task.BatchID, []storage.Field{storage.FieldState}, storage.ConsistencyStrong)
	if errors.Is(err, storage.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("archive batch %s: %w", task.BatchID, err))
	}
	if err != nil {
		return err
	}

	switch b.State {
	case entities.StateDone:
		log.Info("duplicate archive task, batch already done")
		return nil
	case entities.StateFailed:
		log.Warn("archive task for failed batch dropped")
		return nil
	}

	if _, err := c.states.Advance(ctx, task.BatchID, lifecycle.ArchiveStarted); err != nil {
		if fanin.IsStale(err) {
			log.Warn("archive task does not match batch state", zap.Error(err))
			return nil
		}
		return err
	}

	keys, err := c.build(ctx, task)
	if err != nil {
		return c.fail(ctx, task, last, err)
	}

	if _, err := c.states.Advance(ctx, task.BatchID, lifecycle.ArchiveStored); err != nil {
		if fanin.IsStale(err) {
			log.Info("batch finalized concurrently", zap.Error(err))
			return nil
		}
		return err
	}
	log.Info("batch archived", zap.Int("files", len(keys)))

	// Converted files are only dropped once the batch is DONE so a redelivery before
	// that point can still rebuild the archive.
	if err := c.blobs.Delete(ctx, keys); err != nil {
		log.Warn("failed to delete converted files", zap.Error(err))
	}
	return nil
}

func (c *Coordinator) fail(ctx context.Context, task queue.ArchiveTask, last bool, cause error) error {
	cause = fmt.Errorf("archive batch %s: %w", task.BatchID, cause)
	if !last {
		return cause
	}
	if _, err := c.states.Advance(ctx, task.BatchID, lifecycle.ArchiveFailed); err != nil && !fanin.IsStale(err) {
		c.logger.Error("failed to mark batch failed", zap.String("batch_id", task.BatchID), zap.Error(err))
	}
	return cause
}

type entry struct {
	name    string
	payload []byte
}

// build zips every object under the task prefix and stores the archive. It returns
// the archived keys.
func (c *Coordinator) build(ctx context.Context, task queue.ArchiveTask) ([]string, error) {
	prefix := task.Prefix
	if prefix == "" {
		prefix = entities.ConvertedDir(task.BatchID)
	}
	keys, err := c.blobs.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNothingToArchive
	}
	sort.Strings(keys)

	entries := make([]entry, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelDownloads)
	for i, key := range keys {
		g.Go(func() error {
			md, err := c.blobs.GetObjectMetadata(gctx, key)
			if err != nil {
				return err
			}
			payload, _, err := c.blobs.Download(gctx, key)
			if err != nil {
				return err
			}
			entries[i] = entry{name: md.OriginalName + path.Ext(key), payload: payload}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	archive, err := writeZip(entries, time.Now())
	if err != nil {
		return nil, err
	}
	if err := c.blobs.PutArchive(ctx, entities.ArchiveKey(task.BatchID), archive); err != nil {
		return nil, err
	}
	return keys, nil
}

func writeZip(entries []entry, modified time.Time) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := make(map[string]int, len(entries))

	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     uniqueName(names, e.name),
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return nil, fmt.Errorf("zip entry %s: %w", e.name, err)
		}
		if _, err := w.Write(e.payload); err != nil {
			return nil, fmt.Errorf("zip entry %s: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}

// uniqueName suffixes repeated names: "a.jpg", "a (1).jpg", "a (2).jpg".
func uniqueName(seen map[string]int, name string) string {
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	candidate := fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n, ext)
	return uniqueName(seen, candidate)
}
