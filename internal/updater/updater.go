// Package updater implements the retrying read-modify-write cycle every mutation of a
// batch record goes through.
//
// Each cycle reads the record with strong consistency, computes a mutation from that
// snapshot and writes it conditionally on the version it read. A concurrent writer
// makes the write fail with storage.ErrVersionMismatch; the cycle then sleeps for a
// jittered, growing delay and starts over. No lock is ever taken on the record.
package updater

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/Shaance/image-converter/internal/config"
	"github.com/Shaance/image-converter/internal/entities"
	"github.com/Shaance/image-converter/internal/repository/storage"
	"go.uber.org/zap"
)

// ErrRetriesExhausted is returned when every attempt lost its race. The caller may
// retry the whole operation later.
var ErrRetriesExhausted = errors.New("optimistic update retries exhausted")

type Store interface {
	Get(ctx context.Context, id string, fields []storage.Field, c storage.Consistency) (entities.Batch, error)
	ConditionalUpdate(ctx context.Context, id string, m storage.Mutation, expectedVersion int64) (entities.Batch, error)
}

// MutationFunc computes the write from the current snapshot. It must not have side
// effects: it runs once per attempt. A returned error aborts the update unretried.
type MutationFunc func(current entities.Batch) (storage.Mutation, error)

type Updater struct {
	store  Store
	cfg    config.UpdaterConfig
	logger *zap.Logger

	jitter func() float64
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(store Store, cfg config.UpdaterConfig, logger *zap.Logger) *Updater {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 1.5
	}
	return &Updater{
		store:  store,
		cfg:    cfg,
		logger: logger,
		jitter: rand.Float64,
		sleep:  sleepCtx,
	}
}

// Update applies fn to batch id. fields is the projection fn depends on; nil reads the
// whole record. The returned batch is the committed record, or the snapshot when fn
// produced an empty mutation.
func (u *Updater) Update(ctx context.Context, id string, fields []storage.Field, fn MutationFunc) (entities.Batch, error) {
	delay := u.cfg.InitialDelay.Duration
	var lastErr error

	for attempt := 1; attempt <= u.cfg.MaxAttempts; attempt++ {
		current, err := u.store.Get(ctx, id, fields, storage.ConsistencyStrong)
		if err != nil {
			return entities.Batch{}, err
		}

		m, err := fn(current)
		if err != nil {
			return entities.Batch{}, err
		}
		if m.Empty() {
			return current, nil
		}

		updated, err := u.store.ConditionalUpdate(ctx, id, m, current.Version)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, storage.ErrVersionMismatch) {
			return entities.Batch{}, err
		}
		lastErr = err

		if attempt == u.cfg.MaxAttempts {
			break
		}
		wait := u.backoff(delay)
		u.logger.Debug("batch version moved, retrying",
			zap.String("batch_id", id),
			zap.Int64("version", current.Version),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
		)
		if err := u.sleep(ctx, wait); err != nil {
			return entities.Batch{}, err
		}
		delay = time.Duration(float64(delay) * u.cfg.Multiplier)
	}

	return entities.Batch{}, fmt.Errorf("batch %s: %w after %d attempts: %w", id, ErrRetriesExhausted, u.cfg.MaxAttempts, lastErr)
}

// backoff draws uniformly from [0.8d, d].
func (u *Updater) backoff(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + 0.2*u.jitter()))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
