// Package fanin counts per-file progress on a shared batch record and detects the
// single write that completes the batch.
//
// Counters only ever move by one per committed write and every committed write
// advances the record version, so exactly one write produces convertedFiles ==
// nbFiles. That write also moves the batch to ZIPPING, which makes the completion
// observable to one caller only.
package fanin

import (
	"context"
	"errors"
	"fmt"

	"github.com/Shaance/image-converter/internal/entities"
	"github.com/Shaance/image-converter/internal/lifecycle"
	"github.com/Shaance/image-converter/internal/repository/storage"
	"github.com/Shaance/image-converter/internal/updater"
	"go.uber.org/zap"
)

type Result struct {
	ReachedTotal bool
	NewCount     int
	Batch        entities.Batch
}

type Counter struct {
	updater *updater.Updater
	logger  *zap.Logger
}

func NewCounter(u *updater.Updater, logger *zap.Logger) *Counter {
	return &Counter{updater: u, logger: logger}
}

// Increment adds one to the named counter of the batch.
func (c *Counter) Increment(ctx context.Context, batchID string, counter entities.Counter) (Result, error) {
	if !counter.Valid() {
		return Result{}, fmt.Errorf("unknown counter %q", counter)
	}

	fields := []storage.Field{storage.FieldNbFiles, storage.FieldState, storage.CounterField(counter)}
	b, err := c.updater.Update(ctx, batchID, fields, func(cur entities.Batch) (storage.Mutation, error) {
		return nextIncrement(cur, counter)
	})
	if err != nil {
		if IsStale(err) {
			c.logger.Info("increment rejected",
				zap.String("batch_id", batchID),
				zap.String("counter", string(counter)),
				zap.Error(err),
			)
		}
		return Result{}, err
	}

	n := b.Count(counter)
	return Result{
		ReachedTotal: n == b.NbFiles,
		NewCount:     n,
		Batch:        b,
	}, nil
}

func nextIncrement(cur entities.Batch, counter entities.Counter) (storage.Mutation, error) {
	if !lifecycle.AcceptsIncrements(cur.State) {
		return storage.Mutation{}, fmt.Errorf("%w: batch %s is %s", entities.ErrBatchTerminated, cur.ID, cur.State)
	}

	next := cur.Count(counter) + 1
	if next > cur.NbFiles {
		return storage.Mutation{}, fmt.Errorf("%w: %s would be %d of %d", entities.ErrCounterOverflow, counter, next, cur.NbFiles)
	}

	m := storage.Mutation{Counters: map[entities.Counter]int{counter: next}}
	if counter != entities.CounterConvertedFiles {
		return m, nil
	}

	events := []lifecycle.Event{lifecycle.ConversionStarted}
	if next == cur.NbFiles {
		events = append(events, lifecycle.AllConverted)
	}
	state, err := lifecycle.Apply(cur.State, events...)
	if err != nil {
		return storage.Mutation{}, err
	}
	if state != cur.State {
		m.State = state
	}
	return m, nil
}

// Advance moves the batch through events in a single conditional write. A batch that
// already sits in the resulting state is left untouched.
func (c *Counter) Advance(ctx context.Context, batchID string, events ...lifecycle.Event) (entities.Batch, error) {
	return c.updater.Update(ctx, batchID, []storage.Field{storage.FieldState}, func(cur entities.Batch) (storage.Mutation, error) {
		state, err := lifecycle.Apply(cur.State, events...)
		if err != nil {
			if lifecycle.Terminal(cur.State) {
				return storage.Mutation{}, fmt.Errorf("%w: batch %s is %s", entities.ErrBatchTerminated, cur.ID, cur.State)
			}
			return storage.Mutation{}, err
		}
		if state == cur.State {
			return storage.Mutation{}, nil
		}
		return storage.Mutation{State: state}, nil
	})
}

// Fail marks the batch FAILED after an unrecoverable conversion error. Failing a
// terminated batch is a no-op.
func (c *Counter) Fail(ctx context.Context, batchID string) (entities.Batch, error) {
	b, err := c.Advance(ctx, batchID, lifecycle.ConversionStarted, lifecycle.ConversionFailed)
	if errors.Is(err, entities.ErrBatchTerminated) {
		return b, nil
	}
	return b, err
}

// IsStale reports whether err means the event no longer applies to the batch and
// should be dropped rather than retried.
func IsStale(err error) bool {
	return errors.Is(err, entities.ErrCounterOverflow) ||
		errors.Is(err, entities.ErrBatchTerminated) ||
		errors.Is(err, entities.ErrIllegalTransition)
}
