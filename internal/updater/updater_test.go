package updater

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Shaance/image-converter/internal/config"
	"github.com/Shaance/image-converter/internal/entities"
	"github.com/Shaance/image-converter/internal/repository/memory"
	"github.com/Shaance/image-converter/internal/repository/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// conflictStore reports a version mismatch for the first `conflicts` writes, or for
// every write when conflicts is negative.
type conflictStore struct {
	*memory.Store
	conflicts int32
	gets      atomic.Int32
	writes    atomic.Int32
}

func (s *conflictStore) Get(ctx context.Context, id string, fields []storage.Field, c storage.Consistency) (entities.Batch, error) {
	s.gets.Add(1)
	return s.Store.Get(ctx, id, fields, c)
}

func (s *conflictStore) ConditionalUpdate(ctx context.Context, id string, m storage.Mutation, v int64) (entities.Batch, error) {
	n := s.writes.Add(1)
	if s.conflicts < 0 || n <= s.conflicts {
		return entities.Batch{}, storage.ErrVersionMismatch
	}
	return s.Store.ConditionalUpdate(ctx, id, m, v)
}

func seeded(t *testing.T, nbFiles int) *memory.Store {
	t.Helper()
	s := memory.New()
	require.NoError(t, s.Put(context.Background(), entities.Batch{
		ID: "b1", NbFiles: nbFiles, State: entities.StateCreated, Version: 1,
	}))
	return s
}

func cfg(attempts int) config.UpdaterConfig {
	return config.UpdaterConfig{
		MaxAttempts:  attempts,
		InitialDelay: config.Duration{Duration: 10 * time.Millisecond},
		Multiplier:   1.5,
	}
}

func incUploaded(b entities.Batch) (storage.Mutation, error) {
	return storage.Mutation{Counters: map[entities.Counter]int{
		entities.CounterUploadedFiles: b.UploadedFiles + 1,
	}}, nil
}

func TestUpdateTerminatesWhenEveryWriteConflicts(t *testing.T) {
	store := &conflictStore{Store: seeded(t, 5), conflicts: -1}
	u := New(store, cfg(12), zap.NewNop())

	var sleeps []time.Duration
	u.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	_, err := u.Update(context.Background(), "b1", nil, incUploaded)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.ErrorIs(t, err, storage.ErrVersionMismatch)

	assert.Equal(t, int32(12), store.gets.Load())
	assert.Equal(t, int32(12), store.writes.Load())
	require.Len(t, sleeps, 11)

	d := 10 * time.Millisecond
	for i, s := range sleeps {
		lo := time.Duration(float64(d) * 0.8)
		assert.GreaterOrEqual(t, s, lo, "sleep %d", i)
		assert.LessOrEqual(t, s, d, "sleep %d", i)
		d = time.Duration(float64(d) * 1.5)
	}
}

func TestUpdateRetriesThenSucceeds(t *testing.T) {
	store := &conflictStore{Store: seeded(t, 5), conflicts: 3}
	u := New(store, cfg(10), zap.NewNop())
	u.sleep = func(context.Context, time.Duration) error { return nil }

	b, err := u.Update(context.Background(), "b1", nil, incUploaded)
	require.NoError(t, err)
	assert.Equal(t, 1, b.UploadedFiles)
	assert.Equal(t, int64(2), b.Version)
	assert.Equal(t, int32(4), store.writes.Load())
}

func TestUpdateNotFoundIsImmediate(t *testing.T) {
	store := &conflictStore{Store: memory.New()}
	u := New(store, cfg(10), zap.NewNop())

	_, err := u.Update(context.Background(), "missing", nil, incUploaded)
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, int32(1), store.gets.Load())
	assert.Zero(t, store.writes.Load())
}

func TestUpdateBusinessErrorIsNotRetried(t *testing.T) {
	store := &conflictStore{Store: seeded(t, 5)}
	u := New(store, cfg(10), zap.NewNop())

	_, err := u.Update(context.Background(), "b1", nil, func(entities.Batch) (storage.Mutation, error) {
		return storage.Mutation{}, entities.ErrCounterOverflow
	})
	require.ErrorIs(t, err, entities.ErrCounterOverflow)
	assert.Zero(t, store.writes.Load())
}

func TestUpdateEmptyMutationSkipsWrite(t *testing.T) {
	store := &conflictStore{Store: seeded(t, 5)}
	u := New(store, cfg(10), zap.NewNop())

	b, err := u.Update(context.Background(), "b1", nil, func(entities.Batch) (storage.Mutation, error) {
		return storage.Mutation{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Version)
	assert.Zero(t, store.writes.Load())
}

func TestUpdateHonoursCancellation(t *testing.T) {
	store := &conflictStore{Store: seeded(t, 5), conflicts: -1}
	u := New(store, config.UpdaterConfig{
		MaxAttempts:  10,
		InitialDelay: config.Duration{Duration: time.Hour},
		Multiplier:   2,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := u.Update(ctx, "b1", nil, incUploaded)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, int32(1), store.writes.Load())
}

func TestConcurrentUpdatesLoseNothing(t *testing.T) {
	const workers = 50
	store := seeded(t, workers)
	u := New(store, config.UpdaterConfig{
		MaxAttempts:  30,
		InitialDelay: config.Duration{Duration: time.Millisecond},
		Multiplier:   1.5,
	}, zap.NewNop())

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := u.Update(context.Background(), "b1", nil, incUploaded)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	b, err := store.Get(context.Background(), "b1", nil, storage.ConsistencyStrong)
	require.NoError(t, err)
	assert.Equal(t, workers, b.UploadedFiles)
	assert.Equal(t, int64(workers+1), b.Version)
}
