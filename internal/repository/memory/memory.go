// Package memory is an in-process record store with the same conditional update
// semantics as the Postgres store. It backs tests and single-process runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Shaance/image-converter/internal/entities"
	"github.com/Shaance/image-converter/internal/repository/storage"
)

type Store struct {
	mu      sync.Mutex
	batches map[string]entities.Batch
	now     func() time.Time
}

func New() *Store {
	return &Store{
		batches: make(map[string]entities.Batch),
		now:     time.Now,
	}
}

// WithClock replaces the clock used for timestamps and expiry.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Get(ctx context.Context, id string, fields []storage.Field, _ storage.Consistency) (entities.Batch, error) {
	if err := ctx.Err(); err != nil {
		return entities.Batch{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.live(id)
	if !ok {
		return entities.Batch{}, storage.ErrNotFound
	}
	return storage.Project(b, fields), nil
}

func (s *Store) Put(ctx context.Context, b entities.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(b.ID); ok {
		return storage.ErrAlreadyExists
	}
	s.batches[b.ID] = b
	return nil
}

func (s *Store) ConditionalUpdate(ctx context.Context, id string, m storage.Mutation, expectedVersion int64) (entities.Batch, error) {
	if err := ctx.Err(); err != nil {
		return entities.Batch{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.live(id)
	if !ok {
		return entities.Batch{}, storage.ErrNotFound
	}
	if b.Version != expectedVersion {
		return entities.Batch{}, storage.ErrVersionMismatch
	}

	m.ApplyTo(&b)
	b.Version++
	b.UpdatedAt = s.now()
	s.batches[id] = b
	return b, nil
}

// PurgeExpired drops records past their retention deadline.
func (s *Store) PurgeExpired(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := s.now()
	for id, b := range s.batches {
		if b.Expired(now) {
			delete(s.batches, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) live(id string) (entities.Batch, bool) {
	b, ok := s.batches[id]
	if !ok || b.Expired(s.now()) {
		return entities.Batch{}, false
	}
	return b, true
}
