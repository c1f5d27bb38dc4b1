package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Shaance/image-converter/internal/entities"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pool is the subset of *pgxpool.Pool used by the store.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type dbStorage struct {
	primary pool
	replica pool
	logger  *zap.Logger
	now     func() time.Time
}

// New opens the primary pool and, when replicaDSN is set, a read replica pool used for
// eventually consistent reads.
func New(ctx context.Context, databaseDSN, replicaDSN string, logger *zap.Logger) (*dbStorage, error) {
	primary, err := pgxpool.New(ctx, databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	var replica pool
	if replicaDSN != "" {
		rp, err := pgxpool.New(ctx, replicaDSN)
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("failed to create replica connection pool: %w", err)
		}
		replica = rp
	}

	return newWithPools(primary, replica, logger), nil
}

func newWithPools(primary, replica pool, logger *zap.Logger) *dbStorage {
	return &dbStorage{
		primary: primary,
		replica: replica,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *dbStorage) Ping(ctx context.Context) error {
	return s.primary.Ping(ctx)
}

func (s *dbStorage) Close() {
	s.primary.Close()
	if s.replica != nil {
		s.replica.Close()
	}
}

func (s *dbStorage) reader(c Consistency) pool {
	if c == ConsistencyEventual && s.replica != nil {
		return s.replica
	}
	return s.primary
}

func (s *dbStorage) Get(ctx context.Context, id string, fields []Field, c Consistency) (entities.Batch, error) {
	fields = normalize(fields)
	sql := "SELECT " + columnList(fields) + " FROM batches WHERE id = $1 AND expires_at > $2"

	row := s.reader(c).QueryRow(ctx, sql, id, s.now())
	b, err := scanBatch(row, fields)
	if errors.Is(err, pgx.ErrNoRows) {
		return entities.Batch{}, ErrNotFound
	}
	if err != nil {
		return entities.Batch{}, fmt.Errorf("get batch %s: %w", id, err)
	}
	return b, nil
}

const insertBatch = `INSERT INTO batches
	(id, nb_files, target_mime, presigned_urls, uploaded_files, converted_files, state, version, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING`

func (s *dbStorage) Put(ctx context.Context, b entities.Batch) error {
	tag, err := s.primary.Exec(ctx, insertBatch,
		b.ID, b.NbFiles, b.TargetMime,
		b.PresignedURLs, b.UploadedFiles, b.ConvertedFiles,
		string(b.State), b.Version, b.CreatedAt, b.UpdatedAt, b.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *dbStorage) ConditionalUpdate(ctx context.Context, id string, m Mutation, expectedVersion int64) (entities.Batch, error) {
	now := s.now()
	args := []any{id, expectedVersion, now}
	sets := []string{"version = version + 1", "updated_at = $3"}

	for _, c := range counterOrder {
		v, ok := m.Counters[c]
		if !ok {
			continue
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", CounterField(c), len(args)))
	}
	if m.State != "" {
		args = append(args, string(m.State))
		sets = append(sets, fmt.Sprintf("state = $%d", len(args)))
	}

	sql := "UPDATE batches SET " + strings.Join(sets, ", ") +
		" WHERE id = $1 AND version = $2 AND expires_at > $3" +
		" RETURNING " + columnList(AllFields)

	b, err := scanBatch(s.primary.QueryRow(ctx, sql, args...), AllFields)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return entities.Batch{}, fmt.Errorf("update batch %s: %w", id, err)
	}

	// Nothing matched: either the row is gone or someone else moved the version.
	var current int64
	err = s.primary.QueryRow(ctx, "SELECT version FROM batches WHERE id = $1 AND expires_at > $2", id, now).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return entities.Batch{}, ErrNotFound
	}
	if err != nil {
		return entities.Batch{}, fmt.Errorf("check batch %s version: %w", id, err)
	}
	return entities.Batch{}, ErrVersionMismatch
}

// PurgeExpired deletes records past their retention deadline.
func (s *dbStorage) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.primary.Exec(ctx, "DELETE FROM batches WHERE expires_at <= $1", s.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired batches: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RunJanitor purges expired records every interval until ctx is done.
func (s *dbStorage) RunJanitor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				s.logger.Warn("purge expired batches", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("purged expired batches", zap.Int64("count", n))
			}
		}
	}
}

func columnList(fields []Field) string {
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = string(f)
	}
	return strings.Join(cols, ", ")
}

func scanBatch(row pgx.Row, fields []Field) (entities.Batch, error) {
	var (
		b     entities.Batch
		state string
	)
	dest := make([]any, len(fields))
	for i, f := range fields {
		switch f {
		case FieldID:
			dest[i] = &b.ID
		case FieldNbFiles:
			dest[i] = &b.NbFiles
		case FieldTargetMime:
			dest[i] = &b.TargetMime
		case FieldPresignedURLs:
			dest[i] = &b.PresignedURLs
		case FieldUploadedFiles:
			dest[i] = &b.UploadedFiles
		case FieldConvertedFiles:
			dest[i] = &b.ConvertedFiles
		case FieldState:
			dest[i] = &state
		case FieldVersion:
			dest[i] = &b.Version
		case FieldCreatedAt:
			dest[i] = &b.CreatedAt
		case FieldUpdatedAt:
			dest[i] = &b.UpdatedAt
		case FieldExpiresAt:
			dest[i] = &b.ExpiresAt
		default:
			return b, fmt.Errorf("unknown field %q", f)
		}
	}
	if err := row.Scan(dest...); err != nil {
		return b, err
	}
	b.State = entities.State(state)
	return b, nil
}
