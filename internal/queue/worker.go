package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Shaance/image-converter/internal/config"
	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Delivery is one read of a stream entry handed to a Handler.
type Delivery struct {
	ID      string
	Payload []byte
	Attempt int  // zero on the first delivery
	Last    bool // no redelivery follows if this one fails
}

// Decode unmarshals the delivery payload into v.
func (d Delivery) Decode(v any) error {
	if err := json.Unmarshal(d.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode payload of %s: %w", d.ID, err))
	}
	return nil
}

type Handler interface {
	Handle(ctx context.Context, d Delivery) error
}

type HandlerFunc func(ctx context.Context, d Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, d Delivery) error { return f(ctx, d) }

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering; the entry goes straight to the
// dead-letter stream.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type Worker struct {
	rc      redis.UniversalClient
	cfg     config.WorkerConfig
	handler Handler
	retry   *Producer
	dlq     *Producer
	logger  *zap.Logger

	// Entries pending for longer than minIdle are taken over by autoClaim.
	minIdle  time.Duration
	inflight sync.Map
}

// Init starts a worker on cfg.Stream in the background and returns a producer for the
// same stream.
func Init(ctx context.Context, rc redis.UniversalClient, cfg config.WorkerConfig, handler Handler, logger *zap.Logger) *Producer {
	producer := NewProducer(rc, cfg.Stream, cfg.MaxLen)
	worker := NewWorker(rc, cfg, handler, logger)

	go func() {
		if err := worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker stopped", zap.String("stream", cfg.Stream), zap.Error(err))
		}
	}()

	return producer
}

func NewWorker(rc redis.UniversalClient, cfg config.WorkerConfig, handler Handler, logger *zap.Logger) *Worker {
	// Entries younger than minIdle may still be in flight on a slow consumer.
	minIdle := 30 * time.Second
	if t := cfg.BlockTimeout.Duration * 6; t > minIdle {
		minIdle = t
	}
	return &Worker{
		rc:      rc,
		cfg:     cfg,
		handler: handler,
		retry:   NewProducer(rc, cfg.Stream, cfg.MaxLen),
		dlq:     NewProducer(rc, cfg.DeadLetterStream(), cfg.MaxLen),
		logger:  logger.With(zap.String("stream", cfg.Stream), zap.String("group", cfg.Group)),
		minIdle: minIdle,
	}
}

func (w *Worker) EnsureGroup(ctx context.Context) error {
	// Without MkStream, Redis would error out if you try to create a group before any messages exist in the stream.
	err := w.rc.XGroupCreateMkStream(ctx, w.cfg.Stream, w.cfg.Group, "0").Err()
	// Redis returns BUSYGROUP if the group already exists therefore we check for other errors
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (w *Worker) Start(ctx context.Context) error {
	if err := w.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("failed to ensure Redis group: %w", err)
	}

	w.logger.Info("starting consumer", zap.Int("workers", w.cfg.Workers))

	// Entries this consumer read but never acknowledged before it went down.
	w.drainPending(ctx)

	go w.reclaim(ctx)

	errCh := make(chan error, w.cfg.Workers)
	for i := 0; i < w.cfg.Workers; i++ {
		id := i
		go func() {
			err := w.loop(ctx)
			if err != nil {
				w.logger.Error("worker loop stopped", zap.Int("worker", id), zap.Error(err))
			}
			errCh <- err
		}()
	}

	select {
	case <-ctx.Done():
		w.logger.Info("context canceled, stopping all workers")
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("worker loop exited with error: %w", err)
		}
		return nil
	}
}

// drainPending re-handles the entries still pending for this consumer name.
func (w *Worker) drainPending(ctx context.Context) {
	next := "0"
	for ctx.Err() == nil {
		streams, err := w.rc.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			Streams:  []string{w.cfg.Stream, next},
			Count:    100,
			Block:    -1,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				w.logger.Warn("read own pending entries", zap.Error(err))
			}
			return
		}
		var msgs []redis.XMessage
		for _, s := range streams {
			msgs = append(msgs, s.Messages...)
		}
		if len(msgs) == 0 {
			return
		}
		w.logger.Info("resuming pending entries", zap.Int("count", len(msgs)))
		for _, m := range msgs {
			w.handle(ctx, m)
		}
		next = msgs[len(msgs)-1].ID
	}
}

// reclaim runs autoClaim for the lifetime of the worker so an entry stranded on any
// consumer of the group is eventually handled.
func (w *Worker) reclaim(ctx context.Context) {
	w.autoClaim(ctx)

	ticker := time.NewTicker(w.minIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.autoClaim(ctx)
		}
	}
}

// autoClaim takes ownership of entries delivered to consumers of the group that never
// acknowledged them (crash or kill before XACK) and processes them here.
func (w *Worker) autoClaim(ctx context.Context) {
	next := "0-0"
	for {
		msgs, start, err := w.rc.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   w.cfg.Stream,
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			MinIdle:  w.minIdle,
			Start:    next,
			Count:    100,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("auto claim", zap.Error(err))
			}
			return
		}
		if len(msgs) > 0 {
			w.logger.Info("claimed orphaned entries", zap.Int("count", len(msgs)))
		}
		for _, m := range msgs {
			w.handle(ctx, m)
		}
		if start == "0-0" || start == "" {
			return
		}
		next = start
	}
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		// Entries read here sit in the group's pending list until handle() acknowledges
		// them; drainPending() and reclaim() pick up whatever is left behind.
		streams, err := w.rc.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			Streams:  []string{w.cfg.Stream, ">"},
			Count:    1,
			Block:    w.cfg.BlockTimeout.Duration,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("read group", zap.Error(err))
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				w.handle(ctx, m)
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, m redis.XMessage) {
	// autoClaim may hand back an entry a slow handler here still holds.
	if _, busy := w.inflight.LoadOrStore(m.ID, struct{}{}); busy {
		return
	}
	defer w.inflight.Delete(m.ID)

	raw, ok := m.Values[fieldPayload].(string)
	if !ok {
		w.deadLetter(ctx, m, "", 0, errors.New("entry has no payload"))
		w.ack(ctx, m.ID)
		return
	}
	attempt := toInt(m.Values[fieldAttempt])

	if notBefore := toInt(m.Values[fieldNotBefore]); notBefore > 0 {
		if err := sleepUntil(ctx, time.UnixMilli(int64(notBefore))); err != nil {
			// left pending for drainPending or another consumer's autoClaim
			return
		}
	}

	d := Delivery{
		ID:      m.ID,
		Payload: []byte(raw),
		Attempt: attempt,
		Last:    attempt+1 >= w.cfg.MaxAttempts,
	}

	err := w.handler.Handle(ctx, d)
	if err == nil {
		w.ack(ctx, m.ID)
		return
	}
	if ctx.Err() != nil {
		return
	}

	if d.Last || IsPermanent(err) {
		w.deadLetter(ctx, m, raw, attempt, err)
		w.ack(ctx, m.ID)
		return
	}

	// Requeue before acknowledging so a crash in between redelivers instead of losing it.
	backoff := w.cfg.BackoffBase.Duration << attempt
	if err := w.retry.add(ctx, raw, attempt+1, time.Now().Add(backoff)); err != nil {
		w.logger.Error("requeue failed, leaving entry pending", zap.String("id", m.ID), zap.Error(err))
		return
	}
	w.logger.Warn("job failed, requeued",
		zap.String("id", m.ID),
		zap.Int("attempt", attempt),
		zap.Duration("backoff", backoff),
		zap.Error(err),
	)
	w.ack(ctx, m.ID)
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.rc.XAck(ctx, w.cfg.Stream, w.cfg.Group, id).Err(); err != nil {
		w.logger.Warn("ack failed", zap.String("id", id), zap.Error(err))
	}
}

func (w *Worker) deadLetter(ctx context.Context, m redis.XMessage, raw string, attempt int, cause error) {
	w.logger.Error("job dead-lettered", zap.String("id", m.ID), zap.Int("attempt", attempt), zap.Error(cause))

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("stream", w.cfg.Stream)
		scope.SetExtra("entry_id", m.ID)
		scope.SetExtra("attempt", attempt)
		sentry.CaptureException(cause)
	})

	values := map[string]any{
		fieldPayload: raw,
		fieldAttempt: attempt,
		fieldReason:  cause.Error(),
	}
	err := w.rc.XAdd(ctx, &redis.XAddArgs{
		Stream: w.dlq.stream,
		MaxLen: w.dlq.maxLen,
		Values: values,
	}).Err()
	if err != nil {
		w.logger.Error("dead-letter write failed", zap.String("id", m.ID), zap.Error(err))
	}
}

func sleepUntil(ctx context.Context, at time.Time) error {
	d := time.Until(at)
	if d <= 0 {
		return nil
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

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case string:
		var x int
		fmt.Sscanf(t, "%d", &x)
		return x
	default:
		return 0
	}
}
