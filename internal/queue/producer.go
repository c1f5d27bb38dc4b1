package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream entry fields.
const (
	fieldPayload   = "payload"
	fieldAttempt   = "attempt"
	fieldNotBefore = "not_before"
	fieldReason    = "reason"
)

type Producer struct {
	r      redis.UniversalClient
	stream string
	maxLen int64
}

func NewProducer(r redis.UniversalClient, stream string, maxLen int64) *Producer {
	return &Producer{r: r, stream: stream, maxLen: maxLen}
}

// Enqueue encodes job as JSON and appends it to the stream.
func (p *Producer) Enqueue(ctx context.Context, job any) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return p.add(ctx, string(raw), 0, time.Time{})
}

func (p *Producer) EnqueueConvert(ctx context.Context, job ConvertJob) error {
	return p.Enqueue(ctx, job)
}

func (p *Producer) EnqueueArchive(ctx context.Context, task ArchiveTask) error {
	return p.Enqueue(ctx, task)
}

func (p *Producer) add(ctx context.Context, raw string, attempt int, notBefore time.Time) error {
	values := map[string]any{
		fieldPayload: raw,
		fieldAttempt: attempt,
	}
	if !notBefore.IsZero() {
		values[fieldNotBefore] = notBefore.UnixMilli()
	}
	return p.r.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Values: values,
	}).Err()
}
