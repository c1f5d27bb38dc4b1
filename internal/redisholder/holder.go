package redisholder

import (
	"sync"

	"github.com/redis/go-redis/v9"
)

// Holder owns the client built for the configured nodes, cluster or single node.
type Holder struct {
	cl        redis.UniversalClient
	closeOnce sync.Once
	closeErr  error
}

func NewHolder(cl redis.UniversalClient) *Holder {
	return &Holder{cl: cl}
}

func (h *Holder) Get() redis.UniversalClient {
	return h.cl
}

// Close closes the client once; later calls return the first result.
func (h *Holder) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.cl.Close()
	})
	return h.closeErr
}
