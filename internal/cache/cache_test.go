package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newCache(t *testing.T) (*miniredis.Miniredis, *Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return mr, NewCache("converter:batches", time.Hour, rc, zap.NewNop())
}

func TestAttributesRoundTrip(t *testing.T) {
	mr, c := newCache(t)
	ctx := context.Background()

	_, ok, err := c.Attributes(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, ok)

	want := BatchAttributes{NbFiles: 3, TargetMime: "image/png"}
	require.NoError(t, c.StoreAttributes(ctx, "b1", want))
	assert.True(t, mr.Exists("converter:batches:b1"))
	assert.Equal(t, time.Hour, mr.TTL("converter:batches:b1"))

	got, ok, err := c.Attributes(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)
}

func TestAttributesExpire(t *testing.T) {
	mr, c := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.StoreAttributes(ctx, "b1", BatchAttributes{NbFiles: 1, TargetMime: "image/jpeg"}))
	mr.FastForward(2 * time.Hour)

	_, ok, err := c.Attributes(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimUploadOnce(t *testing.T) {
	mr, c := newCache(t)
	ctx := context.Background()
	key := "OriginalImages/b1/f.png"

	ok, err := c.ClaimUpload(ctx, "b1", key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("converter:batches:b1:"+key))
	assert.Equal(t, time.Hour, mr.TTL("converter:batches:b1:"+key))

	ok, err = c.ClaimUpload(ctx, "b1", key)
	require.NoError(t, err)
	assert.False(t, ok, "second claim of the same key")

	ok, err = c.ClaimUpload(ctx, "b2", key)
	require.NoError(t, err)
	assert.True(t, ok, "claims are per batch")

	require.NoError(t, c.ReleaseUpload(ctx, "b1", key))
	ok, err = c.ClaimUpload(ctx, "b1", key)
	require.NoError(t, err)
	assert.True(t, ok)

	// The claim key does not shadow the batch attributes.
	_, found, err := c.Attributes(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, found)
}
