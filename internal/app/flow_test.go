package app

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Shaance/image-converter/internal/archive"
	"github.com/Shaance/image-converter/internal/cache"
	"github.com/Shaance/image-converter/internal/config"
	"github.com/Shaance/image-converter/internal/conversion"
	"github.com/Shaance/image-converter/internal/converter"
	"github.com/Shaance/image-converter/internal/entities"
	"github.com/Shaance/image-converter/internal/fanin"
	"github.com/Shaance/image-converter/internal/queue"
	"github.com/Shaance/image-converter/internal/repository/memory"
	"github.com/Shaance/image-converter/internal/updater"
	use_case "github.com/Shaance/image-converter/internal/use-case"
	"github.com/alicebob/miniredis/v2"
	"github.com/klauspost/compress/zip"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type blob struct {
	payload     []byte
	contentType string
	metadata    map[string]string
}

// bucket is an in-memory stand-in for the R2 client.
type bucket struct {
	mu            sync.Mutex
	objects       map[string]blob
	archiveWrites int
}

func (b *bucket) Put(_ context.Context, key, contentType string, payload []byte, metadata map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = blob{payload: payload, contentType: contentType, metadata: metadata}
	return nil
}

func (b *bucket) PutArchive(ctx context.Context, key string, payload []byte) error {
	b.mu.Lock()
	b.archiveWrites++
	b.mu.Unlock()
	return b.Put(ctx, key, "application/zip", payload, nil)
}

func (b *bucket) Download(_ context.Context, key string) ([]byte, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[key]
	if !ok {
		return nil, "", errors.New("no such key")
	}
	return o.payload, o.contentType, nil
}

func (b *bucket) GetObjectMetadata(_ context.Context, key string) (entities.ObjectMetadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[key]
	if !ok {
		return entities.ObjectMetadata{}, entities.ErrObjectNotFound
	}
	return entities.ObjectMetadata{
		OriginalName: o.metadata[entities.MetaOriginalName],
		TargetFormat: o.metadata[entities.MetaTargetMime],
		ContentType:  o.contentType,
	}, nil
}

func (b *bucket) List(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (b *bucket) Delete(_ context.Context, keys []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.objects, k)
	}
	return nil
}

func (b *bucket) PresignPut(_ context.Context, key string, _ map[string]string) (string, error) {
	return "https://bucket.test/" + key, nil
}

func (b *bucket) PresignGet(_ context.Context, key string) (string, error) {
	return "https://bucket.test/" + key, nil
}

func workerConfig(stream string) config.WorkerConfig {
	return config.WorkerConfig{
		Stream:       stream,
		Group:        stream + "-group",
		Consumer:     "test",
		Workers:      3,
		MaxAttempts:  3,
		MaxLen:       1000,
		BackoffBase:  config.Duration{Duration: time.Millisecond},
		BlockTimeout: config.Duration{Duration: 20 * time.Millisecond},
	}
}

func photo(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		img.Set(x, x, color.RGBA{R: shade, G: 10, B: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestBatchFlowsFromUploadToArchive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := zap.NewNop()

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	store := memory.New()
	blobs := &bucket{objects: map[string]blob{}}
	u := updater.New(store, config.UpdaterConfig{
		MaxAttempts:  30,
		InitialDelay: config.Duration{Duration: time.Millisecond},
		Multiplier:   1.5,
	}, logger)
	counter := fanin.NewCounter(u, logger)

	coordinator := archive.NewCoordinator(store, counter, blobs, logger)
	archiveQ := queue.Init(ctx, rc, workerConfig("archive"), coordinator, logger)
	trigger := fanin.NewTrigger(counter, archiveQ, logger)
	handler := conversion.NewHandler(blobs, converter.Converter{JPEGQuality: 80}, trigger, counter, logger)
	convertQ := queue.Init(ctx, rc, workerConfig("convert"), handler, logger)

	attrs := cache.NewCache("batches", time.Hour, rc, logger)
	uc := use_case.New(store, counter, blobs, convertQ, attrs, attrs, time.Hour, logger)

	b, err := uc.CreateBatch(ctx, 3, "image/jpeg")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i, name := range []string{"beach.png", "beach.png", "forest.png"} {
		payload := photo(t, uint8(i*40))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := uc.UploadImage(ctx, b.ID, name, "image/png", payload)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		st, err := uc.Status(ctx, b.ID)
		return err == nil && st.Status == entities.StateDone
	}, 10*time.Second, 20*time.Millisecond)

	st, err := uc.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.Status{Status: entities.StateDone, Uploaded: 3, Processed: 3}, st)

	// Converted files are deleted right after the DONE write.
	require.Eventually(t, func() bool {
		leftover, _ := blobs.List(ctx, entities.ConvertedDir(b.ID))
		return len(leftover) == 0
	}, 5*time.Second, 10*time.Millisecond)
	blobs.mu.Lock()
	assert.Equal(t, 1, blobs.archiveWrites)
	blobs.mu.Unlock()

	payload, _, err := blobs.Download(ctx, entities.ArchiveKey(b.ID))
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		assert.Equal(t, ".jpeg", path.Ext(f.Name))
	}
	assert.ElementsMatch(t, []string{"beach.jpeg", "beach (1).jpeg", "forest.jpeg"}, names)

	// Uploads after completion are refused.
	_, err = uc.UploadImage(ctx, b.ID, "late.png", "image/png", photo(t, 1))
	require.ErrorIs(t, err, entities.ErrBatchTerminated)
}
