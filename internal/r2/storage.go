package r2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path"
	"time"

	conf "github.com/Shaance/image-converter/internal/config"
	"github.com/Shaance/image-converter/internal/entities"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// deleteBatchSize is the DeleteObjects limit.
const deleteBatchSize = 1000

type S3 struct {
	Bucket         string
	MaxRetries     int
	RetryBaseDelay time.Duration
	PresignTTL     time.Duration

	S3Client  *s3.Client
	Uploader  *manager.Uploader
	Presigner *s3.PresignClient

	logger *zap.Logger
}

func NewStorage(ctx context.Context, cfg *conf.R2Config, logger *zap.Logger) (*S3, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretKey, "",
		)),
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint(cfg))
		o.UsePathStyle = true
	})

	s := &S3{
		Bucket:         cfg.BucketName,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay.Duration,
		PresignTTL:     cfg.PresignTTL.Duration,
		S3Client:       client,
		Uploader:       manager.NewUploader(client),
		Presigner:      s3.NewPresignClient(client),
		logger:         logger,
	}
	logger.Info("R2 client initialized", zap.String("bucket", s.Bucket))
	return s, nil
}

func endpoint(cfg *conf.R2Config) string {
	if cfg.Endpoint != "" {
		return cfg.Endpoint
	}
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
}

// Put uploads payload under key, retrying with jittered exponential backoff.
func (s *S3) Put(ctx context.Context, key, contentType string, payload []byte, metadata map[string]string) error {
	var err error
	for attempt := 1; ; attempt++ {
		_, err = s.Uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(payload),
			ContentType: aws.String(contentType),
			Metadata:    metadata,
		})
		if err == nil {
			return nil
		}
		if attempt > s.MaxRetries {
			break
		}

		backoff := backoffDelay(s.RetryBaseDelay, attempt)
		s.logger.Warn("upload failed, retrying",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("upload %q: %w", key, ctx.Err())
		}
	}
	return fmt.Errorf("upload %q: %w", key, err)
}

// PutArchive stores a finished zip.
func (s *S3) PutArchive(ctx context.Context, key string, payload []byte) error {
	return s.Put(ctx, key, "application/zip", payload, nil)
}

// backoffDelay doubles base per attempt and keeps a ±10% jitter.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	jitter := float64(delay) * 0.1
	return delay + time.Duration(jitter*(2*rand.Float64()-1))
}

func (s *S3) Download(ctx context.Context, key string) ([]byte, string, error) {
	out, err := s.S3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to download %q: %w", key, err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, "", fmt.Errorf("failed to read body for %q: %w", key, err)
	}

	return buf.Bytes(), aws.ToString(out.ContentType), nil
}

func (s *S3) GetObjectMetadata(ctx context.Context, key string) (entities.ObjectMetadata, error) {
	out, err := s.S3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return entities.ObjectMetadata{}, fmt.Errorf("head %q: %w", key, entities.ErrObjectNotFound)
		}
		return entities.ObjectMetadata{}, fmt.Errorf("head %q: %w", key, err)
	}

	md := entities.ObjectMetadata{
		OriginalName: out.Metadata[entities.MetaOriginalName],
		TargetFormat: out.Metadata[entities.MetaTargetMime],
		ContentType:  aws.ToString(out.ContentType),
	}
	if md.OriginalName == "" {
		base := path.Base(key)
		md.OriginalName = base[:len(base)-len(path.Ext(base))]
	}
	return md, nil
}

// List returns every key under prefix.
func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.S3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *S3) Delete(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))

		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		_, err := s.S3Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.Bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete %d objects: %w", len(ids), err)
		}
	}
	return nil
}

// PresignPut returns a URL the client can PUT the original file to. The metadata is
// part of the signature, so the client must send the same x-amz-meta-* headers.
func (s *S3) PresignPut(ctx context.Context, key string, metadata map[string]string) (string, error) {
	req, err := s.Presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.Bucket),
		Key:      aws.String(key),
		Metadata: metadata,
	}, s3.WithPresignExpires(s.PresignTTL))
	if err != nil {
		return "", fmt.Errorf("presign put %q: %w", key, err)
	}
	return req.URL, nil
}

func (s *S3) PresignGet(ctx context.Context, key string) (string, error) {
	req, err := s.Presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.PresignTTL))
	if err != nil {
		return "", fmt.Errorf("presign get %q: %w", key, err)
	}
	return req.URL, nil
}
