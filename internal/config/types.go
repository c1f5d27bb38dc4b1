package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server        ServerConfig  `json:"server"`
	Upload        UploadConfig  `json:"upload"`
	Database      Database      `json:"database"`
	Redis         RedisConfig   `json:"redis"`
	R2            R2Config      `json:"r2"`
	Cache         CacheConfig   `json:"cache"`
	ConvertWorker WorkerConfig  `json:"convert_worker"`
	ArchiveWorker WorkerConfig  `json:"archive_worker"`
	Updater       UpdaterConfig `json:"updater"`
	Image         ImageConfig   `json:"image"`
	Sentry        SentryConfig  `json:"sentry"`
	Log           LogConfig     `json:"log"`
}

type ServerConfig struct {
	Port            int      `json:"port" validate:"gte=1,lte=65535"`
	ReadTimeout     Duration `json:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

type UploadConfig struct {
	MaxRequestBodyMB     int64 `json:"max_request_body" validate:"gte=1"`
	MaxMultipartMemoryMB int64 `json:"max_multipart_memory" validate:"gte=1"`
}

type Database struct {
	DSN           string   `json:"dsn" validate:"required"`
	ReplicaDSN    string   `json:"replica_dsn"`
	Retention     Duration `json:"retention"`      // how long a batch record is kept
	PurgeInterval Duration `json:"purge_interval"` // janitor period
}

type RedisConfig struct {
	Password            string      `json:"password"`
	DatabaseID          int         `json:"database_id"`
	HealthCheckInterval Duration    `json:"health_check_interval"`
	DialTimeout         Duration    `json:"dial_timeout"`
	ReadTimeout         Duration    `json:"read_timeout"`
	WriteTimeout        Duration    `json:"write_timeout"`
	PoolSize            int         `json:"pool_size"`
	Nodes               []RedisNode `json:"nodes" validate:"required,min=1,dive"`
}

type RedisNode struct {
	Host string `json:"host" validate:"required"`
	Port int    `json:"port" validate:"gte=1,lte=65535"`
}

func (n RedisNode) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

type R2Config struct {
	AccountID      string   `json:"account_id"`
	BucketName     string   `json:"bucket_name" validate:"required"`
	AccessKeyID    string   `json:"access_key_id" validate:"required"`
	SecretKey      string   `json:"secret_key" validate:"required"`
	Endpoint       string   `json:"endpoint"` // overrides the account endpoint, e.g. for MinIO
	Region         string   `json:"region"`
	PresignTTL     Duration `json:"presign_ttl"`
	MaxRetries     int      `json:"max_retries"`
	RetryBaseDelay Duration `json:"retry_base_delay"`
}

// CacheConfig controls the Redis cache of immutable batch attributes.
type CacheConfig struct {
	Namespace string   `json:"namespace"`
	TTL       Duration `json:"ttl"`
}

type WorkerConfig struct {
	Stream       string   `json:"stream"`        // redis stream name
	Group        string   `json:"group"`         // consumer group name
	Workers      int      `json:"workers"`       // number of concurrent goroutines
	MaxAttempts  int      `json:"max_attempts"`  // deliveries before DLQ
	MaxLen       int64    `json:"max_len"`       // stream max length before trim
	BackoffBase  Duration `json:"backoff_base"`  // base requeue delay
	BlockTimeout Duration `json:"block_timeout"` // XREADGROUP block timeout
	Consumer     string   `json:"consumer"`
}

// DeadLetterStream is where jobs go after MaxAttempts failed deliveries.
func (w WorkerConfig) DeadLetterStream() string { return w.Stream + ":dlq" }

type UpdaterConfig struct {
	MaxAttempts  int      `json:"max_attempts" validate:"gte=1"`
	InitialDelay Duration `json:"initial_delay"`
	Multiplier   float64  `json:"multiplier" validate:"gt=1"`
}

type ImageConfig struct {
	MaxDimension int `json:"max_dimension"` // 0 keeps the original size
	JPEGQuality  int `json:"jpeg_quality" validate:"gte=1,lte=100"`
}

type SentryConfig struct {
	SentryDSN   string `json:"sentry_dsn"`
	Environment string `json:"environment"`
}

type LogConfig struct {
	Level       string `json:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `json:"development"`
}

// Duration decodes either a Go duration string ("250ms") or a number of seconds.
type Duration struct {
	time.Duration
}
