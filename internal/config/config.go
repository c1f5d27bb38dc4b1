package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

// Create new config instance
func NewConfig() *Config {
	return &Config{}
}

// Read loads the configuration file in json format, fills defaults and validates it.
func (c *Config) Read(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", file, err)
	}
	c.Defaults()
	return c.Validate()
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Defaults fills every unset tunable.
func (c *Config) Defaults() {
	setInt(&c.Server.Port, 8080)
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 30*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 10*time.Second)

	if c.Upload.MaxRequestBodyMB == 0 {
		c.Upload.MaxRequestBodyMB = 32
	}
	if c.Upload.MaxMultipartMemoryMB == 0 {
		c.Upload.MaxMultipartMemoryMB = 8
	}

	setDuration(&c.Database.Retention, 24*time.Hour)
	setDuration(&c.Database.PurgeInterval, 10*time.Minute)

	setDuration(&c.Redis.HealthCheckInterval, 30*time.Second)
	setDuration(&c.Redis.DialTimeout, 5*time.Second)
	setDuration(&c.Redis.ReadTimeout, 3*time.Second)
	setDuration(&c.Redis.WriteTimeout, 3*time.Second)
	setInt(&c.Redis.PoolSize, 20)

	if c.R2.Region == "" {
		c.R2.Region = "auto"
	}
	setDuration(&c.R2.PresignTTL, 10*time.Minute)
	setInt(&c.R2.MaxRetries, 3)
	setDuration(&c.R2.RetryBaseDelay, 300*time.Millisecond)

	if c.Cache.Namespace == "" {
		c.Cache.Namespace = "converter:batches"
	}
	setDuration(&c.Cache.TTL, 24*time.Hour)

	c.ConvertWorker.defaults("converter:convert", "converters")
	c.ArchiveWorker.defaults("converter:archive", "archivers")

	setInt(&c.Updater.MaxAttempts, 15)
	setDuration(&c.Updater.InitialDelay, 25*time.Millisecond)
	if c.Updater.Multiplier == 0 {
		c.Updater.Multiplier = 1.5
	}

	setInt(&c.Image.JPEGQuality, 90)

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (w *WorkerConfig) defaults(stream, group string) {
	if w.Stream == "" {
		w.Stream = stream
	}
	if w.Group == "" {
		w.Group = group
	}
	if w.Consumer == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		w.Consumer = host
	}
	setInt(&w.Workers, 4)
	setInt(&w.MaxAttempts, 5)
	if w.MaxLen == 0 {
		w.MaxLen = 10000
	}
	setDuration(&w.BackoffBase, time.Second)
	setDuration(&w.BlockTimeout, 5*time.Second)
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(d *Duration, def time.Duration) {
	if d.Duration == 0 {
		d.Duration = def
	}
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case float64:
		d.Duration = time.Duration(t * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", t, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}
