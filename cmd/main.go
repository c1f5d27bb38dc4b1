package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Shaance/image-converter/internal/app"
	"github.com/Shaance/image-converter/internal/config"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "dev"

func initSentry(cfg *config.SentryConfig, version string) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     version,
	})
}

func newLogger(cfg *config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func main() {
	file := flag.String("config", "config.json", "path to the JSON config file")
	flag.Parse()

	cfg := config.NewConfig()
	if err := cfg.Read(*file); err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(&cfg.Log)
	if err != nil {
		log.Fatalf("logger: %s", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := initSentry(&cfg.Sentry, version); err != nil {
		logger.Fatal("sentry.Init", zap.Error(err))
	}
	// Flush buffered events before the program terminates.
	defer sentry.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("init failed", zap.Error(err))
		return
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
}
