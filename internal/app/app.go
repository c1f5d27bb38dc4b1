package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Shaance/image-converter/cmd/migrate"
	"github.com/Shaance/image-converter/internal/archive"
	"github.com/Shaance/image-converter/internal/cache"
	"github.com/Shaance/image-converter/internal/config"
	"github.com/Shaance/image-converter/internal/conversion"
	"github.com/Shaance/image-converter/internal/converter"
	"github.com/Shaance/image-converter/internal/fanin"
	"github.com/Shaance/image-converter/internal/queue"
	"github.com/Shaance/image-converter/internal/r2"
	"github.com/Shaance/image-converter/internal/redisholder"
	"github.com/Shaance/image-converter/internal/repository/storage"
	"github.com/Shaance/image-converter/internal/transport/handler"
	"github.com/Shaance/image-converter/internal/transport/router"
	"github.com/Shaance/image-converter/internal/updater"
	use_case "github.com/Shaance/image-converter/internal/use-case"
	"go.uber.org/zap"
)

type App struct {
	HttpServer *http.Server
	cfg        *config.Config
	logger     *zap.Logger
	cleanup    []func()
}

// New wires the service. Background loops (redis health, janitor, queue workers) run
// until ctx is done.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := migrate.Migrate(ctx, cfg.Database.DSN, migrate.Migrations); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	repo, err := storage.New(ctx, cfg.Database.DSN, cfg.Database.ReplicaDSN, logger.Named("store"))
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, logger: logger, cleanup: []func(){repo.Close}}

	if cfg.Database.PurgeInterval.Duration > 0 {
		go repo.RunJanitor(ctx, cfg.Database.PurgeInterval.Duration)
	}

	holder, err := redisholder.Build(ctx, &cfg.Redis, logger.Named("redis"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.cleanup = append(a.cleanup, func() {
		if err := holder.Close(); err != nil {
			logger.Warn("close redis client", zap.Error(err))
		}
	})
	rc := holder.Get()

	r2Storage, err := r2.NewStorage(ctx, &cfg.R2, logger.Named("r2"))
	if err != nil {
		a.Close()
		return nil, err
	}

	u := updater.New(repo, cfg.Updater, logger.Named("updater"))
	counter := fanin.NewCounter(u, logger.Named("fanin"))

	coordinator := archive.NewCoordinator(repo, counter, r2Storage, logger.Named("archive"))
	archiveQ := queue.Init(ctx, rc, cfg.ArchiveWorker, coordinator, logger.Named("archive_worker"))

	trigger := fanin.NewTrigger(counter, archiveQ, logger.Named("trigger"))
	converterHandler := conversion.NewHandler(r2Storage, converter.New(cfg.Image), trigger, counter, logger.Named("conversion"))
	convertQ := queue.Init(ctx, rc, cfg.ConvertWorker, converterHandler, logger.Named("convert_worker"))

	attrs := cache.NewCache(cfg.Cache.Namespace, cfg.Cache.TTL.Duration, rc, logger.Named("cache"))

	uc := use_case.New(repo, counter, r2Storage, convertQ, attrs, attrs, cfg.Database.Retention.Duration, logger.Named("use_case"))

	h := handler.New(uc, cfg, logger.Named("http"))
	r := router.NewRouter(h)

	a.HttpServer = &http.Server{
		Handler:      r,
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}
	return a, nil
}

// Run serves HTTP until ctx is done, then shuts the server down gracefully.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting server", zap.String("addr", a.HttpServer.Addr))
		errCh <- a.HttpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		a.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	a.logger.Info("shutting down server")
	err := a.HttpServer.Shutdown(shutdownCtx)
	a.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
