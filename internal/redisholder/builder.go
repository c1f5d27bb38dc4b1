package redisholder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shaance/image-converter/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Build connects to the configured nodes, cluster first, and pings the connection in
// the background until ctx is done. The client is never replaced: every component
// shares it and its pool redials on its own after an outage.
func Build(ctx context.Context, cfg *config.RedisConfig, logger *zap.Logger) (*Holder, error) {
	var cl redis.UniversalClient
	cl, err := newClusterClient(ctx, cfg)
	if err != nil {
		clusterErr := err
		cl, err = newClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		logger.Info("redis cluster client failed, using single-node client", zap.NamedError("cluster_error", clusterErr))
	}

	h := NewHolder(cl)

	go healthLoop(ctx, h, cfg, logger)

	return h, nil
}

func healthLoop(ctx context.Context, h *Holder, cfg *config.RedisConfig, logger *zap.Logger) {
	logger.Info("redis health loop started", zap.Duration("interval", cfg.HealthCheckInterval.Duration))

	ping := func() {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := h.Get().Ping(pingCtx).Err()
		cancel()

		switch {
		case err == nil:
			logger.Debug("redis ping ok")
		case ctx.Err() != nil:
		default:
			logger.Warn("redis ping failed", zap.Error(err))
		}
	}

	ping()

	t := time.NewTicker(cfg.HealthCheckInterval.Duration)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("redis health loop stopped", zap.Error(ctx.Err()))
			return
		case <-t.C:
			ping()
		}
	}
}

func newClusterClient(ctx context.Context, cfg *config.RedisConfig) (*redis.ClusterClient, error) {
	// A single node is never run as a cluster.
	if len(cfg.Nodes) < 2 {
		return nil, errors.New("cluster needs at least two nodes")
	}

	nodeAddrs := make([]string, 0, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		nodeAddrs = append(nodeAddrs, node.Addr())
	}

	cl := redis.NewClusterClient(&redis.ClusterOptions{
		RouteByLatency: true,
		Password:       cfg.Password,
		Addrs:          nodeAddrs,
		DialTimeout:    cfg.DialTimeout.Duration,
		ReadTimeout:    cfg.ReadTimeout.Duration,
		WriteTimeout:   cfg.WriteTimeout.Duration,
		PoolSize:       cfg.PoolSize,
		PoolTimeout:    30 * time.Second,
		MaxRetries:     5,
	})

	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("error pinging redis cluster: %w", err)
	}

	return cl, nil
}

func newClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	var stickyErr = errors.New("no nodes defined")

	for _, node := range cfg.Nodes {
		cl := redis.NewClient(&redis.Options{
			Addr:         node.Addr(),
			Password:     cfg.Password,
			DB:           cfg.DatabaseID,
			DialTimeout:  cfg.DialTimeout.Duration,
			ReadTimeout:  cfg.ReadTimeout.Duration,
			WriteTimeout: cfg.WriteTimeout.Duration,
			PoolSize:     cfg.PoolSize,
		})

		err := cl.Ping(ctx).Err()
		if err != nil {
			_ = cl.Close()
			stickyErr = fmt.Errorf("error pinging redis server %s: %w", node.Addr(), err)
			continue
		}

		return cl, nil
	}

	return nil, stickyErr
}
