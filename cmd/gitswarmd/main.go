package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/gitswarm/gitswarm/internal/api"
	"github.com/gitswarm/gitswarm/internal/config"
	"github.com/gitswarm/gitswarm/internal/coordinator"
	"github.com/gitswarm/gitswarm/internal/gitops"
	"github.com/gitswarm/gitswarm/internal/karma"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/syncer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gitswarmd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenPostgres(ctx, store.PostgresConfig{URL: cfg.DatabaseURL})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	redisOpts, err := redis.ParseURL(cfg.CacheURL)
	if err != nil {
		return fmt.Errorf("invalid cache URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache not reachable: %w", err)
	}

	var limits map[string]karma.Limit
	if cfg.RateLimitMax > 0 && cfg.RateLimitWindow > 0 {
		limits = map[string]karma.Limit{
			"api": {Max: cfg.RateLimitMax, Window: cfg.RateLimitWindow},
		}
	}

	coord := coordinator.New(st, coordinator.Options{
		Secret:       cfg.SessionSecret,
		Backends:     &gitops.DirBackends{Root: cfg.RepoRoot},
		WorktreeRoot: cfg.WorktreeRoot,
		Redis:        rdb,
		RateLimits:   limits,
	})

	server := api.NewServer(coord, syncer.NewFeed(st), api.Options{
		Prefix: cfg.APIPrefix,
		HealthCheck: func() error {
			hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := st.Ping(hctx); err != nil {
				return fmt.Errorf("store: %w", err)
			}
			if err := rdb.Ping(hctx).Err(); err != nil {
				return fmt.Errorf("cache: %w", err)
			}
			return nil
		},
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("[Server] event=listening addr=%s prefix=%s", cfg.ListenAddr, cfg.APIPrefix)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return coord.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
