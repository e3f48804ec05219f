// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mobiletoly/go-timelimit/config"
	"github.com/mobiletoly/go-timelimit/metrics"
	"github.com/mobiletoly/go-timelimit/syncserver"
)

func newServerCommand() *cobra.Command {
	var (
		listenAddr  string
		databaseURL string
		jwtSecret   string
		logLevel    string
	)
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the family sync server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer()
			if err != nil {
				return err
			}
			override(cmd, "listen", listenAddr, &cfg.ListenAddr)
			override(cmd, "database-url", databaseURL, &cfg.DatabaseURL)
			override(cmd, "jwt-secret", jwtSecret, &cfg.JWTSecret)
			override(cmd, "log-level", logLevel, &cfg.LogLevel)
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := newLogger(cmd.OutOrStdout(), cfg.LogLevel, true)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, logger)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&listenAddr, "listen", ":8080", "address to listen on")
	flags.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection string, empty keeps state in memory")
	flags.StringVar(&jwtSecret, "jwt-secret", "", "secret the device tokens are signed with")
	flags.StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}

func openStore(ctx context.Context, databaseURL string, logger *slog.Logger) (syncserver.Store, func(), error) {
	if databaseURL == "" {
		logger.Warn("no database configured, family state is kept in memory")
		return syncserver.NewMemoryStore(), func() {}, nil
	}
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	store, err := syncserver.NewPostgresStore(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}

func newServerHandler(cfg config.Server, store syncserver.Store, reg *prometheus.Registry, logger *slog.Logger) http.Handler {
	jwtAuth := syncserver.NewJWTAuth(cfg.JWTSecret)
	hub := syncserver.NewHub(logger)
	service := syncserver.NewService(store, jwtAuth, hub, &syncserver.ServiceConfig{
		MaxPushBatchSize: cfg.MaxPushBatchSize,
		UsedTimeDays:     cfg.UsedTimeDays,
		StageMetrics:     metrics.New(reg),
		LogStageTimings:  cfg.LogStageTimings,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(reg))
	mux.Handle("/", syncserver.NewHTTPSyncHandlers(service, jwtAuth, hub, logger).Routes())
	return mux
}

func runServer(ctx context.Context, cfg config.Server, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      newServerHandler(cfg, store, prometheus.NewRegistry(), logger),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting sync server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down sync server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
