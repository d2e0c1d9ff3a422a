// Copyright 2024 TailingsIQ Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main runs the TailingsIQ HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tailingsiq/tailingsiq-backend/internal/aiquery"
	"github.com/tailingsiq/tailingsiq-backend/internal/api"
	"github.com/tailingsiq/tailingsiq-backend/internal/auth"
	"github.com/tailingsiq/tailingsiq-backend/internal/compliance"
	"github.com/tailingsiq/tailingsiq-backend/internal/config"
	"github.com/tailingsiq/tailingsiq-backend/internal/documents"
	"github.com/tailingsiq/tailingsiq-backend/internal/events"
	"github.com/tailingsiq/tailingsiq-backend/internal/health"
	"github.com/tailingsiq/tailingsiq-backend/internal/metrics"
	"github.com/tailingsiq/tailingsiq-backend/internal/monitoring"
	"github.com/tailingsiq/tailingsiq-backend/internal/openai"
	"github.com/tailingsiq/tailingsiq-backend/internal/ratelimit"
	"github.com/tailingsiq/tailingsiq-backend/internal/store"
	"github.com/tailingsiq/tailingsiq-backend/internal/synthetic"
	"github.com/tailingsiq/tailingsiq-backend/internal/users"
)

const (
	// StartupTimeout bounds database seeding and vector store setup
	StartupTimeout = 30 * time.Second
	// CleanupInterval is how often stale synthetic datasets are retired
	CleanupInterval = 24 * time.Hour
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, level, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, *configPath, logger, level); err != nil {
		logger.Fatal("Server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) error {
	masked := cfg.MaskSensitiveValues()
	logger.Info("Starting TailingsIQ API",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Path),
		zap.String("vector_backend", cfg.Vector.Backend),
		zap.String("openai_key", masked.OpenAI.APIKey))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	err = config.WatchConfig(configPath, logger, func(updated *config.Config) {
		next := config.ParseLevel(updated.Logging.Level)
		if level.Level() != next {
			level.SetLevel(next)
			logger.Info("Log level changed", zap.String("level", next.String()))
		}
	})
	switch {
	case errors.Is(err, config.ErrNoConfigFile):
		logger.Debug("No configuration file to watch")
	case err != nil:
		logger.Warn("Failed to watch configuration file", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.cleanupLoop(ctx, CleanupInterval)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	var serveErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case serveErr = <-errChan:
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	a.close()
	logger.Info("Server stopped")

	return serveErr
}

// app owns every long-lived component of the process
type app struct {
	router    *gin.Engine
	store     *store.Store
	publisher events.Publisher
	limiter   *ratelimit.Limiter
	aiquery   *aiquery.Service
	synthetic *synthetic.Service
	logger    *zap.Logger
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	ctx, cancel := context.WithTimeout(context.Background(), StartupTimeout)
	defer cancel()

	st, err := store.NewStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a := &app{store: st, logger: logger}

	a.publisher, err = events.New(cfg.Events, logger)
	if err != nil {
		logger.Warn("Event publishing disabled", zap.Error(err))
		a.publisher = events.Nop{}
	}

	tokens, err := auth.NewTokenManager(cfg.Auth.SecretKey, cfg.Auth.Issuer, cfg.Auth.AccessTokenExpiry)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create token manager: %w", err)
	}

	hm := health.NewManager("tailingsiq", cfg.App.Version, cfg.App.Environment, logger)
	hm.AddChecker("database", health.DatabaseHealthChecker("database", st.Ping))

	// The interfaces stay nil without a key so the AI endpoints report degraded.
	var (
		llm      aiquery.LLM
		embedder documents.Embedder
	)
	client, err := openai.NewClient(cfg.OpenAI, logger)
	switch {
	case err == nil:
		llm, embedder = client, client
		hm.AddChecker("llm", health.ExternalServiceHealthChecker("llm", client.Ping))
	case errors.Is(err, openai.ErrNotConfigured):
		logger.Warn("OpenAI API key not set, AI query and indexing are disabled")
	default:
		a.close()
		return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
	}

	index, err := documents.OpenVectorIndex(ctx, cfg.Vector, st, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	hm.AddChecker("vector_store", health.ExternalServiceHealthChecker("vector_store", index.Ping))

	m := metrics.New()
	userSvc := users.NewService(st, tokens, cfg.Auth, logger)
	if created, err := userSvc.EnsureSuperAdmin(ctx, cfg.Auth.Bootstrap); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to seed super admin: %w", err)
	} else if created {
		logger.Info("Created bootstrap super admin", zap.String("username", cfg.Auth.Bootstrap.Username))
	}

	docs := documents.NewService(st, embedder, index, a.publisher, cfg.Documents, logger)
	a.aiquery = aiquery.NewService(aiquery.Deps{
		Store:     st,
		Documents: docs,
		LLM:       llm,
		Metrics:   m,
		Logger:    logger,
	}, cfg.AIQuery)
	a.synthetic = synthetic.NewService(st, a.publisher, synthetic.Config{
		MaxRecords:        cfg.Synthetic.MaxRecords,
		PreviewMax:        cfg.Synthetic.PreviewMax,
		CleanupDays:       cfg.Synthetic.CleanupDays,
		DefaultFacilities: cfg.Synthetic.DefaultFacility,
	}, logger)

	if cfg.RateLimit.Enabled {
		a.limiter = ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}

	a.router = api.NewRouter(api.Deps{
		Config:     cfg,
		Logger:     logger,
		Metrics:    m,
		Health:     hm,
		Limiter:    a.limiter,
		Users:      userSvc,
		Documents:  docs,
		Monitoring: monitoring.NewService(st, a.publisher, m, logger),
		Compliance: compliance.NewService(st, logger),
		Synthetic:  a.synthetic,
		AIQuery:    a.aiquery,
	})
	return a, nil
}

func (a *app) cleanupLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.synthetic.Cleanup(ctx, 0); err != nil {
				a.logger.Warn("Synthetic dataset cleanup failed", zap.Error(err))
			}
		}
	}
}

// close releases components in reverse start order. Safe on a partial app.
func (a *app) close() {
	if a.aiquery != nil {
		a.aiquery.Close()
	}
	if a.synthetic != nil {
		a.synthetic.Close()
	}
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("Failed to close event publisher", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close database", zap.Error(err))
	}
}
