// Package server assembles the service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-digest/internal/api"
	"github.com/JakeFAU/crawl-digest/internal/backend/local"
	"github.com/JakeFAU/crawl-digest/internal/config"
	"github.com/JakeFAU/crawl-digest/internal/fetcher/headless"
	"github.com/JakeFAU/crawl-digest/internal/orchestrator"
	"github.com/JakeFAU/crawl-digest/internal/progress"
	pubsubpublisher "github.com/JakeFAU/crawl-digest/internal/publisher/pubsub"
	"github.com/JakeFAU/crawl-digest/internal/storage/postgres"
)

const shutdownGrace = 10 * time.Second

// App contains the application's long-lived dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server
	local        *local.Backend
	progressHub  *progress.Hub
	chrome       *headless.Renderer

	redis        *goredis.Client
	pgResults    *postgres.ResultStore
	storage      *storage.Client
	pubsubClient *pubsub.Client
	publisher    *pubsubpublisher.Publisher

	tracerShutdown func(context.Context) error
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Orchestrator exposes the task orchestrator for one-shot commands.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Start launches background work: the local worker pool and backend
// health checks. It returns immediately.
func (a *App) Start(ctx context.Context) {
	if a.local != nil {
		a.local.Start(ctx)
	}
	go a.orchestrator.RunHealthChecks(ctx)
}

// Run serves HTTP and blocks until SIGINT, SIGTERM or ctx cancellation, then
// drains in-flight work for up to ten seconds.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Start(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close drains the orchestrator and then releases infrastructure in reverse
// order of construction.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.orchestrator != nil {
		if err := a.orchestrator.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.local != nil {
		if err := a.local.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.chrome != nil {
		a.chrome.Close()
	}
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgResults != nil {
		a.pgResults.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
