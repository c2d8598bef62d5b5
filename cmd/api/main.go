package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/kirillkom/statsrag/internal/adapters/http"
	"github.com/kirillkom/statsrag/internal/bootstrap"
	"github.com/kirillkom/statsrag/internal/config"
	"github.com/kirillkom/statsrag/internal/observability/logging"
	"github.com/kirillkom/statsrag/internal/observability/metrics"
)

const service = "api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	logging.Install(service, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpMetrics := metrics.NewHTTPServerMetrics(service)
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{
		QueryObserver: httpMetrics.QueryObserver(service),
	})
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()
	httpMetrics.RegisterIndexGauge(service, app.Index.Status)

	// Without a queue the API indexes documents itself and owns the snapshot.
	if err := app.LoadIndex(ctx, !cfg.QueueEnabled()); err != nil {
		slog.Error("index_load_failed", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := app.WatchIndexUpdates(ctx); err != nil {
			slog.Error("index_watch_failed", "error", err)
		}
	}()

	router := httpadapter.NewRouter(cfg, app.IngestUC, app.QueryUC, app.Documents, app.Rebuilder()).
		WithMetrics(httpMetrics, service).
		Handler()
	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.GenerationTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api_listening", "addr", server.Addr, "queue_enabled", cfg.QueueEnabled(), "model_id", app.Embedder.ModelID())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api_shutdown_failed", "error", err)
	}
}
