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

	"github.com/kirillkom/statsrag/internal/bootstrap"
	"github.com/kirillkom/statsrag/internal/config"
	"github.com/kirillkom/statsrag/internal/observability/logging"
	"github.com/kirillkom/statsrag/internal/observability/metrics"
)

const service = "worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	logging.Install(service, cfg.LogLevel)
	if !cfg.QueueEnabled() {
		slog.Error("worker_requires_queue", "hint", "set NATS_URL; without it the api indexes inline")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{})
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := app.LoadIndex(ctx, true); err != nil {
		slog.Error("index_load_failed", "error", err)
		os.Exit(1)
	}

	workerMetrics := metrics.NewWorkerMetrics(service)
	workerMetrics.RegisterIndexGauge(app.Index.Status)
	if cfg.WorkerMetricsPort != "" {
		metricsServer := &http.Server{
			Addr:              ":" + cfg.WorkerMetricsPort,
			Handler:           workerMetrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("worker_metrics_server_failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	slog.Info("worker_subscribed", "subject", cfg.NATSDocumentSubject, "model_id", app.Embedder.ModelID())
	err = app.Queue.SubscribeDocumentSubmitted(ctx, func(handlerCtx context.Context, documentID string) error {
		if doc, err := app.Documents.GetByID(handlerCtx, documentID); err == nil {
			workerMetrics.ObserveQueueLag(time.Since(doc.UpdatedAt))
		}

		started := time.Now()
		done := workerMetrics.TrackDocument()
		processCtx, cancel := context.WithTimeout(handlerCtx, 5*time.Minute)
		defer cancel()
		err := app.ProcessUC.ProcessByID(processCtx, documentID)
		done(err)

		if err != nil {
			slog.Error("document_process_failed",
				"document_id", documentID,
				"outcome", metrics.DocumentOutcome(err),
				"duration_ms", time.Since(started).Milliseconds(),
				"error", err,
			)
			return err
		}
		slog.Info("document_processed", "document_id", documentID, "duration_ms", time.Since(started).Milliseconds())
		return nil
	})
	if err != nil {
		slog.Error("worker_subscribe_failed", "error", err)
		os.Exit(1)
	}
}
