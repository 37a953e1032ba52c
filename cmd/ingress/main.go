package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridsync/gridsync/internal/config"
	"github.com/gridsync/gridsync/internal/db"
	"github.com/gridsync/gridsync/internal/mapping"
	"github.com/gridsync/gridsync/internal/queue"
	"github.com/gridsync/gridsync/internal/webhook"
	"github.com/gridsync/gridsync/pkg/infra"
)

const deleteWorkerBuffer = 256

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Webhook ingress initializing")

	if cfg.WebhookEncryptKey == "" {
		logger.Error("CRITICAL: WEBHOOK_ENCRYPT_KEY is missing")
		os.Exit(1)
	}

	repo, err := db.NewPostgresRepository(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("CRITICAL: Postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	resolver := mapping.NewResolver(repo.Pool(), logger)

	worker := webhook.NewDeleteWorker(resolver, repo, deleteWorkerBuffer, logger)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	// Fetch jobs are persisted to the remote_to_db queue; the relay forwards
	// them to the broker. The ingress itself never touches RabbitMQ, so a
	// broker outage cannot lose webhook events.
	queueClient := queue.NewClient(repo.Pool(), logger)
	enqueuer := queue.NewEnqueuer(queueClient, queue.QueueRemoteToDB)

	handler := webhook.NewHandler(
		cfg.WebhookEncryptKey,
		cfg.WebhookVerificationToken,
		enqueuer,
		worker,
		logger,
	)

	router := mux.NewRouter()
	router.Handle("/webhook/events", handler).Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := repo.Pool().Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("DATABASE DOWN"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("INGRESS ALIVE"))
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("Webhook ingress online", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down ingress")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}

	// Let the delete worker drain its buffered tasks before exiting
	<-workerDone
	logger.Info("Shutdown complete")
}
