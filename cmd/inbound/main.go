package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridsync/gridsync/internal/broker"
	"github.com/gridsync/gridsync/internal/config"
	"github.com/gridsync/gridsync/internal/db"
	"github.com/gridsync/gridsync/internal/mapping"
	"github.com/gridsync/gridsync/internal/processor"
	"github.com/gridsync/gridsync/internal/queue"
	"github.com/gridsync/gridsync/internal/remote"
	"github.com/gridsync/gridsync/internal/webhook"
	"github.com/gridsync/gridsync/pkg/infra"
)

const consumerQueue = "gridsync.inbound"

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Inbound sync worker initializing")

	repo, err := db.NewPostgresRepository(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("CRITICAL: Postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	resolver := mapping.NewResolver(repo.Pool(), logger)
	queueClient := queue.NewClient(repo.Pool(), logger)
	remoteClient := remote.NewClient(cfg.RemoteBaseURL, cfg.RemoteAppID, cfg.RemoteSecret, logger)

	handler := processor.NewInboundHandler(resolver, remoteClient, repo, queueClient, logger)

	go startObservabilityServer(cfg.MetricsPort, logger)

	connBackoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received")
			return
		default:
			consumer, err := broker.NewRabbitMQConsumer(
				cfg.RabbitMQURL, consumerQueue, webhook.RoutingKeyFetchJobs, handler, logger)
			if err != nil {
				wait := connBackoff.Next()
				logger.Error("RabbitMQ connection failed, retrying...",
					"wait_duration", wait,
					"error", err,
				)

				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
					continue
				}
			}

			connBackoff.Reset()
			logger.Info("Connected to Broker. Listening for fetch jobs...")

			if err := consumer.Listen(ctx); err != nil {
				logger.Error("Consumer connection lost", "error", err)
			}

			consumer.Close()
		}
	}
}

func startObservabilityServer(port string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("INBOUND ALIVE"))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("Observability server online", "url", "http://localhost:"+port+"/metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Observability server failed", "error", err)
	}
}
