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
	"github.com/gridsync/gridsync/internal/queue"
	"github.com/gridsync/gridsync/internal/service"
	"github.com/gridsync/gridsync/pkg/infra"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := db.NewPostgresRepository(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		slog.Error("Fatal error connecting to Postgres", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	queueClient := queue.NewClient(repo.Pool(), logger)

	go startObservabilityServer(cfg.MetricsPort, logger)

	slog.Info("Relay service started", "pid", os.Getpid())

	runMainLoop(ctx, queueClient, cfg)
}

func runMainLoop(ctx context.Context, queueClient *queue.Client, cfg *config.Config) {
	backoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)
	var rabbitmq *broker.RabbitMQClient
	var relay *service.RelayService

	for {
		select {
		case <-ctx.Done():
			slog.Info("Shutting down main loop")
			if rabbitmq != nil {
				rabbitmq.Close()
			}
			slog.Info("Shutdown complete")
			return
		default:
			// Lifecycle: make sure the broker link is up before polling
			if rabbitmq == nil || !rabbitmq.IsHealthy() {
				if rabbitmq != nil {
					rabbitmq.Close()
				}

				newRabbit, err := broker.NewRabbitMQClient(cfg.RabbitMQURL, slog.Default())
				if err != nil {
					wait := backoff.Next()
					slog.Error("RabbitMQ link failure, retrying", "wait", wait, "error", err)

					select {
					case <-time.After(wait):
						continue
					case <-ctx.Done():
						return
					}
				}

				slog.Info("RabbitMQ link established")
				rabbitmq = newRabbit
				backoff.Reset()
				relay = service.NewRelayService(queueClient, rabbitmq, slog.Default())
			}

			relay.ObserveBacklog(ctx)

			_, err := relay.ProcessNextBatch(ctx, cfg.BatchSize)
			if err == nil {
				_, err = relay.ProcessNextFetchBatch(ctx, cfg.BatchSize)
			}
			if err != nil {
				wait := backoff.Next()
				slog.Error("Batch relay error", "retry_in", wait, "error", err)

				select {
				case <-time.After(wait):
					continue
				case <-ctx.Done():
					return
				}
			}

			backoff.Reset()

			select {
			case <-time.After(cfg.PollInterval):
				continue
			case <-ctx.Done():
				return
			}
		}
	}
}

func startObservabilityServer(port string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("RELAY ALIVE"))
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
