package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/commercekit/fulfillment/internal/messaging"
	"github.com/commercekit/fulfillment/internal/notify"
	"github.com/commercekit/fulfillment/internal/telemetry"
	"github.com/commercekit/fulfillment/internal/users"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		logger.Error("KAFKA_BROKERS environment variable is required")
		os.Exit(1)
	}

	emailServiceURL := os.Getenv("EMAIL_SERVICE_URL")
	if emailServiceURL == "" {
		logger.Error("EMAIL_SERVICE_URL environment variable is required")
		os.Exit(1)
	}

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.InitTracerProvider(context.Background(), "fulfillment-worker", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	brokers := strings.Split(kafkaBrokers, ",")
	createdConsumer := messaging.NewConsumer(brokers, messaging.TopicOrderCreated, "fulfillment-notifier")
	defer func() { _ = createdConsumer.Close() }()
	deletedConsumer := messaging.NewConsumer(brokers, messaging.TopicOrderDeleted, "fulfillment-notifier")
	defer func() { _ = deletedConsumer.Close() }()

	httpClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	handler := notify.NewHandler(emailServiceURL, users.NewUserRepository(db), httpClient, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
		_ = shutdownTracer(context.Background())
	}()

	logger.Info("starting notification worker", "brokers", brokers)

	errCh := make(chan error, 2)
	go func() { errCh <- createdConsumer.Consume(ctx, handler.HandleOrderCreated) }()
	go func() { errCh <- deletedConsumer.Consume(ctx, handler.HandleOrderDeleted) }()

	err = <-errCh
	if errors.Is(ctx.Err(), context.Canceled) {
		logger.Info("consumer stopped")
		return
	}
	if err != nil {
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}
}
