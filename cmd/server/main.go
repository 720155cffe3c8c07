package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/commercekit/fulfillment/internal/billing"
	"github.com/commercekit/fulfillment/internal/cart"
	"github.com/commercekit/fulfillment/internal/catalog"
	"github.com/commercekit/fulfillment/internal/fulfillment"
	"github.com/commercekit/fulfillment/internal/messaging"
	"github.com/commercekit/fulfillment/internal/orders"
	"github.com/commercekit/fulfillment/internal/telemetry"
	"github.com/commercekit/fulfillment/internal/users"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "fulfillment", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("fulfillment", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	if err := runtime.Start(); err != nil {
		logger.Error("failed to start runtime metrics", "error", err)
		os.Exit(1)
	}

	db, err := telemetry.OpenDB("postgres", postgresURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	var createdProducer, deletedProducer *messaging.Producer
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers != "" {
		brokers := strings.Split(kafkaBrokers, ",")
		createdProducer = messaging.NewProducer(brokers, messaging.TopicOrderCreated)
		defer func() { _ = createdProducer.Close() }()
		deletedProducer = messaging.NewProducer(brokers, messaging.TopicOrderDeleted)
		defer func() { _ = deletedProducer.Close() }()
	}

	productRepo := catalog.NewProductRepository(db)
	cartRepo := cart.NewCartRepository(db)
	orderRepo := orders.NewOrderRepository(db)
	billRepo := billing.NewBillRepository(db)
	userRepo := users.NewUserRepository(db)

	orchestrator := fulfillment.NewOrchestrator(db, cartRepo, productRepo, orderRepo, createdProducer, deletedProducer, logger)
	billingService := billing.NewService(db, orderRepo, billRepo)

	catalogHandler := catalog.NewHandler(productRepo, logger)
	cartHandler := cart.NewHandler(cartRepo, logger)
	orderHandler := fulfillment.NewHandler(orchestrator, orderRepo, logger)
	billHandler := billing.NewHandler(billingService, billRepo, logger)
	userHandler := users.NewHandler(userRepo, cartRepo, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /users", telemetry.WithHTTPRoute(userHandler.HandleRegister))
	mux.HandleFunc("GET /users/{userId}", telemetry.WithHTTPRoute(userHandler.HandleGet))
	mux.HandleFunc("GET /users/{userId}/cart", telemetry.WithHTTPRoute(cartHandler.HandleGetByUser))
	mux.HandleFunc("GET /users/{userId}/orders", telemetry.WithHTTPRoute(orderHandler.HandleListByUser))
	mux.HandleFunc("GET /users/{userId}/bills", telemetry.WithHTTPRoute(billHandler.HandleListByUser))

	mux.HandleFunc("GET /products", telemetry.WithHTTPRoute(catalogHandler.HandleListProducts))
	mux.HandleFunc("POST /products", telemetry.WithHTTPRoute(catalogHandler.HandleCreateProduct))
	mux.HandleFunc("POST /products/{productId}/discount", telemetry.WithHTTPRoute(catalogHandler.HandleApplyDiscount))
	mux.HandleFunc("GET /products/{productId}", telemetry.WithHTTPRoute(catalogHandler.HandleGetProduct))
	mux.HandleFunc("GET /products/{productId}/stock", telemetry.WithHTTPRoute(catalogHandler.HandleGetStock))
	mux.HandleFunc("POST /products/{productId}/stock/reserve", telemetry.WithHTTPRoute(catalogHandler.HandleReserve))
	mux.HandleFunc("POST /products/{productId}/stock/release", telemetry.WithHTTPRoute(catalogHandler.HandleRelease))

	mux.HandleFunc("GET /carts", telemetry.WithHTTPRoute(cartHandler.HandleList))
	mux.HandleFunc("POST /carts/{cartId}/items", telemetry.WithHTTPRoute(cartHandler.HandleAddLine))
	mux.HandleFunc("PATCH /carts/{cartId}/items/{productId}", telemetry.WithHTTPRoute(cartHandler.HandleUpdateLine))
	mux.HandleFunc("DELETE /carts/{cartId}/items/{productId}", telemetry.WithHTTPRoute(cartHandler.HandleRemoveLine))
	mux.HandleFunc("DELETE /carts/{cartId}/items", telemetry.WithHTTPRoute(cartHandler.HandleClear))

	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(orderHandler.HandleList))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(orderHandler.HandleGet))
	mux.HandleFunc("POST /orders/from-cart/{cartId}", telemetry.WithHTTPRoute(orderHandler.HandleCreateFromCart))
	mux.HandleFunc("DELETE /orders/{id}", telemetry.WithHTTPRoute(orderHandler.HandleDelete))

	mux.HandleFunc("GET /bills", telemetry.WithHTTPRoute(billHandler.HandleList))
	mux.HandleFunc("GET /bills/{id}", telemetry.WithHTTPRoute(billHandler.HandleGet))
	mux.HandleFunc("POST /bills/from-order/{orderId}", telemetry.WithHTTPRoute(billHandler.HandleConvert))
	mux.HandleFunc("POST /bills/{id}/pay", telemetry.WithHTTPRoute(billHandler.HandleMarkPaid))

	mux.Handle("GET /metrics", metricsHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(mux, "fulfillment",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting fulfillment service", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
