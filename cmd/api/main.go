package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abkawan/p2p-ledger/internal/api"
	"github.com/abkawan/p2p-ledger/internal/config"
	"github.com/abkawan/p2p-ledger/internal/db"
	"github.com/abkawan/p2p-ledger/internal/identity"
	"github.com/abkawan/p2p-ledger/internal/idempotency"
	"github.com/abkawan/p2p-ledger/internal/logging"
	"github.com/abkawan/p2p-ledger/internal/metrics"
	"github.com/abkawan/p2p-ledger/internal/queue"
	"github.com/abkawan/p2p-ledger/internal/service"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := logging.NewLoggerFromEnv()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// Ledger store
	var base db.Store
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory store, data is lost on restart")
		base = db.NewMemory()
	default:
		logger.Info("connecting to PostgreSQL")
		postgres, err := db.NewPostgres(cfg.PostgresURI)
		if err != nil {
			logger.Fatal("failed to connect to PostgreSQL", zap.Error(err))
		}
		logger.Info("creating the schema")
		if err := postgres.InitSchema(ctx); err != nil {
			logger.Fatal("failed to create schema", zap.Error(err))
		}
		base = postgres
	}

	storeCfg := db.DefaultResilientConfig()
	storeCfg.Timeout = cfg.StoreTimeout
	store := db.NewResilientStore(base, storeCfg, logger)
	defer store.Close()

	// Transfer events go to the journal processor. The ledger works without
	// them so a missing broker is not fatal.
	var publisher service.Publisher
	rabbitmq, err := queue.NewRabbitMQ(cfg.RabbitMQURI, logger)
	if err != nil {
		logger.Warn("RabbitMQ unavailable, transfer events will not be published", zap.Error(err))
	} else {
		defer rabbitmq.Close()
		publisher = rabbitmq
	}

	// Idempotency keys
	var idem idempotency.Store
	switch cfg.IdempotencyBackend {
	case config.IdempotencyRedis:
		redisCfg := idempotency.DefaultRedisConfig()
		redisCfg.Addr = cfg.RedisAddr
		redis, err := idempotency.NewRedis(redisCfg)
		if err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer redis.Close()
		idem = redis
	case config.IdempotencyMemory:
		idem = idempotency.NewMemory()
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom := metrics.NewPrometheus("p2p_ledger", registry)

	// Create services
	tokens := identity.NewTokens(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	hasher := identity.NewPasswordHasher(cfg.BcryptCost)

	accountService := service.NewAccountService(store, logger)
	transferService := service.NewTransferService(store, publisher, prom, logger)
	authService := service.NewAuthService(store, hasher, tokens, logger)

	// Create router and set up routes
	router := mux.NewRouter()
	api.SetupRoutes(router, api.Options{
		Accounts:       accountService,
		Transfers:      transferService,
		Auth:           authService,
		Health:         store,
		Idempotency:    idem,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Metrics:        prom,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
		return
	}
	logger.Info("server shut down successfully")
}
