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

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"checkout-orchestrator/internal/config"
	"checkout-orchestrator/internal/database"
	"checkout-orchestrator/internal/infrastructure/cache"
	"checkout-orchestrator/internal/infrastructure/payment"
	"checkout-orchestrator/internal/logger"
	"checkout-orchestrator/internal/repo"
	"checkout-orchestrator/internal/server"
	"checkout-orchestrator/internal/service"
	"checkout-orchestrator/internal/worker"
)

const serviceName = "checkout-orchestrator"

func gracefulShutdown(apiServer *http.Server, stopWorker context.CancelFunc, done chan bool) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	slog.Info("shutting down gracefully, press Ctrl+C again to force")
	stop()
	stopWorker()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server exiting")
	done <- true
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.New(os.Stdout, cfg.LogLevel)
	if cfg.LogLevel > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()
	db, err := database.New(ctx, cfg.DB)
	if err != nil {
		log.Error("connect database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var gateway payment.PaymentGateway
	if cfg.GatewayURL != "" {
		gateway = payment.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayTimeout)
		log.Info("using http payment gateway", "url", cfg.GatewayURL)
	} else {
		gateway = payment.NewMockGateway(payment.DefaultMockOptions())
		log.Warn("GATEWAY_URL not set, using the mock payment gateway")
	}

	var outcomes cache.OutcomeCache
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("redis unavailable, running without outcome cache", "addr", cfg.RedisAddr, "error", err)
			_ = client.Close()
		} else {
			defer client.Close()
			outcomes = cache.NewRedisCache(client, serviceName)
			log.Info("outcome cache enabled", "addr", cfg.RedisAddr)
		}
	}

	checkout := service.NewCheckoutService(
		repo.NewOrderRepo(db.DB()),
		repo.NewIdempotencyRepo(db.DB()),
		repo.NewPaymentRepo(db.DB()),
		gateway,
		service.Options{
			GatewayTimeout: cfg.GatewayTimeout,
			KeyRetention:   cfg.IdempotencyRetention,
			StaleAfter:     cfg.ReconcileStaleAfter,
			Cache:          outcomes,
			Logger:         log,
		},
	)

	workerCtx, stopWorker := context.WithCancel(ctx)
	reconciler := worker.NewReconciliationWorker(checkout, cfg.ReconcileInterval, cfg.ReconcileBatchSize, log)
	go reconciler.Run(workerCtx)

	srv := server.NewServer(checkout, db, server.Options{
		Port:           cfg.Port,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         log,
	})

	done := make(chan bool, 1)
	go gracefulShutdown(srv, stopWorker, done)

	log.Info("http server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server error", "error", err)
		os.Exit(1)
	}

	<-done
	log.Info("graceful shutdown complete")
}
