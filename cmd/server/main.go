package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"MailGateway/internal/api"
	"MailGateway/internal/bus"
	"MailGateway/internal/config"
	"MailGateway/internal/db"
	"MailGateway/internal/email"
	"MailGateway/internal/events"
	"MailGateway/internal/expiry"
	"MailGateway/internal/inbound"
	"MailGateway/internal/mail"
	"MailGateway/internal/mailboxes"
	"MailGateway/internal/metrics"
	"MailGateway/internal/models"
	"MailGateway/internal/queue"
	"MailGateway/internal/ws"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	fallbacks, err := expiry.ParseFallbacks(cfg.GmailTokenExpiry, cfg.OutlookTokenExpiry)
	if err != nil {
		logger.Fatal("invalid token expiry fallback", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Redis
	// ------------------------------------------------
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("invalid redis url", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Realtime Gateway + Event Bus
	// ------------------------------------------------
	hub := ws.NewHub(logger)
	go hub.Run()
	defer hub.Stop()

	eventBus := bus.Open(ctx, rdb, hub, logger)
	defer eventBus.Close()

	ledger := events.NewLedger(store, eventBus, logger)
	gate := expiry.NewResolver(fallbacks, time.Now)

	// ------------------------------------------------
	// Queues (shared policy)
	// ------------------------------------------------
	policy := queue.DefaultPolicy()
	policy.Attempts = cfg.RetryAttempts
	policy.InitialBackoff = cfg.RetryBackoff
	policy.KeepFailed = cfg.FailedRetention

	sendPolicy := policy
	sendPolicy.Concurrency = cfg.SendWorkers
	sendPolicy.Limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)

	inboundPolicy := policy
	inboundPolicy.Concurrency = cfg.InboundWorkers

	sendQueue := queue.New[models.SendJob](rdb, cfg.QueuePrefix, mail.QueueName, sendPolicy, logger)
	inboundQueue := queue.New[models.InboundJob](rdb, cfg.QueuePrefix, inbound.QueueName, inboundPolicy, logger)

	// ------------------------------------------------
	// Email Sender (optional relay)
	// ------------------------------------------------
	var deliverer mail.Deliverer
	if cfg.SMTPHost != "" {
		deliverer = &email.Sender{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			Retries:  cfg.RetryAttempts,
		}
		logger.Info("smtp relay enabled", zap.String("host", cfg.SMTPHost))
	}

	// ------------------------------------------------
	// Pipelines
	// ------------------------------------------------
	sends := mail.NewService(sendQueue, store, ledger, gate, deliverer, logger)
	inbox := inbound.NewService(inboundQueue, store, ledger, gate, logger)
	tokens := mailboxes.NewService(store, eventBus, logger)

	var wg sync.WaitGroup
	sends.Start(ctx, &wg)
	inbox.Start(ctx, &wg)

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Mailboxes:    store,
		Tokens:       tokens,
		Sends:        sends,
		Inbound:      inbox,
		Ledger:       ledger,
		Events:       store,
		Gate:         gate,
		Sockets:      ws.NewHandler(hub, eventBus, cfg.FrontendOrigin, logger),
		EventsSecret: cfg.EventsSharedSecret,
		JWTSecret:    cfg.JWTSecret,
		Origin:       cfg.FrontendOrigin,
		Log:          logger,
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           apiHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// Stop accepting new jobs
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	// Wait workers to finish
	wg.Wait()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
