package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"saas-chatbot-widget/internal/auth"
	"saas-chatbot-widget/internal/config"
	"saas-chatbot-widget/internal/kvstore"
	"saas-chatbot-widget/internal/logger"
	"saas-chatbot-widget/internal/popup"
	"saas-chatbot-widget/internal/queue"
	"saas-chatbot-widget/internal/scheduler"
	"saas-chatbot-widget/internal/telemetry"
	"saas-chatbot-widget/middleware"
	"saas-chatbot-widget/routes"
	"saas-chatbot-widget/services"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/sony/gobreaker"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	logger.InitLogger(cfg)

	environment := "development"
	if cfg.GinMode == "release" {
		environment = "production"
	}
	shutdownTracer, err := telemetry.InitTracer("saas-chatbot-widget", cfg.OTelExporterEndpoint, environment)
	if err != nil {
		log.Fatal("Failed to initialize tracer:", err)
	}
	defer shutdownTracer()

	metrics, err := telemetry.InitMetrics()
	if err != nil {
		log.Fatal("Failed to initialize metrics:", err)
	}

	// Connect to MongoDB
	mongoClient, err := config.ConnectMongoDB(cfg)
	if err != nil {
		log.Fatal("Failed to connect to MongoDB:", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mongoClient.Disconnect(ctx)
	}()
	db := mongoClient.Database(cfg.DBName)

	// Connect to Redis
	rdb, err := config.NewRedisClient(cfg)
	if err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	defer rdb.Close()

	visitorStore := kvstore.NewResilientStore(
		kvstore.NewRedisStore(rdb, cfg.WidgetStateTTL()),
		kvstore.ResilientOptions{
			Name:        "visitor-store",
			FallbackTTL: cfg.WidgetStateTTL(),
			OnFallback:  func(op string, _ error) { metrics.RecordStorageFallback(op) },
			OnStateChange: func(name string, _, to gobreaker.State) {
				metrics.RecordCircuitBreakerState(name, to.String())
			},
		},
	)

	tokens, err := auth.NewSessionTokens(cfg.SessionTokenSecret, cfg.SessionTokenTTL())
	if err != nil {
		log.Fatal("Invalid session token configuration:", err)
	}

	// Analytics events go through the worker
	var publisher queue.EventPublisher = queue.NoopPublisher{}
	if cfg.AnalyticsEnabled {
		redisOpt, err := config.AsynqRedisOpt(cfg)
		if err != nil {
			log.Fatal("Failed to configure task queue:", err)
		}
		queueClient := asynq.NewClient(redisOpt)
		defer queueClient.Close()
		publisher = queue.NewAsynqPublisher(queueClient)
	}

	agents := services.NewAgentConfigService(services.NewMongoAgentRepository(db))
	widgets := services.NewWidgetService(visitorStore, tokens, publisher, metrics, services.WidgetServiceConfig{
		ReturnWindow: cfg.ReturnVisitWindow(),
		EngineOptions: popup.Options{
			VisitDelay:          cfg.PopupVisitDelay(),
			RedisplayDelay:      cfg.PopupRedisplayDelay(),
			Countdown:           cfg.PopupCountdown(),
			ExitIntentThreshold: float64(cfg.ExitIntentThresholdPx),
		},
		EventsPerSecond: cfg.WSEventsPerSecond,
	})

	jobs := scheduler.New()
	err = jobs.Every("agent-cache-refresh", cfg.AgentCacheRefresh(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := agents.Refresh(ctx); err != nil {
			logger.Warn("Agent cache refresh failed", "error", err)
		}
	})
	if err != nil {
		log.Fatal("Failed to schedule agent cache refresh:", err)
	}
	err = jobs.Every("visitor-fallback-sweep", time.Minute, func() {
		visitorStore.SweepFallback()
	})
	if err != nil {
		log.Fatal("Failed to schedule fallback sweep:", err)
	}
	jobs.Start()
	defer jobs.Stop()

	// Initialize Gin router
	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.EnrichTrace())
	router.Use(middleware.MetricsMiddleware(metrics))
	router.Use(middleware.CORSMiddlewareWithOrigins(cfg.CORSOrigins))
	router.Use(middleware.RateLimitMiddleware(rdb, cfg))
	if cfg.GinMode == "debug" {
		router.Use(gin.Logger())
	}

	routes.SetupHealthRoutes(router, map[string]routes.HealthCheck{
		"mongo": func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) },
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		"visitor_store": func(context.Context) error {
			if visitorStore.State() == gobreaker.StateOpen {
				return gobreaker.ErrOpenState
			}
			return nil
		},
	})
	routes.SetupWidgetRoutes(router, agents, widgets)

	// Create HTTP server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Server starting", "port", cfg.Port, "analytics", cfg.AnalyticsEnabled)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// Websocket connections are hijacked and not tracked by Shutdown;
	// they end when the process exits.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited")
}
