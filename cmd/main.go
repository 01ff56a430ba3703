package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"payment-gateway/internal/config"
	"payment-gateway/internal/events"
	"payment-gateway/internal/handlers"
	"payment-gateway/internal/metrics"
	"payment-gateway/internal/middleware"
	"payment-gateway/internal/models"
	"payment-gateway/internal/provider"
	"payment-gateway/internal/repository"
	"payment-gateway/internal/services"
)

func main() {
	// Load .env for local development; in deployments the environment is set
	// by the orchestrator.
	_ = godotenv.Load()

	cfg := config.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	// Store: PostgreSQL when configured, otherwise the in-memory dev store.
	var store repository.PaymentStore
	if cfg.DatabaseConfigured() {
		db, err := connectDatabase(cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}

		if err := db.AutoMigrate(
			&models.Company{},
			&models.PaymentOrder{},
			&models.Payment{},
			&models.Refund{},
			&models.Dispute{},
			&models.ProviderEvent{},
			&models.WebhookInboxEntry{},
			&models.PaymentContract{},
			&models.PaymentDepositInfo{},
			&models.PaymentAuxAmount{},
		); err != nil {
			logger.WithError(err).Warn("Auto-migration failed")
		}

		if cfg.SeedDemoData {
			if err := repository.SeedDemoCompany(db, logger); err != nil {
				logger.WithError(err).Warn("Failed to seed demo company")
			}
		}

		store = repository.NewPaymentRepository(db)
		logger.Info("Connected to database")
	} else {
		store = repository.NewMemoryStore()
		logger.Warn("No database configured, using in-memory store (dev only)")
	}

	m := metrics.New("")

	// Provider adapters with outbound event logging
	eventLogger := provider.NewEventLogger(store, m, logger)
	registry := provider.NewRegistry(cfg, eventLogger, logger)
	logger.WithField("providers", registry.Names()).Info("Provider registry initialized")

	// NATS lifecycle events (optional)
	var publisher *events.Publisher
	if cfg.NATSURL != "" {
		p, err := events.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize events publisher, events won't be published")
		} else {
			publisher = p
			defer publisher.Close()
			logger.Info("NATS events publisher initialized")
		}
	}

	// Redis for distributed rate limiting (optional)
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("Invalid REDIS_URL, falling back to in-process rate limiting")
		} else {
			redisClient = redis.NewClient(opts)
			logger.Info("Redis rate-limit backend initialized")
		}
	}

	paymentService := services.NewPaymentService(store, registry, cfg, publisher, m, logger)

	// The PayPal adapter doubles as the webhook signature verifier.
	var paypalVerifier services.PayPalVerifier
	if adapter, err := registry.Get(string(models.ProviderPayPal)); err == nil {
		if verifier, ok := adapter.(services.PayPalVerifier); ok {
			paypalVerifier = verifier
		}
	}
	webhookService := services.NewWebhookService(store, paymentService, cfg, paypalVerifier, publisher, m, logger)

	paymentHandler := handlers.NewPaymentHandler(paymentService)
	webhookHandler := handlers.NewWebhookHandler(webhookService)
	healthHandler := handlers.NewHealthHandler(store)

	router := setupRouter(cfg, logger, m, redisClient, paymentHandler, webhookHandler, healthHandler)

	logger.WithFields(logrus.Fields{
		"port":        cfg.Port,
		"environment": cfg.Environment,
	}).Info("Payment gateway starting")
	if err := router.Run(":" + cfg.Port); err != nil {
		logger.WithError(err).Fatal("Failed to start server")
	}
}

// connectDatabase establishes a connection to the database
func connectDatabase(databaseURL string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// setupRouter configures the HTTP router
func setupRouter(cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics, redisClient *redis.Client, paymentHandler *handlers.PaymentHandler, webhookHandler *handlers.WebhookHandler, healthHandler *handlers.HealthHandler) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	rateLimits := middleware.NewPaymentRateLimits(redisClient)

	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger, m))
	router.Use(middleware.SecurityHeaders())

	corsConfig := middleware.DefaultCORSConfig()
	if allowedOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); allowedOrigins != "" {
		corsConfig.AllowedOrigins = strings.Split(allowedOrigins, ",")
	}
	router.Use(middleware.CORS(corsConfig))

	// Health and metrics (no auth, no rate limiting)
	router.GET("/health", healthHandler.Health)
	router.GET("/health/metrics", healthHandler.Metrics)
	router.GET("/health/metrics/prometheus", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/payments")
	{
		// Shopper return callback: the provider sends the browser here, so
		// no bearer token.
		api.GET("/tbk/return", paymentHandler.ReturnCallback)
		api.POST("/tbk/return", paymentHandler.ReturnCallback)

		// Provider webhooks: signature-verified, rate limited by IP
		webhooks := api.Group("")
		webhooks.Use(middleware.RateLimitMiddleware(rateLimits.Webhook))
		{
			webhooks.POST("/stripe/webhook", webhookHandler.HandleStripeWebhook)
			webhooks.POST("/paypal/webhook", webhookHandler.HandlePayPalWebhook)
		}

		// Merchant API: bearer token required
		merchant := api.Group("")
		merchant.Use(middleware.BearerAuth(cfg.APIBearerToken))
		merchant.Use(middleware.RateLimitMiddleware(rateLimits.APIGeneral))
		{
			merchant.POST("",
				middleware.RateLimitMiddleware(rateLimits.CreatePayment),
				paymentHandler.Create)
			merchant.GET("", paymentHandler.List)
			merchant.GET("/redirect", paymentHandler.Redirect)
			merchant.GET("/pending", paymentHandler.Pending)
			merchant.POST("/refund",
				middleware.RateLimitMiddleware(rateLimits.RefundRequest),
				paymentHandler.Refund)
		}
	}

	return router
}
