package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration for the payment gateway
type Config struct {
	// Server
	Port        string
	Environment string
	LogLevel    string

	// Merchant API auth
	APIBearerToken string

	// Default provider used when a create request carries no override
	DefaultProvider string

	// Database. Empty DatabaseURL switches the gateway to the in-memory
	// store (dev-only mode, tenant checks accept any non-empty token).
	DatabaseURL string
	DBSchema    string

	// Redis for distributed rate limiting (optional)
	RedisURL string

	// NATS for lifecycle events (optional)
	NATSURL string

	// Webpay
	TbkAPIKeyID     string
	TbkAPIKeySecret string
	TbkHost         string
	TbkAPIBase      string
	TbkEnvironment  string

	// Shopper return URL shared by all providers
	ReturnURL string

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string

	// PayPal
	PayPalClientID     string
	PayPalClientSecret string
	PayPalBaseURL      string
	PayPalWebhookID    string

	// Seed a demo company on startup (dev-only)
	SeedDemoData bool
}

// buildDatabaseURL constructs the database URL from individual components.
// An explicit DATABASE_URL wins; with no DB_HOST either, the gateway runs
// without persistence. DB_SCHEMA applies on both branches.
func buildDatabaseURL() string {
	schema := os.Getenv("DB_SCHEMA")

	if url := os.Getenv("DATABASE_URL"); url != "" {
		return appendSearchPath(url, schema)
	}

	host := os.Getenv("DB_HOST")
	if host == "" {
		return ""
	}

	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "postgres")
	password := getEnv("DB_PASSWORD", "")
	dbname := getEnv("DB_NAME", "payments")
	sslmode := getEnv("DB_SSLMODE", "disable")

	url := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, dbname, sslmode)

	return appendSearchPath(url, schema)
}

// appendSearchPath adds a search_path parameter to a connection URL unless
// the URL already carries one.
func appendSearchPath(url, schema string) string {
	if schema == "" || strings.Contains(url, "search_path=") {
		return url
	}
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "search_path=" + schema
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8000"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		APIBearerToken: getEnv("API_BEARER_TOKEN", "testtoken"),

		DefaultProvider: getEnv("PROVIDER", "webpay"),

		DatabaseURL: buildDatabaseURL(),
		DBSchema:    getEnv("DB_SCHEMA", ""),

		RedisURL: getEnv("REDIS_URL", ""),
		NATSURL:  getEnv("NATS_URL", ""),

		TbkAPIKeyID:     getEnv("TBK_API_KEY_ID", "597055555532"),
		TbkAPIKeySecret: getEnv("TBK_API_KEY_SECRET", "597055555532"),
		TbkHost:         getEnv("TBK_HOST", "https://webpay3gint.transbank.cl"),
		TbkAPIBase:      getEnv("TBK_API_BASE", "/rswebpaytransaction/api/webpay/v1.2"),
		TbkEnvironment:  getEnv("TBK_ENVIRONMENT", "test"),

		ReturnURL: getEnv("RETURN_URL", "http://localhost:8000/api/payments/tbk/return"),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		PayPalClientID:     getEnv("PAYPAL_CLIENT_ID", ""),
		PayPalClientSecret: getEnv("PAYPAL_CLIENT_SECRET", ""),
		PayPalBaseURL:      getEnv("PAYPAL_BASE_URL", "https://api-m.sandbox.paypal.com"),
		PayPalWebhookID:    getEnv("PAYPAL_WEBHOOK_ID", ""),

		SeedDemoData: getEnvBool("SEED_DEMO_DATA", false),
	}
}

// DatabaseConfigured reports whether a real store backs this deployment.
func (c *Config) DatabaseConfigured() bool {
	return c.DatabaseURL != ""
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
