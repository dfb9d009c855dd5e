package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Run modes.
const (
	ModeAPI    = "api"
	ModeWorker = "worker"
	ModeAll    = "all"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "tracker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	Mode        string
	LogLevel    string

	// Database
	DatabaseURL string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string
	NatsURL     string

	// Admin API
	JWTSecret string

	// Graph (app-only)
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftTenantID     string
	GraphTimeout          time.Duration

	// Webhook security
	WebhookClientState       string
	WebhookAudience          string
	WebhookPartnerAppID      string
	WebhookJWKSURL           string
	WebhookRequireTokens     bool
	WebhookReplayWindow      time.Duration
	WebhookEncryptionKeyPath string
	WebhookRateLimit         float64
	WebhookRateBurst         int

	// Exclusion
	TenantDomain    string
	ExcludeInternal bool

	// Processing
	BatchConcurrency int
	DedupeTTL        time.Duration

	// Worker
	WorkerID        string
	WorkerMin       int
	WorkerMax       int
	WorkerQueueSize int

	// Consumer (Redis Stream)
	ConsumerBatchSize       int
	ConsumerBlockMS         int
	ConsumerMaxRetries      int
	ConsumerPendingCheckSec int

	// Detection policy file (TOML)
	PolicyFile string

	// CORS
	AllowedOrigins []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		Mode:        getEnv("TRACKER_MODE", ModeAll),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "tracker"),
		RedisURL:    getEnv("REDIS_URL", ""),
		NatsURL:     getEnv("NATS_URL", ""),

		// Admin API
		JWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		// Graph
		MicrosoftClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
		MicrosoftClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		MicrosoftTenantID:     getEnv("MICROSOFT_TENANT_ID", ""),
		GraphTimeout:          time.Duration(getEnvInt("GRAPH_TIMEOUT_SEC", 15)) * time.Second,

		// Webhook security
		WebhookClientState:       getEnv("WEBHOOK_CLIENT_STATE", ""),
		WebhookAudience:          getEnv("WEBHOOK_AUDIENCE", ""),
		WebhookPartnerAppID:      getEnv("WEBHOOK_PARTNER_APP_ID", "0bf30f3b-4a52-48df-9a82-234910c4a086"),
		WebhookJWKSURL:           getEnv("WEBHOOK_JWKS_URL", "https://login.microsoftonline.com/common/discovery/v2.0/keys"),
		WebhookRequireTokens:     getEnvBool("WEBHOOK_REQUIRE_VALIDATION_TOKENS", false),
		WebhookReplayWindow:      time.Duration(getEnvInt("WEBHOOK_REPLAY_WINDOW_SEC", 300)) * time.Second,
		WebhookEncryptionKeyPath: getEnv("WEBHOOK_ENCRYPTION_KEY_PATH", ""),
		WebhookRateLimit:         getEnvFloat("WEBHOOK_RATE_LIMIT", 50),
		WebhookRateBurst:         getEnvInt("WEBHOOK_RATE_BURST", 100),

		// Exclusion
		TenantDomain:    getEnv("TRACKER_TENANT_DOMAIN", ""),
		ExcludeInternal: getEnvBool("TRACKER_EXCLUDE_INTERNAL", true),

		// Processing
		BatchConcurrency: getEnvInt("BATCH_CONCURRENCY", 8),
		DedupeTTL:        time.Duration(getEnvInt("DEDUPE_TTL_HOUR", 24)) * time.Hour,

		// Worker
		WorkerID:        getEnv("WORKER_ID", generateWorkerID()),
		WorkerMin:       getEnvInt("WORKER_MIN", 2),
		WorkerMax:       getEnvInt("WORKER_MAX", 16),
		WorkerQueueSize: getEnvInt("WORKER_QUEUE_SIZE", 1000),

		// Consumer
		ConsumerBatchSize:       getEnvInt("CONSUMER_BATCH_SIZE", 20),
		ConsumerBlockMS:         getEnvInt("CONSUMER_BLOCK_MS", 5000),
		ConsumerMaxRetries:      getEnvInt("CONSUMER_MAX_RETRIES", 3),
		ConsumerPendingCheckSec: getEnvInt("CONSUMER_PENDING_CHECK_SEC", 60),

		PolicyFile: getEnv("TRACKER_POLICY_FILE", ""),

		// CORS
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Mode {
	case ModeAPI, ModeWorker, ModeAll:
	default:
		return fmt.Errorf("TRACKER_MODE must be one of api, worker, all; got %q", c.Mode)
	}
	if c.Mode != ModeAll && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required in %s mode", c.Mode)
	}
	if c.IsProduction() && c.WebhookClientState == "" {
		return fmt.Errorf("WEBHOOK_CLIENT_STATE is required in production")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// GraphConfigured reports whether app-only Graph credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.MicrosoftClientID != "" && c.MicrosoftClientSecret != "" && c.MicrosoftTenantID != ""
}
