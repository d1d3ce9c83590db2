package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config holds every runtime setting. Constructed once by Load and passed
// through component constructors; there is no ambient global.
type Config struct {
	Host       string
	Port       string
	Debug      bool
	CORSOrigin string

	// JWT
	JWTSecretKey           string
	JWTAlgorithm           string
	JWTExpirationHours     int
	RefreshTokenExpireDays int

	// Upstream (Flowise)
	FlowiseAPIURL string
	FlowiseAPIKey string

	// Document store
	MongoURL      string
	MongoDatabase string

	// Optional external services
	ExternalAuthURL      string
	AccountingServiceURL string

	// Streaming
	MaxStreamingDuration   time.Duration
	UpstreamConnectTimeout time.Duration
	UpstreamIdleTimeout    time.Duration

	// Uploads
	MaxUploadSizeBytes int64

	// Chatflow sync
	ChatflowSyncIntervalMinutes int

	// HTTP transport connection pool
	UpstreamMaxIdleConns        int
	UpstreamMaxIdleConnsPerHost int
	UpstreamMaxConnsPerHost     int

	// Transaction log worker pool
	TransactionWorkerPoolSize int
	TransactionBufferSize     int
	TransactionTimeoutSeconds int

	// Server
	ServerShutdownTimeoutSeconds int

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads the configuration from the environment (and an optional YAML
// overlay named by CONFIG_FILE). It fails fast on invalid or, outside debug
// mode, missing mandatory settings.
func Load() (*Config, error) {
	// Load .env file if it exists.
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		Host:       getEnvOrDefault("HOST", "0.0.0.0"),
		Port:       getEnvOrDefault("PORT", "8000"),
		Debug:      getEnvOrDefault("DEBUG", "false") == "true",
		CORSOrigin: getEnvOrDefault("CORS_ORIGIN", "*"),

		JWTSecretKey:           getEnvOrDefault("JWT_SECRET_KEY", ""),
		JWTAlgorithm:           getEnvOrDefault("JWT_ALGORITHM", "HS256"),
		JWTExpirationHours:     getEnvAsInt("JWT_EXPIRATION_HOURS", 1),
		RefreshTokenExpireDays: getEnvAsInt("JWT_REFRESH_TOKEN_EXPIRE_DAYS", 30),

		FlowiseAPIURL: getEnvOrDefault("FLOWISE_API_URL", ""),
		FlowiseAPIKey: getEnvOrDefault("FLOWISE_API_KEY", ""),

		MongoURL:      getEnvOrDefault("MONGODB_URL", "mongodb://localhost:27017"),
		MongoDatabase: getEnvOrDefault("MONGODB_DATABASE_NAME", "flowise_proxy"),

		ExternalAuthURL:      getEnvOrDefault("EXTERNAL_AUTH_URL", ""),
		AccountingServiceURL: getEnvOrDefault("ACCOUNTING_SERVICE_URL", ""),

		MaxStreamingDuration:   getEnvAsDuration("MAX_STREAMING_DURATION", 10*time.Minute),
		UpstreamConnectTimeout: getEnvAsDuration("UPSTREAM_CONNECT_TIMEOUT", 30*time.Second),
		UpstreamIdleTimeout:    getEnvAsDuration("UPSTREAM_IDLE_TIMEOUT", 120*time.Second),

		MaxUploadSizeBytes: getEnvAsInt64("MAX_UPLOAD_SIZE_BYTES", 25*1024*1024),

		ChatflowSyncIntervalMinutes: getEnvAsInt("CHATFLOW_SYNC_INTERVAL_MINUTES", 60),

		UpstreamMaxIdleConns:        getEnvAsInt("UPSTREAM_MAX_IDLE_CONNS", 100),
		UpstreamMaxIdleConnsPerHost: getEnvAsInt("UPSTREAM_MAX_IDLE_CONNS_PER_HOST", 50),
		UpstreamMaxConnsPerHost:     getEnvAsInt("UPSTREAM_MAX_CONNS_PER_HOST", 100),

		TransactionWorkerPoolSize: getEnvAsInt("TRANSACTION_WORKER_POOL_SIZE", 10),
		TransactionBufferSize:     getEnvAsInt("TRANSACTION_BUFFER_SIZE", 1000),
		TransactionTimeoutSeconds: getEnvAsInt("TRANSACTION_TIMEOUT_SECONDS", 30),

		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Optional YAML overlay for settings that should not live in the
	// environment, e.g. per-deployment overrides.
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
		}
		defer f.Close()
		if err := loadConfigFile(f, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate enforces mandatory settings. Secrets may be absent in debug mode
// so local development works without a full environment.
func (c *Config) Validate() error {
	// HS256 is the only supported algorithm; anything else is a
	// configuration error, never a silent fallback.
	if c.JWTAlgorithm != "HS256" {
		return fmt.Errorf("JWT_ALGORITHM must be HS256, got %q", c.JWTAlgorithm)
	}

	if !c.Debug {
		if c.JWTSecretKey == "" {
			return errors.New("JWT_SECRET_KEY is required")
		}
		if c.FlowiseAPIURL == "" {
			return errors.New("FLOWISE_API_URL is required")
		}
	}

	if c.JWTSecretKey == "" {
		log.Println("Warning: JWT_SECRET_KEY is empty, using insecure development default")
		c.JWTSecretKey = "dev-secret-do-not-use-in-production"
	}

	if c.MaxUploadSizeBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE_BYTES must be positive, got %d", c.MaxUploadSizeBytes)
	}

	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func loadConfigFile(reader io.Reader, cfg *Config) error {
	return yaml.NewDecoder(reader).Decode(cfg)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
		log.Printf("Warning: failed to parse %s=%q as int, using default %d", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
		log.Printf("Warning: failed to parse %s=%q as int64, using default %d", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		// Bare integers are treated as seconds for compatibility with
		// deployments that export e.g. MAX_STREAMING_DURATION=600.
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
		log.Printf("Warning: failed to parse %s=%q as duration, using default %v", key, value, defaultValue)
	}
	return defaultValue
}
