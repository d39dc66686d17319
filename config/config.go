package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL string

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	PubNubUserID       string

	// Ledger
	LedgerDriver    string
	LedgerDSN       string
	LedgerTxTimeout time.Duration

	// Ticket codes
	QRSigningSecret string
	QRCodeVersion   int
	QRAcceptLegacy  bool

	// Payment gateway
	Gateway GatewayConfig

	// Device notifications
	AMQPURL     string
	NotifyQueue string

	// Scanning
	GrantCacheTTL  time.Duration
	ScanRateLimit  int
	ScanRateWindow time.Duration

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

type GatewayConfig struct {
	BaseURL   string
	ClientID  string
	ClientKey string
	HMACKey   string
	Timeout   time.Duration
}

// LoadConfig reads the environment, after loading a .env file when one is
// present in the working directory.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("load .env", "error", err)
	}

	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL: getEnv("REDIS_URL", "localhost:6379"),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),
		PubNubUserID:       getEnv("PUBNUB_USER_ID", "venue-ticket-server"),

		// Ledger
		LedgerDriver:    getEnv("LEDGER_DRIVER", "sqlite"),
		LedgerDSN:       getEnv("LEDGER_DSN", "file:pb_data/ledger.db?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"),
		LedgerTxTimeout: getEnvAsDuration("LEDGER_TX_TIMEOUT", "5s"),

		// Ticket codes
		QRSigningSecret: getEnv("QR_SIGNING_SECRET", ""),
		QRCodeVersion:   getEnvAsInt("QR_CODE_VERSION", 2),
		QRAcceptLegacy:  getEnvAsBool("QR_ACCEPT_LEGACY", true),

		// Gateway
		Gateway: GatewayConfig{
			BaseURL:   getEnv("GATEWAY_BASE_URL", ""),
			ClientID:  getEnv("GATEWAY_CLIENT_ID", ""),
			ClientKey: getEnv("GATEWAY_CLIENT_KEY", ""),
			HMACKey:   getEnv("GATEWAY_HMAC_KEY", ""),
			Timeout:   getEnvAsDuration("GATEWAY_TIMEOUT", "10s"),
		},

		// Notifications
		AMQPURL:     getEnv("AMQP_URL", ""),
		NotifyQueue: getEnv("NOTIFY_QUEUE", "ticket.status"),

		// Scanning
		GrantCacheTTL:  getEnvAsDuration("GRANT_CACHE_TTL", "1m"),
		ScanRateLimit:  getEnvAsInt("SCAN_RATE_LIMIT", 120),
		ScanRateWindow: getEnvAsDuration("SCAN_RATE_WINDOW", "1m"),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Validate rejects settings the server must not start with.
func (c *Config) Validate() error {
	if c.QRSigningSecret == "" && !c.IsDevelopment() {
		return errors.New("config: QR_SIGNING_SECRET is required outside development")
	}
	if c.QRCodeVersion < 1 {
		return errors.New("config: QR_CODE_VERSION must be at least 1")
	}
	switch c.LedgerDriver {
	case "sqlite", "mysql":
	default:
		return errors.New("config: LEDGER_DRIVER must be sqlite or mysql")
	}
	if c.LedgerDSN == "" {
		return errors.New("config: LEDGER_DSN is required")
	}
	return nil
}

// SigningSecret returns the QR signing secret, substituting a fixed
// development value when none is configured in development.
func (c *Config) SigningSecret() []byte {
	if c.QRSigningSecret == "" && c.IsDevelopment() {
		return []byte("development-only-signing-secret")
	}
	return []byte(c.QRSigningSecret)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
