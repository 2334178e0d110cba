// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	UnitID      string

	Auth      AuthConfig
	Session   SessionConfig
	Identity  IdentityConfig
	Stock     StockConfig
	Oracle    OracleConfig
	Notify    NotifyConfig
	Messaging MessagingConfig
}

// AuthConfig controls PIN authentication.
type AuthConfig struct {
	UnitPIN        string // plain PIN or bcrypt hash
	PINLength      int
	MaxPINAttempts int
	Lockout        time.Duration
}

// SessionConfig controls session lifetime.
type SessionConfig struct {
	TTL                 time.Duration
	SweepInterval       time.Duration
	ConfirmationTimeout time.Duration
}

// IdentityConfig controls face validation.
type IdentityConfig struct {
	MatcherAddr      string
	MaxAttempts      int
	Threshold        float64
	AllowPinFallback bool
	DevConfidence    float64
	MatcherTimeout   time.Duration
}

// StockConfig selects the inventory source and its alert thresholds.
type StockConfig struct {
	Mock              bool
	File              string
	InventoryURL      string
	InventoryTimeout  time.Duration
	LowThreshold      int
	CriticalThreshold int
	OutlierFactor     float64
}

// OracleConfig controls the intent oracle.
type OracleConfig struct {
	Mock    bool
	Addr    string
	Timeout time.Duration
}

// NotifyConfig controls event publishing and retention.
type NotifyConfig struct {
	RedisURL      string
	Prefix        string
	QueueSize     int
	RetentionDays int
}

// MessagingConfig limits inbound messages.
type MessagingConfig struct {
	MaxTextLength int
	RateLimit     int // messages per minute per session
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/stella.db"),
		UnitID:      getEnv("UNIT_ID", "unit-01"),
		Auth: AuthConfig{
			UnitPIN:        getEnv("STELLA_UNIT_PIN", ""),
			PINLength:      getEnvInt("PIN_LENGTH", 6),
			MaxPINAttempts: getEnvInt("MAX_PIN_ATTEMPTS", 3),
			Lockout:        time.Duration(getEnvInt("LOCKOUT_MINUTES", 30)) * time.Minute,
		},
		Session: SessionConfig{
			TTL:                 time.Duration(getEnvInt("SESSION_TTL_SECONDS", 180)) * time.Second,
			SweepInterval:       time.Duration(getEnvInt("SESSION_SWEEP_SECONDS", 15)) * time.Second,
			ConfirmationTimeout: time.Duration(getEnvInt("CONFIRMATION_TIMEOUT_MINUTES", 10)) * time.Minute,
		},
		Identity: IdentityConfig{
			MatcherAddr:      getEnv("FACE_MATCHER_ADDR", ""),
			MaxAttempts:      getEnvInt("MAX_FACE_ATTEMPTS", 3),
			Threshold:        getEnvFloat("FACE_CONFIDENCE_THRESHOLD", 0.8),
			AllowPinFallback: getEnvBool("ALLOW_PIN_FALLBACK", true),
			DevConfidence:    getEnvFloat("DEV_FACE_CONFIDENCE", 0.95),
			MatcherTimeout:   time.Duration(getEnvInt("FACE_MATCHER_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Stock: StockConfig{
			Mock:              getEnvBool("MOCK_DATABASE", false),
			File:              getEnv("STOCK_FILE", "./data/estoque.json"),
			InventoryURL:      getEnv("INVENTORY_API_URL", ""),
			InventoryTimeout:  time.Duration(getEnvInt("INVENTORY_TIMEOUT_SECONDS", 5)) * time.Second,
			LowThreshold:      getEnvInt("STELLA_LOW_STOCK_THRESHOLD", 20),
			CriticalThreshold: getEnvInt("STELLA_CRITICAL_STOCK_THRESHOLD", 5),
			OutlierFactor:     getEnvFloat("OUTLIER_FACTOR", 3.0),
		},
		Oracle: OracleConfig{
			Mock:    getEnvBool("MOCK_GEMINI", false),
			Addr:    getEnv("INTENT_ORACLE_ADDR", ""),
			Timeout: time.Duration(getEnvInt("ORACLE_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Notify: NotifyConfig{
			RedisURL:      getEnv("REDIS_URL", ""),
			Prefix:        getEnv("NOTIFY_PREFIX", "stella"),
			QueueSize:     getEnvInt("NOTIFY_QUEUE_SIZE", 256),
			RetentionDays: getEnvInt("EVENT_RETENTION_DAYS", 30),
		},
		Messaging: MessagingConfig{
			MaxTextLength: getEnvInt("MAX_TEXT_LENGTH", 1000),
			RateLimit:     getEnvInt("MESSAGE_RATE_LIMIT", 30),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.UnitID == "" {
		return fmt.Errorf("UNIT_ID cannot be empty")
	}
	if c.Auth.UnitPIN == "" {
		return fmt.Errorf("STELLA_UNIT_PIN cannot be empty")
	}
	if c.Auth.PINLength <= 0 {
		return fmt.Errorf("PIN_LENGTH must be > 0")
	}
	if c.Auth.MaxPINAttempts <= 0 {
		return fmt.Errorf("MAX_PIN_ATTEMPTS must be > 0")
	}
	if c.Auth.Lockout <= 0 {
		return fmt.Errorf("LOCKOUT_MINUTES must be > 0")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL_SECONDS must be > 0")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_SECONDS must be > 0")
	}
	if c.Session.ConfirmationTimeout <= 0 {
		return fmt.Errorf("CONFIRMATION_TIMEOUT_MINUTES must be > 0")
	}
	if c.Identity.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_FACE_ATTEMPTS must be > 0")
	}
	if c.Identity.Threshold <= 0 || c.Identity.Threshold > 1 {
		return fmt.Errorf("FACE_CONFIDENCE_THRESHOLD must be in (0, 1]")
	}
	if c.Stock.CriticalThreshold < 0 || c.Stock.LowThreshold < c.Stock.CriticalThreshold {
		return fmt.Errorf("stock thresholds must satisfy 0 <= critical <= low")
	}
	if c.Stock.OutlierFactor <= 1 {
		return fmt.Errorf("OUTLIER_FACTOR must be > 1")
	}
	if !c.Stock.Mock && c.Stock.InventoryURL == "" && c.Stock.File == "" {
		return fmt.Errorf("one of INVENTORY_API_URL or STOCK_FILE is required unless MOCK_DATABASE is set")
	}
	if c.Messaging.MaxTextLength <= 0 {
		return fmt.Errorf("MAX_TEXT_LENGTH must be > 0")
	}
	if c.Messaging.RateLimit <= 0 {
		return fmt.Errorf("MESSAGE_RATE_LIMIT must be > 0")
	}
	if c.Notify.QueueSize <= 0 {
		return fmt.Errorf("NOTIFY_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// UseOracle reports whether interpretation goes through the intent oracle.
func (c *Config) UseOracle() bool {
	return !c.Oracle.Mock && c.Oracle.Addr != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}
