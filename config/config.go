// Package config loads and defaults the ai2ai node's runtime configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level ai2ai node configuration.
type Config struct {
	Name       string `yaml:"name" json:"name"`
	HumanName  string `yaml:"humanName" json:"humanName"`
	Port       int    `yaml:"port" json:"port"`
	DataDir    string `yaml:"dataDir" json:"dataDir"`
	Registry   string `yaml:"registry" json:"registry"`

	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
	MessageTTL        time.Duration `yaml:"messageTTL" json:"messageTTL"`
	RotationInterval  time.Duration `yaml:"rotationInterval" json:"rotationInterval"`
	EncryptionEnabled bool          `yaml:"encryptionEnabled" json:"encryptionEnabled"`

	RateLimit      RateLimitConfig      `yaml:"rateLimit" json:"rateLimit"`
	Security       SecurityConfig       `yaml:"security" json:"security"`
	Delivery       DeliveryConfig       `yaml:"delivery" json:"delivery"`
	Conversation   ConversationConfig   `yaml:"conversation" json:"conversation"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Postgres       PostgresConfig       `yaml:"postgres" json:"postgres"`
	AcceptedVersions []string           `yaml:"acceptedVersions" json:"acceptedVersions"`
}

// RateLimitConfig bounds inbound messages per peer.
type RateLimitConfig struct {
	MaxMessages int           `yaml:"maxMessages" json:"maxMessages"`
	Window      time.Duration `yaml:"window" json:"window"`
}

// SecurityConfig tunes the ingress filter chain's caches.
type SecurityConfig struct {
	NonceRetention       time.Duration `yaml:"nonceRetention" json:"nonceRetention"`
	VerificationCacheTTL time.Duration `yaml:"verificationCacheTTL" json:"verificationCacheTTL"`
	DedupTTL             time.Duration `yaml:"dedupTTL" json:"dedupTTL"`
	DedupMaxEntries      int           `yaml:"dedupMaxEntries" json:"dedupMaxEntries"`
	MaxBodyBytes         int64         `yaml:"maxBodyBytes" json:"maxBodyBytes"`
}

// DeliveryConfig tunes the backoff schedule and circuit breaker defaults.
type DeliveryConfig struct {
	BaseDelay        time.Duration   `yaml:"baseDelay" json:"baseDelay"`
	MaxDelay         time.Duration   `yaml:"maxDelay" json:"maxDelay"`
	BackoffFactor    float64         `yaml:"backoffFactor" json:"backoffFactor"`
	MaxRetries       int             `yaml:"maxRetries" json:"maxRetries"`
	QueueSchedule    []time.Duration `yaml:"queueSchedule" json:"queueSchedule"`
	FailureThreshold int             `yaml:"failureThreshold" json:"failureThreshold"`
	ResetTimeout     time.Duration   `yaml:"resetTimeout" json:"resetTimeout"`
	HalfOpenMax      int             `yaml:"halfOpenMax" json:"halfOpenMax"`
	MaxInflight      int             `yaml:"maxInflight" json:"maxInflight"`
}

// ConversationConfig tunes conversation and approval expiry.
type ConversationConfig struct {
	Expiry          time.Duration `yaml:"expiry" json:"expiry"`
	ApprovalTTL     time.Duration `yaml:"approvalTTL" json:"approvalTTL"`
	ApprovalPurge   time.Duration `yaml:"approvalPurge" json:"approvalPurge"`
	SweepInterval   time.Duration `yaml:"sweepInterval" json:"sweepInterval"`
}

// LoggingConfig controls the structured logger's level and file rotation.
type LoggingConfig struct {
	Level           string `yaml:"level" json:"level"`
	Directory       string `yaml:"directory" json:"directory"`
	RetentionDays   int    `yaml:"retentionDays" json:"retentionDays"`
}

// MetricsConfig controls the prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Path    string `yaml:"path" json:"path"`
}

// PostgresConfig configures the optional shared-store backend. Empty DSN
// means the file-backed stores are used instead.
type PostgresConfig struct {
	DSN string `yaml:"dsn" json:"dsn"`
}

// LoadFromFile loads configuration from a YAML file, falling back to JSON,
// then applies defaults and environment variable overrides.
func LoadFromFile(path string) (*Config, error) {
	// .env is loaded first so secrets (registry bearer token seed, postgres
	// DSN) are available as env vars before YAML/JSON is applied; missing
	// .env is not an error.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{EncryptionEnabled: true}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	return cfg, nil
}

// Default returns a fully-defaulted configuration, used when no config file
// is supplied (e.g. `ai2ai-node serve` with no `--config`).
func Default() *Config {
	cfg := &Config{EncryptionEnabled: true}
	setDefaults(cfg)
	applyEnvironmentOverrides(cfg)
	return cfg
}

// SaveToFile persists configuration, choosing format by file extension.
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

func setDefaults(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = "ai2ai-node"
	}
	if cfg.Port == 0 {
		cfg.Port = 18800
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MessageTTL == 0 {
		cfg.MessageTTL = 24 * time.Hour
	}
	if cfg.RotationInterval == 0 {
		cfg.RotationInterval = 30 * 24 * time.Hour
	}
	if len(cfg.AcceptedVersions) == 0 {
		cfg.AcceptedVersions = []string{"1.0", "0.1"}
	}
	if cfg.RateLimit.MaxMessages == 0 {
		cfg.RateLimit.MaxMessages = 20
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = 60 * time.Second
	}

	if cfg.Security.NonceRetention == 0 {
		cfg.Security.NonceRetention = time.Hour
	}
	if cfg.Security.VerificationCacheTTL == 0 {
		cfg.Security.VerificationCacheTTL = 5 * time.Minute
	}
	if cfg.Security.DedupTTL == 0 {
		cfg.Security.DedupTTL = time.Hour
	}
	if cfg.Security.DedupMaxEntries == 0 {
		cfg.Security.DedupMaxEntries = 10000
	}
	if cfg.Security.MaxBodyBytes == 0 {
		cfg.Security.MaxBodyBytes = 100 * 1024
	}

	if cfg.Delivery.BaseDelay == 0 {
		cfg.Delivery.BaseDelay = time.Second
	}
	if cfg.Delivery.MaxDelay == 0 {
		cfg.Delivery.MaxDelay = 30 * time.Second
	}
	if cfg.Delivery.BackoffFactor == 0 {
		cfg.Delivery.BackoffFactor = 2
	}
	if cfg.Delivery.MaxRetries == 0 {
		cfg.Delivery.MaxRetries = 3
	}
	if len(cfg.Delivery.QueueSchedule) == 0 {
		cfg.Delivery.QueueSchedule = []time.Duration{
			time.Minute, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour, 12 * time.Hour,
		}
	}
	if cfg.Delivery.FailureThreshold == 0 {
		cfg.Delivery.FailureThreshold = 5
	}
	if cfg.Delivery.ResetTimeout == 0 {
		cfg.Delivery.ResetTimeout = 60 * time.Second
	}
	if cfg.Delivery.HalfOpenMax == 0 {
		cfg.Delivery.HalfOpenMax = 1
	}
	if cfg.Delivery.MaxInflight == 0 {
		cfg.Delivery.MaxInflight = 8
	}

	if cfg.Conversation.Expiry == 0 {
		cfg.Conversation.Expiry = 7 * 24 * time.Hour
	}
	if cfg.Conversation.ApprovalTTL == 0 {
		cfg.Conversation.ApprovalTTL = 24 * time.Hour
	}
	if cfg.Conversation.ApprovalPurge == 0 {
		cfg.Conversation.ApprovalPurge = 7 * 24 * time.Hour
	}
	if cfg.Conversation.SweepInterval == 0 {
		cfg.Conversation.SweepInterval = time.Hour
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Directory == "" {
		cfg.Logging.Directory = "logs"
	}
	if cfg.Logging.RetentionDays == 0 {
		cfg.Logging.RetentionDays = 30
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9800"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func applyEnvironmentOverrides(cfg *Config) {
	if level := os.Getenv("AI2AI_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if dir := os.Getenv("AI2AI_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if registry := os.Getenv("AI2AI_REGISTRY_URL"); registry != "" {
		cfg.Registry = registry
	}
	if dsn := os.Getenv("AI2AI_POSTGRES_DSN"); dsn != "" {
		cfg.Postgres.DSN = dsn
	}
	switch strings.ToLower(os.Getenv("AI2AI_ENCRYPTION_ENABLED")) {
	case "true":
		cfg.EncryptionEnabled = true
	case "false":
		cfg.EncryptionEnabled = false
	}
}
