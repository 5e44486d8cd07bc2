package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPushPort is the TCP port the push server listens on.
	DefaultPushPort = 3003
	// DefaultDeliveryTimeout is the default per-attempt delivery deadline. It is
	// passed to the delivery engine's Config; the engine does not apply it.
	DefaultDeliveryTimeout = 5000 * time.Millisecond
	// DefaultAckTimeout bounds the wait for an acknowledgment after delivery.
	DefaultAckTimeout = 10000 * time.Millisecond
	// DefaultMaxRetries caps delivery attempts per message.
	DefaultMaxRetries = 3
	// DefaultBaseBackoff is the exponential backoff base between attempts.
	DefaultBaseBackoff = 1000 * time.Millisecond
	// DefaultHeartbeatTimeout marks a session dead after this much silence.
	DefaultHeartbeatTimeout = 60000 * time.Millisecond
	// DefaultSweeperInterval controls the cleanup loop cadence.
	DefaultSweeperInterval = 60000 * time.Millisecond
	// DefaultEvictionAge is the absolute max age of a tracked message.
	DefaultEvictionAge = 300000 * time.Millisecond
	// DefaultEnhanced is the default of Config.Enhanced. The hub always runs
	// the full guaranteed-delivery state machine; nothing reads this value.
	DefaultEnhanced = true
	// DefaultMetricsPath is the default of Config.MetricsPath. The ops handler
	// set mounts the Prometheus handler at /metrics whatever this value is.
	DefaultMetricsPath = "/metrics"

	// DefaultLogLevel controls verbosity for hub logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "hub.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// CredentialMode selects which CredentialChecker gates the register frame.
type CredentialMode string

const (
	CredentialNone CredentialMode = "none"
	CredentialHMAC CredentialMode = "hmac"
	CredentialOIDC CredentialMode = "oidc"
)

// Config captures all runtime tunables for the hub service.
type Config struct {
	PushPort           int            `yaml:"pushPort"`
	DeliveryTimeout    time.Duration  `yaml:"-"`
	AckTimeout         time.Duration  `yaml:"-"`
	MaxRetries         int            `yaml:"maxRetries"`
	BaseBackoff        time.Duration  `yaml:"-"`
	HeartbeatTimeout   time.Duration  `yaml:"-"`
	SweeperInterval    time.Duration  `yaml:"-"`
	EvictionAge        time.Duration  `yaml:"-"`
	Enhanced           bool           `yaml:"enhanced"`
	AllowedOrigins     []string       `yaml:"allowedOrigins"`
	MetricsPath        string         `yaml:"metricsPath"`
	BoltPath           string         `yaml:"boltPath"`
	AuditDir           string         `yaml:"auditDir"`
	CredentialMode     CredentialMode `yaml:"credentialMode"`
	HMACSecret         string         `yaml:"-"`
	OIDCIssuer         string         `yaml:"oidcIssuer"`
	OIDCClientID       string         `yaml:"oidcClientID"`
	Logging            LoggingConfig  `yaml:"logging"`

	// durations expressed in milliseconds for YAML overlay purposes.
	DeliveryTimeoutMs  int `yaml:"deliveryTimeoutMs"`
	AckTimeoutMs       int `yaml:"ackTimeoutMs"`
	BaseBackoffMs      int `yaml:"baseBackoffMs"`
	HeartbeatTimeoutMs int `yaml:"heartbeatTimeoutMs"`
	SweeperIntervalMs  int `yaml:"sweeperIntervalMs"`
	EvictionAgeMs      int `yaml:"evictionAgeMs"`
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

func defaults() *Config {
	return &Config{
		PushPort:           DefaultPushPort,
		DeliveryTimeout:    DefaultDeliveryTimeout,
		AckTimeout:         DefaultAckTimeout,
		MaxRetries:         DefaultMaxRetries,
		BaseBackoff:        DefaultBaseBackoff,
		HeartbeatTimeout:   DefaultHeartbeatTimeout,
		SweeperInterval:    DefaultSweeperInterval,
		EvictionAge:        DefaultEvictionAge,
		Enhanced:           DefaultEnhanced,
		MetricsPath:        DefaultMetricsPath,
		CredentialMode:     CredentialNone,
		DeliveryTimeoutMs:  int(DefaultDeliveryTimeout / time.Millisecond),
		AckTimeoutMs:       int(DefaultAckTimeout / time.Millisecond),
		BaseBackoffMs:      int(DefaultBaseBackoff / time.Millisecond),
		HeartbeatTimeoutMs: int(DefaultHeartbeatTimeout / time.Millisecond),
		SweeperIntervalMs:  int(DefaultSweeperInterval / time.Millisecond),
		EvictionAgeMs:      int(DefaultEvictionAge / time.Millisecond),
		Logging: LoggingConfig{
			Level:      DefaultLogLevel,
			Path:       DefaultLogPath,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}
}

// Load reads the hub configuration from an optional YAML overlay followed by
// environment variables, applying defaults and returning descriptive errors
// for invalid overrides.
func Load() (*Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("HUB_CONFIG_FILE")); path != "" {
		if err := applyYAMLFile(cfg, path); err != nil {
			return nil, err
		}
	}

	var problems []string

	cfg.PushPort = getInt("HUB_PUSH_PORT", cfg.PushPort, &problems)
	cfg.MaxRetries = getInt("HUB_MAX_RETRIES", cfg.MaxRetries, &problems)
	cfg.DeliveryTimeoutMs = getInt("HUB_DELIVERY_TIMEOUT_MS", cfg.DeliveryTimeoutMs, &problems)
	cfg.AckTimeoutMs = getInt("HUB_ACK_TIMEOUT_MS", cfg.AckTimeoutMs, &problems)
	cfg.BaseBackoffMs = getInt("HUB_BASE_BACKOFF_MS", cfg.BaseBackoffMs, &problems)
	cfg.HeartbeatTimeoutMs = getInt("HUB_HEARTBEAT_TIMEOUT_MS", cfg.HeartbeatTimeoutMs, &problems)
	cfg.SweeperIntervalMs = getInt("HUB_SWEEPER_INTERVAL_MS", cfg.SweeperIntervalMs, &problems)
	cfg.EvictionAgeMs = getInt("HUB_EVICTION_AGE_MS", cfg.EvictionAgeMs, &problems)

	if raw := strings.TrimSpace(os.Getenv("HUB_ENHANCED")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("HUB_ENHANCED must be a boolean value, got %q", raw))
		} else {
			cfg.Enhanced = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv("HUB_ALLOWED_ORIGINS")); raw != "" {
		cfg.AllowedOrigins = parseList(raw)
	}
	cfg.MetricsPath = getString("HUB_METRICS_PATH", cfg.MetricsPath)
	cfg.BoltPath = getString("HUB_BOLT_PATH", cfg.BoltPath)
	cfg.AuditDir = getString("HUB_AUDIT_DIR", cfg.AuditDir)
	if raw := strings.TrimSpace(os.Getenv("HUB_CREDENTIAL_MODE")); raw != "" {
		mode := CredentialMode(strings.ToLower(raw))
		switch mode {
		case CredentialNone, CredentialHMAC, CredentialOIDC:
			cfg.CredentialMode = mode
		default:
			problems = append(problems, fmt.Sprintf("HUB_CREDENTIAL_MODE must be one of none|hmac|oidc, got %q", raw))
		}
	}
	cfg.HMACSecret = getString("HUB_HMAC_SECRET", cfg.HMACSecret)
	cfg.OIDCIssuer = getString("HUB_OIDC_ISSUER", cfg.OIDCIssuer)
	cfg.OIDCClientID = getString("HUB_OIDC_CLIENT_ID", cfg.OIDCClientID)

	cfg.Logging.Level = getString("HUB_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Path = getString("HUB_LOG_PATH", cfg.Logging.Path)
	cfg.Logging.MaxSizeMB = getInt("HUB_LOG_MAX_SIZE_MB", cfg.Logging.MaxSizeMB, &problems)
	cfg.Logging.MaxBackups = getInt("HUB_LOG_MAX_BACKUPS", cfg.Logging.MaxBackups, &problems)
	cfg.Logging.MaxAgeDays = getInt("HUB_LOG_MAX_AGE_DAYS", cfg.Logging.MaxAgeDays, &problems)
	if raw := strings.TrimSpace(os.Getenv("HUB_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("HUB_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.CredentialMode == CredentialHMAC && strings.TrimSpace(cfg.HMACSecret) == "" {
		problems = append(problems, "HUB_HMAC_SECRET must be set when HUB_CREDENTIAL_MODE=hmac")
	}
	if cfg.CredentialMode == CredentialOIDC && (cfg.OIDCIssuer == "" || cfg.OIDCClientID == "") {
		problems = append(problems, "HUB_OIDC_ISSUER and HUB_OIDC_CLIENT_ID must be set when HUB_CREDENTIAL_MODE=oidc")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	cfg.DeliveryTimeout = time.Duration(cfg.DeliveryTimeoutMs) * time.Millisecond
	cfg.AckTimeout = time.Duration(cfg.AckTimeoutMs) * time.Millisecond
	cfg.BaseBackoff = time.Duration(cfg.BaseBackoffMs) * time.Millisecond
	cfg.HeartbeatTimeout = time.Duration(cfg.HeartbeatTimeoutMs) * time.Millisecond
	cfg.SweeperInterval = time.Duration(cfg.SweeperIntervalMs) * time.Millisecond
	cfg.EvictionAge = time.Duration(cfg.EvictionAgeMs) * time.Millisecond

	return cfg, nil
}

func applyYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int, problems *[]string) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a non-negative integer, got %q", key, raw))
		return fallback
	}
	return value
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
