package config

import (
	"strings"
	"testing"
	"time"
)

func clearHubEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HUB_CONFIG_FILE",
		"HUB_PUSH_PORT",
		"HUB_MAX_RETRIES",
		"HUB_DELIVERY_TIMEOUT_MS",
		"HUB_ACK_TIMEOUT_MS",
		"HUB_BASE_BACKOFF_MS",
		"HUB_HEARTBEAT_TIMEOUT_MS",
		"HUB_SWEEPER_INTERVAL_MS",
		"HUB_EVICTION_AGE_MS",
		"HUB_ENHANCED",
		"HUB_ALLOWED_ORIGINS",
		"HUB_METRICS_PATH",
		"HUB_BOLT_PATH",
		"HUB_AUDIT_DIR",
		"HUB_CREDENTIAL_MODE",
		"HUB_HMAC_SECRET",
		"HUB_OIDC_ISSUER",
		"HUB_OIDC_CLIENT_ID",
		"HUB_LOG_LEVEL",
		"HUB_LOG_PATH",
		"HUB_LOG_MAX_SIZE_MB",
		"HUB_LOG_MAX_BACKUPS",
		"HUB_LOG_MAX_AGE_DAYS",
		"HUB_LOG_COMPRESS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearHubEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.PushPort != DefaultPushPort {
		t.Fatalf("expected default push port %d, got %d", DefaultPushPort, cfg.PushPort)
	}
	if cfg.MaxRetries != DefaultMaxRetries {
		t.Fatalf("expected default max retries %d, got %d", DefaultMaxRetries, cfg.MaxRetries)
	}
	if cfg.DeliveryTimeout != DefaultDeliveryTimeout {
		t.Fatalf("expected default delivery timeout %v, got %v", DefaultDeliveryTimeout, cfg.DeliveryTimeout)
	}
	if cfg.AckTimeout != DefaultAckTimeout {
		t.Fatalf("expected default ack timeout %v, got %v", DefaultAckTimeout, cfg.AckTimeout)
	}
	if cfg.HeartbeatTimeout != DefaultHeartbeatTimeout {
		t.Fatalf("expected default heartbeat timeout %v, got %v", DefaultHeartbeatTimeout, cfg.HeartbeatTimeout)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("expected no allowed origins, got %#v", cfg.AllowedOrigins)
	}
	if cfg.CredentialMode != CredentialNone {
		t.Fatalf("expected default credential mode none, got %q", cfg.CredentialMode)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, cfg.Logging.Level)
	}
	if cfg.Logging.Compress != DefaultLogCompress {
		t.Fatalf("expected default log compress %t, got %t", DefaultLogCompress, cfg.Logging.Compress)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearHubEnv(t)

	t.Setenv("HUB_PUSH_PORT", "9000")
	t.Setenv("HUB_ALLOWED_ORIGINS", "https://example.com, https://demo.local")
	t.Setenv("HUB_MAX_RETRIES", "5")
	t.Setenv("HUB_DELIVERY_TIMEOUT_MS", "1500")
	t.Setenv("HUB_ACK_TIMEOUT_MS", "3000")
	t.Setenv("HUB_HEARTBEAT_TIMEOUT_MS", "20000")
	t.Setenv("HUB_LOG_LEVEL", "debug")
	t.Setenv("HUB_LOG_PATH", "/var/log/hub.log")
	t.Setenv("HUB_LOG_COMPRESS", "false")
	t.Setenv("HUB_CREDENTIAL_MODE", "hmac")
	t.Setenv("HUB_HMAC_SECRET", "shared-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.PushPort != 9000 {
		t.Fatalf("unexpected push port: %d", cfg.PushPort)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://example.com" || cfg.AllowedOrigins[1] != "https://demo.local" {
		t.Fatalf("unexpected allowed origins: %#v", cfg.AllowedOrigins)
	}
	if cfg.MaxRetries != 5 {
		t.Fatalf("expected max retries 5, got %d", cfg.MaxRetries)
	}
	if cfg.DeliveryTimeout != 1500*time.Millisecond {
		t.Fatalf("expected delivery timeout 1500ms, got %v", cfg.DeliveryTimeout)
	}
	if cfg.AckTimeout != 3*time.Second {
		t.Fatalf("expected ack timeout 3s, got %v", cfg.AckTimeout)
	}
	if cfg.HeartbeatTimeout != 20*time.Second {
		t.Fatalf("expected heartbeat timeout 20s, got %v", cfg.HeartbeatTimeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected overridden log level debug, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Path != "/var/log/hub.log" {
		t.Fatalf("unexpected log path %q", cfg.Logging.Path)
	}
	if cfg.Logging.Compress {
		t.Fatalf("expected log compression disabled")
	}
	if cfg.CredentialMode != CredentialHMAC {
		t.Fatalf("expected credential mode hmac, got %q", cfg.CredentialMode)
	}
	if cfg.HMACSecret != "shared-secret" {
		t.Fatalf("unexpected hmac secret %q", cfg.HMACSecret)
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	clearHubEnv(t)

	t.Setenv("HUB_PUSH_PORT", "-1")
	t.Setenv("HUB_MAX_RETRIES", "-1")
	t.Setenv("HUB_LOG_MAX_SIZE_MB", "-1")
	t.Setenv("HUB_LOG_COMPRESS", "notabool")
	t.Setenv("HUB_CREDENTIAL_MODE", "invalid")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{
		"HUB_PUSH_PORT",
		"HUB_MAX_RETRIES",
		"HUB_LOG_MAX_SIZE_MB",
		"HUB_LOG_COMPRESS",
		"HUB_CREDENTIAL_MODE",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadRequiresHMACSecretInHMACMode(t *testing.T) {
	clearHubEnv(t)
	t.Setenv("HUB_CREDENTIAL_MODE", "hmac")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when hmac mode is set without a secret")
	}
	if !strings.Contains(err.Error(), "HUB_HMAC_SECRET") {
		t.Fatalf("expected error to mention HUB_HMAC_SECRET, got %q", err.Error())
	}
}

func TestLoadRequiresOIDCFieldsInOIDCMode(t *testing.T) {
	clearHubEnv(t)
	t.Setenv("HUB_CREDENTIAL_MODE", "oidc")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when oidc mode is set without issuer/client id")
	}
	if !strings.Contains(err.Error(), "HUB_OIDC_ISSUER") {
		t.Fatalf("expected error to mention HUB_OIDC_ISSUER, got %q", err.Error())
	}
}

func TestLoadIgnoresEmptyAllowedOrigins(t *testing.T) {
	clearHubEnv(t)
	t.Setenv("HUB_ALLOWED_ORIGINS", " , ,https://ok.example, ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://ok.example" {
		t.Fatalf("expected single cleaned origin, got %#v", cfg.AllowedOrigins)
	}
}
