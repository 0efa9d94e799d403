package config_test

import (
	"os"
	"testing"

	"github.com/agentsec/broker/pkg/config"
	"github.com/stretchr/testify/assert"
)

func clearBrokerEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"DATA_DIR",
		"VAULT_PATH", "VAULT_PASSPHRASE", "VAULT_SOCKET_PATH", "VAULT_RPC_TIMEOUT",
		"SESSION_SIGNING_KEY",
		"PROXY_BIND", "PROXY_RATE_LIMIT", "PROXY_RATE_LIMIT_SMOOTH", "LLM_SERVICE_URL",
		"LLM_PROXY_TOKEN", "OAUTH_REFRESH_MARGIN",
		"NETWORK_MODE", "BLOCKED_DOMAINS", "ADDITIONAL_DOMAINS",
		"ATTACHMENT_OUTBOX", "ATTACHMENT_SQLITE_PATH", "ATTACHMENT_BACKEND", "ATTACHMENT_TTL_HOURS",
		"AUDIT_LOG_DIR", "RATE_LIMIT_REDIS_ADDR", "LOG_LEVEL", "BROKER_DEV",
	}
	for _, k := range keys {
		orig, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, orig)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearBrokerEnv(t)

	cfg := config.Load()
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, "data/vault.json", cfg.VaultPath)
	assert.Equal(t, "data/vault.sock", cfg.VaultSocketPath)
	assert.Equal(t, 5, cfg.VaultRPCTimeout)
	assert.Equal(t, ":8080", cfg.ProxyBind)
	assert.Equal(t, 60, cfg.ProxyRateLimit)
	assert.Equal(t, "https://api.anthropic.com", cfg.LLMServiceURL)
	assert.Equal(t, 300, cfg.OAuthRefreshMargin)
	assert.Equal(t, config.NetworkModeStrict, cfg.NetworkMode)
	assert.Nil(t, cfg.BlockedDomains)
	assert.Equal(t, "data/outbox", cfg.AttachmentOutbox)
	assert.Equal(t, "local", cfg.AttachmentBackend)
	assert.Equal(t, 24*7, cfg.AttachmentTTLHours)
	assert.Equal(t, "data/audit", cfg.AuditLogDir)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.False(t, cfg.DevMode)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearBrokerEnv(t)

	os.Setenv("VAULT_PATH", "/tmp/v.json")
	os.Setenv("PROXY_RATE_LIMIT", "120")
	os.Setenv("NETWORK_MODE", "PERMISSIVE")
	os.Setenv("BLOCKED_DOMAINS", "evil.com, also-evil.com ,")
	os.Setenv("BROKER_DEV", "1")

	cfg := config.Load()
	assert.Equal(t, "/tmp/v.json", cfg.VaultPath)
	assert.Equal(t, 120, cfg.ProxyRateLimit)
	assert.Equal(t, config.NetworkModePermissive, cfg.NetworkMode)
	assert.Equal(t, []string{"evil.com", "also-evil.com"}, cfg.BlockedDomains)
	assert.True(t, cfg.DevMode)
}

func TestLoadInvalidIntFallsBackToDefault(t *testing.T) {
	clearBrokerEnv(t)
	os.Setenv("PROXY_RATE_LIMIT", "not-a-number")

	cfg := config.Load()
	assert.Equal(t, 60, cfg.ProxyRateLimit)
}

func TestNetworkModeUnknownDefaultsStrict(t *testing.T) {
	clearBrokerEnv(t)
	os.Setenv("NETWORK_MODE", "wide-open-please")

	cfg := config.Load()
	assert.Equal(t, config.NetworkModeStrict, cfg.NetworkMode)
}

func TestNetworkModeOpenIsAccepted(t *testing.T) {
	clearBrokerEnv(t)
	os.Setenv("NETWORK_MODE", "open")

	cfg := config.Load()
	assert.Equal(t, config.NetworkModeOpen, cfg.NetworkMode)
}
