// Package config loads broker configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
)

// NetworkMode controls how aggressively the guardrail and proxy restrict
// outbound hosts.
type NetworkMode string

const (
	NetworkModeStrict     NetworkMode = "strict"
	NetworkModePermissive NetworkMode = "permissive"
	NetworkModeOpen       NetworkMode = "open"
)

// Config holds broker-wide configuration.
type Config struct {
	// Data directory the guardrail protects as sensitive (vault file,
	// audit log, attachment outbox all live under it by default).
	DataDir string

	// Vault
	VaultPath       string
	VaultPassphrase string
	VaultSocketPath string
	VaultRPCTimeout int // seconds

	// Sessions
	SessionSigningKey string

	// Proxy
	ProxyBind          string
	ProxyRateLimit     int
	ProxyRateSmooth    bool
	LLMServiceURL      string
	LLMProxyToken      string
	OAuthRefreshMargin int // seconds

	// Networking
	NetworkMode       NetworkMode
	BlockedDomains    []string
	AdditionalDomains []string

	// Attachments
	AttachmentOutbox     string
	AttachmentSQLitePath string
	AttachmentBackend    string // "local" | "s3" | "gcs"
	AttachmentTTLHours   int

	// Audit
	AuditLogDir string

	// Rate limiter backend
	RateLimitRedisAddr string

	// Logging
	LogLevel string
	DevMode  bool
}

// Load loads configuration from environment variables, applying the same
// defaults-if-unset pattern as the rest of the broker's env-driven setup.
func Load() *Config {
	return &Config{
		DataDir: getEnvDefault("DATA_DIR", "data"),

		VaultPath:       getEnvDefault("VAULT_PATH", "data/vault.json"),
		VaultPassphrase: os.Getenv("VAULT_PASSPHRASE"),
		VaultSocketPath: getEnvDefault("VAULT_SOCKET_PATH", "data/vault.sock"),
		VaultRPCTimeout: getEnvIntDefault("VAULT_RPC_TIMEOUT", 5),

		SessionSigningKey: os.Getenv("SESSION_SIGNING_KEY"),

		ProxyBind:          getEnvDefault("PROXY_BIND", ":8080"),
		ProxyRateLimit:     getEnvIntDefault("PROXY_RATE_LIMIT", 60),
		ProxyRateSmooth:    os.Getenv("PROXY_RATE_LIMIT_SMOOTH") == "1",
		LLMServiceURL:      getEnvDefault("LLM_SERVICE_URL", "https://api.anthropic.com"),
		LLMProxyToken:      os.Getenv("LLM_PROXY_TOKEN"),
		OAuthRefreshMargin: getEnvIntDefault("OAUTH_REFRESH_MARGIN", 300),

		NetworkMode:       normalizeNetworkMode(os.Getenv("NETWORK_MODE")),
		BlockedDomains:    splitList(os.Getenv("BLOCKED_DOMAINS")),
		AdditionalDomains: splitList(os.Getenv("ADDITIONAL_DOMAINS")),

		AttachmentOutbox:     getEnvDefault("ATTACHMENT_OUTBOX", "data/outbox"),
		AttachmentSQLitePath: os.Getenv("ATTACHMENT_SQLITE_PATH"),
		AttachmentBackend:    getEnvDefault("ATTACHMENT_BACKEND", "local"),
		AttachmentTTLHours:   getEnvIntDefault("ATTACHMENT_TTL_HOURS", 24*7),

		AuditLogDir: getEnvDefault("AUDIT_LOG_DIR", "data/audit"),

		RateLimitRedisAddr: os.Getenv("RATE_LIMIT_REDIS_ADDR"),

		LogLevel: getEnvDefault("LOG_LEVEL", "INFO"),
		DevMode:  os.Getenv("BROKER_DEV") == "1",
	}
}

// normalizeNetworkMode resolves spec.md's open question: NETWORK_MODE=open
// is accepted at the config layer (never silently rewritten to a stricter
// value here) but the guardrail's L1 pre-hook still enforces the
// unconditional private/metadata-address blocklist regardless of mode —
// "open" only relaxes the operator allow-list, not the SSRF floor. See
// DESIGN.md for the decision record.
func normalizeNetworkMode(v string) NetworkMode {
	switch NetworkMode(strings.ToLower(v)) {
	case NetworkModePermissive:
		return NetworkModePermissive
	case NetworkModeOpen:
		return NetworkModeOpen
	default:
		return NetworkModeStrict
	}
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
