// Command broker runs the security broker: it mediates every credential,
// network, attachment, and tool-call surface between the agent and the
// outside world, per spec.md §2's dependency order A→B→C→{D,E,F,K}→G→H→
// I→J.
//
// Wiring shape: load config, construct components bottom-up in spec.md
// §2's dependency order, install signal-based graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentsec/broker/pkg/attachments"
	"github.com/agentsec/broker/pkg/audit"
	"github.com/agentsec/broker/pkg/config"
	"github.com/agentsec/broker/pkg/envelope"
	"github.com/agentsec/broker/pkg/guardrail"
	"github.com/agentsec/broker/pkg/llmproxy"
	"github.com/agentsec/broker/pkg/netguard"
	"github.com/agentsec/broker/pkg/observability"
	"github.com/agentsec/broker/pkg/outputguard"
	"github.com/agentsec/broker/pkg/proxy"
	"github.com/agentsec/broker/pkg/ratelimit"
	"github.com/agentsec/broker/pkg/session"
	"github.com/agentsec/broker/pkg/vault"
	"github.com/agentsec/broker/pkg/vaultrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	logger := newLogger(cfg)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// A — Vault Store
	vaultStore, err := vault.Open(cfg.VaultPath, cfg.VaultPassphrase)
	if err != nil {
		logger.Error("vault: open failed", "err", err)
		return 1
	}

	auditLogger, err := audit.NewFileLogger(cfg.AuditLogDir)
	if err != nil {
		logger.Error("audit: init failed", "err", err)
		return 1
	}
	defer auditLogger.Close()

	// B — Vault RPC (serves the vault to this same process's proxy
	// handlers over a Unix socket, isolating encryption keys to one
	// component per spec.md §4.B).
	rpcServer := vaultrpc.NewServer(vaultStore, auditLogger, time.Duration(cfg.VaultRPCTimeout)*time.Second)
	if err := rpcServer.Listen(cfg.VaultSocketPath); err != nil {
		logger.Error("vaultrpc: listen failed", "err", err)
		return 1
	}
	defer rpcServer.Close()
	go func() {
		if err := rpcServer.Serve(ctx); err != nil {
			logger.Error("vaultrpc: serve stopped", "err", err)
		}
	}()

	vaultClient := vaultrpc.NewClient(cfg.VaultSocketPath, time.Duration(cfg.VaultRPCTimeout)*time.Second)

	// C — Session Tokens
	sessionMgr, err := session.NewManager(cfg.SessionSigningKey)
	if err != nil {
		logger.Error("session: init failed", "err", err)
		return 1
	}

	// Shared D/E/G dependency: netguard and rate limiter.
	netGuard := netguard.New(toNetguardMode(cfg.NetworkMode), cfg.BlockedDomains, cfg.AdditionalDomains)
	limiter := newLimiter(cfg)

	// D — HTTP Credential Proxy
	proxyHandler := proxy.New(proxy.Config{
		SessionRateLimit:    cfg.ProxyRateLimit,
		ExposeHostsEndpoint: cfg.DevMode,
	}, vaultClient, sessionMgr, netGuard, limiter, auditLogger)

	// F — Attachment Interceptor
	attachmentStore, err := attachments.NewStoreFromEnv(ctx)
	if err != nil {
		logger.Error("attachments: store init failed", "err", err)
		return 1
	}
	refTable, err := attachments.NewRefTableFromEnv()
	if err != nil {
		logger.Error("attachments: ref table init failed", "err", err)
		return 1
	}
	ttl := time.Duration(cfg.AttachmentTTLHours) * time.Hour
	gc := attachments.NewGC(attachmentStore, refTable, ttl, time.Hour, func(err error) {
		logger.Error("attachments: gc sweep failed", "err", err)
	})
	go gc.Run(ctx)
	attachmentInterceptor := attachments.NewInterceptor(attachmentStore, refTable, "llm-proxy", cfg.LLMServiceURL)

	// H — Output Guard
	outGuard := outputguard.New(outputguard.EntropyConfig{})

	// I — External-Content Envelope
	envelopeGate := envelope.NewEnvelopeGate(envelope.Config{}, envelope.NewEnvelopeMonitor())

	// E — LLM Proxy (runs F and H over every response body before
	// relaying it, per spec.md §4.F/§4.H)
	refresher := llmproxy.NewRefresher()
	tokenResolver := llmproxy.NewTokenResolver(llmproxy.Config{
		ServiceURL:         cfg.LLMServiceURL,
		ProxyToken:         cfg.LLMProxyToken,
		OAuthRefreshMargin: time.Duration(cfg.OAuthRefreshMargin) * time.Second,
	}, vaultClient, refresher)
	llmHandler, err := llmproxy.NewHandler(cfg.LLMServiceURL, cfg.LLMProxyToken, tokenResolver, limiter, cfg.ProxyRateLimit, auditLogger, attachmentInterceptor, outGuard)
	if err != nil {
		logger.Error("llmproxy: init failed", "err", err)
		return 1
	}

	// G — Tool-Call Guardrail. No in-process Dispatcher is wired here: tool
	// execution happens in the agent process, which consumes this package
	// as a library rather than calling it over this server's HTTP surface.
	toolGuard := guardrail.NewWithEnvelope(netGuard, defaultTierTools(), nil, envelopeGate, cfg.DataDir)

	obsProvider, err := observability.New(ctx, &observability.Config{
		ServiceName:    "agentsec-broker",
		ServiceVersion: "0.1.0",
		Environment:    observabilityEnv(cfg.DevMode),
		SampleRate:     1.0,
		Enabled:        true,
	})
	if err != nil {
		logger.Error("observability: init failed", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = obsProvider.Shutdown(shutdownCtx)
	}()

	logger.Info("broker components ready",
		"attachments", attachmentStore != nil,
		"guardrail_tiers", len(defaultTierTools()),
		"output_guard", outGuard != nil,
		"envelope", envelopeGate != nil,
		"ref_table", refTable != nil,
		"guardrail_ready", toolGuard != nil,
	)

	mux := http.NewServeMux()
	mux.Handle("/", proxyHandler)

	llmMux := http.NewServeMux()
	llmMux.Handle("/", llmHandler)

	srv := &http.Server{Addr: cfg.ProxyBind, Handler: otelhttp.NewHandler(mux, "credential-proxy")}
	llmSrv := &http.Server{Addr: ":8090", Handler: otelhttp.NewHandler(llmMux, "llm-proxy")}

	go func() {
		logger.Info("proxy listening", "addr", cfg.ProxyBind)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("proxy server error", "err", err)
		}
	}()
	go func() {
		logger.Info("llm proxy listening", "addr", llmSrv.Addr)
		if err := llmSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("llm proxy server error", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = llmSrv.Shutdown(shutdownCtx)

	return 0
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.DevMode {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("component", "broker")
}

func toNetguardMode(m config.NetworkMode) netguard.Mode {
	switch m {
	case config.NetworkModePermissive:
		return netguard.ModePermissive
	case config.NetworkModeOpen:
		return netguard.ModeOpen
	default:
		return netguard.ModeStrict
	}
}

func observabilityEnv(devMode bool) string {
	if devMode {
		return "development"
	}
	return "production"
}

func newLimiter(cfg *config.Config) ratelimit.Limiter {
	if cfg.RateLimitRedisAddr != "" {
		return ratelimit.NewRedisLimiter(cfg.RateLimitRedisAddr)
	}
	return ratelimit.NewInMemoryLimiter()
}

// defaultTierTools declares the broker's two built-in permission tiers:
// "trusted" sessions may call the full tool surface, "untrusted" ones
// (e.g. an agent acting on unreviewed external content) are limited to
// read-only and network-fetch tools.
func defaultTierTools() map[string][]string {
	return map[string][]string{
		"trusted":   {"Read", "Write", "Glob", "Grep", "Bash", "WebFetch"},
		"untrusted": {"Read", "Glob", "Grep", "WebFetch"},
	}
}
