package proxy_test

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentsec/broker/pkg/audit"
	"github.com/agentsec/broker/pkg/netguard"
	"github.com/agentsec/broker/pkg/proxy"
	"github.com/agentsec/broker/pkg/ratelimit"
	"github.com/agentsec/broker/pkg/session"
	"github.com/agentsec/broker/pkg/vault"
	"github.com/agentsec/broker/pkg/vaultrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	handler    *proxy.Handler
	store      *vault.Store
	sessionMgr *session.Manager
}

// newTestEnv wires a Handler against an in-process vault and vaultrpc
// socket, same as production, with cfg supplying whatever per-test overrides
// are needed (ExposeHostsEndpoint, MaxBodyBytes, Transport).
func newTestEnv(t *testing.T, cfg proxy.Config) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := vault.Open(filepath.Join(dir, "vault.json"), "passphrase")
	require.NoError(t, err)

	logger := audit.NewLoggerWithWriter(io.Discard)

	socketPath := filepath.Join(dir, "vault.sock")
	server := vaultrpc.NewServer(store, logger, time.Second)
	require.NoError(t, server.Listen(socketPath))
	go server.Serve(t.Context())
	t.Cleanup(func() { server.Close() })

	vaultClient := vaultrpc.NewClient(socketPath, time.Second)
	require.Eventually(t, func() bool { return vaultClient.Ping() == nil }, time.Second, 10*time.Millisecond)

	sessionMgr, err := session.NewManager("test-signing-key-long-enough")
	require.NoError(t, err)

	guard := netguard.New(netguard.ModeStrict, nil, nil)
	limiter := ratelimit.NewInMemoryLimiter()

	cfg.SessionRateLimit = 1000
	handler := proxy.New(cfg, vaultClient, sessionMgr, guard, limiter, logger)

	return &testEnv{handler: handler, store: store, sessionMgr: sessionMgr}
}

// redirectingTransport dials srv's listener for every request regardless of
// the requested host, so tests can address a real public-looking IP (which
// clears netguard's SSRF floor) while the connection actually lands on a
// local httptest.Server.
func redirectingTransport(srv *httptest.Server) http.RoundTripper {
	addr := srv.Listener.Addr().String()
	return &http.Transport{
		DialTLSContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := tls.Dialer{Config: &tls.Config{InsecureSkipVerify: true}}
			return d.DialContext(ctx, network, addr)
		},
	}
}

func TestProxy_Health_OK(t *testing.T) {
	env := newTestEnv(t, proxy.Config{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestProxy_Hosts_DisabledByDefault(t *testing.T) {
	env := newTestEnv(t, proxy.Config{})
	req := httptest.NewRequest(http.MethodGet, "/hosts", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestProxy_NoSessionAndNotLoopback_Returns401(t *testing.T) {
	env := newTestEnv(t, proxy.Config{})
	req := httptest.NewRequest(http.MethodGet, "/api.example.com/v1/widgets", nil)
	req.RemoteAddr = "93.184.216.34:54321"
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProxy_InvalidSessionToken_Returns401(t *testing.T) {
	env := newTestEnv(t, proxy.Config{})
	req := httptest.NewRequest(http.MethodGet, "/api.example.com/v1/widgets", nil)
	req.RemoteAddr = "93.184.216.34:54321"
	req.Header.Set("X-Session", "garbage")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProxy_NoCredentialForHost_Returns403(t *testing.T) {
	env := newTestEnv(t, proxy.Config{})
	req := httptest.NewRequest(http.MethodGet, "/api.example.com/v1/widgets", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestProxy_BlockedPrivateHost_Returns403(t *testing.T) {
	env := newTestEnv(t, proxy.Config{})
	req := httptest.NewRequest(http.MethodGet, "/169.254.169.254/latest/meta-data", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestProxy_PathNotAllowed_Returns403(t *testing.T) {
	env := newTestEnv(t, proxy.Config{})
	require.NoError(t, env.store.Store("http", "api.example.com", vault.Credential{Kind: vault.KindBearer, Token: "t"}, vault.WithAllowedPaths([]string{"^v1/allowed$"})))

	req := httptest.NewRequest(http.MethodGet, "/api.example.com/v1/forbidden", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestProxy_RelayLocalSentinel_OnlyHonoredFromLoopback(t *testing.T) {
	env := newTestEnv(t, proxy.Config{})
	require.NoError(t, env.store.Store("http", "api.example.com", vault.Credential{Kind: vault.KindBearer, Token: "t"}))

	req := httptest.NewRequest(http.MethodGet, "/api.example.com/v1/widgets", nil)
	req.RemoteAddr = "93.184.216.34:54321"
	req.Header.Set("X-Session", "relay-local")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

// TestProxy_HappyPath_InjectsCredentialAndStripsHopByHop covers spec.md §8
// scenario 1: a vault entry for a bearer credential, a POST relayed to the
// upstream, the injected Authorization header arriving intact, and a
// hop-by-hop response header (Transfer-Encoding) stripped before relay.
func TestProxy_HappyPath_InjectsCredentialAndStripsHopByHop(t *testing.T) {
	var gotAuth, gotBody string
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Transfer-Encoding", "chunked")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, proxy.Config{Transport: redirectingTransport(upstream)})
	require.NoError(t, env.store.Store("http", "93.184.216.34", vault.Credential{Kind: vault.KindBearer, Token: "sk-test-XYZ"}))

	req := httptest.NewRequest(http.MethodPost, "/93.184.216.34/v1/images/generations", strings.NewReader(`{"prompt":"x"}`))
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Bearer sk-test-XYZ", gotAuth)
	assert.Equal(t, `{"prompt":"x"}`, gotBody)
	assert.Equal(t, "yes", w.Header().Get("X-Upstream"))
	assert.Empty(t, w.Header().Get("Transfer-Encoding"))
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

// TestProxy_RedirectPassthrough_NotFollowed covers the 3xx branch: the
// upstream's redirect response is relayed to the caller unfollowed, per the
// handler's CheckRedirect hook returning http.ErrUseLastResponse.
func TestProxy_RedirectPassthrough_NotFollowed(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://upstream.example/elsewhere")
		w.WriteHeader(http.StatusFound)
	}))
	defer upstream.Close()

	env := newTestEnv(t, proxy.Config{Transport: redirectingTransport(upstream)})
	require.NoError(t, env.store.Store("http", "93.184.216.34", vault.Credential{Kind: vault.KindBearer, Token: "t"}))

	req := httptest.NewRequest(http.MethodGet, "/93.184.216.34/v1/redirecting", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://upstream.example/elsewhere", w.Header().Get("Location"))
}

// TestProxy_OversizedBody_Returns413 covers spec.md §4.D step 8 / §7: a
// request body exceeding the configured limit is rejected with 413 rather
// than silently truncated and forwarded.
func TestProxy_OversizedBody_Returns413(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be reached for an oversized body")
	}))
	defer upstream.Close()

	env := newTestEnv(t, proxy.Config{Transport: redirectingTransport(upstream), MaxBodyBytes: 8})
	require.NoError(t, env.store.Store("http", "93.184.216.34", vault.Credential{Kind: vault.KindBearer, Token: "t"}))

	req := httptest.NewRequest(http.MethodPost, "/93.184.216.34/v1/widgets", strings.NewReader("this body is well over the eight byte limit"))
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
