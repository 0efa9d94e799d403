// Package proxy implements the HTTP Credential Proxy (spec.md §4.D): a
// per-host credential-injecting forward proxy the agent's tool calls route
// through instead of reaching the network directly.
//
// Hand-rolled rather than built on net/http/httputil.ReverseProxy: redirect
// following must be disabled and the request body must be capped
// mid-stream, both awkward to retrofit onto ReverseProxy's Director/
// ModifyResponse hooks, per spec.md §9's design note.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/agentsec/broker/pkg/audit"
	"github.com/agentsec/broker/pkg/brokererr"
	"github.com/agentsec/broker/pkg/netguard"
	"github.com/agentsec/broker/pkg/ratelimit"
	"github.com/agentsec/broker/pkg/session"
	"github.com/agentsec/broker/pkg/vault"
	"github.com/agentsec/broker/pkg/vaultrpc"
)

const (
	defaultMaxBodyBytes  = 10 << 20 // 10 MiB
	defaultUpstreamTimeout = 60 * time.Second
	proxyUserAgent       = "agentsec-broker-proxy/1"
)

var hopByHopHeaders = []string{
	"Transfer-Encoding", "Connection", "Keep-Alive", "Content-Encoding",
	"Proxy-Authenticate", "Proxy-Authorization", "Proxy-Connection",
	"Te", "Trailer", "Upgrade",
}

var forwardedRequestHeaders = []string{"Content-Type", "Content-Length", "Accept", "Accept-Language"}

// Config controls proxy behavior independent of wiring.
type Config struct {
	MaxBodyBytes        int64
	UpstreamTimeout     time.Duration
	SessionRateLimit    int
	ExposeHostsEndpoint bool

	// Transport overrides the upstream http.Client's RoundTripper. Nil
	// (the default) uses http.DefaultTransport; tests inject a RoundTripper
	// that redirects a literal IP target to a local httptest.Server.
	Transport http.RoundTripper
}

func (c Config) withDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = defaultUpstreamTimeout
	}
	if c.SessionRateLimit <= 0 {
		c.SessionRateLimit = 60
	}
	return c
}

// Handler implements http.Handler for the credential proxy surface.
type Handler struct {
	cfg     Config
	vault   *vaultrpc.Client
	session *session.Manager
	guard   *netguard.Guard
	limiter ratelimit.Limiter
	audit   *audit.Logger

	upstream *http.Client
}

// New builds a proxy Handler.
func New(cfg Config, vaultClient *vaultrpc.Client, sessionMgr *session.Manager, guard *netguard.Guard, limiter ratelimit.Limiter, auditLogger *audit.Logger) *Handler {
	cfg = cfg.withDefaults()
	return &Handler{
		cfg:     cfg,
		vault:   vaultClient,
		session: sessionMgr,
		guard:   guard,
		limiter: limiter,
		audit:   auditLogger,
		upstream: &http.Client{
			Timeout:   cfg.UpstreamTimeout,
			Transport: cfg.Transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health":
		h.handleHealth(w, r)
		return
	case r.URL.Path == "/hosts":
		h.handleHosts(w, r)
		return
	default:
		h.handleProxy(w, r)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.vault.Ping(); err != nil {
		brokererr.WriteHTTP(w, brokererr.Wrap(brokererr.KindVaultUnavailable, "vault unreachable", err))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) handleHosts(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.ExposeHostsEndpoint {
		brokererr.WriteHTTP(w, brokererr.New(brokererr.KindForbiddenPath, "hosts introspection disabled"))
		return
	}
	data, err := h.vault.List("http")
	if err != nil {
		brokererr.WriteHTTP(w, brokererr.Wrap(brokererr.KindVaultUnavailable, "vault unreachable", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID, err := h.admit(r)
	if err != nil {
		h.deny(w, r, "", err)
		return
	}

	rawPath := strings.TrimPrefix(r.URL.Path, "/")
	host, rest, err := splitHostAndRest(rawPath, r.URL.RawQuery)
	if err != nil {
		h.deny(w, r, sessionID, brokererr.Wrap(brokererr.KindBadRequest, "malformed target", err))
		return
	}

	if _, err := netguard.ValidateHostFormat(host); err != nil {
		h.deny(w, r, sessionID, brokererr.Wrap(brokererr.KindBadRequest, "invalid host", err))
		return
	}

	if err := h.guard.CheckHost(host); err != nil {
		h.deny(w, r, sessionID, brokererr.Wrap(brokererr.KindForbiddenHost, "host blocked", err))
		return
	}

	entryData, err := h.vault.Get("http", host)
	if err != nil {
		h.deny(w, r, sessionID, brokererr.Wrap(brokererr.KindForbiddenHost, "no credential configured for host", err))
		return
	}
	var entry vault.CredentialEntry
	if jsonErr := json.Unmarshal(entryData, &entry); jsonErr != nil {
		h.deny(w, r, sessionID, brokererr.Wrap(brokererr.KindInternal, "malformed vault entry", jsonErr))
		return
	}

	if len(entry.AllowedPaths) > 0 && !pathAllowed(entry.AllowedPaths, rest) {
		h.deny(w, r, sessionID, brokererr.New(brokererr.KindForbiddenPath, "path not allowed for host"))
		return
	}

	if err := ratelimit.Check(ctx, h.limiter, "session:"+sessionID, h.cfg.SessionRateLimit); err != nil {
		h.deny(w, r, sessionID, brokererr.Wrap(brokererr.KindRateLimited, "session rate limit exceeded", err))
		return
	}
	if entry.RateLimitPerMinute > 0 {
		if err := ratelimit.Check(ctx, h.limiter, "cred:"+entry.Protocol+":"+entry.Target, entry.RateLimitPerMinute); err != nil {
			h.deny(w, r, sessionID, brokererr.Wrap(brokererr.KindRateLimited, "credential rate limit exceeded", err))
			return
		}
	}

	upstreamReq, err := h.buildUpstreamRequest(ctx, r, host, rest, entry)
	if err != nil {
		h.deny(w, r, sessionID, err)
		return
	}

	resp, err := h.upstream.Do(upstreamReq)
	if err != nil {
		var bodyErr *brokererr.Error
		switch {
		case errors.As(err, &bodyErr) && bodyErr.Kind == brokererr.KindTooLarge:
			h.deny(w, r, sessionID, bodyErr)
		case ctx.Err() != nil:
			h.deny(w, r, sessionID, brokererr.Wrap(brokererr.KindUpstreamTimeout, "upstream request failed", err))
		default:
			h.deny(w, r, sessionID, brokererr.Wrap(brokererr.KindUpstreamError, "upstream request failed", err))
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		h.record(sessionID, host, audit.DecisionAllow, "proxy.redirect")
	} else {
		h.record(sessionID, host, audit.DecisionAllow, "proxy.ok")
	}

	copyResponse(w, resp)
}

func (h *Handler) admit(r *http.Request) (string, error) {
	if session.IsLoopback(r.RemoteAddr) {
		return session.RelayLocalSessionID, nil
	}
	token := extractSessionToken(r)
	if token == "" {
		return "", brokererr.New(brokererr.KindUnauthorized, "missing session token")
	}
	claims, err := h.session.Validate(token)
	if err != nil {
		return "", brokererr.Wrap(brokererr.KindUnauthorized, "invalid session token", err)
	}
	return claims.SessionID, nil
}

func extractSessionToken(r *http.Request) string {
	return r.Header.Get("X-Session")
}

func (h *Handler) buildUpstreamRequest(ctx context.Context, r *http.Request, host, rest string, entry vault.CredentialEntry) (*http.Request, error) {
	targetURL := "https://" + host + "/" + rest

	var body io.Reader = http.NoBody
	if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
		body = &limitedReader{r: r.Body, limit: h.cfg.MaxBodyBytes}
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL, body)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindBadRequest, "invalid upstream request", err)
	}

	for _, name := range forwardedRequestHeaders {
		if v := r.Header.Get(name); v != "" {
			upstreamReq.Header.Set(name, v)
		}
	}
	upstreamReq.Header.Set("User-Agent", proxyUserAgent)
	upstreamReq.Host = host

	applyCredential(upstreamReq, entry.Credential)

	return upstreamReq, nil
}

func applyCredential(req *http.Request, cred vault.Credential) {
	switch cred.Kind {
	case vault.KindBearer:
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	case vault.KindAPIKey:
		name := cred.HeaderName
		if name == "" {
			name = "X-API-Key"
		}
		req.Header.Set(name, cred.Header)
	case vault.KindBasic:
		req.SetBasicAuth(cred.Username, cred.Password)
	case vault.KindQuery:
		q := req.URL.Query()
		q.Set(cred.Param, cred.Token)
		req.URL.RawQuery = q.Encode()
	case vault.KindOAuth2:
		req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	}
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	dst := w.Header()
	for name, values := range resp.Header {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func isHopByHop(name string) bool {
	if strings.HasPrefix(strings.ToLower(name), "proxy-") {
		return true
	}
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func (h *Handler) deny(w http.ResponseWriter, r *http.Request, sessionID string, err error) {
	brokererr.WriteHTTP(w, err)
	h.record(sessionID, hostFromPath(r.URL.Path), audit.DecisionDeny, brokererr.AuditCategory(brokererr.KindOf(err)))
}

func (h *Handler) record(sessionID, host string, decision audit.Decision, category string) {
	if h.audit == nil {
		return
	}
	_ = h.audit.Record(audit.Event{
		Actor:     sessionID,
		Component: "proxy",
		Category:  category,
		Decision:  decision,
		Detail:    map[string]interface{}{"host": host},
	})
}

func hostFromPath(p string) string {
	p = strings.TrimPrefix(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return p
}

func splitHostAndRest(rawPath, rawQuery string) (host, rest string, err error) {
	if rawPath == "" {
		return "", "", brokererr.New(brokererr.KindBadRequest, "empty path")
	}
	parts := strings.SplitN(rawPath, "/", 2)
	host = parts[0]
	if len(parts) == 2 {
		rest = parts[1]
	}
	if rawQuery != "" {
		rest += "?" + rawQuery
	}
	return host, rest, nil
}

func pathAllowed(patterns []string, path string) bool {
	plain := path
	if i := strings.IndexByte(plain, '?'); i >= 0 {
		plain = plain[:i]
	}
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(plain) {
			return true
		}
	}
	return false
}

// limitedReader caps the number of bytes read from r, surfacing
// ErrBodyTooLarge once limit is exceeded instead of silently truncating.
type limitedReader struct {
	r     io.Reader
	limit int64
	read  int64
}

var ErrBodyTooLarge = brokererr.New(brokererr.KindTooLarge, "request body exceeds size limit")

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.read >= l.limit {
		return 0, ErrBodyTooLarge
	}
	if int64(len(p)) > l.limit-l.read {
		p = p[:l.limit-l.read]
	}
	n, err := l.r.Read(p)
	l.read += int64(n)
	return n, err
}
