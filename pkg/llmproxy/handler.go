package llmproxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentsec/broker/pkg/attachments"
	"github.com/agentsec/broker/pkg/audit"
	"github.com/agentsec/broker/pkg/brokererr"
	"github.com/agentsec/broker/pkg/outputguard"
	"github.com/agentsec/broker/pkg/ratelimit"
)

const defaultMaxBodyBytes = 10 << 20

var llmHopByHopHeaders = []string{
	"Transfer-Encoding", "Connection", "Keep-Alive", "Content-Encoding",
	"Proxy-Authenticate", "Proxy-Authorization", "Proxy-Connection",
	"Te", "Trailer", "Upgrade",
}

// Handler implements http.Handler for the LLM proxy surface: it admits the
// shared proxy token, resolves a credential via TokenResolver, and forwards
// the request to the fixed LLM service origin.
type Handler struct {
	origin      *url.URL
	proxyToken  string
	resolver    *TokenResolver
	limiter     ratelimit.Limiter
	rateLimit   int
	auditLogger *audit.Logger
	upstream    *http.Client
	attachments *attachments.Interceptor
	outputGuard *outputguard.Guard
}

// NewHandler builds the LLM proxy Handler. serviceURL is the fixed origin
// every request is reconstructed against, so a caller cannot smuggle
// `https://evil@api.vendor`-shaped hosts into the path. attachmentInterceptor
// and outputGuard are optional (nil disables the corresponding response
// rewrite/scan); when present they run, in that order, over every JSON
// response body before it is relayed to the caller, per spec.md §4.F/§4.H's
// framing of both as checkpoints on provider response traffic.
func NewHandler(serviceURL, proxyToken string, resolver *TokenResolver, limiter ratelimit.Limiter, rateLimit int, auditLogger *audit.Logger, attachmentInterceptor *attachments.Interceptor, outputGuard *outputguard.Guard) (*Handler, error) {
	origin, err := url.Parse(serviceURL)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, brokererr.New(brokererr.KindBadRequest, "llmproxy: invalid service url")
	}
	if rateLimit <= 0 {
		rateLimit = 60
	}
	return &Handler{
		origin:      origin,
		proxyToken:  proxyToken,
		resolver:    resolver,
		limiter:     limiter,
		rateLimit:   rateLimit,
		auditLogger: auditLogger,
		attachments: attachmentInterceptor,
		outputGuard: outputGuard,
		upstream: &http.Client{
			Timeout: 60 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
		return
	}

	if err := AdmitProxyToken(r, h.proxyToken); err != nil {
		h.deny(w, r, err)
		return
	}

	restPath, err := hygienicPath(r.URL.Path)
	if err != nil {
		h.deny(w, r, brokererr.Wrap(brokererr.KindBadRequest, "malformed path", err))
		return
	}

	if err := ratelimit.Check(r.Context(), h.limiter, "llm:"+r.RemoteAddr, h.rateLimit); err != nil {
		h.deny(w, r, brokererr.Wrap(brokererr.KindRateLimited, "llm proxy rate limit exceeded", err))
		return
	}

	token, err := h.resolver.Resolve(r.Context(), h.origin.Host)
	if err != nil {
		h.deny(w, r, err)
		return
	}

	target := *h.origin
	target.Path = restPath
	target.RawQuery = r.URL.RawQuery

	var body io.Reader = http.NoBody
	if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
		body = &limitedReader{r: r.Body, limit: defaultMaxBodyBytes}
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		h.deny(w, r, brokererr.Wrap(brokererr.KindBadRequest, "invalid upstream request", err))
		return
	}
	upstreamReq.Header.Set("Content-Type", r.Header.Get("Content-Type"))
	upstreamReq.Header.Set("Authorization", "Bearer "+token)
	upstreamReq.Host = h.origin.Host

	resp, err := h.upstream.Do(upstreamReq)
	if err != nil {
		var bodyErr *brokererr.Error
		switch {
		case errors.As(err, &bodyErr) && bodyErr.Kind == brokererr.KindTooLarge:
			h.deny(w, r, bodyErr)
		case r.Context().Err() != nil:
			h.deny(w, r, brokererr.Wrap(brokererr.KindUpstreamTimeout, "llm upstream request failed", err))
		default:
			h.deny(w, r, brokererr.Wrap(brokererr.KindUpstreamError, "llm upstream request failed", err))
		}
		return
	}
	defer resp.Body.Close()

	respBody, err := h.processResponse(r.Context(), resp)
	if err != nil {
		h.deny(w, r, brokererr.Wrap(brokererr.KindInternal, "response processing failed", err))
		return
	}

	h.record(audit.DecisionAllow, "llmproxy.ok")
	dst := w.Header()
	for name, values := range resp.Header {
		if isLLMHopByHop(name) || strings.EqualFold(name, "Content-Length") {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

// processResponse runs the attachment interceptor (F) and output guard (H)
// over a JSON response body in sequence, before it reaches the caller.
// Non-JSON or oversized bodies pass through unscanned rather than being
// buffered in full.
func (h *Handler) processResponse(ctx context.Context, resp *http.Response) ([]byte, error) {
	if !strings.Contains(resp.Header.Get("Content-Type"), "json") {
		return io.ReadAll(io.LimitReader(resp.Body, defaultMaxBodyBytes))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxBodyBytes))
	if err != nil {
		return nil, err
	}

	if h.attachments != nil {
		rewritten, err := h.attachments.Rewrite(ctx, body)
		if err != nil {
			return nil, err
		}
		body = rewritten
	}

	if h.outputGuard != nil {
		if blocked, notice, _ := h.outputGuard.Check(string(body)); blocked {
			h.record(audit.DecisionDeny, "llmproxy.output_guard")
			return []byte(notice), nil
		}
	}

	return body, nil
}

// hygienicPath percent-decodes the request path and rejects traversal,
// backslash, or double-leading-slash constructions, per spec.md §4.E.
func hygienicPath(raw string) (string, error) {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", err
	}
	if strings.Contains(decoded, "..") || strings.Contains(decoded, "\\") || strings.HasPrefix(decoded, "//") {
		return "", brokererr.New(brokererr.KindBadRequest, "path traversal rejected")
	}
	return decoded, nil
}

func isLLMHopByHop(name string) bool {
	if strings.HasPrefix(strings.ToLower(name), "proxy-") {
		return true
	}
	for _, h := range llmHopByHopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func (h *Handler) deny(w http.ResponseWriter, r *http.Request, err error) {
	brokererr.WriteHTTP(w, err)
	h.record(audit.DecisionDeny, brokererr.AuditCategory(brokererr.KindOf(err)))
}

func (h *Handler) record(decision audit.Decision, category string) {
	if h.auditLogger == nil {
		return
	}
	_ = h.auditLogger.Record(audit.Event{
		Component: "llmproxy",
		Category:  category,
		Decision:  decision,
	})
}

// errBodyTooLarge is the sentinel surfaced once a request body exceeds
// defaultMaxBodyBytes, mirroring pkg/proxy's limitedReader: a streaming
// reader that errors instead of silently truncating the upstream payload.
var errBodyTooLarge = brokererr.New(brokererr.KindTooLarge, "request body exceeds size limit")

type limitedReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.read >= l.limit {
		return 0, errBodyTooLarge
	}
	if int64(len(p)) > l.limit-l.read {
		p = p[:l.limit-l.read]
	}
	n, err := l.r.Read(p)
	l.read += int64(n)
	return n, err
}
