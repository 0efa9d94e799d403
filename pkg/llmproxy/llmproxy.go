// Package llmproxy implements the LLM Proxy (spec.md §4.E): the same
// admission/forwarding model as the HTTP Credential Proxy, specialized
// for the agent's own LLM traffic with a shared proxy-token secret and
// single-flight OAuth refresh.
package llmproxy

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agentsec/broker/pkg/brokererr"
	"github.com/agentsec/broker/pkg/vault"
	"github.com/agentsec/broker/pkg/vaultrpc"
	"golang.org/x/sync/singleflight"
)

// Config controls llmproxy behavior.
type Config struct {
	ServiceURL         string
	ProxyToken         string
	OAuthRefreshMargin time.Duration
	EnvFallbackVar     string
	CredentialsFile    string
}

// Refresher performs the HTTP round trip to a token endpoint. Grounded on
// credentials/google_oauth.go's RefreshToken, generalized from a
// Google-specific endpoint to any refresh_url carried on the vault entry.
type Refresher struct {
	httpClient *http.Client
}

// NewRefresher builds a Refresher with a bounded-timeout client.
func NewRefresher() *Refresher {
	return &Refresher{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// RefreshResult is the subset of a token response the proxy persists.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

func (r *Refresher) refresh(ctx context.Context, refreshURL, clientID, refreshToken string) (*RefreshResult, error) {
	form := fmt.Sprintf("grant_type=refresh_token&refresh_token=%s&client_id=%s", refreshToken, clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, strings.NewReader(form))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llmproxy: refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llmproxy: refresh failed with status %d", resp.StatusCode)
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("llmproxy: decode refresh response: %w", err)
	}
	return &RefreshResult{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken, ExpiresIn: out.ExpiresIn}, nil
}

// TokenResolver resolves a usable access token for an LLM host, walking
// spec.md §4.E's ordered credential-source chain and performing
// single-flight OAuth refresh when the vault's token is near expiry.
//
// The process-wide singleflight.Group is the "pending_refresh" guard
// spec.md §4.E calls for: concurrent callers racing an expired token
// collapse into one in-flight refresh call.
type TokenResolver struct {
	cfg       Config
	vault     *vaultrpc.Client
	refresher *Refresher
	group     singleflight.Group
}

// NewTokenResolver builds a TokenResolver.
func NewTokenResolver(cfg Config, vaultClient *vaultrpc.Client, refresher *Refresher) *TokenResolver {
	if refresher == nil {
		refresher = NewRefresher()
	}
	return &TokenResolver{cfg: cfg, vault: vaultClient, refresher: refresher}
}

// Resolve walks: (1) vault api-key entry for host, (2) vault oauth2
// entry (refreshing if near expiry), (3) an environment variable,
// (4) a credentials file on disk.
func (t *TokenResolver) Resolve(ctx context.Context, host string) (string, error) {
	if data, err := t.vault.Get("http", host); err == nil {
		var entry vault.CredentialEntry
		if json.Unmarshal(data, &entry) == nil && entry.Credential.Kind == vault.KindAPIKey {
			return entry.Credential.Header, nil
		}
	}

	if data, err := t.vault.Get("oauth", host); err == nil {
		var entry vault.CredentialEntry
		if json.Unmarshal(data, &entry) == nil && entry.Credential.Kind == vault.KindOAuth2 {
			return t.resolveOAuth(ctx, host, entry)
		}
	}

	if t.cfg.EnvFallbackVar != "" {
		if v := os.Getenv(t.cfg.EnvFallbackVar); v != "" {
			return v, nil
		}
	}

	if t.cfg.CredentialsFile != "" {
		if data, err := os.ReadFile(t.cfg.CredentialsFile); err == nil {
			return strings.TrimSpace(string(data)), nil
		}
	}

	return "", brokererr.New(brokererr.KindForbiddenHost, "no credential available for host")
}

func (t *TokenResolver) resolveOAuth(ctx context.Context, host string, entry vault.CredentialEntry) (string, error) {
	margin := t.cfg.OAuthRefreshMargin
	if margin <= 0 {
		margin = 5 * time.Minute
	}

	needsRefresh := entry.Credential.ExpiresAt != nil && time.Until(*entry.Credential.ExpiresAt) < margin
	if !needsRefresh {
		return entry.Credential.AccessToken, nil
	}

	result, err, _ := t.group.Do("oauth-refresh:"+host, func() (interface{}, error) {
		refreshURL := entry.Credential.RefreshURL
		if refreshURL == "" {
			return nil, fmt.Errorf("llmproxy: no refresh_url configured for %s", host)
		}
		rr, err := t.refresher.refresh(ctx, refreshURL, entry.Credential.ClientID, entry.Credential.RefreshToken)
		if err != nil {
			return nil, err
		}
		expiresAt := time.Now().Add(time.Duration(rr.ExpiresIn) * time.Second)
		refreshToken := rr.RefreshToken
		if refreshToken == "" {
			refreshToken = entry.Credential.RefreshToken
		}
		if err := t.vault.Store("oauth", host, vault.Credential{
			Kind:         vault.KindOAuth2,
			AccessToken:  rr.AccessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    &expiresAt,
			RefreshURL:   entry.Credential.RefreshURL,
			ClientID:     entry.Credential.ClientID,
		}, entry.Label, entry.AllowedPaths, entry.RateLimitPerMinute); err != nil {
			return nil, fmt.Errorf("llmproxy: persist refreshed token: %w", err)
		}
		return rr.AccessToken, nil
	})
	if err != nil {
		// Refresh failed: fall back to the last known (expired) token rather
		// than erroring the caller's request, and mark the vault entry
		// expired so the next request retries the refresh.
		_ = t.vault.Expire("oauth", host)
		return entry.Credential.AccessToken, nil
	}
	return result.(string), nil
}

// AdmitProxyToken validates the shared-secret proxy token via
// constant-time comparison, accepting either Authorization: Bearer or
// X-API-Key, and requires the caller be a private-IP client.
func AdmitProxyToken(r *http.Request, expected string) error {
	if !isPrivateClient(r.RemoteAddr) {
		return brokererr.New(brokererr.KindUnauthorized, "llm proxy only accepts private-network clients")
	}

	var supplied string
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		supplied = strings.TrimPrefix(auth, "Bearer ")
	} else if key := r.Header.Get("X-API-Key"); key != "" {
		supplied = key
	}

	if supplied == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(expected)) != 1 {
		return brokererr.New(brokererr.KindUnauthorized, "invalid proxy token")
	}
	return nil
}

func isPrivateClient(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
