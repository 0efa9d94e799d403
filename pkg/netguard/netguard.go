// Package netguard enforces the broker's SSRF floor and host allow-list,
// shared by the HTTP/LLM proxies (D, E) and the tool-call guardrail's
// network pre-hook (G).
//
// Adapted from pkg/boundary/perimeter.go's PerimeterEnforcer:
// kept its wildcard matchHost helper and allow/deny-list layering, dropped
// the generic PerimeterPolicy/Constraints/Enforcement schema (tool and
// data-class checks, temporal windows, audit-vs-enforce modes) since the
// broker's egress policy is exactly "blocked list ∪ private/metadata
// addresses, minus an explicit allow-list" — not a generic rule engine.
package netguard

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrHostDenied        = errors.New("netguard: host denied")
	ErrPrivateAddress    = errors.New("netguard: private or metadata address denied")
	ErrInvalidHostFormat = errors.New("netguard: invalid host format")
)

// hostPattern bounds what a config-supplied host looks like: spec.md §4.D's
// host-validation regex, reused here since the guardrail validates the
// same shape before a network call is ever attempted.
// cloud metadata endpoints blocked unconditionally regardless of mode.
var metadataHosts = []string{
	"169.254.169.254", // AWS/GCP/Azure instance metadata
	"metadata.google.internal",
	"metadata.azure.internal",
	"100.100.100.200", // Alibaba Cloud metadata
}

// Mode controls how the allow-list is enforced; the private/metadata
// blocklist below is never conditioned on Mode.
type Mode string

const (
	ModeStrict     Mode = "strict"
	ModePermissive Mode = "permissive"
	ModeOpen       Mode = "open"
)

// Guard enforces the host allow/deny policy for outbound requests.
type Guard struct {
	mode              Mode
	blockedDomains    []string
	additionalAllowed []string
}

// New builds a Guard. additionalAllowed only has an effect in
// ModePermissive/ModeOpen; ModeStrict rejects everything not explicitly
// resolved through a vault CredentialEntry for the target host.
func New(mode Mode, blockedDomains, additionalAllowed []string) *Guard {
	return &Guard{mode: mode, blockedDomains: blockedDomains, additionalAllowed: additionalAllowed}
}

// CheckHost validates host against the metadata/private-address floor and
// the configured blocked-domain list. It does not consult the vault —
// callers combine this with a CredentialEntry lookup for the allow-list
// proper.
func (g *Guard) CheckHost(host string) error {
	h := strings.ToLower(host)

	for _, meta := range metadataHosts {
		if h == meta {
			return fmt.Errorf("%w: %s", ErrPrivateAddress, host)
		}
	}

	if ip := net.ParseIP(stripPort(h)); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("%w: %s", ErrPrivateAddress, host)
		}
	} else if addrs, err := net.LookupIP(stripPort(h)); err == nil {
		for _, ip := range addrs {
			if isBlockedIP(ip) {
				return fmt.Errorf("%w: %s resolves to private address", ErrPrivateAddress, host)
			}
		}
	}

	for _, denied := range g.blockedDomains {
		if matchHost(denied, h) {
			return fmt.Errorf("%w: %s", ErrHostDenied, host)
		}
	}

	return nil
}

// IsAdditionallyAllowed reports whether host is covered by the operator's
// supplementary allow-list (only consulted in permissive/open mode).
func (g *Guard) IsAdditionallyAllowed(host string) bool {
	for _, pattern := range g.additionalAllowed {
		if matchHost(pattern, strings.ToLower(host)) {
			return true
		}
	}
	return false
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	// carrier-grade NAT, 100.64.0.0/10, used by some cloud metadata proxies
	if ip4 := ip.To4(); ip4 != nil && ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127 {
		return true
	}
	return false
}

// matchHost supports exact and "*.domain" wildcard matches, kept verbatim
// in behavior from that helper.
func matchHost(pattern, host string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		domain := pattern[2:]
		return strings.HasSuffix(host, domain) || host == domain
	}
	return pattern == host
}

// ValidateHostFormat enforces spec.md §4.D's host-syntax rule: no
// userinfo, no whitespace, no percent-encoding in the host segment, and a
// dot unless it's localhost.
func ValidateHostFormat(raw string) (string, error) {
	if strings.ContainsAny(raw, " \t\n@%") {
		return "", ErrInvalidHostFormat
	}
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		host = raw
		port = ""
	}
	if host == "" {
		return "", ErrInvalidHostFormat
	}
	if !hostRegexOK(host) {
		return "", ErrInvalidHostFormat
	}
	if !strings.Contains(host, ".") && host != "localhost" {
		return "", ErrInvalidHostFormat
	}
	if port != "" {
		return raw, nil
	}
	return host, nil
}

func hostRegexOK(host string) bool {
	if host == "" {
		return false
	}
	for i, c := range host {
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '-'
		if !ok {
			return false
		}
		if (i == 0 || i == len(host)-1) && c == '-' {
			return false
		}
	}
	return true
}

// ParseTargetURL parses a proxy-style target of the form "{host}/{rest}"
// plus an optional query, splitting host off for CheckHost/ValidateHostFormat.
func ParseTargetURL(hostAndRest string) (host, rest string, err error) {
	u, err := url.Parse("/" + strings.TrimPrefix(hostAndRest, "/"))
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", "", ErrInvalidHostFormat
	}
	host = parts[0]
	if len(parts) == 2 {
		rest = parts[1]
	}
	if u.RawQuery != "" {
		rest += "?" + u.RawQuery
	}
	return host, rest, nil
}
