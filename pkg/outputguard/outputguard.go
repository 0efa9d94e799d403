// Package outputguard implements the Output Guard (spec.md §4.H): a
// secret-pattern and Shannon-entropy scanner run on any text about to
// cross to an external sink. Patterns are compiled once at package init
// so the scanner never recompiles a regexp per call (spec.md §9's
// "structured so the scanner is generated/compiled once at startup").
package outputguard

import (
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
)

const redactionNotice = "[redacted: this message was blocked by the output guard]"

// MatchKind names which sub-check (or which known pattern) fired.
type MatchKind string

const (
	KindTelegramToken MatchKind = "telegram_token"
	KindAnthropicKey  MatchKind = "anthropic_key"
	KindOpenAIKey     MatchKind = "openai_key"
	KindGitHubPAT     MatchKind = "github_pat"
	KindAWSAccessKey  MatchKind = "aws_access_key"
	KindSSHPrivateKey MatchKind = "ssh_private_key"
	KindJWT           MatchKind = "jwt"
	KindSlackToken    MatchKind = "slack_token"
	KindBearerHeader  MatchKind = "bearer_header"
	KindHighEntropy   MatchKind = "high_entropy"
)

// namedPatterns is the known-shape secret-pattern list, compiled once at
// init. Every pattern is anchored where the shape allows it and built to
// avoid nested-quantifier backtracking blowups (spec.md §4.H/§8).
var namedPatterns = []struct {
	kind MatchKind
	re   *regexp.Regexp
}{
	{KindTelegramToken, regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{35}\b`)},
	{KindAnthropicKey, regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{20,}\b`)},
	{KindOpenAIKey, regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`)},
	{KindGitHubPAT, regexp.MustCompile(`\bgh[pos]_[A-Za-z0-9]{20,}\b`)},
	{KindAWSAccessKey, regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`)},
	{KindSSHPrivateKey, regexp.MustCompile(`-----BEGIN (RSA |OPENSSH |EC |DSA )?PRIVATE KEY-----`)},
	{KindJWT, regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{5,}\.[A-Za-z0-9_-]{5,}\.[A-Za-z0-9_-]{5,}\b`)},
	{KindSlackToken, regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
	{KindBearerHeader, regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._-]{20,}\b`)},
}

// EntropyConfig controls the opt-in high-entropy substring heuristic.
type EntropyConfig struct {
	Enabled       bool
	MinLength     int     // default 32
	MinBitsPerSym float64 // default 4.0
}

// Guard scans text for known secret shapes and, if enabled, high-entropy
// substrings.
type Guard struct {
	entropy EntropyConfig
}

// New builds a Guard. A zero-value EntropyConfig disables the entropy
// heuristic.
func New(entropy EntropyConfig) *Guard {
	if entropy.MinLength <= 0 {
		entropy.MinLength = 32
	}
	if entropy.MinBitsPerSym <= 0 {
		entropy.MinBitsPerSym = 4.0
	}
	return &Guard{entropy: entropy}
}

// Match is one flagged span.
type Match struct {
	Kind MatchKind
	Text string
}

// Scan returns every match found in text across all encodings considered
// (raw, base64-decoded, hex-decoded, percent-decoded), per spec.md §4.H's
// "the scanner must also consider base64-, hex-, and percent-encoded
// forms of its inputs."
func (g *Guard) Scan(text string) []Match {
	var matches []Match
	for _, candidate := range decodings(text) {
		matches = append(matches, g.scanPlain(candidate)...)
	}
	return dedupe(matches)
}

// Check reports whether text should be blocked, returning the redaction
// notice and the matches that triggered it when so.
func (g *Guard) Check(text string) (blocked bool, notice string, matches []Match) {
	matches = g.Scan(text)
	if len(matches) == 0 {
		return false, "", nil
	}
	return true, redactionNotice, matches
}

func (g *Guard) scanPlain(text string) []Match {
	var matches []Match
	for _, p := range namedPatterns {
		for _, m := range p.re.FindAllString(text, -1) {
			matches = append(matches, Match{Kind: p.kind, Text: m})
		}
	}
	if g.entropy.Enabled {
		matches = append(matches, scanEntropy(text, g.entropy.MinLength, g.entropy.MinBitsPerSym)...)
	}
	return matches
}

// decodings returns text plus its base64-, hex-, and percent-decoded
// forms (when decodable), so encoded secrets are still caught.
func decodings(text string) []string {
	out := []string{text}
	if b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text)); err == nil && isPrintable(b) {
		out = append(out, string(b))
	}
	if b, err := hex.DecodeString(strings.TrimSpace(text)); err == nil && isPrintable(b) {
		out = append(out, string(b))
	}
	if decoded, err := url.QueryUnescape(text); err == nil && decoded != text {
		out = append(out, decoded)
	}
	return out
}

func isPrintable(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < 0x09 || (c > 0x0d && c < 0x20) {
			return false
		}
	}
	return true
}

func dedupe(matches []Match) []Match {
	seen := make(map[string]bool, len(matches))
	out := matches[:0]
	for _, m := range matches {
		key := string(m.Kind) + "|" + m.Text
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}
