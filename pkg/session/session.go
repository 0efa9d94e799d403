// Package session mints and validates the short-lived capability tokens
// handed to agent sessions, per spec.md §4.C.
//
// Grounded on pkg/identity/token.go's TokenManager shape,
// narrowed from RSA/KeySet-backed IdentityClaims to a single process-wide
// HMAC-SHA256 signing key, since the broker has no multi-tenant key
// rotation surface to justify KeySet's complexity.
package session

import (
	"errors"
	"net"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RelayLocalSessionID is the sentinel session ID recognized only when the
// request originates from loopback, per spec.md §4.C.
const RelayLocalSessionID = "relay-local"

var (
	ErrInvalidToken = errors.New("session: invalid or expired token")
	ErrNoSigningKey = errors.New("session: no signing key configured")
)

// tokenVersion is the current schema version. Validate rejects any other
// value so a future claims-shape change can't be silently misread.
const tokenVersion = 1

// Claims is the payload signed into every token.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id"`
	Version   int    `json:"ver"`
}

// Manager mints and validates session tokens against a single process-wide
// HMAC key.
type Manager struct {
	key []byte
}

// NewManager builds a Manager from the raw signing key material.
func NewManager(signingKey string) (*Manager, error) {
	if signingKey == "" {
		return nil, ErrNoSigningKey
	}
	return &Manager{key: []byte(signingKey)}, nil
}

// Issue mints a token for sessionID valid for ttl.
func (m *Manager) Issue(sessionID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "agentsec-broker",
		},
		SessionID: sessionID,
		Version:   tokenVersion,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.key)
}

// Validate parses and validates tokenString, returning the embedded
// session ID. Rejects on signature mismatch, expiry, or wrong algorithm;
// the JWT library's HMAC comparison is constant-time by construction.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return m.key, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Version != tokenVersion {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IsLoopback reports whether addr (as seen on a net.Conn/http.Request
// RemoteAddr) is a loopback address, the only context in which the
// "relay-local" sentinel session ID is honored.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
