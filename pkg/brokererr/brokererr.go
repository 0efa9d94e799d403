// Package brokererr defines the broker's stable error kinds and maps them
// to HTTP status codes and audit categories, following the sentinel-error
// idiom used throughout the broker's component packages.
package brokererr

import (
	"errors"
	"net/http"
)

// Kind is a stable error category surfaced to callers and the audit log.
type Kind string

const (
	KindUnauthorized     Kind = "unauthorized"
	KindForbiddenHost    Kind = "forbidden_host"
	KindForbiddenPath    Kind = "forbidden_path"
	KindRateLimited      Kind = "rate_limited"
	KindTooLarge         Kind = "too_large"
	KindBadRequest       Kind = "bad_request"
	KindUpstreamError    Kind = "upstream_error"
	KindUpstreamTimeout  Kind = "upstream_timeout"
	KindVaultUnavailable Kind = "vault_unavailable"
	KindInternal         Kind = "internal"
)

// Error is a broker error carrying a stable kind alongside the wrapped
// cause. The wrapped cause's text is never sent to the caller — only
// Message is, which must never contain credential material, full upstream
// URLs, or filesystem paths outside the documented layout.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a broker error of the given kind with a caller-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a broker error of the given kind, keeping the original error
// attached for logging but never for the wire.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the Kind of err, defaulting to KindInternal if err is not
// (or does not wrap) a *Error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind to the status code spec.md §7 assigns it.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbiddenHost, KindForbiddenPath:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUpstreamError:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindVaultUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AuditCategory maps a Kind to the stable audit category spec.md §7 names.
func AuditCategory(kind Kind) string {
	switch kind {
	case KindUnauthorized:
		return "auth.denied"
	case KindForbiddenHost:
		return "net.blocked"
	case KindForbiddenPath:
		return "policy.denied"
	case KindRateLimited:
		return "rate.limited"
	case KindTooLarge:
		return "io.limit"
	case KindBadRequest:
		return "input.invalid"
	case KindUpstreamError:
		return "upstream.fail"
	case KindUpstreamTimeout:
		return "upstream.timeout"
	case KindVaultUnavailable:
		return "vault.fail"
	default:
		return "broker.bug"
	}
}

// WriteHTTP writes the caller-safe representation of err to w as a JSON
// body, mapping its Kind to status code. It never writes err's wrapped
// cause.
func WriteHTTP(w http.ResponseWriter, err error) {
	var be *Error
	message := "internal error"
	kind := KindInternal
	if errors.As(err, &be) {
		kind = be.Kind
		message = be.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(kind))
	_, _ = w.Write([]byte(`{"error":"` + jsonEscape(message) + `"}`))
}

func jsonEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"', '\\':
			out = append(out, '\\', c)
		case '\n':
			out = append(out, '\\', 'n')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
