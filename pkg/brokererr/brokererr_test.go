package brokererr_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentsec/broker/pkg/brokererr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndError(t *testing.T) {
	err := brokererr.New(brokererr.KindBadRequest, "missing field")
	assert.Equal(t, "missing field", err.Error())
	assert.Equal(t, brokererr.KindBadRequest, brokererr.KindOf(err))
}

func TestWrapHidesCauseFromMessage(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.1:443: connection refused")
	err := brokererr.Wrap(brokererr.KindUpstreamError, "upstream unreachable", cause)

	assert.Contains(t, err.Error(), "upstream unreachable")
	assert.Contains(t, err.Error(), cause.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, brokererr.KindInternal, brokererr.KindOf(errors.New("plain")))
	assert.Equal(t, brokererr.KindInternal, brokererr.KindOf(nil))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[brokererr.Kind]int{
		brokererr.KindUnauthorized:     http.StatusUnauthorized,
		brokererr.KindForbiddenHost:    http.StatusForbidden,
		brokererr.KindForbiddenPath:    http.StatusForbidden,
		brokererr.KindRateLimited:      http.StatusTooManyRequests,
		brokererr.KindTooLarge:         http.StatusRequestEntityTooLarge,
		brokererr.KindBadRequest:       http.StatusBadRequest,
		brokererr.KindUpstreamError:    http.StatusBadGateway,
		brokererr.KindUpstreamTimeout:  http.StatusGatewayTimeout,
		brokererr.KindVaultUnavailable: http.StatusServiceUnavailable,
		brokererr.Kind("unknown"):      http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, brokererr.HTTPStatus(kind), "kind=%s", kind)
	}
}

func TestAuditCategory(t *testing.T) {
	assert.Equal(t, "auth.denied", brokererr.AuditCategory(brokererr.KindUnauthorized))
	assert.Equal(t, "net.blocked", brokererr.AuditCategory(brokererr.KindForbiddenHost))
	assert.Equal(t, "broker.bug", brokererr.AuditCategory(brokererr.Kind("unknown")))
}

func TestWriteHTTPNeverLeaksCause(t *testing.T) {
	cause := errors.New("secret-bearing internal detail")
	err := brokererr.Wrap(brokererr.KindForbiddenHost, "host not allowed", cause)

	rec := httptest.NewRecorder()
	brokererr.WriteHTTP(rec, err)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "host not allowed")
	assert.NotContains(t, rec.Body.String(), cause.Error())
}

func TestWriteHTTPEscapesQuotesAndNewlines(t *testing.T) {
	err := brokererr.New(brokererr.KindBadRequest, "bad \"field\"\nvalue")
	rec := httptest.NewRecorder()
	brokererr.WriteHTTP(rec, err)

	assert.Contains(t, rec.Body.String(), `bad \"field\"\nvalue`)
}

func TestWriteHTTPUnknownErrorDefaultsInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	brokererr.WriteHTTP(rec, errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal error")
}
