package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamchainz/django-mysql-sub000/internal/infrastructure/httpserver/middleware"
)

type limiterStub struct {
	allowed bool
	err     error
	subject string
}

func (l *limiterStub) Allow(ctx context.Context, subject string) (bool, int, int, time.Time, error) {
	l.subject = subject
	return l.allowed, 3, 10, time.Unix(1_700_000_060, 0), l.err
}

func run(t *testing.T, m *middleware.RateLimitMiddleware) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	rec := httptest.NewRecorder()
	h := m.Handler()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	return rec, h(e.NewContext(req, rec))
}

func TestRateLimit_Allowed(t *testing.T) {
	stub := &limiterStub{allowed: true}
	rec, err := run(t, middleware.NewRateLimitMiddleware(stub, logrus.New()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "192.0.2.7", stub.subject)
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1700000060", rec.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_Denied(t *testing.T) {
	_, err := run(t, middleware.NewRateLimitMiddleware(&limiterStub{allowed: false}, logrus.New()))
	require.Error(t, err)
	htErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, htErr.Code)
}

func TestRateLimit_FailOpen(t *testing.T) {
	rec, err := run(t, middleware.NewRateLimitMiddleware(&limiterStub{allowed: true, err: errors.New("db down")}, logrus.New()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_Disabled(t *testing.T) {
	rec, err := run(t, middleware.NewRateLimitMiddleware(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}
