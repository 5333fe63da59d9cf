package routes

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bookingescrow/crypto"
	"bookingescrow/gateway/middleware"
)

func echoCaller() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := middleware.CallerFromContext(r.Context())
		if !ok {
			_, _ = w.Write([]byte("anonymous"))
			return
		}
		_, _ = w.Write([]byte(crypto.FormatIdentity(caller)))
	})
}

func TestRouterRequiresRPCHandler(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestRouterAuthenticatesRPC(t *testing.T) {
	const secret = "router-secret"
	payer := crypto.DeriveIdentity("payer")
	handler, err := New(Config{
		RPC:           echoCaller(),
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: secret}, nil),
	})
	require.NoError(t, err)

	token, err := middleware.IssueToken(secret, payer, "", "", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, crypto.FormatIdentity(payer), res.Body.String())

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader("{}")))
	require.Equal(t, "anonymous", res.Body.String())

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/rpc", nil))
	require.Equal(t, http.StatusMethodNotAllowed, res.Code)
}

func TestRouterRateLimitsRPC(t *testing.T) {
	handler, err := New(Config{
		RPC:         echoCaller(),
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimit{RequestsPerMinute: 1, Burst: 1}, nil),
	})
	require.NoError(t, err)
	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader("{}")))
		codes = append(codes, res.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRouterHealthAndMetrics(t *testing.T) {
	healthy := true
	handler, err := New(Config{
		RPC: echoCaller(),
		Health: map[string]HealthCheck{
			"custody": func() error {
				if healthy {
					return nil
				}
				return errors.New("custody mismatch")
			},
		},
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{Enabled: true}, nil),
	})
	require.NoError(t, err)

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), `"custody":"ok"`)

	healthy = false
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, res.Code)
	require.Contains(t, res.Body.String(), "custody mismatch")

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), "escrow_http_requests_total")
}
