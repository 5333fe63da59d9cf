package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"bookingescrow/crypto"
)

const testSecret = "escrow-test-secret"

func callerEcho(t *testing.T) (http.Handler, *[20]byte, *bool) {
	t.Helper()
	var seen [20]byte
	var found bool
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, found = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}), &seen, &found
}

func TestAuthenticatorResolvesSubject(t *testing.T) {
	payer := crypto.DeriveIdentity("payer")
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "escrowd", Audience: "ledger"}, nil)
	next, seen, found := callerEcho(t)

	token, err := IssueToken(testSecret, payer, "escrowd", "ledger", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	auth.Middleware()(next).ServeHTTP(res, req)

	require.Equal(t, http.StatusOK, res.Code)
	require.True(t, *found)
	require.Equal(t, payer, *seen)
}

func TestAuthenticatorAnonymousPassThrough(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret}, nil)
	next, _, found := callerEcho(t)
	res := httptest.NewRecorder()
	auth.Middleware()(next).ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/rpc", nil))
	require.Equal(t, http.StatusOK, res.Code)
	require.False(t, *found)
}

func TestAuthenticatorRejectsBadTokens(t *testing.T) {
	payer := crypto.DeriveIdentity("payer")
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Audience: "ledger"}, nil)

	wrongSecret, err := IssueToken("other-secret", payer, "", "ledger", time.Minute)
	require.NoError(t, err)
	wrongAudience, err := IssueToken(testSecret, payer, "", "billing", time.Minute)
	require.NoError(t, err)
	expired, err := IssueToken(testSecret, payer, "", "ledger", -time.Hour)
	require.NoError(t, err)
	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "not-an-identity",
		"aud": "ledger",
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"wrong secret":   wrongSecret,
		"wrong audience": wrongAudience,
		"expired":        expired,
		"bad subject":    badSubject,
	} {
		t.Run(name, func(t *testing.T) {
			next, _, _ := callerEcho(t)
			req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			res := httptest.NewRecorder()
			auth.Middleware()(next).ServeHTTP(res, req)
			require.Equal(t, http.StatusUnauthorized, res.Code)
		})
	}
}

func TestAuthenticatorDisabledTrustsCallerHeader(t *testing.T) {
	payer := crypto.DeriveIdentity("payer")
	auth := NewAuthenticator(AuthConfig{}, nil)

	next, seen, found := callerEcho(t)
	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	req.Header.Set(HeaderCaller, crypto.FormatIdentity(payer))
	res := httptest.NewRecorder()
	auth.Middleware()(next).ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.True(t, *found)
	require.Equal(t, payer, *seen)

	next, _, found = callerEcho(t)
	res = httptest.NewRecorder()
	auth.Middleware()(next).ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/rpc", nil))
	require.Equal(t, http.StatusOK, res.Code)
	require.False(t, *found)

	req = httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set(HeaderCaller, "esc1garbage")
	res = httptest.NewRecorder()
	auth.Middleware()(next).ServeHTTP(res, req)
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestAuthenticatorEnabledIgnoresCallerHeader(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret}, nil)
	next, _, found := callerEcho(t)
	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set(HeaderCaller, crypto.FormatIdentity(crypto.DeriveIdentity("payer")))
	res := httptest.NewRecorder()
	auth.Middleware()(next).ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.False(t, *found)
}

func TestIssueTokenRequiresSecret(t *testing.T) {
	_, err := IssueToken(" ", crypto.DeriveIdentity("x"), "", "", time.Minute)
	require.Error(t, err)
}

func TestExtractBearer(t *testing.T) {
	require.Equal(t, "abc", extractBearer("bearer abc"))
	require.Equal(t, "", extractBearer("Basic abc"))
	require.Equal(t, "", extractBearer("Bearer"))
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://ops.example"}})(okHandler())
	req := httptest.NewRequest(http.MethodOptions, "/rpc", nil)
	req.Header.Set("Origin", "https://ops.example")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, "https://ops.example", res.Header().Get("Access-Control-Allow-Origin"))
}

func TestObservabilityAssignsRequestID(t *testing.T) {
	obs := NewObservability(ObservabilityConfig{Enabled: true}, nil)
	res := httptest.NewRecorder()
	obs.Middleware("rpc")(okHandler()).ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, res.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(HeaderRequestID, "fixed-id")
	res = httptest.NewRecorder()
	obs.Middleware("rpc")(okHandler()).ServeHTTP(res, req)
	require.Equal(t, "fixed-id", res.Header().Get(HeaderRequestID))

	metrics := httptest.NewRecorder()
	obs.MetricsHandler().ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Contains(t, metrics.Body.String(), "escrow_http_requests_total")
}
