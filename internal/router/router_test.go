package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/account"
	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/challenge"
	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/notify"
	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/session"
)

func newTestRouter(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	logger := zap.NewNop().Sugar()
	issuer, err := session.NewIssuer(session.Config{Secret: []byte("router-test")})
	require.NoError(t, err)
	svc := account.NewAccountService(repo.NewMemoryRepo(), account.BcryptHasher{Cost: bcrypt.MinCost},
		challenge.Static(true), notify.New(notify.Config{}, logger), issuer, logger)
	return RegisterRoutes(logger, account.NewHandler(svc, issuer, logger), cfg)
}

func send(h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.1:4000"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestRouter(t, Config{LoginRatePerMin: 60, LoginRateBurst: 5})
	rec := send(h, http.MethodGet, prefix+"/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestMethodMismatch(t *testing.T) {
	h := newTestRouter(t, Config{LoginRatePerMin: 60, LoginRateBurst: 5})
	rec := send(h, http.MethodGet, prefix+"/auth/login", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAdminRoutesRequireKey(t *testing.T) {
	h := newTestRouter(t, Config{AdminKey: "s3cret", LoginRatePerMin: 60, LoginRateBurst: 5})

	rec := send(h, http.MethodGet, prefix+"/auth/pending", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = send(h, http.MethodGet, prefix+"/auth/pending", "", map[string]string{"X-Admin-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = send(h, http.MethodGet, prefix+"/auth/pending", "", map[string]string{"X-Admin-Key": "s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"users":[]}`, rec.Body.String())

	rec = send(h, http.MethodPost, prefix+"/auth/approve", `{"email":"a@x.com"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutesOpenWithoutKey(t *testing.T) {
	h := newTestRouter(t, Config{LoginRatePerMin: 60, LoginRateBurst: 5})
	rec := send(h, http.MethodGet, prefix+"/auth/pending", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginRateLimited(t *testing.T) {
	h := newTestRouter(t, Config{LoginRatePerMin: 1, LoginRateBurst: 2})
	body := `{"email":"ghost@x.com","password":"x","g-recaptcha-response":"t"}`

	for i := 0; i < 2; i++ {
		rec := send(h, http.MethodPost, prefix+"/auth/login", body, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := send(h, http.MethodPost, prefix+"/auth/login", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// signup is not limited
	rec = send(h, http.MethodPost, prefix+"/auth/signup", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIPLimiter_PerKeyAndSweep(t *testing.T) {
	l := NewIPLimiter(60, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))

	now = now.Add(time.Second)
	assert.True(t, l.Allow("a"))

	now = now.Add(time.Hour)
	assert.True(t, l.Allow("c"))
	assert.Equal(t, 1, l.Len())
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("ADMIN_API_KEY", "k")
	t.Setenv("LOGIN_RATE_PER_MIN", "30")
	t.Setenv("LOGIN_RATE_BURST", "")
	t.Setenv("TRUST_PROXY", "1")

	cfg := ConfigFromEnv()
	assert.Equal(t, "k", cfg.AdminKey)
	assert.Equal(t, 30.0, cfg.LoginRatePerMin)
	assert.Equal(t, 5, cfg.LoginRateBurst)
	assert.True(t, cfg.TrustProxy)
}
