package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/segmentio/ksuid"
)

const (
	DefaultCookieName = "session"
	DefaultTTL        = 24 * time.Hour
	issuerName        = "pitchfork-account"
)

var (
	ErrNoSession      = errors.New("no session cookie")
	ErrInvalidSession = errors.New("invalid session")
	ErrRevoked        = errors.New("session revoked")
)

type Config struct {
	Secret     []byte
	TTL        time.Duration
	CookieName string
	Secure     bool
	// Ephemeral is set when no secret was configured and one was generated;
	// sessions then do not survive a restart.
	Ephemeral bool
}

// ConfigFromEnv reads SESSION_* variables.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Secret:     []byte(os.Getenv("SESSION_SECRET")),
		TTL:        DefaultTTL,
		CookieName: os.Getenv("SESSION_COOKIE_NAME"),
		Secure:     os.Getenv("SESSION_COOKIE_SECURE") == "1",
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if d, err := time.ParseDuration(os.Getenv("SESSION_TTL")); err == nil && d > 0 {
		cfg.TTL = d
	}
	if len(cfg.Secret) == 0 {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return Config{}, fmt.Errorf("generate session secret: %w", err)
		}
		cfg.Secret = b
		cfg.Ephemeral = true
	}
	return cfg, nil
}

// Claims carried by the session token. Subject is the account email.
type Claims struct {
	jwt.RegisteredClaims
}

// Email returns the account the session is bound to.
func (c *Claims) Email() string { return c.Subject }

// Issuer signs and verifies HS256 session tokens and builds their cookies.
type Issuer struct {
	cfg         Config
	now         func() time.Time
	revocations Revocations
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("session secret is empty")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	return &Issuer{cfg: cfg, now: time.Now}, nil
}

// Issue returns a signed token bound to email and its expiry.
func (i *Issuer) Issue(email string) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.cfg.TTL)
	claims := Claims{jwt.RegisteredClaims{
		Issuer:    issuerName,
		Subject:   email,
		ID:        ksuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, exp, nil
}

// Verify parses token and checks signature, issuer and expiry.
func (i *Issuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return i.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidSession
	}
	return claims, nil
}

// WithRevocations makes FromRequest reject tokens revoked through Revoke.
func (i *Issuer) WithRevocations(r Revocations) *Issuer {
	i.revocations = r
	return i
}

// FromRequest verifies the session cookie of r.
func (i *Issuer) FromRequest(r *http.Request) (*Claims, error) {
	c, err := r.Cookie(i.cfg.CookieName)
	if err != nil || c.Value == "" {
		return nil, ErrNoSession
	}
	claims, err := i.Verify(c.Value)
	if err != nil {
		return nil, err
	}
	if i.revocations != nil {
		revoked, err := i.revocations.Revoked(r.Context(), claims.ID)
		if err != nil {
			return nil, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return nil, ErrRevoked
		}
	}
	return claims, nil
}

// Revoke invalidates the session carried by r, if any, until it expires.
func (i *Issuer) Revoke(r *http.Request) error {
	if i.revocations == nil {
		return nil
	}
	c, err := r.Cookie(i.cfg.CookieName)
	if err != nil || c.Value == "" {
		return nil
	}
	claims, err := i.Verify(c.Value)
	if err != nil || claims.ID == "" {
		return nil
	}
	return i.revocations.Revoke(r.Context(), claims.ID, claims.ExpiresAt.Time)
}

// Cookie wraps token in a path-scoped, same-site lax cookie living as long as the token.
func (i *Issuer) Cookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     i.cfg.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(i.cfg.TTL / time.Second),
		HttpOnly: true,
		Secure:   i.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie expires the session cookie on the client.
func (i *Issuer) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     i.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   i.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
