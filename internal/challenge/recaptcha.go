// Package challenge verifies client bot-challenge tokens before any
// credential is looked at.
package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// DefaultVerifyURL is Google's reCAPTCHA siteverify endpoint.
const DefaultVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

// ErrUnavailable means the verification service could not give an answer.
// Callers treat it as a retryable dependency failure, not as a failed challenge.
var ErrUnavailable = errors.New("challenge verification unavailable")

// Verifier validates a challenge token.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

type Config struct {
	Secret    string
	VerifyURL string
	Timeout   time.Duration
	Disabled  bool
}

// ConfigFromEnv reads RECAPTCHA_* variables.
func ConfigFromEnv() Config {
	cfg := Config{
		Secret:    os.Getenv("RECAPTCHA_SECRET_KEY"),
		VerifyURL: os.Getenv("RECAPTCHA_VERIFY_URL"),
		Timeout:   5 * time.Second,
		Disabled:  os.Getenv("RECAPTCHA_DISABLED") == "1",
	}
	if cfg.VerifyURL == "" {
		cfg.VerifyURL = DefaultVerifyURL
	}
	if d, err := time.ParseDuration(os.Getenv("RECAPTCHA_TIMEOUT")); err == nil && d > 0 {
		cfg.Timeout = d
	}
	return cfg
}

// New returns the verifier described by cfg. A disabled config accepts every
// token and is meant for local development only.
func New(cfg Config) Verifier {
	if cfg.Disabled {
		return Static(true)
	}
	return NewRecaptchaVerifier(cfg)
}

// Static always returns the same verdict.
type Static bool

func (s Static) Verify(context.Context, string, string) (bool, error) { return bool(s), nil }

// RecaptchaVerifier calls the siteverify API.
type RecaptchaVerifier struct {
	secret    string
	verifyURL string
	client    *http.Client
}

func NewRecaptchaVerifier(cfg Config) *RecaptchaVerifier {
	u := cfg.VerifyURL
	if u == "" {
		u = DefaultVerifyURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RecaptchaVerifier{secret: cfg.Secret, verifyURL: u, client: &http.Client{Timeout: timeout}}
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	Hostname   string   `json:"hostname"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify reports whether the token was accepted. A missing token is rejected
// without a network call.
func (v *RecaptchaVerifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	if strings.TrimSpace(token) == "" {
		return false, nil
	}
	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("%w: siteverify status %d", ErrUnavailable, resp.StatusCode)
	}
	var out siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	return out.Success, nil
}
