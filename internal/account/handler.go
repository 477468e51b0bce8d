package account

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/session"
)

// Handler exposes HTTP endpoints for account operations.
type Handler struct {
	svc      *AccountService
	sessions *session.Issuer
	logger   *zap.SugaredLogger

	// TrustProxy makes ClientIP honour X-Forwarded-For.
	TrustProxy bool
}

func NewHandler(svc *AccountService, sessions *session.Issuer, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, sessions: sessions, logger: logger}
}

// MessageResponse is the body of every non-list response.
type MessageResponse struct {
	Message   string `json:"message"`
	Code      Kind   `json:"code,omitempty"`
	FailCount int    `json:"failCount,omitempty"`
}

// EmailRequest is the body of the admin endpoints.
type EmailRequest struct {
	Email string `json:"email"`
}

const maxBodyBytes = 1 << 16

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req RegisterInput
	if err := decode(w, r, &req); err != nil {
		h.logger.Debugw("invalid signup payload", "err", err)
		h.writeJSON(w, http.StatusBadRequest, MessageResponse{Message: "invalid payload", Code: KindValidation})
		return
	}
	if _, err := h.svc.Register(r.Context(), req); err != nil {
		h.writeError(w, "signup", err)
		return
	}
	h.writeJSON(w, http.StatusOK, MessageResponse{Message: "registration submitted, waiting for administrator approval"})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginInput
	if err := decode(w, r, &req); err != nil {
		h.logger.Debugw("invalid login payload", "err", err)
		h.writeJSON(w, http.StatusBadRequest, MessageResponse{Message: "invalid payload", Code: KindValidation})
		return
	}
	req.RemoteIP = ClientIP(r, h.TrustProxy)
	sess, err := h.svc.Login(r.Context(), req)
	if err != nil {
		h.writeError(w, "login", err)
		return
	}
	http.SetCookie(w, h.sessions.Cookie(sess.Token))
	h.writeJSON(w, http.StatusOK, MessageResponse{Message: "login succeeded"})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Revoke(r); err != nil {
		h.logger.Warnw("revoke session failed", "err", err)
	}
	http.SetCookie(w, h.sessions.ClearCookie())
	h.writeJSON(w, http.StatusOK, MessageResponse{Message: "logged out"})
}

// SessionInfo is returned for a valid session cookie.
type SessionInfo struct {
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	c, err := h.sessions.FromRequest(r)
	if err != nil {
		if !errors.Is(err, session.ErrNoSession) && !errors.Is(err, session.ErrInvalidSession) && !errors.Is(err, session.ErrRevoked) {
			h.logger.Warnw("session check failed", "err", err)
		}
		h.writeJSON(w, http.StatusUnauthorized, MessageResponse{Message: "not logged in"})
		return
	}
	info := SessionInfo{Email: c.Email()}
	if c.ExpiresAt != nil {
		info.ExpiresAt = c.ExpiresAt.Time
	}
	h.writeJSON(w, http.StatusOK, info)
}

func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.ListPending(r.Context())
	if err != nil {
		h.writeError(w, "list pending", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if err := decode(w, r, &req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, MessageResponse{Message: "invalid payload", Code: KindValidation})
		return
	}
	res, err := h.svc.Approve(r.Context(), req.Email)
	if err != nil {
		h.writeError(w, "approve", err)
		return
	}
	if res.AlreadyApproved {
		h.writeJSON(w, http.StatusOK, MessageResponse{Message: "account was already approved"})
		return
	}
	h.writeJSON(w, http.StatusOK, MessageResponse{Message: "account approved and notification sent"})
}

func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if err := decode(w, r, &req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, MessageResponse{Message: "invalid payload", Code: KindValidation})
		return
	}
	if err := h.svc.Unlock(r.Context(), req.Email); err != nil {
		h.writeError(w, "unlock", err)
		return
	}
	h.writeJSON(w, http.StatusOK, MessageResponse{Message: "account unlocked"})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindInvalidCredentials:
		return http.StatusUnauthorized
	case KindBotSuspected, KindNotApproved, KindAccountLocked:
		return http.StatusForbidden
	case KindAccountNotFound:
		return http.StatusNotFound
	case KindDependency:
		return http.StatusServiceUnavailable
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
}

// writeError logs infrastructure failures with detail and answers with the
// user-facing message only.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	status := StatusFor(err)
	var e *Error
	if !errors.As(err, &e) {
		e = storageError(err)
	}
	switch e.Kind {
	case KindStorage, KindDependency:
		h.logger.Errorw(op+" failed", "kind", e.Kind, "err", err)
	default:
		h.logger.Debugw(op+" rejected", "kind", e.Kind, "fail_count", e.FailCount)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	h.writeJSON(w, status, MessageResponse{Message: e.Message, Code: e.Kind, FailCount: e.FailCount})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ClientIP returns the connection address, or the first X-Forwarded-For hop
// when the service runs behind a trusted proxy.
func ClientIP(r *http.Request, trustProxy bool) string {
	if xff := r.Header.Get("X-Forwarded-For"); trustProxy && xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
