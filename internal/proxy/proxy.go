// Package proxy relays the auth routes to the identity service unchanged.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"kharcha/internal/auth"
	"kharcha/internal/log"
)

const maxBodyBytes = 64 << 10

// Upstream is the identity service as seen by the proxy.
type Upstream interface {
	Login(ctx context.Context, body json.RawMessage) (*auth.Response, error)
	Signup(ctx context.Context, body json.RawMessage) (*auth.Response, error)
	Refresh(ctx context.Context, body json.RawMessage) (*auth.Response, error)
	Profile(ctx context.Context, authorization string) (*auth.Response, error)
}

type Handler struct {
	upstream Upstream
	logger   *log.Logger
}

func New(upstream Upstream, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Discard()
	}
	return &Handler{upstream: upstream, logger: logger.WithComponent(log.ComponentAuth)}
}

// Register mounts the proxy routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/login", h.Login)
	mux.HandleFunc("POST /api/auth/signup", h.Signup)
	mux.HandleFunc("POST /api/auth/refresh", h.Refresh)
	mux.HandleFunc("GET /api/auth/profile", h.Profile)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	h.forward(w, r, "login", "Failed to process login request", h.upstream.Login)
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	h.forward(w, r, "signup", "Failed to process signup request", h.upstream.Signup)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.forward(w, r, "refresh", "Failed to refresh token", h.upstream.Refresh)
}

func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	authorization := r.Header.Get("Authorization")
	if authorization == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authorization header required"})
		return
	}
	resp, err := h.upstream.Profile(r.Context(), authorization)
	if err != nil {
		h.fail(w, r, "profile", "Failed to fetch profile", err)
		return
	}
	relay(w, resp)
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, route, failure string,
	call func(context.Context, json.RawMessage) (*auth.Response, error)) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || !json.Valid(body) {
		h.fail(w, r, route, failure, err)
		return
	}
	resp, err := call(r.Context(), body)
	if err != nil {
		h.fail(w, r, route, failure, err)
		return
	}
	relay(w, resp)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, route, message string, err error) {
	h.logger.ErrorContext(r.Context(), "Auth proxy request failed",
		log.FieldOperation, log.OpProxy, "route", route, log.FieldError, err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": message})
}

func relay(w http.ResponseWriter, resp *auth.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
