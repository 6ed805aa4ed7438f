package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"kharcha/internal/appctx"
	"kharcha/internal/auth"
	"kharcha/internal/core"
	"kharcha/internal/currency"
	"kharcha/internal/dashboard"
	"kharcha/internal/entries"
	"kharcha/internal/history"
	"kharcha/internal/log"
	"kharcha/internal/storage"
)

const retryAfterSeconds = 30

type sessionHandler func(w http.ResponseWriter, r *http.Request, snap appctx.Snapshot)

// withSession resolves the caller's verified session and display currency.
// The currency comes from ?currency=, then the stored preference, then the
// configured default. Failures here carry no snapshot, so an unverified
// caller never purges anyone's views.
func (s *Server) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := auth.SessionFromRequest(r)
		if err != nil {
			s.writeError(w, r, appctx.Snapshot{}, err)
			return
		}
		sess, renewed, err := auth.Authenticate(r.Context(), sess, s.deps.Verifier, s.deps.Renewer)
		if err != nil {
			s.writeError(w, r, appctx.Snapshot{}, err)
			return
		}
		if renewed {
			auth.SetCookies(w, auth.Tokens{AccessToken: sess.AccessToken, RefreshToken: sess.RefreshToken}, r.TLS != nil)
		}

		code, err := s.displayCurrency(r, sess.UserID)
		if err != nil {
			s.writeError(w, r, appctx.Snapshot{}, err)
			return
		}

		snap := appctx.New(sess, code)
		ctx := appctx.NewContext(r.Context(), snap)
		ctx = log.NewContext(ctx, log.FromContext(ctx).With(log.FieldUserID, sess.UserID))
		next(w, r.WithContext(ctx), snap)
	}
}

func (s *Server) displayCurrency(r *http.Request, userID string) (currency.Code, error) {
	if raw := r.URL.Query().Get("currency"); raw != "" {
		return currency.ParseSupported(raw)
	}
	if s.deps.Preferences == nil {
		return s.opts.DefaultCurrency, nil
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	code, err := s.deps.Preferences.GetCurrency(ctx, userID)
	switch {
	case err == nil && currency.Supported(code):
		return code, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		s.logger.WarnContext(r.Context(), "Failed to load currency preference",
			log.FieldUserID, userID, log.FieldError, err)
	}
	return s.opts.DefaultCurrency, nil
}

// writeError maps service errors to responses. An expired session also
// clears the token cookies and the user's cached views.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, snap appctx.Snapshot, err error) {
	ctx := r.Context()
	logger := log.FromContext(ctx)
	resp := NewJSONResponse()

	var se *history.StatusError
	switch {
	case errors.Is(err, auth.ErrSessionExpired):
		auth.ClearCookies(w)
		if userID := snap.UserID(); userID != "" && s.deps.Dashboard != nil {
			if perr := s.deps.Dashboard.Purge(context.WithoutCancel(ctx), userID); perr != nil {
				logger.WarnContext(ctx, "Failed to purge views", log.FieldError, perr)
			}
		}
		logger.InfoContext(ctx, "Session expired", log.FieldErrorType, log.ErrorTypeAuth)
		resp.Status(http.StatusUnauthorized).Error("Session expired")

	case errors.Is(err, auth.ErrNoSession), errors.Is(err, auth.ErrUnauthorized):
		resp.Status(http.StatusUnauthorized).Error("Unauthorized")

	case errors.Is(err, errBadRequest),
		errors.Is(err, dashboard.ErrInvalidPeriod),
		errors.Is(err, entries.ErrInvalidEntry),
		errors.Is(err, currency.ErrUnknownCurrency),
		errors.Is(err, core.ErrInvalidKind):
		resp.Status(http.StatusBadRequest).Error(err.Error())

	case errors.As(err, &se) && se.Status < 500:
		resp.Status(se.Status).Error(se.Message)

	case errors.Is(err, auth.ErrUnavailable):
		logger.ErrorContext(ctx, "Identity service request failed",
			log.FieldError, err,
			log.FieldErrorType, log.ErrorTypeUpstream)
		resp.Status(http.StatusBadGateway).
			Header("Retry-After", strconv.Itoa(retryAfterSeconds)).
			Body(map[string]any{"error": "Identity service unavailable", "retry_after": retryAfterSeconds})

	case history.IsUpstream(err):
		logger.ErrorContext(ctx, "History service request failed",
			log.FieldPath, r.URL.Path,
			log.FieldError, err,
			log.FieldErrorType, log.ErrorTypeUpstream)
		resp.Status(http.StatusBadGateway).
			Header("Retry-After", strconv.Itoa(retryAfterSeconds)).
			Body(map[string]any{"error": "History service unavailable", "retry_after": retryAfterSeconds})

	default:
		logger.ErrorContext(ctx, "Request failed",
			log.FieldPath, r.URL.Path,
			log.FieldError, err,
			log.FieldErrorType, log.ErrorTypeInternal)
		resp.Status(http.StatusInternalServerError).Error("Internal server error")
	}
	resp.Write(w)
}
