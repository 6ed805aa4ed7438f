// Package http serves the BFF API: the auth proxy, dashboard views,
// preferences, entry submission, CSV export and the notification socket.
package http

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kharcha/internal/appctx"
	"kharcha/internal/auth"
	"kharcha/internal/core"
	"kharcha/internal/currency"
	"kharcha/internal/dashboard"
	"kharcha/internal/entries"
	"kharcha/internal/log"
	"kharcha/internal/middleware/ratelimit"
	"kharcha/internal/middleware/security"
	"kharcha/internal/middleware/trace"
	"kharcha/internal/proxy"
	"kharcha/internal/storage"
)

// Rates is the currency normalizer.
type Rates interface {
	Convert(amountBase decimal.Decimal, target currency.Code) currency.Conversion
	Status() currency.Status
}

// Dashboard serves the cached views.
type Dashboard interface {
	Summary(ctx context.Context, snap appctx.Snapshot, fresh bool) (dashboard.SummaryView, error)
	Overview(ctx context.Context, snap appctx.Snapshot, year, month int, fresh bool) (dashboard.OverviewView, error)
	Recent(ctx context.Context, snap appctx.Snapshot, days, limit int, fresh bool) (dashboard.RecentView, error)
	Categories(ctx context.Context, snap appctx.Snapshot, year, month int, kind core.Kind, fresh bool) ([]core.CategoryAggregate, dashboard.Meta, error)
	Purge(ctx context.Context, userID string) error
}

type Entries interface {
	Create(ctx context.Context, sess auth.Session, in entries.Input) (entries.Result, error)
}

// Notifications upgrades a request to the user's event socket.
type Notifications interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID string)
}

type HealthChecker interface {
	Health(ctx context.Context) (map[string]any, error)
}

// Deps are the services behind the routes. Proxy, History and Hub may be
// nil; their routes are then not mounted or report not ready. Without a
// Verifier every session route answers 401.
type Deps struct {
	Verifier    auth.Verifier
	Renewer     auth.Renewer
	Proxy       *proxy.Handler
	Dashboard   Dashboard
	Entries     Entries
	Rates       Rates
	Preferences storage.PreferenceStore
	Hub         Notifications
	History     HealthChecker
}

type Options struct {
	DefaultCurrency    currency.Code
	RecentDays         int
	RecentLimit        int
	RateLimitPerMinute int
	AllowedOrigins     []string
	Logger             *log.Logger
}

type Server struct {
	http.Server
	deps     Deps
	opts     Options
	limiter  *ratelimit.Limiter
	detector *security.Detector
	tracer   *trace.Middleware
	logger   *log.Logger
	now      func() time.Time

	shutdownOnce sync.Once
}

func NewServer(addr string, deps Deps, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = currency.Base
	}
	if opts.RecentDays <= 0 {
		opts.RecentDays = 30
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 100
	}

	logger := opts.Logger.WithComponent(log.ComponentHTTP)
	s := &Server{
		deps:     deps,
		opts:     opts,
		detector: security.NewDetector(opts.Logger),
		logger:   logger,
		now:      time.Now,
	}
	s.limiter = ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: opts.RateLimitPerMinute,
		Methods:           []string{http.MethodPost},
	})
	s.tracer = trace.NewMiddleware(s.detector.ExtractClientIP, opts.Logger)

	mux := http.NewServeMux()
	s.routes(mux)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           s.middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	if s.deps.Proxy != nil {
		s.deps.Proxy.Register(mux)
	}

	mux.HandleFunc("GET /api/currencies", s.handleCurrencies)
	mux.HandleFunc("GET /api/rates", s.handleRates)

	mux.HandleFunc("GET /api/preferences", s.withSession(s.handleGetPreferences))
	mux.HandleFunc("PUT /api/preferences", s.withSession(s.handlePutPreferences))

	mux.HandleFunc("GET /api/dashboard/summary", s.withSession(s.handleSummary))
	mux.HandleFunc("GET /api/dashboard/overview", s.withSession(s.handleOverview))
	mux.HandleFunc("GET /api/dashboard/recent", s.withSession(s.handleRecent))

	mux.HandleFunc("POST /api/entries", s.withSession(s.handleCreateEntry))
	mux.HandleFunc("GET /api/export/categories.csv", s.withSession(s.handleExportCategories))

	if s.deps.Hub != nil {
		mux.HandleFunc("GET /ws", s.withSession(s.handleWebSocket))
	}
}

// middleware wraps the mux, outermost first: recovery, tracing, request
// logger, security headers, probe detection, CORS and the POST rate limit.
func (s *Server) middleware(h http.Handler) http.Handler {
	h = s.limiter.Middleware(s.detector.ExtractClientIP, s.rateLimited)(h)
	h = security.CORS(s.opts.AllowedOrigins)(h)
	h = s.detector.Middleware(h)
	h = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(h)
	h = log.RequestIDMiddleware(trace.RequestID)(h)
	h = log.Middleware(s.logger)(h)
	h = s.tracer.Middleware(h)
	return s.recoverer(h)
}

func (s *Server) rateLimited(w http.ResponseWriter, r *http.Request) {
	s.logger.WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, s.detector.ExtractClientIP(r),
		log.FieldPath, r.URL.Path)
	NewJSONResponse().
		Status(http.StatusTooManyRequests).
		Error("Rate limit exceeded. Please try again later.").
		Write(w)
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.ErrorContext(r.Context(), "Panic serving request",
					log.FieldPath, r.URL.Path,
					log.FieldError, fmt.Sprint(rec),
					log.FieldErrorType, log.ErrorTypeInternal,
					"stack", string(debug.Stack()))
				NewJSONResponse().Status(http.StatusInternalServerError).Error("Internal server error").Write(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Shutdown stops the rate limiter and drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		err = s.Server.Shutdown(ctx)
	})
	return err
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady checks the history service, the database when there is one,
// and that a rate table is loaded.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.deps.History != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := s.deps.History.Health(ctx); err != nil {
			s.logger.WarnContext(r.Context(), "Readiness check failed",
				log.FieldUpstream, "history", log.FieldError, err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("history service unavailable"))
			return
		}
	}
	if db, ok := s.deps.Preferences.(storage.Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			s.logger.WarnContext(r.Context(), "Readiness check failed",
				log.FieldError, err, log.FieldErrorType, log.ErrorTypeDatabase)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
	}
	if s.deps.Rates != nil && s.deps.Rates.Status().Table == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("exchange rates not loaded"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
