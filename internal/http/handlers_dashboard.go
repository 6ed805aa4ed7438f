package http

import (
	"context"
	"net/http"

	"kharcha/internal/appctx"
)

// Dashboard routes accept ?fresh=true to bypass the cache and ?currency= to
// override the display currency for one request.

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, snap appctx.Snapshot) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	view, err := s.deps.Dashboard.Summary(ctx, snap, ParseFresh(r.URL.Query()))
	if err != nil {
		s.writeError(w, r, snap, err)
		return
	}
	NewJSONResponse().Session(snap.Session, view.Session, r.TLS != nil).Body(view).Write(w)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request, snap appctx.Snapshot) {
	q := r.URL.Query()
	period, err := ParseMonthParams(q, s.now())
	if err != nil {
		s.writeError(w, r, snap, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	view, err := s.deps.Dashboard.Overview(ctx, snap, period.Year, period.Month, ParseFresh(q))
	if err != nil {
		s.writeError(w, r, snap, err)
		return
	}
	NewJSONResponse().Session(snap.Session, view.Session, r.TLS != nil).Body(view).Write(w)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request, snap appctx.Snapshot) {
	q := r.URL.Query()
	window, err := ParseRecentParams(q, s.opts.RecentDays, s.opts.RecentLimit)
	if err != nil {
		s.writeError(w, r, snap, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	view, err := s.deps.Dashboard.Recent(ctx, snap, window.Days, window.Limit, ParseFresh(q))
	if err != nil {
		s.writeError(w, r, snap, err)
		return
	}
	NewJSONResponse().Session(snap.Session, view.Session, r.TLS != nil).Body(view).Write(w)
}
