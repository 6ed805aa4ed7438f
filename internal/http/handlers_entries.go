package http

import (
	"context"
	"net/http"

	"kharcha/internal/appctx"
	"kharcha/internal/auth"
	"kharcha/internal/core"
	"kharcha/internal/entries"
	"kharcha/internal/export"
	"kharcha/internal/log"
)

type createEntryResponse struct {
	ID     string `json:"id"`
	Queued bool   `json:"queued"`
}

func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request, snap appctx.Snapshot) {
	var in entries.Input
	if err := DecodeJSON(r.Body, &in); err != nil {
		s.writeError(w, r, snap, err)
		return
	}
	in.Name = SanitizeInput(in.Name)
	in.Icon = SanitizeInput(in.Icon)

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	res, err := s.deps.Entries.Create(ctx, snap.Session, in)
	if err != nil {
		s.writeError(w, r, snap, err)
		return
	}
	NewJSONResponse().
		Status(http.StatusCreated).
		Session(snap.Session, res.Session, r.TLS != nil).
		Body(createEntryResponse{ID: res.ID, Queued: res.Queued}).
		Write(w)
}

// handleExportCategories downloads the month's category breakdown as CSV,
// converted into the display currency. ?kind= selects expense (default)
// or income.
func (s *Server) handleExportCategories(w http.ResponseWriter, r *http.Request, snap appctx.Snapshot) {
	if s.deps.Rates == nil {
		NewJSONResponse().Status(http.StatusServiceUnavailable).Error("Exchange rates unavailable").Write(w)
		return
	}

	q := r.URL.Query()
	kind := core.Expense
	if raw := q.Get("kind"); raw != "" {
		k, err := core.ParseKind(raw)
		if err != nil {
			s.writeError(w, r, snap, err)
			return
		}
		kind = k
	}
	period, err := ParseMonthParams(q, s.now())
	if err != nil {
		s.writeError(w, r, snap, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	aggs, meta, err := s.deps.Dashboard.Categories(ctx, snap, period.Year, period.Month, kind, ParseFresh(q))
	if err != nil {
		s.writeError(w, r, snap, err)
		return
	}

	table := export.CategoryTable(kind, aggs, snap.Currency, s.deps.Rates)
	if meta.Session.AccessToken != "" && meta.Session.AccessToken != snap.Session.AccessToken {
		auth.SetCookies(w, auth.Tokens{AccessToken: meta.Session.AccessToken, RefreshToken: meta.Session.RefreshToken}, r.TLS != nil)
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName(kind, s.now())+`"`)
	w.Header().Set("Cache-Control", "no-store")
	if meta.Stale {
		w.Header().Set("X-Data-Stale", "true")
	}
	if err := export.WriteCSV(w, table); err != nil {
		log.FromContext(ctx).ErrorContext(ctx, "Failed to write CSV export",
			log.FieldOperation, log.OpExport, log.FieldError, err)
		return
	}
	log.FromContext(ctx).InfoContext(ctx, "Categories exported",
		log.FieldOperation, log.OpExport,
		log.FieldKind, kind.String(),
		log.FieldYear, period.Year,
		log.FieldMonth, period.Month,
		"rows", len(aggs))
}
