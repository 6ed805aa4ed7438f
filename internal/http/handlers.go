package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"kharcha/internal/appctx"
	"kharcha/internal/currency"
	"kharcha/internal/log"
	"kharcha/internal/storage"
)

const (
	readTimeout  = 7 * time.Second
	storeTimeout = 3 * time.Second
)

func (s *Server) handleCurrencies(w http.ResponseWriter, _ *http.Request) {
	NewJSONResponse().
		Body(map[string]any{"base": currency.Base, "currencies": currency.Catalog()}).
		Write(w)
}

type ratesResponse struct {
	Base      currency.Code                     `json:"base"`
	State     string                            `json:"state"`
	Date      string                            `json:"date,omitempty"`
	FetchedAt *time.Time                        `json:"fetched_at,omitempty"`
	Stale     bool                              `json:"stale"`
	Error     string                            `json:"error,omitempty"`
	Rates     map[currency.Code]decimal.Decimal `json:"rates"`
}

func (s *Server) handleRates(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Rates == nil {
		NewJSONResponse().Status(http.StatusServiceUnavailable).Error("Exchange rates unavailable").Write(w)
		return
	}

	st := s.deps.Rates.Status()
	resp := ratesResponse{
		Base:  currency.Base,
		State: st.State.String(),
		Stale: st.Stale(),
		Rates: map[currency.Code]decimal.Decimal{},
	}
	if st.LastError != nil {
		resp.Error = st.LastError.Error()
	}
	if t := st.Table; t != nil {
		fetched := t.FetchedAt()
		resp.Base = t.Base()
		resp.Date = t.Date()
		resp.FetchedAt = &fetched
		resp.Rates = t.Rates()
	}
	NewJSONResponse().Body(resp).Write(w)
}

type preferencesBody struct {
	Currency currency.Code `json:"currency"`
	Name     string        `json:"name,omitempty"`
	Symbol   string        `json:"symbol,omitempty"`
}

func newPreferencesBody(code currency.Code) preferencesBody {
	body := preferencesBody{Currency: code}
	if c, ok := currency.Lookup(code); ok {
		body.Name, body.Symbol = c.Name, c.Symbol
	}
	return body
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request, snap appctx.Snapshot) {
	code := s.opts.DefaultCurrency
	if s.deps.Preferences != nil {
		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()
		stored, err := s.deps.Preferences.GetCurrency(ctx, snap.UserID())
		switch {
		case err == nil:
			code = stored
		case !errors.Is(err, storage.ErrNotFound):
			s.writeError(w, r, snap, err)
			return
		}
	}
	NewJSONResponse().Body(newPreferencesBody(code)).Write(w)
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request, snap appctx.Snapshot) {
	var body struct {
		Currency string `json:"currency"`
	}
	if err := DecodeJSON(r.Body, &body); err != nil {
		s.writeError(w, r, snap, err)
		return
	}
	code, err := currency.ParseSupported(SanitizeInput(body.Currency))
	if err != nil {
		s.writeError(w, r, snap, err)
		return
	}
	if s.deps.Preferences == nil {
		NewJSONResponse().Status(http.StatusServiceUnavailable).Error("Preferences are not stored").Write(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if err := s.deps.Preferences.SetCurrency(ctx, snap.UserID(), code); err != nil {
		s.writeError(w, r, snap, err)
		return
	}
	log.FromContext(r.Context()).InfoContext(r.Context(), "Display currency updated", log.FieldCurrency, code.String())
	NewJSONResponse().Body(newPreferencesBody(code)).Write(w)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, snap appctx.Snapshot) {
	s.deps.Hub.ServeWS(w, r, snap.UserID())
}
