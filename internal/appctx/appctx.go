// Package appctx carries the per-request view of who is asking and how
// amounts should be displayed.
package appctx

import (
	"context"

	"kharcha/internal/auth"
	"kharcha/internal/currency"
)

// Snapshot is immutable; the With methods return modified copies.
type Snapshot struct {
	Session  auth.Session
	Currency currency.Code
}

func New(sess auth.Session, code currency.Code) Snapshot {
	if code == "" {
		code = currency.Base
	}
	return Snapshot{Session: sess, Currency: code}
}

func (s Snapshot) WithSession(sess auth.Session) Snapshot {
	s.Session = sess
	return s
}

func (s Snapshot) WithCurrency(code currency.Code) Snapshot {
	s.Currency = code
	return s
}

func (s Snapshot) UserID() string {
	return s.Session.UserID
}

type ctxKey struct{}

func NewContext(ctx context.Context, s Snapshot) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the request snapshot and whether one was set.
func FromContext(ctx context.Context) (Snapshot, bool) {
	s, ok := ctx.Value(ctxKey{}).(Snapshot)
	return s, ok
}
