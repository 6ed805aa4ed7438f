package auth

import (
	"context"
	"errors"
	"fmt"
)

// Renewer exchanges a refresh token for new tokens.
type Renewer interface {
	Renew(ctx context.Context, refreshToken string) (Tokens, error)
}

// WithRefresh runs call with sess. If the call is rejected as unauthorized
// the session is renewed once and the call retried with the new session.
// A second rejection, or a failed renewal, yields ErrSessionExpired and the
// caller must tear the session down.
//
// The returned session is the one the successful call ran with.
func WithRefresh[T any](ctx context.Context, sess Session, r Renewer, call func(context.Context, Session) (T, error)) (T, Session, error) {
	out, err := call(ctx, sess)
	if err == nil || !errors.Is(err, ErrUnauthorized) {
		return out, sess, err
	}

	var zero T
	if r == nil || sess.RefreshToken == "" {
		return zero, sess, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	tokens, rerr := r.Renew(ctx, sess.RefreshToken)
	if rerr != nil {
		if errors.Is(rerr, ErrUnauthorized) {
			return zero, sess, fmt.Errorf("%w: %v", ErrSessionExpired, rerr)
		}
		return zero, sess, rerr
	}

	renewed := sess.WithTokens(tokens)
	out, err = call(ctx, renewed)
	if err != nil && errors.Is(err, ErrUnauthorized) {
		return zero, renewed, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	return out, renewed, err
}
