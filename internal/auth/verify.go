package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"kharcha/internal/cache"
)

// Verifier checks that an access token was issued by the identity service
// and returns the identity it carries.
type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// KeyVerifier checks HMAC-signed tokens against the shared signing secret.
type KeyVerifier struct {
	key    []byte
	parser *jwt.Parser
}

func NewKeyVerifier(secret string) *KeyVerifier {
	return &KeyVerifier{
		key:    []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})),
	}
}

func (v *KeyVerifier) Verify(_ context.Context, token string) (Claims, error) {
	mc := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(token, mc, func(*jwt.Token) (any, error) {
		return v.key, nil
	}); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	c := claimsFrom(mc)
	if c.UserID == "" {
		return Claims{}, fmt.Errorf("%w: token has no user id", ErrUnauthorized)
	}
	return c, nil
}

// ProfileFetcher is the identity service's profile endpoint.
type ProfileFetcher interface {
	Profile(ctx context.Context, authorization string) (*Response, error)
}

// ProfileVerifier asks the identity service to accept each token and
// remembers accepted tokens for a short while.
type ProfileVerifier struct {
	profiles ProfileFetcher
	accepted *cache.LRUCache[Claims]
	now      func() time.Time
}

func NewProfileVerifier(profiles ProfileFetcher, ttl time.Duration, size int) *ProfileVerifier {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &ProfileVerifier{
		profiles: profiles,
		accepted: cache.NewLRUCache[Claims](size, ttl),
		now:      time.Now,
	}
}

// Cache exposes the accepted-token cache for periodic sweeping.
func (v *ProfileVerifier) Cache() *cache.LRUCache[Claims] {
	return v.accepted
}

func (v *ProfileVerifier) Verify(ctx context.Context, token string) (Claims, error) {
	claims, err := ParseClaims(token)
	if err != nil {
		return Claims{}, err
	}
	if claims.UserID == "" {
		return Claims{}, fmt.Errorf("%w: token has no user id", ErrUnauthorized)
	}
	if !claims.ExpiresAt.IsZero() && !v.now().Before(claims.ExpiresAt) {
		return Claims{}, fmt.Errorf("%w: token expired", ErrUnauthorized)
	}

	key := tokenKey(token)
	if c, ok := v.accepted.Get(key); ok {
		return c, nil
	}

	resp, err := v.profiles.Profile(ctx, "Bearer "+token)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch {
	case resp.Status == http.StatusUnauthorized, resp.Status == http.StatusForbidden:
		return Claims{}, fmt.Errorf("%w: profile rejected token with status %d", ErrUnauthorized, resp.Status)
	case resp.Status >= 300:
		return Claims{}, fmt.Errorf("%w: profile status %d", ErrUnavailable, resp.Status)
	}
	if id := profileUserID(resp.Body); id != "" && id != claims.UserID {
		return Claims{}, fmt.Errorf("%w: token user does not match profile", ErrUnauthorized)
	}

	v.accepted.Set(key, claims)
	return claims, nil
}

// tokenKey keeps raw tokens out of memory dumps of the cache.
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// profileUserID finds the user id in a profile reply, which is either the
// user object or {"user": {...}}.
func profileUserID(body json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return ""
	}
	for _, key := range []string{"userId", "user_id", "id", "_id"} {
		if v := claimString(m[key]); v != "" {
			return v
		}
	}
	if user, ok := m["user"].(map[string]any); ok {
		for _, key := range []string{"userId", "user_id", "id", "_id"} {
			if v := claimString(user[key]); v != "" {
				return v
			}
		}
	}
	return ""
}

// Authenticate verifies the session's access token and replaces its
// identity with the verified claims. A rejected token is renewed once when
// a refresh token is present; renewed reports that new tokens must be
// handed back to the client.
func Authenticate(ctx context.Context, sess Session, v Verifier, r Renewer) (out Session, renewed bool, err error) {
	if v == nil {
		return sess, false, fmt.Errorf("%w: no token verifier", ErrUnauthorized)
	}
	claims, err := v.Verify(ctx, sess.AccessToken)
	if err == nil {
		return sess.withClaims(claims), false, nil
	}
	if !errors.Is(err, ErrUnauthorized) || r == nil || sess.RefreshToken == "" {
		return sess, false, err
	}

	tokens, rerr := r.Renew(ctx, sess.RefreshToken)
	if rerr != nil {
		if errors.Is(rerr, ErrUnauthorized) {
			return sess, false, fmt.Errorf("%w: %v", ErrSessionExpired, rerr)
		}
		return sess, false, fmt.Errorf("%w: %v", ErrUnavailable, rerr)
	}
	claims, err = v.Verify(ctx, tokens.AccessToken)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return sess, false, fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}
		return sess, false, err
	}
	return sess.WithTokens(tokens).withClaims(claims), true, nil
}
