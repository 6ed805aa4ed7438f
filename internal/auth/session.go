package auth

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	AccessTokenCookie  = "expense_tracker_access_token"
	RefreshTokenCookie = "expense_tracker_refresh_token"
	RefreshTokenHeader = "X-Refresh-Token"
)

// Session identifies the caller. It is a value; updates return a copy.
type Session struct {
	UserID       string
	Name         string
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Claims are the access token fields the BFF relies on.
type Claims struct {
	UserID    string
	Name      string
	Email     string
	ExpiresAt time.Time
}

func (s Session) Authenticated() bool {
	return s.UserID != "" && s.AccessToken != ""
}

// Expired reports whether the access token is past its exp claim. Tokens
// without exp never expire locally.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// withClaims returns a copy whose identity is c.
func (s Session) withClaims(c Claims) Session {
	s.UserID = c.UserID
	s.Name = c.Name
	s.Email = c.Email
	s.ExpiresAt = c.ExpiresAt
	return s
}

// WithTokens returns a copy carrying tokens and the claims they hold.
func (s Session) WithTokens(t Tokens) Session {
	s.AccessToken = t.AccessToken
	if t.RefreshToken != "" {
		s.RefreshToken = t.RefreshToken
	}
	if claims, err := ParseClaims(t.AccessToken); err == nil {
		if claims.UserID != "" {
			s.UserID = claims.UserID
		}
		s.ExpiresAt = claims.ExpiresAt
	}
	return s
}

// Authorization renders the bearer header for upstream calls.
func (s Session) Authorization() string {
	if s.AccessToken == "" {
		return ""
	}
	return "Bearer " + s.AccessToken
}

// ParseClaims reads the access token payload without verifying the
// signature. Identities taken from it must pass a Verifier before use.
func ParseClaims(token string) (Claims, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("%w: unexpected claims", ErrUnauthorized)
	}
	return claimsFrom(mc), nil
}

func claimsFrom(mc jwt.MapClaims) Claims {
	var c Claims
	for _, key := range []string{"userId", "user_id", "id", "sub"} {
		if v := claimString(mc[key]); v != "" {
			c.UserID = v
			break
		}
	}
	c.Name = claimString(mc["name"])
	c.Email = claimString(mc["email"])
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c
}

func claimString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

// SessionFromRequest reads the bearer token, falling back to the access
// cookie, and the refresh token from its header or cookie. An anonymous
// request yields ErrNoSession. The session is unverified; see Authenticate.
func SessionFromRequest(r *http.Request) (Session, error) {
	var s Session
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		s.AccessToken = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if s.AccessToken == "" {
		if c, err := r.Cookie(AccessTokenCookie); err == nil {
			s.AccessToken = c.Value
		}
	}
	s.RefreshToken = r.Header.Get(RefreshTokenHeader)
	if s.RefreshToken == "" {
		if c, err := r.Cookie(RefreshTokenCookie); err == nil {
			s.RefreshToken = c.Value
		}
	}
	if s.AccessToken == "" {
		return Session{}, ErrNoSession
	}

	claims, err := ParseClaims(s.AccessToken)
	if err != nil {
		return Session{}, err
	}
	if claims.UserID == "" {
		return Session{}, fmt.Errorf("%w: token has no user id", ErrUnauthorized)
	}
	s.UserID = claims.UserID
	s.Name = claims.Name
	s.Email = claims.Email
	s.ExpiresAt = claims.ExpiresAt
	return s, nil
}

// SetCookies stores renewed tokens on the client.
func SetCookies(w http.ResponseWriter, t Tokens, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name: AccessTokenCookie, Value: t.AccessToken, Path: "/",
		HttpOnly: true, Secure: secure, SameSite: http.SameSiteLaxMode,
	})
	if t.RefreshToken != "" {
		http.SetCookie(w, &http.Cookie{
			Name: RefreshTokenCookie, Value: t.RefreshToken, Path: "/",
			HttpOnly: true, Secure: secure, SameSite: http.SameSiteLaxMode,
		})
	}
}

// ClearCookies expires both token cookies.
func ClearCookies(w http.ResponseWriter) {
	for _, name := range []string{AccessTokenCookie, RefreshTokenCookie} {
		http.SetCookie(w, &http.Cookie{
			Name: name, Value: "", Path: "/", MaxAge: -1,
			Expires: time.Unix(0, 0), HttpOnly: true,
		})
	}
}
