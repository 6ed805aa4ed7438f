package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestParseClaims(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		claims jwt.MapClaims
		want   string
	}{
		{jwt.MapClaims{"userId": "u-1", "exp": exp.Unix()}, "u-1"},
		{jwt.MapClaims{"user_id": float64(42)}, "42"},
		{jwt.MapClaims{"sub": "abc"}, "abc"},
		{jwt.MapClaims{"userId": "first", "sub": "second"}, "first"},
	}
	for _, tc := range cases {
		c, err := ParseClaims(token(t, tc.claims))
		if err != nil {
			t.Fatalf("ParseClaims: %v", err)
		}
		if c.UserID != tc.want {
			t.Fatalf("user id = %q, want %q", c.UserID, tc.want)
		}
	}

	c, _ := ParseClaims(token(t, jwt.MapClaims{"userId": "u", "exp": exp.Unix()}))
	if !c.ExpiresAt.Equal(exp) {
		t.Fatalf("exp = %v", c.ExpiresAt)
	}

	if _, err := ParseClaims("not-a-jwt"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSessionFromRequest(t *testing.T) {
	tok := token(t, jwt.MapClaims{"userId": "u-7", "name": "Asha"})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	r.Header.Set(RefreshTokenHeader, "refresh-1")
	s, err := SessionFromRequest(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.UserID != "u-7" || s.Name != "Asha" || s.RefreshToken != "refresh-1" || !s.Authenticated() {
		t.Fatalf("unexpected session %+v", s)
	}
	if s.Authorization() != "Bearer "+tok {
		t.Fatalf("authorization = %q", s.Authorization())
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: tok})
	r.AddCookie(&http.Cookie{Name: RefreshTokenCookie, Value: "refresh-2"})
	s, err = SessionFromRequest(r)
	if err != nil || s.UserID != "u-7" || s.RefreshToken != "refresh-2" {
		t.Fatalf("cookie session: %+v, %v", s, err)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := SessionFromRequest(r); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token(t, jwt.MapClaims{"name": "nobody"}))
	if _, err := SessionFromRequest(r); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	if (Session{}).Expired(now) {
		t.Fatal("no exp means not expired")
	}
	if !(Session{ExpiresAt: now.Add(-time.Second)}).Expired(now) {
		t.Fatal("expected expired")
	}
}

type fakeRenewer struct {
	calls  int
	tokens Tokens
	err    error
}

func (f *fakeRenewer) Renew(ctx context.Context, refreshToken string) (Tokens, error) {
	f.calls++
	return f.tokens, f.err
}

func TestWithRefresh(t *testing.T) {
	ctx := context.Background()
	oldTok := token(t, jwt.MapClaims{"userId": "u"})
	newTok := token(t, jwt.MapClaims{"userId": "u", "v": 2})
	sess := Session{UserID: "u", AccessToken: oldTok, RefreshToken: "r"}

	t.Run("success without refresh", func(t *testing.T) {
		r := &fakeRenewer{}
		got, s, err := WithRefresh(ctx, sess, r, func(ctx context.Context, s Session) (int, error) { return 1, nil })
		if err != nil || got != 1 || r.calls != 0 || s.AccessToken != oldTok {
			t.Fatalf("got %d, %v, calls=%d", got, err, r.calls)
		}
	})

	t.Run("refresh once then succeed", func(t *testing.T) {
		r := &fakeRenewer{tokens: Tokens{AccessToken: newTok}}
		got, s, err := WithRefresh(ctx, sess, r, func(ctx context.Context, s Session) (int, error) {
			if s.AccessToken == oldTok {
				return 0, ErrUnauthorized
			}
			return 2, nil
		})
		if err != nil || got != 2 || r.calls != 1 {
			t.Fatalf("got %d, %v, calls=%d", got, err, r.calls)
		}
		if s.AccessToken != newTok || s.RefreshToken != "r" {
			t.Fatalf("unexpected renewed session %+v", s)
		}
	})

	t.Run("second rejection expires the session", func(t *testing.T) {
		r := &fakeRenewer{tokens: Tokens{AccessToken: newTok}}
		calls := 0
		_, _, err := WithRefresh(ctx, sess, r, func(ctx context.Context, s Session) (int, error) {
			calls++
			return 0, ErrUnauthorized
		})
		if !errors.Is(err, ErrSessionExpired) || calls != 2 || r.calls != 1 {
			t.Fatalf("err=%v calls=%d renew=%d", err, calls, r.calls)
		}
	})

	t.Run("rejected renewal expires the session", func(t *testing.T) {
		r := &fakeRenewer{err: ErrUnauthorized}
		_, _, err := WithRefresh(ctx, sess, r, func(ctx context.Context, s Session) (int, error) { return 0, ErrUnauthorized })
		if !errors.Is(err, ErrSessionExpired) {
			t.Fatalf("expected ErrSessionExpired, got %v", err)
		}
	})

	t.Run("other errors pass through", func(t *testing.T) {
		boom := errors.New("boom")
		r := &fakeRenewer{}
		_, _, err := WithRefresh(ctx, sess, r, func(ctx context.Context, s Session) (int, error) { return 0, boom })
		if !errors.Is(err, boom) || r.calls != 0 {
			t.Fatalf("err=%v calls=%d", err, r.calls)
		}
	})

	t.Run("no refresh token", func(t *testing.T) {
		noRefresh := sess
		noRefresh.RefreshToken = ""
		_, _, err := WithRefresh(ctx, noRefresh, &fakeRenewer{}, func(ctx context.Context, s Session) (int, error) { return 0, ErrUnauthorized })
		if !errors.Is(err, ErrSessionExpired) {
			t.Fatalf("expected ErrSessionExpired, got %v", err)
		}
	})
}

func TestClientRenew(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/users/refresh" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		if body["refreshToken"] != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Invalid refresh token"}`))
			return
		}
		_, _ = w.Write([]byte(`{"token":"new-access"}`))
	}))
	defer srv.Close()

	c := NewClientWithHTTP(srv.URL, srv.Client())
	tokens, err := c.Renew(context.Background(), "good")
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if tokens.AccessToken != "new-access" || tokens.RefreshToken != "good" {
		t.Fatalf("unexpected tokens %+v", tokens)
	}

	if _, err := c.Renew(context.Background(), "bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := c.Renew(context.Background(), ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestClientRelaysStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/users/login":
			b, _ := io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(b)
		case "/api/users/profile":
			if r.Header.Get("Authorization") != "Bearer abc" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"Invalid token"}`))
				return
			}
			_, _ = w.Write([]byte(`{"id":"u"}`))
		default:
			_, _ = w.Write([]byte(`<html>`))
		}
	}))
	defer srv.Close()
	c := NewClientWithHTTP(srv.URL, srv.Client())
	ctx := context.Background()

	resp, err := c.Login(ctx, json.RawMessage(`{"email":"a@b.c"}`))
	if err != nil || resp.Status != http.StatusCreated || string(resp.Body) != `{"email":"a@b.c"}` {
		t.Fatalf("login: %+v, %v", resp, err)
	}

	resp, err = c.Profile(ctx, "Bearer nope")
	if err != nil || resp.Status != http.StatusUnauthorized {
		t.Fatalf("profile: %+v, %v", resp, err)
	}

	if _, err := c.Signup(ctx, json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for non-JSON body")
	}
}

func TestClearCookies(t *testing.T) {
	rec := httptest.NewRecorder()
	ClearCookies(rec)
	cookies := rec.Result().Cookies()
	if len(cookies) != 2 {
		t.Fatalf("expected 2 cookies, got %d", len(cookies))
	}
	for _, c := range cookies {
		if c.MaxAge >= 0 || c.Value != "" {
			t.Fatalf("cookie %s not cleared: %+v", c.Name, c)
		}
	}
}
