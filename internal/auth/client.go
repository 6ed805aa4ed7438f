// Package auth talks to the identity service and carries the caller's
// session through the request.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrSessionExpired = errors.New("session expired")
	ErrNoSession      = errors.New("no session")
)

// ErrUnavailable means a token could not be checked because the identity
// service did not answer.
var ErrUnavailable = errors.New("identity service unavailable")

const maxResponseBytes = 1 << 20

// Response is an identity service reply relayed as-is.
type Response struct {
	Status int
	Body   json.RawMessage
}

// Tokens is the token pair issued by login, signup and refresh.
type Tokens struct {
	AccessToken  string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// Client calls {baseURL}/api/users/*.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// NewClientWithHTTP lets tests inject an httptest client.
func NewClientWithHTTP(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) Login(ctx context.Context, body json.RawMessage) (*Response, error) {
	return c.do(ctx, http.MethodPost, "login", body, "")
}

func (c *Client) Signup(ctx context.Context, body json.RawMessage) (*Response, error) {
	return c.do(ctx, http.MethodPost, "signup", body, "")
}

func (c *Client) Refresh(ctx context.Context, body json.RawMessage) (*Response, error) {
	return c.do(ctx, http.MethodPost, "refresh", body, "")
}

// Profile forwards the caller's Authorization header verbatim.
func (c *Client) Profile(ctx context.Context, authorization string) (*Response, error) {
	return c.do(ctx, http.MethodGet, "profile", nil, authorization)
}

// Renew exchanges a refresh token for a new access token. Rejections map to
// ErrUnauthorized. The refresh token is kept when the service does not
// rotate it.
func (c *Client) Renew(ctx context.Context, refreshToken string) (Tokens, error) {
	if refreshToken == "" {
		return Tokens{}, fmt.Errorf("%w: no refresh token", ErrUnauthorized)
	}
	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return Tokens{}, err
	}
	resp, err := c.Refresh(ctx, body)
	if err != nil {
		return Tokens{}, err
	}
	switch {
	case resp.Status == http.StatusBadRequest, resp.Status == http.StatusUnauthorized, resp.Status == http.StatusForbidden:
		return Tokens{}, fmt.Errorf("%w: refresh rejected with status %d", ErrUnauthorized, resp.Status)
	case resp.Status >= 300:
		return Tokens{}, fmt.Errorf("refresh token: HTTP error! status: %d", resp.Status)
	}

	var tokens struct {
		Tokens
		AccessTokenAlt string `json:"access_token"`
	}
	if err := json.Unmarshal(resp.Body, &tokens); err != nil {
		return Tokens{}, fmt.Errorf("decode refresh response: %w", err)
	}
	out := tokens.Tokens
	if out.AccessToken == "" {
		out.AccessToken = tokens.AccessTokenAlt
	}
	if out.AccessToken == "" {
		return Tokens{}, fmt.Errorf("%w: refresh response has no token", ErrUnauthorized)
	}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out, nil
}

// do relays the upstream status and body. The body must be JSON.
func (c *Client) do(ctx context.Context, method, endpoint string, body json.RawMessage, authorization string) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/users/"+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%s response is not JSON (status %d)", endpoint, resp.StatusCode)
	}
	return &Response{Status: resp.StatusCode, Body: raw}, nil
}
