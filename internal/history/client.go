// Package history reads and writes transactions through the history service.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"kharcha/internal/auth"
	"kharcha/internal/core"
	"kharcha/internal/log"
)

const maxResponseBytes = 4 << 20

// StatusError is a non-2xx reply from the history service.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return e.Message
}

// Is lets 401 and 403 replies match auth.ErrUnauthorized.
func (e *StatusError) Is(target error) bool {
	return target == auth.ErrUnauthorized &&
		(e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden)
}

// ErrUnauthorized is auth.ErrUnauthorized, re-exported for callers that only
// import history.
var ErrUnauthorized = auth.ErrUnauthorized

type Client struct {
	baseURL string
	http    *http.Client
	logger  *log.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *log.Logger) *Client {
	return NewClientWithHTTP(baseURL, &http.Client{Timeout: timeout}, logger)
}

func NewClientWithHTTP(baseURL string, hc *http.Client, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Discard()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		logger:  logger.WithComponent(log.ComponentHistory),
	}
}

func (c *Client) Balance(ctx context.Context, sess auth.Session) (decimal.Decimal, error) {
	return c.total(ctx, sess, "balance", "balance")
}

func (c *Client) TotalIncome(ctx context.Context, sess auth.Session) (decimal.Decimal, error) {
	return c.total(ctx, sess, "income", "total_income")
}

func (c *Client) TotalExpenses(ctx context.Context, sess auth.Session) (decimal.Decimal, error) {
	return c.total(ctx, sess, "expenses", "total_expenses")
}

// Summary fetches balance, income and expenses concurrently. Any failure
// fails the whole summary.
func (c *Client) Summary(ctx context.Context, sess auth.Session) (core.Totals, error) {
	var t core.Totals
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		t.Balance, err = c.Balance(gctx, sess)
		return err
	})
	g.Go(func() (err error) {
		t.Income, err = c.TotalIncome(gctx, sess)
		return err
	})
	g.Go(func() (err error) {
		t.Expenses, err = c.TotalExpenses(gctx, sess)
		return err
	})
	if err := g.Wait(); err != nil {
		return core.Totals{}, err
	}
	return t, nil
}

// RecentTransactions lists the last days of transactions, newest first as
// returned by the service.
func (c *Client) RecentTransactions(ctx context.Context, sess auth.Session, days, limit int) ([]core.TransactionRow, error) {
	q := url.Values{}
	q.Set("user_id", sess.UserID)
	q.Set("days", strconv.Itoa(days))
	q.Set("limit", strconv.Itoa(limit))
	return c.transactions(ctx, sess, q)
}

// TransactionsInRange lists transactions between start and end inclusive.
func (c *Client) TransactionsInRange(ctx context.Context, sess auth.Session, start, end core.Date, limit int) ([]core.TransactionRow, error) {
	q := url.Values{}
	q.Set("user_id", sess.UserID)
	q.Set("start_date", start.String())
	q.Set("end_date", end.String())
	q.Set("limit", strconv.Itoa(limit))
	return c.transactions(ctx, sess, q)
}

func (c *Client) transactions(ctx context.Context, sess auth.Session, q url.Values) ([]core.TransactionRow, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/history/transactions?"+q.Encode(), sess, nil, &raw); err != nil {
		return nil, err
	}
	return DecodeRows(raw)
}

type createRequest struct {
	ID       string `json:"id,omitempty"`
	UserID   string `json:"user_id"`
	Type     string `json:"type"`
	Category string `json:"category"`
	Amount   string `json:"amount"`
	Date     string `json:"date"`
	Icon     string `json:"icon,omitempty"`
}

// CreateTransaction records e and returns the id assigned by the service,
// falling back to e.ID.
func (c *Client) CreateTransaction(ctx context.Context, sess auth.Session, e core.Entry) (string, error) {
	body, err := json.Marshal(createRequest{
		ID:       e.ID,
		UserID:   e.UserID,
		Type:     e.Kind.String(),
		Category: e.Name,
		Amount:   e.Amount.StringFixed(2),
		Date:     e.Date.String(),
		Icon:     e.Icon,
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		ID json.RawMessage `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/history/transactions", sess, body, &resp); err != nil {
		return "", err
	}
	if id := rawString(resp.ID); id != "" {
		return id, nil
	}
	return e.ID, nil
}

// Health returns the service's health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	if err := c.do(ctx, http.MethodGet, "/api/history/health", auth.Session{}, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) total(ctx context.Context, sess auth.Session, endpoint, field string) (decimal.Decimal, error) {
	var body map[string]json.RawMessage
	path := "/api/history/" + endpoint + "?" + url.Values{"user_id": {sess.UserID}}.Encode()
	if err := c.do(ctx, http.MethodGet, path, sess, nil, &body); err != nil {
		return decimal.Zero, err
	}
	v, ok, err := core.AmountFromJSON(body[field])
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	if !ok {
		return decimal.Zero, nil
	}
	return v, nil
}

func (c *Client) do(ctx context.Context, method, path string, sess auth.Session, body []byte, out any) error {
	if path != "/api/history/health" && sess.UserID == "" {
		return fmt.Errorf("%w: user not authenticated", auth.ErrUnauthorized)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build history request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a := sess.Authorization(); a != "" {
		req.Header.Set("Authorization", a)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "History request failed",
			log.FieldUpstream, path, log.FieldError, err, log.FieldErrorType, log.ErrorTypeNetwork)
		return fmt.Errorf("history %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadResponse, err)
	}

	c.logger.DebugContext(ctx, "History request completed",
		log.FieldUpstream, req.URL.Path, log.FieldStatusCode, resp.StatusCode,
		log.FieldDuration, time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	return nil
}

// statusError prefers the service's own message or error field.
func statusError(status int, raw []byte) error {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(raw, &body)
	msg := body.Message
	if msg == "" {
		msg = body.Error
	}
	if msg == "" {
		msg = fmt.Sprintf("HTTP error! status: %d", status)
	}
	return &StatusError{Status: status, Message: msg}
}

// ErrBadResponse marks a reply the history service sent but the client
// could not read.
var ErrBadResponse = errors.New("bad history response")

// IsUpstream reports whether err came from reaching the history service: a
// 5xx reply, a transport failure or an unreadable reply.
func IsUpstream(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500
	}
	var ue *url.Error
	return errors.As(err, &ue) || errors.Is(err, ErrBadResponse)
}
