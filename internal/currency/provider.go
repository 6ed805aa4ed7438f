package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultRatesURL serves daily tables shaped {"date": "...", "<base>": {"<code>": rate}}.
const DefaultRatesURL = "https://cdn.jsdelivr.net/npm/@fawazahmed0/currency-api@latest/v1/currencies"

// HTTPProvider reads rate tables from a currency-api compatible endpoint.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

func NewHTTPProvider(baseURL string, client *http.Client) *HTTPProvider {
	if baseURL == "" {
		baseURL = DefaultRatesURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		now:     time.Now,
	}
}

func (p *HTTPProvider) Fetch(ctx context.Context, base Code) (*RateTable, error) {
	key := strings.ToLower(string(base))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/"+key+".json", nil)
	if err != nil {
		return nil, fmt.Errorf("build rates request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch rates: HTTP error! status: %d", resp.StatusCode)
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode rates: %w", err)
	}
	return parseTable(base, key, body, p.now())
}

func parseTable(base Code, key string, body map[string]json.RawMessage, now time.Time) (*RateTable, error) {
	var date string
	if raw, ok := body["date"]; ok {
		_ = json.Unmarshal(raw, &date)
	}
	raw, ok := body[key]
	if !ok {
		return nil, fmt.Errorf("%w: response has no %q table", ErrNoRates, key)
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode %s table: %w", key, err)
	}

	rates := make(map[Code]decimal.Decimal, len(entries))
	for k, v := range entries {
		code, err := ParseCode(k)
		if err != nil {
			continue
		}
		rate, err := decimal.NewFromString(string(v))
		if err != nil {
			continue
		}
		rates[code] = rate
	}
	return NewRateTable(base, rates, date, now), nil
}
