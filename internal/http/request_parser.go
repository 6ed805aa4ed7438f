package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const maxBodyBytes = 64 << 10

var errBadRequest = errors.New("bad request")

// MonthParams holds year/month query values.
type MonthParams struct {
	Year  int
	Month int
}

// ParseMonthParams reads year and month, defaulting to the month of now.
// Values that are present but not numbers are an error.
func ParseMonthParams(query url.Values, now time.Time) (MonthParams, error) {
	params := MonthParams{Year: now.Year(), Month: int(now.Month())}
	var err error
	if params.Year, err = intParam(query, "year", params.Year); err != nil {
		return params, err
	}
	if params.Month, err = intParam(query, "month", params.Month); err != nil {
		return params, err
	}
	return params, nil
}

// RecentParams holds the recent list window.
type RecentParams struct {
	Days  int
	Limit int
}

func ParseRecentParams(query url.Values, defaultDays, defaultLimit int) (RecentParams, error) {
	params := RecentParams{Days: defaultDays, Limit: defaultLimit}
	var err error
	if params.Days, err = intParam(query, "days", defaultDays); err != nil {
		return params, err
	}
	if params.Limit, err = intParam(query, "limit", defaultLimit); err != nil {
		return params, err
	}
	if params.Days < 1 || params.Days > 366 {
		return params, fmt.Errorf("%w: days must be between 1 and 366", errBadRequest)
	}
	if params.Limit < 1 || params.Limit > 1000 {
		return params, fmt.Errorf("%w: limit must be between 1 and 1000", errBadRequest)
	}
	return params, nil
}

// ParseFresh reports whether the caller asked to bypass the cache.
func ParseFresh(query url.Values) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(query.Get("fresh")))
	return err == nil && v
}

func intParam(query url.Values, name string, def int) (int, error) {
	v := strings.TrimSpace(query.Get(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s must be a number", errBadRequest, name)
	}
	return n, nil
}

// DecodeJSON reads a bounded JSON object into v.
func DecodeJSON(body io.Reader, v any) error {
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body", errBadRequest)
	}
	return nil
}

// SanitizeInput trims s and drops control characters and angle brackets.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '<' || r == '>' {
			return -1
		}
		return r
	}, s)
}
