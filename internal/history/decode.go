package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"kharcha/internal/core"
)

// wireRow accepts the field spellings the history service has used.
type wireRow struct {
	ID        json.RawMessage `json:"id"`
	TxID      json.RawMessage `json:"_id"`
	Type      string          `json:"type"`
	Kind      string          `json:"kind"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	Amount    json.RawMessage `json:"amount"`
	Timestamp string          `json:"timestamp"`
	CreatedAt string          `json:"created_at"`
	Date      string          `json:"date"`
	Icon      string          `json:"icon"`
	Emoji     string          `json:"emoji"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// DecodeRows reads a transaction list given either as a bare array or
// wrapped in {"transactions": [...]} or {"data": [...]}. Rows that cannot be
// used keep their skip reason instead of failing the whole list.
func DecodeRows(raw json.RawMessage) ([]core.TransactionRow, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []core.TransactionRow{}, nil
	}

	var items []json.RawMessage
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: decode transactions: %w", ErrBadResponse, err)
		}
	} else {
		var wrapped struct {
			Transactions []json.RawMessage `json:"transactions"`
			Data         []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("%w: decode transactions: %w", ErrBadResponse, err)
		}
		items = wrapped.Transactions
		if items == nil {
			items = wrapped.Data
		}
	}

	rows := make([]core.TransactionRow, 0, len(items))
	for _, item := range items {
		var w wireRow
		if err := json.Unmarshal(item, &w); err != nil {
			rows = append(rows, core.TransactionRow{Skip: core.SkipInvalidAmount})
			continue
		}
		rows = append(rows, w.row())
	}
	return rows, nil
}

func (w wireRow) row() core.TransactionRow {
	tx := core.Transaction{
		ID:   rawString(w.ID),
		Name: strings.TrimSpace(firstNonEmpty(w.Name, w.Category)),
		Icon: firstNonEmpty(w.Icon, w.Emoji),
	}
	if tx.ID == "" {
		tx.ID = rawString(w.TxID)
	}
	tx.Timestamp = parseTimestamp(firstNonEmpty(w.Timestamp, w.CreatedAt, w.Date))

	kind, err := core.ParseKind(firstNonEmpty(w.Type, w.Kind))
	tx.Kind = kind
	if err != nil {
		tx.Kind = core.Kind(firstNonEmpty(w.Type, w.Kind))
		return core.TransactionRow{Transaction: tx, Skip: core.SkipUnknownKind}
	}

	amount, ok, err := core.AmountFromJSON(w.Amount)
	switch {
	case err != nil:
		return core.TransactionRow{Transaction: tx, Skip: core.SkipInvalidAmount}
	case !ok:
		return core.TransactionRow{Transaction: tx, Skip: core.SkipMissingAmount}
	}
	tx.Amount = amount
	return tx.Row()
}

func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
