package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	Income  Kind = "income"
	Expense Kind = "expense"
)

type (
	// Kind carries the direction of a transaction. Amounts are never negative.
	Kind string

	Date struct {
		time.Time
	}

	// Transaction is a single record read from the history service.
	// Amount is denominated in the base currency.
	Transaction struct {
		ID        string
		Kind      Kind
		Name      string // category key
		Amount    decimal.Decimal
		Timestamp time.Time
		Icon      string
	}

	// Entry is a new income or expense submitted by a user.
	Entry struct {
		ID     string
		UserID string
		Kind   Kind
		Name   string
		Amount decimal.Decimal
		Date   Date
		Icon   string
	}
)

var (
	ErrInvalidDate   = errors.New("invalid date")
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidKind   = errors.New("invalid kind")
	ErrEmptyName     = errors.New("empty name")
	ErrEmptyUser     = errors.New("empty user id")
)

const maxNameLength = 100

// ParseKind accepts the spellings used by the history service and the entry forms.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "income", "credit":
		return Income, nil
	case "expense", "expenses", "debit":
		return Expense, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

func (k Kind) Valid() bool {
	return k == Income || k == Expense
}

func (k Kind) String() string {
	return string(k)
}

// Validate rejects the zero date. Range errors are caught by ParseDate,
// since time.Time normalizes out-of-range days and months.
func (d Date) Validate() error {
	if d.IsZero() {
		return ErrInvalidDate
	}
	return nil
}

// Day returns the day of the month
func (d Date) Day() int {
	return d.Time.Day()
}

// Month returns the month
func (d Date) Month() int {
	return int(d.Time.Month())
}

// Year returns the year
func (d Date) Year() int {
	return d.Time.Year()
}

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day in t's own location.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), int(t.Month()), t.Day())
}

// ParseDate accepts ISO dates and the DD/MM/YYYY form used by the entry modals.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", "02/01/2006", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return DateOf(t), nil
		}
	}
	return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

// String renders the date as YYYY-MM-DD.
func (d Date) String() string {
	return d.Format("2006-01-02")
}

// Label renders chart labels such as "1st Jan" or "22nd Mar".
func (d Date) Label() string {
	day := d.Day()
	suffix := "th"
	switch day {
	case 1, 21, 31:
		suffix = "st"
	case 2, 22:
		suffix = "nd"
	case 3, 23:
		suffix = "rd"
	}
	return fmt.Sprintf("%d%s %s", day, suffix, d.Format("Jan"))
}

// MonthRange returns the first and last calendar day of the given month.
func MonthRange(year, month int) (Date, Date) {
	first := NewDate(year, month, 1)
	last := Date{Time: first.AddDate(0, 1, -1)}
	return first, last
}

func (e Entry) Validate() error {
	if strings.TrimSpace(e.UserID) == "" {
		return ErrEmptyUser
	}
	if !e.Kind.Valid() {
		return ErrInvalidKind
	}
	if err := e.Date.Validate(); err != nil {
		return err
	}
	if len(strings.TrimSpace(e.Name)) == 0 {
		return ErrEmptyName
	}
	if len(e.Name) > maxNameLength {
		return fmt.Errorf("name too long (max %d characters)", maxNameLength)
	}
	if !e.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}
