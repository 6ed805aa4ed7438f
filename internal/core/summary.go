package core

import "github.com/shopspring/decimal"

// DailyBucket is the sum of one kind of transaction on a calendar day.
type DailyBucket struct {
	Date  Date
	Total decimal.Decimal
}

// CategoryAggregate is the sum and count of one kind of transaction per name.
// Rank is a 1-based display position, not a stored identity.
type CategoryAggregate struct {
	Rank  int
	Name  string
	Icon  string
	Total decimal.Decimal
	Count int
}

// Totals summarizes income against expenses. Balance may be negative.
type Totals struct {
	Balance  decimal.Decimal
	Income   decimal.Decimal
	Expenses decimal.Decimal
}

// Deficit reports whether expenses exceed income.
func (t Totals) Deficit() bool {
	return t.Balance.IsNegative()
}

// SkipReason explains why a row cannot contribute to an aggregate.
// The empty reason marks a usable row.
type SkipReason string

const (
	SkipNone             SkipReason = ""
	SkipMissingAmount    SkipReason = "missing_amount"
	SkipInvalidAmount    SkipReason = "invalid_amount"
	SkipNegativeAmount   SkipReason = "negative_amount"
	SkipUnknownKind      SkipReason = "unknown_kind"
	SkipMissingTimestamp SkipReason = "missing_timestamp"
	SkipMissingName      SkipReason = "missing_name"
)

// TransactionRow is one decoded input row: either a usable Transaction or
// the reason it was rejected.
type TransactionRow struct {
	Transaction
	Skip SkipReason
}

// Usable reports whether the row carries a valid transaction.
func (r TransactionRow) Usable() bool {
	return r.Skip == SkipNone
}

// Check returns the first reason t cannot be aggregated at all. Timestamp and
// name are only required by the aggregations that group on them.
func (t Transaction) Check() SkipReason {
	if !t.Kind.Valid() {
		return SkipUnknownKind
	}
	if t.Amount.IsNegative() {
		return SkipNegativeAmount
	}
	return SkipNone
}

// Row wraps t after checking it.
func (t Transaction) Row() TransactionRow {
	return TransactionRow{Transaction: t, Skip: t.Check()}
}
