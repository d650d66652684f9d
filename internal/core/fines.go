package core

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// DefaultUnitFine is charged per whole day a book is returned late.
var DefaultUnitFine = decimal.RequireFromString("0.50")

// FinePolicy computes late fees from calendar dates.
type FinePolicy struct {
	UnitFine decimal.Decimal
}

// DefaultFinePolicy charges DefaultUnitFine per late day.
func DefaultFinePolicy() FinePolicy {
	return FinePolicy{UnitFine: DefaultUnitFine}
}

// DaysLate is the number of whole days today is past due, never negative.
func (p FinePolicy) DaysLate(due, today Date) int {
	if due.IsZero() || today.IsZero() {
		return 0
	}
	days := today.DaysSince(due)
	if days < 0 {
		return 0
	}
	return days
}

// Fine prices daysLate at the policy's unit fine.
func (p FinePolicy) Fine(daysLate int) decimal.Decimal {
	if daysLate <= 0 {
		return decimal.Zero
	}
	return p.UnitFine.Mul(decimal.NewFromInt(int64(daysLate)))
}

// Assess returns the days late and fine owed for a loan returned on today.
func (p FinePolicy) Assess(due, today Date) (int, decimal.Decimal) {
	days := p.DaysLate(due, today)
	return days, p.Fine(days)
}

// Receipt is the outcome of a return. DaysLate and Fine are not persisted.
type Receipt struct {
	Loan     Loan            `json:"loan"`
	DaysLate int             `json:"daysLate"`
	Fine     decimal.Decimal `json:"fine"`
}

// MarshalJSON renders the fine as a JSON number.
func (r Receipt) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Loan     Loan        `json:"loan"`
		DaysLate int         `json:"daysLate"`
		Fine     json.Number `json:"fine"`
	}{
		Loan:     r.Loan,
		DaysLate: r.DaysLate,
		Fine:     json.Number(r.Fine.String()),
	})
}
