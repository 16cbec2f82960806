package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreditAccount is the per-account carbon-credit record. TotalCredit is the
// cumulative amount ever earned, TradedCredit the cumulative amount reserved
// by open listings or already sold. The available balance is derived, never
// stored independently.
type CreditAccount struct {
	AccountID    string
	TotalCredit  decimal.Decimal
	TradedCredit decimal.Decimal
	UpdatedAt    time.Time
}

// Available returns TotalCredit - TradedCredit. The ledger guarantees the
// result is never negative.
func (a CreditAccount) Available() decimal.Decimal {
	return a.TotalCredit.Sub(a.TradedCredit)
}

// Wallet is the per-account money balance.
type Wallet struct {
	AccountID string
	Balance   decimal.Decimal
	UpdatedAt time.Time
}
