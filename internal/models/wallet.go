package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet is one user's credit account. Available and Locked never go negative;
// only the ledger mutates them.
type Wallet struct {
	ID        uuid.UUID       `json:"id"`
	OwnerID   uuid.UUID       `json:"owner_id"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Total is the wallet's share of the money in the system.
func (w *Wallet) Total() decimal.Decimal {
	return w.Available.Add(w.Locked)
}

// MoneyScale is the number of decimal places stored for every amount
// (NUMERIC(20,4)). Finer amounts would be rounded per column.
const MoneyScale = 4

// FitsMoneyScale reports whether a needs no rounding to be stored.
func FitsMoneyScale(a decimal.Decimal) bool {
	return a.Equal(a.Truncate(MoneyScale))
}
