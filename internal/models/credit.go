package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Credit transaction kinds.
const (
	CreditEarned    = "earned"
	CreditSpent     = "spent"
	CreditPurchased = "purchased"
	CreditRefunded  = "refunded"
)

// CreditTransaction is an append-only audit entry. AvailableDelta and
// LockedDelta are the signed changes applied to the wallet, so summing them per
// wallet reproduces its balances.
type CreditTransaction struct {
	ID             uuid.UUID       `json:"id"`
	WalletID       uuid.UUID       `json:"wallet_id"`
	Kind           string          `json:"kind"`
	Amount         decimal.Decimal `json:"amount"`
	AvailableDelta decimal.Decimal `json:"available_delta"`
	LockedDelta    decimal.Decimal `json:"locked_delta"`
	SessionID      *uuid.UUID      `json:"session_id,omitempty"`
	EscrowID       *uuid.UUID      `json:"escrow_id,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
