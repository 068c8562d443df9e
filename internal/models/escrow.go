package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Escrow statuses. HELD resolves exactly once to one of the other two.
const (
	EscrowHeld        = "HELD"
	EscrowRefunded    = "REFUNDED"
	EscrowTransferred = "TRANSFERRED"
)

type EscrowTransaction struct {
	ID                  uuid.UUID       `json:"id"`
	SessionID           uuid.UUID       `json:"session_id"`
	SourceWalletID      uuid.UUID       `json:"source_wallet_id"`
	DestinationWalletID uuid.UUID       `json:"destination_wallet_id"`
	Amount              decimal.Decimal `json:"amount"`
	Status              string          `json:"status"`
	CreatedAt           time.Time       `json:"created_at"`
	ResolvedAt          *time.Time      `json:"resolved_at,omitempty"`
}

// Held reports whether the escrow can still be resolved.
func (e *EscrowTransaction) Held() bool {
	return e.Status == EscrowHeld
}
