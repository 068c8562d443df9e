package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned when a wallet cannot cover a debit.
	// The concrete error is *InsufficientFundsError.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidEscrowState is returned when an escrow is resolved twice or
	// compensated before it was transferred. Given per-session serialization
	// it indicates a bug.
	ErrInvalidEscrowState = errors.New("invalid escrow state")
	// ErrInvalidAmount is returned for non-positive amounts, amounts finer
	// than models.MoneyScale, or splits that do not add up to the escrowed
	// amount.
	ErrInvalidAmount = errors.New("invalid amount")
)

// InsufficientFundsError carries the shortfall so callers can tell the user
// how much to top up.
type InsufficientFundsError struct {
	WalletID  uuid.UUID
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: wallet %s has %s available, needs %s (short %s)",
		e.WalletID, e.Available, e.Requested, e.Shortfall())
}

// Shortfall is how much is missing to cover the request.
func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// EscrowStateError describes an attempted operation on an escrow that was not
// in the status it requires.
type EscrowStateError struct {
	EscrowID uuid.UUID
	Op       string
	Status   string
}

func (e *EscrowStateError) Error() string {
	return fmt.Sprintf("invalid escrow state: cannot %s escrow %s in status %s", e.Op, e.EscrowID, e.Status)
}

func (e *EscrowStateError) Is(target error) bool {
	return target == ErrInvalidEscrowState
}
