package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/tutoring/internal/models"
	"github.com/inaiurai/tutoring/internal/observability"
)

// WalletRepo is the wallet storage the ledger needs.
type WalletRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, w *models.Wallet) error
	GetByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Wallet, error)
	// GetByIDForUpdate locks the wallet row until tx ends.
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Wallet, error)
	// ApplyDeltaTx adds the signed deltas and returns the new balances, or
	// models.ErrBalanceGuard if either balance would go negative.
	ApplyDeltaTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, availableDelta, lockedDelta decimal.Decimal) (*models.Wallet, error)
}

// EscrowRepo is the escrow storage the ledger needs.
type EscrowRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.EscrowTransaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.EscrowTransaction, error)
	// ResolveTx moves a HELD escrow to status. It reports false when the
	// escrow was no longer HELD.
	ResolveTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, at time.Time) (bool, error)
}

// CreditRepo is the append-only audit log.
type CreditRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, c *models.CreditTransaction) error
	ListByWalletID(ctx context.Context, walletID uuid.UUID) ([]*models.CreditTransaction, error)
}

// Ledger is the only component that mutates money. Every operation runs in
// the caller's transaction, so a failing operation leaves no trace once the
// caller rolls back.
type Ledger struct {
	Wallets WalletRepo
	Escrows EscrowRepo
	Credits CreditRepo
	Logger  *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// New returns a Ledger over the given repositories.
func New(wallets WalletRepo, escrows EscrowRepo, credits CreditRepo, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{Wallets: wallets, Escrows: escrows, Credits: credits, Logger: logger, Now: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

// OpenWallet creates an empty wallet for a newly registered user.
func (l *Ledger) OpenWallet(ctx context.Context, tx pgx.Tx, ownerID uuid.UUID) (*models.Wallet, error) {
	now := l.now()
	w := &models.Wallet{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Available: decimal.Zero,
		Locked:    decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.Wallets.CreateTx(ctx, tx, w); err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	return w, nil
}

// Wallet returns the wallet owned by ownerID.
func (l *Ledger) Wallet(ctx context.Context, ownerID uuid.UUID) (*models.Wallet, error) {
	return l.Wallets.GetByOwner(ctx, ownerID)
}

// Escrow returns an escrow record.
func (l *Ledger) Escrow(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	return l.Escrows.GetByID(ctx, id)
}

// History returns the audit entries of a wallet, newest first.
func (l *Ledger) History(ctx context.Context, walletID uuid.UUID) ([]*models.CreditTransaction, error) {
	return l.Credits.ListByWalletID(ctx, walletID)
}

// Lock moves amount from the source wallet's available balance to its locked
// balance and opens a HELD escrow payable to the destination wallet.
func (l *Ledger) Lock(ctx context.Context, tx pgx.Tx, sourceWalletID, destinationWalletID, sessionID uuid.UUID, amount decimal.Decimal) (*models.EscrowTransaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: lock amount %s must be positive", ErrInvalidAmount, amount)
	}
	if err := checkScale(amount); err != nil {
		return nil, err
	}
	if sourceWalletID == destinationWalletID {
		return nil, fmt.Errorf("%w: source and destination wallet are the same", ErrInvalidAmount)
	}
	wallets, err := l.lockWallets(ctx, tx, sourceWalletID, destinationWalletID)
	if err != nil {
		return nil, err
	}
	src := wallets[sourceWalletID]
	if src.Available.LessThan(amount) {
		return nil, &InsufficientFundsError{WalletID: src.ID, Requested: amount, Available: src.Available}
	}
	if err := l.apply(ctx, tx, src, amount.Neg(), amount); err != nil {
		return nil, err
	}

	now := l.now()
	escrow := &models.EscrowTransaction{
		ID:                  uuid.New(),
		SessionID:           sessionID,
		SourceWalletID:      sourceWalletID,
		DestinationWalletID: destinationWalletID,
		Amount:              amount,
		Status:              models.EscrowHeld,
		CreatedAt:           now,
	}
	if err := l.Escrows.CreateTx(ctx, tx, escrow); err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	}
	if err := l.audit(ctx, tx, escrow, src.ID, models.CreditSpent, amount, amount.Neg(), amount, ""); err != nil {
		return nil, err
	}
	observability.RecordLedgerAttempt("lock")
	return escrow, nil
}

// Release returns a HELD escrow to the source wallet.
func (l *Ledger) Release(ctx context.Context, tx pgx.Tx, escrowID uuid.UUID) (*models.EscrowTransaction, error) {
	escrow, err := l.heldEscrow(ctx, tx, escrowID, "release")
	if err != nil {
		return nil, err
	}
	wallets, err := l.lockWallets(ctx, tx, escrow.SourceWalletID)
	if err != nil {
		return nil, err
	}
	amount := escrow.Amount
	if err := l.apply(ctx, tx, wallets[escrow.SourceWalletID], amount, amount.Neg()); err != nil {
		return nil, err
	}
	if err := l.audit(ctx, tx, escrow, escrow.SourceWalletID, models.CreditRefunded, amount, amount, amount.Neg(), ""); err != nil {
		return nil, err
	}
	if err := l.resolve(ctx, tx, escrow, models.EscrowRefunded, "release"); err != nil {
		return nil, err
	}
	observability.RecordLedgerAttempt("release")
	return escrow, nil
}

// Transfer pays a HELD escrow out to the destination wallet.
func (l *Ledger) Transfer(ctx context.Context, tx pgx.Tx, escrowID uuid.UUID) (*models.EscrowTransaction, error) {
	escrow, err := l.heldEscrow(ctx, tx, escrowID, "transfer")
	if err != nil {
		return nil, err
	}
	wallets, err := l.lockWallets(ctx, tx, escrow.SourceWalletID, escrow.DestinationWalletID)
	if err != nil {
		return nil, err
	}
	if err := l.payOut(ctx, tx, escrow, wallets, escrow.Amount); err != nil {
		return nil, err
	}
	if err := l.resolve(ctx, tx, escrow, models.EscrowTransferred, "transfer"); err != nil {
		return nil, err
	}
	observability.RecordLedgerAttempt("transfer")
	return escrow, nil
}

// PartialRefund splits a HELD escrow: refundAmount goes back to the source
// wallet, transferAmount to the destination. The escrow resolves TRANSFERRED.
func (l *Ledger) PartialRefund(ctx context.Context, tx pgx.Tx, escrowID uuid.UUID, refundAmount, transferAmount decimal.Decimal) (*models.EscrowTransaction, error) {
	if refundAmount.IsNegative() || transferAmount.IsNegative() {
		return nil, fmt.Errorf("%w: split amounts must not be negative", ErrInvalidAmount)
	}
	if err := checkScale(refundAmount, transferAmount); err != nil {
		return nil, err
	}
	escrow, err := l.heldEscrow(ctx, tx, escrowID, "partially refund")
	if err != nil {
		return nil, err
	}
	if !refundAmount.Add(transferAmount).Equal(escrow.Amount) {
		return nil, fmt.Errorf("%w: refund %s + transfer %s != escrowed %s", ErrInvalidAmount, refundAmount, transferAmount, escrow.Amount)
	}
	wallets, err := l.lockWallets(ctx, tx, escrow.SourceWalletID, escrow.DestinationWalletID)
	if err != nil {
		return nil, err
	}
	if refundAmount.IsPositive() {
		if err := l.apply(ctx, tx, wallets[escrow.SourceWalletID], refundAmount, refundAmount.Neg()); err != nil {
			return nil, err
		}
		if err := l.audit(ctx, tx, escrow, escrow.SourceWalletID, models.CreditRefunded, refundAmount, refundAmount, refundAmount.Neg(), "partial refund"); err != nil {
			return nil, err
		}
	}
	if transferAmount.IsPositive() {
		if err := l.payOut(ctx, tx, escrow, wallets, transferAmount); err != nil {
			return nil, err
		}
	}
	if err := l.resolve(ctx, tx, escrow, models.EscrowTransferred, "partially refund"); err != nil {
		return nil, err
	}
	observability.RecordLedgerAttempt("partial_refund")
	return escrow, nil
}

// ReverseTransfer compensates a TRANSFERRED escrow by moving amount from the
// destination wallet's available balance back to the source wallet. The
// escrow keeps its terminal status; the audit log records the reversal.
func (l *Ledger) ReverseTransfer(ctx context.Context, tx pgx.Tx, escrowID uuid.UUID, amount decimal.Decimal, reason string) (*models.EscrowTransaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: reversal amount %s must be positive", ErrInvalidAmount, amount)
	}
	if err := checkScale(amount); err != nil {
		return nil, err
	}
	escrow, err := l.Escrows.GetByIDForUpdate(ctx, tx, escrowID)
	if err != nil {
		return nil, fmt.Errorf("get escrow: %w", err)
	}
	if escrow.Status != models.EscrowTransferred {
		return nil, &EscrowStateError{EscrowID: escrow.ID, Op: "reverse", Status: escrow.Status}
	}
	if amount.GreaterThan(escrow.Amount) {
		return nil, fmt.Errorf("%w: reversal %s exceeds escrowed %s", ErrInvalidAmount, amount, escrow.Amount)
	}
	wallets, err := l.lockWallets(ctx, tx, escrow.SourceWalletID, escrow.DestinationWalletID)
	if err != nil {
		return nil, err
	}
	dst := wallets[escrow.DestinationWalletID]
	if dst.Available.LessThan(amount) {
		return nil, &InsufficientFundsError{WalletID: dst.ID, Requested: amount, Available: dst.Available}
	}
	if err := l.apply(ctx, tx, dst, amount.Neg(), decimal.Zero); err != nil {
		return nil, err
	}
	if err := l.audit(ctx, tx, escrow, dst.ID, models.CreditSpent, amount, amount.Neg(), decimal.Zero, reason); err != nil {
		return nil, err
	}
	if err := l.apply(ctx, tx, wallets[escrow.SourceWalletID], amount, decimal.Zero); err != nil {
		return nil, err
	}
	if err := l.audit(ctx, tx, escrow, escrow.SourceWalletID, models.CreditRefunded, amount, amount, decimal.Zero, reason); err != nil {
		return nil, err
	}
	observability.RecordLedgerAttempt("reverse_transfer")
	return escrow, nil
}

// IssueBonus credits a wallet directly, independent of any escrow. It is one
// of the two ways money enters the system.
func (l *Ledger) IssueBonus(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, amount decimal.Decimal, reason string, sessionID *uuid.UUID) (*models.CreditTransaction, error) {
	entry, err := l.credit(ctx, tx, walletID, amount, models.CreditEarned, reason, sessionID)
	if err != nil {
		return nil, err
	}
	observability.RecordLedgerAttempt("issue_bonus")
	return entry, nil
}

// Deposit records purchased credits. The payment gateway reaches the ledger
// only through here.
func (l *Ledger) Deposit(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, amount decimal.Decimal, reference string) (*models.CreditTransaction, error) {
	entry, err := l.credit(ctx, tx, walletID, amount, models.CreditPurchased, reference, nil)
	if err != nil {
		return nil, err
	}
	observability.RecordLedgerAttempt("deposit")
	return entry, nil
}

func (l *Ledger) credit(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, amount decimal.Decimal, kind, reason string, sessionID *uuid.UUID) (*models.CreditTransaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s amount %s must be positive", ErrInvalidAmount, kind, amount)
	}
	if err := checkScale(amount); err != nil {
		return nil, err
	}
	wallets, err := l.lockWallets(ctx, tx, walletID)
	if err != nil {
		return nil, err
	}
	if err := l.apply(ctx, tx, wallets[walletID], amount, decimal.Zero); err != nil {
		return nil, err
	}
	entry := &models.CreditTransaction{
		ID:             uuid.New(),
		WalletID:       walletID,
		Kind:           kind,
		Amount:         amount,
		AvailableDelta: amount,
		LockedDelta:    decimal.Zero,
		SessionID:      sessionID,
		Reason:         reason,
		CreatedAt:      l.now(),
	}
	if err := l.Credits.CreateTx(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	return entry, nil
}

// checkScale rejects amounts the store would round.
func checkScale(amounts ...decimal.Decimal) error {
	for _, a := range amounts {
		if !models.FitsMoneyScale(a) {
			return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, a, models.MoneyScale)
		}
	}
	return nil
}

// payOut debits amount from the source's locked balance and credits the
// destination's available balance.
func (l *Ledger) payOut(ctx context.Context, tx pgx.Tx, escrow *models.EscrowTransaction, wallets map[uuid.UUID]*models.Wallet, amount decimal.Decimal) error {
	if err := l.apply(ctx, tx, wallets[escrow.SourceWalletID], decimal.Zero, amount.Neg()); err != nil {
		return err
	}
	if err := l.audit(ctx, tx, escrow, escrow.SourceWalletID, models.CreditSpent, amount, decimal.Zero, amount.Neg(), "escrow payout"); err != nil {
		return err
	}
	if err := l.apply(ctx, tx, wallets[escrow.DestinationWalletID], amount, decimal.Zero); err != nil {
		return err
	}
	return l.audit(ctx, tx, escrow, escrow.DestinationWalletID, models.CreditEarned, amount, amount, decimal.Zero, "")
}

func (l *Ledger) heldEscrow(ctx context.Context, tx pgx.Tx, id uuid.UUID, op string) (*models.EscrowTransaction, error) {
	escrow, err := l.Escrows.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("get escrow: %w", err)
	}
	if !escrow.Held() {
		return nil, &EscrowStateError{EscrowID: escrow.ID, Op: op, Status: escrow.Status}
	}
	return escrow, nil
}

func (l *Ledger) resolve(ctx context.Context, tx pgx.Tx, escrow *models.EscrowTransaction, status, op string) error {
	at := l.now()
	ok, err := l.Escrows.ResolveTx(ctx, tx, escrow.ID, status, at)
	if err != nil {
		return fmt.Errorf("resolve escrow: %w", err)
	}
	if !ok {
		return &EscrowStateError{EscrowID: escrow.ID, Op: op, Status: "resolved concurrently"}
	}
	escrow.Status = status
	escrow.ResolvedAt = &at
	return nil
}

// lockWallets locks every distinct wallet in ascending id order so two
// operations over the same pair of wallets cannot deadlock.
func (l *Ledger) lockWallets(ctx context.Context, tx pgx.Tx, ids ...uuid.UUID) (map[uuid.UUID]*models.Wallet, error) {
	sorted := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			sorted = append(sorted, id)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	out := make(map[uuid.UUID]*models.Wallet, len(sorted))
	for _, id := range sorted {
		w, err := l.Wallets.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			return nil, fmt.Errorf("lock wallet %s: %w", id, err)
		}
		out[id] = w
	}
	return out, nil
}

func (l *Ledger) apply(ctx context.Context, tx pgx.Tx, w *models.Wallet, availableDelta, lockedDelta decimal.Decimal) error {
	updated, err := l.Wallets.ApplyDeltaTx(ctx, tx, w.ID, availableDelta, lockedDelta)
	if err != nil {
		if errors.Is(err, models.ErrBalanceGuard) {
			l.Logger.Error("wallet balance guard tripped", "wallet_id", w.ID,
				"available_delta", availableDelta, "locked_delta", lockedDelta)
			return &InsufficientFundsError{WalletID: w.ID, Requested: availableDelta.Neg(), Available: w.Available}
		}
		return fmt.Errorf("update wallet %s: %w", w.ID, err)
	}
	*w = *updated
	return nil
}

func (l *Ledger) audit(ctx context.Context, tx pgx.Tx, escrow *models.EscrowTransaction, walletID uuid.UUID, kind string, amount, availableDelta, lockedDelta decimal.Decimal, reason string) error {
	sessionID := escrow.SessionID
	escrowID := escrow.ID
	entry := &models.CreditTransaction{
		ID:             uuid.New(),
		WalletID:       walletID,
		Kind:           kind,
		Amount:         amount,
		AvailableDelta: availableDelta,
		LockedDelta:    lockedDelta,
		SessionID:      &sessionID,
		EscrowID:       &escrowID,
		Reason:         reason,
		CreatedAt:      l.now(),
	}
	if err := l.Credits.CreateTx(ctx, tx, entry); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}
