package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/tutoring/internal/ledger"
	"github.com/inaiurai/tutoring/internal/lockset"
	"github.com/inaiurai/tutoring/internal/models"
	"github.com/inaiurai/tutoring/internal/observability"
	"github.com/inaiurai/tutoring/internal/retry"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// SessionRepo is the session storage the machine needs.
type SessionRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, s *models.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	// GetByIDForUpdate locks the session row until tx ends.
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Session, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, s *models.Session) error
	// ListExpirable returns ids of negotiating sessions whose deadline is at
	// or before now, oldest deadline first.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListByParticipant(ctx context.Context, userID uuid.UUID) ([]*models.Session, error)
}

// WalletLookup resolves a user's wallet. Wallet ids never change, so lookups
// happen before the transaction starts.
type WalletLookup interface {
	GetByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Wallet, error)
}

// ListingLookup resolves the listing a session is requested for.
type ListingLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Listing, error)
}

// CancellationRepo backs the teacher's rolling cancellation counter.
type CancellationRepo interface {
	RecordTx(ctx context.Context, tx pgx.Tx, c *models.Cancellation) error
	CountSinceTx(ctx context.Context, tx pgx.Tx, teacherID uuid.UUID, since time.Time) (int, error)
}

// Ledger abstracts the money movements transitions perform.
type Ledger interface {
	Lock(ctx context.Context, tx pgx.Tx, sourceWalletID, destinationWalletID, sessionID uuid.UUID, amount decimal.Decimal) (*models.EscrowTransaction, error)
	Release(ctx context.Context, tx pgx.Tx, escrowID uuid.UUID) (*models.EscrowTransaction, error)
	Transfer(ctx context.Context, tx pgx.Tx, escrowID uuid.UUID) (*models.EscrowTransaction, error)
	PartialRefund(ctx context.Context, tx pgx.Tx, escrowID uuid.UUID, refundAmount, transferAmount decimal.Decimal) (*models.EscrowTransaction, error)
	ReverseTransfer(ctx context.Context, tx pgx.Tx, escrowID uuid.UUID, amount decimal.Decimal, reason string) (*models.EscrowTransaction, error)
	IssueBonus(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, amount decimal.Decimal, reason string, sessionID *uuid.UUID) (*models.CreditTransaction, error)
}

// Outcome is what a committed transition produced.
type Outcome struct {
	Session *models.Session
	// Effects are run by the machine's EffectRunner after commit and are
	// returned for callers that want to inspect them.
	Effects []Effect
	// AlreadyHandled is set when the operation found its work done
	// (expiring an expired session).
	AlreadyHandled bool
	// RecentCancellations and CancellationWarning are set by Cancel.
	RecentCancellations int
	CancellationWarning bool
}

// Machine validates and executes session transitions. Each transition runs
// under a per-session lock and commits the session row together with its
// ledger movements in one transaction.
type Machine struct {
	Pool          TxBeginner
	Sessions      SessionRepo
	Wallets       WalletLookup
	Listings      ListingLookup
	Cancellations CancellationRepo
	Ledger        Ledger
	Effects       *EffectRunner
	Policy        Policy
	Logger        *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time

	locks lockset.Set
}

// NewMachine returns a Machine using DefaultPolicy.
func NewMachine(
	pool TxBeginner,
	sessions SessionRepo,
	wallets WalletLookup,
	listings ListingLookup,
	cancellations CancellationRepo,
	ldg Ledger,
	effects *EffectRunner,
	logger *slog.Logger,
) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		Pool:          pool,
		Sessions:      sessions,
		Wallets:       wallets,
		Listings:      listings,
		Cancellations: cancellations,
		Ledger:        ldg,
		Effects:       effects,
		Policy:        DefaultPolicy(),
		Logger:        logger,
		Now:           time.Now,
	}
}

func (m *Machine) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

// Get returns a session.
func (m *Machine) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return m.Sessions.GetByID(ctx, id)
}

// ListForUser returns the sessions the user takes part in.
func (m *Machine) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Session, error) {
	return m.Sessions.ListByParticipant(ctx, userID)
}

// errNoChange aborts a transition without error: the transaction is rolled
// back and the outcome reports AlreadyHandled.
var errNoChange = errors.New("no change")

type transitionFunc func(ctx context.Context, tx pgx.Tx, s *models.Session, now time.Time, out *Outcome) error

// transition loads the session under lock, lets fn validate and mutate it,
// persists it and commits. fn must validate before it calls the ledger or
// mutates s; any error rolls everything back.
func (m *Machine) transition(ctx context.Context, op string, sessionID uuid.UUID, fn transitionFunc) (*Outcome, error) {
	unlock, err := m.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *Outcome
	err = retry.Do(ctx, func() error {
		out = nil
		tx, err := m.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		s, err := m.Sessions.GetByIDForUpdate(ctx, tx, sessionID)
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		now := m.now()
		attempt := &Outcome{Session: s}
		if err := fn(ctx, tx, s, now, attempt); err != nil {
			if errors.Is(err, errNoChange) {
				attempt.AlreadyHandled = true
				attempt.Effects = nil
				out = attempt
				return nil
			}
			return err
		}
		s.UpdatedAt = now
		if err := m.Sessions.UpdateTx(ctx, tx, s); err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		out = attempt
		return nil
	})
	m.record(op, sessionID, err)
	if err != nil {
		return nil, err
	}
	m.Effects.Run(ctx, sessionID, out.Effects)
	return out, nil
}

func (m *Machine) record(op string, sessionID uuid.UUID, err error) {
	switch {
	case err == nil:
		observability.RecordTransition(op, "ok")
	case errors.Is(err, ErrIllegalTransition):
		observability.RecordTransition(op, "illegal")
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrInvalidInput):
		observability.RecordTransition(op, "rejected")
	case errors.Is(err, ledger.ErrInsufficientFunds):
		observability.RecordTransition(op, "insufficient_funds")
	case errors.Is(err, ledger.ErrInvalidEscrowState):
		observability.RecordTransition(op, "escrow_state")
		m.Logger.Error("escrow state violation", "op", op, "session_id", sessionID, "error", err)
	default:
		observability.RecordTransition(op, "error")
	}
}
