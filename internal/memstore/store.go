// Package memstore is an in-memory implementation of every repository the
// service needs. Transactions are serialized: Begin takes the store's single
// write slot and holds it until Commit or Rollback, so row locks are implied.
// Non-transactional reads also take the slot and must not be called while
// the same goroutine holds an open transaction.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/tutoring/internal/models"
)

var errNoSQL = errors.New("memstore: SQL is not supported")

// Store holds all tables in maps.
type Store struct {
	sem chan struct{}

	users         map[uuid.UUID]*models.User
	userByEmail   map[string]uuid.UUID
	wallets       map[uuid.UUID]*models.Wallet
	walletByOwner map[uuid.UUID]uuid.UUID
	escrows       map[uuid.UUID]*models.EscrowTransaction
	credits       []*models.CreditTransaction
	listings      map[uuid.UUID]*models.Listing
	sessions      map[uuid.UUID]*models.Session
	cancellations []models.Cancellation
	tickets       map[uuid.UUID]*models.SupportTicket

	// failBegin queues errors for the next Begin calls.
	failMu    sync.Mutex
	failBegin []error
}

func New() *Store {
	return &Store{
		sem:           make(chan struct{}, 1),
		users:         make(map[uuid.UUID]*models.User),
		userByEmail:   make(map[string]uuid.UUID),
		wallets:       make(map[uuid.UUID]*models.Wallet),
		walletByOwner: make(map[uuid.UUID]uuid.UUID),
		escrows:       make(map[uuid.UUID]*models.EscrowTransaction),
		listings:      make(map[uuid.UUID]*models.Listing),
		sessions:      make(map[uuid.UUID]*models.Session),
		tickets:       make(map[uuid.UUID]*models.SupportTicket),
	}
}

// FailNextBegin makes the next len(errs) Begin calls return errs in order.
func (s *Store) FailNextBegin(errs ...error) {
	s.failMu.Lock()
	s.failBegin = append(s.failBegin, errs...)
	s.failMu.Unlock()
}

func (s *Store) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) release() { <-s.sem }

// read runs fn with the write slot held.
func (s *Store) read(ctx context.Context, fn func() error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return fn()
}

// Begin starts a transaction. It blocks until no other transaction is open.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	s.failMu.Lock()
	if len(s.failBegin) > 0 {
		err := s.failBegin[0]
		s.failBegin = s.failBegin[1:]
		s.failMu.Unlock()
		return nil, err
	}
	s.failMu.Unlock()

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	return &Tx{store: s}, nil
}

// Tx is an open memstore transaction. Writes apply immediately and are
// undone on Rollback.
type Tx struct {
	store *Store
	undo  []func()
	done  bool
}

var _ pgx.Tx = (*Tx)(nil)

func (t *Tx) onRollback(fn func()) { t.undo = append(t.undo, fn) }

func (t *Tx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.undo = nil
	t.store.release()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.done = true
	t.undo = nil
	t.store.release()
	return nil
}

// Begin would open a savepoint; memstore has none.
func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return nil, errNoSQL }

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errNoSQL
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errNoSQL
}
func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), errNoSQL
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, errNoSQL }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return errRow{} }
func (t *Tx) Conn() *pgx.Conn                                         { return nil }

type errRow struct{}

func (errRow) Scan(...any) error { return errNoSQL }

// open unwraps tx, which must be a live memstore transaction.
func open(tx pgx.Tx) (*Tx, error) {
	t, ok := tx.(*Tx)
	if !ok {
		return nil, errors.New("memstore: foreign transaction")
	}
	if t.done {
		return nil, pgx.ErrTxClosed
	}
	return t, nil
}

// Totals sums every wallet. Held is the sum of HELD escrow amounts, which
// always equals Locked.
type Totals struct {
	Available decimal.Decimal
	Locked    decimal.Decimal
	Held      decimal.Decimal
}

// Money returns Available + Locked.
func (t Totals) Money() decimal.Decimal { return t.Available.Add(t.Locked) }

// Totals reports system-wide balances.
func (s *Store) Totals(ctx context.Context) (Totals, error) {
	var out Totals
	err := s.read(ctx, func() error {
		for _, w := range s.wallets {
			out.Available = out.Available.Add(w.Available)
			out.Locked = out.Locked.Add(w.Locked)
		}
		for _, e := range s.escrows {
			if e.Held() {
				out.Held = out.Held.Add(e.Amount)
			}
		}
		return nil
	})
	return out, err
}

// EscrowsForSession returns every escrow recorded for a session, oldest
// first. There is never more than one.
func (s *Store) EscrowsForSession(ctx context.Context, sessionID uuid.UUID) ([]models.EscrowTransaction, error) {
	var out []models.EscrowTransaction
	err := s.read(ctx, func() error {
		for _, e := range s.escrows {
			if e.SessionID == sessionID {
				out = append(out, *e)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// CreditCount returns the number of audit entries.
func (s *Store) CreditCount(ctx context.Context) (int, error) {
	var n int
	err := s.read(ctx, func() error {
		n = len(s.credits)
		return nil
	})
	return n, err
}
