package memstore

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/tutoring/internal/models"
)

// --- Users ---

type UserRepo struct{ s *Store }

func (s *Store) Users() *UserRepo { return &UserRepo{s: s} }

func (r *UserRepo) CreateTx(_ context.Context, tx pgx.Tx, u *models.User) error {
	t, err := open(tx)
	if err != nil {
		return err
	}
	email := strings.ToLower(u.Email)
	if _, ok := r.s.userByEmail[email]; ok {
		return models.ErrDuplicate
	}
	if _, ok := r.s.users[u.ID]; ok {
		return models.ErrDuplicate
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	cp := *u
	r.s.users[u.ID] = &cp
	r.s.userByEmail[email] = u.ID
	t.onRollback(func() {
		delete(r.s.users, u.ID)
		delete(r.s.userByEmail, email)
	})
	return nil
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var out *models.User
	err := r.s.read(ctx, func() error {
		u, ok := r.s.users[id]
		if !ok {
			return models.ErrNotFound
		}
		cp := *u
		out = &cp
		return nil
	})
	return out, err
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var out *models.User
	err := r.s.read(ctx, func() error {
		id, ok := r.s.userByEmail[strings.ToLower(email)]
		if !ok {
			return models.ErrNotFound
		}
		cp := *r.s.users[id]
		out = &cp
		return nil
	})
	return out, err
}

func (r *UserRepo) SetSuspended(ctx context.Context, id uuid.UUID, suspended bool) error {
	return r.s.read(ctx, func() error {
		u, ok := r.s.users[id]
		if !ok {
			return models.ErrNotFound
		}
		u.Suspended = suspended
		u.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// --- Wallets ---

type WalletRepo struct{ s *Store }

func (s *Store) Wallets() *WalletRepo { return &WalletRepo{s: s} }

func (r *WalletRepo) CreateTx(_ context.Context, tx pgx.Tx, w *models.Wallet) error {
	t, err := open(tx)
	if err != nil {
		return err
	}
	if _, ok := r.s.walletByOwner[w.OwnerID]; ok {
		return models.ErrDuplicate
	}
	cp := *w
	r.s.wallets[w.ID] = &cp
	r.s.walletByOwner[w.OwnerID] = w.ID
	t.onRollback(func() {
		delete(r.s.wallets, w.ID)
		delete(r.s.walletByOwner, w.OwnerID)
	})
	return nil
}

func (r *WalletRepo) GetByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Wallet, error) {
	var out *models.Wallet
	err := r.s.read(ctx, func() error {
		id, ok := r.s.walletByOwner[ownerID]
		if !ok {
			return models.ErrNotFound
		}
		cp := *r.s.wallets[id]
		out = &cp
		return nil
	})
	return out, err
}

func (r *WalletRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	var out *models.Wallet
	err := r.s.read(ctx, func() error {
		w, ok := r.s.wallets[id]
		if !ok {
			return models.ErrNotFound
		}
		cp := *w
		out = &cp
		return nil
	})
	return out, err
}

func (r *WalletRepo) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.Wallet, error) {
	if _, err := open(tx); err != nil {
		return nil, err
	}
	w, ok := r.s.wallets[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (r *WalletRepo) ApplyDeltaTx(_ context.Context, tx pgx.Tx, id uuid.UUID, availableDelta, lockedDelta decimal.Decimal) (*models.Wallet, error) {
	t, err := open(tx)
	if err != nil {
		return nil, err
	}
	w, ok := r.s.wallets[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	available := w.Available.Add(availableDelta)
	locked := w.Locked.Add(lockedDelta)
	if available.IsNegative() || locked.IsNegative() {
		return nil, models.ErrBalanceGuard
	}
	prev := *w
	w.Available = available
	w.Locked = locked
	w.UpdatedAt = time.Now().UTC()
	t.onRollback(func() { *r.s.wallets[id] = prev })
	cp := *w
	return &cp, nil
}

// All returns every wallet. Used by balance checks.
func (r *WalletRepo) All(ctx context.Context) ([]*models.Wallet, error) {
	var out []*models.Wallet
	err := r.s.read(ctx, func() error {
		for _, w := range r.s.wallets {
			cp := *w
			out = append(out, &cp)
		}
		return nil
	})
	return out, err
}

// --- Escrows ---

type EscrowRepo struct{ s *Store }

func (s *Store) Escrows() *EscrowRepo { return &EscrowRepo{s: s} }

func (r *EscrowRepo) CreateTx(_ context.Context, tx pgx.Tx, e *models.EscrowTransaction) error {
	t, err := open(tx)
	if err != nil {
		return err
	}
	if _, ok := r.s.escrows[e.ID]; ok {
		return models.ErrDuplicate
	}
	for _, other := range r.s.escrows {
		if other.SessionID == e.SessionID {
			return models.ErrDuplicate
		}
	}
	cp := *e
	r.s.escrows[e.ID] = &cp
	t.onRollback(func() { delete(r.s.escrows, e.ID) })
	return nil
}

func (r *EscrowRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	var out *models.EscrowTransaction
	err := r.s.read(ctx, func() error {
		e, ok := r.s.escrows[id]
		if !ok {
			return models.ErrNotFound
		}
		cp := *e
		out = &cp
		return nil
	})
	return out, err
}

func (r *EscrowRepo) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.EscrowTransaction, error) {
	if _, err := open(tx); err != nil {
		return nil, err
	}
	e, ok := r.s.escrows[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *EscrowRepo) ResolveTx(_ context.Context, tx pgx.Tx, id uuid.UUID, status string, at time.Time) (bool, error) {
	t, err := open(tx)
	if err != nil {
		return false, err
	}
	e, ok := r.s.escrows[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if !e.Held() {
		return false, nil
	}
	prev := *e
	e.Status = status
	resolved := at
	e.ResolvedAt = &resolved
	t.onRollback(func() { *r.s.escrows[id] = prev })
	return true, nil
}

// --- Credits ---

type CreditRepo struct{ s *Store }

func (s *Store) Credits() *CreditRepo { return &CreditRepo{s: s} }

func (r *CreditRepo) CreateTx(_ context.Context, tx pgx.Tx, c *models.CreditTransaction) error {
	t, err := open(tx)
	if err != nil {
		return err
	}
	cp := *c
	r.s.credits = append(r.s.credits, &cp)
	n := len(r.s.credits) - 1
	t.onRollback(func() { r.s.credits = r.s.credits[:n] })
	return nil
}

// ListByWalletID returns the wallet's entries newest first.
func (r *CreditRepo) ListByWalletID(ctx context.Context, walletID uuid.UUID) ([]*models.CreditTransaction, error) {
	var out []*models.CreditTransaction
	err := r.s.read(ctx, func() error {
		for i := len(r.s.credits) - 1; i >= 0; i-- {
			if c := r.s.credits[i]; c.WalletID == walletID {
				cp := *c
				out = append(out, &cp)
			}
		}
		return nil
	})
	return out, err
}

// --- Listings ---

type ListingRepo struct{ s *Store }

func (s *Store) Listings() *ListingRepo { return &ListingRepo{s: s} }

func (r *ListingRepo) Create(ctx context.Context, l *models.Listing) error {
	return r.s.read(ctx, func() error {
		if _, ok := r.s.listings[l.ID]; ok {
			return models.ErrDuplicate
		}
		if l.CreatedAt.IsZero() {
			l.CreatedAt = time.Now().UTC()
		}
		cp := *l
		r.s.listings[l.ID] = &cp
		return nil
	})
}

func (r *ListingRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	var out *models.Listing
	err := r.s.read(ctx, func() error {
		l, ok := r.s.listings[id]
		if !ok {
			return models.ErrNotFound
		}
		cp := *l
		out = &cp
		return nil
	})
	return out, err
}

// ListActive returns active listings, newest first.
func (r *ListingRepo) ListActive(ctx context.Context) ([]*models.Listing, error) {
	var out []*models.Listing
	err := r.s.read(ctx, func() error {
		for _, l := range r.s.listings {
			if l.Status == models.ListingActive {
				cp := *l
				out = append(out, &cp)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, err
}

func (r *ListingRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	return r.s.read(ctx, func() error {
		l, ok := r.s.listings[id]
		if !ok {
			return models.ErrNotFound
		}
		l.Status = status
		return nil
	})
}

// --- Sessions ---

type SessionRepo struct{ s *Store }

func (s *Store) Sessions() *SessionRepo { return &SessionRepo{s: s} }

func (r *SessionRepo) CreateTx(_ context.Context, tx pgx.Tx, sess *models.Session) error {
	t, err := open(tx)
	if err != nil {
		return err
	}
	if _, ok := r.s.sessions[sess.ID]; ok {
		return models.ErrDuplicate
	}
	cp := *sess
	r.s.sessions[sess.ID] = &cp
	t.onRollback(func() { delete(r.s.sessions, sess.ID) })
	return nil
}

func (r *SessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	var out *models.Session
	err := r.s.read(ctx, func() error {
		sess, ok := r.s.sessions[id]
		if !ok {
			return models.ErrNotFound
		}
		cp := *sess
		out = &cp
		return nil
	})
	return out, err
}

func (r *SessionRepo) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.Session, error) {
	if _, err := open(tx); err != nil {
		return nil, err
	}
	sess, ok := r.s.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (r *SessionRepo) UpdateTx(_ context.Context, tx pgx.Tx, sess *models.Session) error {
	t, err := open(tx)
	if err != nil {
		return err
	}
	cur, ok := r.s.sessions[sess.ID]
	if !ok {
		return models.ErrNotFound
	}
	prev := *cur
	*cur = *sess
	t.onRollback(func() { *r.s.sessions[sess.ID] = prev })
	return nil
}

func (r *SessionRepo) ListExpirable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var due []*models.Session
	err := r.s.read(ctx, func() error {
		for _, sess := range r.s.sessions {
			if sess.State.Negotiating() && sess.ExpiresAt != nil && !sess.ExpiresAt.After(now) {
				cp := *sess
				due = append(due, &cp)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(*due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]uuid.UUID, len(due))
	for i, sess := range due {
		ids[i] = sess.ID
	}
	return ids, nil
}

// ListByParticipant returns the user's sessions, newest first.
func (r *SessionRepo) ListByParticipant(ctx context.Context, userID uuid.UUID) ([]*models.Session, error) {
	var out []*models.Session
	err := r.s.read(ctx, func() error {
		for _, sess := range r.s.sessions {
			if sess.Participant(userID) {
				cp := *sess
				out = append(out, &cp)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, err
}

// --- Cancellations ---

type CancellationRepo struct{ s *Store }

func (s *Store) Cancellations() *CancellationRepo { return &CancellationRepo{s: s} }

func (r *CancellationRepo) RecordTx(_ context.Context, tx pgx.Tx, c *models.Cancellation) error {
	t, err := open(tx)
	if err != nil {
		return err
	}
	r.s.cancellations = append(r.s.cancellations, *c)
	n := len(r.s.cancellations) - 1
	t.onRollback(func() { r.s.cancellations = r.s.cancellations[:n] })
	return nil
}

func (r *CancellationRepo) CountSinceTx(_ context.Context, tx pgx.Tx, teacherID uuid.UUID, since time.Time) (int, error) {
	if _, err := open(tx); err != nil {
		return 0, err
	}
	return r.count(teacherID, since), nil
}

func (r *CancellationRepo) CountSince(ctx context.Context, teacherID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := r.s.read(ctx, func() error {
		n = r.count(teacherID, since)
		return nil
	})
	return n, err
}

func (r *CancellationRepo) count(teacherID uuid.UUID, since time.Time) int {
	n := 0
	for _, c := range r.s.cancellations {
		if c.TeacherID == teacherID && !c.CancelledAt.Before(since) {
			n++
		}
	}
	return n
}

// --- Support tickets ---

type TicketRepo struct{ s *Store }

func (s *Store) Tickets() *TicketRepo { return &TicketRepo{s: s} }

func (r *TicketRepo) Create(ctx context.Context, t *models.SupportTicket) error {
	return r.s.read(ctx, func() error {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now().UTC()
		}
		cp := *t
		r.s.tickets[t.ID] = &cp
		return nil
	})
}

func (r *TicketRepo) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.SupportTicket, error) {
	var out []*models.SupportTicket
	err := r.s.read(ctx, func() error {
		for _, t := range r.s.tickets {
			if t.SessionID == sessionID {
				cp := *t
				out = append(out, &cp)
			}
		}
		return nil
	})
	return out, err
}
