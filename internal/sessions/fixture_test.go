package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/tutoring/internal/ledger"
	"github.com/inaiurai/tutoring/internal/memstore"
	"github.com/inaiurai/tutoring/internal/models"
)

// ---------------------------------------------------------------------------
// Port fakes
// ---------------------------------------------------------------------------

type sentNotice struct {
	UserID  uuid.UUID
	Message string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, userID uuid.UUID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentNotice{UserID: userID, Message: message})
	return nil
}

func (f *fakeNotifier) to(userID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.UserID == userID {
			n++
		}
	}
	return n
}

type fakeTicketer struct {
	mu      sync.Mutex
	tickets map[uuid.UUID]string
	err     error
}

func (f *fakeTicketer) CreateTicket(_ context.Context, sessionID uuid.UUID, reason string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return uuid.Nil, f.err
	}
	if f.tickets == nil {
		f.tickets = make(map[uuid.UUID]string)
	}
	f.tickets[sessionID] = reason
	return uuid.New(), nil
}

type fakeSuspender struct {
	mu        sync.Mutex
	suspended []uuid.UUID
}

func (f *fakeSuspender) Suspend(_ context.Context, userID uuid.UUID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspended = append(f.suspended, userID)
	return nil
}

// clock is a settable time source shared by the machine and the ledger.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Fixture: one teacher with a 40-credit listing and one student holding
// 100 credits.
// ---------------------------------------------------------------------------

type fixture struct {
	store     *memstore.Store
	machine   *Machine
	ledger    *ledger.Ledger
	clock     *clock
	notifier  *fakeNotifier
	ticketer  *fakeTicketer
	suspender *fakeSuspender

	student uuid.UUID
	teacher uuid.UUID
	listing *models.Listing
}

var price = decimal.NewFromInt(40)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	clk := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}

	ldg := ledger.New(store.Wallets(), store.Escrows(), store.Credits(), nil)
	ldg.Now = clk.Now

	f := &fixture{
		store:     store,
		ledger:    ldg,
		clock:     clk,
		notifier:  &fakeNotifier{},
		ticketer:  &fakeTicketer{},
		suspender: &fakeSuspender{},
		student:   uuid.New(),
		teacher:   uuid.New(),
	}
	effects := NewEffectRunner(f.notifier, f.ticketer, f.suspender, nil)
	f.machine = NewMachine(store, store.Sessions(), store.Wallets(), store.Listings(), store.Cancellations(), ldg, effects, nil)
	f.machine.Now = clk.Now

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for _, id := range []uuid.UUID{f.student, f.teacher, models.SystemAdminID} {
		w, err := ldg.OpenWallet(ctx, tx, id)
		if err != nil {
			t.Fatalf("OpenWallet: %v", err)
		}
		if id == f.student {
			if _, err := ldg.Deposit(ctx, tx, w.ID, decimal.NewFromInt(100), "seed"); err != nil {
				t.Fatalf("Deposit: %v", err)
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	f.listing = &models.Listing{ID: uuid.New(), TeacherID: f.teacher, Title: "Algebra", Price: price, Status: models.ListingActive}
	if err := store.Listings().Create(ctx, f.listing); err != nil {
		t.Fatalf("Create listing: %v", err)
	}
	return f
}

func (f *fixture) wallet(t *testing.T, owner uuid.UUID) *models.Wallet {
	t.Helper()
	w, err := f.store.Wallets().GetByOwner(context.Background(), owner)
	if err != nil {
		t.Fatalf("GetByOwner: %v", err)
	}
	return w
}

func (f *fixture) assertBalances(t *testing.T, owner uuid.UUID, available, locked string) {
	t.Helper()
	w := f.wallet(t, owner)
	if !w.Available.Equal(dec(available)) || !w.Locked.Equal(dec(locked)) {
		t.Errorf("wallet of %s: got %s/%s, want %s/%s", owner, w.Available, w.Locked, available, locked)
	}
}

// assertConserved checks that total money equals what was deposited plus
// minted and that locked balances match HELD escrows.
func (f *fixture) assertConserved(t *testing.T, want string) {
	t.Helper()
	tot, err := f.store.Totals(context.Background())
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if !tot.Money().Equal(dec(want)) {
		t.Errorf("total money: got %s, want %s", tot.Money(), want)
	}
	if !tot.Locked.Equal(tot.Held) {
		t.Errorf("locked %s != held escrow %s", tot.Locked, tot.Held)
	}
}

func (f *fixture) escrowStatus(t *testing.T, s *models.Session) string {
	t.Helper()
	e, err := f.ledger.Escrow(context.Background(), s.EscrowID)
	if err != nil {
		t.Fatalf("Escrow: %v", err)
	}
	return e.Status
}

func (f *fixture) request(t *testing.T, in time.Duration) *models.Session {
	t.Helper()
	out, err := f.machine.Request(context.Background(), f.student, f.listing.ID, f.clock.Now().Add(in))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	return out.Session
}

// accepted returns a session accepted for one hour from now.
func (f *fixture) accepted(t *testing.T) *models.Session {
	t.Helper()
	s := f.request(t, time.Hour)
	out, err := f.machine.Accept(context.Background(), f.teacher, s.ID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return out.Session
}

// completed returns a session that started and was completed.
func (f *fixture) completed(t *testing.T) *models.Session {
	t.Helper()
	s := f.accepted(t)
	f.clock.Advance(2 * time.Hour)
	out, err := f.machine.Complete(context.Background(), f.student, s.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	return out.Session
}

func (f *fixture) get(t *testing.T, id uuid.UUID) *models.Session {
	t.Helper()
	s, err := f.machine.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return s
}

func assertState(t *testing.T, s *models.Session, want models.SessionState) {
	t.Helper()
	if s.State != want {
		t.Fatalf("state: got %s, want %s", s.State, want)
	}
}

func assertIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("got %v, want %v", err, target)
	}
}
