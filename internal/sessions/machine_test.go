package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/tutoring/internal/ledger"
	"github.com/inaiurai/tutoring/internal/models"
)

// ---------------------------------------------------------------------------
// 1. Happy path: request, accept, complete
// ---------------------------------------------------------------------------

func TestRequestAcceptComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.request(t, time.Hour)
	assertState(t, s, models.StateRequested)
	if s.ExpiresAt == nil || !s.ExpiresAt.Equal(f.clock.Now().Add(48*time.Hour)) {
		t.Errorf("expires_at: got %v, want now+48h", s.ExpiresAt)
	}
	f.assertBalances(t, f.student, "60", "40")
	if f.notifier.to(f.teacher) != 1 {
		t.Errorf("teacher notifications after request: got %d, want 1", f.notifier.to(f.teacher))
	}

	out, err := f.machine.Accept(ctx, f.teacher, s.ID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	assertState(t, out.Session, models.StateAccepted)
	if out.Session.ScheduledTime == nil || !out.Session.ScheduledTime.Equal(s.ProposedTime) {
		t.Errorf("scheduled time: got %v, want %v", out.Session.ScheduledTime, s.ProposedTime)
	}
	if out.Session.ExpiresAt != nil {
		t.Errorf("expires_at should be cleared on accept, got %v", out.Session.ExpiresAt)
	}

	f.clock.Advance(2 * time.Hour)
	out, err = f.machine.Complete(ctx, f.student, s.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	assertState(t, out.Session, models.StateCompleted)
	f.assertBalances(t, f.student, "60", "0")
	f.assertBalances(t, f.teacher, "40", "0")
	if got := f.escrowStatus(t, s); got != models.EscrowTransferred {
		t.Errorf("escrow: got %s, want TRANSFERRED", got)
	}
	if len(out.Effects) != 2 {
		t.Errorf("complete effects: got %d, want 2 review prompts", len(out.Effects))
	}
	f.assertConserved(t, "100")
}

func TestRequest_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	expensive := *f.listing
	expensive.ID = uuid.New()
	expensive.Price = decimal.NewFromInt(150)
	if err := f.store.Listings().Create(context.Background(), &expensive); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err := f.machine.Request(context.Background(), f.student, expensive.ID, f.clock.Now().Add(time.Hour))
	var ife *ledger.InsufficientFundsError
	if !errors.As(err, &ife) {
		t.Fatalf("got %v, want *InsufficientFundsError", err)
	}
	if !ife.Shortfall().Equal(decimal.NewFromInt(50)) {
		t.Errorf("shortfall: got %s, want 50", ife.Shortfall())
	}
	list, _ := f.machine.ListForUser(context.Background(), f.student)
	if len(list) != 0 {
		t.Errorf("sessions after failed request: got %d, want 0", len(list))
	}
	f.assertBalances(t, f.student, "100", "0")
}

func TestRequest_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.Request(ctx, f.student, f.listing.ID, f.clock.Now().Add(-time.Minute))
	assertIs(t, err, ErrInvalidInput)

	_, err = f.machine.Request(ctx, f.teacher, f.listing.ID, f.clock.Now().Add(time.Hour))
	assertIs(t, err, ErrInvalidInput)

	_, err = f.machine.Request(ctx, f.student, uuid.New(), f.clock.Now().Add(time.Hour))
	assertIs(t, err, models.ErrNotFound)

	if err := f.store.Listings().UpdateStatus(ctx, f.listing.ID, models.ListingPaused); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	_, err = f.machine.Request(ctx, f.student, f.listing.ID, f.clock.Now().Add(time.Hour))
	assertIs(t, err, ErrInvalidInput)
}

// ---------------------------------------------------------------------------
// 2. Negotiation
// ---------------------------------------------------------------------------

func TestCounterOfferFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.request(t, time.Hour)

	// Only the teacher answers a fresh request.
	_, err := f.machine.CounterOffer(ctx, f.student, s.ID, f.clock.Now().Add(3*time.Hour))
	assertIs(t, err, ErrForbidden)
	_, err = f.machine.Accept(ctx, f.student, s.ID)
	assertIs(t, err, ErrForbidden)

	f.clock.Advance(10 * time.Hour)
	counter := f.clock.Now().Add(24 * time.Hour)
	out, err := f.machine.CounterOffer(ctx, f.teacher, s.ID, counter)
	if err != nil {
		t.Fatalf("CounterOffer: %v", err)
	}
	assertState(t, out.Session, models.StateCounterOffered)
	if out.Session.ProposedBy != f.teacher || !out.Session.ProposedTime.Equal(counter) {
		t.Errorf("proposal: got %s by %s, want %s by teacher", out.Session.ProposedTime, out.Session.ProposedBy, counter)
	}
	if !out.Session.ExpiresAt.Equal(f.clock.Now().Add(48 * time.Hour)) {
		t.Errorf("counter-offer should reset the 48h clock, got %v", out.Session.ExpiresAt)
	}

	// The proposer cannot accept their own offer.
	_, err = f.machine.Accept(ctx, f.teacher, s.ID)
	assertIs(t, err, ErrForbidden)

	// The student re-proposes, then the teacher accepts.
	again := f.clock.Now().Add(30 * time.Hour)
	if _, err := f.machine.CounterOffer(ctx, f.student, s.ID, again); err != nil {
		t.Fatalf("CounterOffer by student: %v", err)
	}
	out, err = f.machine.Accept(ctx, f.teacher, s.ID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if !out.Session.ScheduledTime.Equal(again) {
		t.Errorf("scheduled: got %v, want %v", out.Session.ScheduledTime, again)
	}
	f.assertBalances(t, f.student, "60", "40")
}

func TestCounterOffer_PastTimeRejected(t *testing.T) {
	f := newFixture(t)
	s := f.request(t, time.Hour)
	_, err := f.machine.CounterOffer(context.Background(), f.teacher, s.ID, f.clock.Now())
	assertIs(t, err, ErrInvalidInput)
	assertState(t, f.get(t, s.ID), models.StateRequested)
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	s := f.request(t, time.Hour)
	out, err := f.machine.Reject(context.Background(), f.teacher, s.ID)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	assertState(t, out.Session, models.StateRejected)
	f.assertBalances(t, f.student, "100", "0")
	if got := f.escrowStatus(t, s); got != models.EscrowRefunded {
		t.Errorf("escrow: got %s, want REFUNDED", got)
	}
	f.assertConserved(t, "100")
}

// ---------------------------------------------------------------------------
// 3. Expiry
// ---------------------------------------------------------------------------

func TestExpire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.request(t, 72*time.Hour)

	_, err := f.machine.Expire(ctx, s.ID)
	assertIs(t, err, ErrIllegalTransition)

	f.clock.Advance(48 * time.Hour)
	out, err := f.machine.Expire(ctx, s.ID)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	assertState(t, out.Session, models.StateExpired)
	if out.AlreadyHandled {
		t.Error("first expire should not report AlreadyHandled")
	}
	f.assertBalances(t, f.student, "100", "0")
	credits, _ := f.store.CreditCount(ctx)

	out, err = f.machine.Expire(ctx, s.ID)
	if err != nil {
		t.Fatalf("second Expire: %v", err)
	}
	if !out.AlreadyHandled {
		t.Error("second expire should report AlreadyHandled")
	}
	if after, _ := f.store.CreditCount(ctx); after != credits {
		t.Errorf("second expire wrote %d audit entries", after-credits)
	}
	f.assertBalances(t, f.student, "100", "0")
	f.assertConserved(t, "100")
}

func TestExpire_AfterAcceptIsIllegal(t *testing.T) {
	f := newFixture(t)
	s := f.accepted(t)
	f.clock.Advance(72 * time.Hour)
	_, err := f.machine.Expire(context.Background(), s.ID)
	assertIs(t, err, ErrIllegalTransition)
	f.assertBalances(t, f.student, "60", "40")
}

// ---------------------------------------------------------------------------
// 4. Cancellation and no-show
// ---------------------------------------------------------------------------

func TestCancel_WarnsAtThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		s := f.accepted(t)
		_, err := f.machine.Cancel(ctx, f.student, s.ID)
		assertIs(t, err, ErrForbidden)

		out, err := f.machine.Cancel(ctx, f.teacher, s.ID)
		if err != nil {
			t.Fatalf("Cancel %d: %v", i, err)
		}
		assertState(t, out.Session, models.StateCancelled)
		if out.RecentCancellations != i {
			t.Errorf("cancel %d: recent cancellations got %d", i, out.RecentCancellations)
		}
		if want := i >= 5; out.CancellationWarning != want {
			t.Errorf("cancel %d: warning got %v, want %v", i, out.CancellationWarning, want)
		}
		f.clock.Advance(24 * time.Hour)
	}
	f.assertBalances(t, f.student, "100", "0")
	f.assertBalances(t, f.teacher, "0", "0")
	f.assertConserved(t, "100")
}

func TestCancel_WindowRolls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.accepted(t)
	if _, err := f.machine.Cancel(ctx, f.teacher, s.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	f.clock.Advance(31 * 24 * time.Hour)
	s = f.accepted(t)
	out, err := f.machine.Cancel(ctx, f.teacher, s.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if out.RecentCancellations != 1 {
		t.Errorf("recent cancellations: got %d, want 1", out.RecentCancellations)
	}
}

func TestNoShow_GracePeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.accepted(t)

	f.clock.Advance(time.Hour + 29*time.Minute)
	_, err := f.machine.NoShow(ctx, f.student, s.ID)
	assertIs(t, err, ErrIllegalTransition)
	f.assertBalances(t, f.student, "60", "40")

	f.clock.Advance(time.Minute)
	out, err := f.machine.NoShow(ctx, f.student, s.ID)
	if err != nil {
		t.Fatalf("NoShow: %v", err)
	}
	assertState(t, out.Session, models.StateCancelled)
	if out.Session.NoShowReportedBy == nil || *out.Session.NoShowReportedBy != f.student {
		t.Errorf("reporter: got %v, want student", out.Session.NoShowReportedBy)
	}
	f.assertBalances(t, f.student, "100", "0")
	f.assertBalances(t, f.teacher, "0", "0")
}

func TestNoShow_ReportedByTeacherStillRefunds(t *testing.T) {
	f := newFixture(t)
	s := f.accepted(t)
	f.clock.Advance(2 * time.Hour)
	if _, err := f.machine.NoShow(context.Background(), f.teacher, s.ID); err != nil {
		t.Fatalf("NoShow: %v", err)
	}
	f.assertBalances(t, f.student, "100", "0")
	f.assertBalances(t, f.teacher, "0", "0")
}

func TestComplete_BeforeStartIsIllegal(t *testing.T) {
	f := newFixture(t)
	s := f.accepted(t)
	_, err := f.machine.Complete(context.Background(), f.teacher, s.ID)
	assertIs(t, err, ErrIllegalTransition)
	f.assertBalances(t, f.teacher, "0", "0")
}

// ---------------------------------------------------------------------------
// 5. Actors
// ---------------------------------------------------------------------------

func TestNonParticipantForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stranger := uuid.New()
	s := f.request(t, time.Hour)

	_, err := f.machine.Accept(ctx, stranger, s.ID)
	assertIs(t, err, ErrForbidden)
	_, err = f.machine.Reject(ctx, stranger, s.ID)
	assertIs(t, err, ErrForbidden)
	_, err = f.machine.CounterOffer(ctx, stranger, s.ID, f.clock.Now().Add(time.Hour))
	assertIs(t, err, ErrForbidden)
	_, err = f.machine.Dispute(ctx, stranger, s.ID, "spam")
	assertIs(t, err, ErrForbidden)
	assertState(t, f.get(t, s.ID), models.StateRequested)
}

// ---------------------------------------------------------------------------
// 6. Illegal-transition closure: no operation leaves a terminal state, and
//    rejected operations move no money.
// ---------------------------------------------------------------------------

type op struct {
	name string
	run  func(f *fixture, s *models.Session) error
}

func allOps() []op {
	ctx := context.Background()
	return []op{
		{"accept", func(f *fixture, s *models.Session) error { _, err := f.machine.Accept(ctx, f.teacher, s.ID); return err }},
		{"accept_student", func(f *fixture, s *models.Session) error { _, err := f.machine.Accept(ctx, f.student, s.ID); return err }},
		{"reject", func(f *fixture, s *models.Session) error { _, err := f.machine.Reject(ctx, f.teacher, s.ID); return err }},
		{"counter_offer", func(f *fixture, s *models.Session) error {
			_, err := f.machine.CounterOffer(ctx, f.teacher, s.ID, f.clock.Now().Add(time.Hour))
			return err
		}},
		{"complete", func(f *fixture, s *models.Session) error { _, err := f.machine.Complete(ctx, f.student, s.ID); return err }},
		{"cancel", func(f *fixture, s *models.Session) error { _, err := f.machine.Cancel(ctx, f.teacher, s.ID); return err }},
		{"no_show", func(f *fixture, s *models.Session) error { _, err := f.machine.NoShow(ctx, f.student, s.ID); return err }},
		{"dispute", func(f *fixture, s *models.Session) error {
			_, err := f.machine.Dispute(ctx, f.student, s.ID, "late")
			return err
		}},
		{"resolve", func(f *fixture, s *models.Session) error {
			_, err := f.machine.ResolveDispute(ctx, models.SystemAdminID, s.ID, models.Resolution{RefundAll: true})
			return err
		}},
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	builders := map[string]func(t *testing.T, f *fixture) *models.Session{
		"rejected": func(t *testing.T, f *fixture) *models.Session {
			s := f.request(t, time.Hour)
			if _, err := f.machine.Reject(context.Background(), f.teacher, s.ID); err != nil {
				t.Fatalf("Reject: %v", err)
			}
			return s
		},
		"expired": func(t *testing.T, f *fixture) *models.Session {
			s := f.request(t, 72*time.Hour)
			f.clock.Advance(49 * time.Hour)
			if _, err := f.machine.Expire(context.Background(), s.ID); err != nil {
				t.Fatalf("Expire: %v", err)
			}
			return s
		},
		"cancelled": func(t *testing.T, f *fixture) *models.Session {
			s := f.accepted(t)
			if _, err := f.machine.Cancel(context.Background(), f.teacher, s.ID); err != nil {
				t.Fatalf("Cancel: %v", err)
			}
			return s
		},
		"resolved": func(t *testing.T, f *fixture) *models.Session {
			s := f.accepted(t)
			if _, err := f.machine.Dispute(context.Background(), f.student, s.ID, "no show"); err != nil {
				t.Fatalf("Dispute: %v", err)
			}
			if _, err := f.machine.ResolveDispute(context.Background(), models.SystemAdminID, s.ID, models.Resolution{RefundAll: true}); err != nil {
				t.Fatalf("ResolveDispute: %v", err)
			}
			return s
		},
	}

	for name, build := range builders {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			s := build(t, f)
			f.clock.Advance(10 * 24 * time.Hour)
			before := f.wallet(t, f.student)
			credits, _ := f.store.CreditCount(context.Background())

			for _, o := range allOps() {
				err := o.run(f, s)
				if !errors.Is(err, ErrIllegalTransition) {
					t.Errorf("%s on %s: got %v, want ErrIllegalTransition", o.name, name, err)
				}
			}
			if name != "expired" {
				_, err := f.machine.Expire(context.Background(), s.ID)
				if !errors.Is(err, ErrIllegalTransition) {
					t.Errorf("expire on %s: got %v, want ErrIllegalTransition", name, err)
				}
			}

			after := f.wallet(t, f.student)
			if !after.Available.Equal(before.Available) || !after.Locked.Equal(before.Locked) {
				t.Errorf("rejected operations moved money on %s session", name)
			}
			if n, _ := f.store.CreditCount(context.Background()); n != credits {
				t.Errorf("rejected operations wrote %d audit entries", n-credits)
			}
			f.assertConserved(t, "100")
		})
	}
}

func TestCompletedOnlyAllowsDispute(t *testing.T) {
	f := newFixture(t)
	s := f.completed(t)
	for _, o := range allOps() {
		if o.name == "dispute" {
			continue
		}
		if err := o.run(f, s); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("%s on completed: got %v, want ErrIllegalTransition", o.name, err)
		}
	}
	assertState(t, f.get(t, s.ID), models.StateCompleted)
	f.assertBalances(t, f.teacher, "40", "0")
}

func TestOpenStatesRejectOutOfStateOps(t *testing.T) {
	negotiation := map[string]bool{"accept": true, "accept_student": true, "reject": true, "counter_offer": true}
	cases := map[string]struct {
		build   func(t *testing.T, f *fixture) *models.Session
		state   models.SessionState
		allowed map[string]bool
	}{
		"requested": {
			build:   func(t *testing.T, f *fixture) *models.Session { return f.request(t, time.Hour) },
			state:   models.StateRequested,
			allowed: negotiation,
		},
		"counter_offered": {
			build: func(t *testing.T, f *fixture) *models.Session {
				s := f.request(t, time.Hour)
				if _, err := f.machine.CounterOffer(context.Background(), f.teacher, s.ID, f.clock.Now().Add(2*time.Hour)); err != nil {
					t.Fatalf("CounterOffer: %v", err)
				}
				return s
			},
			state:   models.StateCounterOffered,
			allowed: negotiation,
		},
		"accepted": {
			build:   func(t *testing.T, f *fixture) *models.Session { return f.accepted(t) },
			state:   models.StateAccepted,
			allowed: map[string]bool{"complete": true, "cancel": true, "no_show": true, "dispute": true},
		},
		"disputed": {
			build: func(t *testing.T, f *fixture) *models.Session {
				s := f.accepted(t)
				if _, err := f.machine.Dispute(context.Background(), f.student, s.ID, "no show"); err != nil {
					t.Fatalf("Dispute: %v", err)
				}
				return s
			},
			state:   models.StateDisputed,
			allowed: map[string]bool{"resolve": true},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			s := tc.build(t, f)
			student := f.wallet(t, f.student)
			teacher := f.wallet(t, f.teacher)
			credits, _ := f.store.CreditCount(context.Background())

			ran := 0
			for _, o := range allOps() {
				if tc.allowed[o.name] {
					continue
				}
				ran++
				if err := o.run(f, s); !errors.Is(err, ErrIllegalTransition) {
					t.Errorf("%s on %s: got %v, want ErrIllegalTransition", o.name, name, err)
				}
			}
			if ran == 0 {
				t.Fatalf("no operations exercised on %s", name)
			}

			assertState(t, f.get(t, s.ID), tc.state)
			f.assertBalances(t, f.student, student.Available.String(), student.Locked.String())
			f.assertBalances(t, f.teacher, teacher.Available.String(), teacher.Locked.String())
			if n, _ := f.store.CreditCount(context.Background()); n != credits {
				t.Errorf("rejected operations wrote %d audit entries", n-credits)
			}
			f.assertConserved(t, "100")
		})
	}
}

// ---------------------------------------------------------------------------
// 7. Effects never fail a committed transition
// ---------------------------------------------------------------------------

func TestPortFailuresAreSwallowed(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")
	f.ticketer.err = errors.New("helpdesk down")

	s := f.accepted(t)
	out, err := f.machine.Dispute(context.Background(), f.student, s.ID, "teacher never joined")
	if err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	assertState(t, out.Session, models.StateDisputed)
	assertState(t, f.get(t, s.ID), models.StateDisputed)
	if got := f.escrowStatus(t, s); got != models.EscrowHeld {
		t.Errorf("escrow: got %s, want HELD while disputed", got)
	}
}

func TestDisputeOpensTicketAndNotifiesAdmin(t *testing.T) {
	f := newFixture(t)
	s := f.accepted(t)
	out, err := f.machine.Dispute(context.Background(), f.teacher, s.ID, "student was rude")
	if err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	if out.Session.DisputedFrom != models.StateAccepted {
		t.Errorf("disputed from: got %s, want accepted", out.Session.DisputedFrom)
	}
	if f.ticketer.tickets[s.ID] != "student was rude" {
		t.Errorf("ticket reason: got %q", f.ticketer.tickets[s.ID])
	}
	if f.notifier.to(models.SystemAdminID) != 1 {
		t.Errorf("admin notices: got %d, want 1", f.notifier.to(models.SystemAdminID))
	}

	_, err = f.machine.Dispute(context.Background(), f.teacher, s.ID, "")
	assertIs(t, err, ErrInvalidInput)
}

// ---------------------------------------------------------------------------
// 8. Concurrency and retries
// ---------------------------------------------------------------------------

func TestConcurrentAcceptAndExpire(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		s := f.request(t, 72*time.Hour)
		f.clock.Advance(48 * time.Hour)

		var wg sync.WaitGroup
		var acceptErr, expireErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = f.machine.Accept(context.Background(), f.teacher, s.ID)
		}()
		go func() {
			defer wg.Done()
			_, expireErr = f.machine.Expire(context.Background(), s.ID)
		}()
		wg.Wait()

		if (acceptErr == nil) == (expireErr == nil) {
			t.Fatalf("exactly one of accept/expire should win: accept=%v expire=%v", acceptErr, expireErr)
		}
		final := f.get(t, s.ID)
		if acceptErr == nil {
			assertIs(t, expireErr, ErrIllegalTransition)
			assertState(t, final, models.StateAccepted)
			f.assertBalances(t, f.student, "60", "40")
		} else {
			assertIs(t, acceptErr, ErrIllegalTransition)
			assertState(t, final, models.StateExpired)
			f.assertBalances(t, f.student, "100", "0")
		}
		f.assertConserved(t, "100")
	}
}

func TestTransientBeginFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	s := f.request(t, time.Hour)
	f.store.FailNextBegin(&pgconn.PgError{Code: "40001"})

	if _, err := f.machine.Accept(context.Background(), f.teacher, s.ID); err != nil {
		t.Fatalf("Accept after one serialization failure: %v", err)
	}
	assertState(t, f.get(t, s.ID), models.StateAccepted)
}

func TestPermanentBeginFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	s := f.request(t, time.Hour)
	boom := errors.New("disk full")
	f.store.FailNextBegin(boom)

	_, err := f.machine.Accept(context.Background(), f.teacher, s.ID)
	assertIs(t, err, boom)
	assertState(t, f.get(t, s.ID), models.StateRequested)
}
