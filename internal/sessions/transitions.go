package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/tutoring/internal/models"
	"github.com/inaiurai/tutoring/internal/retry"
)

const timeLayout = "Mon 2 Jan 2006 15:04 MST"

// Request opens a session for a listing at the proposed time and locks the
// listing price from the student's wallet in the same transaction.
func (m *Machine) Request(ctx context.Context, studentID, listingID uuid.UUID, proposedTime time.Time) (*Outcome, error) {
	now := m.now()
	if !proposedTime.After(now) {
		return nil, invalid("proposed time %s is not in the future", proposedTime.Format(time.RFC3339))
	}
	listing, err := m.Listings.GetByID(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("get listing: %w", err)
	}
	if listing.Status != models.ListingActive {
		return nil, invalid("listing %s is not accepting requests", listing.ID)
	}
	if listing.TeacherID == studentID {
		return nil, invalid("cannot request a session on your own listing")
	}
	studentWallet, err := m.Wallets.GetByOwner(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("get student wallet: %w", err)
	}
	teacherWallet, err := m.Wallets.GetByOwner(ctx, listing.TeacherID)
	if err != nil {
		return nil, fmt.Errorf("get teacher wallet: %w", err)
	}

	var out *Outcome
	err = retry.Do(ctx, func() error {
		tx, err := m.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		now := m.now()
		expires := now.Add(m.Policy.NegotiationWindow)
		s := &models.Session{
			ID:           uuid.New(),
			ListingID:    listing.ID,
			StudentID:    studentID,
			TeacherID:    listing.TeacherID,
			Price:        listing.Price,
			State:        models.StateRequested,
			ProposedTime: proposedTime.UTC(),
			ProposedBy:   studentID,
			ExpiresAt:    &expires,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		escrow, err := m.Ledger.Lock(ctx, tx, studentWallet.ID, teacherWallet.ID, s.ID, listing.Price)
		if err != nil {
			return err
		}
		s.EscrowID = escrow.ID
		if err := m.Sessions.CreateTx(ctx, tx, s); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		out = &Outcome{
			Session: s,
			Effects: []Effect{notify(s.TeacherID, fmt.Sprintf("New session request for %q on %s.", listing.Title, s.ProposedTime.Format(timeLayout)))},
		}
		return nil
	})
	if err != nil {
		m.record("request", uuid.Nil, err)
		return nil, err
	}
	m.record("request", out.Session.ID, nil)
	m.Effects.Run(ctx, out.Session.ID, out.Effects)
	return out, nil
}

// Accept fixes the scheduled time to the open proposal. In Requested it is
// the teacher's call; in CounterOffered it belongs to whoever did not make
// the latest proposal.
func (m *Machine) Accept(ctx context.Context, actorID, sessionID uuid.UUID) (*Outcome, error) {
	return m.transition(ctx, "accept", sessionID, func(_ context.Context, _ pgx.Tx, s *models.Session, now time.Time, out *Outcome) error {
		if err := m.answerer(s, actorID, "accept"); err != nil {
			return err
		}
		if !s.ProposedTime.After(now) {
			return invalid("proposed time has passed, counter-offer a new time")
		}
		scheduled := s.ProposedTime
		s.ScheduledTime = &scheduled
		s.ExpiresAt = nil
		s.State = models.StateAccepted
		out.Effects = []Effect{notify(s.Counterpart(actorID), fmt.Sprintf("Your session on %s was accepted.", scheduled.Format(timeLayout)))}
		return nil
	})
}

// Reject declines the open proposal and refunds the student.
func (m *Machine) Reject(ctx context.Context, actorID, sessionID uuid.UUID) (*Outcome, error) {
	return m.transition(ctx, "reject", sessionID, func(ctx context.Context, tx pgx.Tx, s *models.Session, _ time.Time, out *Outcome) error {
		if err := m.answerer(s, actorID, "reject"); err != nil {
			return err
		}
		if _, err := m.Ledger.Release(ctx, tx, s.EscrowID); err != nil {
			return err
		}
		s.ExpiresAt = nil
		s.State = models.StateRejected
		out.Effects = []Effect{notify(s.Counterpart(actorID), "Your session request was declined and your credits were returned.")}
		return nil
	})
}

// CounterOffer proposes a new time and restarts the negotiation clock.
func (m *Machine) CounterOffer(ctx context.Context, actorID, sessionID uuid.UUID, newTime time.Time) (*Outcome, error) {
	return m.transition(ctx, "counter_offer", sessionID, func(_ context.Context, _ pgx.Tx, s *models.Session, now time.Time, out *Outcome) error {
		if !s.Participant(actorID) {
			return ErrForbidden
		}
		switch s.State {
		case models.StateRequested:
			if actorID != s.TeacherID {
				return fmt.Errorf("%w: only the teacher can counter a request", ErrForbidden)
			}
		case models.StateCounterOffered:
		default:
			return illegal("counter-offer", s, "")
		}
		if !newTime.After(now) {
			return invalid("counter-offer time %s is not in the future", newTime.Format(time.RFC3339))
		}
		expires := now.Add(m.Policy.NegotiationWindow)
		s.ProposedTime = newTime.UTC()
		s.ProposedBy = actorID
		s.ExpiresAt = &expires
		s.State = models.StateCounterOffered
		out.Effects = []Effect{notify(s.Counterpart(actorID), fmt.Sprintf("A new time was proposed: %s.", s.ProposedTime.Format(timeLayout)))}
		return nil
	})
}

// Complete pays the escrow out to the teacher and opens the dispute window.
func (m *Machine) Complete(ctx context.Context, actorID, sessionID uuid.UUID) (*Outcome, error) {
	return m.transition(ctx, "complete", sessionID, func(ctx context.Context, tx pgx.Tx, s *models.Session, now time.Time, out *Outcome) error {
		if !s.Participant(actorID) {
			return ErrForbidden
		}
		if s.State != models.StateAccepted {
			return illegal("complete", s, "")
		}
		if s.ScheduledTime != nil && now.Before(*s.ScheduledTime) {
			return illegal("complete", s, "session has not started yet")
		}
		if _, err := m.Ledger.Transfer(ctx, tx, s.EscrowID); err != nil {
			return err
		}
		completed := now
		s.CompletedAt = &completed
		s.State = models.StateCompleted
		out.Effects = []Effect{
			notify(s.StudentID, "Your session is complete. Please leave a review for your teacher."),
			notify(s.TeacherID, "Your session is complete and credits were paid out. Please review your student."),
		}
		return nil
	})
}

// Cancel is the teacher backing out of an accepted session. The student is
// refunded in full and the teacher's rolling cancellation counter grows.
func (m *Machine) Cancel(ctx context.Context, actorID, sessionID uuid.UUID) (*Outcome, error) {
	return m.transition(ctx, "cancel", sessionID, func(ctx context.Context, tx pgx.Tx, s *models.Session, now time.Time, out *Outcome) error {
		if !s.Participant(actorID) {
			return ErrForbidden
		}
		if s.State != models.StateAccepted {
			return illegal("cancel", s, "")
		}
		if actorID != s.TeacherID {
			return fmt.Errorf("%w: only the teacher can cancel an accepted session", ErrForbidden)
		}
		if _, err := m.Ledger.Release(ctx, tx, s.EscrowID); err != nil {
			return err
		}
		if err := m.Cancellations.RecordTx(ctx, tx, &models.Cancellation{TeacherID: s.TeacherID, SessionID: s.ID, CancelledAt: now}); err != nil {
			return fmt.Errorf("record cancellation: %w", err)
		}
		count, err := m.Cancellations.CountSinceTx(ctx, tx, s.TeacherID, now.Add(-m.Policy.CancellationWindow))
		if err != nil {
			return fmt.Errorf("count cancellations: %w", err)
		}
		cancelledBy := actorID
		s.CancelledBy = &cancelledBy
		s.State = models.StateCancelled

		out.RecentCancellations = count
		out.CancellationWarning = count >= m.Policy.CancellationWarnThreshold
		out.Effects = []Effect{notify(s.StudentID, "Your teacher cancelled the session. Your credits were returned in full.")}
		if out.CancellationWarning {
			out.Effects = append(out.Effects, notify(s.TeacherID,
				fmt.Sprintf("Warning: you have cancelled %d sessions in the last %d days.", count, int(m.Policy.CancellationWindow.Hours()/24))))
		}
		return nil
	})
}

// NoShow lets either participant report the other absent once the grace
// period after the scheduled time has passed. The student is refunded and
// the teacher is never paid, whoever was absent.
func (m *Machine) NoShow(ctx context.Context, reporterID, sessionID uuid.UUID) (*Outcome, error) {
	return m.transition(ctx, "no_show", sessionID, func(ctx context.Context, tx pgx.Tx, s *models.Session, now time.Time, out *Outcome) error {
		if !s.Participant(reporterID) {
			return ErrForbidden
		}
		if s.State != models.StateAccepted {
			return illegal("report a no-show for", s, "")
		}
		if s.ScheduledTime == nil || now.Before(s.ScheduledTime.Add(m.Policy.NoShowGrace)) {
			return illegal("report a no-show for", s, fmt.Sprintf("grace period of %s after the scheduled time has not passed", m.Policy.NoShowGrace))
		}
		if _, err := m.Ledger.Release(ctx, tx, s.EscrowID); err != nil {
			return err
		}
		reporter := reporterID
		s.NoShowReportedBy = &reporter
		s.State = models.StateCancelled
		out.Effects = []Effect{notify(s.Counterpart(reporterID), "The session was reported as a no-show and cancelled. The student's credits were returned.")}
		return nil
	})
}

// Dispute freezes an accepted session or reopens a recently completed one
// for admin review.
func (m *Machine) Dispute(ctx context.Context, actorID, sessionID uuid.UUID, reason string) (*Outcome, error) {
	if reason == "" {
		return nil, invalid("dispute reason is required")
	}
	return m.transition(ctx, "dispute", sessionID, func(_ context.Context, _ pgx.Tx, s *models.Session, now time.Time, out *Outcome) error {
		if !s.Participant(actorID) {
			return ErrForbidden
		}
		switch s.State {
		case models.StateAccepted:
		case models.StateCompleted:
			if s.CompletedAt == nil || now.After(s.CompletedAt.Add(m.Policy.DisputeWindow)) {
				return illegal("dispute", s, "dispute window has closed")
			}
		default:
			return illegal("dispute", s, "")
		}
		disputedBy := actorID
		s.DisputedFrom = s.State
		s.DisputedBy = &disputedBy
		s.DisputeReason = reason
		s.State = models.StateDisputed
		out.Effects = []Effect{
			{Kind: EffectTicket, Message: reason},
			notify(m.adminID(), fmt.Sprintf("Session %s was disputed: %s", s.ID, reason)),
			notify(s.Counterpart(actorID), "A dispute was raised on your session. Support will be in touch."),
		}
		return nil
	})
}

// Expire closes a negotiation whose deadline has passed and refunds the
// student. Expiring an already expired session succeeds with
// AlreadyHandled set and moves no money.
func (m *Machine) Expire(ctx context.Context, sessionID uuid.UUID) (*Outcome, error) {
	return m.transition(ctx, "expire", sessionID, func(ctx context.Context, tx pgx.Tx, s *models.Session, now time.Time, out *Outcome) error {
		if s.State == models.StateExpired {
			return errNoChange
		}
		if !s.State.Negotiating() {
			return illegal("expire", s, "")
		}
		if s.ExpiresAt == nil || now.Before(*s.ExpiresAt) {
			return illegal("expire", s, "negotiation deadline has not passed")
		}
		if _, err := m.Ledger.Release(ctx, tx, s.EscrowID); err != nil {
			return err
		}
		s.ExpiresAt = nil
		s.State = models.StateExpired
		out.Effects = []Effect{notify(s.StudentID, "Your session request expired without an answer. Your credits were returned.")}
		return nil
	})
}

// answerer checks that actorID may accept or reject the open proposal.
func (m *Machine) answerer(s *models.Session, actorID uuid.UUID, op string) error {
	if !s.Participant(actorID) {
		return ErrForbidden
	}
	switch s.State {
	case models.StateRequested:
		if actorID != s.TeacherID {
			return fmt.Errorf("%w: only the teacher can %s a request", ErrForbidden, op)
		}
	case models.StateCounterOffered:
		if actorID == s.ProposedBy {
			return fmt.Errorf("%w: cannot %s your own proposal", ErrForbidden, op)
		}
	default:
		return illegal(op, s, "")
	}
	return nil
}

func (m *Machine) adminID() uuid.UUID {
	if m.Effects != nil && m.Effects.AdminID != uuid.Nil {
		return m.Effects.AdminID
	}
	return models.SystemAdminID
}
