package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/tutoring/internal/models"
)

// ResolveDispute applies an admin decision to a disputed session. What the
// money can do depends on where the dispute came from: a dispute raised while
// Accepted still has a HELD escrow to split, one raised after completion can
// only claw back from the teacher.
func (m *Machine) ResolveDispute(ctx context.Context, adminID, sessionID uuid.UUID, res models.Resolution) (*Outcome, error) {
	current, err := m.Sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if err := validateResolution(current, &res); err != nil {
		m.record("resolve", sessionID, err)
		return nil, err
	}

	// Participants never change, so bonus wallets can be resolved up front.
	bonusWallets := make(map[uuid.UUID]uuid.UUID, len(res.Bonuses))
	for _, b := range res.Bonuses {
		if _, ok := bonusWallets[b.UserID]; ok {
			continue
		}
		w, err := m.Wallets.GetByOwner(ctx, b.UserID)
		if err != nil {
			return nil, fmt.Errorf("get bonus wallet: %w", err)
		}
		bonusWallets[b.UserID] = w.ID
	}

	res.ResolvedBy = adminID
	return m.transition(ctx, "resolve", sessionID, func(ctx context.Context, tx pgx.Tx, s *models.Session, now time.Time, out *Outcome) error {
		if s.State != models.StateDisputed {
			return illegal("resolve", s, "")
		}
		if err := m.settle(ctx, tx, s, &res); err != nil {
			return err
		}
		for _, b := range res.Bonuses {
			sid := s.ID
			if _, err := m.Ledger.IssueBonus(ctx, tx, bonusWallets[b.UserID], b.Amount, b.Reason, &sid); err != nil {
				return err
			}
		}

		resolved := now
		stored := res
		s.ResolvedAt = &resolved
		s.Resolution = &stored
		s.State = models.StateResolved

		out.Effects = []Effect{
			notify(s.StudentID, "The dispute on your session has been resolved."),
			notify(s.TeacherID, "The dispute on your session has been resolved."),
		}
		if res.WarnUserID != nil && res.Warning != "" {
			out.Effects = append(out.Effects, notify(*res.WarnUserID, "Warning: "+res.Warning))
		}
		if res.SuspendUserID != nil {
			reason := res.Note
			if reason == "" {
				reason = fmt.Sprintf("dispute on session %s", s.ID)
			}
			out.Effects = append(out.Effects, Effect{Kind: EffectSuspend, UserID: *res.SuspendUserID, Message: reason})
		}
		return nil
	})
}

// settle performs the money movement of a resolution.
func (m *Machine) settle(ctx context.Context, tx pgx.Tx, s *models.Session, res *models.Resolution) error {
	switch s.DisputedFrom {
	case models.StateAccepted:
		switch {
		case res.RefundAll:
			_, err := m.Ledger.Release(ctx, tx, s.EscrowID)
			return err
		case res.PayTeacher:
			_, err := m.Ledger.Transfer(ctx, tx, s.EscrowID)
			return err
		}
		refund := *res.RefundAmount
		switch {
		case refund.Equal(s.Price):
			_, err := m.Ledger.Release(ctx, tx, s.EscrowID)
			return err
		case refund.IsZero():
			_, err := m.Ledger.Transfer(ctx, tx, s.EscrowID)
			return err
		}
		_, err := m.Ledger.PartialRefund(ctx, tx, s.EscrowID, refund, s.Price.Sub(refund))
		return err

	case models.StateCompleted:
		amount := decimal.Zero
		switch {
		case res.RefundAll:
			amount = s.Price
		case res.RefundAmount != nil:
			amount = *res.RefundAmount
		}
		if !amount.IsPositive() {
			return nil
		}
		_, err := m.Ledger.ReverseTransfer(ctx, tx, s.EscrowID, amount, "dispute refund")
		return err
	}
	return illegal("resolve", s, fmt.Sprintf("dispute raised from unexpected state %s", s.DisputedFrom))
}

// validateResolution checks the decision against the session before any
// lock is taken. State legality is checked again under lock.
func validateResolution(s *models.Session, res *models.Resolution) error {
	if s.State != models.StateDisputed {
		return illegal("resolve", s, "")
	}
	chosen := 0
	if res.RefundAll {
		chosen++
	}
	if res.PayTeacher {
		chosen++
	}
	if res.RefundAmount != nil {
		chosen++
		r := *res.RefundAmount
		if r.IsNegative() || r.GreaterThan(s.Price) {
			return invalid("refund amount %s must be between 0 and the session price %s", r, s.Price)
		}
		if !models.FitsMoneyScale(r) {
			return invalid("refund amount %s has more than %d decimal places", r, models.MoneyScale)
		}
	}
	if chosen != 1 {
		return invalid("choose exactly one of refund_all, pay_teacher or refund_amount")
	}
	for _, b := range res.Bonuses {
		if !s.Participant(b.UserID) {
			return invalid("bonus recipient %s is not part of the session", b.UserID)
		}
		if !b.Amount.IsPositive() {
			return invalid("bonus amount %s must be positive", b.Amount)
		}
		if !models.FitsMoneyScale(b.Amount) {
			return invalid("bonus amount %s has more than %d decimal places", b.Amount, models.MoneyScale)
		}
	}
	if res.WarnUserID != nil && !s.Participant(*res.WarnUserID) {
		return invalid("warned user %s is not part of the session", *res.WarnUserID)
	}
	if res.SuspendUserID != nil && !s.Participant(*res.SuspendUserID) {
		return invalid("suspended user %s is not part of the session", *res.SuspendUserID)
	}
	return nil
}
