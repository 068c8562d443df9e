// Package sweeper expires negotiations whose deadline has passed.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/tutoring/internal/observability"
	"github.com/inaiurai/tutoring/internal/sessions"
)

// DefaultBatch caps how many sessions one sweep examines.
const DefaultBatch = 100

// Lister finds sessions whose negotiation deadline is at or before now.
type Lister interface {
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// Expirer forces the expire transition.
type Expirer interface {
	Expire(ctx context.Context, sessionID uuid.UUID) (*sessions.Outcome, error)
}

// Report summarizes one sweep.
type Report struct {
	Scanned int
	Expired int
	// AlreadyHandled counts sessions another actor moved first.
	AlreadyHandled int
	Failed         int
}

type Sweeper struct {
	Sessions Lister
	Machine  Expirer
	Batch    int
	Logger   *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

func New(sessionsRepo Lister, machine Expirer, batch int, logger *slog.Logger) *Sweeper {
	if batch <= 0 {
		batch = DefaultBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{Sessions: sessionsRepo, Machine: machine, Batch: batch, Logger: logger, Now: time.Now}
}

// Sweep expires one batch of overdue sessions. Losing a race against accept,
// reject or counter-offer is expected and counted as handled. Other
// failures are logged and the sweep moves on; the next sweep retries them.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	ids, err := s.Sessions.ListExpirable(ctx, now.UTC(), s.Batch)
	if err != nil {
		return Report{}, fmt.Errorf("list expirable sessions: %w", err)
	}

	var rep Report
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			s.record(rep)
			return rep, err
		}
		rep.Scanned++
		out, err := s.Machine.Expire(ctx, id)
		switch {
		case err == nil && out.AlreadyHandled:
			rep.AlreadyHandled++
		case err == nil:
			rep.Expired++
		case errors.Is(err, sessions.ErrIllegalTransition):
			rep.AlreadyHandled++
		default:
			rep.Failed++
			s.Logger.Error("expire session failed", "session_id", id, "error", err)
		}
	}
	s.record(rep)
	if rep.Scanned > 0 {
		s.Logger.Info("sweep finished", "scanned", rep.Scanned, "expired", rep.Expired,
			"already_handled", rep.AlreadyHandled, "failed", rep.Failed)
	}
	return rep, nil
}

func (s *Sweeper) record(rep Report) {
	observability.RecordSweep("expired", rep.Expired)
	observability.RecordSweep("already_handled", rep.AlreadyHandled)
	observability.RecordSweep("failed", rep.Failed)
}

// Run sweeps every interval until ctx is done. It is the scheduler when no
// job queue is available.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.Logger.Error("sweep failed", "error", err)
			}
		}
	}
}
