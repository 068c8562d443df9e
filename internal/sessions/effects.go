package sessions

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/tutoring/internal/models"
	"github.com/inaiurai/tutoring/internal/observability"
)

// Notifier delivers a message to a user. Best effort.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, message string) error
}

// Ticketer opens a support ticket for a disputed session.
type Ticketer interface {
	CreateTicket(ctx context.Context, sessionID uuid.UUID, reason string) (uuid.UUID, error)
}

// AccountSuspender suspends a user account as a dispute outcome.
type AccountSuspender interface {
	Suspend(ctx context.Context, userID uuid.UUID, reason string) error
}

type EffectKind string

const (
	EffectNotify  EffectKind = "notify"
	EffectTicket  EffectKind = "ticket"
	EffectSuspend EffectKind = "suspend"
)

// Effect is a collaborator call a committed transition asks for.
type Effect struct {
	Kind    EffectKind
	UserID  uuid.UUID
	Message string
}

func notify(userID uuid.UUID, message string) Effect {
	return Effect{Kind: EffectNotify, UserID: userID, Message: message}
}

// effectTimeout bounds each port call; the request context may already be
// winding down once the transition has committed.
const effectTimeout = 5 * time.Second

// EffectRunner executes effects after commit. Port failures are logged and
// counted, never returned: the committed money movement is the contract.
type EffectRunner struct {
	Notifier  Notifier
	Ticketer  Ticketer
	Suspender AccountSuspender
	// AdminID receives dispute notices.
	AdminID uuid.UUID
	Logger  *slog.Logger
}

func NewEffectRunner(n Notifier, t Ticketer, s AccountSuspender, logger *slog.Logger) *EffectRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &EffectRunner{Notifier: n, Ticketer: t, Suspender: s, AdminID: models.SystemAdminID, Logger: logger}
}

func (r *EffectRunner) Run(ctx context.Context, sessionID uuid.UUID, effects []Effect) {
	if r == nil {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, e := range effects {
		ctx, cancel := context.WithTimeout(base, effectTimeout)
		r.run(ctx, sessionID, e)
		cancel()
	}
}

func (r *EffectRunner) run(ctx context.Context, sessionID uuid.UUID, e Effect) {
	switch e.Kind {
	case EffectNotify:
		if r.Notifier == nil {
			return
		}
		if err := r.Notifier.Notify(ctx, e.UserID, e.Message); err != nil {
			observability.RecordPortFailure("notification")
			r.Logger.Warn("notification failed", "session_id", sessionID, "user_id", e.UserID, "error", err)
		}
	case EffectTicket:
		if r.Ticketer == nil {
			return
		}
		ticketID, err := r.Ticketer.CreateTicket(ctx, sessionID, e.Message)
		if err != nil {
			observability.RecordPortFailure("ticketing")
			r.Logger.Warn("support ticket creation failed, recreate it manually", "session_id", sessionID, "error", err)
			return
		}
		r.Logger.Info("support ticket opened", "session_id", sessionID, "ticket_id", ticketID)
	case EffectSuspend:
		if r.Suspender == nil {
			return
		}
		if err := r.Suspender.Suspend(ctx, e.UserID, e.Message); err != nil {
			observability.RecordPortFailure("suspension")
			r.Logger.Warn("account suspension failed", "session_id", sessionID, "user_id", e.UserID, "error", err)
		}
	}
}
