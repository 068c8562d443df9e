package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/tutoring/internal/ledger"
	"github.com/inaiurai/tutoring/internal/middleware"
	"github.com/inaiurai/tutoring/internal/models"
)

type RequestSessionRequest struct {
	ListingID    uuid.UUID `json:"listing_id"`
	ProposedTime time.Time `json:"proposed_time"`
}

type CounterOfferRequest struct {
	ProposedTime time.Time `json:"proposed_time"`
}

type DisputeRequest struct {
	Reason string `json:"reason"`
}

// SessionResponse is a session plus what the transition reported.
type SessionResponse struct {
	*models.Session
	AlreadyHandled      bool `json:"already_handled,omitempty"`
	RecentCancellations int  `json:"recent_cancellations,omitempty"`
	CancellationWarning bool `json:"cancellation_warning,omitempty"`
}

type Handler struct {
	m   *Machine
	log *slog.Logger
}

func NewHandler(m *Machine, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{m: m, log: log}
}

// POST /api/v1/sessions
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var req RequestSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	out, err := h.m.Request(r.Context(), actor.ID, req.ListingID, req.ProposedTime)
	if err != nil {
		h.writeError(w, "request", uuid.Nil, err)
		return
	}
	writeJSON(w, http.StatusCreated, outcomeResponse(out))
}

// GET /api/v1/sessions
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	list, err := h.m.ListForUser(r.Context(), actor.ID)
	if err != nil {
		h.writeError(w, "list", uuid.Nil, err)
		return
	}
	if list == nil {
		list = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GET /api/v1/sessions/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	s, err := h.m.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, "get", id, err)
		return
	}
	if !s.Participant(actor.ID) && actor.Role != models.RoleAdmin {
		h.writeError(w, "get", id, ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type actorOp func(ctx context.Context, actorID, sessionID uuid.UUID) (*Outcome, error)

// simple adapts the transitions that take no body.
func (h *Handler) simple(op string, fn actorOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, ok := h.target(w, r)
		if !ok {
			return
		}
		out, err := fn(r.Context(), actor.ID, id)
		if err != nil {
			h.writeError(w, op, id, err)
			return
		}
		writeJSON(w, http.StatusOK, outcomeResponse(out))
	}
}

// POST /api/v1/sessions/{id}/accept
func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	h.simple("accept", h.m.Accept)(w, r)
}

// POST /api/v1/sessions/{id}/reject
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.simple("reject", h.m.Reject)(w, r)
}

// POST /api/v1/sessions/{id}/complete
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	h.simple("complete", h.m.Complete)(w, r)
}

// POST /api/v1/sessions/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.simple("cancel", h.m.Cancel)(w, r)
}

// POST /api/v1/sessions/{id}/no-show
func (h *Handler) NoShow(w http.ResponseWriter, r *http.Request) {
	h.simple("no_show", h.m.NoShow)(w, r)
}

// POST /api/v1/sessions/{id}/expire
//
// Participants may force the deadline check instead of waiting for the
// sweeper.
func (h *Handler) Expire(w http.ResponseWriter, r *http.Request) {
	h.simple("expire", func(ctx context.Context, actorID, sessionID uuid.UUID) (*Outcome, error) {
		s, err := h.m.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if !s.Participant(actorID) {
			return nil, ErrForbidden
		}
		return h.m.Expire(ctx, sessionID)
	})(w, r)
}

// POST /api/v1/sessions/{id}/counter-offer
func (h *Handler) CounterOffer(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var req CounterOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	out, err := h.m.CounterOffer(r.Context(), actor.ID, id, req.ProposedTime)
	if err != nil {
		h.writeError(w, "counter_offer", id, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse(out))
}

// POST /api/v1/sessions/{id}/dispute
func (h *Handler) Dispute(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var req DisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	out, err := h.m.Dispute(r.Context(), actor.ID, id, req.Reason)
	if err != nil {
		h.writeError(w, "dispute", id, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse(out))
}

// POST /api/v1/sessions/{id}/resolution (admin)
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var res models.Resolution
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	out, err := h.m.ResolveDispute(r.Context(), actor.ID, id, res)
	if err != nil {
		h.writeError(w, "resolve", id, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse(out))
}

func (h *Handler) target(w http.ResponseWriter, r *http.Request) (middleware.Actor, uuid.UUID, bool) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return actor, uuid.Nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session id"})
		return actor, uuid.Nil, false
	}
	return actor, id, true
}

// writeError maps machine and ledger errors to HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, op string, sessionID uuid.UUID, err error) {
	var funds *ledger.InsufficientFundsError
	var trans *TransitionError
	switch {
	case errors.As(err, &funds):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{
			"error":     "insufficient funds",
			"shortfall": funds.Shortfall().String(),
			"available": funds.Available.String(),
			"requested": funds.Requested.String(),
		})
	case errors.As(err, &trans):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "state": trans.State.String()})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ledger.ErrInvalidAmount):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, ledger.ErrInvalidEscrowState):
		// Already logged by the machine.
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	default:
		h.log.Error("session operation failed", "op", op, "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func outcomeResponse(out *Outcome) SessionResponse {
	return SessionResponse{
		Session:             out.Session,
		AlreadyHandled:      out.AlreadyHandled,
		RecentCancellations: out.RecentCancellations,
		CancellationWarning: out.CancellationWarning,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
