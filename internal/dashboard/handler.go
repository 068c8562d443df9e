// Package dashboard serves the caller's own account, wallet and credit
// history, plus the admin deposit entry point that stands in for the
// payment gateway callback.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/tutoring/internal/ledger"
	"github.com/inaiurai/tutoring/internal/middleware"
	"github.com/inaiurai/tutoring/internal/models"
	"github.com/inaiurai/tutoring/internal/retry"
	"github.com/inaiurai/tutoring/internal/sessions"
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type UserLookup interface {
	User(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Wallets is the slice of the ledger the dashboard reads and deposits through.
type Wallets interface {
	Wallet(ctx context.Context, ownerID uuid.UUID) (*models.Wallet, error)
	History(ctx context.Context, walletID uuid.UUID) ([]*models.CreditTransaction, error)
	Deposit(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, amount decimal.Decimal, reference string) (*models.CreditTransaction, error)
}

type CancellationCounter interface {
	CountSince(ctx context.Context, teacherID uuid.UUID, since time.Time) (int, error)
}

type DepositRequest struct {
	UserID    uuid.UUID       `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

type Handler struct {
	db            TxBeginner
	users         UserLookup
	wallets       Wallets
	cancellations CancellationCounter
	policy        sessions.Policy
	log           *slog.Logger
	// Now is overridable in tests.
	Now func() time.Time
}

func NewHandler(db TxBeginner, users UserLookup, wallets Wallets, cancellations CancellationCounter, policy sessions.Policy, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		db:            db,
		users:         users,
		wallets:       wallets,
		cancellations: cancellations,
		policy:        policy,
		log:           log,
		Now:           time.Now,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GET /api/v1/account/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	u, err := h.users.User(r.Context(), actor.ID)
	if err != nil {
		h.log.Error("get account failed", "user_id", actor.ID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
		return
	}
	w2, err := h.wallets.Wallet(r.Context(), actor.ID)
	if err != nil {
		h.log.Error("get wallet failed", "user_id", actor.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "wallet unavailable"})
		return
	}
	resp := map[string]any{
		"id":           u.ID,
		"email":        u.Email,
		"display_name": u.DisplayName,
		"role":         u.Role,
		"suspended":    u.Suspended,
		"available":    w2.Available,
		"locked":       w2.Locked,
		"created_at":   u.CreatedAt,
	}
	if u.Role == models.RoleTeacher {
		n, err := h.cancellations.CountSince(r.Context(), u.ID, h.Now().Add(-h.policy.CancellationWindow))
		if err != nil {
			h.log.Error("count cancellations failed", "user_id", u.ID, "error", err)
		} else {
			resp["recent_cancellations"] = n
			resp["cancellation_warning"] = n >= h.policy.CancellationWarnThreshold
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/v1/wallet
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	wallet, err := h.wallets.Wallet(r.Context(), actor.ID)
	if errors.Is(err, models.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "wallet not found"})
		return
	}
	if err != nil {
		h.log.Error("get wallet failed", "user_id", actor.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "wallet unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// GET /api/v1/credit-ledger
func (h *Handler) ListCreditLedger(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	wallet, err := h.wallets.Wallet(r.Context(), actor.ID)
	if err != nil {
		h.log.Error("get wallet failed", "user_id", actor.ID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "wallet not found"})
		return
	}
	entries, err := h.wallets.History(r.Context(), wallet.ID)
	if err != nil {
		h.log.Error("list credit ledger failed", "wallet_id", wallet.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list credit ledger"})
		return
	}
	if entries == nil {
		entries = []*models.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// POST /api/v1/wallet/deposits (admin)
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	ctx := r.Context()
	wallet, err := h.wallets.Wallet(ctx, req.UserID)
	if errors.Is(err, models.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "wallet not found"})
		return
	}
	if err != nil {
		h.log.Error("get wallet failed", "user_id", req.UserID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "deposit failed"})
		return
	}

	var entry *models.CreditTransaction
	err = retry.Do(ctx, func() error {
		tx, err := h.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)
		if entry, err = h.wallets.Deposit(ctx, tx, wallet.ID, req.Amount, req.Reference); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if errors.Is(err, ledger.ErrInvalidAmount) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		h.log.Error("deposit failed", "wallet_id", wallet.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "deposit failed"})
		return
	}
	h.log.Info("deposit recorded", "wallet_id", wallet.ID, "amount", req.Amount.String(), "reference", req.Reference)
	writeJSON(w, http.StatusCreated, entry)
}
