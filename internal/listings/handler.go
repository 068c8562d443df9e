package listings

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/tutoring/internal/middleware"
	"github.com/inaiurai/tutoring/internal/models"
)

type CreateListingRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// POST /api/v1/listings
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	l, err := h.svc.Create(r.Context(), actor.ID, req.Title, req.Description, req.Price)
	if errors.Is(err, ErrInvalidPrice) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		h.log.Error("create listing failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "create listing failed"})
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// GET /api/v1/listings
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListActive(r.Context())
	if err != nil {
		h.log.Error("list listings failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list listings failed"})
		return
	}
	if list == nil {
		list = []*models.Listing{}
	}
	writeJSON(w, http.StatusOK, list)
}

// PATCH /api/v1/listings/{id}
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid listing id"})
		return
	}
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	l, err := h.svc.SetStatus(r.Context(), actor.ID, id, req.Status)
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "listing not found"})
	case errors.Is(err, ErrNotOwner):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrBadStatus):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case err != nil:
		h.log.Error("update listing failed", "listing_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "update listing failed"})
	default:
		writeJSON(w, http.StatusOK, l)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
