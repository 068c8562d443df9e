// Package ticketing opens support tickets for disputed sessions.
package ticketing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/tutoring/internal/models"
)

const StatusOpen = "open"

type TicketRepo interface {
	Create(ctx context.Context, t *models.SupportTicket) error
}

type Service struct {
	repo TicketRepo
}

func NewService(repo TicketRepo) *Service {
	return &Service{repo: repo}
}

// CreateTicket records an open ticket and returns its id.
func (s *Service) CreateTicket(ctx context.Context, sessionID uuid.UUID, reason string) (uuid.UUID, error) {
	t := &models.SupportTicket{
		ID:        uuid.New(),
		SessionID: sessionID,
		Reason:    reason,
		Status:    StatusOpen,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return uuid.Nil, fmt.Errorf("create ticket: %w", err)
	}
	return t.ID, nil
}
