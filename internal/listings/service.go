// Package listings manages teacher offers. The session machine reads them
// through its ListingLookup port.
package listings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/tutoring/internal/models"
)

var (
	ErrInvalidPrice = errors.New("price must be greater than zero with at most 4 decimal places")
	ErrNotOwner     = errors.New("listing belongs to another teacher")
	ErrBadStatus    = errors.New("unknown listing status")
)

type Repo interface {
	Create(ctx context.Context, l *models.Listing) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	ListActive(ctx context.Context) ([]*models.Listing, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
}

type Service struct {
	repo Repo
}

func NewService(repo Repo) *Service {
	return &Service{repo: repo}
}

func (s *Service) Create(ctx context.Context, teacherID uuid.UUID, title, description string, price decimal.Decimal) (*models.Listing, error) {
	if !price.IsPositive() || !models.FitsMoneyScale(price) {
		return nil, ErrInvalidPrice
	}
	l := &models.Listing{
		ID:          uuid.New(),
		TeacherID:   teacherID,
		Title:       strings.TrimSpace(title),
		Description: description,
		Price:       price,
		Status:      models.ListingActive,
	}
	if err := s.repo.Create(ctx, l); err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}
	return l, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListActive(ctx context.Context) ([]*models.Listing, error) {
	return s.repo.ListActive(ctx)
}

// SetStatus pauses or reopens a listing. Sessions already requested are not
// affected.
func (s *Service) SetStatus(ctx context.Context, teacherID, listingID uuid.UUID, status string) (*models.Listing, error) {
	if status != models.ListingActive && status != models.ListingPaused {
		return nil, ErrBadStatus
	}
	l, err := s.repo.GetByID(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.TeacherID != teacherID {
		return nil, ErrNotOwner
	}
	if err := s.repo.UpdateStatus(ctx, listingID, status); err != nil {
		return nil, err
	}
	l.Status = status
	return l, nil
}
