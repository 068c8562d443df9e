package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	ListingActive = "active"
	ListingPaused = "paused"
)

// Listing is a teacher's offer; its price is what a session request escrows.
type Listing struct {
	ID          uuid.UUID       `json:"id"`
	TeacherID   uuid.UUID       `json:"teacher_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}
