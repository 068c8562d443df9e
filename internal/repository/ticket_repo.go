package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/tutoring/internal/models"
)

type TicketRepo struct {
	pool *pgxpool.Pool
}

func NewTicketRepo(pool *pgxpool.Pool) *TicketRepo {
	return &TicketRepo{pool: pool}
}

func (r *TicketRepo) Create(ctx context.Context, t *models.SupportTicket) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO support_tickets (id, session_id, reason, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, t.ID, t.SessionID, t.Reason, t.Status).Scan(&t.CreatedAt)
	return mapErr(err)
}

func (r *TicketRepo) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.SupportTicket, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, reason, status, created_at
		FROM support_tickets WHERE session_id = $1 ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.SupportTicket
	for rows.Next() {
		var t models.SupportTicket
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Reason, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
