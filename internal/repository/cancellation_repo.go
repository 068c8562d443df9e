package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/tutoring/internal/models"
)

type CancellationRepo struct {
	pool *pgxpool.Pool
}

func NewCancellationRepo(pool *pgxpool.Pool) *CancellationRepo {
	return &CancellationRepo{pool: pool}
}

func (r *CancellationRepo) RecordTx(ctx context.Context, tx pgx.Tx, c *models.Cancellation) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO cancellations (session_id, teacher_id, cancelled_at) VALUES ($1, $2, $3)
	`, c.SessionID, c.TeacherID, c.CancelledAt)
	return mapErr(err)
}

const countCancellations = `SELECT count(*) FROM cancellations WHERE teacher_id = $1 AND cancelled_at >= $2`

// CountSinceTx counts inside tx so the row just recorded is included.
func (r *CancellationRepo) CountSinceTx(ctx context.Context, tx pgx.Tx, teacherID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := tx.QueryRow(ctx, countCancellations, teacherID, since).Scan(&n)
	return n, err
}

func (r *CancellationRepo) CountSince(ctx context.Context, teacherID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, countCancellations, teacherID, since).Scan(&n)
	return n, err
}
