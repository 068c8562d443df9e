package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/tutoring/internal/models"
)

type ListingRepo struct {
	pool *pgxpool.Pool
}

func NewListingRepo(pool *pgxpool.Pool) *ListingRepo {
	return &ListingRepo{pool: pool}
}

const listingColumns = `id, teacher_id, title, description, price, status, created_at`

func scanListing(row pgx.Row) (*models.Listing, error) {
	var l models.Listing
	if err := row.Scan(&l.ID, &l.TeacherID, &l.Title, &l.Description, &l.Price, &l.Status, &l.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &l, nil
}

func (r *ListingRepo) Create(ctx context.Context, l *models.Listing) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO listings (id, teacher_id, title, description, price, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, l.ID, l.TeacherID, l.Title, l.Description, l.Price, l.Status).Scan(&l.CreatedAt)
	return mapErr(err)
}

func (r *ListingRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	return scanListing(r.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
}

func (r *ListingRepo) ListActive(ctx context.Context) ([]*models.Listing, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+listingColumns+` FROM listings WHERE status = 'active' ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, l)
	}
	return list, rows.Err()
}

func (r *ListingRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE listings SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
