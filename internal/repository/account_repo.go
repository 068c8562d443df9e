package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/tutoring/internal/models"
)

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

// CreateTx inserts a user inside the given transaction so the wallet can be
// opened in the same unit.
func (r *UserRepo) CreateTx(ctx context.Context, tx pgx.Tx, u *models.User) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO users (id, email, display_name, role, password_hash, suspended)
		VALUES ($1, lower($2), $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, u.ID, u.Email, u.DisplayName, u.Role, u.PasswordHash, u.Suspended).Scan(&u.CreatedAt, &u.UpdatedAt)
	return mapErr(err)
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, role, password_hash, suspended, created_at, updated_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.DisplayName, &u.Role, &u.PasswordHash, &u.Suspended, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, role, password_hash, suspended, created_at, updated_at
		FROM users WHERE email = lower($1)
	`, email).Scan(&u.ID, &u.Email, &u.DisplayName, &u.Role, &u.PasswordHash, &u.Suspended, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (r *UserRepo) SetSuspended(ctx context.Context, id uuid.UUID, suspended bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET suspended = $2, updated_at = now() WHERE id = $1`, id, suspended)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
