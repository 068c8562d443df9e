package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/tutoring/internal/models"
)

type CreditRepo struct {
	pool *pgxpool.Pool
}

func NewCreditRepo(pool *pgxpool.Pool) *CreditRepo {
	return &CreditRepo{pool: pool}
}

// CreateTx appends an audit entry inside the given transaction.
func (r *CreditRepo) CreateTx(ctx context.Context, tx pgx.Tx, c *models.CreditTransaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_transactions (id, wallet_id, kind, amount, available_delta, locked_delta, session_id, escrow_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.ID, c.WalletID, c.Kind, c.Amount, c.AvailableDelta, c.LockedDelta, c.SessionID, c.EscrowID, c.Reason, c.CreatedAt)
	return err
}

func (r *CreditRepo) ListByWalletID(ctx context.Context, walletID uuid.UUID) ([]*models.CreditTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, wallet_id, kind, amount, available_delta, locked_delta, session_id, escrow_id, reason, created_at
		FROM credit_transactions WHERE wallet_id = $1 ORDER BY created_at DESC, id
	`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CreditTransaction
	for rows.Next() {
		var c models.CreditTransaction
		if err := rows.Scan(&c.ID, &c.WalletID, &c.Kind, &c.Amount, &c.AvailableDelta, &c.LockedDelta, &c.SessionID, &c.EscrowID, &c.Reason, &c.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &c)
	}
	return list, rows.Err()
}
