package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/tutoring/internal/models"
)

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

const escrowColumns = `id, session_id, source_wallet_id, destination_wallet_id, amount, status, created_at, resolved_at`

func scanEscrow(row pgx.Row) (*models.EscrowTransaction, error) {
	var e models.EscrowTransaction
	if err := row.Scan(&e.ID, &e.SessionID, &e.SourceWalletID, &e.DestinationWalletID, &e.Amount, &e.Status, &e.CreatedAt, &e.ResolvedAt); err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

func (r *EscrowRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.EscrowTransaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO escrow_transactions (id, session_id, source_wallet_id, destination_wallet_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.SessionID, e.SourceWalletID, e.DestinationWalletID, e.Amount, e.Status, e.CreatedAt)
	return mapErr(err)
}

func (r *EscrowRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	return scanEscrow(r.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE id = $1`, id))
}

func (r *EscrowRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.EscrowTransaction, error) {
	return scanEscrow(tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE id = $1 FOR UPDATE`, id))
}

// ResolveTx moves a HELD escrow to status. The WHERE clause makes the
// transition one-way; false means the escrow had already resolved.
func (r *EscrowRepo) ResolveTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, at time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_transactions SET status = $2, resolved_at = $3
		WHERE id = $1 AND status = 'HELD'
	`, id, status, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
