package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/tutoring/internal/models"
)

type WalletRepo struct {
	pool *pgxpool.Pool
}

func NewWalletRepo(pool *pgxpool.Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

const walletColumns = `id, owner_id, available, locked, created_at, updated_at`

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	var w models.Wallet
	if err := row.Scan(&w.ID, &w.OwnerID, &w.Available, &w.Locked, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &w, nil
}

func (r *WalletRepo) CreateTx(ctx context.Context, tx pgx.Tx, w *models.Wallet) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO wallets (id, owner_id, available, locked)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, w.ID, w.OwnerID, w.Available, w.Locked).Scan(&w.CreatedAt, &w.UpdatedAt)
	return mapErr(err)
}

func (r *WalletRepo) GetByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Wallet, error) {
	return scanWallet(r.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1`, ownerID))
}

func (r *WalletRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	return scanWallet(r.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
}

// GetByIDForUpdate locks the wallet row until tx ends.
func (r *WalletRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Wallet, error) {
	return scanWallet(tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id))
}

// ApplyDeltaTx adds the signed deltas in one conditional UPDATE. When the
// row exists but either balance would go negative nothing is written and
// models.ErrBalanceGuard is returned.
func (r *WalletRepo) ApplyDeltaTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, availableDelta, lockedDelta decimal.Decimal) (*models.Wallet, error) {
	w, err := scanWallet(tx.QueryRow(ctx, `
		UPDATE wallets
		SET available = available + $2, locked = locked + $3, updated_at = now()
		WHERE id = $1 AND available + $2 >= 0 AND locked + $3 >= 0
		RETURNING `+walletColumns, id, availableDelta, lockedDelta))
	if errors.Is(err, models.ErrNotFound) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallets WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if exists {
			return nil, models.ErrBalanceGuard
		}
	}
	return w, err
}
