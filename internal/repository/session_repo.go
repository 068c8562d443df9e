package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/tutoring/internal/models"
)

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

const sessionColumns = `id, listing_id, student_id, teacher_id, escrow_id, price, state,
	proposed_time, proposed_by, scheduled_time, expires_at, completed_at,
	cancelled_by, no_show_reported_by, dispute_reason, disputed_by, disputed_from,
	resolved_at, resolution, created_at, updated_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var (
		s            models.Session
		state        string
		disputedFrom *string
		resolution   []byte
	)
	err := row.Scan(
		&s.ID, &s.ListingID, &s.StudentID, &s.TeacherID, &s.EscrowID, &s.Price, &state,
		&s.ProposedTime, &s.ProposedBy, &s.ScheduledTime, &s.ExpiresAt, &s.CompletedAt,
		&s.CancelledBy, &s.NoShowReportedBy, &s.DisputeReason, &s.DisputedBy, &disputedFrom,
		&s.ResolvedAt, &resolution, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	if s.State, err = models.ParseSessionState(state); err != nil {
		return nil, err
	}
	if disputedFrom != nil {
		if s.DisputedFrom, err = models.ParseSessionState(*disputedFrom); err != nil {
			return nil, err
		}
	}
	if len(resolution) > 0 {
		s.Resolution = &models.Resolution{}
		if err := json.Unmarshal(resolution, s.Resolution); err != nil {
			return nil, fmt.Errorf("decode resolution: %w", err)
		}
	}
	return &s, nil
}

// encodeExtras returns the nullable columns that need conversion on write.
func encodeExtras(s *models.Session) (disputedFrom *string, resolution []byte, err error) {
	if s.DisputedFrom != 0 {
		label := s.DisputedFrom.String()
		disputedFrom = &label
	}
	if s.Resolution != nil {
		if resolution, err = json.Marshal(s.Resolution); err != nil {
			return nil, nil, fmt.Errorf("encode resolution: %w", err)
		}
	}
	return disputedFrom, resolution, nil
}

func (r *SessionRepo) CreateTx(ctx context.Context, tx pgx.Tx, s *models.Session) error {
	disputedFrom, resolution, err := encodeExtras(s)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`,
		s.ID, s.ListingID, s.StudentID, s.TeacherID, s.EscrowID, s.Price, s.State.String(),
		s.ProposedTime, s.ProposedBy, s.ScheduledTime, s.ExpiresAt, s.CompletedAt,
		s.CancelledBy, s.NoShowReportedBy, s.DisputeReason, s.DisputedBy, disputedFrom,
		s.ResolvedAt, resolution, s.CreatedAt, s.UpdatedAt,
	)
	return mapErr(err)
}

func (r *SessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

// GetByIDForUpdate locks the session row until tx ends.
func (r *SessionRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Session, error) {
	return scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id))
}

// UpdateTx writes every mutable column. Identity, parties and price never
// change after creation.
func (r *SessionRepo) UpdateTx(ctx context.Context, tx pgx.Tx, s *models.Session) error {
	disputedFrom, resolution, err := encodeExtras(s)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE sessions SET
			state = $2, proposed_time = $3, proposed_by = $4, scheduled_time = $5,
			expires_at = $6, completed_at = $7, cancelled_by = $8, no_show_reported_by = $9,
			dispute_reason = $10, disputed_by = $11, disputed_from = $12, resolved_at = $13,
			resolution = $14, updated_at = $15
		WHERE id = $1
	`,
		s.ID, s.State.String(), s.ProposedTime, s.ProposedBy, s.ScheduledTime,
		s.ExpiresAt, s.CompletedAt, s.CancelledBy, s.NoShowReportedBy,
		s.DisputeReason, s.DisputedBy, disputedFrom, s.ResolvedAt,
		resolution, s.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *SessionRepo) ListExpirable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM sessions
		WHERE state IN ('requested', 'counter_offered') AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *SessionRepo) ListByParticipant(ctx context.Context, userID uuid.UUID) ([]*models.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE student_id = $1 OR teacher_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}
