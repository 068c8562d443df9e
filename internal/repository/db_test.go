package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/inaiurai/tutoring/internal/models"
)

func TestMapErr(t *testing.T) {
	other := errors.New("boom")
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"no rows", pgx.ErrNoRows, models.ErrNotFound},
		{"wrapped no rows", fmt.Errorf("scan: %w", pgx.ErrNoRows), models.ErrNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"}, models.ErrDuplicate},
		{"other pg error", &pgconn.PgError{Code: "23503"}, nil},
		{"passthrough", other, other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapErr(tt.in)
			if tt.want == nil {
				if tt.in == nil && got != nil {
					t.Fatalf("got %v, want nil", got)
				}
				if tt.in != nil && !errors.Is(got, tt.in) {
					t.Fatalf("got %v, want passthrough of %v", got, tt.in)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSchemaEmbedded(t *testing.T) {
	for _, table := range []string{"users", "wallets", "listings", "escrow_transactions", "credit_transactions", "sessions", "cancellations", "support_tickets"} {
		if !containsTable(schema, table) {
			t.Errorf("schema missing table %s", table)
		}
	}
}

func containsTable(sql, table string) bool {
	needle := "CREATE TABLE IF NOT EXISTS " + table + " ("
	for i := 0; i+len(needle) <= len(sql); i++ {
		if sql[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
