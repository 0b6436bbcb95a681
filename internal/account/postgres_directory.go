package account

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/amondhq/billing/internal/gateway"
)

var _ Directory = (*PostgresDirectory)(nil)

// PostgresDirectory reads and writes the shared users table.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory over the shared users table.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// Migrate creates the users table if it doesn't exist. In production the
// table is owned by the account service; this covers standalone deployments.
func (p *PostgresDirectory) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id               VARCHAR(40) PRIMARY KEY,
			name             VARCHAR(120) NOT NULL,
			email            VARCHAR(255) NOT NULL,
			tel              VARCHAR(40),
			grade            VARCHAR(20) NOT NULL DEFAULT 'free',
			paid_through     TIMESTAMPTZ,
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			updated_at       TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	return err
}

func (p *PostgresDirectory) Buyer(ctx context.Context, userID string) (gateway.Buyer, error) {
	var buyer gateway.Buyer
	var tel sql.NullString

	err := p.db.QueryRowContext(ctx, `
		SELECT name, email, tel FROM users WHERE id = $1
	`, userID).Scan(&buyer.Name, &buyer.Email, &tel)
	if err == sql.ErrNoRows {
		return gateway.Buyer{}, ErrNotFound
	}
	if err != nil {
		return gateway.Buyer{}, fmt.Errorf("lookup buyer: %w", err)
	}
	buyer.Tel = tel.String
	return buyer, nil
}

func (p *PostgresDirectory) SetMembership(ctx context.Context, userID, grade string, paidThrough time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET grade = $2, paid_through = $3, updated_at = NOW()
		WHERE id = $1
	`, userID, grade, paidThrough)
	if err != nil {
		return fmt.Errorf("set membership: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
