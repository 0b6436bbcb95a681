package billingkey

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed billing key store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the billing_keys table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billing_keys (
			id                 VARCHAR(40) PRIMARY KEY,
			user_id            VARCHAR(40) NOT NULL,
			gateway            VARCHAR(20) NOT NULL,
			token              TEXT NOT NULL,
			masked_card_number VARCHAR(20) NOT NULL DEFAULT '',
			card_label         VARCHAR(40) NOT NULL DEFAULT '',
			status             VARCHAR(10) NOT NULL DEFAULT 'active',
			created_at         TIMESTAMPTZ DEFAULT NOW(),
			updated_at         TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_billing_keys_user ON billing_keys(user_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_keys_one_active
			ON billing_keys(user_id) WHERE status = 'active';
	`)
	return err
}

// Replace deactivates the user's active keys and inserts the new one in a
// single serializable transaction. The partial unique index on active keys
// backstops the invariant even if two registrations race.
func (p *PostgresStore) Replace(ctx context.Context, key *BillingKey) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE billing_keys SET status = 'inactive', updated_at = $2
		WHERE user_id = $1 AND status = 'active'
	`, key.UserID, now); err != nil {
		return fmt.Errorf("deactivate prior keys: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO billing_keys (id, user_id, gateway, token, masked_card_number, card_label, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'active', $7, $7)
	`, key.ID, key.UserID, key.Gateway, key.Token, key.MaskedCardNumber, key.CardLabel, now); err != nil {
		return fmt.Errorf("insert billing key: %w", err)
	}

	key.Status = StatusActive
	key.CreatedAt = now
	key.UpdatedAt = now
	return tx.Commit()
}

func (p *PostgresStore) GetActive(ctx context.Context, userID string) (*BillingKey, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, gateway, token, masked_card_number, card_label, status, created_at, updated_at
		FROM billing_keys
		WHERE user_id = $1 AND status = 'active'
		ORDER BY created_at DESC LIMIT 1
	`, userID)

	key, err := scanBillingKey(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoActiveKey
	}
	if err != nil {
		return nil, fmt.Errorf("get active billing key: %w", err)
	}
	return key, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*BillingKey, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, gateway, token, masked_card_number, card_label, status, created_at, updated_at
		FROM billing_keys WHERE id = $1
	`, id)

	key, err := scanBillingKey(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get billing key: %w", err)
	}
	return key, nil
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE billing_keys SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, string(status))
	if err != nil {
		return fmt.Errorf("set billing key status: %w", err)
	}
	return requireRow(result)
}

func (p *PostgresStore) SetStatusByToken(ctx context.Context, token string, status Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE billing_keys SET status = $2, updated_at = NOW() WHERE token = $1
	`, token, string(status))
	if err != nil {
		return fmt.Errorf("set billing key status by token: %w", err)
	}
	return requireRow(result)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*BillingKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, gateway, token, masked_card_number, card_label, status, created_at, updated_at
		FROM billing_keys WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list billing keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*BillingKey
	for rows.Next() {
		key, err := scanBillingKey(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, key)
	}
	return result, rows.Err()
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanBillingKey(row scannable) (*BillingKey, error) {
	var key BillingKey
	var status string
	var createdAt, updatedAt sql.NullTime

	err := row.Scan(&key.ID, &key.UserID, &key.Gateway, &key.Token,
		&key.MaskedCardNumber, &key.CardLabel, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	key.Status = Status(status)
	if createdAt.Valid {
		key.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		key.UpdatedAt = updatedAt.Time
	}
	return &key, nil
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
