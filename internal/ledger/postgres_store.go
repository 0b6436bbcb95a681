package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the payment_ledger table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payment_ledger (
			id                VARCHAR(40) PRIMARY KEY,
			user_id           VARCHAR(40) NOT NULL,
			subscription_id   VARCHAR(40),
			order_number      VARCHAR(120) NOT NULL UNIQUE,
			billing_key_token TEXT NOT NULL,
			amount            BIGINT NOT NULL,
			outcome           VARCHAR(10) NOT NULL,
			gateway_code      VARCHAR(40),
			message           TEXT,
			tid               VARCHAR(80),
			raw_response      TEXT,
			created_at        TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_payment_ledger_user ON payment_ledger(user_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_ledger (
			id, user_id, subscription_id, order_number, billing_key_token,
			amount, outcome, gateway_code, message, tid, raw_response, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		entry.ID, entry.UserID, nullString(entry.SubscriptionID), entry.OrderNumber,
		entry.BillingKeyToken, entry.Amount, string(entry.Outcome),
		nullString(entry.GatewayCode), nullString(entry.Message),
		nullString(entry.TID), nullString(entry.RawResponse), entry.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return entry, nil
}

func (p *PostgresStore) GetByOrderNumber(ctx context.Context, orderNumber string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, selectColumns+` WHERE order_number = $1`, orderNumber)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry by order: %w", err)
	}
	return entry, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, selectColumns+`
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

const selectColumns = `
	SELECT id, user_id, subscription_id, order_number, billing_key_token,
		amount, outcome, gateway_code, message, tid, raw_response, created_at
	FROM payment_ledger`

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scannable) (*Entry, error) {
	var e Entry
	var outcome string
	var subscriptionID, gatewayCode, message, tid, raw sql.NullString
	var createdAt sql.NullTime

	err := row.Scan(&e.ID, &e.UserID, &subscriptionID, &e.OrderNumber, &e.BillingKeyToken,
		&e.Amount, &outcome, &gatewayCode, &message, &tid, &raw, &createdAt)
	if err != nil {
		return nil, err
	}

	e.Outcome = Outcome(outcome)
	e.SubscriptionID = subscriptionID.String
	e.GatewayCode = gatewayCode.String
	e.Message = message.String
	e.TID = tid.String
	e.RawResponse = raw.String
	if createdAt.Valid {
		e.CreatedAt = createdAt.Time
	}
	return &e, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
