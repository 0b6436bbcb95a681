package subscription

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

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the subscriptions table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subscriptions (
			id                   VARCHAR(40) PRIMARY KEY,
			user_id              VARCHAR(40) NOT NULL,
			plan_type            VARCHAR(20) NOT NULL,
			price                BIGINT NOT NULL,
			status               VARCHAR(10) NOT NULL DEFAULT 'active',
			next_billing_date    TIMESTAMPTZ NOT NULL,
			last_billing_date    TIMESTAMPTZ,
			consecutive_failures INT NOT NULL DEFAULT 0,
			charge_in_progress   BOOLEAN NOT NULL DEFAULT FALSE,
			created_at           TIMESTAMPTZ DEFAULT NOW(),
			updated_at           TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user_id);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_due ON subscriptions(status, next_billing_date);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM subscriptions WHERE user_id = $1 AND status = 'active' LIMIT 1
	`, sub.UserID).Scan(&existing)
	if err == nil {
		return ErrAlreadyActive
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("check existing: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO subscriptions (
			id, user_id, plan_type, price, status,
			next_billing_date, last_billing_date, consecutive_failures,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		sub.ID, sub.UserID, sub.PlanType, sub.Price, string(sub.Status),
		sub.NextBillingDate, nullTimeOrValue(sub.LastBillingDate), sub.ConsecutiveFailures,
		sub.CreatedAt, sub.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id)

	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (p *PostgresStore) GetActiveByUser(ctx context.Context, userID string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, selectColumns+`
		WHERE user_id = $1 AND status = 'active'
		ORDER BY created_at DESC LIMIT 1
	`, userID)

	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active subscription: %w", err)
	}
	return sub, nil
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	sub.UpdatedAt = time.Now()

	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			plan_type            = $2,
			price                = $3,
			status               = $4,
			next_billing_date    = $5,
			last_billing_date    = $6,
			consecutive_failures = $7,
			updated_at           = $8
		WHERE id = $1
	`,
		sub.ID, sub.PlanType, sub.Price, string(sub.Status),
		sub.NextBillingDate, nullTimeOrValue(sub.LastBillingDate),
		sub.ConsecutiveFailures, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
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

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, selectColumns+`
		WHERE status = 'active'
		  AND next_billing_date <= $1
		  AND plan_type != 'free'
		ORDER BY next_billing_date ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

// Claim is a compare-and-set: it succeeds only when the row is active,
// unclaimed, and the nextBillingDate the caller saw is still current.
func (p *PostgresStore) Claim(ctx context.Context, id string, expectedNext time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET charge_in_progress = TRUE, updated_at = NOW()
		WHERE id = $1
		  AND status = 'active'
		  AND charge_in_progress = FALSE
		  AND next_billing_date = $2
	`, id, expectedNext)
	if err != nil {
		return false, fmt.Errorf("claim subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows == 1, nil
}

func (p *PostgresStore) Release(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET charge_in_progress = FALSE, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("release subscription: %w", err)
	}
	return nil
}

func (p *PostgresStore) ExpireLapsed(ctx context.Context, now time.Time) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE subscriptions SET status = 'expired', updated_at = NOW()
		WHERE status = 'cancelled' AND next_billing_date < $1
		RETURNING id, user_id, plan_type, price, status,
			next_billing_date, last_billing_date, consecutive_failures,
			created_at, updated_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("expire lapsed subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var expired []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, sub)
	}
	return expired, rows.Err()
}

const selectColumns = `
	SELECT id, user_id, plan_type, price, status,
		next_billing_date, last_billing_date, consecutive_failures,
		created_at, updated_at
	FROM subscriptions`

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row scannable) (*Subscription, error) {
	var sub Subscription
	var status string
	var lastBilling, createdAt, updatedAt sql.NullTime

	err := row.Scan(&sub.ID, &sub.UserID, &sub.PlanType, &sub.Price, &status,
		&sub.NextBillingDate, &lastBilling, &sub.ConsecutiveFailures,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	sub.Status = Status(status)
	if lastBilling.Valid {
		sub.LastBillingDate = lastBilling.Time
	}
	if createdAt.Valid {
		sub.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		sub.UpdatedAt = updatedAt.Time
	}
	return &sub, nil
}

// nullTimeOrValue returns a sql.NullTime: valid if t is non-zero, null otherwise.
func nullTimeOrValue(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
