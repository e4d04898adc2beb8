package settlement

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists payments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, event_id, user_id, amount, currency, status,
			reference_id, transaction_hash, failure_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4::NUMERIC(20,7), $5, $6, $7, $8, $9, $10, $11)`,
		pay.ID, pay.EventID, pay.UserID, pay.Amount.StringFixed(7), pay.Currency, string(pay.Status),
		nullString(pay.ReferenceID), nullString(pay.TransactionHash), nullString(pay.FailureReason),
		pay.CreatedAt, pay.UpdatedAt,
	)
	return err
}

const paymentColumns = `id, event_id, user_id, amount, currency, status,
		       reference_id, transaction_hash, failure_reason, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (p *PostgresStore) GetPending(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 AND status = 'pending'`, id)
	return scanPayment(row)
}

// Complete is a single conditional UPDATE, so of two concurrent callers
// only one sees a pending row.
func (p *PostgresStore) Complete(ctx context.Context, id string, t Transition) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE payments SET
			status = $1, transaction_hash = $2, failure_reason = $3, updated_at = $4
		WHERE id = $5 AND status = 'pending'
		RETURNING `+paymentColumns,
		string(t.Status), nullString(t.TransactionHash), nullString(t.FailureReason), t.At,
		id,
	)
	return scanPayment(row)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row scanner) (*Payment, error) {
	var (
		pay                    Payment
		status                 string
		refID, txHash, failure sql.NullString
	)
	err := row.Scan(
		&pay.ID, &pay.EventID, &pay.UserID, &pay.Amount, &pay.Currency, &status,
		&refID, &txHash, &failure, &pay.CreatedAt, &pay.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	pay.Status = Status(status)
	pay.ReferenceID = refID.String
	pay.TransactionHash = txHash.String
	pay.FailureReason = failure.String
	return &pay, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
