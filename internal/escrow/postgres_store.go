package escrow

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists escrow accounts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_accounts (
			event_id, public_key, encrypted_secret, status,
			funding_tx_hash, release_tx_hash, destination, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.EventID, a.PublicKey, a.EncryptedSecret, string(a.Status),
		nullString(a.FundingTxHash), nullString(a.ReleaseTxHash), nullString(a.Destination),
		a.CreatedAt, a.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyProvisioned
	}
	return err
}

const accountColumns = `event_id, public_key, encrypted_secret, status,
		       funding_tx_hash, release_tx_hash, destination, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, eventID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM escrow_accounts WHERE event_id = $1`, eventID)

	var (
		a                            Account
		status                       string
		fundingTx, releaseTx, destin sql.NullString
	)
	err := row.Scan(
		&a.EventID, &a.PublicKey, &a.EncryptedSecret, &status,
		&fundingTx, &releaseTx, &destin, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.FundingTxHash = fundingTx.String
	a.ReleaseTxHash = releaseTx.String
	a.Destination = destin.String
	return &a, nil
}

func (p *PostgresStore) Update(ctx context.Context, a *Account) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_accounts SET
			status = $1, funding_tx_hash = $2, release_tx_hash = $3,
			destination = $4, updated_at = $5
		WHERE event_id = $6`,
		string(a.Status), nullString(a.FundingTxHash), nullString(a.ReleaseTxHash),
		nullString(a.Destination), a.UpdatedAt,
		a.EventID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
