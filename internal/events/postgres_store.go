package events

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore reads events from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed event lookup.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	var (
		e      Event
		status string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, title, status, ticket_price, currency, organizer_id, start_date
		FROM events WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &status, &e.TicketPrice, &e.Currency, &e.OrganizerID, &e.StartDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	return &e, nil
}

var _ Lookup = (*PostgresStore)(nil)
