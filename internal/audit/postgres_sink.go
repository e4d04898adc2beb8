package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresSink writes audit entries to the audit_log table.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates an audit sink backed by PostgreSQL.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Log(ctx context.Context, e Entry) error {
	e = stamp(ctx, e)
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("audit: encode meta: %w", err)
	}
	if e.Meta == nil {
		meta = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (action, user_id, resource_id, meta, request_id, created_at)
		VALUES ($1, $2, $3, $4::JSONB, $5, $6)`,
		e.Action, nullString(e.UserID), nullString(e.ResourceID), string(meta), nullString(e.RequestID), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", e.Action, err)
	}
	return nil
}

// ListByResource returns a resource's entries, oldest first.
func (s *PostgresSink) ListByResource(ctx context.Context, resourceID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT action, COALESCE(user_id, ''), COALESCE(resource_id, ''), meta::TEXT,
		       COALESCE(request_id, ''), created_at
		FROM audit_log WHERE resource_id = $1
		ORDER BY id ASC LIMIT $2`, resourceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			meta string
		)
		if err := rows.Scan(&e.Action, &e.UserID, &e.ResourceID, &meta, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &e.Meta); err != nil {
			return nil, fmt.Errorf("audit: decode meta: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Sink = (*PostgresSink)(nil)
