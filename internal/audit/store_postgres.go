package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore is the durable outbox.
//
// Expected schema:
//
//	CREATE TABLE audit_events (
//	    id           uuid PRIMARY KEY,
//	    action       text NOT NULL,
//	    actor_id     text NOT NULL DEFAULT '',
//	    tenant_id    text NOT NULL DEFAULT '',
//	    subject      text NOT NULL DEFAULT '',
//	    detail       jsonb,
//	    occurred_at  timestamptz NOT NULL,
//	    published_at timestamptz
//	);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e Event) error {
	var detail []byte
	if e.Detail != nil {
		var err error
		detail, err = json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, action, actor_id, tenant_id, subject, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.Action, e.ActorID, e.TenantID, e.Subject, detail, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) FetchUnpublished(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, actor_id, tenant_id, subject, detail, occurred_at
		FROM audit_events WHERE published_at IS NULL
		ORDER BY occurred_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var detail []byte
		if err := rows.Scan(&e.ID, &e.Action, &e.ActorID, &e.TenantID, &e.Subject, &detail, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch audit events: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkPublished(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE audit_events SET published_at = $1 WHERE id = ANY($2::uuid[])
	`, time.Now().UTC(), pq.Array(raw))
	if err != nil {
		return fmt.Errorf("mark audit events published: %w", err)
	}
	return nil
}
