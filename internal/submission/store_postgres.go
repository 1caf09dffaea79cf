package submission

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"sii-gateway/pkg/platform/sentinel"
)

// PostgresStore persists submission records.
//
// Expected schema:
//
//	CREATE TABLE submissions (
//	    id                uuid PRIMARY KEY,
//	    tenant_id         text NOT NULL,
//	    invoice_number    text NOT NULL,
//	    issuer_nif        text NOT NULL,
//	    status            text NOT NULL,
//	    receipt_id        text NOT NULL DEFAULT '',
//	    error_code        text NOT NULL DEFAULT '',
//	    error_description text NOT NULL DEFAULT '',
//	    submitted_at      timestamptz NOT NULL
//	);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (id, tenant_id, invoice_number, issuer_nif, status, receipt_id, error_code, error_description, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.TenantID, rec.InvoiceNumber, rec.IssuerNIF, rec.Status,
		rec.ReceiptID, rec.ErrorCode, rec.ErrorDescription, rec.SubmittedAt)
	if err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec := &Record{ID: id}
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, invoice_number, issuer_nif, status, receipt_id, error_code, error_description, submitted_at
		FROM submissions WHERE id = $1
	`, id).Scan(&rec.TenantID, &rec.InvoiceNumber, &rec.IssuerNIF, &rec.Status,
		&rec.ReceiptID, &rec.ErrorCode, &rec.ErrorDescription, &rec.SubmittedAt)
	if err == sql.ErrNoRows {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_number, issuer_nif, status, receipt_id, error_code, error_description, submitted_at
		FROM submissions WHERE tenant_id = $1
		ORDER BY submitted_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec := &Record{TenantID: tenantID}
		if err := rows.Scan(&rec.ID, &rec.InvoiceNumber, &rec.IssuerNIF, &rec.Status,
			&rec.ReceiptID, &rec.ErrorCode, &rec.ErrorDescription, &rec.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return out, nil
}
