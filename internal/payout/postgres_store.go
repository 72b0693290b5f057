package payout

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed withdrawal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `
	id, user_id, amount, fee, net_amount, status, destination, destination_kind,
	external_payout_id, failure_reason, created_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, req *Request) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO withdrawal_requests
			(id, user_id, amount, fee, net_amount, status, destination, destination_kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, req.ID, req.UserID, req.Amount, req.Fee, req.NetAmount, req.Status,
		req.Destination, req.DestinationKind, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create withdrawal request: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM withdrawal_requests WHERE id = $1`, id)
	return scanRequest(row)
}

func (p *PostgresStore) GetByExternalID(ctx context.Context, externalPayoutID string) (*Request, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM withdrawal_requests WHERE external_payout_id = $1`,
		externalPayoutID)
	return scanRequest(row)
}

func (p *PostgresStore) Update(ctx context.Context, req *Request) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE withdrawal_requests SET
			status             = $2,
			external_payout_id = NULLIF($3, ''),
			failure_reason     = NULLIF($4, ''),
			resolved_at        = $5
		WHERE id = $1
	`, req.ID, req.Status, req.ExternalPayoutID, req.FailureReason, nullTime(req.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to update withdrawal request: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Request, error) {
	return p.list(ctx, `
		SELECT `+requestColumns+` FROM withdrawal_requests
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	return p.list(ctx, `
		SELECT `+requestColumns+` FROM withdrawal_requests
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, status, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	req := &Request{}
	var externalID, failureReason sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(&req.ID, &req.UserID, &req.Amount, &req.Fee, &req.NetAmount,
		&req.Status, &req.Destination, &req.DestinationKind,
		&externalID, &failureReason, &req.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}

	req.ExternalPayoutID = externalID.String
	req.FailureReason = failureReason.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		req.ResolvedAt = &t
	}
	return req, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
