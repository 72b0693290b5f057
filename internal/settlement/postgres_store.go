package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const settlementColumns = `
	id, external_id, gross_amount, fee_amount, tax_amount, net_amount, status, reconciled,
	settled_at, ingested_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, stl *Settlement) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlements
			(id, external_id, gross_amount, fee_amount, tax_amount, net_amount, status, reconciled,
			 settled_at, ingested_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, stl.ID, stl.ExternalID, stl.GrossAmount, stl.FeeAmount, stl.TaxAmount, stl.NetAmount,
		stl.Status, stl.Reconciled, stl.SettledAt, stl.IngestedAt, stl.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateSettlement
		}
		return fmt.Errorf("failed to create settlement: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (*Settlement, error) {
	stl := &Settlement{}
	err := p.db.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE external_id = $1`,
		externalID).Scan(&stl.ID, &stl.ExternalID, &stl.GrossAmount, &stl.FeeAmount,
		&stl.TaxAmount, &stl.NetAmount, &stl.Status, &stl.Reconciled,
		&stl.SettledAt, &stl.IngestedAt, &stl.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSettlementNotFound
	}
	if err != nil {
		return nil, err
	}
	return stl, nil
}

func (p *PostgresStore) Update(ctx context.Context, stl *Settlement) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE settlements SET
			status     = $2,
			reconciled = $3,
			updated_at = $4
		WHERE external_id = $1
	`, stl.ExternalID, stl.Status, stl.Reconciled, stl.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update settlement: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrSettlementNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Settlement, error) {
	return p.list(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		ORDER BY settled_at DESC
		LIMIT $1
	`, limit)
}

func (p *PostgresStore) ListUnreconciled(ctx context.Context, limit int) ([]*Settlement, error) {
	return p.list(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE status = 'processed' AND reconciled = FALSE
		ORDER BY settled_at ASC
		LIMIT $1
	`, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, limit int) ([]*Settlement, error) {
	rows, err := p.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Settlement
	for rows.Next() {
		stl := &Settlement{}
		if err := rows.Scan(&stl.ID, &stl.ExternalID, &stl.GrossAmount, &stl.FeeAmount,
			&stl.TaxAmount, &stl.NetAmount, &stl.Status, &stl.Reconciled,
			&stl.SettledAt, &stl.IngestedAt, &stl.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, stl)
	}
	return result, rows.Err()
}

func (p *PostgresStore) LatestSettledAt(ctx context.Context) (time.Time, error) {
	var latest sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT MAX(settled_at) FROM settlements`).Scan(&latest)
	if err != nil {
		return time.Time{}, err
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time, nil
}
