package escrow

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

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, esc *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows
			(booking_id, payer_id, payee_id, amount, platform_fee, gateway_fee, payee_amount,
			 status, external_payment_id, locked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, esc.BookingID, esc.PayerID, esc.PayeeID, esc.Amount, esc.PlatformFee, esc.GatewayFee,
		esc.PayeeAmount, esc.Status, esc.ExternalPaymentID, esc.LockedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateEscrow
		}
		return fmt.Errorf("failed to create escrow: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetByBooking(ctx context.Context, bookingID string) (*Escrow, error) {
	esc := &Escrow{}
	var releasedAt, refundedAt sql.NullTime
	var refundID, refundReason sql.NullString

	err := p.db.QueryRowContext(ctx, `
		SELECT booking_id, payer_id, payee_id, amount, platform_fee, gateway_fee, payee_amount,
		       status, external_payment_id, external_refund_id, refund_reason,
		       locked_at, released_at, refunded_at
		FROM escrows WHERE booking_id = $1
	`, bookingID).Scan(&esc.BookingID, &esc.PayerID, &esc.PayeeID, &esc.Amount, &esc.PlatformFee,
		&esc.GatewayFee, &esc.PayeeAmount, &esc.Status, &esc.ExternalPaymentID,
		&refundID, &refundReason, &esc.LockedAt, &releasedAt, &refundedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}

	esc.ExternalRefundID = refundID.String
	esc.RefundReason = refundReason.String
	if releasedAt.Valid {
		t := releasedAt.Time
		esc.ReleasedAt = &t
	}
	if refundedAt.Valid {
		t := refundedAt.Time
		esc.RefundedAt = &t
	}
	return esc, nil
}

func (p *PostgresStore) Update(ctx context.Context, esc *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status             = $2,
			external_refund_id = NULLIF($3, ''),
			refund_reason      = NULLIF($4, ''),
			released_at        = $5,
			refunded_at        = $6
		WHERE booking_id = $1
	`, esc.BookingID, esc.Status, esc.ExternalRefundID, esc.RefundReason,
		nullTime(esc.ReleasedAt), nullTime(esc.RefundedAt))
	if err != nil {
		return fmt.Errorf("failed to update escrow: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT booking_id, payer_id, payee_id, amount, platform_fee, gateway_fee, payee_amount,
		       status, external_payment_id, external_refund_id, refund_reason,
		       locked_at, released_at, refunded_at
		FROM escrows WHERE status = $1
		ORDER BY locked_at ASC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Escrow
	for rows.Next() {
		esc := &Escrow{}
		var releasedAt, refundedAt sql.NullTime
		var refundID, refundReason sql.NullString
		if err := rows.Scan(&esc.BookingID, &esc.PayerID, &esc.PayeeID, &esc.Amount, &esc.PlatformFee,
			&esc.GatewayFee, &esc.PayeeAmount, &esc.Status, &esc.ExternalPaymentID,
			&refundID, &refundReason, &esc.LockedAt, &releasedAt, &refundedAt); err != nil {
			return nil, err
		}
		esc.ExternalRefundID = refundID.String
		esc.RefundReason = refundReason.String
		if releasedAt.Valid {
			t := releasedAt.Time
			esc.ReleasedAt = &t
		}
		if refundedAt.Valid {
			t := refundedAt.Time
			esc.RefundedAt = &t
		}
		result = append(result, esc)
	}
	return result, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
