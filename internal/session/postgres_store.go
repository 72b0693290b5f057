package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `
	id, booking_id, aspirant_id, achiever_id, scheduled_start, scheduled_end,
	status, aspirant_joined, aspirant_joined_at, achiever_joined, achiever_joined_at,
	grace_period_start, attendance_pattern, payment_distributed,
	aspirant_feedback, achiever_feedback, cancelled_by, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, sess *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions
			(id, booking_id, aspirant_id, achiever_id, scheduled_start, scheduled_end,
			 status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sess.ID, sess.BookingID, sess.AspirantID, sess.AchieverID,
		sess.ScheduledStart, sess.ScheduledEnd, sess.Status, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateSession
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (p *PostgresStore) GetByBooking(ctx context.Context, bookingID string) (*Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE booking_id = $1`, bookingID)
	return scanSession(row)
}

func (p *PostgresStore) Update(ctx context.Context, sess *Session) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET
			status              = $2,
			aspirant_joined     = $3,
			aspirant_joined_at  = $4,
			achiever_joined     = $5,
			achiever_joined_at  = $6,
			grace_period_start  = $7,
			attendance_pattern  = NULLIF($8, ''),
			payment_distributed = $9,
			aspirant_feedback   = $10,
			achiever_feedback   = $11,
			cancelled_by        = NULLIF($12, ''),
			updated_at          = $13
		WHERE id = $1
	`, sess.ID, sess.Status,
		sess.AspirantJoined, sess.AspirantJoinedAt,
		sess.AchieverJoined, sess.AchieverJoinedAt,
		sess.GracePeriodStart, string(sess.Pattern), sess.PaymentDistributed,
		sess.AspirantFeedback, sess.AchieverFeedback, sess.CancelledBy, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *PostgresStore) ListActive(ctx context.Context, limit int) ([]*Session, error) {
	return p.list(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status NOT IN ('no_show', 'completed', 'cancelled')
		ORDER BY scheduled_start ASC
		LIMIT $1
	`, limit)
}

func (p *PostgresStore) ListUndistributed(ctx context.Context, limit int) ([]*Session, error) {
	return p.list(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status IN ('no_show', 'completed', 'cancelled')
		  AND payment_distributed = FALSE
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	sess := &Session{}
	var aspirantJoinedAt, achieverJoinedAt, graceStart sql.NullTime
	var pattern, cancelledBy sql.NullString

	err := row.Scan(
		&sess.ID, &sess.BookingID, &sess.AspirantID, &sess.AchieverID,
		&sess.ScheduledStart, &sess.ScheduledEnd, &sess.Status,
		&sess.AspirantJoined, &aspirantJoinedAt,
		&sess.AchieverJoined, &achieverJoinedAt,
		&graceStart, &pattern, &sess.PaymentDistributed,
		&sess.AspirantFeedback, &sess.AchieverFeedback,
		&cancelledBy, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	if aspirantJoinedAt.Valid {
		t := aspirantJoinedAt.Time
		sess.AspirantJoinedAt = &t
	}
	if achieverJoinedAt.Valid {
		t := achieverJoinedAt.Time
		sess.AchieverJoinedAt = &t
	}
	if graceStart.Valid {
		t := graceStart.Time
		sess.GracePeriodStart = &t
	}
	sess.Pattern = Pattern(pattern.String)
	sess.CancelledBy = cancelledBy.String
	return sess, nil
}
