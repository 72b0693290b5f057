package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. Overdraft protection is
// enforced at the database level by CHECK constraints on the wallet
// balances; duplicate postings by a unique index on (account_id,
// external_ref).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	pqCheckViolation  = "23514"
	pqUniqueViolation = "23505"
)

func (p *PostgresStore) FindAccount(ctx context.Context, accountID string) (*Account, error) {
	// Lazy creation on first access; the append-only history must survive
	// the account, so wallets are never deleted.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure wallet: %w", err)
	}

	acct := &Account{ID: accountID}
	err = p.db.QueryRowContext(ctx, `
		SELECT balance, locked_balance, total_earnings, total_withdrawn, created_at, updated_at
		FROM wallets WHERE id = $1
	`, accountID).Scan(&acct.Balance, &acct.LockedBalance, &acct.TotalEarnings, &acct.TotalWithdrawn, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresStore) Post(ctx context.Context, accountID string, tx *Transaction) error {
	dbtx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	balance, locked, earnings, withdrawn := tx.effects()

	_, err = dbtx.ExecContext(ctx, `
		INSERT INTO wallets (id, balance, locked_balance, total_earnings, total_withdrawn)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			balance         = wallets.balance         + EXCLUDED.balance,
			locked_balance  = wallets.locked_balance  + EXCLUDED.locked_balance,
			total_earnings  = wallets.total_earnings  + EXCLUDED.total_earnings,
			total_withdrawn = wallets.total_withdrawn + EXCLUDED.total_withdrawn,
			updated_at      = NOW()
	`, accountID, balance, locked, earnings, withdrawn)
	if err != nil {
		if isPQCode(err, pqCheckViolation) {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("failed to update wallet: %w", err)
	}

	_, err = dbtx.ExecContext(ctx, `
		INSERT INTO wallet_transactions
			(id, account_id, kind, bucket, amount, source, description, booking_id, session_id, external_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)
	`, tx.ID, accountID, tx.Kind, tx.Bucket, tx.Amount, tx.Source, tx.Description, tx.BookingID, tx.SessionID, tx.ExternalRef, tx.CreatedAt)
	if err != nil {
		if isPQCode(err, pqUniqueViolation) {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to record transaction: %w", err)
	}

	return dbtx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, accountID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, kind, bucket, amount, source, description,
		       COALESCE(booking_id, ''), COALESCE(session_id, ''), COALESCE(external_ref, ''), created_at
		FROM wallet_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Transaction
	for rows.Next() {
		tx := &Transaction{}
		var createdAt time.Time
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Kind, &tx.Bucket, &tx.Amount, &tx.Source,
			&tx.Description, &tx.BookingID, &tx.SessionID, &tx.ExternalRef, &createdAt); err != nil {
			return nil, err
		}
		tx.CreatedAt = createdAt
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (p *PostgresStore) HasPosting(ctx context.Context, accountID, externalRef string) (bool, error) {
	if externalRef == "" {
		return false, nil
	}
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM wallet_transactions
			WHERE account_id = $1 AND external_ref = $2
		)
	`, accountID, externalRef).Scan(&exists)
	return exists, err
}

func isPQCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}
