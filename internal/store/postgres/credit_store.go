package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gridcarbon/creditmarket/internal/domain"
)

// CreditStore implements domain.CreditLedger using PostgreSQL. Each mutation
// is a single guarded UPDATE, so the balance check and the write are one
// atomic step under any level of concurrency.
type CreditStore struct {
	pool *pgxpool.Pool
}

// NewCreditStore creates a new CreditStore backed by the given connection pool.
func NewCreditStore(pool *pgxpool.Pool) *CreditStore {
	return &CreditStore{pool: pool}
}

// Reserve escrows quantity by raising the account's traded credit. It fails
// with ErrInsufficientCredit when the available balance is too small.
func (s *CreditStore) Reserve(ctx context.Context, accountID string, quantity decimal.Decimal) error {
	return creditReserve(ctx, s.pool, accountID, quantity)
}

// Release undoes a reservation by lowering traded credit.
func (s *CreditStore) Release(ctx context.Context, accountID string, quantity decimal.Decimal) error {
	return creditRelease(ctx, s.pool, accountID, quantity)
}

// Transfer grants the buyer the purchased quantity. The seller's traded
// credit was already raised at reservation time and stays as is.
func (s *CreditStore) Transfer(ctx context.Context, fromID, toID string, quantity decimal.Decimal) error {
	return creditTransfer(ctx, s.pool, fromID, toID, quantity)
}

// Get retrieves the credit record for an account.
func (s *CreditStore) Get(ctx context.Context, accountID string) (domain.CreditAccount, error) {
	const query = `
		SELECT account_id, total_credit, traded_credit, updated_at
		FROM credit_accounts WHERE account_id = $1`

	var a domain.CreditAccount
	err := s.pool.QueryRow(ctx, query, accountID).Scan(
		&a.AccountID, &a.TotalCredit, &a.TradedCredit, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CreditAccount{}, domain.ErrNotFound
		}
		return domain.CreditAccount{}, fmt.Errorf("postgres: get credit account %s: %w", accountID, err)
	}
	return a, nil
}

// GetAvailable returns total minus traded credit for an account.
func (s *CreditStore) GetAvailable(ctx context.Context, accountID string) (decimal.Decimal, error) {
	a, err := s.Get(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Available(), nil
}

// ---------------------------------------------------------------------------
// Shared mutation helpers, usable standalone (pool) or inside a settlement
// transaction (pgx.Tx).
// ---------------------------------------------------------------------------

func creditReserve(ctx context.Context, q querier, accountID string, quantity decimal.Decimal) error {
	if !quantity.IsPositive() {
		return domain.ErrInvalidQuantity
	}

	const query = `
		UPDATE credit_accounts
		SET traded_credit = traded_credit + $2, updated_at = NOW()
		WHERE account_id = $1 AND total_credit - traded_credit >= $2`

	tag, err := q.Exec(ctx, query, accountID, quantity)
	if err != nil {
		return fmt.Errorf("postgres: reserve credit for %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return reserveFailure(ctx, q, accountID, domain.ErrInsufficientCredit)
	}
	return nil
}

func creditRelease(ctx context.Context, q querier, accountID string, quantity decimal.Decimal) error {
	if !quantity.IsPositive() {
		return domain.ErrInvalidQuantity
	}

	const query = `
		UPDATE credit_accounts
		SET traded_credit = traded_credit - $2, updated_at = NOW()
		WHERE account_id = $1 AND traded_credit >= $2`

	tag, err := q.Exec(ctx, query, accountID, quantity)
	if err != nil {
		return fmt.Errorf("postgres: release credit for %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return reserveFailure(ctx, q, accountID, domain.ErrInvalidState)
	}
	return nil
}

func creditTransfer(ctx context.Context, q querier, fromID, toID string, quantity decimal.Decimal) error {
	if !quantity.IsPositive() {
		return domain.ErrInvalidQuantity
	}
	if fromID == toID {
		return domain.ErrInvalidState
	}

	// The buyer may not hold credit yet; their record is created on first
	// purchase. The seller side was settled at reservation time.
	const query = `
		INSERT INTO credit_accounts (account_id, total_credit, traded_credit, updated_at)
		VALUES ($1, $2, 0, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			total_credit = credit_accounts.total_credit + EXCLUDED.total_credit,
			updated_at   = NOW()`

	if _, err := q.Exec(ctx, query, toID, quantity); err != nil {
		return fmt.Errorf("postgres: transfer credit %s -> %s: %w", fromID, toID, err)
	}
	return nil
}

// reserveFailure distinguishes a missing account from a failed balance guard
// after a zero-row guarded UPDATE.
func reserveFailure(ctx context.Context, q querier, accountID string, guardErr error) error {
	var exists bool
	err := q.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM credit_accounts WHERE account_id = $1)",
		accountID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("postgres: check credit account %s: %w", accountID, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return guardErr
}

// Compile-time interface check.
var _ domain.CreditLedger = (*CreditStore)(nil)
