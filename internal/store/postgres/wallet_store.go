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

// WalletStore implements domain.WalletLedger using PostgreSQL. The debit
// guard lives in the UPDATE's WHERE clause, so "check balance, then debit"
// is a single atomic step.
type WalletStore struct {
	pool *pgxpool.Pool
}

// NewWalletStore creates a new WalletStore backed by the given connection pool.
func NewWalletStore(pool *pgxpool.Pool) *WalletStore {
	return &WalletStore{pool: pool}
}

// Debit subtracts amount from the account's balance.
func (s *WalletStore) Debit(ctx context.Context, accountID string, amount decimal.Decimal) error {
	return walletDebit(ctx, s.pool, accountID, amount)
}

// Credit adds amount to the account's balance, creating the wallet on first
// deposit.
func (s *WalletStore) Credit(ctx context.Context, accountID string, amount decimal.Decimal) error {
	return walletCredit(ctx, s.pool, accountID, amount)
}

// GetBalance returns the account's current balance.
func (s *WalletStore) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.pool.QueryRow(ctx,
		"SELECT balance FROM wallets WHERE account_id = $1", accountID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, domain.ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("postgres: get wallet balance %s: %w", accountID, err)
	}
	return balance, nil
}

func walletDebit(ctx context.Context, q querier, accountID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.ErrInvalidAmount
	}

	const query = `
		UPDATE wallets
		SET balance = balance - $2, updated_at = NOW()
		WHERE account_id = $1 AND balance >= $2`

	tag, err := q.Exec(ctx, query, accountID, amount)
	if err != nil {
		return fmt.Errorf("postgres: debit wallet %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := q.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM wallets WHERE account_id = $1)", accountID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: check wallet %s: %w", accountID, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrInsufficientFunds
	}
	return nil
}

func walletCredit(ctx context.Context, q querier, accountID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.ErrInvalidAmount
	}

	const query = `
		INSERT INTO wallets (account_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			balance    = wallets.balance + EXCLUDED.balance,
			updated_at = NOW()`

	if _, err := q.Exec(ctx, query, accountID, amount); err != nil {
		return fmt.Errorf("postgres: credit wallet %s: %w", accountID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.WalletLedger = (*WalletStore)(nil)
