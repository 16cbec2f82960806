package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gridcarbon/creditmarket/internal/domain"
)

// AccountService serves balance reads through the cache. The cache is never
// authoritative: misses fall through to the ledgers and repopulate it, and
// every confirmed mutation elsewhere invalidates the account's entries.
type AccountService struct {
	credits  domain.CreditLedger
	wallets  domain.WalletLedger
	balances domain.BalanceCache
	logger   *slog.Logger
}

// NewAccountService creates an AccountService with all required dependencies.
func NewAccountService(
	credits domain.CreditLedger,
	wallets domain.WalletLedger,
	balances domain.BalanceCache,
	logger *slog.Logger,
) *AccountService {
	return &AccountService{
		credits:  credits,
		wallets:  wallets,
		balances: balances,
		logger:   logger,
	}
}

// GetCreditAccount returns the account's credit balances, cache first.
func (s *AccountService) GetCreditAccount(ctx context.Context, accountID string) (domain.CreditAccount, error) {
	if cached, err := s.balances.GetCredit(ctx, accountID); err == nil {
		return cached, nil
	}

	acct, err := s.credits.Get(ctx, accountID)
	if err != nil {
		return domain.CreditAccount{}, fmt.Errorf("account_service: get credit account %q: %w", accountID, err)
	}

	if err := s.balances.SetCredit(ctx, acct); err != nil {
		s.logger.WarnContext(ctx, "account_service: cache credit failed",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
	}

	return acct, nil
}

// GetWallet returns the account's money balance, cache first.
func (s *AccountService) GetWallet(ctx context.Context, accountID string) (domain.Wallet, error) {
	if cached, err := s.balances.GetWallet(ctx, accountID); err == nil {
		return cached, nil
	}

	balance, err := s.wallets.GetBalance(ctx, accountID)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("account_service: get wallet %q: %w", accountID, err)
	}

	w := domain.Wallet{AccountID: accountID, Balance: balance}
	if err := s.balances.SetWallet(ctx, w); err != nil {
		s.logger.WarnContext(ctx, "account_service: cache wallet failed",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
	}

	return w, nil
}
