package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gridcarbon/creditmarket/internal/domain"
)

const balanceTTL = 2 * time.Minute

// BalanceCache implements domain.BalanceCache using JSON values with a short
// TTL. It caches confirmed ledger reads and is invalidated on every confirmed
// mutation; it never substitutes for the ledger on a balance check.
//
// Key schema:
//
//	credit:{accountID} - JSON-serialized CreditAccount
//	wallet:{accountID} - JSON-serialized Wallet
type BalanceCache struct {
	rdb *redis.Client
}

// NewBalanceCache creates a BalanceCache backed by the given Client.
func NewBalanceCache(c *Client) *BalanceCache {
	return &BalanceCache{rdb: c.Underlying()}
}

func creditKey(accountID string) string { return "credit:" + accountID }
func walletKey(accountID string) string { return "wallet:" + accountID }

// GetCredit retrieves a cached credit record. It returns domain.ErrNotFound
// on a cache miss.
func (bc *BalanceCache) GetCredit(ctx context.Context, accountID string) (domain.CreditAccount, error) {
	data, err := bc.rdb.Get(ctx, creditKey(accountID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.CreditAccount{}, domain.ErrNotFound
		}
		return domain.CreditAccount{}, fmt.Errorf("redis: get credit %s: %w", accountID, err)
	}

	var a domain.CreditAccount
	if err := json.Unmarshal(data, &a); err != nil {
		return domain.CreditAccount{}, fmt.Errorf("redis: unmarshal credit %s: %w", accountID, err)
	}
	return a, nil
}

// SetCredit stores a confirmed credit record with the balance TTL.
func (bc *BalanceCache) SetCredit(ctx context.Context, a domain.CreditAccount) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("redis: marshal credit %s: %w", a.AccountID, err)
	}
	if err := bc.rdb.Set(ctx, creditKey(a.AccountID), data, balanceTTL).Err(); err != nil {
		return fmt.Errorf("redis: set credit %s: %w", a.AccountID, err)
	}
	return nil
}

// GetWallet retrieves a cached wallet. It returns domain.ErrNotFound on a
// cache miss.
func (bc *BalanceCache) GetWallet(ctx context.Context, accountID string) (domain.Wallet, error) {
	data, err := bc.rdb.Get(ctx, walletKey(accountID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Wallet{}, domain.ErrNotFound
		}
		return domain.Wallet{}, fmt.Errorf("redis: get wallet %s: %w", accountID, err)
	}

	var w domain.Wallet
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.Wallet{}, fmt.Errorf("redis: unmarshal wallet %s: %w", accountID, err)
	}
	return w, nil
}

// SetWallet stores a confirmed wallet with the balance TTL.
func (bc *BalanceCache) SetWallet(ctx context.Context, w domain.Wallet) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("redis: marshal wallet %s: %w", w.AccountID, err)
	}
	if err := bc.rdb.Set(ctx, walletKey(w.AccountID), data, balanceTTL).Err(); err != nil {
		return fmt.Errorf("redis: set wallet %s: %w", w.AccountID, err)
	}
	return nil
}

// Invalidate drops both cached balances for each account. Called after every
// confirmed ledger mutation.
func (bc *BalanceCache) Invalidate(ctx context.Context, accountIDs ...string) error {
	if len(accountIDs) == 0 {
		return nil
	}

	keys := make([]string, 0, len(accountIDs)*2)
	for _, id := range accountIDs {
		keys = append(keys, creditKey(id), walletKey(id))
	}

	if err := bc.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: invalidate balances: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.BalanceCache = (*BalanceCache)(nil)
