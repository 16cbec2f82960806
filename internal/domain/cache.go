package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceCache is a read-through cache over the two ledgers. It is never the
// source of truth: callers populate it from confirmed reads and invalidate it
// whenever the server confirms a mutation.
type BalanceCache interface {
	GetCredit(ctx context.Context, accountID string) (CreditAccount, error)
	SetCredit(ctx context.Context, a CreditAccount) error
	GetWallet(ctx context.Context, accountID string) (Wallet, error)
	SetWallet(ctx context.Context, w Wallet) error
	Invalidate(ctx context.Context, accountIDs ...string) error
}

// PriceCache records settled trade prices and derives the 24h trend signal
// consumed by the pricing engine.
type PriceCache interface {
	RecordTrade(ctx context.Context, unitPrice decimal.Decimal, at time.Time) error

	// Trend24h returns the percentage change between the oldest and newest
	// trade price inside the trailing 24 hours, or zero when fewer than two
	// trades are recorded.
	Trend24h(ctx context.Context) (decimal.Decimal, error)
}

// RateLimiter limits mutating operations per account.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locks keyed by account, guarding the
// check-then-reserve critical section across processes.
type LockManager interface {
	// Acquire returns an unlock function on success, or ErrLockHeld when the
	// lock is taken.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// SignalBus is the pub/sub fabric for market events (listings, settlements,
// prices) consumed by the WebSocket hub and other processes.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
