package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/gridcarbon/creditmarket/internal/domain"
)

const (
	tradePriceKey = "trades:prices"
	trendWindow   = 24 * time.Hour
)

// PriceCache implements domain.PriceCache using a Redis sorted set scored by
// trade timestamp. Entries outside the trend window are trimmed on every
// write, so the set stays bounded to a day of trades.
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

// RecordTrade appends a settled per-credit price. The member embeds the
// timestamp so identical prices at different times stay distinct.
func (pc *PriceCache) RecordTrade(ctx context.Context, unitPrice decimal.Decimal, at time.Time) error {
	member := fmt.Sprintf("%d:%s", at.UnixNano(), unitPrice.String())
	cutoff := at.Add(-trendWindow).UnixMilli()

	pipe := pc.rdb.TxPipeline()
	pipe.ZAdd(ctx, tradePriceKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: member,
	})
	pipe.ZRemRangeByScore(ctx, tradePriceKey, "-inf", strconv.FormatInt(cutoff, 10))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: record trade price: %w", err)
	}
	return nil
}

// Trend24h returns the percentage change between the oldest and newest trade
// price inside the trailing 24 hours. With fewer than two trades the trend
// is zero.
func (pc *PriceCache) Trend24h(ctx context.Context) (decimal.Decimal, error) {
	cutoff := time.Now().Add(-trendWindow).UnixMilli()

	members, err := pc.rdb.ZRangeByScore(ctx, tradePriceKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis: read trade prices: %w", err)
	}
	if len(members) < 2 {
		return decimal.Zero, nil
	}

	oldest, err := parseTradeMember(members[0])
	if err != nil {
		return decimal.Zero, err
	}
	newest, err := parseTradeMember(members[len(members)-1])
	if err != nil {
		return decimal.Zero, err
	}
	if !oldest.IsPositive() {
		return decimal.Zero, nil
	}

	return newest.Sub(oldest).Div(oldest).Mul(decimal.NewFromInt(100)), nil
}

func parseTradeMember(member string) (decimal.Decimal, error) {
	_, priceStr, ok := strings.Cut(member, ":")
	if !ok {
		return decimal.Zero, fmt.Errorf("redis: malformed trade member %q", member)
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis: parse trade price %q: %w", priceStr, err)
	}
	return price, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
