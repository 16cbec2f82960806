package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridcarbon/creditmarket/internal/domain"
	"github.com/gridcarbon/creditmarket/internal/pricing"
)

// PricingService gathers live market signals and feeds them to the pricing
// engine. Signal sources that fail stay at their zero value, which the engine
// treats as neutral, so a cold cache or an empty market still yields a
// suggestion.
type PricingService struct {
	engine       *pricing.Engine
	listings     domain.ListingStore
	transactions domain.TransactionStore
	prices       domain.PriceCache
	logger       *slog.Logger
}

// NewPricingService creates a PricingService with all required dependencies.
func NewPricingService(
	engine *pricing.Engine,
	listings domain.ListingStore,
	transactions domain.TransactionStore,
	prices domain.PriceCache,
	logger *slog.Logger,
) *PricingService {
	return &PricingService{
		engine:       engine,
		listings:     listings,
		transactions: transactions,
		prices:       prices,
		logger:       logger,
	}
}

// SuggestPrice computes a price suggestion for selling the given quantity
// under current market conditions.
func (s *PricingService) SuggestPrice(ctx context.Context, quantity decimal.Decimal) (domain.PriceSuggestion, error) {
	signals := s.collectSignals(ctx)

	suggestion, err := s.engine.SuggestPrice(quantity, signals)
	if err != nil {
		return domain.PriceSuggestion{}, fmt.Errorf("pricing_service: suggest price: %w", err)
	}

	s.logger.InfoContext(ctx, "pricing_service: price suggested",
		slog.String("quantity", quantity.String()),
		slog.String("suggested", suggestion.Suggested.String()),
		slog.String("tier", suggestion.DiscountTier),
		slog.Int("confidence", suggestion.Confidence),
	)

	return suggestion, nil
}

// collectSignals assembles the supply/demand ratio from open supply and the
// trailing 24h settled volume, plus the 24h price trend. The ratio stays zero
// when there was no demand, since dividing by zero volume says nothing about
// scarcity.
func (s *PricingService) collectSignals(ctx context.Context) domain.MarketSignals {
	var signals domain.MarketSignals

	supply, err := s.listings.OpenSupply(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "pricing_service: open supply unavailable",
			slog.String("error", err.Error()),
		)
		return signals
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	demand, err := s.transactions.TradedSince(ctx, since)
	if err != nil {
		s.logger.WarnContext(ctx, "pricing_service: traded volume unavailable",
			slog.String("error", err.Error()),
		)
		demand = decimal.Zero
	}

	if demand.IsPositive() {
		signals.SupplyDemandRatio = supply.Div(demand)
	}

	trend, err := s.prices.Trend24h(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "pricing_service: price trend unavailable",
			slog.String("error", err.Error()),
		)
	} else {
		signals.Trend24hPct = trend
	}

	return signals
}
