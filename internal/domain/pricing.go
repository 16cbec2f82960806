package domain

import "github.com/shopspring/decimal"

// MarketSignals are the inputs the pricing engine layers on top of the bulk
// discount table.
type MarketSignals struct {
	// SupplyDemandRatio is open listed quantity divided by the quantity
	// traded over the trailing 24 hours. A ratio of exactly 1 means supply
	// and demand are balanced.
	SupplyDemandRatio decimal.Decimal

	// Trend24hPct is the percentage change of the last observed trade price
	// over the trailing 24 hours. Zero when no trades happened.
	Trend24hPct decimal.Decimal
}

// PriceSuggestion is the pricing engine output used to pre-fill listing
// forms. It never constrains the price a seller actually picks.
type PriceSuggestion struct {
	Suggested    decimal.Decimal
	Min          decimal.Decimal
	Max          decimal.Decimal
	Confidence   int // percent
	DiscountTier string
}
