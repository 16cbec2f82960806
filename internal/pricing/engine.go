// Package pricing implements the suggestion engine that pre-fills listing
// forms. It is a pure function of quantity and market signals; it never
// enforces the price a seller actually chooses.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/gridcarbon/creditmarket/internal/domain"
)

// tier is one band of the bulk discount table. A quantity q falls in the
// band when minQty <= q < maxQty; maxQty is nil for the open-ended top band.
type tier struct {
	label     string
	minQty    decimal.Decimal
	maxQty    *decimal.Decimal // nil = unbounded
	basePrice decimal.Decimal
}

var (
	lowSupplyRatio  = decimal.RequireFromString("0.9")
	highSupplyRatio = decimal.RequireFromString("1.2")
	scarcityMarkup  = decimal.RequireFromString("1.05")  // ratio < 0.9: +5%
	surplusDiscount = decimal.RequireFromString("0.97")  // ratio > 1.2: -3%
	bandFloor       = decimal.RequireFromString("0.92")  // min = suggested * 0.92
	bandCeiling     = decimal.RequireFromString("1.08")  // max = suggested * 1.08
	hundred         = decimal.NewFromInt(100)
)

func mustTier(label, minQty, maxQty, basePrice string) tier {
	t := tier{
		label:     label,
		minQty:    decimal.RequireFromString(minQty),
		basePrice: decimal.RequireFromString(basePrice),
	}
	if maxQty != "" {
		m := decimal.RequireFromString(maxQty)
		t.maxQty = &m
	}
	return t
}

// Engine maps (quantity, market signals) to a suggested price band.
type Engine struct {
	tiers []tier
}

// NewEngine creates an Engine with the standard five-band bulk discount
// table. Larger quantities land in cheaper per-unit bands.
func NewEngine() *Engine {
	return &Engine{
		tiers: []tier{
			mustTier("1-10", "0", "10", "12"),
			mustTier("10-50", "10", "50", "10.5"),
			mustTier("50-100", "50", "100", "9.5"),
			mustTier("100-500", "100", "500", "8.75"),
			mustTier("500+", "500", "", "8"),
		},
	}
}

// SuggestPrice returns the suggested per-credit price band for the given
// quantity. The base price from the discount tier is adjusted by the
// supply/demand multiplier and the trailing 24h price trend, then widened
// into a [min, max] band. It fails with ErrInvalidQuantity when quantity is
// not positive; there are no other failure modes.
func (e *Engine) SuggestPrice(quantity decimal.Decimal, signals domain.MarketSignals) (domain.PriceSuggestion, error) {
	if !quantity.IsPositive() {
		return domain.PriceSuggestion{}, domain.ErrInvalidQuantity
	}

	t := e.tierFor(quantity)
	suggested := t.basePrice

	// Supply/demand multiplier: scarce supply raises the suggestion, surplus
	// lowers it. The dead zone between the thresholds is neutral.
	switch {
	case signals.SupplyDemandRatio.IsPositive() && signals.SupplyDemandRatio.LessThan(lowSupplyRatio):
		suggested = suggested.Mul(scarcityMarkup)
	case signals.SupplyDemandRatio.GreaterThan(highSupplyRatio):
		suggested = suggested.Mul(surplusDiscount)
	}

	// Apply the observed 24h price trend percentage.
	if !signals.Trend24hPct.IsZero() {
		suggested = suggested.Mul(decimal.NewFromInt(1).Add(signals.Trend24hPct.Div(hundred)))
	}

	return domain.PriceSuggestion{
		Suggested:    suggested,
		Min:          suggested.Mul(bandFloor),
		Max:          suggested.Mul(bandCeiling),
		Confidence:   confidenceFor(quantity),
		DiscountTier: t.label,
	}, nil
}

func (e *Engine) tierFor(quantity decimal.Decimal) tier {
	for _, t := range e.tiers {
		if quantity.GreaterThanOrEqual(t.minQty) && (t.maxQty == nil || quantity.LessThan(*t.maxQty)) {
			return t
		}
	}
	// Unreachable with a well-formed table; the top band is unbounded.
	return e.tiers[len(e.tiers)-1]
}

// confidenceFor is a monotonic step function of quantity: bigger lots have
// more pricing history behind them.
func confidenceFor(quantity decimal.Decimal) int {
	switch {
	case quantity.GreaterThanOrEqual(decimal.NewFromInt(500)):
		return 92
	case quantity.GreaterThanOrEqual(decimal.NewFromInt(50)):
		return 90
	default:
		return 85
	}
}
