package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/gridcarbon/creditmarket/internal/domain"
)

// PricingService is the subset of the pricing service the handler needs.
type PricingService interface {
	SuggestPrice(ctx context.Context, quantity decimal.Decimal) (domain.PriceSuggestion, error)
}

// PricingHandler serves the price suggestion endpoint.
type PricingHandler struct {
	svc    PricingService
	logger *slog.Logger
}

// NewPricingHandler creates a PricingHandler.
func NewPricingHandler(svc PricingService, logger *slog.Logger) *PricingHandler {
	return &PricingHandler{
		svc:    svc,
		logger: logHandler(logger, "pricing"),
	}
}

// Suggest returns a suggested per-credit price for the given quantity.
// GET /api/pricing/suggest?quantity=25
func (h *PricingHandler) Suggest(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("quantity")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "quantity is required")
		return
	}
	quantity, err := decimal.NewFromString(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid quantity")
		return
	}

	suggestion, err := h.svc.SuggestPrice(r.Context(), quantity)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"quantity":      quantity.String(),
		"suggested":     suggestion.Suggested.String(),
		"min":           suggestion.Min.String(),
		"max":           suggestion.Max.String(),
		"confidence":    suggestion.Confidence,
		"discount_tier": suggestion.DiscountTier,
	})
}
