package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridcarbon/creditmarket/internal/domain"
)

// ListingService is the subset of the listing service the handler needs.
type ListingService interface {
	CreateListing(ctx context.Context, l domain.Listing) (domain.Listing, error)
	GetListing(ctx context.Context, id string) (domain.Listing, error)
	ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Listing, error)
	ListBySeller(ctx context.Context, sellerID string, opts domain.ListOpts) ([]domain.Listing, error)
	PlaceBid(ctx context.Context, listingID, bidderID string, bid decimal.Decimal) error
	ReleaseListing(ctx context.Context, listingID string) error
}

// ListingHandler serves the listing endpoints.
type ListingHandler struct {
	svc    ListingService
	logger *slog.Logger
}

// NewListingHandler creates a ListingHandler.
func NewListingHandler(svc ListingService, logger *slog.Logger) *ListingHandler {
	return &ListingHandler{
		svc:    svc,
		logger: logHandler(logger, "listing"),
	}
}

type createListingRequest struct {
	SellerID       string `json:"seller_id"`
	Quantity       string `json:"quantity"`
	PricePerCredit string `json:"price_per_credit"`
	StartingPrice  string `json:"starting_price"`
	Type           string `json:"type"`
	EndTime        string `json:"end_time"` // RFC 3339, optional for fixed price
}

type placeBidRequest struct {
	BidderID string `json:"bidder_id"`
	Amount   string `json:"amount"`
}

type listingResponse struct {
	ID             string `json:"id"`
	SellerID       string `json:"seller_id"`
	Quantity       string `json:"quantity"`
	PricePerCredit string `json:"price_per_credit,omitempty"`
	StartingPrice  string `json:"starting_price,omitempty"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	HighestBid     string `json:"highest_bid,omitempty"`
	HighestBidder  string `json:"highest_bidder,omitempty"`
	UnitPrice      string `json:"unit_price"`
	EndTime        string `json:"end_time"`
	CreatedAt      string `json:"created_at"`
}

func toListingResponse(l domain.Listing) listingResponse {
	resp := listingResponse{
		ID:        l.ID,
		SellerID:  l.SellerID,
		Quantity:  l.Quantity.String(),
		Type:      string(l.Type),
		Status:    string(l.Status),
		UnitPrice: l.UnitPrice().String(),
		EndTime:   l.EndTime.UTC().Format(time.RFC3339),
		CreatedAt: l.CreatedAt.UTC().Format(time.RFC3339),
	}
	if l.Type == domain.ListingTypeAuction {
		resp.StartingPrice = l.StartingPrice.String()
		if l.HighestBid.IsPositive() {
			resp.HighestBid = l.HighestBid.String()
			resp.HighestBidder = l.HighestBidder
		}
	} else {
		resp.PricePerCredit = l.PricePerCredit.String()
	}
	return resp
}

// Create opens a new listing and reserves the seller's credit as escrow.
// POST /api/listings
func (h *ListingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SellerID == "" {
		writeError(w, http.StatusBadRequest, "seller_id is required")
		return
	}

	l := domain.Listing{
		SellerID: req.SellerID,
		Type:     domain.ListingType(req.Type),
	}
	var err error
	if l.Quantity, err = decimal.NewFromString(req.Quantity); err != nil {
		writeError(w, http.StatusBadRequest, "invalid quantity")
		return
	}
	if req.PricePerCredit != "" {
		if l.PricePerCredit, err = decimal.NewFromString(req.PricePerCredit); err != nil {
			writeError(w, http.StatusBadRequest, "invalid price_per_credit")
			return
		}
	}
	if req.StartingPrice != "" {
		if l.StartingPrice, err = decimal.NewFromString(req.StartingPrice); err != nil {
			writeError(w, http.StatusBadRequest, "invalid starting_price")
			return
		}
	}
	if req.EndTime != "" {
		if l.EndTime, err = time.Parse(time.RFC3339, req.EndTime); err != nil {
			writeError(w, http.StatusBadRequest, "invalid end_time, expected RFC 3339")
			return
		}
	}

	created, err := h.svc.CreateListing(r.Context(), l)
	if err != nil {
		h.logger.WarnContext(r.Context(), "create listing failed",
			slog.String("seller_id", req.SellerID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toListingResponse(created))
}

// List returns open listings, or a seller's listings when seller_id is set.
// GET /api/listings?seller_id=&limit=&offset=
func (h *ListingHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	var (
		listings []domain.Listing
		err      error
	)
	if sellerID := r.URL.Query().Get("seller_id"); sellerID != "" {
		listings, err = h.svc.ListBySeller(r.Context(), sellerID, opts)
	} else {
		listings, err = h.svc.ListOpen(r.Context(), opts)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := make([]listingResponse, 0, len(listings))
	for _, l := range listings {
		resp = append(resp, toListingResponse(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"listings": resp,
		"count":    len(resp),
	})
}

// Get returns a single listing by ID.
// GET /api/listings/{id}
func (h *ListingHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	l, err := h.svc.GetListing(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toListingResponse(l))
}

// Release closes an open listing and returns its escrow to the seller.
// DELETE /api/listings/{id}
func (h *ListingHandler) Release(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if err := h.svc.ReleaseListing(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// PlaceBid records a bid on a running auction.
// POST /api/listings/{id}/bids
func (h *ListingHandler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BidderID == "" {
		writeError(w, http.StatusBadRequest, "bidder_id is required")
		return
	}
	bid, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	if err := h.svc.PlaceBid(r.Context(), id, req.BidderID, bid); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
