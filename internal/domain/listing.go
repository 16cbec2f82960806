package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ListingType distinguishes a fixed-price sale from an auction.
type ListingType string

const (
	ListingTypeFixedPrice ListingType = "FIXED_PRICE"
	ListingTypeAuction    ListingType = "AUCTION"
)

// ListingStatus tracks the listing lifecycle. SOLD and EXPIRED are terminal.
// AUCTION_ENDED closes bidding; an auction without bids stays there, while a
// won auction keeps its escrow reserved in AUCTION_ENDED until the winner
// pays (SOLD) or defaults (EXPIRED, escrow returned).
type ListingStatus string

const (
	ListingStatusActive       ListingStatus = "ACTIVE"
	ListingStatusBidding      ListingStatus = "BIDDING"
	ListingStatusSold         ListingStatus = "SOLD"
	ListingStatusAuctionEnded ListingStatus = "AUCTION_ENDED"
	ListingStatusExpired      ListingStatus = "EXPIRED"
)

// Open reports whether the listing can still be bought or bid on.
func (s ListingStatus) Open() bool {
	return s == ListingStatusActive || s == ListingStatusBidding
}

// DefaultFixedPriceTerm is applied when a fixed-price listing is created
// without an explicit end time.
const DefaultFixedPriceTerm = 14 * 24 * time.Hour

// SuggestedAuctionTerm is the end-time suggestion surfaced to sellers who
// have not picked an auction window yet.
const SuggestedAuctionTerm = 7 * 24 * time.Hour

// Listing is an open offer to sell a quantity of credit. The quantity is
// escrowed in the seller's credit account for the whole lifetime of the
// listing: reserved at creation, transferred on sale, released on expiry.
type Listing struct {
	ID             string
	SellerID       string
	Quantity       decimal.Decimal
	PricePerCredit decimal.Decimal // fixed-price listings
	StartingPrice  decimal.Decimal // auctions
	Type           ListingType
	Status         ListingStatus
	HighestBid     decimal.Decimal
	HighestBidder  string
	EndTime        time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UnitPrice returns the effective per-credit price: the asking price for
// fixed-price listings, the highest bid (or the starting price before any
// bid) for auctions.
func (l Listing) UnitPrice() decimal.Decimal {
	if l.Type == ListingTypeAuction {
		if l.HighestBid.IsPositive() {
			return l.HighestBid
		}
		return l.StartingPrice
	}
	return l.PricePerCredit
}

// ExpiredStatus returns the terminal status an open listing moves to when it
// reaches its end time unsold.
func (l Listing) ExpiredStatus() ListingStatus {
	if l.Type == ListingTypeAuction {
		return ListingStatusAuctionEnded
	}
	return ListingStatusExpired
}

// Validate checks the creation preconditions that do not require a ledger
// lookup: positive quantity, positive price terms, and a future end time for
// auctions.
func (l Listing) Validate(now time.Time) error {
	if !l.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	switch l.Type {
	case ListingTypeFixedPrice:
		if !l.PricePerCredit.IsPositive() {
			return ErrInvalidAmount
		}
	case ListingTypeAuction:
		if !l.StartingPrice.IsPositive() {
			return ErrInvalidAmount
		}
		if !l.EndTime.After(now) {
			return ErrInvalidState
		}
	default:
		return ErrInvalidState
	}
	return nil
}
