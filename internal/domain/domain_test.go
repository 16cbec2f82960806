package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCreditAccount_Available(t *testing.T) {
	a := CreditAccount{TotalCredit: dec("120"), TradedCredit: dec("45.5")}
	if got := a.Available(); !got.Equal(dec("74.5")) {
		t.Errorf("Available() = %s, want 74.5", got)
	}
}

func TestListingStatus_Open(t *testing.T) {
	tests := []struct {
		status ListingStatus
		want   bool
	}{
		{ListingStatusActive, true},
		{ListingStatusBidding, true},
		{ListingStatusSold, false},
		{ListingStatusAuctionEnded, false},
		{ListingStatusExpired, false},
	}
	for _, tt := range tests {
		if got := tt.status.Open(); got != tt.want {
			t.Errorf("%s.Open() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestTransactionStatus_Terminal(t *testing.T) {
	tests := []struct {
		status TransactionStatus
		want   bool
	}{
		{TransactionStatusPendingPayment, false},
		{TransactionStatusSuccess, true},
		{TransactionStatusFailed, true},
		{TransactionStatusCanceled, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestListing_UnitPrice(t *testing.T) {
	tests := []struct {
		name    string
		listing Listing
		want    string
	}{
		{
			name:    "fixed price",
			listing: Listing{Type: ListingTypeFixedPrice, PricePerCredit: dec("9.5")},
			want:    "9.5",
		},
		{
			name:    "auction before first bid",
			listing: Listing{Type: ListingTypeAuction, StartingPrice: dec("8")},
			want:    "8",
		},
		{
			name: "auction with bid",
			listing: Listing{
				Type:          ListingTypeAuction,
				StartingPrice: dec("8"),
				HighestBid:    dec("8.75"),
			},
			want: "8.75",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.listing.UnitPrice(); !got.Equal(dec(tt.want)) {
				t.Errorf("UnitPrice() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestListing_ExpiredStatus(t *testing.T) {
	fixed := Listing{Type: ListingTypeFixedPrice}
	if got := fixed.ExpiredStatus(); got != ListingStatusExpired {
		t.Errorf("fixed-price ExpiredStatus() = %s, want %s", got, ListingStatusExpired)
	}
	auction := Listing{Type: ListingTypeAuction}
	if got := auction.ExpiredStatus(); got != ListingStatusAuctionEnded {
		t.Errorf("auction ExpiredStatus() = %s, want %s", got, ListingStatusAuctionEnded)
	}
}

func TestListing_Validate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		listing Listing
		wantErr error
	}{
		{
			name: "valid fixed price",
			listing: Listing{
				Type:           ListingTypeFixedPrice,
				Quantity:       dec("10"),
				PricePerCredit: dec("9.5"),
			},
		},
		{
			name: "valid auction",
			listing: Listing{
				Type:          ListingTypeAuction,
				Quantity:      dec("10"),
				StartingPrice: dec("8"),
				EndTime:       now.Add(time.Hour),
			},
		},
		{
			name: "zero quantity",
			listing: Listing{
				Type:           ListingTypeFixedPrice,
				Quantity:       decimal.Zero,
				PricePerCredit: dec("9.5"),
			},
			wantErr: ErrInvalidQuantity,
		},
		{
			name: "negative quantity",
			listing: Listing{
				Type:           ListingTypeFixedPrice,
				Quantity:       dec("-1"),
				PricePerCredit: dec("9.5"),
			},
			wantErr: ErrInvalidQuantity,
		},
		{
			name: "fixed price without price",
			listing: Listing{
				Type:     ListingTypeFixedPrice,
				Quantity: dec("10"),
			},
			wantErr: ErrInvalidAmount,
		},
		{
			name: "auction without starting price",
			listing: Listing{
				Type:     ListingTypeAuction,
				Quantity: dec("10"),
				EndTime:  now.Add(time.Hour),
			},
			wantErr: ErrInvalidAmount,
		},
		{
			name: "auction with past end time",
			listing: Listing{
				Type:          ListingTypeAuction,
				Quantity:      dec("10"),
				StartingPrice: dec("8"),
				EndTime:       now.Add(-time.Minute),
			},
			wantErr: ErrInvalidState,
		},
		{
			name: "unknown type",
			listing: Listing{
				Type:     ListingType("RAFFLE"),
				Quantity: dec("10"),
			},
			wantErr: ErrInvalidState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.listing.Validate(now)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
