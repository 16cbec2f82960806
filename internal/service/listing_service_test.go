package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridcarbon/creditmarket/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type listingFixture struct {
	svc      *ListingService
	credits  *fakeCreditLedger
	listings *fakeListingStore
	balances *fakeBalanceCache
	locks    *fakeLockManager
	limiter  *fakeRateLimiter
	bus      *fakeSignalBus
	audit    *fakeAuditStore
}

func newListingFixture() *listingFixture {
	f := &listingFixture{
		credits:  newFakeCreditLedger(),
		listings: newFakeListingStore(),
		balances: newFakeBalanceCache(),
		locks:    &fakeLockManager{},
		limiter:  &fakeRateLimiter{},
		bus:      &fakeSignalBus{},
		audit:    &fakeAuditStore{},
	}
	f.listings.credits = f.credits
	f.svc = NewListingService(f.listings, f.credits, f.balances, f.locks, f.limiter, f.bus, f.audit, discardLogger())
	return f
}

func TestCreateListingFixedPrice(t *testing.T) {
	f := newListingFixture()
	f.credits.accounts["seller"] = domain.CreditAccount{
		AccountID:   "seller",
		TotalCredit: decimal.NewFromInt(100),
	}

	created, err := f.svc.CreateListing(context.Background(), domain.Listing{
		SellerID:       "seller",
		Quantity:       decimal.NewFromInt(40),
		PricePerCredit: decimal.NewFromInt(10),
		Type:           domain.ListingTypeFixedPrice,
	})
	if err != nil {
		t.Fatalf("CreateListing: %v", err)
	}

	if created.ID == "" {
		t.Error("listing ID not assigned")
	}
	if created.Status != domain.ListingStatusActive {
		t.Errorf("status = %s, want ACTIVE", created.Status)
	}
	wantEnd := time.Now().UTC().Add(domain.DefaultFixedPriceTerm)
	if diff := created.EndTime.Sub(wantEnd); diff < -time.Minute || diff > time.Minute {
		t.Errorf("end time = %v, want about 14 days out", created.EndTime)
	}

	acct := f.credits.accounts["seller"]
	if !acct.TradedCredit.Equal(decimal.NewFromInt(40)) {
		t.Errorf("traded credit = %s, want 40", acct.TradedCredit)
	}
	if !acct.Available().Equal(decimal.NewFromInt(60)) {
		t.Errorf("available = %s, want 60", acct.Available())
	}

	if f.locks.unlocked != 1 {
		t.Errorf("lock released %d times, want 1", f.locks.unlocked)
	}
	if len(f.balances.invalidated) == 0 || f.balances.invalidated[0] != "seller" {
		t.Error("seller balance cache not invalidated")
	}
	if len(f.bus.events) != 1 || f.bus.events[0].channel != "listings" {
		t.Errorf("bus events = %+v, want one on listings", f.bus.events)
	}
	if !f.audit.has("listing_created") {
		t.Error("missing listing_created audit record")
	}
}

func TestCreateListingAuctionOpensBidding(t *testing.T) {
	f := newListingFixture()
	f.credits.accounts["seller"] = domain.CreditAccount{
		AccountID:   "seller",
		TotalCredit: decimal.NewFromInt(100),
	}

	created, err := f.svc.CreateListing(context.Background(), domain.Listing{
		SellerID:      "seller",
		Quantity:      decimal.NewFromInt(10),
		StartingPrice: decimal.NewFromInt(8),
		Type:          domain.ListingTypeAuction,
		EndTime:       time.Now().UTC().Add(domain.SuggestedAuctionTerm),
	})
	if err != nil {
		t.Fatalf("CreateListing: %v", err)
	}
	if created.Status != domain.ListingStatusBidding {
		t.Errorf("status = %s, want BIDDING", created.Status)
	}
}

func TestCreateListingInsufficientCredit(t *testing.T) {
	f := newListingFixture()
	f.credits.accounts["seller"] = domain.CreditAccount{
		AccountID:    "seller",
		TotalCredit:  decimal.NewFromInt(100),
		TradedCredit: decimal.NewFromInt(80),
	}

	_, err := f.svc.CreateListing(context.Background(), domain.Listing{
		SellerID:       "seller",
		Quantity:       decimal.NewFromInt(40),
		PricePerCredit: decimal.NewFromInt(10),
		Type:           domain.ListingTypeFixedPrice,
	})
	if !errors.Is(err, domain.ErrInsufficientCredit) {
		t.Fatalf("err = %v, want ErrInsufficientCredit", err)
	}
	if len(f.listings.listings) != 0 {
		t.Error("listing persisted despite failed reservation")
	}
}

func TestCreateListingRollsBackReservationOnPersistFailure(t *testing.T) {
	f := newListingFixture()
	f.credits.accounts["seller"] = domain.CreditAccount{
		AccountID:   "seller",
		TotalCredit: decimal.NewFromInt(100),
	}
	f.listings.createErr = errors.New("db down")

	_, err := f.svc.CreateListing(context.Background(), domain.Listing{
		SellerID:       "seller",
		Quantity:       decimal.NewFromInt(40),
		PricePerCredit: decimal.NewFromInt(10),
		Type:           domain.ListingTypeFixedPrice,
	})
	if err == nil {
		t.Fatal("expected error")
	}

	acct := f.credits.accounts["seller"]
	if !acct.TradedCredit.IsZero() {
		t.Errorf("traded credit = %s after rollback, want 0", acct.TradedCredit)
	}
}

func TestCreateListingRateLimited(t *testing.T) {
	f := newListingFixture()
	f.limiter.denied = true

	_, err := f.svc.CreateListing(context.Background(), domain.Listing{
		SellerID:       "seller",
		Quantity:       decimal.NewFromInt(1),
		PricePerCredit: decimal.NewFromInt(10),
		Type:           domain.ListingTypeFixedPrice,
	})
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestCreateListingLockHeld(t *testing.T) {
	f := newListingFixture()
	f.locks.held = true

	_, err := f.svc.CreateListing(context.Background(), domain.Listing{
		SellerID:       "seller",
		Quantity:       decimal.NewFromInt(1),
		PricePerCredit: decimal.NewFromInt(10),
		Type:           domain.ListingTypeFixedPrice,
	})
	if !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld", err)
	}
}

func TestCreateListingInvalid(t *testing.T) {
	f := newListingFixture()

	cases := []struct {
		name    string
		listing domain.Listing
		want    error
	}{
		{
			name: "zero quantity",
			listing: domain.Listing{
				SellerID:       "seller",
				PricePerCredit: decimal.NewFromInt(10),
				Type:           domain.ListingTypeFixedPrice,
			},
			want: domain.ErrInvalidQuantity,
		},
		{
			name: "zero price",
			listing: domain.Listing{
				SellerID: "seller",
				Quantity: decimal.NewFromInt(5),
				Type:     domain.ListingTypeFixedPrice,
			},
			want: domain.ErrInvalidAmount,
		},
		{
			name: "auction with past end time",
			listing: domain.Listing{
				SellerID:      "seller",
				Quantity:      decimal.NewFromInt(5),
				StartingPrice: decimal.NewFromInt(8),
				Type:          domain.ListingTypeAuction,
				EndTime:       time.Now().UTC().Add(-time.Hour),
			},
			want: domain.ErrInvalidState,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateListing(context.Background(), tc.listing)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestPlaceBid(t *testing.T) {
	f := newListingFixture()
	f.listings.listings["auc-1"] = domain.Listing{
		ID:            "auc-1",
		SellerID:      "seller",
		Quantity:      decimal.NewFromInt(10),
		StartingPrice: decimal.NewFromInt(8),
		Type:          domain.ListingTypeAuction,
		Status:        domain.ListingStatusBidding,
		EndTime:       time.Now().UTC().Add(time.Hour),
	}

	if err := f.svc.PlaceBid(context.Background(), "auc-1", "buyer", decimal.NewFromInt(9)); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}

	l := f.listings.listings["auc-1"]
	if !l.HighestBid.Equal(decimal.NewFromInt(9)) || l.HighestBidder != "buyer" {
		t.Errorf("highest bid = %s by %q, want 9 by buyer", l.HighestBid, l.HighestBidder)
	}

	// Lower bid rejected.
	err := f.svc.PlaceBid(context.Background(), "auc-1", "other", decimal.NewFromInt(9))
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("equal bid err = %v, want ErrInvalidAmount", err)
	}

	// Seller cannot bid on own auction.
	err = f.svc.PlaceBid(context.Background(), "auc-1", "seller", decimal.NewFromInt(20))
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("self bid err = %v, want ErrInvalidState", err)
	}
}

func TestReleaseListingReturnsEscrow(t *testing.T) {
	f := newListingFixture()
	f.credits.accounts["seller"] = domain.CreditAccount{
		AccountID:    "seller",
		TotalCredit:  decimal.NewFromInt(100),
		TradedCredit: decimal.NewFromInt(40),
	}
	f.listings.listings["l-1"] = domain.Listing{
		ID:       "l-1",
		SellerID: "seller",
		Quantity: decimal.NewFromInt(40),
		Type:     domain.ListingTypeFixedPrice,
		Status:   domain.ListingStatusActive,
	}

	if err := f.svc.ReleaseListing(context.Background(), "l-1"); err != nil {
		t.Fatalf("ReleaseListing: %v", err)
	}

	if got := f.listings.listings["l-1"].Status; got != domain.ListingStatusExpired {
		t.Errorf("status = %s, want EXPIRED", got)
	}
	if !f.credits.accounts["seller"].TradedCredit.IsZero() {
		t.Error("escrow not returned")
	}
	if !f.audit.has("listing_released") {
		t.Error("missing listing_released audit record")
	}
}

func TestReleaseListingFailureKeepsEscrow(t *testing.T) {
	f := newListingFixture()
	f.credits.accounts["seller"] = domain.CreditAccount{
		AccountID:    "seller",
		TotalCredit:  decimal.NewFromInt(100),
		TradedCredit: decimal.NewFromInt(40),
	}
	f.listings.listings["l-1"] = domain.Listing{
		ID:       "l-1",
		SellerID: "seller",
		Quantity: decimal.NewFromInt(40),
		Type:     domain.ListingTypeFixedPrice,
		Status:   domain.ListingStatusActive,
	}
	f.listings.closeErr = errors.New("db down")

	if err := f.svc.ReleaseListing(context.Background(), "l-1"); err == nil {
		t.Fatal("expected error")
	}

	// The failed close left nothing behind: the listing is still open and
	// the escrow still reserved.
	if got := f.listings.listings["l-1"].Status; got != domain.ListingStatusActive {
		t.Errorf("status after failure = %s, want ACTIVE", got)
	}
	if !f.credits.accounts["seller"].TradedCredit.Equal(decimal.NewFromInt(40)) {
		t.Errorf("traded credit = %s after failure, want 40", f.credits.accounts["seller"].TradedCredit)
	}

	// So the retry completes.
	f.listings.closeErr = nil
	if err := f.svc.ReleaseListing(context.Background(), "l-1"); err != nil {
		t.Fatalf("retry ReleaseListing: %v", err)
	}
	if got := f.listings.listings["l-1"].Status; got != domain.ListingStatusExpired {
		t.Errorf("status after retry = %s, want EXPIRED", got)
	}
	if !f.credits.accounts["seller"].TradedCredit.IsZero() {
		t.Error("escrow not returned on retry")
	}
}

func TestForfeitListing(t *testing.T) {
	f := newListingFixture()
	f.credits.accounts["seller"] = domain.CreditAccount{
		AccountID:    "seller",
		TotalCredit:  decimal.NewFromInt(50),
		TradedCredit: decimal.NewFromInt(10),
	}
	l := domain.Listing{
		ID:            "auc-1",
		SellerID:      "seller",
		Quantity:      decimal.NewFromInt(10),
		StartingPrice: decimal.NewFromInt(8),
		Type:          domain.ListingTypeAuction,
		Status:        domain.ListingStatusAuctionEnded,
		HighestBid:    decimal.NewFromInt(12),
		HighestBidder: "winner",
	}
	f.listings.listings["auc-1"] = l

	if err := f.svc.ForfeitListing(context.Background(), l); err != nil {
		t.Fatalf("ForfeitListing: %v", err)
	}

	if got := f.listings.listings["auc-1"].Status; got != domain.ListingStatusExpired {
		t.Errorf("status = %s, want EXPIRED", got)
	}
	if !f.credits.accounts["seller"].TradedCredit.IsZero() {
		t.Error("escrow not returned")
	}
	if !f.audit.has("listing_forfeited") {
		t.Error("missing listing_forfeited audit record")
	}

	// Only ended auctions can be forfeited.
	open := l
	open.ID = "auc-2"
	open.Status = domain.ListingStatusBidding
	f.listings.listings["auc-2"] = open
	if err := f.svc.ForfeitListing(context.Background(), open); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("open auction err = %v, want ErrInvalidState", err)
	}
}

func TestReleaseListingAlreadyTerminal(t *testing.T) {
	f := newListingFixture()
	f.listings.listings["l-1"] = domain.Listing{
		ID:     "l-1",
		Status: domain.ListingStatusSold,
	}

	err := f.svc.ReleaseListing(context.Background(), "l-1")
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestExpireListingAuction(t *testing.T) {
	f := newListingFixture()
	f.credits.accounts["seller"] = domain.CreditAccount{
		AccountID:    "seller",
		TotalCredit:  decimal.NewFromInt(50),
		TradedCredit: decimal.NewFromInt(10),
	}
	l := domain.Listing{
		ID:       "auc-1",
		SellerID: "seller",
		Quantity: decimal.NewFromInt(10),
		Type:     domain.ListingTypeAuction,
		Status:   domain.ListingStatusBidding,
	}
	f.listings.listings["auc-1"] = l

	if err := f.svc.ExpireListing(context.Background(), l); err != nil {
		t.Fatalf("ExpireListing: %v", err)
	}

	if got := f.listings.listings["auc-1"].Status; got != domain.ListingStatusAuctionEnded {
		t.Errorf("status = %s, want AUCTION_ENDED", got)
	}
	if !f.credits.accounts["seller"].TradedCredit.IsZero() {
		t.Error("escrow not returned")
	}
}
