package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridcarbon/creditmarket/internal/domain"
)

// listingLockTTL bounds how long the per-seller creation lock can be held if
// the holder dies before unlocking.
const listingLockTTL = 10 * time.Second

// ListingService handles the listing lifecycle from creation through escrow
// release. The quantity of every open listing stays reserved in the seller's
// credit account until the listing sells or expires.
type ListingService struct {
	listings domain.ListingStore
	credits  domain.CreditLedger
	balances domain.BalanceCache
	locks    domain.LockManager
	limiter  domain.RateLimiter
	bus      domain.SignalBus
	audit    domain.AuditStore
	logger   *slog.Logger
}

// NewListingService creates a ListingService with all required dependencies.
func NewListingService(
	listings domain.ListingStore,
	credits domain.CreditLedger,
	balances domain.BalanceCache,
	locks domain.LockManager,
	limiter domain.RateLimiter,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *ListingService {
	return &ListingService{
		listings: listings,
		credits:  credits,
		balances: balances,
		locks:    locks,
		limiter:  limiter,
		bus:      bus,
		audit:    audit,
		logger:   logger,
	}
}

// CreateListing validates the listing, reserves the quantity in the seller's
// credit account, and persists it. A per-seller lock serializes the
// check-then-reserve step across processes; if persisting fails after the
// reservation, the reservation is rolled back.
//
// Fixed-price listings without an end time get the default fourteen-day term.
// Auctions open in BIDDING so bids can be recorded immediately.
func (s *ListingService) CreateListing(ctx context.Context, l domain.Listing) (domain.Listing, error) {
	allowed, err := s.limiter.Allow(ctx, "listings:"+l.SellerID, 10, time.Minute)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing_service: rate limiter: %w", err)
	}
	if !allowed {
		return domain.Listing{}, domain.ErrRateLimited
	}

	now := time.Now().UTC()
	if l.Type == domain.ListingTypeFixedPrice && l.EndTime.IsZero() {
		l.EndTime = now.Add(domain.DefaultFixedPriceTerm)
	}
	if err := l.Validate(now); err != nil {
		return domain.Listing{}, fmt.Errorf("listing_service: validate: %w", err)
	}

	l.ID = uuid.NewString()
	l.Status = domain.ListingStatusActive
	if l.Type == domain.ListingTypeAuction {
		l.Status = domain.ListingStatusBidding
	}
	l.CreatedAt = now
	l.UpdatedAt = now

	unlock, err := s.locks.Acquire(ctx, "lock:credit:"+l.SellerID, listingLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.Listing{}, domain.ErrLockHeld
		}
		return domain.Listing{}, fmt.Errorf("listing_service: acquire lock: %w", err)
	}
	defer unlock()

	if err := s.credits.Reserve(ctx, l.SellerID, l.Quantity); err != nil {
		return domain.Listing{}, fmt.Errorf("listing_service: reserve credit: %w", err)
	}

	if err := s.listings.Create(ctx, l); err != nil {
		if relErr := s.credits.Release(ctx, l.SellerID, l.Quantity); relErr != nil {
			s.logger.ErrorContext(ctx, "listing_service: rollback release failed",
				slog.String("seller_id", l.SellerID),
				slog.String("error", relErr.Error()),
			)
		}
		return domain.Listing{}, fmt.Errorf("listing_service: create listing: %w", err)
	}

	if invErr := s.balances.Invalidate(ctx, l.SellerID); invErr != nil {
		s.logger.WarnContext(ctx, "listing_service: cache invalidate failed",
			slog.String("seller_id", l.SellerID),
			slog.String("error", invErr.Error()),
		)
	}

	s.publishEvent(ctx, "listings", map[string]string{
		"event":      "listing_created",
		"listing_id": l.ID,
		"seller_id":  l.SellerID,
		"type":       string(l.Type),
		"quantity":   l.Quantity.String(),
		"unit_price": l.UnitPrice().String(),
	})
	s.auditlog(ctx, "listing_created", map[string]any{
		"listing_id": l.ID,
		"seller_id":  l.SellerID,
		"type":       string(l.Type),
		"quantity":   l.Quantity.String(),
	})

	s.logger.InfoContext(ctx, "listing_service: listing created",
		slog.String("listing_id", l.ID),
		slog.String("seller_id", l.SellerID),
		slog.String("type", string(l.Type)),
	)

	return l, nil
}

// PlaceBid records a new highest bid on an open auction. Bids must strictly
// exceed the current highest bid and reach at least the starting price; the
// seller cannot bid on their own listing.
func (s *ListingService) PlaceBid(ctx context.Context, listingID, bidderID string, bid decimal.Decimal) error {
	allowed, err := s.limiter.Allow(ctx, "bids:"+bidderID, 30, time.Minute)
	if err != nil {
		return fmt.Errorf("listing_service: rate limiter: %w", err)
	}
	if !allowed {
		return domain.ErrRateLimited
	}

	if !bid.IsPositive() {
		return domain.ErrInvalidAmount
	}

	l, err := s.listings.GetByID(ctx, listingID)
	if err != nil {
		return fmt.Errorf("listing_service: get listing %q: %w", listingID, err)
	}
	if l.SellerID == bidderID {
		return domain.ErrInvalidState
	}

	if err := s.listings.RecordBid(ctx, listingID, bidderID, bid); err != nil {
		return fmt.Errorf("listing_service: record bid: %w", err)
	}

	s.publishEvent(ctx, "listings", map[string]string{
		"event":      "bid_placed",
		"listing_id": listingID,
		"bidder_id":  bidderID,
		"bid":        bid.String(),
	})
	s.auditlog(ctx, "bid_placed", map[string]any{
		"listing_id": listingID,
		"bidder_id":  bidderID,
		"bid":        bid.String(),
	})

	s.logger.InfoContext(ctx, "listing_service: bid placed",
		slog.String("listing_id", listingID),
		slog.String("bidder_id", bidderID),
		slog.String("bid", bid.String()),
	)

	return nil
}

// ReleaseListing takes an open listing off the market and returns its escrow
// to the seller. Used for moderation takedowns and seller withdrawals.
func (s *ListingService) ReleaseListing(ctx context.Context, listingID string) error {
	l, err := s.listings.GetByID(ctx, listingID)
	if err != nil {
		return fmt.Errorf("listing_service: get listing %q: %w", listingID, err)
	}
	if !l.Status.Open() {
		return domain.ErrInvalidState
	}
	open := []domain.ListingStatus{domain.ListingStatusActive, domain.ListingStatusBidding}
	return s.close(ctx, l, open, l.ExpiredStatus(), "listing_released")
}

// ExpireListing transitions an open listing past its end time to its expired
// status and returns the escrow. Called by the expiry sweeper.
func (s *ListingService) ExpireListing(ctx context.Context, l domain.Listing) error {
	if !l.Status.Open() {
		return domain.ErrInvalidState
	}
	open := []domain.ListingStatus{domain.ListingStatusActive, domain.ListingStatusBidding}
	return s.close(ctx, l, open, l.ExpiredStatus(), "listing_expired")
}

// ForfeitListing retires an ended auction whose winner never paid and returns
// the escrow to the seller. Called by the expiry sweeper once every
// transaction for the listing has failed.
func (s *ListingService) ForfeitListing(ctx context.Context, l domain.Listing) error {
	if l.Status != domain.ListingStatusAuctionEnded {
		return domain.ErrInvalidState
	}
	return s.close(ctx, l,
		[]domain.ListingStatus{domain.ListingStatusAuctionEnded},
		domain.ListingStatusExpired, "listing_forfeited")
}

// close runs the store's atomic close unit (status flip plus escrow release)
// and fans out the side channels. A store failure leaves the listing and the
// escrow untouched, so callers can simply retry.
func (s *ListingService) close(ctx context.Context, l domain.Listing, from []domain.ListingStatus, to domain.ListingStatus, event string) error {
	if _, err := s.listings.Close(ctx, l.ID, from, to); err != nil {
		return fmt.Errorf("listing_service: %s %q: %w", event, l.ID, err)
	}

	if invErr := s.balances.Invalidate(ctx, l.SellerID); invErr != nil {
		s.logger.WarnContext(ctx, "listing_service: cache invalidate failed",
			slog.String("seller_id", l.SellerID),
			slog.String("error", invErr.Error()),
		)
	}

	s.publishEvent(ctx, "listings", map[string]string{
		"event":      event,
		"listing_id": l.ID,
		"seller_id":  l.SellerID,
		"status":     string(to),
	})
	s.auditlog(ctx, event, map[string]any{
		"listing_id": l.ID,
		"seller_id":  l.SellerID,
		"quantity":   l.Quantity.String(),
		"status":     string(to),
	})

	s.logger.InfoContext(ctx, "listing_service: listing closed",
		slog.String("listing_id", l.ID),
		slog.String("event", event),
		slog.String("status", string(to)),
	)

	return nil
}

// GetListing retrieves a single listing by its ID.
func (s *ListingService) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	l, err := s.listings.GetByID(ctx, id)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing_service: get listing %q: %w", id, err)
	}
	return l, nil
}

// ListOpen returns open listings for the marketplace browse view.
func (s *ListingService) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Listing, error) {
	ls, err := s.listings.ListOpen(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("listing_service: list open: %w", err)
	}
	return ls, nil
}

// ListBySeller returns a seller's listings with pagination.
func (s *ListingService) ListBySeller(ctx context.Context, sellerID string, opts domain.ListOpts) ([]domain.Listing, error) {
	ls, err := s.listings.ListBySeller(ctx, sellerID, opts)
	if err != nil {
		return nil, fmt.Errorf("listing_service: list by seller %q: %w", sellerID, err)
	}
	return ls, nil
}

func (s *ListingService) publishEvent(ctx context.Context, channel string, fields map[string]string) {
	evt, _ := json.Marshal(fields)
	if err := s.bus.Publish(ctx, channel, evt); err != nil {
		s.logger.WarnContext(ctx, "listing_service: publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ListingService) auditlog(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "listing_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
