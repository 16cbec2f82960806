package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gridcarbon/creditmarket/internal/domain"
)

// sweepBatchSize caps how many rows one sweep pass pulls from the store per
// query.
const sweepBatchSize = 100

// pendingPaymentTTL is how long a transaction may sit in PENDING_PAYMENT
// before the sweeper fails it. Bounds how long a pending checkout can block
// its listing and how long a defaulting auction winner can hold the escrow.
const pendingPaymentTTL = 24 * time.Hour

// ListingCloser retires listings while returning their escrow.
type ListingCloser interface {
	ExpireListing(ctx context.Context, l domain.Listing) error
	ForfeitListing(ctx context.Context, l domain.Listing) error
}

// WinnerSettler opens the settlement transaction for a closed auction's
// winning bidder and fails payments whose window has closed.
type WinnerSettler interface {
	CreateWinnerTransaction(ctx context.Context, l domain.Listing) (domain.Transaction, error)
	ExpirePayment(ctx context.Context, txn domain.Transaction) error
}

// Sweeper drives the time-based lifecycle transitions: it fails payments past
// their deadline, returns the escrow of auctions whose winner defaulted, and
// resolves listings past their end time (winner transaction for auctions with
// a bid, expiry for everything else).
type Sweeper struct {
	listings domain.ListingStore
	txns     domain.TransactionStore
	closer   ListingCloser
	settler  WinnerSettler
	logger   *slog.Logger
}

// NewSweeper creates a new Sweeper.
func NewSweeper(listings domain.ListingStore, txns domain.TransactionStore, closer ListingCloser, settler WinnerSettler, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		listings: listings,
		txns:     txns,
		closer:   closer,
		settler:  settler,
		logger:   logger,
	}
}

// Run executes a single sweep and reports how many rows it resolved.
// Failures on individual rows are logged and skipped so one bad row never
// stalls the sweep.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	resolved := 0

	// Payments past their deadline go to FAILED first, so the forfeit pass
	// below can see that nobody is left to pay.
	stale, err := s.txns.ListExpiredPending(ctx, now.Add(-pendingPaymentTTL), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("sweeper: list expired pending payments: %w", err)
	}
	for _, t := range stale {
		if err := s.settler.ExpirePayment(ctx, t); err != nil {
			s.logger.ErrorContext(ctx, "sweeper: expire payment failed",
				slog.String("transaction_id", t.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		resolved++
	}

	// Return the escrow of auctions whose winner defaulted.
	forfeited, err := s.listings.ListForfeited(ctx, sweepBatchSize)
	if err != nil {
		return resolved, fmt.Errorf("sweeper: list forfeited listings: %w", err)
	}
	for _, l := range forfeited {
		if err := s.closer.ForfeitListing(ctx, l); err != nil {
			s.logger.ErrorContext(ctx, "sweeper: forfeit failed",
				slog.String("listing_id", l.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		resolved++
	}

	due, err := s.listings.ListDue(ctx, now, sweepBatchSize)
	if err != nil {
		return resolved, fmt.Errorf("sweeper: list due listings: %w", err)
	}
	for _, l := range due {
		if err := s.resolve(ctx, l); err != nil {
			s.logger.ErrorContext(ctx, "sweeper: resolve failed",
				slog.String("listing_id", l.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		resolved++
	}

	if resolved > 0 {
		s.logger.InfoContext(ctx, "sweeper: pass complete",
			slog.Int("due", len(due)),
			slog.Int("resolved", resolved),
		)
	}

	return resolved, nil
}

// resolve settles or expires one due listing. An auction with a winning bid
// stays reserved: the escrow transfers to the winner when they pay, so only
// the winner transaction is created here.
func (s *Sweeper) resolve(ctx context.Context, l domain.Listing) error {
	if l.Type == domain.ListingTypeAuction && l.HighestBid.IsPositive() && l.HighestBidder != "" {
		txn, err := s.settler.CreateWinnerTransaction(ctx, l)
		if err != nil {
			return fmt.Errorf("winner transaction for %q: %w", l.ID, err)
		}
		s.logger.InfoContext(ctx, "sweeper: auction won",
			slog.String("listing_id", l.ID),
			slog.String("transaction_id", txn.ID),
			slog.String("winner", l.HighestBidder),
			slog.String("bid", l.HighestBid.String()),
		)
		return nil
	}

	if err := s.closer.ExpireListing(ctx, l); err != nil {
		return fmt.Errorf("expire %q: %w", l.ID, err)
	}
	return nil
}

// RunLoop executes sweep passes on a ticker until the context is cancelled.
func (s *Sweeper) RunLoop(ctx context.Context, interval time.Duration) error {
	s.logger.Info("sweeper loop started", slog.Duration("interval", interval))

	if _, err := s.Run(ctx); err != nil {
		s.logger.ErrorContext(ctx, "sweeper: initial pass failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				s.logger.ErrorContext(ctx, "sweeper: pass failed", slog.String("error", err.Error()))
			}
		}
	}
}
