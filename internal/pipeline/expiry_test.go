package pipeline

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

type stubListingStore struct {
	domain.ListingStore
	due       []domain.Listing
	forfeited []domain.Listing
}

func (s *stubListingStore) ListDue(_ context.Context, _ time.Time, _ int) ([]domain.Listing, error) {
	return s.due, nil
}

func (s *stubListingStore) ListForfeited(_ context.Context, _ int) ([]domain.Listing, error) {
	return s.forfeited, nil
}

type stubTransactionStore struct {
	domain.TransactionStore
	stale []domain.Transaction
}

func (s *stubTransactionStore) ListExpiredPending(_ context.Context, _ time.Time, _ int) ([]domain.Transaction, error) {
	return s.stale, nil
}

type stubCloser struct {
	expired   []string
	forfeited []string
	err       error
}

func (s *stubCloser) ExpireListing(_ context.Context, l domain.Listing) error {
	if s.err != nil {
		return s.err
	}
	s.expired = append(s.expired, l.ID)
	return nil
}

func (s *stubCloser) ForfeitListing(_ context.Context, l domain.Listing) error {
	if s.err != nil {
		return s.err
	}
	s.forfeited = append(s.forfeited, l.ID)
	return nil
}

type stubSettler struct {
	settled []string
	expired []string
	err     error
}

func (s *stubSettler) CreateWinnerTransaction(_ context.Context, l domain.Listing) (domain.Transaction, error) {
	if s.err != nil {
		return domain.Transaction{}, s.err
	}
	s.settled = append(s.settled, l.ID)
	return domain.Transaction{ID: "t-" + l.ID, BuyerID: l.HighestBidder}, nil
}

func (s *stubSettler) ExpirePayment(_ context.Context, t domain.Transaction) error {
	if s.err != nil {
		return s.err
	}
	s.expired = append(s.expired, t.ID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweeperResolvesDueListings(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)
	store := &stubListingStore{due: []domain.Listing{
		{
			ID:      "fixed-1",
			Type:    domain.ListingTypeFixedPrice,
			Status:  domain.ListingStatusActive,
			EndTime: past,
		},
		{
			ID:            "auc-won",
			Type:          domain.ListingTypeAuction,
			Status:        domain.ListingStatusBidding,
			EndTime:       past,
			HighestBid:    decimal.NewFromInt(12),
			HighestBidder: "winner",
		},
		{
			ID:      "auc-nobids",
			Type:    domain.ListingTypeAuction,
			Status:  domain.ListingStatusBidding,
			EndTime: past,
		},
	}}
	closer := &stubCloser{}
	settler := &stubSettler{}
	sweeper := NewSweeper(store, &stubTransactionStore{}, closer, settler, testLogger())

	resolved, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resolved != 3 {
		t.Errorf("resolved = %d, want 3", resolved)
	}

	if len(closer.expired) != 2 {
		t.Errorf("expired = %v, want fixed-1 and auc-nobids", closer.expired)
	}
	if len(settler.settled) != 1 || settler.settled[0] != "auc-won" {
		t.Errorf("settled = %v, want [auc-won]", settler.settled)
	}
}

func TestSweeperSkipsFailingListing(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)
	store := &stubListingStore{due: []domain.Listing{
		{ID: "bad", Type: domain.ListingTypeFixedPrice, Status: domain.ListingStatusActive, EndTime: past},
		{
			ID:            "auc-won",
			Type:          domain.ListingTypeAuction,
			Status:        domain.ListingStatusBidding,
			EndTime:       past,
			HighestBid:    decimal.NewFromInt(5),
			HighestBidder: "winner",
		},
	}}
	closer := &stubCloser{err: errors.New("store down")}
	settler := &stubSettler{}
	sweeper := NewSweeper(store, &stubTransactionStore{}, closer, settler, testLogger())

	resolved, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resolved != 1 {
		t.Errorf("resolved = %d, want 1 (the auction)", resolved)
	}
	if len(settler.settled) != 1 {
		t.Errorf("settled = %v, want [auc-won]", settler.settled)
	}
}

func TestSweeperFailsStalePaymentsAndForfeits(t *testing.T) {
	store := &stubListingStore{forfeited: []domain.Listing{
		{
			ID:            "auc-default",
			Type:          domain.ListingTypeAuction,
			Status:        domain.ListingStatusAuctionEnded,
			HighestBid:    decimal.NewFromInt(12),
			HighestBidder: "winner",
		},
	}}
	txns := &stubTransactionStore{stale: []domain.Transaction{
		{
			ID:        "t-old",
			ListingID: "auc-default",
			Status:    domain.TransactionStatusPendingPayment,
			CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
		},
	}}
	closer := &stubCloser{}
	settler := &stubSettler{}
	sweeper := NewSweeper(store, txns, closer, settler, testLogger())

	resolved, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resolved != 2 {
		t.Errorf("resolved = %d, want 2", resolved)
	}
	if len(settler.expired) != 1 || settler.expired[0] != "t-old" {
		t.Errorf("expired payments = %v, want [t-old]", settler.expired)
	}
	if len(closer.forfeited) != 1 || closer.forfeited[0] != "auc-default" {
		t.Errorf("forfeited = %v, want [auc-default]", closer.forfeited)
	}
	if len(settler.settled) != 0 {
		t.Errorf("settled = %v, want none", settler.settled)
	}
}

func TestNextCronTime(t *testing.T) {
	cases := []struct {
		name  string
		expr  string
		after time.Time
		want  time.Time
	}{
		{
			name:  "daily at 3am",
			expr:  "0 3 * * *",
			after: time.Date(2026, 5, 10, 12, 30, 0, 0, time.UTC),
			want:  time.Date(2026, 5, 11, 3, 0, 0, 0, time.UTC),
		},
		{
			name:  "same day when still ahead",
			expr:  "0 3 * * *",
			after: time.Date(2026, 5, 10, 1, 0, 0, 0, time.UTC),
			want:  time.Date(2026, 5, 10, 3, 0, 0, 0, time.UTC),
		},
		{
			name:  "first of month",
			expr:  "0 0 1 * *",
			after: time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC),
			want:  time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "minute list",
			expr:  "15,45 * * * *",
			after: time.Date(2026, 5, 10, 12, 20, 0, 0, time.UTC),
			want:  time.Date(2026, 5, 10, 12, 45, 0, 0, time.UTC),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := nextCronTime(tc.expr, tc.after)
			if err != nil {
				t.Fatalf("nextCronTime: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Errorf("next = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseCronRejectsBadExpressions(t *testing.T) {
	for _, expr := range []string{"", "* * *", "x * * * *", "1,x * * * *"} {
		if _, err := parseCron(expr); err == nil {
			t.Errorf("parseCron(%q) succeeded, want error", expr)
		}
	}
}
