package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gridcarbon/creditmarket/internal/domain"
)

// ListingStore implements domain.ListingStore using PostgreSQL.
type ListingStore struct {
	pool *pgxpool.Pool
}

// NewListingStore creates a new ListingStore backed by the given connection pool.
func NewListingStore(pool *pgxpool.Pool) *ListingStore {
	return &ListingStore{pool: pool}
}

// Create inserts a new listing.
func (s *ListingStore) Create(ctx context.Context, l domain.Listing) error {
	const query = `
		INSERT INTO listings (
			id, seller_id, quantity, price_per_credit, starting_price,
			listing_type, status, highest_bid, highest_bidder,
			end_time, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		l.ID, l.SellerID, l.Quantity, l.PricePerCredit, l.StartingPrice,
		string(l.Type), string(l.Status), l.HighestBid, l.HighestBidder,
		l.EndTime, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create listing %s: %w", l.ID, err)
	}
	return nil
}

const listingSelectCols = `id, seller_id, quantity, price_per_credit, starting_price,
	listing_type, status, highest_bid, highest_bidder, end_time, created_at, updated_at`

func scanListingFromRow(scanner interface{ Scan(dest ...any) error }) (domain.Listing, error) {
	var l domain.Listing
	var listingType, status string

	err := scanner.Scan(
		&l.ID, &l.SellerID, &l.Quantity, &l.PricePerCredit, &l.StartingPrice,
		&listingType, &status, &l.HighestBid, &l.HighestBidder,
		&l.EndTime, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return domain.Listing{}, err
	}

	l.Type = domain.ListingType(listingType)
	l.Status = domain.ListingStatus(status)
	return l, nil
}

func scanListingRows(rows pgx.Rows) ([]domain.Listing, error) {
	var listings []domain.Listing
	for rows.Next() {
		l, err := scanListingFromRow(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// GetByID retrieves a single listing by ID.
func (s *ListingStore) GetByID(ctx context.Context, id string) (domain.Listing, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+listingSelectCols+` FROM listings WHERE id = $1`, id)

	l, err := scanListingFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("postgres: get listing %s: %w", id, err)
	}
	return l, nil
}

// UpdateStatus moves a listing to the given status only if its current status
// is one of from. A zero-row update means either the listing does not exist
// (ErrNotFound) or it has already left the expected states (ErrInvalidState).
func (s *ListingStore) UpdateStatus(ctx context.Context, id string, from []domain.ListingStatus, to domain.ListingStatus) error {
	return listingUpdateStatus(ctx, s.pool, id, from, to)
}

// RecordBid stores a new highest bid. The guard rejects bids on closed
// listings and bids that do not raise the current highest.
func (s *ListingStore) RecordBid(ctx context.Context, id, bidder string, bid decimal.Decimal) error {
	if !bid.IsPositive() {
		return domain.ErrInvalidAmount
	}

	const query = `
		UPDATE listings
		SET highest_bid = $3, highest_bidder = $2, updated_at = NOW()
		WHERE id = $1
		  AND listing_type = 'AUCTION'
		  AND status = 'BIDDING'
		  AND end_time > NOW()
		  AND highest_bid < $3
		  AND starting_price <= $3`

	tag, err := s.pool.Exec(ctx, query, id, bidder, bid)
	if err != nil {
		return fmt.Errorf("postgres: record bid on listing %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM listings WHERE id = $1)", id,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: check listing %s: %w", id, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrInvalidState
	}
	return nil
}

// Close moves a listing to the given status and returns the escrowed
// quantity to the seller inside one transaction. The listing row is locked
// first so the status check, the flip, and the release serialize against
// concurrent settlements; a failure at any point rolls the whole unit back.
func (s *ListingStore) Close(ctx context.Context, id string, from []domain.ListingStatus, to domain.ListingStatus) (domain.Listing, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("postgres: begin close tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+listingSelectCols+` FROM listings WHERE id = $1 FOR UPDATE`, id)
	l, err := scanListingFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("postgres: lock listing %s: %w", id, err)
	}

	if err := listingUpdateStatus(ctx, tx, id, from, to); err != nil {
		return domain.Listing{}, err
	}
	if err := creditRelease(ctx, tx, l.SellerID, l.Quantity); err != nil {
		return domain.Listing{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Listing{}, fmt.Errorf("postgres: commit close tx: %w", err)
	}

	l.Status = to
	return l, nil
}

// ListOpen returns open listings newest-first with pagination.
func (s *ListingStore) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Listing, error) {
	query := `SELECT ` + listingSelectCols + ` FROM listings
		WHERE status IN ('ACTIVE', 'BIDDING')`
	query, args := appendListOpts(query, nil, 1, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open listings: %w", err)
	}
	defer rows.Close()

	listings, err := scanListingRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open listings: %w", err)
	}
	return listings, nil
}

// ListBySeller returns a seller's listings with pagination.
func (s *ListingStore) ListBySeller(ctx context.Context, sellerID string, opts domain.ListOpts) ([]domain.Listing, error) {
	query := `SELECT ` + listingSelectCols + ` FROM listings WHERE seller_id = $1`
	query, args := appendListOpts(query, []any{sellerID}, 2, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list listings by seller: %w", err)
	}
	defer rows.Close()

	listings, err := scanListingRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan listings by seller: %w", err)
	}
	return listings, nil
}

// ListDue returns open listings whose end time has passed, oldest first, for
// the expiry sweeper.
func (s *ListingStore) ListDue(ctx context.Context, asOf time.Time, limit int) ([]domain.Listing, error) {
	const query = `
		SELECT ` + listingSelectCols + ` FROM listings
		WHERE status IN ('ACTIVE', 'BIDDING') AND end_time <= $1
		ORDER BY end_time ASC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due listings: %w", err)
	}
	defer rows.Close()

	listings, err := scanListingRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan due listings: %w", err)
	}
	return listings, nil
}

// ListForfeited returns ended auctions whose transactions all reached a
// terminal failure: the winner defaulted, the escrow is still held, and no
// payment can arrive anymore. Listings without any transaction (auctions that
// ended with no bids) already had their escrow returned at expiry and are
// excluded.
func (s *ListingStore) ListForfeited(ctx context.Context, limit int) ([]domain.Listing, error) {
	const query = `
		SELECT ` + listingSelectCols + ` FROM listings l
		WHERE l.status = 'AUCTION_ENDED'
		  AND EXISTS (SELECT 1 FROM transactions t WHERE t.listing_id = l.id)
		  AND NOT EXISTS (
			SELECT 1 FROM transactions t WHERE t.listing_id = l.id
			  AND t.status IN ('PENDING_PAYMENT', 'SUCCESS'))
		ORDER BY l.updated_at ASC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list forfeited listings: %w", err)
	}
	defer rows.Close()

	listings, err := scanListingRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan forfeited listings: %w", err)
	}
	return listings, nil
}

// OpenSupply sums the listed quantity across all open listings.
func (s *ListingStore) OpenSupply(ctx context.Context) (decimal.Decimal, error) {
	var supply decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM listings WHERE status IN ('ACTIVE', 'BIDDING')`,
	).Scan(&supply)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: open supply: %w", err)
	}
	return supply, nil
}

// ListResolvedBefore returns terminal listings last updated before the
// cutoff, for the cold-storage archiver. An ended auction whose winner
// transaction is still pending is not resolved yet and stays out.
func (s *ListingStore) ListResolvedBefore(ctx context.Context, before time.Time) ([]domain.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingSelectCols+` FROM listings l
		 WHERE l.status IN ('SOLD', 'AUCTION_ENDED', 'EXPIRED') AND l.updated_at < $1
		   AND NOT EXISTS (SELECT 1 FROM transactions t
				   WHERE t.listing_id = l.id AND t.status = 'PENDING_PAYMENT')
		 ORDER BY l.updated_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolved listings before %v: %w", before, err)
	}
	defer rows.Close()

	listings, err := scanListingRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan resolved listings: %w", err)
	}
	return listings, nil
}

// DeleteResolvedBefore prunes archived terminal listings and reports how many
// rows were removed. Listings still referenced by a live transaction row are
// kept so the transaction archive always lands first.
func (s *ListingStore) DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM listings l
		 WHERE l.status IN ('SOLD', 'AUCTION_ENDED', 'EXPIRED') AND l.updated_at < $1
		   AND NOT EXISTS (SELECT 1 FROM transactions t WHERE t.listing_id = l.id)`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete resolved listings before %v: %w", before, err)
	}
	return tag.RowsAffected(), nil
}

// listingUpdateStatus is shared with the settlement unit so the SOLD
// transition can run inside the settlement transaction.
func listingUpdateStatus(ctx context.Context, q querier, id string, from []domain.ListingStatus, to domain.ListingStatus) error {
	fromStr := make([]string, len(from))
	for i, st := range from {
		fromStr[i] = string(st)
	}

	const query = `
		UPDATE listings
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`

	tag, err := q.Exec(ctx, query, id, string(to), fromStr)
	if err != nil {
		return fmt.Errorf("postgres: update listing status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := q.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM listings WHERE id = $1)", id,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: check listing %s: %w", id, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrInvalidState
	}
	return nil
}

// appendListOpts appends the standard time filters, ordering, and pagination
// to a listing/transaction query.
func appendListOpts(query string, args []any, argIdx int, opts domain.ListOpts) (string, []any) {
	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}

// Compile-time interface check.
var _ domain.ListingStore = (*ListingStore)(nil)
