package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gridcarbon/creditmarket/internal/domain"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// TransactionStore implements domain.TransactionStore using PostgreSQL.
type TransactionStore struct {
	pool *pgxpool.Pool
}

// NewTransactionStore creates a new TransactionStore backed by the given
// connection pool.
func NewTransactionStore(pool *pgxpool.Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

// Create inserts a new pending transaction. The partial unique index on
// (listing_id) WHERE status = 'PENDING_PAYMENT' turns a concurrent second
// checkout into ErrInvalidState instead of overselling the listing.
func (s *TransactionStore) Create(ctx context.Context, t domain.Transaction) error {
	return transactionInsert(ctx, s.pool, t)
}

// CreateWinner inserts the auction winner's pending transaction and moves
// the listing from BIDDING to AUCTION_ENDED in one transaction. Re-runs of
// the sweep find the listing already out of BIDDING and fail with
// ErrInvalidState before inserting anything.
func (s *TransactionStore) CreateWinner(ctx context.Context, t domain.Transaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin winner tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := listingUpdateStatus(ctx, tx, t.ListingID,
		[]domain.ListingStatus{domain.ListingStatusBidding},
		domain.ListingStatusAuctionEnded,
	); err != nil {
		return err
	}
	if err := transactionInsert(ctx, tx, t); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit winner tx: %w", err)
	}
	return nil
}

func transactionInsert(ctx context.Context, q querier, t domain.Transaction) error {
	const query = `
		INSERT INTO transactions (
			id, listing_id, buyer_id, seller_id, amount, credit,
			status, payment_method, payment_url, gateway_ref, failure_reason,
			paid_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, NOW()
		)`

	_, err := q.Exec(ctx, query,
		t.ID, t.ListingID, t.BuyerID, t.SellerID, t.Amount, t.Credit,
		string(t.Status), string(t.PaymentMethod), t.PaymentURL, t.GatewayRef, t.FailureReason,
		t.PaidAt, t.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrInvalidState
		}
		return fmt.Errorf("postgres: create transaction %s: %w", t.ID, err)
	}
	return nil
}

const transactionSelectCols = `id, listing_id, buyer_id, seller_id, amount, credit,
	status, payment_method, payment_url, gateway_ref, failure_reason,
	paid_at, created_at, updated_at`

func scanTransactionFromRow(scanner interface{ Scan(dest ...any) error }) (domain.Transaction, error) {
	var t domain.Transaction
	var status, method string

	err := scanner.Scan(
		&t.ID, &t.ListingID, &t.BuyerID, &t.SellerID, &t.Amount, &t.Credit,
		&status, &method, &t.PaymentURL, &t.GatewayRef, &t.FailureReason,
		&t.PaidAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domain.Transaction{}, err
	}

	t.Status = domain.TransactionStatus(status)
	t.PaymentMethod = domain.PaymentMethod(method)
	return t, nil
}

func scanTransactionRows(rows pgx.Rows) ([]domain.Transaction, error) {
	var txns []domain.Transaction
	for rows.Next() {
		t, err := scanTransactionFromRow(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// GetByID retrieves a single transaction by ID.
func (s *TransactionStore) GetByID(ctx context.Context, id string) (domain.Transaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+transactionSelectCols+` FROM transactions WHERE id = $1`, id)

	t, err := scanTransactionFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Transaction{}, domain.ErrNotFound
		}
		return domain.Transaction{}, fmt.Errorf("postgres: get transaction %s: %w", id, err)
	}
	return t, nil
}

// SetPaymentURL stores the gateway redirect URL on a pending transaction.
func (s *TransactionStore) SetPaymentURL(ctx context.Context, id, url string) error {
	const query = `
		UPDATE transactions
		SET payment_url = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING_PAYMENT'`

	tag, err := s.pool.Exec(ctx, query, id, url)
	if err != nil {
		return fmt.Errorf("postgres: set payment url %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByBuyer returns a buyer's transactions with pagination.
func (s *TransactionStore) ListByBuyer(ctx context.Context, buyerID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	return s.listByAccount(ctx, "buyer_id", buyerID, opts)
}

// ListBySeller returns a seller's transactions with pagination.
func (s *TransactionStore) ListBySeller(ctx context.Context, sellerID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	return s.listByAccount(ctx, "seller_id", sellerID, opts)
}

func (s *TransactionStore) listByAccount(ctx context.Context, column, accountID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionSelectCols + ` FROM transactions WHERE ` + column + ` = $1`
	query, args := appendListOpts(query, []any{accountID}, 2, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions by %s: %w", column, err)
	}
	defer rows.Close()

	txns, err := scanTransactionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan transactions by %s: %w", column, err)
	}
	return txns, nil
}

// ListExpiredPending returns pending transactions created before the cutoff,
// oldest first, for the sweeper's payment-deadline pass.
func (s *TransactionStore) ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]domain.Transaction, error) {
	const query = `
		SELECT ` + transactionSelectCols + ` FROM transactions
		WHERE status = 'PENDING_PAYMENT' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired pending transactions: %w", err)
	}
	defer rows.Close()

	txns, err := scanTransactionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan expired pending transactions: %w", err)
	}
	return txns, nil
}

// TradedSince sums the credit quantity of settled transactions since the
// given time; the demand side of the pricing engine's supply/demand signal.
func (s *TransactionStore) TradedSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	var traded decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(credit), 0) FROM transactions
		 WHERE status = 'SUCCESS' AND paid_at >= $1`, since,
	).Scan(&traded)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: traded since %v: %w", since, err)
	}
	return traded, nil
}

// ListTerminalBefore returns terminal transactions last updated before the
// cutoff, for the cold-storage archiver.
func (s *TransactionStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionSelectCols+` FROM transactions
		 WHERE status IN ('SUCCESS', 'FAILED', 'CANCELED') AND updated_at < $1
		 ORDER BY updated_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal transactions before %v: %w", before, err)
	}
	defer rows.Close()

	txns, err := scanTransactionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan terminal transactions: %w", err)
	}
	return txns, nil
}

// DeleteTerminalBefore prunes archived terminal transactions and reports how
// many rows were removed.
func (s *TransactionStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM transactions
		 WHERE status IN ('SUCCESS', 'FAILED', 'CANCELED') AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete terminal transactions before %v: %w", before, err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.TransactionStore = (*TransactionStore)(nil)
