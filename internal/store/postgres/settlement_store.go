package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridcarbon/creditmarket/internal/domain"
)

// SettlementStore implements domain.SettlementUnit. Every method runs inside
// one pgx transaction: it locks the transaction row with SELECT ... FOR
// UPDATE, verifies the row is still pending, applies all ledger and listing
// effects, and commits. A failure at any point rolls the whole unit back, so
// there is never a partial-success state to clean up, and concurrent or
// replayed calls serialize on the row lock.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given
// connection pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// SettleWallet completes a wallet-method payment: debit buyer, credit seller,
// transfer the credit quantity, mark the listing SOLD and the transaction
// SUCCESS. An insufficient buyer balance aborts with ErrInsufficientFunds and
// zero side effects, leaving the transaction pending.
func (s *SettlementStore) SettleWallet(ctx context.Context, transactionID string) (domain.Transaction, error) {
	return s.inTx(ctx, transactionID, func(ctx context.Context, tx pgx.Tx, txn domain.Transaction) error {
		if err := walletDebit(ctx, tx, txn.BuyerID, txn.Amount); err != nil {
			return err
		}
		if err := walletCredit(ctx, tx, txn.SellerID, txn.Amount); err != nil {
			return err
		}
		return s.completeTransfer(ctx, tx, txn, "")
	})
}

// SettleExternal applies a successful gateway outcome. The money moved at
// the gateway, so neither platform wallet is touched; only the credit
// transfer and the status transitions run here.
func (s *SettlementStore) SettleExternal(ctx context.Context, transactionID, gatewayRef string) (domain.Transaction, error) {
	return s.inTx(ctx, transactionID, func(ctx context.Context, tx pgx.Tx, txn domain.Transaction) error {
		return s.completeTransfer(ctx, tx, txn, gatewayRef)
	})
}

// FailExternal marks a pending transaction FAILED after a gateway failure
// outcome. No ledger rows are touched.
func (s *SettlementStore) FailExternal(ctx context.Context, transactionID, reason string) (domain.Transaction, error) {
	return s.inTx(ctx, transactionID, func(ctx context.Context, tx pgx.Tx, txn domain.Transaction) error {
		const query = `
			UPDATE transactions
			SET status = 'FAILED', failure_reason = $2, updated_at = NOW()
			WHERE id = $1`
		if _, err := tx.Exec(ctx, query, txn.ID, reason); err != nil {
			return fmt.Errorf("postgres: fail transaction %s: %w", txn.ID, err)
		}
		return nil
	})
}

// Cancel moves a pending transaction to CANCELED. Only the buyer may cancel.
// The listing and both ledgers stay untouched; the escrow is returned by
// expiry, not by cancellation.
func (s *SettlementStore) Cancel(ctx context.Context, transactionID, buyerID string) (domain.Transaction, error) {
	return s.inTx(ctx, transactionID, func(ctx context.Context, tx pgx.Tx, txn domain.Transaction) error {
		if txn.BuyerID != buyerID {
			return domain.ErrInvalidState
		}
		const query = `
			UPDATE transactions
			SET status = 'CANCELED', updated_at = NOW()
			WHERE id = $1`
		if _, err := tx.Exec(ctx, query, txn.ID); err != nil {
			return fmt.Errorf("postgres: cancel transaction %s: %w", txn.ID, err)
		}
		return nil
	})
}

// completeTransfer runs the shared tail of a successful settlement: credit
// transfer to the buyer, listing to SOLD, transaction to SUCCESS with paidAt.
// AUCTION_ENDED is a valid starting state here: the winner pays after the
// sweep has already closed the bidding.
func (s *SettlementStore) completeTransfer(ctx context.Context, tx pgx.Tx, txn domain.Transaction, gatewayRef string) error {
	if err := creditTransfer(ctx, tx, txn.SellerID, txn.BuyerID, txn.Credit); err != nil {
		return err
	}
	if err := listingUpdateStatus(ctx, tx, txn.ListingID,
		[]domain.ListingStatus{
			domain.ListingStatusActive,
			domain.ListingStatusBidding,
			domain.ListingStatusAuctionEnded,
		},
		domain.ListingStatusSold,
	); err != nil {
		return err
	}

	const query = `
		UPDATE transactions
		SET status = 'SUCCESS', gateway_ref = $2, paid_at = NOW(), updated_at = NOW()
		WHERE id = $1`
	if _, err := tx.Exec(ctx, query, txn.ID, gatewayRef); err != nil {
		return fmt.Errorf("postgres: mark transaction success %s: %w", txn.ID, err)
	}
	return nil
}

// inTx wraps one settlement transition: lock the row, reject terminal states,
// run the transition, re-read the final row, commit.
func (s *SettlementStore) inTx(
	ctx context.Context,
	transactionID string,
	transition func(ctx context.Context, tx pgx.Tx, txn domain.Transaction) error,
) (domain.Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("postgres: begin settlement tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := lockTransaction(ctx, tx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}

	if txn.Status.Terminal() {
		// Return the row as-is so duplicate callbacks can be answered with
		// the existing state.
		return txn, domain.ErrAlreadySettled
	}
	if txn.Status != domain.TransactionStatusPendingPayment {
		return txn, domain.ErrInvalidState
	}

	if err := transition(ctx, tx, txn); err != nil {
		return domain.Transaction{}, err
	}

	final, err := readTransaction(ctx, tx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Transaction{}, fmt.Errorf("postgres: commit settlement tx: %w", err)
	}
	return final, nil
}

// lockTransaction reads a transaction row under FOR UPDATE, serializing all
// settlement transitions for that transaction.
func lockTransaction(ctx context.Context, tx pgx.Tx, id string) (domain.Transaction, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+transactionSelectCols+` FROM transactions WHERE id = $1 FOR UPDATE`, id)

	txn, err := scanTransactionFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Transaction{}, domain.ErrNotFound
		}
		return domain.Transaction{}, fmt.Errorf("postgres: lock transaction %s: %w", id, err)
	}
	return txn, nil
}

func readTransaction(ctx context.Context, tx pgx.Tx, id string) (domain.Transaction, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+transactionSelectCols+` FROM transactions WHERE id = $1`, id)

	txn, err := scanTransactionFromRow(row)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("postgres: read transaction %s: %w", id, err)
	}
	return txn, nil
}

// Compile-time interface check.
var _ domain.SettlementUnit = (*SettlementStore)(nil)
