package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// CreditLedger is the sole authority over credit balances. Reserve and
// Release are the escrow ends of a listing's lifecycle; Transfer is used
// once, at settlement, to grant the buyer the purchased quantity. Every
// balance check and its mutation happen inside a single atomic step.
type CreditLedger interface {
	// Reserve increases the account's traded credit. It fails with
	// ErrInsufficientCredit when the reservation would drive the available
	// balance negative, leaving the record untouched.
	Reserve(ctx context.Context, accountID string, quantity decimal.Decimal) error

	// Release undoes a reservation. It fails with ErrInvalidState when it
	// would drive traded credit negative.
	Release(ctx context.Context, accountID string, quantity decimal.Decimal) error

	// Transfer grants the buyer the purchased quantity by increasing their
	// total credit. The seller's traded credit was already raised at
	// reservation time and is not touched again.
	Transfer(ctx context.Context, fromID, toID string, quantity decimal.Decimal) error

	Get(ctx context.Context, accountID string) (CreditAccount, error)
	GetAvailable(ctx context.Context, accountID string) (decimal.Decimal, error)
}

// WalletLedger is the sole authority over money balances.
type WalletLedger interface {
	// Debit fails with ErrInsufficientFunds when balance < amount and with
	// ErrInvalidAmount when amount is not positive.
	Debit(ctx context.Context, accountID string, amount decimal.Decimal) error

	// Credit adds amount to the account balance, creating the wallet if it
	// does not exist yet. Fails with ErrInvalidAmount when amount is not
	// positive.
	Credit(ctx context.Context, accountID string, amount decimal.Decimal) error

	GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
}

// ListingStore persists market listings.
type ListingStore interface {
	Create(ctx context.Context, l Listing) error
	GetByID(ctx context.Context, id string) (Listing, error)

	// UpdateStatus moves a listing to the given status only when its current
	// status is one of from; otherwise it returns ErrInvalidState.
	UpdateStatus(ctx context.Context, id string, from []ListingStatus, to ListingStatus) error

	// RecordBid stores a new highest bid on an open auction.
	RecordBid(ctx context.Context, id, bidder string, bid decimal.Decimal) error

	// Close moves a listing to the given status and returns the escrowed
	// quantity to the seller's available balance as one atomic unit. Both
	// effects commit or roll back together, so a failed release can never
	// leave the listing terminal with its escrow still held. A listing
	// outside the from states fails with ErrInvalidState and releases
	// nothing.
	Close(ctx context.Context, id string, from []ListingStatus, to ListingStatus) (Listing, error)

	ListOpen(ctx context.Context, opts ListOpts) ([]Listing, error)
	ListBySeller(ctx context.Context, sellerID string, opts ListOpts) ([]Listing, error)

	// ListDue returns open listings whose end time has passed, for the
	// expiry sweeper.
	ListDue(ctx context.Context, asOf time.Time, limit int) ([]Listing, error)

	// ListForfeited returns ended auctions whose only transactions are
	// terminal failures, so the escrow is still held with nobody left to
	// pay. The expiry sweeper retires these and returns the escrow.
	ListForfeited(ctx context.Context, limit int) ([]Listing, error)

	// OpenSupply sums the quantity across all open listings; a pricing
	// engine market signal.
	OpenSupply(ctx context.Context) (decimal.Decimal, error)
}

// TransactionStore persists purchase attempts.
type TransactionStore interface {
	// Create inserts a new pending transaction. At most one pending
	// transaction may exist per listing; a second insert fails with
	// ErrInvalidState.
	Create(ctx context.Context, t Transaction) error

	// CreateWinner inserts the pending transaction for an auction winner
	// and moves the listing from BIDDING to AUCTION_ENDED in the same
	// atomic unit, so a sweep pass can never mint a second winner
	// transaction. A listing that already left BIDDING fails with
	// ErrInvalidState and inserts nothing.
	CreateWinner(ctx context.Context, t Transaction) error

	GetByID(ctx context.Context, id string) (Transaction, error)
	SetPaymentURL(ctx context.Context, id, url string) error
	ListByBuyer(ctx context.Context, buyerID string, opts ListOpts) ([]Transaction, error)
	ListBySeller(ctx context.Context, sellerID string, opts ListOpts) ([]Transaction, error)

	// ListExpiredPending returns pending transactions created before the
	// cutoff, for the sweeper's payment-deadline pass.
	ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]Transaction, error)

	// TradedSince sums the credit quantity settled since the given time; a
	// pricing engine market signal.
	TradedSince(ctx context.Context, since time.Time) (decimal.Decimal, error)
}

// SettlementUnit executes the terminal transitions of a transaction as
// single atomic units of work. Each call locks the transaction row, verifies
// it is still pending, applies every ledger and listing effect of the
// transition, and commits or rolls back as a whole. A call against an
// already-terminal transaction returns ErrAlreadySettled and mutates nothing.
type SettlementUnit interface {
	// SettleWallet debits the buyer's wallet, credits the seller's wallet,
	// transfers the credit quantity to the buyer, marks the listing SOLD and
	// the transaction SUCCESS. An insufficient wallet balance aborts the
	// whole unit with ErrInsufficientFunds and zero side effects.
	SettleWallet(ctx context.Context, transactionID string) (Transaction, error)

	// SettleExternal applies a successful gateway outcome: credit transfer,
	// listing SOLD, transaction SUCCESS. The money moved at the gateway, so
	// neither wallet is touched.
	SettleExternal(ctx context.Context, transactionID, gatewayRef string) (Transaction, error)

	// FailExternal marks the transaction FAILED with no ledger mutation.
	FailExternal(ctx context.Context, transactionID, reason string) (Transaction, error)

	// Cancel moves a pending transaction to CANCELED. Only the buyer may
	// cancel, and nothing but the transaction row changes.
	Cancel(ctx context.Context, transactionID, buyerID string) (Transaction, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of ledger-affecting events.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
