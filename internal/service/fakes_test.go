package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridcarbon/creditmarket/internal/domain"
)

// In-memory fakes for the domain interfaces. None of them are safe for
// concurrent use; the tests are single-goroutine.

type fakeCreditLedger struct {
	accounts   map[string]domain.CreditAccount
	reserveErr error
	releases   []decimal.Decimal
}

func newFakeCreditLedger() *fakeCreditLedger {
	return &fakeCreditLedger{accounts: map[string]domain.CreditAccount{}}
}

func (f *fakeCreditLedger) Reserve(_ context.Context, accountID string, quantity decimal.Decimal) error {
	if f.reserveErr != nil {
		return f.reserveErr
	}
	a, ok := f.accounts[accountID]
	if !ok {
		return domain.ErrNotFound
	}
	if a.Available().LessThan(quantity) {
		return domain.ErrInsufficientCredit
	}
	a.TradedCredit = a.TradedCredit.Add(quantity)
	f.accounts[accountID] = a
	return nil
}

func (f *fakeCreditLedger) Release(_ context.Context, accountID string, quantity decimal.Decimal) error {
	a, ok := f.accounts[accountID]
	if !ok {
		return domain.ErrNotFound
	}
	if a.TradedCredit.LessThan(quantity) {
		return domain.ErrInvalidState
	}
	a.TradedCredit = a.TradedCredit.Sub(quantity)
	f.accounts[accountID] = a
	f.releases = append(f.releases, quantity)
	return nil
}

func (f *fakeCreditLedger) Transfer(_ context.Context, fromID, toID string, quantity decimal.Decimal) error {
	to := f.accounts[toID]
	to.AccountID = toID
	to.TotalCredit = to.TotalCredit.Add(quantity)
	f.accounts[toID] = to
	return nil
}

func (f *fakeCreditLedger) Get(_ context.Context, accountID string) (domain.CreditAccount, error) {
	a, ok := f.accounts[accountID]
	if !ok {
		return domain.CreditAccount{}, domain.ErrNotFound
	}
	return a, nil
}

func (f *fakeCreditLedger) GetAvailable(ctx context.Context, accountID string) (decimal.Decimal, error) {
	a, err := f.Get(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Available(), nil
}

type fakeWalletLedger struct {
	balances map[string]decimal.Decimal
}

func newFakeWalletLedger() *fakeWalletLedger {
	return &fakeWalletLedger{balances: map[string]decimal.Decimal{}}
}

func (f *fakeWalletLedger) Debit(_ context.Context, accountID string, amount decimal.Decimal) error {
	b, ok := f.balances[accountID]
	if !ok {
		return domain.ErrNotFound
	}
	if b.LessThan(amount) {
		return domain.ErrInsufficientFunds
	}
	f.balances[accountID] = b.Sub(amount)
	return nil
}

func (f *fakeWalletLedger) Credit(_ context.Context, accountID string, amount decimal.Decimal) error {
	f.balances[accountID] = f.balances[accountID].Add(amount)
	return nil
}

func (f *fakeWalletLedger) GetBalance(_ context.Context, accountID string) (decimal.Decimal, error) {
	b, ok := f.balances[accountID]
	if !ok {
		return decimal.Zero, domain.ErrNotFound
	}
	return b, nil
}

type fakeListingStore struct {
	listings  map[string]domain.Listing
	credits   *fakeCreditLedger
	createErr error
	closeErr  error
	supply    decimal.Decimal
	due       []domain.Listing
	forfeited []domain.Listing
}

func newFakeListingStore() *fakeListingStore {
	return &fakeListingStore{listings: map[string]domain.Listing{}}
}

func (f *fakeListingStore) Create(_ context.Context, l domain.Listing) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.listings[l.ID] = l
	return nil
}

func (f *fakeListingStore) GetByID(_ context.Context, id string) (domain.Listing, error) {
	l, ok := f.listings[id]
	if !ok {
		return domain.Listing{}, domain.ErrNotFound
	}
	return l, nil
}

func (f *fakeListingStore) UpdateStatus(_ context.Context, id string, from []domain.ListingStatus, to domain.ListingStatus) error {
	l, ok := f.listings[id]
	if !ok {
		return domain.ErrNotFound
	}
	for _, s := range from {
		if l.Status == s {
			l.Status = to
			f.listings[id] = l
			return nil
		}
	}
	return domain.ErrInvalidState
}

func (f *fakeListingStore) RecordBid(_ context.Context, id, bidder string, bid decimal.Decimal) error {
	l, ok := f.listings[id]
	if !ok {
		return domain.ErrNotFound
	}
	if l.Type != domain.ListingTypeAuction || l.Status != domain.ListingStatusBidding {
		return domain.ErrInvalidState
	}
	if bid.LessThan(l.StartingPrice) || bid.LessThanOrEqual(l.HighestBid) {
		return domain.ErrInvalidAmount
	}
	l.HighestBid = bid
	l.HighestBidder = bidder
	f.listings[id] = l
	return nil
}

// Close mirrors the atomic unit of the real store: on any failure neither the
// status nor the escrow changes.
func (f *fakeListingStore) Close(ctx context.Context, id string, from []domain.ListingStatus, to domain.ListingStatus) (domain.Listing, error) {
	if f.closeErr != nil {
		return domain.Listing{}, f.closeErr
	}
	l, ok := f.listings[id]
	if !ok {
		return domain.Listing{}, domain.ErrNotFound
	}
	match := false
	for _, st := range from {
		if l.Status == st {
			match = true
			break
		}
	}
	if !match {
		return domain.Listing{}, domain.ErrInvalidState
	}
	if f.credits != nil {
		if err := f.credits.Release(ctx, l.SellerID, l.Quantity); err != nil {
			return domain.Listing{}, err
		}
	}
	l.Status = to
	f.listings[id] = l
	return l, nil
}

func (f *fakeListingStore) ListForfeited(_ context.Context, _ int) ([]domain.Listing, error) {
	return f.forfeited, nil
}

func (f *fakeListingStore) ListOpen(_ context.Context, _ domain.ListOpts) ([]domain.Listing, error) {
	var out []domain.Listing
	for _, l := range f.listings {
		if l.Status.Open() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeListingStore) ListBySeller(_ context.Context, sellerID string, _ domain.ListOpts) ([]domain.Listing, error) {
	var out []domain.Listing
	for _, l := range f.listings {
		if l.SellerID == sellerID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeListingStore) ListDue(_ context.Context, _ time.Time, _ int) ([]domain.Listing, error) {
	return f.due, nil
}

func (f *fakeListingStore) OpenSupply(_ context.Context) (decimal.Decimal, error) {
	return f.supply, nil
}

type fakeTransactionStore struct {
	txns      map[string]domain.Transaction
	listings  *fakeListingStore
	createErr error
	urls      map[string]string
	traded    decimal.Decimal
}

func newFakeTransactionStore() *fakeTransactionStore {
	return &fakeTransactionStore{
		txns: map[string]domain.Transaction{},
		urls: map[string]string{},
	}
}

func (f *fakeTransactionStore) Create(_ context.Context, t domain.Transaction) error {
	if f.createErr != nil {
		return f.createErr
	}
	for _, existing := range f.txns {
		if existing.ListingID == t.ListingID && existing.Status == domain.TransactionStatusPendingPayment {
			return domain.ErrInvalidState
		}
	}
	f.txns[t.ID] = t
	return nil
}

func (f *fakeTransactionStore) CreateWinner(ctx context.Context, t domain.Transaction) error {
	if f.listings != nil {
		if err := f.listings.UpdateStatus(ctx, t.ListingID,
			[]domain.ListingStatus{domain.ListingStatusBidding},
			domain.ListingStatusAuctionEnded,
		); err != nil {
			return err
		}
	}
	return f.Create(ctx, t)
}

func (f *fakeTransactionStore) ListExpiredPending(_ context.Context, before time.Time, _ int) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, t := range f.txns {
		if t.Status == domain.TransactionStatusPendingPayment && t.CreatedAt.Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTransactionStore) GetByID(_ context.Context, id string) (domain.Transaction, error) {
	t, ok := f.txns[id]
	if !ok {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return t, nil
}

func (f *fakeTransactionStore) SetPaymentURL(_ context.Context, id, url string) error {
	t, ok := f.txns[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.PaymentURL = url
	f.txns[id] = t
	f.urls[id] = url
	return nil
}

func (f *fakeTransactionStore) ListByBuyer(_ context.Context, buyerID string, _ domain.ListOpts) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, t := range f.txns {
		if t.BuyerID == buyerID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTransactionStore) ListBySeller(_ context.Context, sellerID string, _ domain.ListOpts) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, t := range f.txns {
		if t.SellerID == sellerID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTransactionStore) TradedSince(_ context.Context, _ time.Time) (decimal.Decimal, error) {
	return f.traded, nil
}

// fakeSettlementUnit replays the terminal transitions against the fake stores
// so service tests observe the same post-conditions the SQL unit produces.
type fakeSettlementUnit struct {
	txns     *fakeTransactionStore
	listings *fakeListingStore
	credits  *fakeCreditLedger
	wallets  *fakeWalletLedger
}

func (f *fakeSettlementUnit) load(id string) (domain.Transaction, error) {
	t, ok := f.txns.txns[id]
	if !ok {
		return domain.Transaction{}, domain.ErrNotFound
	}
	if t.Status.Terminal() {
		return t, domain.ErrAlreadySettled
	}
	return t, nil
}

func (f *fakeSettlementUnit) store(t domain.Transaction) domain.Transaction {
	f.txns.txns[t.ID] = t
	return t
}

func (f *fakeSettlementUnit) SettleWallet(ctx context.Context, transactionID string) (domain.Transaction, error) {
	t, err := f.load(transactionID)
	if err != nil {
		return t, err
	}
	if err := f.wallets.Debit(ctx, t.BuyerID, t.Amount); err != nil {
		return domain.Transaction{}, err
	}
	_ = f.wallets.Credit(ctx, t.SellerID, t.Amount)
	return f.complete(ctx, t)
}

func (f *fakeSettlementUnit) SettleExternal(ctx context.Context, transactionID, gatewayRef string) (domain.Transaction, error) {
	t, err := f.load(transactionID)
	if err != nil {
		return t, err
	}
	t.GatewayRef = gatewayRef
	return f.complete(ctx, t)
}

func (f *fakeSettlementUnit) complete(ctx context.Context, t domain.Transaction) (domain.Transaction, error) {
	if err := f.credits.Transfer(ctx, t.SellerID, t.BuyerID, t.Credit); err != nil {
		return domain.Transaction{}, err
	}
	open := []domain.ListingStatus{
		domain.ListingStatusActive,
		domain.ListingStatusBidding,
		domain.ListingStatusAuctionEnded,
	}
	if err := f.listings.UpdateStatus(ctx, t.ListingID, open, domain.ListingStatusSold); err != nil {
		return domain.Transaction{}, err
	}
	now := time.Now().UTC()
	t.Status = domain.TransactionStatusSuccess
	t.PaidAt = &now
	return f.store(t), nil
}

func (f *fakeSettlementUnit) FailExternal(_ context.Context, transactionID, reason string) (domain.Transaction, error) {
	t, err := f.load(transactionID)
	if err != nil {
		return t, err
	}
	t.Status = domain.TransactionStatusFailed
	t.FailureReason = reason
	return f.store(t), nil
}

func (f *fakeSettlementUnit) Cancel(_ context.Context, transactionID, buyerID string) (domain.Transaction, error) {
	t, err := f.load(transactionID)
	if err != nil {
		return t, err
	}
	if t.BuyerID != buyerID {
		return domain.Transaction{}, domain.ErrNotFound
	}
	t.Status = domain.TransactionStatusCanceled
	return f.store(t), nil
}

type fakeBalanceCache struct {
	credits     map[string]domain.CreditAccount
	wallets     map[string]domain.Wallet
	invalidated []string
}

func newFakeBalanceCache() *fakeBalanceCache {
	return &fakeBalanceCache{
		credits: map[string]domain.CreditAccount{},
		wallets: map[string]domain.Wallet{},
	}
}

func (f *fakeBalanceCache) GetCredit(_ context.Context, accountID string) (domain.CreditAccount, error) {
	a, ok := f.credits[accountID]
	if !ok {
		return domain.CreditAccount{}, domain.ErrNotFound
	}
	return a, nil
}

func (f *fakeBalanceCache) SetCredit(_ context.Context, a domain.CreditAccount) error {
	f.credits[a.AccountID] = a
	return nil
}

func (f *fakeBalanceCache) GetWallet(_ context.Context, accountID string) (domain.Wallet, error) {
	w, ok := f.wallets[accountID]
	if !ok {
		return domain.Wallet{}, domain.ErrNotFound
	}
	return w, nil
}

func (f *fakeBalanceCache) SetWallet(_ context.Context, w domain.Wallet) error {
	f.wallets[w.AccountID] = w
	return nil
}

func (f *fakeBalanceCache) Invalidate(_ context.Context, accountIDs ...string) error {
	for _, id := range accountIDs {
		delete(f.credits, id)
		delete(f.wallets, id)
	}
	f.invalidated = append(f.invalidated, accountIDs...)
	return nil
}

type fakePriceCache struct {
	trades []decimal.Decimal
	trend  decimal.Decimal
}

func (f *fakePriceCache) RecordTrade(_ context.Context, unitPrice decimal.Decimal, _ time.Time) error {
	f.trades = append(f.trades, unitPrice)
	return nil
}

func (f *fakePriceCache) Trend24h(_ context.Context) (decimal.Decimal, error) {
	return f.trend, nil
}

type fakeRateLimiter struct {
	denied bool
	keys   []string
}

func (f *fakeRateLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	f.keys = append(f.keys, key)
	return !f.denied, nil
}

type fakeLockManager struct {
	held     bool
	unlocked int
}

func (f *fakeLockManager) Acquire(_ context.Context, _ string, _ time.Duration) (func(), error) {
	if f.held {
		return nil, domain.ErrLockHeld
	}
	return func() { f.unlocked++ }, nil
}

type busEvent struct {
	channel string
	payload []byte
}

type fakeSignalBus struct {
	events []busEvent
}

func (f *fakeSignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	f.events = append(f.events, busEvent{channel: channel, payload: payload})
	return nil
}

func (f *fakeSignalBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

type auditRecord struct {
	event  string
	detail map[string]any
}

type fakeAuditStore struct {
	records []auditRecord
}

func (f *fakeAuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	f.records = append(f.records, auditRecord{event: event, detail: detail})
	return nil
}

func (f *fakeAuditStore) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (f *fakeAuditStore) has(event string) bool {
	for _, r := range f.records {
		if r.event == event {
			return true
		}
	}
	return false
}

type fakeGateway struct {
	url string
	ref string
	err error
}

func (f *fakeGateway) CreatePayment(_ context.Context, _ string, _ decimal.Decimal) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	return f.url, f.ref, nil
}

type fakeNotifier struct {
	events []string
}

func (f *fakeNotifier) Notify(_ context.Context, event, _, _ string) error {
	f.events = append(f.events, event)
	return nil
}
