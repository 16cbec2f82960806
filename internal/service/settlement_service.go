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

// PaymentCreator registers a pending payment with the external gateway and
// returns the hosted payment URL plus the gateway's reference.
type PaymentCreator interface {
	CreatePayment(ctx context.Context, transactionID string, amount decimal.Decimal) (paymentURL, reference string, err error)
}

// EventNotifier pushes operator notifications for settlement outcomes.
type EventNotifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// SettlementService drives a transaction from checkout to a terminal state.
// All ledger effects of a terminal transition run inside a single settlement
// unit; this service adds the policy around it (who may pay, how gateway
// outcomes map to transitions) and the side channels (cache invalidation,
// trade prices, events, notifications).
type SettlementService struct {
	listings     domain.ListingStore
	transactions domain.TransactionStore
	settle       domain.SettlementUnit
	balances     domain.BalanceCache
	prices       domain.PriceCache
	limiter      domain.RateLimiter
	bus          domain.SignalBus
	audit        domain.AuditStore
	gateway      PaymentCreator
	notifier     EventNotifier
	logger       *slog.Logger
}

// NewSettlementService creates a SettlementService with all required
// dependencies.
func NewSettlementService(
	listings domain.ListingStore,
	transactions domain.TransactionStore,
	settle domain.SettlementUnit,
	balances domain.BalanceCache,
	prices domain.PriceCache,
	limiter domain.RateLimiter,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *SettlementService {
	return &SettlementService{
		listings:     listings,
		transactions: transactions,
		settle:       settle,
		balances:     balances,
		prices:       prices,
		limiter:      limiter,
		bus:          bus,
		audit:        audit,
		logger:       logger,
	}
}

// WithGateway attaches the external payment gateway client. Without it,
// EXTERNAL_GATEWAY checkouts are rejected with ErrInvalidState.
func (s *SettlementService) WithGateway(g PaymentCreator) *SettlementService {
	s.gateway = g
	return s
}

// WithNotifier attaches an operator notification channel for settlement
// outcomes.
func (s *SettlementService) WithNotifier(n EventNotifier) *SettlementService {
	s.notifier = n
	return s
}

// CreateTransaction opens a pending purchase attempt against an open listing.
// The buyer cannot be the seller, the listing must still be open and inside
// its term, and at most one pending transaction may exist per listing.
func (s *SettlementService) CreateTransaction(ctx context.Context, listingID, buyerID string, method domain.PaymentMethod) (domain.Transaction, error) {
	allowed, err := s.limiter.Allow(ctx, "checkout:"+buyerID, 10, time.Minute)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("settlement_service: rate limiter: %w", err)
	}
	if !allowed {
		return domain.Transaction{}, domain.ErrRateLimited
	}

	if method != domain.PaymentMethodWallet && method != domain.PaymentMethodGateway {
		return domain.Transaction{}, domain.ErrInvalidState
	}

	l, err := s.listings.GetByID(ctx, listingID)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("settlement_service: get listing %q: %w", listingID, err)
	}

	now := time.Now().UTC()
	if !l.Status.Open() || now.After(l.EndTime) {
		return domain.Transaction{}, domain.ErrInvalidState
	}
	if l.SellerID == buyerID {
		return domain.Transaction{}, domain.ErrInvalidState
	}
	// Running auctions settle through the sweeper when the window closes.
	if l.Type == domain.ListingTypeAuction {
		return domain.Transaction{}, domain.ErrInvalidState
	}

	txn := domain.Transaction{
		ID:            uuid.NewString(),
		ListingID:     l.ID,
		BuyerID:       buyerID,
		SellerID:      l.SellerID,
		Amount:        l.UnitPrice().Mul(l.Quantity),
		Credit:        l.Quantity,
		Status:        domain.TransactionStatusPendingPayment,
		PaymentMethod: method,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.transactions.Create(ctx, txn); err != nil {
		return domain.Transaction{}, fmt.Errorf("settlement_service: create transaction: %w", err)
	}

	s.auditlog(ctx, "transaction_created", map[string]any{
		"transaction_id": txn.ID,
		"listing_id":     txn.ListingID,
		"buyer_id":       txn.BuyerID,
		"amount":         txn.Amount.String(),
		"method":         string(method),
	})

	s.logger.InfoContext(ctx, "settlement_service: transaction created",
		slog.String("transaction_id", txn.ID),
		slog.String("listing_id", txn.ListingID),
		slog.String("method", string(method)),
	)

	return txn, nil
}

// CreateWinnerTransaction opens the settlement transaction for the winning
// bidder of a closed auction and moves the listing to AUCTION_ENDED in the
// same step, so repeat sweeps find nothing left to do. Called by the expiry
// sweeper; skips the listing-open checks that ordinary checkouts need.
func (s *SettlementService) CreateWinnerTransaction(ctx context.Context, l domain.Listing) (domain.Transaction, error) {
	if l.Type != domain.ListingTypeAuction || l.HighestBidder == "" || !l.HighestBid.IsPositive() {
		return domain.Transaction{}, domain.ErrInvalidState
	}

	now := time.Now().UTC()
	txn := domain.Transaction{
		ID:            uuid.NewString(),
		ListingID:     l.ID,
		BuyerID:       l.HighestBidder,
		SellerID:      l.SellerID,
		Amount:        l.HighestBid.Mul(l.Quantity),
		Credit:        l.Quantity,
		Status:        domain.TransactionStatusPendingPayment,
		PaymentMethod: domain.PaymentMethodWallet,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.transactions.CreateWinner(ctx, txn); err != nil {
		return domain.Transaction{}, fmt.Errorf("settlement_service: create winner transaction: %w", err)
	}

	s.auditlog(ctx, "auction_won", map[string]any{
		"transaction_id": txn.ID,
		"listing_id":     l.ID,
		"buyer_id":       txn.BuyerID,
		"amount":         txn.Amount.String(),
	})

	return txn, nil
}

// Pay executes the buyer's payment for a pending transaction.
//
// WALLET runs the full atomic settlement: wallet debit and credit, credit
// transfer, listing SOLD, transaction SUCCESS. EXTERNAL_GATEWAY registers the
// payment with the gateway and returns its hosted URL; the ledgers stay
// untouched until the callback arrives.
func (s *SettlementService) Pay(ctx context.Context, transactionID, buyerID string) (domain.PaymentResult, error) {
	txn, err := s.transactions.GetByID(ctx, transactionID)
	if err != nil {
		return domain.PaymentResult{}, fmt.Errorf("settlement_service: get transaction %q: %w", transactionID, err)
	}
	if txn.BuyerID != buyerID {
		return domain.PaymentResult{}, domain.ErrNotFound
	}
	if txn.Status.Terminal() {
		return domain.PaymentResult{}, domain.ErrInvalidState
	}

	switch txn.PaymentMethod {
	case domain.PaymentMethodWallet:
		return s.payWallet(ctx, txn)
	case domain.PaymentMethodGateway:
		return s.payGateway(ctx, txn)
	default:
		return domain.PaymentResult{}, domain.ErrInvalidState
	}
}

func (s *SettlementService) payWallet(ctx context.Context, txn domain.Transaction) (domain.PaymentResult, error) {
	settled, err := s.settle.SettleWallet(ctx, txn.ID)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			// The transaction stays pending; the buyer can top up and
			// retry or switch to the gateway.
			return domain.PaymentResult{
				Success:       false,
				TransactionID: txn.ID,
				Status:        txn.Status,
				Message:       "insufficient wallet balance",
				ShouldRetry:   true,
			}, domain.ErrInsufficientFunds
		}
		if errors.Is(err, domain.ErrAlreadySettled) {
			return domain.PaymentResult{}, domain.ErrInvalidState
		}
		return domain.PaymentResult{}, fmt.Errorf("settlement_service: settle wallet: %w", err)
	}

	s.afterSettlement(ctx, settled, true)

	return domain.PaymentResult{
		Success:       true,
		TransactionID: settled.ID,
		Status:        settled.Status,
		Message:       "payment complete",
	}, nil
}

func (s *SettlementService) payGateway(ctx context.Context, txn domain.Transaction) (domain.PaymentResult, error) {
	if s.gateway == nil {
		return domain.PaymentResult{}, domain.ErrInvalidState
	}

	url, ref, err := s.gateway.CreatePayment(ctx, txn.ID, txn.Amount)
	if err != nil {
		if errors.Is(err, domain.ErrGatewayTimeout) {
			// The transaction stays PENDING_PAYMENT so the buyer can
			// retry once the gateway recovers.
			s.auditlog(ctx, "gateway_timeout", map[string]any{
				"transaction_id": txn.ID,
			})
			return domain.PaymentResult{
				Success:       false,
				TransactionID: txn.ID,
				Status:        txn.Status,
				Message:       "payment gateway timed out",
				ShouldRetry:   true,
			}, domain.ErrGatewayTimeout
		}
		return domain.PaymentResult{}, fmt.Errorf("settlement_service: create gateway payment: %w", err)
	}

	txn.GatewayRef = ref
	if err := s.transactions.SetPaymentURL(ctx, txn.ID, url); err != nil {
		return domain.PaymentResult{}, fmt.Errorf("settlement_service: store payment url: %w", err)
	}

	s.logger.InfoContext(ctx, "settlement_service: gateway payment created",
		slog.String("transaction_id", txn.ID),
		slog.String("gateway_ref", ref),
	)

	return domain.PaymentResult{
		Success:       true,
		TransactionID: txn.ID,
		Status:        domain.TransactionStatusPendingPayment,
		PaymentURL:    url,
		Message:       "complete payment at the gateway",
	}, nil
}

// HandleGatewayCallback applies a verified gateway outcome to its pending
// transaction. Duplicate callbacks for an already-terminal transaction are a
// no-op returning the stored transaction.
func (s *SettlementService) HandleGatewayCallback(ctx context.Context, outcome domain.GatewayOutcome) (domain.Transaction, error) {
	var (
		txn domain.Transaction
		err error
	)
	if outcome.Success {
		txn, err = s.settle.SettleExternal(ctx, outcome.TransactionID, outcome.Reference)
	} else {
		txn, err = s.settle.FailExternal(ctx, outcome.TransactionID, "declined by gateway")
	}
	if err != nil {
		if errors.Is(err, domain.ErrAlreadySettled) {
			s.logger.InfoContext(ctx, "settlement_service: duplicate gateway callback ignored",
				slog.String("transaction_id", outcome.TransactionID),
				slog.String("status", string(txn.Status)),
			)
			return txn, nil
		}
		return domain.Transaction{}, fmt.Errorf("settlement_service: gateway callback: %w", err)
	}

	if outcome.Success {
		s.afterSettlement(ctx, txn, false)
	} else {
		s.publishEvent(ctx, "settlements", map[string]string{
			"event":          "payment_failed",
			"transaction_id": txn.ID,
			"listing_id":     txn.ListingID,
		})
		s.auditlog(ctx, "payment_failed", map[string]any{
			"transaction_id": txn.ID,
			"reason":         txn.FailureReason,
		})
		s.notify(ctx, "payment_failed", "Payment failed",
			fmt.Sprintf("transaction %s failed at the gateway", txn.ID))
	}

	return txn, nil
}

// ExpirePayment fails a pending transaction whose payment window has passed.
// Called by the expiry sweeper; ledgers stay untouched, and an ended
// auction's escrow comes back separately when the listing is forfeited. A
// transaction that reached a terminal state in the meantime is left alone.
func (s *SettlementService) ExpirePayment(ctx context.Context, txn domain.Transaction) error {
	failed, err := s.settle.FailExternal(ctx, txn.ID, "payment deadline passed")
	if err != nil {
		if errors.Is(err, domain.ErrAlreadySettled) {
			return nil
		}
		return fmt.Errorf("settlement_service: expire payment %q: %w", txn.ID, err)
	}

	s.publishEvent(ctx, "settlements", map[string]string{
		"event":          "payment_expired",
		"transaction_id": failed.ID,
		"listing_id":     failed.ListingID,
	})
	s.auditlog(ctx, "payment_expired", map[string]any{
		"transaction_id": failed.ID,
		"buyer_id":       failed.BuyerID,
	})

	s.logger.InfoContext(ctx, "settlement_service: pending payment expired",
		slog.String("transaction_id", failed.ID),
		slog.String("listing_id", failed.ListingID),
	)

	return nil
}

// Cancel abandons a pending transaction. Only the buyer may cancel, only from
// PENDING_PAYMENT, and nothing but the transaction row changes.
func (s *SettlementService) Cancel(ctx context.Context, transactionID, buyerID string) (domain.Transaction, error) {
	txn, err := s.settle.Cancel(ctx, transactionID, buyerID)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadySettled) {
			return domain.Transaction{}, domain.ErrInvalidState
		}
		return domain.Transaction{}, fmt.Errorf("settlement_service: cancel %q: %w", transactionID, err)
	}

	s.publishEvent(ctx, "settlements", map[string]string{
		"event":          "transaction_canceled",
		"transaction_id": txn.ID,
		"listing_id":     txn.ListingID,
	})
	s.auditlog(ctx, "transaction_canceled", map[string]any{
		"transaction_id": txn.ID,
		"buyer_id":       buyerID,
	})

	s.logger.InfoContext(ctx, "settlement_service: transaction canceled",
		slog.String("transaction_id", txn.ID),
	)

	return txn, nil
}

// GetTransaction retrieves a single transaction by its ID.
func (s *SettlementService) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	txn, err := s.transactions.GetByID(ctx, id)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("settlement_service: get transaction %q: %w", id, err)
	}
	return txn, nil
}

// ListByBuyer returns a buyer's transactions with pagination.
func (s *SettlementService) ListByBuyer(ctx context.Context, buyerID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	txns, err := s.transactions.ListByBuyer(ctx, buyerID, opts)
	if err != nil {
		return nil, fmt.Errorf("settlement_service: list by buyer %q: %w", buyerID, err)
	}
	return txns, nil
}

// ListBySeller returns a seller's transactions with pagination.
func (s *SettlementService) ListBySeller(ctx context.Context, sellerID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	txns, err := s.transactions.ListBySeller(ctx, sellerID, opts)
	if err != nil {
		return nil, fmt.Errorf("settlement_service: list by seller %q: %w", sellerID, err)
	}
	return txns, nil
}

// afterSettlement runs the side channels of a successful settlement: cache
// invalidation for both parties, the trade-price sample feeding the pricing
// trend, the settlement event, the audit row, and the operator notification.
// walletMoved distinguishes the WALLET path, where both wallets changed, from
// a gateway settlement where only credit moved.
func (s *SettlementService) afterSettlement(ctx context.Context, txn domain.Transaction, walletMoved bool) {
	if err := s.balances.Invalidate(ctx, txn.BuyerID, txn.SellerID); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: cache invalidate failed",
			slog.String("transaction_id", txn.ID),
			slog.String("error", err.Error()),
		)
	}

	if txn.Credit.IsPositive() {
		unitPrice := txn.Amount.Div(txn.Credit)
		at := time.Now().UTC()
		if txn.PaidAt != nil {
			at = *txn.PaidAt
		}
		if err := s.prices.RecordTrade(ctx, unitPrice, at); err != nil {
			s.logger.WarnContext(ctx, "settlement_service: record trade price failed",
				slog.String("transaction_id", txn.ID),
				slog.String("error", err.Error()),
			)
		}
		s.publishEvent(ctx, "prices", map[string]string{
			"event":      "trade_settled",
			"unit_price": unitPrice.String(),
			"quantity":   txn.Credit.String(),
		})
	}

	s.publishEvent(ctx, "settlements", map[string]string{
		"event":          "transaction_settled",
		"transaction_id": txn.ID,
		"listing_id":     txn.ListingID,
		"buyer_id":       txn.BuyerID,
		"seller_id":      txn.SellerID,
		"amount":         txn.Amount.String(),
		"method":         string(txn.PaymentMethod),
	})
	s.auditlog(ctx, "transaction_settled", map[string]any{
		"transaction_id": txn.ID,
		"listing_id":     txn.ListingID,
		"buyer_id":       txn.BuyerID,
		"seller_id":      txn.SellerID,
		"amount":         txn.Amount.String(),
		"credit":         txn.Credit.String(),
		"wallet_moved":   walletMoved,
	})
	s.notify(ctx, "transaction_settled", "Trade settled",
		fmt.Sprintf("transaction %s settled for %s", txn.ID, txn.Amount.StringFixed(2)))

	s.logger.InfoContext(ctx, "settlement_service: transaction settled",
		slog.String("transaction_id", txn.ID),
		slog.String("listing_id", txn.ListingID),
		slog.String("amount", txn.Amount.String()),
	)
}

func (s *SettlementService) publishEvent(ctx context.Context, channel string, fields map[string]string) {
	evt, _ := json.Marshal(fields)
	if err := s.bus.Publish(ctx, channel, evt); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func (s *SettlementService) auditlog(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *SettlementService) notify(ctx context.Context, event, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
