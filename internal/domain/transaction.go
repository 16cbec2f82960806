package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethod selects how a buyer pays for a transaction.
type PaymentMethod string

const (
	PaymentMethodWallet  PaymentMethod = "WALLET"
	PaymentMethodGateway PaymentMethod = "EXTERNAL_GATEWAY"
)

// TransactionStatus tracks a purchase attempt. SUCCESS, FAILED and CANCELED
// are terminal; no transition leaves a terminal state.
type TransactionStatus string

const (
	TransactionStatusPendingPayment TransactionStatus = "PENDING_PAYMENT"
	TransactionStatusSuccess        TransactionStatus = "SUCCESS"
	TransactionStatusFailed         TransactionStatus = "FAILED"
	TransactionStatusCanceled       TransactionStatus = "CANCELED"
)

// Terminal reports whether the status permits no further transitions.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionStatusSuccess ||
		s == TransactionStatusFailed ||
		s == TransactionStatusCanceled
}

// Transaction is one purchase attempt against a listing. A failed or canceled
// transaction is never retried in place; retrying means creating a new one.
type Transaction struct {
	ID            string
	ListingID     string
	BuyerID       string
	SellerID      string
	Amount        decimal.Decimal // money
	Credit        decimal.Decimal // credit quantity
	Status        TransactionStatus
	PaymentMethod PaymentMethod
	PaymentURL    string
	GatewayRef    string
	FailureReason string
	PaidAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PaymentResult wraps the outcome of a Pay call back to the API layer.
type PaymentResult struct {
	Success       bool
	TransactionID string
	Status        TransactionStatus
	PaymentURL    string
	Message       string
	ShouldRetry   bool
}

// GatewayOutcome is the decoded, already signature-verified payload of a
// payment-gateway callback.
type GatewayOutcome struct {
	TransactionID string
	Success       bool
	Reference     string
	Amount        decimal.Decimal
	Timestamp     time.Time
}
