package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridcarbon/creditmarket/internal/domain"
)

// SettlementService is the subset of the settlement service the handler needs.
type SettlementService interface {
	CreateTransaction(ctx context.Context, listingID, buyerID string, method domain.PaymentMethod) (domain.Transaction, error)
	Pay(ctx context.Context, transactionID, buyerID string) (domain.PaymentResult, error)
	Cancel(ctx context.Context, transactionID, buyerID string) (domain.Transaction, error)
	HandleGatewayCallback(ctx context.Context, outcome domain.GatewayOutcome) (domain.Transaction, error)
	GetTransaction(ctx context.Context, id string) (domain.Transaction, error)
	ListByBuyer(ctx context.Context, buyerID string, opts domain.ListOpts) ([]domain.Transaction, error)
	ListBySeller(ctx context.Context, sellerID string, opts domain.ListOpts) ([]domain.Transaction, error)
}

// CallbackVerifier checks the HMAC signature on gateway callback requests.
// Satisfied by crypto.GatewayAuth.
type CallbackVerifier interface {
	Verify(timestamp, method, path, body, signature string) bool
}

// SettlementHandler serves the transaction and payment endpoints.
type SettlementHandler struct {
	svc      SettlementService
	verifier CallbackVerifier
	logger   *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler. The verifier may be nil
// when no external gateway is configured; the callback endpoint then rejects
// all requests.
func NewSettlementHandler(svc SettlementService, verifier CallbackVerifier, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{
		svc:      svc,
		verifier: verifier,
		logger:   logHandler(logger, "settlement"),
	}
}

type createTransactionRequest struct {
	ListingID     string `json:"listing_id"`
	BuyerID       string `json:"buyer_id"`
	PaymentMethod string `json:"payment_method"`
}

type payRequest struct {
	BuyerID string `json:"buyer_id"`
}

type cancelRequest struct {
	BuyerID string `json:"buyer_id"`
}

// gatewayCallbackPayload is the JSON body the payment gateway posts to the
// callback endpoint after a payment attempt completes.
type gatewayCallbackPayload struct {
	MerchantRef string `json:"merchant_ref"`
	Status      string `json:"status"` // "succeeded" or "failed"
	Reference   string `json:"reference"`
	Amount      string `json:"amount"`
	Timestamp   string `json:"timestamp"` // RFC 3339
}

type transactionResponse struct {
	ID            string `json:"id"`
	ListingID     string `json:"listing_id"`
	BuyerID       string `json:"buyer_id"`
	SellerID      string `json:"seller_id"`
	Amount        string `json:"amount"`
	Credit        string `json:"credit"`
	Status        string `json:"status"`
	PaymentMethod string `json:"payment_method"`
	PaymentURL    string `json:"payment_url,omitempty"`
	GatewayRef    string `json:"gateway_ref,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	PaidAt        string `json:"paid_at,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func toTransactionResponse(t domain.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:            t.ID,
		ListingID:     t.ListingID,
		BuyerID:       t.BuyerID,
		SellerID:      t.SellerID,
		Amount:        t.Amount.String(),
		Credit:        t.Credit.String(),
		Status:        string(t.Status),
		PaymentMethod: string(t.PaymentMethod),
		PaymentURL:    t.PaymentURL,
		GatewayRef:    t.GatewayRef,
		FailureReason: t.FailureReason,
		CreatedAt:     t.CreatedAt.UTC().Format(time.RFC3339),
	}
	if t.PaidAt != nil {
		resp.PaidAt = t.PaidAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// Create starts a checkout for a listing.
// POST /api/transactions
func (h *SettlementHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ListingID == "" || req.BuyerID == "" {
		writeError(w, http.StatusBadRequest, "listing_id and buyer_id are required")
		return
	}

	txn, err := h.svc.CreateTransaction(r.Context(), req.ListingID, req.BuyerID, domain.PaymentMethod(req.PaymentMethod))
	if err != nil {
		h.logger.WarnContext(r.Context(), "checkout rejected",
			slog.String("listing_id", req.ListingID),
			slog.String("buyer_id", req.BuyerID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toTransactionResponse(txn))
}

// Pay executes payment for a pending transaction. Wallet payments settle
// inline; gateway payments return a payment URL for the buyer to complete.
// POST /api/transactions/{id}/pay
func (h *SettlementHandler) Pay(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req payRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BuyerID == "" {
		writeError(w, http.StatusBadRequest, "buyer_id is required")
		return
	}

	result, err := h.svc.Pay(r.Context(), id, req.BuyerID)
	if err != nil {
		// A populated result means the failure is reportable to the buyer
		// (insufficient funds, gateway timeout) rather than a plain error.
		if result.TransactionID == "" {
			writeDomainError(w, err)
			return
		}
		status := http.StatusUnprocessableEntity
		if errors.Is(err, domain.ErrGatewayTimeout) {
			status = http.StatusBadGateway
		}
		writePayResult(w, status, result)
		return
	}

	writePayResult(w, http.StatusOK, result)
}

func writePayResult(w http.ResponseWriter, status int, result domain.PaymentResult) {
	writeJSON(w, status, map[string]any{
		"success":        result.Success,
		"transaction_id": result.TransactionID,
		"status":         string(result.Status),
		"payment_url":    result.PaymentURL,
		"message":        result.Message,
		"should_retry":   result.ShouldRetry,
	})
}

// Cancel aborts a pending transaction.
// POST /api/transactions/{id}/cancel
func (h *SettlementHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BuyerID == "" {
		writeError(w, http.StatusBadRequest, "buyer_id is required")
		return
	}

	txn, err := h.svc.Cancel(r.Context(), id, req.BuyerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(txn))
}

// Get returns a single transaction by ID.
// GET /api/transactions/{id}
func (h *SettlementHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	txn, err := h.svc.GetTransaction(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(txn))
}

// List returns transactions filtered by buyer_id or seller_id.
// GET /api/transactions?buyer_id=&seller_id=&limit=&offset=
func (h *SettlementHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	q := r.URL.Query()

	var (
		txns []domain.Transaction
		err  error
	)
	switch {
	case q.Get("buyer_id") != "":
		txns, err = h.svc.ListByBuyer(r.Context(), q.Get("buyer_id"), opts)
	case q.Get("seller_id") != "":
		txns, err = h.svc.ListBySeller(r.Context(), q.Get("seller_id"), opts)
	default:
		writeError(w, http.StatusBadRequest, "buyer_id or seller_id is required")
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := make([]transactionResponse, 0, len(txns))
	for _, t := range txns {
		resp = append(resp, toTransactionResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": resp,
		"count":        len(resp),
	})
}

// GatewayCallback receives the payment gateway's signed webhook. The HMAC
// signature covers the raw request body, so the body is read before decoding.
// POST /api/payments/callback
func (h *SettlementHandler) GatewayCallback(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		writeError(w, http.StatusNotFound, "gateway not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read request body")
		return
	}

	timestamp := r.Header.Get("X-Timestamp")
	signature := r.Header.Get("X-Signature")
	if !h.verifier.Verify(timestamp, r.Method, r.URL.Path, string(body), signature) {
		h.logger.WarnContext(r.Context(), "rejected callback with bad signature",
			slog.String("remote_addr", r.RemoteAddr),
		)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload gatewayCallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid callback payload")
		return
	}
	if payload.MerchantRef == "" {
		writeError(w, http.StatusBadRequest, "merchant_ref is required")
		return
	}

	outcome := domain.GatewayOutcome{
		TransactionID: payload.MerchantRef,
		Success:       payload.Status == "succeeded",
		Reference:     payload.Reference,
	}
	if payload.Amount != "" {
		if outcome.Amount, err = decimal.NewFromString(payload.Amount); err != nil {
			writeError(w, http.StatusBadRequest, "invalid amount")
			return
		}
	}
	if payload.Timestamp != "" {
		if outcome.Timestamp, err = time.Parse(time.RFC3339, payload.Timestamp); err != nil {
			writeError(w, http.StatusBadRequest, "invalid timestamp")
			return
		}
	}

	txn, err := h.svc.HandleGatewayCallback(r.Context(), outcome)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(txn))
}
