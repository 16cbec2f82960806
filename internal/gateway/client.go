// Package gateway implements the REST client for the external payment
// provider used for non-wallet checkouts.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridcarbon/creditmarket/internal/crypto"
	"github.com/gridcarbon/creditmarket/internal/domain"
)

// Client is the REST client for the payment gateway API.
type Client struct {
	baseURL    string
	auth       crypto.GatewayAuth
	callback   string
	httpClient *http.Client
}

// ClientConfig holds payment gateway connection settings.
type ClientConfig struct {
	// BaseURL is the API root, e.g. "https://pay.example.com/api/v1".
	BaseURL string
	// MerchantID identifies this marketplace to the gateway.
	MerchantID string
	// Secret signs outgoing requests and verifies incoming callbacks.
	Secret string
	// CallbackURL is where the gateway posts payment outcomes.
	CallbackURL string
	// Timeout bounds each HTTP call. Defaults to 10s.
	Timeout time.Duration
}

// NewClient creates a new payment gateway REST client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		auth:     crypto.GatewayAuth{MerchantID: cfg.MerchantID, Secret: cfg.Secret},
		callback: cfg.CallbackURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Auth exposes the signing credentials so the webhook handler can verify
// inbound callback signatures with the same secret.
func (c *Client) Auth() crypto.GatewayAuth {
	return c.auth
}

type createPaymentRequest struct {
	MerchantRef string `json:"merchant_ref"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	CallbackURL string `json:"callback_url"`
}

type createPaymentResponse struct {
	PaymentURL string `json:"payment_url"`
	Reference  string `json:"reference"`
}

type gatewayErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreatePayment registers a pending payment with the gateway and returns the
// hosted payment URL the buyer must visit, plus the gateway's own reference.
//
// A timeout or cancelled context maps to domain.ErrGatewayTimeout so callers
// can mark the transaction retryable.
func (c *Client) CreatePayment(ctx context.Context, transactionID string, amount decimal.Decimal) (paymentURL, reference string, err error) {
	reqBody := createPaymentRequest{
		MerchantRef: transactionID,
		Amount:      amount.StringFixed(2),
		Currency:    "USD",
		CallbackURL: c.callback,
	}

	body, err := c.doSignedRequest(ctx, http.MethodPost, "/payments", reqBody)
	if err != nil {
		return "", "", fmt.Errorf("gateway: create payment: %w", err)
	}

	var resp createPaymentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", fmt.Errorf("gateway: decode payment response: %w", err)
	}
	if resp.PaymentURL == "" {
		return "", "", fmt.Errorf("gateway: payment response missing payment_url")
	}

	return resp.PaymentURL, resp.Reference, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doSignedRequest builds, signs (HMAC), sends, and reads an HTTP request
// against the gateway API.
func (c *Client) doSignedRequest(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var payload []byte
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		payload = jsonBody
		bodyReader = bytes.NewReader(jsonBody)
	}

	fullURL := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	for k, v := range c.auth.Headers(method, path, string(payload)) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, domain.ErrGatewayTimeout
		}
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := c.checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// checkStatus maps non-2xx HTTP status codes to appropriate errors.
func (c *Client) checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr gatewayErrorResponse
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusGatewayTimeout, http.StatusServiceUnavailable:
		return domain.ErrGatewayTimeout
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("gateway: unauthorized: %s (%s)", apiErr.Message, apiErr.Code)
	case http.StatusTooManyRequests:
		return fmt.Errorf("gateway: rate limited: %s (%s)", apiErr.Message, apiErr.Code)
	case http.StatusBadRequest:
		return fmt.Errorf("gateway: bad request: %s (%s)", apiErr.Message, apiErr.Code)
	default:
		return fmt.Errorf("gateway: HTTP %d: %s (%s)", statusCode, apiErr.Message, apiErr.Code)
	}
}
