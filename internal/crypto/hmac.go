// Package crypto provides HMAC request signing and encrypted-at-rest secret
// storage for the payment-gateway integration.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// GatewayAuth holds the credentials for HMAC-authenticated requests against
// the payment gateway API.
type GatewayAuth struct {
	MerchantID string // merchant identifier issued by the gateway
	Secret     string // shared signing secret
}

// Headers returns the HTTP headers for a signed gateway request. The
// signature is HMAC-SHA256(secret, timestamp+method+path+body) encoded as
// base64.
//
// Returned header keys:
//   - X-Merchant-Id
//   - X-Timestamp
//   - X-Signature
func (a *GatewayAuth) Headers(method, path, body string) map[string]string {
	ts := currentTimestamp()

	message := ts + method + path + body
	sig := hmacSHA256Base64([]byte(a.Secret), message)

	return map[string]string{
		"X-Merchant-Id": a.MerchantID,
		"X-Timestamp":   ts,
		"X-Signature":   sig,
	}
}

// Verify checks a signature produced by Headers for the given request parts.
// Gateway callbacks are verified upstream of the settlement engine, but the
// webhook handler re-checks when a signing secret is configured.
func (a *GatewayAuth) Verify(timestamp, method, path, body, signature string) bool {
	expected := hmacSHA256Base64([]byte(a.Secret), timestamp+method+path+body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func currentTimestamp() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}
