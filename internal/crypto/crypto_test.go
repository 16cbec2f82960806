package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptSecret("merchant-secret-abc123", "correct horse battery staple")
	if err != nil {
		t.Fatalf("EncryptSecret: %v", err)
	}

	got, err := DecryptSecret(blob, "correct horse battery staple")
	if err != nil {
		t.Fatalf("DecryptSecret: %v", err)
	}
	if got != "merchant-secret-abc123" {
		t.Fatalf("got %q, want %q", got, "merchant-secret-abc123")
	}
}

func TestDecryptWrongPassword(t *testing.T) {
	blob, err := EncryptSecret("merchant-secret-abc123", "password-one")
	if err != nil {
		t.Fatalf("EncryptSecret: %v", err)
	}

	if _, err := DecryptSecret(blob, "password-two"); err == nil {
		t.Fatal("expected error with wrong password, got nil")
	}
}

func TestEncryptSecretValidation(t *testing.T) {
	if _, err := EncryptSecret("", "pw"); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := EncryptSecret("s", ""); err == nil {
		t.Fatal("expected error for empty password")
	}
}

func TestLoadSecret(t *testing.T) {
	t.Run("raw secret wins", func(t *testing.T) {
		got, err := LoadSecret(SecretConfig{RawSecret: "raw"})
		if err != nil {
			t.Fatalf("LoadSecret: %v", err)
		}
		if got != "raw" {
			t.Fatalf("got %q, want raw", got)
		}
	})

	t.Run("encrypted file", func(t *testing.T) {
		blob, err := EncryptSecret("file-secret", "pw")
		if err != nil {
			t.Fatalf("EncryptSecret: %v", err)
		}
		path := filepath.Join(t.TempDir(), "secret.json")
		if err := os.WriteFile(path, blob, 0o600); err != nil {
			t.Fatalf("writing temp file: %v", err)
		}

		got, err := LoadSecret(SecretConfig{EncryptedSecretPath: path, Password: "pw"})
		if err != nil {
			t.Fatalf("LoadSecret: %v", err)
		}
		if got != "file-secret" {
			t.Fatalf("got %q, want file-secret", got)
		}
	})

	t.Run("no source", func(t *testing.T) {
		if _, err := LoadSecret(SecretConfig{}); err == nil {
			t.Fatal("expected error with no secret source")
		}
	})
}

func TestGatewayAuthHeadersAndVerify(t *testing.T) {
	auth := GatewayAuth{MerchantID: "merchant-1", Secret: "topsecret"}

	headers := auth.Headers("POST", "/v1/payments", `{"amount":"10"}`)

	if headers["X-Merchant-Id"] != "merchant-1" {
		t.Fatalf("merchant header = %q", headers["X-Merchant-Id"])
	}
	if headers["X-Timestamp"] == "" {
		t.Fatal("timestamp header empty")
	}
	if headers["X-Signature"] == "" {
		t.Fatal("signature header empty")
	}

	ok := auth.Verify(headers["X-Timestamp"], "POST", "/v1/payments", `{"amount":"10"}`, headers["X-Signature"])
	if !ok {
		t.Fatal("Verify rejected a signature it produced")
	}

	if auth.Verify(headers["X-Timestamp"], "POST", "/v1/payments", `{"amount":"11"}`, headers["X-Signature"]) {
		t.Fatal("Verify accepted a tampered body")
	}

	bad := strings.Repeat("A", len(headers["X-Signature"]))
	if auth.Verify(headers["X-Timestamp"], "POST", "/v1/payments", `{"amount":"10"}`, bad) {
		t.Fatal("Verify accepted a forged signature")
	}
}
