package service

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/gridcarbon/creditmarket/internal/domain"
)

func TestGetCreditAccountReadThrough(t *testing.T) {
	credits := newFakeCreditLedger()
	wallets := newFakeWalletLedger()
	cache := newFakeBalanceCache()
	svc := NewAccountService(credits, wallets, cache, discardLogger())

	credits.accounts["acct"] = domain.CreditAccount{
		AccountID:    "acct",
		TotalCredit:  decimal.NewFromInt(100),
		TradedCredit: decimal.NewFromInt(30),
	}

	// Miss falls through to the ledger and populates the cache.
	got, err := svc.GetCreditAccount(context.Background(), "acct")
	if err != nil {
		t.Fatalf("GetCreditAccount: %v", err)
	}
	if !got.Available().Equal(decimal.NewFromInt(70)) {
		t.Errorf("available = %s, want 70", got.Available())
	}
	if _, ok := cache.credits["acct"]; !ok {
		t.Error("cache not populated after miss")
	}

	// A stale cache entry is served as-is until invalidated.
	credits.accounts["acct"] = domain.CreditAccount{AccountID: "acct"}
	got, err = svc.GetCreditAccount(context.Background(), "acct")
	if err != nil {
		t.Fatalf("GetCreditAccount: %v", err)
	}
	if !got.TotalCredit.Equal(decimal.NewFromInt(100)) {
		t.Error("expected the cached record on a hit")
	}
}

func TestGetWalletReadThrough(t *testing.T) {
	credits := newFakeCreditLedger()
	wallets := newFakeWalletLedger()
	cache := newFakeBalanceCache()
	svc := NewAccountService(credits, wallets, cache, discardLogger())

	wallets.balances["acct"] = decimal.NewFromInt(55)

	got, err := svc.GetWallet(context.Background(), "acct")
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if !got.Balance.Equal(decimal.NewFromInt(55)) {
		t.Errorf("balance = %s, want 55", got.Balance)
	}
	if _, ok := cache.wallets["acct"]; !ok {
		t.Error("cache not populated after miss")
	}
}

func TestGetWalletUnknownAccount(t *testing.T) {
	svc := NewAccountService(newFakeCreditLedger(), newFakeWalletLedger(), newFakeBalanceCache(), discardLogger())

	_, err := svc.GetWallet(context.Background(), "nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
