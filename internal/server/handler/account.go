package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gridcarbon/creditmarket/internal/domain"
)

// AccountService is the subset of the account service the handler needs.
type AccountService interface {
	GetCreditAccount(ctx context.Context, accountID string) (domain.CreditAccount, error)
	GetWallet(ctx context.Context, accountID string) (domain.Wallet, error)
}

// AccountHandler serves the balance endpoints.
type AccountHandler struct {
	svc    AccountService
	logger *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(svc AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		svc:    svc,
		logger: logHandler(logger, "account"),
	}
}

// Balances returns the credit and wallet balances for an account.
// GET /api/accounts/{id}/balances
func (h *AccountHandler) Balances(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	credit, err := h.svc.GetCreditAccount(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	wallet, err := h.svc.GetWallet(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": id,
		"credit": map[string]string{
			"total":     credit.TotalCredit.String(),
			"traded":    credit.TradedCredit.String(),
			"available": credit.Available().String(),
		},
		"wallet": map[string]string{
			"balance": wallet.Balance.String(),
		},
	})
}
