package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidState       = errors.New("invalid state")
	ErrGatewayTimeout     = errors.New("payment gateway timeout")
	ErrRateLimited        = errors.New("rate limited")
	ErrLockHeld           = errors.New("lock already held")

	// ErrAlreadySettled marks a transition attempt against a transaction that
	// is already terminal. Duplicate gateway callbacks surface it internally
	// and are reported to the caller as a no-op, not a failure.
	ErrAlreadySettled = errors.New("transaction already settled")
)
