package domain

import "errors"

var (
	ErrOrderNotFound       = errors.New("pending order not found")
	ErrPurchaseNotFound    = errors.New("completed purchase not found")
	ErrOrderNotPayable     = errors.New("order is not payable")
	ErrInvalidTransition   = errors.New("invalid order status transition")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrBalanceNotFound     = errors.New("balance not found")
	ErrInvalidAmount       = errors.New("invalid amount")

	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedEvent   = errors.New("malformed webhook event")
	ErrMissingOrderID   = errors.New("webhook event has no order id")
)
