package domain

import "errors"

var (
	ErrInvalidSignature   = errors.New("invalid_signature")
	ErrInvalidPayload     = errors.New("invalid_payload")
	ErrInvalidEvent       = errors.New("invalid_event")
	ErrMissingCorrelation = errors.New("missing_correlation_data")
	ErrUnknownPrice       = errors.New("unknown_price")
	ErrPaymentNotFound    = errors.New("payment_not_found")
	ErrInvalidRefund      = errors.New("invalid_refund_amount")
)
