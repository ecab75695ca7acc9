package domain

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrAccountNotFound       = errors.New("account_not_found")
	ErrReservationNotFound   = errors.New("reservation_not_found")
	ErrInvalidAmount         = errors.New("invalid_token_amount")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")

	// ErrDuplicateTransaction signals that the idempotency key already
	// produced a ledger effect. Not a failure of the ledger: callers decide
	// whether a replay is inert (webhook redelivery) or means "no new credit"
	// (subscription renewal bookkeeping).
	ErrDuplicateTransaction = errors.New("duplicate_transaction")
)

// InsufficientTokensError carries the data callers need to display a
// shortfall. Never retryable without caller action.
type InsufficientTokensError struct {
	AccountID snowflake.ID
	Requested int64
	Available int64
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("insufficient_tokens: requested=%d available=%d shortfall=%d",
		e.Requested, e.Available, e.Shortfall())
}

func (e *InsufficientTokensError) Shortfall() int64 {
	return e.Requested - e.Available
}

// IllegalStateTransitionError guards the reservation state machine. Always a
// bug or race signal, never expected in normal operation.
type IllegalStateTransitionError struct {
	ReservationID snowflake.ID
	From          ReservationState
	To            ReservationState
}

func (e *IllegalStateTransitionError) Error() string {
	return fmt.Sprintf("illegal_state_transition: reservation=%s %s -> %s",
		e.ReservationID, e.From, e.To)
}

// IsInsufficientTokens reports whether err is a balance shortfall.
func IsInsufficientTokens(err error) bool {
	var target *InsufficientTokensError
	return errors.As(err, &target)
}

// IsIllegalStateTransition reports whether err is a state machine violation.
func IsIllegalStateTransition(err error) bool {
	var target *IllegalStateTransitionError
	return errors.As(err, &target)
}
