package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ReserveRequest opens a hold against an account's available balance.
type ReserveRequest struct {
	AccountID       snowflake.ID
	EstimatedTokens int64
	IdempotencyKey  string
}

// CreditRequest adds tokens to an account. Source tags the origin so the
// transaction log stays auditable.
type CreditRequest struct {
	AccountID      snowflake.ID
	Tokens         int64
	Source         CreditSource
	SourceRef      string
	IdempotencyKey string
	Metadata       map[string]any
}

// AdjustRequest moves an account balance up or down outside of the
// reservation flow. Refund clawbacks and manual corrections land here.
type AdjustRequest struct {
	AccountID      snowflake.ID
	Tokens         int64
	Reason         string
	SourceRef      string
	IdempotencyKey string
	Metadata       map[string]any
}

// Balance is the point-in-time view of an account.
type Balance struct {
	AccountID      snowflake.ID `json:"account_id"`
	Available      int64        `json:"available"`
	Reserved       int64        `json:"reserved"`
	InitialTokens  int64        `json:"initial_tokens"`
	TotalCredited  int64        `json:"total_credited"`
	TotalCommitted int64        `json:"total_committed"`
	TotalAdjusted  int64        `json:"total_adjusted"`
}

type Service interface {
	// WithTx returns a view of the service whose writes join an enclosing
	// transaction. The event processor uses it to make ledger effects part
	// of its atomic unit.
	WithTx(tx *gorm.DB) Service

	// EnsureAccount resolves an account by external reference, creating it
	// with the given starting balance when absent.
	EnsureAccount(ctx context.Context, externalRef string, initialTokens int64) (*Account, error)

	// Reserve holds estimated tokens against the available balance. A replay
	// of the same idempotency key returns the existing reservation untouched.
	Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error)

	// Commit settles a reservation at the actual usage, capped at the
	// reserved amount, and releases any remainder.
	Commit(ctx context.Context, reservationID snowflake.ID, actualTokens int64) (*CommitResult, error)

	// Release returns the full hold without consuming anything.
	Release(ctx context.Context, reservationID snowflake.ID) (*Reservation, error)

	// Cancel abandons a reservation before the work ran.
	Cancel(ctx context.Context, reservationID snowflake.ID) (*Reservation, error)

	// Expire is the sweeper's transition for stale holds. Terminal
	// reservations are a no-op.
	Expire(ctx context.Context, reservationID snowflake.ID) (*Reservation, error)

	// Credit adds tokens. Returns ErrDuplicateTransaction when the
	// (idempotency key, CREDIT) pair already produced an effect.
	Credit(ctx context.Context, req CreditRequest) (*TokenTransaction, error)

	// Adjust records a signed correction. Same duplicate contract as Credit.
	Adjust(ctx context.Context, req AdjustRequest) (*TokenTransaction, error)

	AvailableTokens(ctx context.Context, accountID snowflake.ID) (Balance, error)
	GetReservation(ctx context.Context, reservationID snowflake.ID) (*Reservation, error)
	GetAccountByExternalRef(ctx context.Context, externalRef string) (*Account, error)
}
