package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// SubscriptionStatus is the per-account blocked/active flag. Created lazily
// on the first lifecycle transition; absence means active.
type SubscriptionStatus struct {
	AccountID snowflake.ID `gorm:"column:account_id;primaryKey"`
	Blocked   bool         `gorm:"column:blocked"`
	Reason    string       `gorm:"column:reason"`
	CreatedAt time.Time    `gorm:"column:created_at"`
	UpdatedAt time.Time    `gorm:"column:updated_at"`
}

func (SubscriptionStatus) TableName() string {
	return "subscription_statuses"
}

var (
	ErrInvalidTokensPerPeriod   = errors.New("invalid_tokens_per_period")
	ErrUnknownSubscriptionPrice = errors.New("unknown_subscription_price")
)

// PaymentSuccessRequest carries one billing period's successful payment.
// The credit idempotency key is derived from all four identifying fields, so
// each (account, subscription, period, event) tuple grants at most once.
type PaymentSuccessRequest struct {
	AccountID       snowflake.ID
	SubscriptionID  string
	PeriodStart     time.Time
	TokensPerPeriod int64
	EventID         string
}

type Service interface {
	// WithTx joins an enclosing transaction, used by the event processor.
	WithTx(tx *gorm.DB) Service

	// HandlePaymentSuccess credits the period's tokens and clears any block.
	// Returns whether a new credit occurred: false on a duplicate period
	// tuple, and false when a downstream failure was absorbed. Only invalid
	// input returns an error.
	HandlePaymentSuccess(ctx context.Context, req PaymentSuccessRequest) (bool, error)

	HandlePaymentFailure(ctx context.Context, accountID snowflake.ID, subscriptionID, reason string) error
	HandleDeleted(ctx context.Context, accountID snowflake.ID, subscriptionID, reason string) error

	Block(ctx context.Context, accountID snowflake.ID, reason string) error
	Unblock(ctx context.Context, accountID snowflake.ID) error

	// IsActive defaults to active when no status row exists.
	IsActive(ctx context.Context, accountID snowflake.ID) (bool, error)
	GetStatus(ctx context.Context, accountID snowflake.ID) (*SubscriptionStatus, error)

	// GetTokensPerPeriod is a pure mapping from subscription price to grant.
	GetTokensPerPeriod(subscriptionID, priceID string) (int64, error)
}

type Repository interface {
	WithTx(tx *gorm.DB) Repository

	FindStatus(ctx context.Context, accountID snowflake.ID) (*SubscriptionStatus, error)
	// UpsertStatus is a single atomic write so concurrent lifecycle calls
	// cannot silently drop each other's update.
	UpsertStatus(ctx context.Context, status SubscriptionStatus) error
}
