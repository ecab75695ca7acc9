package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	WithTx(tx *gorm.DB) Repository

	FindPaymentBySessionID(ctx context.Context, sessionID string) (*Payment, error)
	FindPaymentByIntentID(ctx context.Context, intentID string) (*Payment, error)
	// InsertPayment reports false without error when a row for the session
	// already exists (first-seen semantics).
	InsertPayment(ctx context.Context, payment Payment) (bool, error)
	UpdatePaymentRefund(ctx context.Context, payment *Payment) error

	EventProcessed(ctx context.Context, eventID string) (bool, error)
	// MarkEventProcessed reports false when another delivery already wrote
	// the marker.
	MarkEventProcessed(ctx context.Context, marker ProcessedEvent) (bool, error)
}
