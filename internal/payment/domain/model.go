package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	PaymentStatusCompleted         PaymentStatus = "completed"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusDisputed          PaymentStatus = "disputed"
)

// Payment records a completed purchase. SessionID and PaymentIntentID are
// provider-assigned and each unique, which gives refund and dispute events a
// stable correlation handle. RefundedAmountCents only ever grows.
type Payment struct {
	ID                  snowflake.ID      `gorm:"column:id;primaryKey"`
	AccountID           snowflake.ID      `gorm:"column:account_id"`
	SessionID           string            `gorm:"column:session_id;uniqueIndex:ux_payments_session_id"`
	PaymentIntentID     string            `gorm:"column:payment_intent_id;uniqueIndex:ux_payments_payment_intent_id"`
	AmountCents         int64             `gorm:"column:amount_cents"`
	Currency            string            `gorm:"column:currency"`
	CreditedTokens      int64             `gorm:"column:credited_tokens"`
	RefundedAmountCents int64             `gorm:"column:refunded_amount_cents"`
	Status              PaymentStatus     `gorm:"column:status"`
	Metadata            datatypes.JSONMap `gorm:"column:metadata"`
	CreatedAt           time.Time         `gorm:"column:created_at"`
	UpdatedAt           time.Time         `gorm:"column:updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}

// ProcessedEvent is the dedup marker for inbound provider events. Written in
// the same transaction as the event's ledger effects, never updated.
type ProcessedEvent struct {
	ID          snowflake.ID `gorm:"column:id;primaryKey"`
	EventID     string       `gorm:"column:event_id;uniqueIndex:ux_processed_events_event_id"`
	EventType   string       `gorm:"column:event_type"`
	ProcessedAt time.Time    `gorm:"column:processed_at"`
}

func (ProcessedEvent) TableName() string {
	return "processed_events"
}

// Result is the success-path outcome of processing one inbound event.
type Result string

const (
	ResultOK        Result = "OK"
	ResultDuplicate Result = "DUPLICATE"
)

// Provider event types the processor dispatches on.
const (
	EventTypeCheckoutCompleted       = "checkout.session.completed"
	EventTypeInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventTypeInvoicePaymentFailed    = "invoice.payment_failed"
	EventTypeSubscriptionDeleted     = "customer.subscription.deleted"
	EventTypeRefundCreated           = "refund.created"
	EventTypeRefundUpdated           = "refund.updated"
	EventTypeDisputeCreated          = "charge.dispute.created"
	EventTypeDisputeFundsWithdrawn   = "charge.dispute.funds_withdrawn"
	EventTypeDisputeClosed           = "charge.dispute.closed"
)
