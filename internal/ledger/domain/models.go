// Package domain contains persistence models for token accounts, reservations
// and the append-only transaction ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ReservationState represents lifecycle states for a token reservation.
type ReservationState string

const (
	ReservationStateActive    ReservationState = "ACTIVE"
	ReservationStateCommitted ReservationState = "COMMITTED"
	ReservationStateReleased  ReservationState = "RELEASED"
	ReservationStateCancelled ReservationState = "CANCELLED"
	ReservationStateExpired   ReservationState = "EXPIRED"
)

// Terminal reports whether the state accepts no further transitions.
func (s ReservationState) Terminal() bool {
	switch s {
	case ReservationStateCommitted, ReservationStateReleased, ReservationStateCancelled, ReservationStateExpired:
		return true
	default:
		return false
	}
}

// CanTransition implements the reservation state machine. Terminal states
// accept a transition to themselves (idempotent replay); everything else is
// only reachable from ACTIVE.
func CanTransition(from, to ReservationState) bool {
	if from == to && from.Terminal() {
		return true
	}
	if from != ReservationStateActive {
		return false
	}
	return to.Terminal()
}

// TransactionType classifies ledger entries.
type TransactionType string

const (
	TransactionTypeReserve    TransactionType = "RESERVE"
	TransactionTypeCommit     TransactionType = "COMMIT"
	TransactionTypeRelease    TransactionType = "RELEASE"
	TransactionTypeCredit     TransactionType = "CREDIT"
	TransactionTypeAdjustment TransactionType = "ADJUSTMENT"
)

// Account holds one user's token balance anchor. The available balance is
// always derived from the transaction ledger, never stored.
type Account struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	ExternalRef   string       `gorm:"type:text;not null;uniqueIndex:ux_token_accounts_external_ref"`
	InitialTokens int64        `gorm:"not null;default:0"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "token_accounts" }

// Reservation is a provisional hold of estimated tokens for one billable
// operation. It never changes the available balance by itself.
type Reservation struct {
	ID              snowflake.ID     `gorm:"primaryKey"`
	AccountID       snowflake.ID     `gorm:"not null;index"`
	EstimatedTokens int64            `gorm:"not null"`
	State           ReservationState `gorm:"type:text;not null;index"`
	IdempotencyKey  string           `gorm:"type:text;not null;uniqueIndex:ux_token_reservations_idempotency_key"`
	CreatedAt       time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ExpiresAt       time.Time        `gorm:"not null;index"`
}

// TableName sets the database table name.
func (Reservation) TableName() string { return "token_reservations" }

// TokenTransaction is an immutable ledger entry. Unique (idempotency_key,
// type) is the at-most-once guarantee for every logical operation.
type TokenTransaction struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	AccountID      snowflake.ID      `gorm:"not null;index"`
	ReservationID  *snowflake.ID     `gorm:"index"`
	Type           TransactionType   `gorm:"type:text;not null;uniqueIndex:ux_token_transactions_key_type,priority:2"`
	AmountTokens   int64             `gorm:"not null"`
	IdempotencyKey string            `gorm:"type:text;not null;uniqueIndex:ux_token_transactions_key_type,priority:1"`
	SourceRef      string            `gorm:"type:text"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TokenTransaction) TableName() string { return "token_transactions" }

// CommitResult reports how a reservation resolved.
type CommitResult struct {
	Reservation     *Reservation
	CommittedTokens int64
	ReleasedTokens  int64
}

// CreditSource tags the origin of a CREDIT for metrics and audit.
type CreditSource string

const (
	CreditSourcePurchase     CreditSource = "PURCHASE"
	CreditSourceSubscription CreditSource = "SUBSCRIPTION"
	CreditSourceRefund       CreditSource = "REFUND"
	CreditSourceDispute      CreditSource = "DISPUTE"
	CreditSourceAdmin        CreditSource = "ADMIN"
)
