package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// BalanceRow is the aggregate the balance query scans into.
type BalanceRow struct {
	InitialTokens  int64 `gorm:"column:initial_tokens"`
	TotalCredited  int64 `gorm:"column:total_credited"`
	TotalCommitted int64 `gorm:"column:total_committed"`
	TotalAdjusted  int64 `gorm:"column:total_adjusted"`
	TotalReserved  int64 `gorm:"column:total_reserved"`
}

type Repository interface {
	WithTx(tx *gorm.DB) Repository

	FindAccount(ctx context.Context, id snowflake.ID) (*Account, error)
	FindAccountByExternalRef(ctx context.Context, externalRef string) (*Account, error)
	// LockAccount takes the per-account row lock that serializes reserve
	// admission against concurrent spends.
	LockAccount(ctx context.Context, id snowflake.ID) (*Account, error)
	InsertAccount(ctx context.Context, account Account) (bool, error)

	LoadBalance(ctx context.Context, accountID snowflake.ID) (BalanceRow, error)

	FindReservation(ctx context.Context, id snowflake.ID) (*Reservation, error)
	FindReservationByKey(ctx context.Context, key string) (*Reservation, error)
	LockReservation(ctx context.Context, id snowflake.ID) (*Reservation, error)
	InsertReservation(ctx context.Context, res Reservation) (bool, error)
	UpdateReservationState(ctx context.Context, id snowflake.ID, from, to ReservationState) (bool, error)

	// InsertTransaction reports false without error when the
	// (idempotency_key, type) pair already exists.
	InsertTransaction(ctx context.Context, txn TokenTransaction) (bool, error)
	FindTransactionByKey(ctx context.Context, key string, txnType TransactionType) (*TokenTransaction, error)
	ListTransactions(ctx context.Context, accountID snowflake.ID, limit int) ([]TokenTransaction, error)

	// ExpiredReservationIDs claims a batch of stale ACTIVE holds for the
	// sweeper. Rows locked by other workers are skipped.
	ExpiredReservationIDs(ctx context.Context, cutoff time.Time, limit int) ([]snowflake.ID, error)
}
