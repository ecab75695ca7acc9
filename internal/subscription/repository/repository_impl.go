package repository

import (
	"context"

	subscriptiondomain "github.com/Gegcuk/tokenledger/internal/subscription/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type RepositoryImpl struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) subscriptiondomain.Repository {
	return &RepositoryImpl{db: db}
}

func (r *RepositoryImpl) WithTx(tx *gorm.DB) subscriptiondomain.Repository {
	return &RepositoryImpl{db: tx}
}

func (r *RepositoryImpl) FindStatus(ctx context.Context, accountID snowflake.ID) (*subscriptiondomain.SubscriptionStatus, error) {
	var status subscriptiondomain.SubscriptionStatus
	if err := r.db.WithContext(ctx).Raw(
		`SELECT account_id, blocked, reason, created_at, updated_at
		 FROM subscription_statuses WHERE account_id = ? LIMIT 1`,
		accountID,
	).Scan(&status).Error; err != nil {
		return nil, err
	}
	if status.AccountID == 0 {
		return nil, nil
	}
	return &status, nil
}

func (r *RepositoryImpl) UpsertStatus(ctx context.Context, status subscriptiondomain.SubscriptionStatus) error {
	return r.db.WithContext(ctx).Exec(
		`INSERT INTO subscription_statuses (account_id, blocked, reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (account_id) DO UPDATE SET
			blocked = excluded.blocked,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		status.AccountID, status.Blocked, status.Reason, status.CreatedAt, status.UpdatedAt,
	).Error
}
