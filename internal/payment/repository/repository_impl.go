package repository

import (
	"context"

	paymentdomain "github.com/Gegcuk/tokenledger/internal/payment/domain"
	"github.com/Gegcuk/tokenledger/pkg/db"
	"gorm.io/gorm"
)

type RepositoryImpl struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) paymentdomain.Repository {
	return &RepositoryImpl{db: db}
}

func (r *RepositoryImpl) WithTx(tx *gorm.DB) paymentdomain.Repository {
	return &RepositoryImpl{db: tx}
}

func (r *RepositoryImpl) FindPaymentBySessionID(ctx context.Context, sessionID string) (*paymentdomain.Payment, error) {
	return r.findPayment(ctx, `SELECT id, account_id, session_id, payment_intent_id, amount_cents, currency,
			credited_tokens, refunded_amount_cents, status, metadata, created_at, updated_at
		 FROM payments WHERE session_id = ? LIMIT 1`, sessionID)
}

func (r *RepositoryImpl) FindPaymentByIntentID(ctx context.Context, intentID string) (*paymentdomain.Payment, error) {
	return r.findPayment(ctx, `SELECT id, account_id, session_id, payment_intent_id, amount_cents, currency,
			credited_tokens, refunded_amount_cents, status, metadata, created_at, updated_at
		 FROM payments WHERE payment_intent_id = ? LIMIT 1`, intentID)
}

func (r *RepositoryImpl) findPayment(ctx context.Context, query string, arg any) (*paymentdomain.Payment, error) {
	var payment paymentdomain.Payment
	if err := r.db.WithContext(ctx).Raw(query, arg).Scan(&payment).Error; err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, nil
	}
	return &payment, nil
}

func (r *RepositoryImpl) InsertPayment(ctx context.Context, payment paymentdomain.Payment) (bool, error) {
	result := r.db.WithContext(ctx).Exec(
		`INSERT INTO payments (id, account_id, session_id, payment_intent_id, amount_cents, currency,
			credited_tokens, refunded_amount_cents, status, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id) DO NOTHING`,
		payment.ID, payment.AccountID, payment.SessionID, payment.PaymentIntentID,
		payment.AmountCents, payment.Currency, payment.CreditedTokens,
		payment.RefundedAmountCents, string(payment.Status), payment.Metadata,
		payment.CreatedAt, payment.UpdatedAt,
	)
	if result.Error != nil {
		// ON CONFLICT only absorbs its named target. A violation on any
		// other unique constraint still means the row already exists.
		if db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *RepositoryImpl) UpdatePaymentRefund(ctx context.Context, payment *paymentdomain.Payment) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET refunded_amount_cents = ?, status = ?, updated_at = ?
		 WHERE id = ?`,
		payment.RefundedAmountCents, string(payment.Status), payment.UpdatedAt, payment.ID,
	).Error
}

func (r *RepositoryImpl) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM processed_events WHERE event_id = ?`, eventID,
	).Scan(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *RepositoryImpl) MarkEventProcessed(ctx context.Context, marker paymentdomain.ProcessedEvent) (bool, error) {
	result := r.db.WithContext(ctx).Exec(
		`INSERT INTO processed_events (id, event_id, event_type, processed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (event_id) DO NOTHING`,
		marker.ID, marker.EventID, marker.EventType, marker.ProcessedAt,
	)
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
