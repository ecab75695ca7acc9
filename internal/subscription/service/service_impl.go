package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Gegcuk/tokenledger/internal/clock"
	"github.com/Gegcuk/tokenledger/internal/config"
	ledgerdomain "github.com/Gegcuk/tokenledger/internal/ledger/domain"
	subscriptiondomain "github.com/Gegcuk/tokenledger/internal/subscription/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Pricing   *config.PricingHolder
	LedgerSvc ledgerdomain.Service
	Repo      subscriptiondomain.Repository
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	pricing   *config.PricingHolder
	ledgerSvc ledgerdomain.Service
	repo      subscriptiondomain.Repository
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("subscription.service"),
		clock:     p.Clock,
		pricing:   p.Pricing,
		ledgerSvc: p.LedgerSvc,
		repo:      p.Repo,
	}
}

func (s *Service) WithTx(tx *gorm.DB) subscriptiondomain.Service {
	clone := *s
	clone.db = tx
	clone.ledgerSvc = s.ledgerSvc.WithTx(tx)
	clone.repo = s.repo.WithTx(tx)
	return &clone
}

// PeriodCreditKey derives the idempotency key for one billing period's grant.
func PeriodCreditKey(accountID snowflake.ID, subscriptionID string, periodStart int64, eventID string) string {
	return fmt.Sprintf("sub-credit:%s:%s:%d:%s", accountID, subscriptionID, periodStart, eventID)
}

func (s *Service) HandlePaymentSuccess(ctx context.Context, req subscriptiondomain.PaymentSuccessRequest) (bool, error) {
	if req.TokensPerPeriod <= 0 {
		return false, subscriptiondomain.ErrInvalidTokensPerPeriod
	}
	if strings.TrimSpace(req.SubscriptionID) == "" {
		return false, subscriptiondomain.ErrInvalidTokensPerPeriod
	}

	key := PeriodCreditKey(req.AccountID, req.SubscriptionID, req.PeriodStart.UTC().Unix(), req.EventID)

	_, err := s.ledgerSvc.Credit(ctx, ledgerdomain.CreditRequest{
		AccountID:      req.AccountID,
		Tokens:         req.TokensPerPeriod,
		Source:         ledgerdomain.CreditSourceSubscription,
		SourceRef:      req.SubscriptionID,
		IdempotencyKey: key,
		Metadata: map[string]any{
			"subscription_id": req.SubscriptionID,
			"period_start":    req.PeriodStart.UTC().Unix(),
			"event_id":        req.EventID,
		},
	})
	if errors.Is(err, ledgerdomain.ErrDuplicateTransaction) {
		// The period was already granted. Still clear any block: the payment
		// did succeed, only the credit is a replay.
		if unblockErr := s.Unblock(ctx, req.AccountID); unblockErr != nil {
			s.log.Warn("unblock after duplicate credit failed",
				zap.String("account_id", req.AccountID.String()),
				zap.Error(unblockErr))
		}
		return false, nil
	}
	if err != nil {
		// Absorbed: the caller treats false as "no new credit" and the
		// provider's redelivery takes another run at it.
		s.log.Error("subscription credit failed",
			zap.String("account_id", req.AccountID.String()),
			zap.String("subscription_id", req.SubscriptionID),
			zap.Error(err))
		return false, nil
	}

	if err := s.Unblock(ctx, req.AccountID); err != nil {
		s.log.Error("unblock after payment success failed",
			zap.String("account_id", req.AccountID.String()),
			zap.Error(err))
		return false, nil
	}

	s.log.Info("subscription period credited",
		zap.String("account_id", req.AccountID.String()),
		zap.String("subscription_id", req.SubscriptionID),
		zap.Int64("tokens", req.TokensPerPeriod))
	return true, nil
}

func (s *Service) HandlePaymentFailure(ctx context.Context, accountID snowflake.ID, subscriptionID, reason string) error {
	s.log.Warn("subscription payment failed",
		zap.String("account_id", accountID.String()),
		zap.String("subscription_id", subscriptionID),
		zap.String("reason", reason))
	return s.Block(ctx, accountID, fmt.Sprintf("payment_failed: %s", reason))
}

func (s *Service) HandleDeleted(ctx context.Context, accountID snowflake.ID, subscriptionID, reason string) error {
	s.log.Info("subscription deleted",
		zap.String("account_id", accountID.String()),
		zap.String("subscription_id", subscriptionID),
		zap.String("reason", reason))
	return s.Block(ctx, accountID, fmt.Sprintf("subscription_deleted: %s", reason))
}

func (s *Service) Block(ctx context.Context, accountID snowflake.ID, reason string) error {
	now := s.clock.Now().UTC()
	return s.repo.UpsertStatus(ctx, subscriptiondomain.SubscriptionStatus{
		AccountID: accountID,
		Blocked:   true,
		Reason:    reason,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (s *Service) Unblock(ctx context.Context, accountID snowflake.ID) error {
	now := s.clock.Now().UTC()
	return s.repo.UpsertStatus(ctx, subscriptiondomain.SubscriptionStatus{
		AccountID: accountID,
		Blocked:   false,
		Reason:    "",
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (s *Service) IsActive(ctx context.Context, accountID snowflake.ID) (bool, error) {
	status, err := s.repo.FindStatus(ctx, accountID)
	if err != nil {
		return false, err
	}
	if status == nil {
		// No blocking record found.
		return true, nil
	}
	return !status.Blocked, nil
}

func (s *Service) GetStatus(ctx context.Context, accountID snowflake.ID) (*subscriptiondomain.SubscriptionStatus, error) {
	return s.repo.FindStatus(ctx, accountID)
}

func (s *Service) GetTokensPerPeriod(subscriptionID, priceID string) (int64, error) {
	tokens, ok := s.pricing.TokensPerPeriod(priceID)
	if !ok {
		return 0, subscriptiondomain.ErrUnknownSubscriptionPrice
	}
	return tokens, nil
}
