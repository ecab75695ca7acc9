package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Gegcuk/tokenledger/internal/clock"
	ledgerdomain "github.com/Gegcuk/tokenledger/internal/ledger/domain"
	obsmetrics "github.com/Gegcuk/tokenledger/internal/observability/metrics"
	paymentdomain "github.com/Gegcuk/tokenledger/internal/payment/domain"
	"github.com/Gegcuk/tokenledger/internal/payment/refund"
	"github.com/Gegcuk/tokenledger/internal/payment/stripe"
	subscriptiondomain "github.com/Gegcuk/tokenledger/internal/subscription/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Verifier   *stripe.Verifier
	Client     paymentdomain.ProcessorClient
	Validator  paymentdomain.CheckoutValidator
	LedgerSvc  ledgerdomain.Service
	SubSvc     subscriptiondomain.Service
	Repo       paymentdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	verifier   *stripe.Verifier
	client     paymentdomain.ProcessorClient
	validator  paymentdomain.CheckoutValidator
	ledgerSvc  ledgerdomain.Service
	subSvc     subscriptiondomain.Service
	repo       paymentdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		verifier:   p.Verifier,
		client:     p.Client,
		validator:  p.Validator,
		ledgerSvc:  p.LedgerSvc,
		subSvc:     p.SubSvc,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

// errDuplicateDelivery aborts the processing transaction when another
// delivery of the same event won the marker insert.
var errDuplicateDelivery = errors.New("duplicate_delivery")

// ProcessEvent runs the full webhook protocol for one inbound delivery:
// signature verification, dedup check, handler dispatch, and an atomic write
// of every side effect together with the ProcessedEvent marker. Any handler
// failure rolls the whole unit back so the provider's redelivery replays
// from a clean slate.
func (s *Service) ProcessEvent(ctx context.Context, payload []byte, sigHeader string) (paymentdomain.Result, error) {
	event, err := s.verifier.VerifyAndParse(payload, sigHeader)
	if err != nil {
		return "", err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordWebhookReceived(ctx, event.Type)
	}

	processed, err := s.repo.EventProcessed(ctx, event.ID)
	if err != nil {
		return "", err
	}
	if processed {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordWebhookDuplicate(ctx, event.Type)
		}
		s.log.Info("duplicate event ignored",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type))
		return paymentdomain.ResultDuplicate, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.dispatch(ctx, tx, event); err != nil {
			return err
		}

		inserted, err := s.repo.WithTx(tx).MarkEventProcessed(ctx, paymentdomain.ProcessedEvent{
			ID:          s.genID.Generate(),
			EventID:     event.ID,
			EventType:   event.Type,
			ProcessedAt: s.clock.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if !inserted {
			return errDuplicateDelivery
		}
		return nil
	})
	if errors.Is(err, errDuplicateDelivery) {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordWebhookDuplicate(ctx, event.Type)
		}
		return paymentdomain.ResultDuplicate, nil
	}
	if err != nil {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordWebhookFailed(ctx, event.Type)
		}
		s.log.Error("event processing failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Error(err))
		return "", err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordWebhookOK(ctx, event.Type)
	}
	s.log.Info("event processed",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return paymentdomain.ResultOK, nil
}

func (s *Service) dispatch(ctx context.Context, tx *gorm.DB, event *stripe.Event) error {
	switch event.Type {
	case paymentdomain.EventTypeCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, tx, event)
	case paymentdomain.EventTypeInvoicePaymentSucceeded:
		return s.handleInvoicePaymentSucceeded(ctx, tx, event)
	case paymentdomain.EventTypeInvoicePaymentFailed:
		return s.handleInvoicePaymentFailed(ctx, tx, event)
	case paymentdomain.EventTypeSubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, tx, event)
	case paymentdomain.EventTypeRefundCreated, paymentdomain.EventTypeRefundUpdated:
		return s.handleRefund(ctx, tx, event)
	case paymentdomain.EventTypeDisputeCreated:
		return s.handleDisputeCreated(ctx, tx, event)
	case paymentdomain.EventTypeDisputeFundsWithdrawn:
		return s.handleDisputeFundsWithdrawn(ctx, tx, event)
	case paymentdomain.EventTypeDisputeClosed:
		return s.handleDisputeClosed(ctx, tx, event)
	default:
		// Forward compatibility with the provider's growing catalogue: the
		// event is acknowledged, never failed.
		s.log.Info("unhandled event type acknowledged",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type))
		return nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, tx *gorm.DB, event *stripe.Event) error {
	object, err := stripe.UnmarshalObject[stripe.CheckoutSessionObject](event)
	if err != nil {
		return err
	}
	if strings.TrimSpace(object.ID) == "" {
		return paymentdomain.ErrMissingCorrelation
	}

	session, err := s.client.RetrieveCheckoutSession(ctx, object.ID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(session.ClientReferenceID) == "" {
		return paymentdomain.ErrMissingCorrelation
	}

	purchase, err := s.validator.ValidateSession(ctx, session)
	if err != nil {
		return err
	}

	account, err := s.ledgerSvc.WithTx(tx).EnsureAccount(ctx, session.ClientReferenceID, 0)
	if err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	inserted, err := s.repo.WithTx(tx).InsertPayment(ctx, paymentdomain.Payment{
		ID:              s.genID.Generate(),
		AccountID:       account.ID,
		SessionID:       session.ID,
		PaymentIntentID: session.PaymentIntentID,
		AmountCents:     purchase.AmountCents,
		Currency:        purchase.Currency,
		CreditedTokens:  purchase.Tokens,
		Status:          paymentdomain.PaymentStatusCompleted,
		Metadata: datatypes.JSONMap{
			"price_id":  purchase.PriceID,
			"pack_name": purchase.PackName,
		},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return err
	}
	if !inserted {
		s.log.Info("payment already recorded for session",
			zap.String("session_id", session.ID))
	}

	_, err = s.ledgerSvc.WithTx(tx).Credit(ctx, ledgerdomain.CreditRequest{
		AccountID:      account.ID,
		Tokens:         purchase.Tokens,
		Source:         ledgerdomain.CreditSourcePurchase,
		SourceRef:      session.ID,
		IdempotencyKey: creditKey(event.Type, event.ID, session.ID),
		Metadata: map[string]any{
			"price_id": purchase.PriceID,
		},
	})
	if errors.Is(err, ledgerdomain.ErrDuplicateTransaction) {
		// An earlier event already granted this purchase. Inert.
		return nil
	}
	if err != nil {
		return err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordTokensCredited(ctx, string(ledgerdomain.CreditSourcePurchase), purchase.Tokens)
	}
	return nil
}

func (s *Service) handleInvoicePaymentSucceeded(ctx context.Context, tx *gorm.DB, event *stripe.Event) error {
	invoice, err := stripe.UnmarshalObject[stripe.InvoiceObject](event)
	if err != nil {
		return err
	}
	if strings.TrimSpace(invoice.Subscription) == "" {
		// One-time invoices carry no recurring grant.
		s.log.Info("invoice without subscription ignored",
			zap.String("event_id", event.ID),
			zap.String("invoice_id", invoice.ID))
		return nil
	}

	subscription, err := s.client.RetrieveSubscription(ctx, invoice.Subscription)
	if err != nil {
		return err
	}
	account, err := s.resolveAccount(ctx, tx, subscription.Metadata, invoice.Customer)
	if err != nil {
		return err
	}

	priceID := subscription.PriceID
	if len(invoice.Lines.Data) > 0 && invoice.Lines.Data[0].Price.ID != "" {
		priceID = invoice.Lines.Data[0].Price.ID
	}
	tokens, err := s.subSvc.GetTokensPerPeriod(subscription.ID, priceID)
	if err != nil {
		return err
	}

	periodStart := time.Unix(invoice.PeriodStart, 0).UTC()
	if len(invoice.Lines.Data) > 0 && invoice.Lines.Data[0].Period.Start > 0 {
		periodStart = time.Unix(invoice.Lines.Data[0].Period.Start, 0).UTC()
	}

	credited, err := s.subSvc.WithTx(tx).HandlePaymentSuccess(ctx, subscriptiondomain.PaymentSuccessRequest{
		AccountID:       account.ID,
		SubscriptionID:  subscription.ID,
		PeriodStart:     periodStart,
		TokensPerPeriod: tokens,
		EventID:         event.ID,
	})
	if err != nil {
		return err
	}
	if credited && s.obsMetrics != nil {
		s.obsMetrics.RecordTokensCredited(ctx, string(ledgerdomain.CreditSourceSubscription), tokens)
	}
	return nil
}

func (s *Service) handleInvoicePaymentFailed(ctx context.Context, tx *gorm.DB, event *stripe.Event) error {
	invoice, err := stripe.UnmarshalObject[stripe.InvoiceObject](event)
	if err != nil {
		return err
	}
	if strings.TrimSpace(invoice.Subscription) == "" {
		return nil
	}

	subscription, err := s.client.RetrieveSubscription(ctx, invoice.Subscription)
	if err != nil {
		return err
	}
	account, err := s.resolveAccount(ctx, tx, subscription.Metadata, invoice.Customer)
	if err != nil {
		return err
	}

	return s.subSvc.WithTx(tx).HandlePaymentFailure(ctx, account.ID, subscription.ID, "invoice "+invoice.ID)
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, tx *gorm.DB, event *stripe.Event) error {
	object, err := stripe.UnmarshalObject[stripe.SubscriptionObject](event)
	if err != nil {
		return err
	}
	if strings.TrimSpace(object.ID) == "" {
		return paymentdomain.ErrMissingCorrelation
	}

	account, err := s.resolveAccount(ctx, tx, object.Metadata, object.Customer)
	if err != nil {
		return err
	}

	reason := object.Status
	if reason == "" {
		reason = "deleted"
	}
	return s.subSvc.WithTx(tx).HandleDeleted(ctx, account.ID, object.ID, reason)
}

func (s *Service) handleRefund(ctx context.Context, tx *gorm.DB, event *stripe.Event) error {
	object, err := stripe.UnmarshalObject[stripe.RefundObject](event)
	if err != nil {
		return err
	}
	if strings.TrimSpace(object.ID) == "" {
		return paymentdomain.ErrMissingCorrelation
	}

	payment, err := s.resolvePaymentForCharge(ctx, tx, object.PaymentIntent, object.Charge)
	if err != nil {
		return err
	}

	switch object.Status {
	case "canceled", "failed":
		// The refund did not go through after all; give the clawed-back
		// tokens back.
		return s.restoreTokens(ctx, tx, payment, object.Amount,
			refund.RestoreKeyRefundCanceled(object.ID), "refund canceled")
	default:
		return s.deductTokens(ctx, tx, payment, object.Amount,
			refund.DeductKey(object.ID), "refund")
	}
}

func (s *Service) handleDisputeCreated(ctx context.Context, tx *gorm.DB, event *stripe.Event) error {
	object, err := stripe.UnmarshalObject[stripe.DisputeObject](event)
	if err != nil {
		return err
	}

	payment, err := s.resolvePaymentForCharge(ctx, tx, object.PaymentIntent, object.Charge)
	if err != nil {
		return err
	}

	// No token movement yet; funds leave on charge.dispute.funds_withdrawn.
	payment.Status = paymentdomain.PaymentStatusDisputed
	payment.UpdatedAt = s.clock.Now().UTC()
	return s.repo.WithTx(tx).UpdatePaymentRefund(ctx, payment)
}

func (s *Service) handleDisputeFundsWithdrawn(ctx context.Context, tx *gorm.DB, event *stripe.Event) error {
	object, err := stripe.UnmarshalObject[stripe.DisputeObject](event)
	if err != nil {
		return err
	}
	if strings.TrimSpace(object.ID) == "" {
		return paymentdomain.ErrMissingCorrelation
	}

	payment, err := s.resolvePaymentForCharge(ctx, tx, object.PaymentIntent, object.Charge)
	if err != nil {
		return err
	}

	return s.deductTokens(ctx, tx, payment, object.Amount,
		refund.DisputeDeductKey(object.ID), "dispute")
}

func (s *Service) handleDisputeClosed(ctx context.Context, tx *gorm.DB, event *stripe.Event) error {
	object, err := stripe.UnmarshalObject[stripe.DisputeObject](event)
	if err != nil {
		return err
	}
	if strings.TrimSpace(object.ID) == "" {
		return paymentdomain.ErrMissingCorrelation
	}

	switch object.Status {
	case "won":
		payment, err := s.resolvePaymentForCharge(ctx, tx, object.PaymentIntent, object.Charge)
		if err != nil {
			return err
		}
		return s.restoreTokens(ctx, tx, payment, object.Amount,
			refund.RestoreKeyDisputeWon(object.ID), "dispute won")
	default:
		// Lost or otherwise non-refundable outcome: the withdrawal stands.
		s.log.Info("dispute closed without restoration",
			zap.String("dispute_id", object.ID),
			zap.String("status", object.Status))
		return nil
	}
}

// deductTokens claws back the proportional token share of a refunded or
// disputed amount and advances the payment's refund bookkeeping.
func (s *Service) deductTokens(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment, amountCents int64, key, reason string) error {
	calc, err := refund.Calculate(payment, amountCents)
	if err != nil {
		return err
	}

	_, err = s.ledgerSvc.WithTx(tx).Adjust(ctx, ledgerdomain.AdjustRequest{
		AccountID:      payment.AccountID,
		Tokens:         -calc.TokensToDeduct,
		Reason:         reason,
		SourceRef:      payment.SessionID,
		IdempotencyKey: key,
	})
	if errors.Is(err, ledgerdomain.ErrDuplicateTransaction) {
		return nil
	}
	if err != nil {
		return err
	}

	payment.RefundedAmountCents += calc.RefundAmountCents
	if payment.RefundedAmountCents >= payment.AmountCents {
		payment.Status = paymentdomain.PaymentStatusRefunded
	} else {
		payment.Status = paymentdomain.PaymentStatusPartiallyRefunded
	}
	payment.UpdatedAt = s.clock.Now().UTC()
	return s.repo.WithTx(tx).UpdatePaymentRefund(ctx, payment)
}

// restoreTokens gives back a previous clawback after a canceled refund or a
// dispute resolved in the account's favor. RefundedAmountCents only ever
// grows, so only the tokens move.
func (s *Service) restoreTokens(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment, amountCents int64, key, reason string) error {
	calc, err := refund.Calculate(payment, amountCents)
	if err != nil {
		return err
	}

	_, err = s.ledgerSvc.WithTx(tx).Adjust(ctx, ledgerdomain.AdjustRequest{
		AccountID:      payment.AccountID,
		Tokens:         calc.TokensToDeduct,
		Reason:         reason,
		SourceRef:      payment.SessionID,
		IdempotencyKey: key,
	})
	if errors.Is(err, ledgerdomain.ErrDuplicateTransaction) {
		return nil
	}
	return err
}

// resolvePaymentForCharge correlates a refund or dispute object back to its
// payment row via the payment intent, falling back to a charge lookup when
// the object only names the charge.
func (s *Service) resolvePaymentForCharge(ctx context.Context, tx *gorm.DB, intentID, chargeID string) (*paymentdomain.Payment, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		if strings.TrimSpace(chargeID) == "" {
			return nil, paymentdomain.ErrMissingCorrelation
		}
		charge, err := s.client.RetrieveCharge(ctx, chargeID)
		if err != nil {
			return nil, err
		}
		intentID = charge.PaymentIntentID
		if intentID == "" {
			return nil, paymentdomain.ErrMissingCorrelation
		}
	}

	payment, err := s.repo.WithTx(tx).FindPaymentByIntentID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	return payment, nil
}

// resolveAccount maps a provider-side subscription or customer back to a
// ledger account. The account reference travels in resource metadata, with a
// customer lookup as the fallback.
func (s *Service) resolveAccount(ctx context.Context, tx *gorm.DB, metadata map[string]string, customerID string) (*ledgerdomain.Account, error) {
	ref := strings.TrimSpace(metadata["account_ref"])
	if ref == "" {
		if strings.TrimSpace(customerID) == "" {
			return nil, paymentdomain.ErrMissingCorrelation
		}
		customer, err := s.client.RetrieveCustomer(ctx, customerID)
		if err != nil {
			return nil, err
		}
		ref = strings.TrimSpace(customer.Metadata["account_ref"])
		if ref == "" {
			return nil, paymentdomain.ErrMissingCorrelation
		}
	}
	return s.ledgerSvc.WithTx(tx).EnsureAccount(ctx, ref, 0)
}

// GetPaymentBySessionID is the read surface other subsystems use to show
// purchase status.
func (s *Service) GetPaymentBySessionID(ctx context.Context, sessionID string) (*paymentdomain.Payment, error) {
	payment, err := s.repo.FindPaymentBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	return payment, nil
}

func creditKey(eventType, eventID, resourceID string) string {
	return eventType + ":" + eventID + ":" + resourceID
}
