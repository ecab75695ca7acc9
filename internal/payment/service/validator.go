package service

import (
	"context"
	"strings"

	"github.com/Gegcuk/tokenledger/internal/config"
	paymentdomain "github.com/Gegcuk/tokenledger/internal/payment/domain"
)

// CheckoutValidatorImpl resolves a checkout session against the pricing
// catalogue: the session's price must map to a known pack, and the charged
// amount must match that pack's price.
type CheckoutValidatorImpl struct {
	pricing *config.PricingHolder
}

func NewCheckoutValidator(pricing *config.PricingHolder) paymentdomain.CheckoutValidator {
	return &CheckoutValidatorImpl{pricing: pricing}
}

func (v *CheckoutValidatorImpl) ValidateSession(ctx context.Context, session *paymentdomain.CheckoutSession) (*paymentdomain.CheckoutPurchase, error) {
	if session == nil || strings.TrimSpace(session.PriceID) == "" {
		return nil, paymentdomain.ErrMissingCorrelation
	}

	pack, ok := v.pricing.PackByPriceID(session.PriceID)
	if !ok {
		return nil, paymentdomain.ErrUnknownPrice
	}
	if session.AmountTotalCents != pack.AmountCents {
		return nil, paymentdomain.ErrUnknownPrice
	}
	currency := strings.ToUpper(strings.TrimSpace(session.Currency))
	if currency == "" {
		currency = strings.ToUpper(pack.Currency)
	}

	return &paymentdomain.CheckoutPurchase{
		PriceID:     pack.PriceID,
		PackName:    pack.Name,
		Tokens:      pack.Tokens,
		AmountCents: pack.AmountCents,
		Currency:    currency,
	}, nil
}
