package domain

import (
	"context"
	"time"
)

// CheckoutSession is the processor's view of a completed checkout.
type CheckoutSession struct {
	ID                string
	PaymentIntentID   string
	ClientReferenceID string
	CustomerID        string
	SubscriptionID    string
	AmountTotalCents  int64
	Currency          string
	PriceID           string
	Metadata          map[string]string
}

type Subscription struct {
	ID                 string
	CustomerID         string
	PriceID            string
	Status             string
	CurrentPeriodStart time.Time
	Metadata           map[string]string
}

type Charge struct {
	ID              string
	PaymentIntentID string
	AmountCents     int64
	Currency        string
	Metadata        map[string]string
}

type Customer struct {
	ID       string
	Email    string
	Metadata map[string]string
}

// ProcessorClient is the black-box payment processor lookup surface. Event
// payloads only carry resource ids; handlers resolve the full resource here.
type ProcessorClient interface {
	RetrieveCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	RetrieveSubscription(ctx context.Context, id string) (*Subscription, error)
	RetrieveCharge(ctx context.Context, id string) (*Charge, error)
	RetrieveCustomer(ctx context.Context, id string) (*Customer, error)
}

// CheckoutPurchase is the validated business content of a checkout session.
type CheckoutPurchase struct {
	PriceID     string
	PackName    string
	Tokens      int64
	AmountCents int64
	Currency    string
}

// CheckoutValidator resolves the purchased pack and token amount for a
// session, raising typed not-found/mismatch errors.
type CheckoutValidator interface {
	ValidateSession(ctx context.Context, session *CheckoutSession) (*CheckoutPurchase, error)
}
