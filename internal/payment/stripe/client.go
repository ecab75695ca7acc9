package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	paymentdomain "github.com/Gegcuk/tokenledger/internal/payment/domain"
)

type stripeErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client talks to the Stripe REST API for the resource lookups handlers need.
type Client struct {
	apiKey string
	client *http.Client
}

func NewClient(apiKey string) *Client {
	return &Client{
		apiKey: strings.TrimSpace(apiKey),
		client: &http.Client{Timeout: 12 * time.Second},
	}
}

func (c *Client) RetrieveCheckoutSession(ctx context.Context, id string) (*paymentdomain.CheckoutSession, error) {
	var session struct {
		ID                string            `json:"id"`
		PaymentIntent     string            `json:"payment_intent"`
		ClientReferenceID string            `json:"client_reference_id"`
		Customer          string            `json:"customer"`
		Subscription      string            `json:"subscription"`
		AmountTotal       int64             `json:"amount_total"`
		Currency          string            `json:"currency"`
		Metadata          map[string]string `json:"metadata"`
		LineItems         struct {
			Data []struct {
				Price struct {
					ID string `json:"id"`
				} `json:"price"`
			} `json:"data"`
		} `json:"line_items"`
	}
	values := url.Values{}
	values.Set("expand[]", "line_items")
	if err := c.doRequest(ctx, "/v1/checkout/sessions/"+url.PathEscape(id), values, &session); err != nil {
		return nil, err
	}
	priceID := ""
	if len(session.LineItems.Data) > 0 {
		priceID = session.LineItems.Data[0].Price.ID
	}
	return &paymentdomain.CheckoutSession{
		ID:                session.ID,
		PaymentIntentID:   session.PaymentIntent,
		ClientReferenceID: session.ClientReferenceID,
		CustomerID:        session.Customer,
		SubscriptionID:    session.Subscription,
		AmountTotalCents:  session.AmountTotal,
		Currency:          strings.ToUpper(strings.TrimSpace(session.Currency)),
		PriceID:           priceID,
		Metadata:          session.Metadata,
	}, nil
}

func (c *Client) RetrieveSubscription(ctx context.Context, id string) (*paymentdomain.Subscription, error) {
	var subscription struct {
		ID                 string            `json:"id"`
		Customer           string            `json:"customer"`
		Status             string            `json:"status"`
		CurrentPeriodStart int64             `json:"current_period_start"`
		Metadata           map[string]string `json:"metadata"`
		Items              struct {
			Data []struct {
				Price struct {
					ID string `json:"id"`
				} `json:"price"`
			} `json:"data"`
		} `json:"items"`
	}
	if err := c.doRequest(ctx, "/v1/subscriptions/"+url.PathEscape(id), nil, &subscription); err != nil {
		return nil, err
	}
	priceID := ""
	if len(subscription.Items.Data) > 0 {
		priceID = subscription.Items.Data[0].Price.ID
	}
	return &paymentdomain.Subscription{
		ID:                 subscription.ID,
		CustomerID:         subscription.Customer,
		PriceID:            priceID,
		Status:             subscription.Status,
		CurrentPeriodStart: time.Unix(subscription.CurrentPeriodStart, 0).UTC(),
		Metadata:           subscription.Metadata,
	}, nil
}

func (c *Client) RetrieveCharge(ctx context.Context, id string) (*paymentdomain.Charge, error) {
	var charge struct {
		ID            string            `json:"id"`
		PaymentIntent string            `json:"payment_intent"`
		Amount        int64             `json:"amount"`
		Currency      string            `json:"currency"`
		Metadata      map[string]string `json:"metadata"`
	}
	if err := c.doRequest(ctx, "/v1/charges/"+url.PathEscape(id), nil, &charge); err != nil {
		return nil, err
	}
	return &paymentdomain.Charge{
		ID:              charge.ID,
		PaymentIntentID: charge.PaymentIntent,
		AmountCents:     charge.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(charge.Currency)),
		Metadata:        charge.Metadata,
	}, nil
}

func (c *Client) RetrieveCustomer(ctx context.Context, id string) (*paymentdomain.Customer, error) {
	var customer struct {
		ID       string            `json:"id"`
		Email    string            `json:"email"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := c.doRequest(ctx, "/v1/customers/"+url.PathEscape(id), nil, &customer); err != nil {
		return nil, err
	}
	return &paymentdomain.Customer{
		ID:       customer.ID,
		Email:    customer.Email,
		Metadata: customer.Metadata,
	}, nil
}

func (c *Client) doRequest(ctx context.Context, path string, values url.Values, out any) error {
	if c.apiKey == "" {
		return errors.New("stripe_api_key_missing")
	}
	target := "https://api.stripe.com" + path
	if values != nil {
		target += "?" + values.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var stripeErr stripeErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&stripeErr); err != nil {
			return errors.New("stripe_request_failed")
		}
		message := strings.TrimSpace(stripeErr.Error.Message)
		if message == "" {
			message = "stripe_request_failed"
		}
		return errors.New(message)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
