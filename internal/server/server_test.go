package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Gegcuk/tokenledger/internal/clock"
	"github.com/Gegcuk/tokenledger/internal/config"
	ledgerdomain "github.com/Gegcuk/tokenledger/internal/ledger/domain"
	ledgerrepo "github.com/Gegcuk/tokenledger/internal/ledger/repository"
	ledgerservice "github.com/Gegcuk/tokenledger/internal/ledger/service"
	paymentdomain "github.com/Gegcuk/tokenledger/internal/payment/domain"
	paymentrepo "github.com/Gegcuk/tokenledger/internal/payment/repository"
	paymentservice "github.com/Gegcuk/tokenledger/internal/payment/service"
	"github.com/Gegcuk/tokenledger/internal/payment/stripe"
	subscriptionrepo "github.com/Gegcuk/tokenledger/internal/subscription/repository"
	subscriptionservice "github.com/Gegcuk/tokenledger/internal/subscription/service"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testWebhookSecret = "whsec_server_test"

type fakeProcessorClient struct {
	session *paymentdomain.CheckoutSession
}

func (c *fakeProcessorClient) RetrieveCheckoutSession(ctx context.Context, id string) (*paymentdomain.CheckoutSession, error) {
	if c.session == nil || c.session.ID != id {
		return nil, errors.New("session_not_found")
	}
	return c.session, nil
}

func (c *fakeProcessorClient) RetrieveSubscription(ctx context.Context, id string) (*paymentdomain.Subscription, error) {
	return nil, errors.New("subscription_not_found")
}

func (c *fakeProcessorClient) RetrieveCharge(ctx context.Context, id string) (*paymentdomain.Charge, error) {
	return nil, errors.New("charge_not_found")
}

func (c *fakeProcessorClient) RetrieveCustomer(ctx context.Context, id string) (*paymentdomain.Customer, error) {
	return nil, errors.New("customer_not_found")
}

func setupServerTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE token_accounts (
			id BIGINT PRIMARY KEY,
			external_ref TEXT NOT NULL,
			initial_tokens BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_token_accounts_external_ref ON token_accounts(external_ref)`,
		`CREATE TABLE token_reservations (
			id BIGINT PRIMARY KEY,
			account_id BIGINT NOT NULL,
			estimated_tokens BIGINT NOT NULL,
			state TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_token_reservations_key ON token_reservations(idempotency_key)`,
		`CREATE TABLE token_transactions (
			id BIGINT PRIMARY KEY,
			account_id BIGINT NOT NULL,
			reservation_id BIGINT,
			type TEXT NOT NULL,
			amount_tokens BIGINT NOT NULL,
			idempotency_key TEXT NOT NULL,
			source_ref TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_token_transactions_key_type ON token_transactions(idempotency_key, type)`,
		`CREATE TABLE subscription_statuses (
			account_id BIGINT PRIMARY KEY,
			blocked BOOLEAN NOT NULL DEFAULT FALSE,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE payments (
			id BIGINT PRIMARY KEY,
			account_id BIGINT NOT NULL,
			session_id TEXT NOT NULL,
			payment_intent_id TEXT NOT NULL,
			amount_cents BIGINT NOT NULL,
			currency TEXT NOT NULL,
			credited_tokens BIGINT NOT NULL,
			refunded_amount_cents BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_payments_session_id ON payments(session_id)`,
		`CREATE UNIQUE INDEX ux_payments_payment_intent_id ON payments(payment_intent_id)`,
		`CREATE TABLE processed_events (
			id BIGINT PRIMARY KEY,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			processed_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_processed_events_event_id ON processed_events(event_id)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func setupTestServer(t *testing.T, client paymentdomain.ProcessorClient) (*Server, *gorm.DB, ledgerdomain.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := setupServerTestDB(t)
	node, err := snowflake.NewNode(15)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Config{
		HTTPAddr: ":0",
		Ledger:   config.LedgerConfig{TokenRatio: 1000, SafetyFactor: 1.2, ReservationTTL: 30 * time.Minute},
	}
	pricing := config.NewStaticPricingHolder(config.PricingConfig{
		Packs: []config.PackPrice{
			{PriceID: "price_pack_500", Name: "starter", Tokens: 500, AmountCents: 999, Currency: "usd"},
		},
	})

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clk,
		Config: cfg,
		Repo:   ledgerrepo.NewRepository(db),
	})
	subSvc := subscriptionservice.NewService(subscriptionservice.Params{
		DB:        db,
		Log:       zap.NewNop(),
		Clock:     clk,
		Pricing:   pricing,
		LedgerSvc: ledgerSvc,
		Repo:      subscriptionrepo.NewRepository(db),
	})
	paymentSvc := paymentservice.NewService(paymentservice.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Verifier:  stripe.NewVerifier(testWebhookSecret),
		Client:    client,
		Validator: paymentservice.NewCheckoutValidator(pricing),
		LedgerSvc: ledgerSvc,
		SubSvc:    subSvc,
		Repo:      paymentrepo.NewRepository(db),
	})

	srv := NewServer(ServerParams{
		Gin:        NewEngine(zap.NewNop()),
		Cfg:        cfg,
		LedgerSvc:  ledgerSvc,
		SubSvc:     subSvc,
		PaymentSvc: paymentSvc,
	})
	return srv, db, ledgerSvc
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
}

func TestReservationLifecycleOverHTTP(t *testing.T) {
	srv, _, ledgerSvc := setupTestServer(t, &fakeProcessorClient{})

	account, err := ledgerSvc.EnsureAccount(context.Background(), "user_http", 1000)
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	w := doJSON(t, srv, http.MethodPost, "/internal/reservations", map[string]any{
		"external_ref":     "user_http",
		"estimated_tokens": 500,
		"idempotency_key":  "op-http-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	var created struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	decodeBody(t, w, &created)
	if created.State != "ACTIVE" {
		t.Fatalf("expected ACTIVE, got %s", created.State)
	}

	w = doJSON(t, srv, http.MethodPost, "/internal/reservations/"+created.ID+"/commit", map[string]any{
		"actual_tokens": 300,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	var committed struct {
		CommittedTokens int64 `json:"committed_tokens"`
		ReleasedTokens  int64 `json:"released_tokens"`
	}
	decodeBody(t, w, &committed)
	if committed.CommittedTokens != 300 || committed.ReleasedTokens != 200 {
		t.Fatalf("unexpected settle %+v", committed)
	}

	w = doJSON(t, srv, http.MethodGet, "/accounts/"+account.ID.String()+"/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	var balance struct {
		Available int64 `json:"available"`
	}
	decodeBody(t, w, &balance)
	if balance.Available != 700 {
		t.Fatalf("expected 700 available, got %d", balance.Available)
	}
}

func TestReserveConvertsRawModelTokens(t *testing.T) {
	srv, _, ledgerSvc := setupTestServer(t, &fakeProcessorClient{})

	if _, err := ledgerSvc.EnsureAccount(context.Background(), "user_raw", 1000); err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	// 250100 raw tokens at ratio 1000 is 251 billing tokens; the 1.2
	// safety factor inflates that to ceil(301.2) = 302.
	w := doJSON(t, srv, http.MethodPost, "/internal/reservations", map[string]any{
		"external_ref":         "user_raw",
		"estimated_llm_tokens": 250100,
		"idempotency_key":      "op-raw-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	var created struct {
		EstimatedTokens int64  `json:"estimated_tokens"`
		State           string `json:"state"`
	}
	decodeBody(t, w, &created)
	if created.EstimatedTokens != 302 {
		t.Fatalf("expected 302 estimated tokens, got %d", created.EstimatedTokens)
	}
	if created.State != "ACTIVE" {
		t.Fatalf("expected ACTIVE, got %s", created.State)
	}
}

func TestReserveInsufficientReturnsConflict(t *testing.T) {
	srv, _, ledgerSvc := setupTestServer(t, &fakeProcessorClient{})

	if _, err := ledgerSvc.EnsureAccount(context.Background(), "user_poor", 100); err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	w := doJSON(t, srv, http.MethodPost, "/internal/reservations", map[string]any{
		"external_ref":     "user_poor",
		"estimated_tokens": 500,
		"idempotency_key":  "op-poor-1",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%s)", w.Code, w.Body.String())
	}
	var resp struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	decodeBody(t, w, &resp)
	if resp.Error.Type != "insufficient_tokens" {
		t.Fatalf("unexpected error type %q", resp.Error.Type)
	}
}

func TestGetReservationNotFound(t *testing.T) {
	srv, _, _ := setupTestServer(t, &fakeProcessorClient{})

	w := doJSON(t, srv, http.MethodGet, "/reservations/123456789", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%s)", w.Code, w.Body.String())
	}
}

func signWebhookPayload(payload []byte) string {
	timestamp := time.Now().Unix()
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func postWebhook(t *testing.T, srv *Server, payload []byte, sigHeader string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", sigHeader)
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	return w
}

func TestWebhookDuplicateReturns200(t *testing.T) {
	client := &fakeProcessorClient{
		session: &paymentdomain.CheckoutSession{
			ID:                "cs_http",
			PaymentIntentID:   "pi_http",
			ClientReferenceID: "user_hook",
			AmountTotalCents:  999,
			Currency:          "USD",
			PriceID:           "price_pack_500",
		},
	}
	srv, db, _ := setupTestServer(t, client)

	payload, _ := json.Marshal(map[string]any{
		"id":   "evt_http_1",
		"type": "checkout.session.completed",
		"data": map[string]any{"object": map[string]any{"id": "cs_http"}},
	})

	w := postWebhook(t, srv, payload, signWebhookPayload(payload))
	if w.Code != http.StatusOK {
		t.Fatalf("first delivery: expected 200, got %d (%s)", w.Code, w.Body.String())
	}

	w = postWebhook(t, srv, payload, signWebhookPayload(payload))
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate delivery: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	var resp struct {
		Status string `json:"status"`
	}
	decodeBody(t, w, &resp)
	if resp.Status != "duplicate" {
		t.Fatalf("expected duplicate status, got %q", resp.Status)
	}

	var credits int64
	if err := db.Raw(`SELECT COUNT(*) FROM token_transactions WHERE type = 'CREDIT'`).Scan(&credits).Error; err != nil {
		t.Fatalf("count credits: %v", err)
	}
	if credits != 1 {
		t.Fatalf("expected exactly one credit, got %d", credits)
	}
}

func TestWebhookBadSignatureReturns400(t *testing.T) {
	srv, _, _ := setupTestServer(t, &fakeProcessorClient{})

	payload := []byte(`{"id":"evt_bad","type":"checkout.session.completed","data":{"object":{}}}`)
	w := postWebhook(t, srv, payload, "t=1,v1=deadbeef")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", w.Code, w.Body.String())
	}
}
