package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Gegcuk/tokenledger/internal/clock"
	"github.com/Gegcuk/tokenledger/internal/config"
	ledgerdomain "github.com/Gegcuk/tokenledger/internal/ledger/domain"
	ledgerrepo "github.com/Gegcuk/tokenledger/internal/ledger/repository"
	ledgerservice "github.com/Gegcuk/tokenledger/internal/ledger/service"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_ledger_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, clk clock.Clock) ledgerdomain.Service {
	t.Helper()

	node, err := snowflake.NewNode(10)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	cfg := config.Config{
		Ledger: config.LedgerConfig{
			TokenRatio:     1000,
			SafetyFactor:   1.2,
			ReservationTTL: 30 * time.Minute,
		},
	}
	return ledgerservice.NewService(ledgerservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clk,
		Config: cfg,
		Repo:   ledgerrepo.NewRepository(db),
	})
}

func seedAccount(t *testing.T, svc ledgerdomain.Service, initialTokens int64) *ledgerdomain.Account {
	t.Helper()

	account, err := svc.EnsureAccount(context.Background(), fmt.Sprintf("acct_%d", time.Now().UnixNano()), initialTokens)
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	return account
}

func assertCount(t *testing.T, db *gorm.DB, query string, expected int64) {
	t.Helper()

	var count int64
	if err := db.Raw(query).Scan(&count).Error; err != nil {
		t.Fatalf("query count: %v", err)
	}
	if count != expected {
		t.Fatalf("expected %d, got %d", expected, count)
	}
}

func TestInsertTransactionTreatsAnyUniqueViolationAsDuplicate(t *testing.T) {
	db := setupTestDB(t)
	repo := ledgerrepo.NewRepository(db)
	ctx := context.Background()

	node, err := snowflake.NewNode(11)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	txn := ledgerdomain.TokenTransaction{
		ID:             node.Generate(),
		AccountID:      node.Generate(),
		Type:           ledgerdomain.TransactionTypeCredit,
		AmountTokens:   10,
		IdempotencyKey: "credit:evt_a",
		CreatedAt:      time.Now().UTC(),
	}
	inserted, err := repo.InsertTransaction(ctx, txn)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}

	// Same primary key under a different idempotency key. The conflict
	// clause does not absorb this violation, so the error path has to
	// classify it as a duplicate rather than surface it.
	txn.IdempotencyKey = "credit:evt_b"
	inserted, err = repo.InsertTransaction(ctx, txn)
	if err != nil {
		t.Fatalf("duplicate id must not error, got %v", err)
	}
	if inserted {
		t.Fatal("duplicate id must not report a new row")
	}

	assertCount(t, db, `SELECT COUNT(*) FROM token_transactions`, 1)
}

func TestReserveCommitPartialUsage(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	account := seedAccount(t, svc, 1000)

	res, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{
		AccountID:       account.ID,
		EstimatedTokens: 500,
		IdempotencyKey:  "op-123",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.State != ledgerdomain.ReservationStateActive {
		t.Fatalf("expected ACTIVE, got %s", res.State)
	}

	balance, err := svc.AvailableTokens(ctx, account.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Available != 1000 {
		t.Fatalf("available should exclude holds, got %d", balance.Available)
	}
	if balance.Reserved != 500 {
		t.Fatalf("expected 500 reserved, got %d", balance.Reserved)
	}

	result, err := svc.Commit(ctx, res.ID, 300)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if result.CommittedTokens != 300 || result.ReleasedTokens != 200 {
		t.Fatalf("expected 300 committed / 200 released, got %d / %d",
			result.CommittedTokens, result.ReleasedTokens)
	}
	if result.Reservation == nil || result.Reservation.State != ledgerdomain.ReservationStateCommitted {
		t.Fatalf("commit result must carry the committed reservation, got %+v", result.Reservation)
	}

	balance, err = svc.AvailableTokens(ctx, account.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Available != 700 {
		t.Fatalf("expected 700 available, got %d", balance.Available)
	}
	if balance.Reserved != 0 {
		t.Fatalf("expected no active holds, got %d", balance.Reserved)
	}

	assertCount(t, db, `SELECT COUNT(*) FROM token_transactions WHERE type = 'COMMIT'`, 1)
	assertCount(t, db, `SELECT COUNT(*) FROM token_transactions WHERE type = 'RELEASE'`, 1)
}

func TestCommitCapsAtReservedAmount(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	account := seedAccount(t, svc, 1000)

	res, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{
		AccountID:       account.ID,
		EstimatedTokens: 200,
		IdempotencyKey:  "op-overrun",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	result, err := svc.Commit(ctx, res.ID, 350)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if result.CommittedTokens != 200 {
		t.Fatalf("commit must cap at reserved, got %d", result.CommittedTokens)
	}
	if result.ReleasedTokens != 0 {
		t.Fatalf("expected no remainder, got %d", result.ReleasedTokens)
	}
}

func TestReserveReplayReturnsExistingReservation(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	account := seedAccount(t, svc, 1000)

	first, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{
		AccountID:       account.ID,
		EstimatedTokens: 400,
		IdempotencyKey:  "op-replay",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	second, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{
		AccountID:       account.ID,
		EstimatedTokens: 400,
		IdempotencyKey:  "op-replay",
	})
	if err != nil {
		t.Fatalf("reserve replay: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("replay must return the same reservation")
	}

	assertCount(t, db, `SELECT COUNT(*) FROM token_reservations`, 1)
	assertCount(t, db, `SELECT COUNT(*) FROM token_transactions WHERE type = 'RESERVE'`, 1)
}

func TestCommitReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	account := seedAccount(t, svc, 1000)

	res, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{
		AccountID:       account.ID,
		EstimatedTokens: 500,
		IdempotencyKey:  "op-commit-twice",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	first, err := svc.Commit(ctx, res.ID, 300)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	second, err := svc.Commit(ctx, res.ID, 300)
	if err != nil {
		t.Fatalf("commit replay: %v", err)
	}
	if second.CommittedTokens != first.CommittedTokens || second.ReleasedTokens != first.ReleasedTokens {
		t.Fatalf("replay result diverged: %+v vs %+v", second, first)
	}
	if second.Reservation == nil || second.Reservation.State != ledgerdomain.ReservationStateCommitted {
		t.Fatalf("replay must return the committed reservation, got %+v", second.Reservation)
	}

	balance, err := svc.AvailableTokens(ctx, account.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Available != 700 {
		t.Fatalf("replay must not double-charge, got %d", balance.Available)
	}

	assertCount(t, db, `SELECT COUNT(*) FROM token_transactions WHERE type = 'COMMIT'`, 1)
}

func TestReserveInsufficientTokens(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	account := seedAccount(t, svc, 100)

	if _, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{
		AccountID:       account.ID,
		EstimatedTokens: 80,
		IdempotencyKey:  "op-a",
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	_, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{
		AccountID:       account.ID,
		EstimatedTokens: 50,
		IdempotencyKey:  "op-b",
	})
	var insufficient *ledgerdomain.InsufficientTokensError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientTokensError, got %v", err)
	}
	if insufficient.Available != 20 {
		t.Fatalf("expected headroom 20, got %d", insufficient.Available)
	}
	if insufficient.Shortfall() != 30 {
		t.Fatalf("expected shortfall 30, got %d", insufficient.Shortfall())
	}

	assertCount(t, db, `SELECT COUNT(*) FROM token_reservations`, 1)
}

func TestReleaseRestoresFullHold(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	account := seedAccount(t, svc, 300)

	res, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{
		AccountID:       account.ID,
		EstimatedTokens: 300,
		IdempotencyKey:  "op-release",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	released, err := svc.Release(ctx, res.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.State != ledgerdomain.ReservationStateReleased {
		t.Fatalf("expected RELEASED, got %s", released.State)
	}

	balance, err := svc.AvailableTokens(ctx, account.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Available != 300 || balance.Reserved != 0 {
		t.Fatalf("full hold must return, got available=%d reserved=%d", balance.Available, balance.Reserved)
	}

	// Releasing again is a no-op.
	again, err := svc.Release(ctx, res.ID)
	if err != nil {
		t.Fatalf("release replay: %v", err)
	}
	if again.State != ledgerdomain.ReservationStateReleased {
		t.Fatalf("expected RELEASED, got %s", again.State)
	}
	assertCount(t, db, `SELECT COUNT(*) FROM token_transactions WHERE type = 'RELEASE'`, 1)
}

func TestCommitAfterReleaseIsIllegal(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	account := seedAccount(t, svc, 500)

	res, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{
		AccountID:       account.ID,
		EstimatedTokens: 100,
		IdempotencyKey:  "op-illegal",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := svc.Release(ctx, res.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	_, err = svc.Commit(ctx, res.ID, 50)
	var illegal *ledgerdomain.IllegalStateTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalStateTransitionError, got %v", err)
	}
	if illegal.From != ledgerdomain.ReservationStateReleased {
		t.Fatalf("expected RELEASED origin, got %s", illegal.From)
	}
}

func TestExpireIsNoOpOnTerminalState(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	account := seedAccount(t, svc, 500)

	res, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{
		AccountID:       account.ID,
		EstimatedTokens: 100,
		IdempotencyKey:  "op-expire-committed",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := svc.Commit(ctx, res.ID, 100); err != nil {
		t.Fatalf("commit: %v", err)
	}

	expired, err := svc.Expire(ctx, res.ID)
	if err != nil {
		t.Fatalf("expire on terminal: %v", err)
	}
	if expired.State != ledgerdomain.ReservationStateCommitted {
		t.Fatalf("expire must not disturb COMMITTED, got %s", expired.State)
	}

	balance, err := svc.AvailableTokens(ctx, account.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Available != 400 {
		t.Fatalf("expected 400 available, got %d", balance.Available)
	}
}

func TestExpireActiveReservation(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	account := seedAccount(t, svc, 500)

	res, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{
		AccountID:       account.ID,
		EstimatedTokens: 200,
		IdempotencyKey:  "op-expire-active",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	expired, err := svc.Expire(ctx, res.ID)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired.State != ledgerdomain.ReservationStateExpired {
		t.Fatalf("expected EXPIRED, got %s", expired.State)
	}

	balance, err := svc.AvailableTokens(ctx, account.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Reserved != 0 {
		t.Fatalf("expired hold must stop counting, got %d", balance.Reserved)
	}
	assertCount(t, db,
		`SELECT COUNT(*) FROM token_transactions WHERE type = 'RELEASE' AND idempotency_key LIKE 'reservation-expired:%'`, 1)
}

func TestCreditDuplicateKey(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	account := seedAccount(t, svc, 0)

	if _, err := svc.Credit(ctx, ledgerdomain.CreditRequest{
		AccountID:      account.ID,
		Tokens:         250,
		Source:         ledgerdomain.CreditSourcePurchase,
		IdempotencyKey: "evt_123",
	}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	_, err := svc.Credit(ctx, ledgerdomain.CreditRequest{
		AccountID:      account.ID,
		Tokens:         250,
		Source:         ledgerdomain.CreditSourcePurchase,
		IdempotencyKey: "evt_123",
	})
	if !errors.Is(err, ledgerdomain.ErrDuplicateTransaction) {
		t.Fatalf("expected ErrDuplicateTransaction, got %v", err)
	}

	balance, err := svc.AvailableTokens(ctx, account.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Available != 250 {
		t.Fatalf("duplicate credit must not apply twice, got %d", balance.Available)
	}
	assertCount(t, db, `SELECT COUNT(*) FROM token_transactions WHERE type = 'CREDIT'`, 1)
}

func TestAdjustCanGoNegative(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	account := seedAccount(t, svc, 100)

	if _, err := svc.Adjust(ctx, ledgerdomain.AdjustRequest{
		AccountID:      account.ID,
		Tokens:         -150,
		Reason:         "refund clawback",
		IdempotencyKey: "re_123",
	}); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	balance, err := svc.AvailableTokens(ctx, account.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Available != -50 {
		t.Fatalf("expected -50 after clawback, got %d", balance.Available)
	}
}

func TestEnsureAccountIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	first, err := svc.EnsureAccount(ctx, "user_42", 1000)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := svc.EnsureAccount(ctx, "user_42", 9999)
	if err != nil {
		t.Fatalf("ensure replay: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same account")
	}
	if second.InitialTokens != 1000 {
		t.Fatalf("existing account must keep its balance, got %d", second.InitialTokens)
	}
	assertCount(t, db, `SELECT COUNT(*) FROM token_accounts`, 1)
}

func TestReserveRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	account := seedAccount(t, svc, 100)

	if _, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{
		AccountID:       account.ID,
		EstimatedTokens: 0,
		IdempotencyKey:  "op-zero",
	}); !errors.Is(err, ledgerdomain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{
		AccountID:       account.ID,
		EstimatedTokens: 10,
	}); !errors.Is(err, ledgerdomain.ErrInvalidIdempotencyKey) {
		t.Fatalf("expected ErrInvalidIdempotencyKey, got %v", err)
	}
}
