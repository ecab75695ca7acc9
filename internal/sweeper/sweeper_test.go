package sweeper_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Gegcuk/tokenledger/internal/clock"
	"github.com/Gegcuk/tokenledger/internal/config"
	ledgerdomain "github.com/Gegcuk/tokenledger/internal/ledger/domain"
	ledgerrepo "github.com/Gegcuk/tokenledger/internal/ledger/repository"
	ledgerservice "github.com/Gegcuk/tokenledger/internal/ledger/service"
	"github.com/Gegcuk/tokenledger/internal/sweeper"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_sweeper_%d?mode=memory&cache=shared", time.Now().UnixNano())
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

func setupSweeper(t *testing.T, db *gorm.DB, clk clock.Clock, batchSize int) (*sweeper.Sweeper, ledgerdomain.Service) {
	t.Helper()

	node, err := snowflake.NewNode(14)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	repo := ledgerrepo.NewRepository(db)
	svc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Config: config.Config{
			Ledger: config.LedgerConfig{TokenRatio: 1000, SafetyFactor: 1.2, ReservationTTL: 30 * time.Minute},
		},
		Repo: repo,
	})

	sw, err := sweeper.New(sweeper.Params{
		Log:        zap.NewNop(),
		Clock:      clk,
		LedgerSvc:  svc,
		LedgerRepo: repo,
		Config:     sweeper.Config{BatchSize: batchSize},
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	return sw, svc
}

func TestSweepExpiresStaleReservations(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	sw, svc := setupSweeper(t, db, clk, 100)

	account, err := svc.EnsureAccount(ctx, "acct_sweep", 1000)
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	res, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{
		AccountID:       account.ID,
		EstimatedTokens: 400,
		IdempotencyKey:  "op-stale",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Before the TTL elapses the hold stays put.
	if err := sw.RunOnce(ctx); err != nil {
		t.Fatalf("early sweep: %v", err)
	}
	current, err := svc.GetReservation(ctx, res.ID)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if current.State != ledgerdomain.ReservationStateActive {
		t.Fatalf("hold must survive an early sweep, got %s", current.State)
	}

	clk.Advance(31 * time.Minute)

	if err := sw.RunOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	current, err = svc.GetReservation(ctx, res.ID)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if current.State != ledgerdomain.ReservationStateExpired {
		t.Fatalf("expected EXPIRED, got %s", current.State)
	}

	balance, err := svc.AvailableTokens(ctx, account.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Available != 1000 {
		t.Fatalf("expired hold must return in full, got %d", balance.Available)
	}
}

func TestSweepSkipsCommittedReservations(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	sw, svc := setupSweeper(t, db, clk, 100)

	account, err := svc.EnsureAccount(ctx, "acct_committed", 1000)
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	res, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{
		AccountID:       account.ID,
		EstimatedTokens: 400,
		IdempotencyKey:  "op-committed",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := svc.Commit(ctx, res.ID, 300); err != nil {
		t.Fatalf("commit: %v", err)
	}

	clk.Advance(time.Hour)

	if err := sw.RunOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	current, err := svc.GetReservation(ctx, res.ID)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if current.State != ledgerdomain.ReservationStateCommitted {
		t.Fatalf("committed hold must not be expired, got %s", current.State)
	}
}

func TestSweepDrainsBacklogAcrossBatches(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	sw, svc := setupSweeper(t, db, clk, 2)

	account, err := svc.EnsureAccount(ctx, "acct_backlog", 1000)
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{
			AccountID:       account.ID,
			EstimatedTokens: 100,
			IdempotencyKey:  fmt.Sprintf("op-backlog-%d", i),
		}); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}

	clk.Advance(time.Hour)

	if err := sw.RunOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	var remaining int64
	if err := db.Raw(`SELECT COUNT(*) FROM token_reservations WHERE state = 'ACTIVE'`).Scan(&remaining).Error; err != nil {
		t.Fatalf("count active: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("backlog must drain in one run, %d holds left", remaining)
	}

	balance, err := svc.AvailableTokens(ctx, account.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Available != 1000 {
		t.Fatalf("all holds must return, got %d", balance.Available)
	}
}

func TestRepeatedSweepsReleaseHoldOnce(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	sw, svc := setupSweeper(t, db, clk, 100)

	account, err := svc.EnsureAccount(ctx, "acct_resweep", 1000)
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	res, err := svc.Reserve(ctx, ledgerdomain.ReserveRequest{
		AccountID:       account.ID,
		EstimatedTokens: 400,
		IdempotencyKey:  "op-resweep",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	clk.Advance(31 * time.Minute)

	// The claim query takes no locks, so a second sweeper may pick up the
	// same candidate row. The guarded state transition decides the winner.
	if err := sw.RunOnce(ctx); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if err := sw.RunOnce(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	current, err := svc.GetReservation(ctx, res.ID)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if current.State != ledgerdomain.ReservationStateExpired {
		t.Fatalf("expected EXPIRED, got %s", current.State)
	}

	var releases int64
	if err := db.Raw(`SELECT COUNT(*) FROM token_transactions WHERE type = 'RELEASE'`).Scan(&releases).Error; err != nil {
		t.Fatalf("count releases: %v", err)
	}
	if releases != 1 {
		t.Fatalf("expiry must release exactly once, got %d", releases)
	}

	balance, err := svc.AvailableTokens(ctx, account.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Available != 1000 {
		t.Fatalf("hold must return exactly once, got %d", balance.Available)
	}
}
