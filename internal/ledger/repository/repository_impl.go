package repository

import (
	"context"
	"time"

	ledgerdomain "github.com/Gegcuk/tokenledger/internal/ledger/domain"
	"github.com/Gegcuk/tokenledger/pkg/db"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type RepositoryImpl struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) ledgerdomain.Repository {
	return &RepositoryImpl{db: db}
}

func (r *RepositoryImpl) WithTx(tx *gorm.DB) ledgerdomain.Repository {
	return &RepositoryImpl{db: tx}
}

func (r *RepositoryImpl) FindAccount(ctx context.Context, id snowflake.ID) (*ledgerdomain.Account, error) {
	return r.findAccount(ctx, `SELECT id, external_ref, initial_tokens, created_at
		 FROM token_accounts WHERE id = ? LIMIT 1`, id)
}

func (r *RepositoryImpl) FindAccountByExternalRef(ctx context.Context, externalRef string) (*ledgerdomain.Account, error) {
	return r.findAccount(ctx, `SELECT id, external_ref, initial_tokens, created_at
		 FROM token_accounts WHERE external_ref = ? LIMIT 1`, externalRef)
}

func (r *RepositoryImpl) LockAccount(ctx context.Context, id snowflake.ID) (*ledgerdomain.Account, error) {
	query := `SELECT id, external_ref, initial_tokens, created_at
		 FROM token_accounts WHERE id = ? LIMIT 1`
	if r.db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}
	return r.findAccount(ctx, query, id)
}

func (r *RepositoryImpl) findAccount(ctx context.Context, query string, arg any) (*ledgerdomain.Account, error) {
	var account ledgerdomain.Account
	if err := r.db.WithContext(ctx).Raw(query, arg).Scan(&account).Error; err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *RepositoryImpl) InsertAccount(ctx context.Context, account ledgerdomain.Account) (bool, error) {
	result := r.db.WithContext(ctx).Exec(
		`INSERT INTO token_accounts (id, external_ref, initial_tokens, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (external_ref) DO NOTHING`,
		account.ID, account.ExternalRef, account.InitialTokens, account.CreatedAt,
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

func (r *RepositoryImpl) LoadBalance(ctx context.Context, accountID snowflake.ID) (ledgerdomain.BalanceRow, error) {
	var row ledgerdomain.BalanceRow
	err := r.db.WithContext(ctx).Raw(
		`SELECT
			a.initial_tokens AS initial_tokens,
			COALESCE(SUM(CASE WHEN t.type = 'CREDIT' THEN t.amount_tokens ELSE 0 END), 0) AS total_credited,
			COALESCE(SUM(CASE WHEN t.type = 'COMMIT' THEN t.amount_tokens ELSE 0 END), 0) AS total_committed,
			COALESCE(SUM(CASE WHEN t.type = 'ADJUSTMENT' THEN t.amount_tokens ELSE 0 END), 0) AS total_adjusted,
			COALESCE((SELECT SUM(res.estimated_tokens) FROM token_reservations res
				WHERE res.account_id = a.id AND res.state = 'ACTIVE'), 0) AS total_reserved
		 FROM token_accounts a
		 LEFT JOIN token_transactions t ON t.account_id = a.id
		 WHERE a.id = ?
		 GROUP BY a.id, a.initial_tokens`,
		accountID,
	).Scan(&row).Error
	return row, err
}

func (r *RepositoryImpl) FindReservation(ctx context.Context, id snowflake.ID) (*ledgerdomain.Reservation, error) {
	return r.findReservation(ctx, `SELECT id, account_id, estimated_tokens, state, idempotency_key, created_at, expires_at
		 FROM token_reservations WHERE id = ? LIMIT 1`, id)
}

func (r *RepositoryImpl) FindReservationByKey(ctx context.Context, key string) (*ledgerdomain.Reservation, error) {
	return r.findReservation(ctx, `SELECT id, account_id, estimated_tokens, state, idempotency_key, created_at, expires_at
		 FROM token_reservations WHERE idempotency_key = ? LIMIT 1`, key)
}

func (r *RepositoryImpl) LockReservation(ctx context.Context, id snowflake.ID) (*ledgerdomain.Reservation, error) {
	query := `SELECT id, account_id, estimated_tokens, state, idempotency_key, created_at, expires_at
		 FROM token_reservations WHERE id = ? LIMIT 1`
	if r.db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}
	return r.findReservation(ctx, query, id)
}

func (r *RepositoryImpl) findReservation(ctx context.Context, query string, arg any) (*ledgerdomain.Reservation, error) {
	var res ledgerdomain.Reservation
	if err := r.db.WithContext(ctx).Raw(query, arg).Scan(&res).Error; err != nil {
		return nil, err
	}
	if res.ID == 0 {
		return nil, nil
	}
	return &res, nil
}

func (r *RepositoryImpl) InsertReservation(ctx context.Context, res ledgerdomain.Reservation) (bool, error) {
	result := r.db.WithContext(ctx).Exec(
		`INSERT INTO token_reservations (id, account_id, estimated_tokens, state, idempotency_key, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		res.ID, res.AccountID, res.EstimatedTokens, string(res.State), res.IdempotencyKey, res.CreatedAt, res.ExpiresAt,
	)
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// UpdateReservationState performs a guarded transition. The WHERE clause on
// the current state makes the update a compare-and-swap, so two workers
// racing on the same reservation cannot both win.
func (r *RepositoryImpl) UpdateReservationState(ctx context.Context, id snowflake.ID, from, to ledgerdomain.ReservationState) (bool, error) {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE token_reservations SET state = ? WHERE id = ? AND state = ?`,
		string(to), id, string(from),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *RepositoryImpl) InsertTransaction(ctx context.Context, txn ledgerdomain.TokenTransaction) (bool, error) {
	result := r.db.WithContext(ctx).Exec(
		`INSERT INTO token_transactions (id, account_id, reservation_id, type, amount_tokens, idempotency_key, source_ref, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (idempotency_key, type) DO NOTHING`,
		txn.ID, txn.AccountID, txn.ReservationID, string(txn.Type), txn.AmountTokens,
		txn.IdempotencyKey, txn.SourceRef, txn.Metadata, txn.CreatedAt,
	)
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *RepositoryImpl) FindTransactionByKey(ctx context.Context, key string, txnType ledgerdomain.TransactionType) (*ledgerdomain.TokenTransaction, error) {
	var txn ledgerdomain.TokenTransaction
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, account_id, reservation_id, type, amount_tokens, idempotency_key, source_ref, metadata, created_at
		 FROM token_transactions WHERE idempotency_key = ? AND type = ? LIMIT 1`,
		key, string(txnType),
	).Scan(&txn).Error
	if err != nil {
		return nil, err
	}
	if txn.ID == 0 {
		return nil, nil
	}
	return &txn, nil
}

func (r *RepositoryImpl) ListTransactions(ctx context.Context, accountID snowflake.ID, limit int) ([]ledgerdomain.TokenTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var txns []ledgerdomain.TokenTransaction
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, account_id, reservation_id, type, amount_tokens, idempotency_key, source_ref, metadata, created_at
		 FROM token_transactions WHERE account_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		accountID, limit,
	).Scan(&txns).Error
	return txns, err
}

// ExpiredReservationIDs returns a candidate batch for the expiry sweep.
// The read takes no locks; the guarded state transition in Expire is what
// keeps two sweepers (or a sweeper racing a commit) from both winning.
func (r *RepositoryImpl) ExpiredReservationIDs(ctx context.Context, cutoff time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := r.db.WithContext(ctx).Raw(
		`SELECT id FROM token_reservations
		 WHERE state = 'ACTIVE' AND expires_at <= ?
		 ORDER BY expires_at ASC
		 LIMIT ?`,
		cutoff, limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
