package service

import (
	"context"
	"strings"
	"time"

	"github.com/Gegcuk/tokenledger/internal/clock"
	"github.com/Gegcuk/tokenledger/internal/config"
	ledgerdomain "github.com/Gegcuk/tokenledger/internal/ledger/domain"
	obsmetrics "github.com/Gegcuk/tokenledger/internal/observability/metrics"
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
	Config     config.Config
	Repo       ledgerdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.LedgerConfig
	repo       ledgerdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Config.Ledger,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) WithTx(tx *gorm.DB) ledgerdomain.Service {
	clone := *s
	clone.db = tx
	clone.repo = s.repo.WithTx(tx)
	return &clone
}

func (s *Service) EnsureAccount(ctx context.Context, externalRef string, initialTokens int64) (*ledgerdomain.Account, error) {
	externalRef = strings.TrimSpace(externalRef)
	if externalRef == "" {
		return nil, ledgerdomain.ErrInvalidIdempotencyKey
	}
	if initialTokens < 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	existing, err := s.repo.FindAccountByExternalRef(ctx, externalRef)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	account := ledgerdomain.Account{
		ID:            s.genID.Generate(),
		ExternalRef:   externalRef,
		InitialTokens: initialTokens,
		CreatedAt:     s.clock.Now().UTC(),
	}
	inserted, err := s.repo.InsertAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Lost the insert race, the winner's row is authoritative.
		return s.repo.FindAccountByExternalRef(ctx, externalRef)
	}
	s.log.Info("account created",
		zap.String("account_id", account.ID.String()),
		zap.String("external_ref", externalRef),
		zap.Int64("initial_tokens", initialTokens))
	return &account, nil
}

func (s *Service) Reserve(ctx context.Context, req ledgerdomain.ReserveRequest) (*ledgerdomain.Reservation, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, ledgerdomain.ErrInvalidIdempotencyKey
	}
	if req.EstimatedTokens <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}

	if existing, err := s.repo.FindReservationByKey(ctx, key); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	var reservation *ledgerdomain.Reservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		// The account row lock serializes admission so two concurrent
		// reserves cannot both pass the balance check.
		account, err := repo.LockAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if account == nil {
			return ledgerdomain.ErrAccountNotFound
		}

		balance, err := repo.LoadBalance(ctx, req.AccountID)
		if err != nil {
			return err
		}
		available := balance.InitialTokens + balance.TotalCredited + balance.TotalAdjusted - balance.TotalCommitted
		headroom := available - balance.TotalReserved
		if !s.cfg.AllowNegativeBalance && req.EstimatedTokens > headroom {
			return &ledgerdomain.InsufficientTokensError{
				AccountID: req.AccountID,
				Requested: req.EstimatedTokens,
				Available: headroom,
			}
		}

		now := s.clock.Now().UTC()
		res := ledgerdomain.Reservation{
			ID:              s.genID.Generate(),
			AccountID:       req.AccountID,
			EstimatedTokens: req.EstimatedTokens,
			State:           ledgerdomain.ReservationStateActive,
			IdempotencyKey:  key,
			CreatedAt:       now,
			ExpiresAt:       now.Add(s.reservationTTL()),
		}
		inserted, err := repo.InsertReservation(ctx, res)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := repo.FindReservationByKey(ctx, key)
			if err != nil {
				return err
			}
			if existing == nil {
				return ledgerdomain.ErrReservationNotFound
			}
			reservation = existing
			return nil
		}

		if _, err := repo.InsertTransaction(ctx, ledgerdomain.TokenTransaction{
			ID:             s.genID.Generate(),
			AccountID:      req.AccountID,
			ReservationID:  &res.ID,
			Type:           ledgerdomain.TransactionTypeReserve,
			AmountTokens:   req.EstimatedTokens,
			IdempotencyKey: key,
			CreatedAt:      now,
		}); err != nil {
			return err
		}

		reservation = &res
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordEffect(ctx, string(ledgerdomain.TransactionTypeReserve))
	s.log.Info("reservation opened",
		zap.String("reservation_id", reservation.ID.String()),
		zap.String("account_id", reservation.AccountID.String()),
		zap.Int64("estimated_tokens", reservation.EstimatedTokens))
	return reservation, nil
}

func (s *Service) Commit(ctx context.Context, reservationID snowflake.ID, actualTokens int64) (*ledgerdomain.CommitResult, error) {
	if actualTokens < 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}

	var result *ledgerdomain.CommitResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		res, err := repo.LockReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if res == nil {
			return ledgerdomain.ErrReservationNotFound
		}

		if res.State == ledgerdomain.ReservationStateCommitted {
			// Replayed commit. Reconstruct the settled result from the
			// transactions the first delivery wrote.
			prior, err := s.reconstructCommit(ctx, repo, res)
			if err != nil {
				return err
			}
			result = prior
			return nil
		}
		if res.State.Terminal() {
			return &ledgerdomain.IllegalStateTransitionError{
				ReservationID: reservationID,
				From:          res.State,
				To:            ledgerdomain.ReservationStateCommitted,
			}
		}

		committed := actualTokens
		if committed > res.EstimatedTokens {
			committed = res.EstimatedTokens
		}
		released := res.EstimatedTokens - committed

		updated, err := repo.UpdateReservationState(ctx, reservationID, res.State, ledgerdomain.ReservationStateCommitted)
		if err != nil {
			return err
		}
		if !updated {
			return &ledgerdomain.IllegalStateTransitionError{
				ReservationID: reservationID,
				From:          res.State,
				To:            ledgerdomain.ReservationStateCommitted,
			}
		}

		now := s.clock.Now().UTC()
		if _, err := repo.InsertTransaction(ctx, ledgerdomain.TokenTransaction{
			ID:             s.genID.Generate(),
			AccountID:      res.AccountID,
			ReservationID:  &res.ID,
			Type:           ledgerdomain.TransactionTypeCommit,
			AmountTokens:   committed,
			IdempotencyKey: res.IdempotencyKey,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		if released > 0 {
			if _, err := repo.InsertTransaction(ctx, ledgerdomain.TokenTransaction{
				ID:             s.genID.Generate(),
				AccountID:      res.AccountID,
				ReservationID:  &res.ID,
				Type:           ledgerdomain.TransactionTypeRelease,
				AmountTokens:   released,
				IdempotencyKey: res.IdempotencyKey,
				CreatedAt:      now,
			}); err != nil {
				return err
			}
		}

		res.State = ledgerdomain.ReservationStateCommitted
		result = &ledgerdomain.CommitResult{
			Reservation:     res,
			CommittedTokens: committed,
			ReleasedTokens:  released,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordEffect(ctx, string(ledgerdomain.TransactionTypeCommit))
	s.log.Info("reservation committed",
		zap.String("reservation_id", reservationID.String()),
		zap.Int64("committed_tokens", result.CommittedTokens),
		zap.Int64("released_tokens", result.ReleasedTokens))
	return result, nil
}

func (s *Service) Release(ctx context.Context, reservationID snowflake.ID) (*ledgerdomain.Reservation, error) {
	return s.close(ctx, reservationID, ledgerdomain.ReservationStateReleased, "")
}

func (s *Service) Cancel(ctx context.Context, reservationID snowflake.ID) (*ledgerdomain.Reservation, error) {
	return s.close(ctx, reservationID, ledgerdomain.ReservationStateCancelled, "")
}

func (s *Service) Expire(ctx context.Context, reservationID snowflake.ID) (*ledgerdomain.Reservation, error) {
	return s.close(ctx, reservationID, ledgerdomain.ReservationStateExpired, "reservation-expired:"+reservationID.String())
}

// close drives a reservation into a non-commit terminal state, writing the
// audit RELEASE transaction for the returned hold. A reservation already in
// the target state is returned untouched; Expire additionally treats every
// terminal state as settled, since a sweep racing a commit must never undo it.
func (s *Service) close(ctx context.Context, reservationID snowflake.ID, target ledgerdomain.ReservationState, keyOverride string) (*ledgerdomain.Reservation, error) {
	var reservation *ledgerdomain.Reservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		res, err := repo.LockReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if res == nil {
			return ledgerdomain.ErrReservationNotFound
		}
		if res.State == target {
			reservation = res
			return nil
		}
		if res.State.Terminal() {
			if target == ledgerdomain.ReservationStateExpired {
				reservation = res
				return nil
			}
			return &ledgerdomain.IllegalStateTransitionError{
				ReservationID: reservationID,
				From:          res.State,
				To:            target,
			}
		}

		updated, err := repo.UpdateReservationState(ctx, reservationID, res.State, target)
		if err != nil {
			return err
		}
		if !updated {
			return &ledgerdomain.IllegalStateTransitionError{
				ReservationID: reservationID,
				From:          res.State,
				To:            target,
			}
		}

		key := keyOverride
		if key == "" {
			key = res.IdempotencyKey
		}
		if _, err := repo.InsertTransaction(ctx, ledgerdomain.TokenTransaction{
			ID:             s.genID.Generate(),
			AccountID:      res.AccountID,
			ReservationID:  &res.ID,
			Type:           ledgerdomain.TransactionTypeRelease,
			AmountTokens:   res.EstimatedTokens,
			IdempotencyKey: key,
			CreatedAt:      s.clock.Now().UTC(),
		}); err != nil {
			return err
		}

		res.State = target
		reservation = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordEffect(ctx, string(ledgerdomain.TransactionTypeRelease))
	s.log.Info("reservation closed",
		zap.String("reservation_id", reservationID.String()),
		zap.String("state", string(reservation.State)))
	return reservation, nil
}

func (s *Service) Credit(ctx context.Context, req ledgerdomain.CreditRequest) (*ledgerdomain.TokenTransaction, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, ledgerdomain.ErrInvalidIdempotencyKey
	}
	if req.Tokens <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}

	metadata := datatypes.JSONMap{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.Source != "" {
		metadata["source"] = string(req.Source)
	}

	txn, err := s.append(ctx, ledgerdomain.TokenTransaction{
		ID:             s.genID.Generate(),
		AccountID:      req.AccountID,
		Type:           ledgerdomain.TransactionTypeCredit,
		AmountTokens:   req.Tokens,
		IdempotencyKey: key,
		SourceRef:      req.SourceRef,
		Metadata:       metadata,
		CreatedAt:      s.clock.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordTokensCredited(ctx, string(req.Source), req.Tokens)
	}
	s.log.Info("tokens credited",
		zap.String("account_id", req.AccountID.String()),
		zap.Int64("tokens", req.Tokens),
		zap.String("source", string(req.Source)))
	return txn, nil
}

func (s *Service) Adjust(ctx context.Context, req ledgerdomain.AdjustRequest) (*ledgerdomain.TokenTransaction, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, ledgerdomain.ErrInvalidIdempotencyKey
	}
	if req.Tokens == 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}

	metadata := datatypes.JSONMap{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.Reason != "" {
		metadata["reason"] = req.Reason
	}

	// Negative adjustments may push the balance below zero. Refund
	// clawbacks keep the debt visible instead of failing.
	txn, err := s.append(ctx, ledgerdomain.TokenTransaction{
		ID:             s.genID.Generate(),
		AccountID:      req.AccountID,
		Type:           ledgerdomain.TransactionTypeAdjustment,
		AmountTokens:   req.Tokens,
		IdempotencyKey: key,
		SourceRef:      req.SourceRef,
		Metadata:       metadata,
		CreatedAt:      s.clock.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("balance adjusted",
		zap.String("account_id", req.AccountID.String()),
		zap.Int64("tokens", req.Tokens),
		zap.String("reason", req.Reason))
	return txn, nil
}

// append writes a standalone transaction inside its own gorm transaction,
// converting a lost (idempotency_key, type) insert into
// ErrDuplicateTransaction.
func (s *Service) append(ctx context.Context, txn ledgerdomain.TokenTransaction) (*ledgerdomain.TokenTransaction, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		account, err := repo.FindAccount(ctx, txn.AccountID)
		if err != nil {
			return err
		}
		if account == nil {
			return ledgerdomain.ErrAccountNotFound
		}

		inserted, err := repo.InsertTransaction(ctx, txn)
		if err != nil {
			return err
		}
		if !inserted {
			return ledgerdomain.ErrDuplicateTransaction
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordEffect(ctx, string(txn.Type))
	return &txn, nil
}

func (s *Service) AvailableTokens(ctx context.Context, accountID snowflake.ID) (ledgerdomain.Balance, error) {
	account, err := s.repo.FindAccount(ctx, accountID)
	if err != nil {
		return ledgerdomain.Balance{}, err
	}
	if account == nil {
		return ledgerdomain.Balance{}, ledgerdomain.ErrAccountNotFound
	}
	row, err := s.repo.LoadBalance(ctx, accountID)
	if err != nil {
		return ledgerdomain.Balance{}, err
	}
	return ledgerdomain.Balance{
		AccountID:      accountID,
		Available:      row.InitialTokens + row.TotalCredited + row.TotalAdjusted - row.TotalCommitted,
		Reserved:       row.TotalReserved,
		InitialTokens:  row.InitialTokens,
		TotalCredited:  row.TotalCredited,
		TotalCommitted: row.TotalCommitted,
		TotalAdjusted:  row.TotalAdjusted,
	}, nil
}

func (s *Service) GetReservation(ctx context.Context, reservationID snowflake.ID) (*ledgerdomain.Reservation, error) {
	res, err := s.repo.FindReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, ledgerdomain.ErrReservationNotFound
	}
	return res, nil
}

func (s *Service) GetAccountByExternalRef(ctx context.Context, externalRef string) (*ledgerdomain.Account, error) {
	account, err := s.repo.FindAccountByExternalRef(ctx, externalRef)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ledgerdomain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) reconstructCommit(ctx context.Context, repo ledgerdomain.Repository, res *ledgerdomain.Reservation) (*ledgerdomain.CommitResult, error) {
	commitTxn, err := repo.FindTransactionByKey(ctx, res.IdempotencyKey, ledgerdomain.TransactionTypeCommit)
	if err != nil {
		return nil, err
	}
	result := &ledgerdomain.CommitResult{Reservation: res}
	if commitTxn != nil {
		result.CommittedTokens = commitTxn.AmountTokens
		result.ReleasedTokens = res.EstimatedTokens - commitTxn.AmountTokens
	}
	return result, nil
}

func (s *Service) reservationTTL() time.Duration {
	if s.cfg.ReservationTTL <= 0 {
		return 30 * time.Minute
	}
	return s.cfg.ReservationTTL
}

func (s *Service) recordEffect(ctx context.Context, transactionType string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEffect(ctx, transactionType)
	}
}
