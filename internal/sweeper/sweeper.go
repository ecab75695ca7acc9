package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/Gegcuk/tokenledger/internal/clock"
	ledgerdomain "github.com/Gegcuk/tokenledger/internal/ledger/domain"
	obsmetrics "github.com/Gegcuk/tokenledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const jobExpireReservations = "expire_reservations"

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	LedgerSvc  ledgerdomain.Service
	LedgerRepo ledgerdomain.Repository
	Config     Config `optional:"true"`
}

// Sweeper drives stale ACTIVE reservations to EXPIRED so their held tokens
// return to the balance. Expiry goes through the ledger service, never
// around it, so every sweep leaves an audit trail of RELEASE transactions.
type Sweeper struct {
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	ledgerSvc  ledgerdomain.Service
	ledgerRepo ledgerdomain.Repository
}

var ErrInvalidConfig = errors.New("sweeper: missing dependency")

func New(p Params) (*Sweeper, error) {
	if p.Log == nil || p.Clock == nil || p.LedgerSvc == nil || p.LedgerRepo == nil {
		return nil, ErrInvalidConfig
	}
	return &Sweeper{
		log:        p.Log.Named("sweeper").With(zap.String("component", "sweeper")),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		ledgerSvc:  p.LedgerSvc,
		ledgerRepo: p.LedgerRepo,
	}, nil
}

// RunOnce performs a full sweep: claim batches of overdue reservations and
// expire them one by one until the backlog drains. A reservation that
// reached a terminal state between claim and expiry is skipped quietly.
func (s *Sweeper) RunOnce(parent context.Context) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	sweepMetrics := obsmetrics.Sweeper()
	sweepMetrics.IncJobRun(jobExpireReservations)
	defer func() {
		sweepMetrics.ObserveJobDuration(jobExpireReservations, time.Since(start))
	}()

	cutoff := s.clock.Now().UTC()
	var jobErr error

	for {
		if ctx.Err() != nil {
			jobErr = errors.Join(jobErr, ctx.Err())
			break
		}

		ids, err := s.ledgerRepo.ExpiredReservationIDs(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			sweepMetrics.IncJobError(jobExpireReservations, err)
			s.log.Error("claim batch failed", zap.Error(err))
			return errors.Join(jobErr, err)
		}
		if len(ids) == 0 {
			break
		}

		expired, handled := 0, 0
		for _, id := range ids {
			if ctx.Err() != nil {
				jobErr = errors.Join(jobErr, ctx.Err())
				break
			}
			reservation, err := s.ledgerSvc.Expire(ctx, id)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				sweepMetrics.IncJobError(jobExpireReservations, err)
				s.log.Warn("expire failed",
					zap.String("reservation_id", id.String()),
					zap.Error(err))
				continue
			}
			handled++
			if reservation.State == ledgerdomain.ReservationStateExpired {
				expired++
			}
		}

		sweepMetrics.IncBatchProcessed(jobExpireReservations, len(ids))
		sweepMetrics.IncReservationsExpired(expired)
		if expired > 0 {
			s.log.Info("reservations expired",
				zap.Int("claimed", len(ids)),
				zap.Int("expired", expired))
		}

		// A short batch means the backlog is drained. A batch with zero
		// progress means every claim failed; stop instead of re-claiming
		// the same rows until the timeout.
		if len(ids) < s.cfg.BatchSize || handled == 0 {
			break
		}
	}

	if jobErr != nil {
		isTimeout := errors.Is(jobErr, context.DeadlineExceeded) || errors.Is(jobErr, context.Canceled)
		if isTimeout {
			s.log.Warn("sweep timed out",
				zap.Duration("timeout", s.cfg.JobTimeout),
				zap.Error(jobErr))
			return nil
		}
	}
	return jobErr
}

func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
