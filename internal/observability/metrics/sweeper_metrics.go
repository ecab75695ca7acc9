package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SweeperErrorTypeDeadlineExceeded = "deadline_exceeded"
	SweeperErrorTypeDB               = "db"
	SweeperErrorTypeBusinessRule     = "business_rule"
	SweeperErrorTypeUnknown          = "unknown"
)

// SweeperMetrics captures reservation sweeper health signals.
type SweeperMetrics struct {
	jobRuns             *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	jobErrors           *prometheus.CounterVec
	reservationsExpired prometheus.Counter
	batchProcessed      *prometheus.CounterVec
}

var (
	sweeperMetricsOnce sync.Once
	sweeperMetrics     *SweeperMetrics
)

// Sweeper returns the singleton sweeper metrics registry.
func Sweeper() *SweeperMetrics {
	return SweeperWithConfig(Config{})
}

// SweeperWithConfig returns the singleton sweeper metrics using config labels.
func SweeperWithConfig(cfg Config) *SweeperMetrics {
	sweeperMetricsOnce.Do(func() {
		sweeperMetrics = newSweeperMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return sweeperMetrics
}

// ResetSweeperMetricsForTest resets the sweeper metrics singleton for tests.
func ResetSweeperMetricsForTest() {
	sweeperMetricsOnce = sync.Once{}
	sweeperMetrics = nil
}

func newSweeperMetrics(registerer prometheus.Registerer, cfg Config) *SweeperMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "tokenledger"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tokenledger_sweeper_job_runs_total",
		Help:        "Sweeper job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "tokenledger_sweeper_job_duration_seconds",
		Help:        "Sweeper job latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tokenledger_sweeper_job_errors_total",
		Help:        "Sweeper job errors by low-cardinality type.",
		ConstLabels: constLabels,
	}, []string{"job", "error_type"})
	reservationsExpired := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "tokenledger_reservations_expired_total",
		Help:        "Reservations expired by the sweeper.",
		ConstLabels: constLabels,
	})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tokenledger_sweeper_batch_processed_total",
		Help:        "Sweeper batch items processed.",
		ConstLabels: constLabels,
	}, []string{"job"})

	collectors := []prometheus.Collector{jobRuns, jobDuration, jobErrors, reservationsExpired, batchProcessed}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}

	return &SweeperMetrics{
		jobRuns:             jobRuns,
		jobDuration:         jobDuration,
		jobErrors:           jobErrors,
		reservationsExpired: reservationsExpired,
		batchProcessed:      batchProcessed,
	}
}

func (m *SweeperMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SweeperMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *SweeperMetrics) IncJobError(job string, err error) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, classifySweeperError(err)).Inc()
}

func (m *SweeperMetrics) IncReservationsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reservationsExpired.Add(float64(n))
}

func (m *SweeperMetrics) IncBatchProcessed(job string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job).Add(float64(n))
}

func classifySweeperError(err error) string {
	switch {
	case err == nil:
		return SweeperErrorTypeUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return SweeperErrorTypeDeadlineExceeded
	case errors.Is(err, gorm.ErrRecordNotFound):
		return SweeperErrorTypeBusinessRule
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return SweeperErrorTypeDB
	}
	return SweeperErrorTypeUnknown
}
