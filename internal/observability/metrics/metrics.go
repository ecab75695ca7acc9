package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	webhookReceived  metric.Int64Counter
	webhookOK        metric.Int64Counter
	webhookDuplicate metric.Int64Counter
	webhookFailed    metric.Int64Counter
	tokensCredited   metric.Int64Counter
	ledgerEffects    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "tokenledger"
	}
	meter := provider.Meter(name)

	webhookReceived, err := meter.Int64Counter("tokenledger_webhook_received_total")
	if err != nil {
		return nil, err
	}
	webhookOK, err := meter.Int64Counter("tokenledger_webhook_ok_total")
	if err != nil {
		return nil, err
	}
	webhookDuplicate, err := meter.Int64Counter("tokenledger_webhook_duplicate_total")
	if err != nil {
		return nil, err
	}
	webhookFailed, err := meter.Int64Counter("tokenledger_webhook_failed_total")
	if err != nil {
		return nil, err
	}
	tokensCredited, err := meter.Int64Counter("tokenledger_tokens_credited_total")
	if err != nil {
		return nil, err
	}
	ledgerEffects, err := meter.Int64Counter("tokenledger_ledger_transactions_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhookReceived:  webhookReceived,
		webhookOK:        webhookOK,
		webhookDuplicate: webhookDuplicate,
		webhookFailed:    webhookFailed,
		tokensCredited:   tokensCredited,
		ledgerEffects:    ledgerEffects,
	}, nil
}

// RecordWebhookReceived counts inbound provider events per type.
func (m *Metrics) RecordWebhookReceived(ctx context.Context, eventType string) {
	m.add(ctx, m.webhookReceived, 1, attribute.String("event_type", eventType))
}

// RecordWebhookOK counts fully handled provider events per type.
func (m *Metrics) RecordWebhookOK(ctx context.Context, eventType string) {
	m.add(ctx, m.webhookOK, 1, attribute.String("event_type", eventType))
}

// RecordWebhookDuplicate counts deduplicated redeliveries per type.
func (m *Metrics) RecordWebhookDuplicate(ctx context.Context, eventType string) {
	m.add(ctx, m.webhookDuplicate, 1, attribute.String("event_type", eventType))
}

// RecordWebhookFailed counts failed provider events per type.
func (m *Metrics) RecordWebhookFailed(ctx context.Context, eventType string) {
	m.add(ctx, m.webhookFailed, 1, attribute.String("event_type", eventType))
}

// RecordTokensCredited counts granted tokens by source (PURCHASE/SUBSCRIPTION).
func (m *Metrics) RecordTokensCredited(ctx context.Context, source string, tokens int64) {
	if tokens <= 0 {
		return
	}
	m.add(ctx, m.tokensCredited, tokens, attribute.String("source", source))
}

// RecordLedgerEffect counts appended ledger transactions per type.
func (m *Metrics) RecordLedgerEffect(ctx context.Context, transactionType string) {
	m.add(ctx, m.ledgerEffects, 1, attribute.String("transaction_type", transactionType))
}

func (m *Metrics) add(ctx context.Context, counter metric.Int64Counter, value int64, attrs ...attribute.KeyValue) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(ctx, value, metric.WithAttributes(FilterAttributes(attrs...)...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"event_type":       {},
	"source":           {},
	"transaction_type": {},
	"reason":           {},
	"job":              {},
	"status_code":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
