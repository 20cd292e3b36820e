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
	grantsApplied    metric.Int64Counter
	grantsDuplicated metric.Int64Counter
	creditsGranted   metric.Int64Counter
	creditsConsumed  metric.Int64Counter
	shortfall        metric.Int64Counter
	topups           metric.Int64Counter
	delegations      metric.Int64Counter
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

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creditledger"
	}
	meter := provider.Meter(name)

	grantsApplied, err := meter.Int64Counter("credits_grants_applied_total")
	if err != nil {
		return nil, err
	}
	grantsDuplicated, err := meter.Int64Counter("credits_grants_duplicated_total")
	if err != nil {
		return nil, err
	}
	creditsGranted, err := meter.Int64Counter("credits_granted_total")
	if err != nil {
		return nil, err
	}
	creditsConsumed, err := meter.Int64Counter("credits_consumed_total")
	if err != nil {
		return nil, err
	}
	shortfall, err := meter.Int64Counter("credits_shortfall_total")
	if err != nil {
		return nil, err
	}
	topups, err := meter.Int64Counter("credits_auto_topups_total")
	if err != nil {
		return nil, err
	}
	delegations, err := meter.Int64Counter("credits_delegation_resolutions_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		grantsApplied:    grantsApplied,
		grantsDuplicated: grantsDuplicated,
		creditsGranted:   creditsGranted,
		creditsConsumed:  creditsConsumed,
		shortfall:        shortfall,
		topups:           topups,
		delegations:      delegations,
	}, nil
}

// RecordGrant counts a grant application attempt and the credits it added.
func (m *Metrics) RecordGrant(ctx context.Context, grantType string, applied bool, principal int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("grant_type", strings.TrimSpace(grantType)))
	if !applied {
		m.grantsDuplicated.Add(ctx, 1, metric.WithAttributes(attrs...))
		return
	}
	m.grantsApplied.Add(ctx, 1, metric.WithAttributes(attrs...))
	if principal > 0 {
		m.creditsGranted.Add(ctx, principal, metric.WithAttributes(attrs...))
	}
}

// RecordConsumed adds credits drained from grants of the given type.
func (m *Metrics) RecordConsumed(ctx context.Context, grantType string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("grant_type", strings.TrimSpace(grantType)))
	m.creditsConsumed.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordShortfall adds uncovered credits, labelled by how the shortfall was handled.
func (m *Metrics) RecordShortfall(ctx context.Context, outcome string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.shortfall.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordTopup counts auto-topup attempts by outcome.
func (m *Metrics) RecordTopup(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.topups.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDelegation counts delegation decisions by reason.
func (m *Metrics) RecordDelegation(ctx context.Context, accountType, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("account_type", strings.TrimSpace(accountType)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.delegations.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"grant_type":   {},
	"account_type": {},
	"endpoint":     {},
	"status_code":  {},
	"provider":     {},
	"event_type":   {},
	"outcome":      {},
	"reason":       {},
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
