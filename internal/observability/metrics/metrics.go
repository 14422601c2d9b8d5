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

// Metrics exposes OTLP instruments for conversion traffic.
type Metrics struct {
	conversions      metric.Int64Counter
	migratedRecords  metric.Int64Counter
	liveFetchAllowed metric.Int64Counter
	liveFetchDenied  metric.Int64Counter
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
		name = "fxrates"
	}
	meter := provider.Meter(name)

	conversions, err := meter.Int64Counter("fxrates_conversions_total")
	if err != nil {
		return nil, err
	}
	migratedRecords, err := meter.Int64Counter("fxrates_migrated_records_total")
	if err != nil {
		return nil, err
	}
	liveFetchAllowed, err := meter.Int64Counter("fxrates_live_fetch_allowed_total")
	if err != nil {
		return nil, err
	}
	liveFetchDenied, err := meter.Int64Counter("fxrates_live_fetch_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		conversions:      conversions,
		migratedRecords:  migratedRecords,
		liveFetchAllowed: liveFetchAllowed,
		liveFetchDenied:  liveFetchDenied,
	}, nil
}

// RecordConversion counts a Convert call by tier and outcome.
func (m *Metrics) RecordConversion(ctx context.Context, tier, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tier", strings.TrimSpace(tier)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.conversions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordMigratedRecords counts records re-denominated by a migration.
func (m *Metrics) RecordMigratedRecords(ctx context.Context, ownerKind, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(
		attribute.String("owner_kind", strings.TrimSpace(ownerKind)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.migratedRecords.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordLiveFetchAllowed counts live fetches admitted by the call budget.
func (m *Metrics) RecordLiveFetchAllowed(ctx context.Context) {
	if m == nil {
		return
	}
	m.liveFetchAllowed.Add(ctx, 1)
}

// RecordLiveFetchDenied counts live fetches rejected by the call budget.
func (m *Metrics) RecordLiveFetchDenied(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.liveFetchDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"tier":       {},
	"outcome":    {},
	"owner_kind": {},
	"reason":     {},
	"operation":  {},
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
