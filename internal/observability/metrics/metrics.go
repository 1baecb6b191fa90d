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
	clicksApplied    metric.Int64Counter
	batchesApplied   metric.Int64Counter
	leaderboardCache metric.Int64Counter
	recomputes       metric.Int64Counter
	storeErrors      metric.Int64Counter
	liveDropped      metric.Int64Counter
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

// New configures the counter and leaderboard instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "clickrank"
	}
	meter := provider.Meter(name)

	clicksApplied, err := meter.Int64Counter("clickrank_clicks_applied_total",
		metric.WithDescription("Clicks accepted into country totals."))
	if err != nil {
		return nil, err
	}
	batchesApplied, err := meter.Int64Counter("clickrank_batches_applied_total",
		metric.WithDescription("Click batches committed, by whether the client claim won."))
	if err != nil {
		return nil, err
	}
	leaderboardCache, err := meter.Int64Counter("clickrank_leaderboard_cache_total",
		metric.WithDescription("Leaderboard cache lookups by result."))
	if err != nil {
		return nil, err
	}
	recomputes, err := meter.Int64Counter("clickrank_leaderboard_recompute_total",
		metric.WithDescription("Leaderboard snapshots rebuilt from the store."))
	if err != nil {
		return nil, err
	}
	storeErrors, err := meter.Int64Counter("clickrank_store_errors_total",
		metric.WithDescription("Counter store failures by operation."))
	if err != nil {
		return nil, err
	}
	liveDropped, err := meter.Int64Counter("clickrank_live_events_dropped_total",
		metric.WithDescription("Live leaderboard events dropped for slow subscribers."))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		clicksApplied:    clicksApplied,
		batchesApplied:   batchesApplied,
		leaderboardCache: leaderboardCache,
		recomputes:       recomputes,
		storeErrors:      storeErrors,
		liveDropped:      liveDropped,
	}, nil
}

// RecordClicksApplied counts accepted clicks per country.
func (m *Metrics) RecordClicksApplied(ctx context.Context, countryCode string, clicks int64, reconciled bool) {
	if m == nil {
		return
	}
	m.clicksApplied.Add(ctx, clicks, metric.WithAttributes(
		FilterAttributes(attribute.String("country_code", strings.TrimSpace(countryCode)))...,
	))
	m.batchesApplied.Add(ctx, 1, metric.WithAttributes(
		FilterAttributes(attribute.Bool("reconciled", reconciled))...,
	))
}

// RecordCacheLookup counts leaderboard cache hits and misses.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.leaderboardCache.Add(ctx, 1, metric.WithAttributes(
		FilterAttributes(attribute.String("result", result))...,
	))
}

func (m *Metrics) RecordRecompute(ctx context.Context) {
	if m == nil {
		return
	}
	m.recomputes.Add(ctx, 1)
}

// RecordStoreError counts failed store operations.
func (m *Metrics) RecordStoreError(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.storeErrors.Add(ctx, 1, metric.WithAttributes(
		FilterAttributes(attribute.String("op", strings.TrimSpace(op)))...,
	))
}

func (m *Metrics) RecordLiveEventDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.liveDropped.Add(ctx, 1)
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
	"country_code": {},
	"reconciled":   {},
	"result":       {},
	"op":           {},
	"endpoint":     {},
	"status_code":  {},
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
