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

// Metrics exposes OTLP instruments for the drawing ledger.
type Metrics struct {
	entries    metric.Int64Counter
	batches    metric.Int64Counter
	queries    metric.Int64Counter
	uploads    metric.Int64Counter
	jobsDone   metric.Int64Counter
	uploadSize metric.Int64Histogram
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

// New configures the ledger instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "drawledger"
	}
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(name)

	entries, err := meter.Int64Counter("drawledger_entries_total")
	if err != nil {
		return nil, err
	}
	batches, err := meter.Int64Counter("drawledger_batches_total")
	if err != nil {
		return nil, err
	}
	queries, err := meter.Int64Counter("drawledger_queries_total")
	if err != nil {
		return nil, err
	}
	uploads, err := meter.Int64Counter("drawledger_uploads_total")
	if err != nil {
		return nil, err
	}
	jobsDone, err := meter.Int64Counter("drawledger_jobs_total")
	if err != nil {
		return nil, err
	}
	uploadSize, err := meter.Int64Histogram("drawledger_upload_bytes", metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		entries:    entries,
		batches:    batches,
		queries:    queries,
		uploads:    uploads,
		jobsDone:   jobsDone,
		uploadSize: uploadSize,
	}, nil
}

// RecordEntries counts committed ledger entries by outcome.
func (m *Metrics) RecordEntries(ctx context.Context, operation, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.entries.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordBatch counts one ledger batch by operation and lock mode.
func (m *Metrics) RecordBatch(ctx context.Context, operation, lockMode string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("lock_mode", strings.TrimSpace(lockMode)),
	)
	m.batches.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordQuery counts active-view and history queries.
func (m *Metrics) RecordQuery(ctx context.Context, view string, widened bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("view", strings.TrimSpace(view)),
		attribute.Bool("widened", widened),
	)
	m.queries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUpload counts a stored drawing file and its size.
func (m *Metrics) RecordUpload(ctx context.Context, mode string, size int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("mode", strings.TrimSpace(mode)))
	m.uploads.Add(ctx, 1, metric.WithAttributes(attrs...))
	if size > 0 {
		m.uploadSize.Record(ctx, size, metric.WithAttributes(attrs...))
	}
}

// RecordJob counts a finished background job.
func (m *Metrics) RecordJob(ctx context.Context, jobType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("job_type", strings.TrimSpace(jobType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.jobsDone.Add(ctx, 1, metric.WithAttributes(attrs...))
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

// Project and drawing identifiers are unbounded and never become labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"operation":   {},
	"outcome":     {},
	"lock_mode":   {},
	"view":        {},
	"widened":     {},
	"mode":        {},
	"job_type":    {},
	"reason":      {},
	"status_code": {},
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
