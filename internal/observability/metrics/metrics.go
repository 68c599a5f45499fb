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

// Metrics exposes application-level instruments for the ledger engine.
type Metrics struct {
	creditsAdded        metric.Int64Counter
	creditsDeducted     metric.Int64Counter
	transfers           metric.Int64Counter
	insufficientCredits metric.Int64Counter
	transactionRetries  metric.Int64Counter
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
		name = "creditbook"
	}
	meter := provider.Meter(name)

	creditsAdded, err := meter.Int64Counter("creditbook_credits_added_total")
	if err != nil {
		return nil, err
	}
	creditsDeducted, err := meter.Int64Counter("creditbook_credits_deducted_total")
	if err != nil {
		return nil, err
	}
	transfers, err := meter.Int64Counter("creditbook_transfers_total")
	if err != nil {
		return nil, err
	}
	insufficientCredits, err := meter.Int64Counter("creditbook_insufficient_credits_total")
	if err != nil {
		return nil, err
	}
	transactionRetries, err := meter.Int64Counter("creditbook_transaction_retries_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		creditsAdded:        creditsAdded,
		creditsDeducted:     creditsDeducted,
		transfers:           transfers,
		insufficientCredits: insufficientCredits,
		transactionRetries:  transactionRetries,
	}, nil
}

// RecordCreditsAdded increments the credit counter for an owner kind.
func (m *Metrics) RecordCreditsAdded(ctx context.Context, ownerKind string) {
	if m == nil {
		return
	}
	m.creditsAdded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("owner_kind", strings.TrimSpace(ownerKind)),
	))
}

// RecordCreditsDeducted increments the debit counter for an owner kind.
func (m *Metrics) RecordCreditsDeducted(ctx context.Context, ownerKind string) {
	if m == nil {
		return
	}
	m.creditsDeducted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("owner_kind", strings.TrimSpace(ownerKind)),
	))
}

// RecordTransfer increments the transfer counter.
func (m *Metrics) RecordTransfer(ctx context.Context, senderKind, recipientKind string) {
	if m == nil {
		return
	}
	m.transfers.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sender_kind", strings.TrimSpace(senderKind)),
		attribute.String("recipient_kind", strings.TrimSpace(recipientKind)),
	))
}

// RecordInsufficientCredits increments rejected-deduct counts.
func (m *Metrics) RecordInsufficientCredits(ctx context.Context, ownerKind string) {
	if m == nil {
		return
	}
	m.insufficientCredits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("owner_kind", strings.TrimSpace(ownerKind)),
	))
}

// RecordTransactionRetry increments the transient-conflict retry counter.
func (m *Metrics) RecordTransactionRetry(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.transactionRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
	))
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
		return nil, fmt.Errorf("unsupported otlp metrics protocol %q", protocol)
	}
}
