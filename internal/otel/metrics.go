// Package otel provides OpenTelemetry metrics integration for LabLink.
package otel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig holds configuration for the OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	// ServiceName is the name of the service for metric attribution.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// Attributes are additional attributes to add to all metrics.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "lablink",
		ExporterType: ExporterNone,
	}
}

// Metrics wraps OpenTelemetry metrics functionality with LabLink-specific helpers.
type Metrics struct {
	config           *MetricsConfig
	meterProvider    *sdkmetric.MeterProvider
	meter            metric.Meter
	shutdown         func(context.Context) error
	mu               sync.RWMutex
	currentFleet     atomic.Int64
	fleetCallback    metric.Int64ObservableGauge
	fleetCallbackReg metric.Registration

	// Metric instruments
	operationLatency metric.Float64Histogram
	errorCounter     metric.Int64Counter
	activeSessions   metric.Int64UpDownCounter
	streamDrops      metric.Int64Counter
	alarmTransitions metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{
		config: cfg,
	}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		// Use no-op meter when disabled
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	// Create exporter based on type
	exporter, err := m.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	// Create resource with service information
	res, err := buildResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	// Create meter provider
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	// Register metric instruments
	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

// createExporter creates the appropriate metrics exporter based on configuration.
func (m *Metrics) createExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

// registerInstruments creates and registers all metric instruments.
func (m *Metrics) registerInstruments() error {
	var err error

	// Operation latency histogram (in milliseconds)
	m.operationLatency, err = m.meter.Float64Histogram(
		"lablink.operation.latency",
		metric.WithDescription("Latency of instrument operations"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create operation latency histogram: %w", err)
	}

	// Error counter with category attribute
	m.errorCounter, err = m.meter.Int64Counter(
		"lablink.errors",
		metric.WithDescription("Count of errors by category"),
	)
	if err != nil {
		return fmt.Errorf("failed to create error counter: %w", err)
	}

	// Active sessions gauge (up/down counter)
	m.activeSessions, err = m.meter.Int64UpDownCounter(
		"lablink.sessions.active",
		metric.WithDescription("Number of active client sessions"),
	)
	if err != nil {
		return fmt.Errorf("failed to create active sessions counter: %w", err)
	}

	// Stream drop counter
	m.streamDrops, err = m.meter.Int64Counter(
		"lablink.stream.drops",
		metric.WithDescription("Count of stream samples dropped on slow consumers"),
	)
	if err != nil {
		return fmt.Errorf("failed to create stream drop counter: %w", err)
	}

	// Alarm transition counter
	m.alarmTransitions, err = m.meter.Int64Counter(
		"lablink.alarm.transitions",
		metric.WithDescription("Count of alarm state transitions"),
	)
	if err != nil {
		return fmt.Errorf("failed to create alarm transition counter: %w", err)
	}

	// Connected equipment observable gauge
	m.fleetCallback, err = m.meter.Int64ObservableGauge(
		"lablink.equipment.connected",
		metric.WithDescription("Number of connected instruments"),
	)
	if err != nil {
		return fmt.Errorf("failed to create equipment gauge: %w", err)
	}

	// Register callback for equipment gauge
	m.fleetCallbackReg, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.fleetCallback, m.currentFleet.Load())
			return nil
		},
		m.fleetCallback,
	)
	if err != nil {
		return fmt.Errorf("failed to register equipment gauge callback: %w", err)
	}

	return nil
}

// RecordOperationLatency records the latency of an instrument operation.
func (m *Metrics) RecordOperationLatency(ctx context.Context, operation, equipmentType string, latencyMs float64, success bool) {
	if m.operationLatency == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.Bool("success", success),
	}

	if equipmentType != "" {
		attrs = append(attrs, attribute.String("equipment_type", equipmentType))
	}

	m.operationLatency.Record(ctx, latencyMs, metric.WithAttributes(attrs...))
}

// RecordError records an error with the specified category.
func (m *Metrics) RecordError(ctx context.Context, category string) {
	if m.errorCounter == nil {
		return
	}

	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
	))
}

// IncrementSessions increments the active sessions counter.
func (m *Metrics) IncrementSessions(ctx context.Context) {
	if m.activeSessions == nil {
		return
	}

	m.activeSessions.Add(ctx, 1)
}

// DecrementSessions decrements the active sessions counter.
func (m *Metrics) DecrementSessions(ctx context.Context) {
	if m.activeSessions == nil {
		return
	}

	m.activeSessions.Add(ctx, -1)
}

// RecordStreamDrops adds n to the stream drop counter. Drops surface as
// deltas of a subscription's cumulative overflow count, so n may exceed one.
func (m *Metrics) RecordStreamDrops(ctx context.Context, streamType string, n int64) {
	if m.streamDrops == nil || n <= 0 {
		return
	}

	m.streamDrops.Add(ctx, n, metric.WithAttributes(
		attribute.String("stream_type", streamType),
	))
}

// RecordAlarmTransition increments the alarm transition counter.
func (m *Metrics) RecordAlarmTransition(ctx context.Context, toState string) {
	if m.alarmTransitions == nil {
		return
	}

	m.alarmTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("to_state", toState),
	))
}

// SetConnectedEquipment sets the connected instrument count for the observable gauge.
// This is thread-safe and will be read by the gauge callback.
func (m *Metrics) SetConnectedEquipment(count int) {
	m.currentFleet.Store(int64(count))
}

// Shutdown gracefully shuts down the metrics provider, flushing any pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Unregister callback if registered
	if m.fleetCallbackReg != nil {
		if err := m.fleetCallbackReg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister equipment gauge callback: %w", err)
		}
	}

	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// NoopMetrics returns a metrics instance that does nothing (for testing or when disabled).
func NoopMetrics() *Metrics {
	cfg := DefaultMetricsConfig()
	mp := sdkmetric.NewMeterProvider()
	return &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
}
