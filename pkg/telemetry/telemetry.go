// Package telemetry wires OpenTelemetry metrics to a Prometheus exporter,
// following the shape of the teacher's pkg/metrics/telemetry.go (a
// TelemetryManager owning a meter + a fixed set of named instruments) but
// swapping the OTLP gRPC exporter for the Prometheus exporter named in
// go.mod, and replacing stream/event counters with migration counters.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Manager owns the process's metric instruments and the /metrics HTTP
// server that exposes them.
type Manager struct {
	serviceName string

	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter

	operationsStarted   metric.Int64Counter
	operationsCompleted metric.Int64Counter
	operationsFailed    metric.Int64Counter
	tablesMigrated      metric.Int64Counter
	tablesFailed        metric.Int64Counter
	recordsMigrated     metric.Int64Counter
	batchWriteDuration   metric.Float64Histogram
	healthChecks        metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	mu      sync.RWMutex
	started bool
	server  *http.Server
}

// New creates a Manager and registers its instruments against a fresh
// Prometheus registry-backed meter provider. serviceName is used as the
// name of the meter the instruments are created on.
func New(serviceName string) (*Manager, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter(serviceName)

	m := &Manager{
		serviceName:   serviceName,
		meterProvider: provider,
		meter:         meter,
	}
	if err := m.createInstruments(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) createInstruments() error {
	var err error

	if m.operationsStarted, err = m.meter.Int64Counter(
		"migrator_operations_started_total",
		metric.WithDescription("Total migration operations started"),
	); err != nil {
		return err
	}
	if m.operationsCompleted, err = m.meter.Int64Counter(
		"migrator_operations_completed_total",
		metric.WithDescription("Total migration operations completed successfully"),
	); err != nil {
		return err
	}
	if m.operationsFailed, err = m.meter.Int64Counter(
		"migrator_operations_failed_total",
		metric.WithDescription("Total migration operations that ended in failure"),
	); err != nil {
		return err
	}
	if m.tablesMigrated, err = m.meter.Int64Counter(
		"migrator_tables_migrated_total",
		metric.WithDescription("Total tables migrated successfully"),
	); err != nil {
		return err
	}
	if m.tablesFailed, err = m.meter.Int64Counter(
		"migrator_tables_failed_total",
		metric.WithDescription("Total tables that failed to migrate"),
	); err != nil {
		return err
	}
	if m.recordsMigrated, err = m.meter.Int64Counter(
		"migrator_records_migrated_total",
		metric.WithDescription("Total records written to a destination"),
	); err != nil {
		return err
	}
	if m.batchWriteDuration, err = m.meter.Float64Histogram(
		"migrator_batch_write_duration_seconds",
		metric.WithDescription("Duration of a single destination batch write"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}
	if m.healthChecks, err = m.meter.Int64Counter(
		"migrator_supervisor_health_checks_total",
		metric.WithDescription("Total supervisor health probe attempts"),
	); err != nil {
		return err
	}
	if m.httpRequestDuration, err = m.meter.Float64Histogram(
		"migrator_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration by route"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}
	return nil
}

// Serve starts the Prometheus scrape endpoint on addr (e.g. ":9090") with
// the configured path, blocking until the server exits.
func (m *Manager) Serve(addr, path string) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("telemetry server already started")
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	m.server = &http.Server{Addr: addr, Handler: mux}
	m.started = true
	m.mu.Unlock()

	log.Info().Str("addr", addr).Str("path", path).Msg("telemetry server starting")
	return m.server.ListenAndServe()
}

// Shutdown stops the scrape endpoint and the meter provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server != nil {
		if err := m.server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("telemetry server shutdown failed")
		}
	}
	if m.meterProvider != nil {
		return m.meterProvider.Shutdown(ctx)
	}
	return nil
}

// RecordOperationStarted records a scheduler/execute dispatch.
func (m *Manager) RecordOperationStarted(ctx context.Context, sourceType, destType string) {
	m.operationsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source_type", sourceType),
		attribute.String("dest_type", destType),
	))
}

// RecordOperationResult records the terminal state of an Execute call.
func (m *Manager) RecordOperationResult(ctx context.Context, sourceType, destType string, success bool) {
	attrs := metric.WithAttributes(
		attribute.String("source_type", sourceType),
		attribute.String("dest_type", destType),
	)
	if success {
		m.operationsCompleted.Add(ctx, 1, attrs)
	} else {
		m.operationsFailed.Add(ctx, 1, attrs)
	}
}

// RecordTableResult records a single table's outcome within the pipeline.
func (m *Manager) RecordTableResult(ctx context.Context, table string, success bool, records int64) {
	attrs := metric.WithAttributes(attribute.String("table", table))
	if success {
		m.tablesMigrated.Add(ctx, 1, attrs)
		m.recordsMigrated.Add(ctx, records, attrs)
	} else {
		m.tablesFailed.Add(ctx, 1, attrs)
	}
}

// RecordBatchWrite records the duration of one destination batch write.
func (m *Manager) RecordBatchWrite(ctx context.Context, table string, d time.Duration) {
	m.batchWriteDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("table", table)))
}

// RecordHealthCheck records one supervisor health-probe attempt.
func (m *Manager) RecordHealthCheck(ctx context.Context, healthy bool) {
	m.healthChecks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("healthy", healthy)))
}

// RecordHTTPRequest records one served HTTP request's duration.
func (m *Manager) RecordHTTPRequest(ctx context.Context, route string, status int, d time.Duration) {
	m.httpRequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}

// Middleware wraps an http.HandlerFunc, recording request duration per route.
func (m *Manager) Middleware(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		m.RecordHTTPRequest(r.Context(), route, rec.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
