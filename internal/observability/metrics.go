package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names emitted by the broker pipeline and outbox dispatchers.
const (
	MetricEnvelopesProcessed = "ibroker_envelopes_processed_total"
	MetricEnvelopesSkipped   = "ibroker_envelopes_skipped_total"
	MetricEnvelopesFailed    = "ibroker_envelopes_failed_total"
	MetricDlqStored          = "ibroker_dlq_stored_total"
	MetricDlqReplayed        = "ibroker_dlq_replayed_total"
	MetricOutboxEnqueued     = "ibroker_outbox_enqueued_total"
	MetricOutboxDispatched   = "ibroker_outbox_dispatched_total"
	MetricOutboxDead         = "ibroker_outbox_dead_total"
	MetricVisitConflicts     = "ibroker_visit_conflicts_total"
	MetricFlowDuration       = "ibroker_flow_duration_seconds"

	MetricOutboundCallDuration = "ibroker_outbound_call_duration_seconds"
	MetricDispatchBatchSize    = "ibroker_dispatch_batch_size"
)

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the broker.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// OTelMetrics adapts the Metrics interface onto an OpenTelemetry meter,
// creating instruments lazily and caching them per metric name.
type OTelMetrics struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewOTelMetrics constructs a metrics adapter backed by the provided meter.
func NewOTelMetrics(meter metric.Meter) *OTelMetrics {
	adapter := new(OTelMetrics)
	adapter.meter = meter
	adapter.counters = make(map[string]metric.Float64Counter)
	adapter.histograms = make(map[string]metric.Float64Histogram)
	adapter.gauges = make(map[string]metric.Float64Gauge)
	return adapter
}

// IncCounter adds value to the named counter with the provided labels.
func (m *OTelMetrics) IncCounter(name string, value float64, labels map[string]string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	counter, ok := m.counters[name]
	if !ok {
		created, err := m.meter.Float64Counter(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		counter = created
		m.counters[name] = counter
	}
	m.mu.Unlock()
	counter.Add(context.Background(), value, metric.WithAttributes(attributesFromLabels(labels)...))
}

// ObserveHistogram records value in the named histogram.
func (m *OTelMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	histogram, ok := m.histograms[name]
	if !ok {
		created, err := m.meter.Float64Histogram(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		histogram = created
		m.histograms[name] = histogram
	}
	m.mu.Unlock()
	histogram.Record(context.Background(), value, metric.WithAttributes(attributesFromLabels(labels)...))
}

// SetGauge records the latest value for the named gauge.
func (m *OTelMetrics) SetGauge(name string, value float64, labels map[string]string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	gauge, ok := m.gauges[name]
	if !ok {
		created, err := m.meter.Float64Gauge(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		gauge = created
		m.gauges[name] = gauge
	}
	m.mu.Unlock()
	gauge.Record(context.Background(), value, metric.WithAttributes(attributesFromLabels(labels)...))
}

func attributesFromLabels(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for key, value := range labels {
		attrs = append(attrs, attribute.String(key, value))
	}
	return attrs
}
