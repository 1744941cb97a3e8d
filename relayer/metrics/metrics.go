package metrics

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

const (
	meterName     = "github.com/pushchain/bridge-relayer"
	namespaceRoot = "relayer"
)

// Event outcomes
const (
	EventDetected    = "detected"
	EventIgnored     = "ignored"
	EventDuplicate   = "duplicate"
	EventReorged     = "reorged"
	EventUndecodable = "undecodable"
)

// Submission outcomes
const (
	SubmitBroadcast       = "broadcast"
	SubmitConfirmed       = "confirmed"
	SubmitFailed          = "failed"
	SubmitDeadLettered    = "dead_lettered"
	SubmitAlreadyExecuted = "already_executed"
	SubmitAdopted         = "adopted"
)

// StateCounter reports the number of records per state
type StateCounter func(ctx context.Context) (map[string]int64, error)

// Metrics holds the relayer instruments. A nil *Metrics is a no-op.
type Metrics struct {
	provider *metric.MeterProvider
	handler  http.Handler

	eventsObserved   api.Int64Counter
	submissions      api.Int64Counter
	processedHeight  api.Int64Gauge
	resubscriptions  api.Int64Counter
	confirmLatencyMs api.Int64Histogram
	meter            api.Meter
}

// New creates instruments exported in Prometheus format through Handler
func New() (*Metrics, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create the Prometheus Exporter: %v", err)
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	m, err := newMetrics(provider)
	if err != nil {
		return nil, err
	}
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m, nil
}

// NewNop creates instruments that are recorded but never exported
func NewNop() *Metrics {
	m, err := newMetrics(metric.NewMeterProvider())
	if err != nil {
		return nil
	}
	return m
}

func newMetrics(provider *metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{provider: provider, meter: meter, handler: http.NotFoundHandler()}

	var err error

	name := fmt.Sprintf("%s.events_observed", namespaceRoot)
	if m.eventsObserved, err = meter.Int64Counter(
		name,
		api.WithDescription("number of lock events observed, by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create the instrument %s: %v", name, err)
	}

	name = fmt.Sprintf("%s.submissions", namespaceRoot)
	if m.submissions, err = meter.Int64Counter(
		name,
		api.WithDescription("number of unlock submission steps, by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create the instrument %s: %v", name, err)
	}

	name = fmt.Sprintf("%s.processed_block_height", namespaceRoot)
	if m.processedHeight, err = meter.Int64Gauge(
		name,
		api.WithDescription("scan cursor of the source chain"),
	); err != nil {
		return nil, fmt.Errorf("failed to create the instrument %s: %v", name, err)
	}

	name = fmt.Sprintf("%s.resubscriptions", namespaceRoot)
	if m.resubscriptions, err = meter.Int64Counter(
		name,
		api.WithDescription("number of source subscriptions re-established"),
	); err != nil {
		return nil, fmt.Errorf("failed to create the instrument %s: %v", name, err)
	}

	name = fmt.Sprintf("%s.confirmation_latency", namespaceRoot)
	if m.confirmLatencyMs, err = meter.Int64Histogram(
		name,
		api.WithUnit("ms"),
		api.WithDescription("time from broadcast to confirmation"),
	); err != nil {
		return nil, fmt.Errorf("failed to create the instrument %s: %v", name, err)
	}

	return m, nil
}

// RegisterStateGauge exports record counts per state, read on every collection
func (m *Metrics) RegisterStateGauge(count StateCounter) error {
	if m == nil {
		return nil
	}
	name := fmt.Sprintf("%s.records", namespaceRoot)
	_, err := m.meter.Int64ObservableGauge(
		name,
		api.WithDescription("number of relay records, by state"),
		api.WithInt64Callback(func(ctx context.Context, o api.Int64Observer) error {
			counts, err := count(ctx)
			if err != nil {
				return err
			}
			for state, n := range counts {
				o.Observe(n, api.WithAttributes(attribute.String("state", state)))
			}
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create the instrument %s: %v", name, err)
	}
	return nil
}

func (m *Metrics) ObserveEvent(ctx context.Context, chain, outcome string) {
	if m == nil {
		return
	}
	m.eventsObserved.Add(ctx, 1, api.WithAttributes(
		attribute.String("chain", chain),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) ObserveSubmission(ctx context.Context, chain, outcome string) {
	if m == nil {
		return
	}
	m.submissions.Add(ctx, 1, api.WithAttributes(
		attribute.String("chain", chain),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) ObserveConfirmationLatency(ctx context.Context, chain string, ms int64) {
	if m == nil {
		return
	}
	m.confirmLatencyMs.Record(ctx, ms, api.WithAttributes(attribute.String("chain", chain)))
}

func (m *Metrics) SetProcessedBlockHeight(ctx context.Context, chain string, height uint64) {
	if m == nil {
		return
	}
	m.processedHeight.Record(ctx, int64(height), api.WithAttributes(attribute.String("chain", chain)))
}

func (m *Metrics) IncResubscriptions(ctx context.Context, chain string) {
	if m == nil {
		return
	}
	m.resubscriptions.Add(ctx, 1, api.WithAttributes(attribute.String("chain", chain)))
}

// Handler serves the Prometheus exposition
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}

// Shutdown flushes and stops the meter provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if err := m.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown the MeterProvider: %v", err)
	}
	return nil
}
