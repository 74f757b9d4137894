package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all widget metrics
type Metrics struct {
	RequestCounter      metric.Int64Counter
	RequestDuration     metric.Float64Histogram
	IdentityResolutions metric.Int64Counter
	PopupDisplays       metric.Int64Counter
	PopupCloses         metric.Int64Counter
	StorageFallbacks    metric.Int64Counter
	CircuitBreakerState metric.Int64Counter
	ActiveSessions      metric.Int64UpDownCounter
}

// InitMetrics initializes all widget metrics
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter("saas-chatbot-widget")

	requestCounter, err := meter.Int64Counter(
		"http.requests.total",
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"http.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	identityResolutions, err := meter.Int64Counter(
		"widget.identity.resolutions",
		metric.WithDescription("Visitor identities resolved, by visit kind"),
	)
	if err != nil {
		return nil, err
	}

	popupDisplays, err := meter.Int64Counter(
		"widget.popup.displays",
		metric.WithDescription("Popups displayed, by trigger"),
	)
	if err != nil {
		return nil, err
	}

	popupCloses, err := meter.Int64Counter(
		"widget.popup.closes",
		metric.WithDescription("Popups closed, by reason"),
	)
	if err != nil {
		return nil, err
	}

	storageFallbacks, err := meter.Int64Counter(
		"widget.storage.fallbacks",
		metric.WithDescription("Visitor storage operations served from memory"),
	)
	if err != nil {
		return nil, err
	}

	circuitBreakerState, err := meter.Int64Counter(
		"circuit_breaker.state_changes",
		metric.WithDescription("Circuit breaker state changes"),
	)
	if err != nil {
		return nil, err
	}

	activeSessions, err := meter.Int64UpDownCounter(
		"widget.sessions.active",
		metric.WithDescription("Open widget event streams"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		RequestCounter:      requestCounter,
		RequestDuration:     requestDuration,
		IdentityResolutions: identityResolutions,
		PopupDisplays:       popupDisplays,
		PopupCloses:         popupCloses,
		StorageFallbacks:    storageFallbacks,
		CircuitBreakerState: circuitBreakerState,
		ActiveSessions:      activeSessions,
	}, nil
}

// All Record methods tolerate a nil receiver so callers can run without metrics.

// RecordRequest records HTTP request metrics
func (m *Metrics) RecordRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.path", path),
		attribute.String("http.status", status),
	}

	m.RequestCounter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	m.RequestDuration.Record(context.Background(), duration, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordIdentityResolution(agentID string, returning bool) {
	if m == nil {
		return
	}
	m.IdentityResolutions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.Bool("visit.returning", returning),
	))
}

func (m *Metrics) RecordPopupDisplay(agentID, trigger string, redisplay bool) {
	if m == nil {
		return
	}
	m.PopupDisplays.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("popup.trigger", trigger),
		attribute.Bool("popup.redisplay", redisplay),
	))
}

func (m *Metrics) RecordPopupClose(agentID, reason string) {
	if m == nil {
		return
	}
	m.PopupCloses.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("popup.close_reason", reason),
	))
}

// RecordStorageFallback records a store operation answered by the in-memory fallback
func (m *Metrics) RecordStorageFallback(op string) {
	if m == nil {
		return
	}
	m.StorageFallbacks.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("storage.op", op),
	))
}

// RecordCircuitBreakerState records circuit breaker state changes
func (m *Metrics) RecordCircuitBreakerState(service, state string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("service", service),
		attribute.String("state", state),
	}

	m.CircuitBreakerState.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(context.Background(), 1)
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(context.Background(), -1)
}
