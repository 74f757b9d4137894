package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMetrics(t *testing.T) {
	m, err := InitMetrics()
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.RecordRequest("GET", "/health", "200", 0.01)
		m.RecordIdentityResolution("agent", true)
		m.RecordPopupDisplay("agent", "exitIntent", false)
		m.RecordPopupClose("agent", "dismissed")
		m.RecordStorageFallback("get")
		m.RecordCircuitBreakerState("visitor-store", "open")
		m.SessionOpened()
		m.SessionClosed()
	})
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("GET", "/", "200", 0)
		m.RecordPopupDisplay("a", "firstVisit", false)
		m.RecordStorageFallback("set")
		m.SessionOpened()
	})
}

func TestInitTracerWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracer("widget", "", "test")
	require.NoError(t, err)
	assert.NotPanics(t, shutdown)
}
