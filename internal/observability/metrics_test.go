package observability

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := newLatencyWindow(8)
	w.Observe(StageFirstDelta, 500)
	w.Observe(StageFirstDelta, 700)
	w.Observe(StageFirstDelta, 900)
	w.Observe("", 10)
	w.Observe(StageCompletion, -1)
	w.ObserveIndicator("cancelled")
	w.ObserveIndicator("cancelled")
	w.ObserveIndicator(" ")

	snap := w.Snapshot()
	assert.Equal(t, 8, snap.WindowSize)
	require.Len(t, snap.Stages, 1)
	s := snap.Stages[0]
	assert.Equal(t, StageFirstDelta, s.Stage)
	assert.Equal(t, 3, s.Samples)
	assert.Equal(t, 900.0, s.LastMS)
	assert.Equal(t, 700.0, s.AvgMS)
	assert.Equal(t, 700.0, s.P50MS)
	assert.Greater(t, s.P95MS, 700.0)
	assert.LessOrEqual(t, s.P95MS, 900.0)
	assert.Equal(t, 1500.0, s.TargetP95MS)
	assert.Equal(t, []Indicator{{Name: "cancelled", Count: 2}}, snap.Indicators)
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	w := newLatencyWindow(2)
	w.Observe(StageCompletion, 1)
	w.Observe(StageCompletion, 2)
	w.Observe(StageCompletion, 9)

	s := w.Snapshot().Stages[0]
	assert.Equal(t, 2, s.Samples)
	assert.Equal(t, 9.0, s.LastMS)
	assert.Equal(t, 5.5, s.AvgMS)
}

func TestMetricsHandlerExposesRelayInstruments(t *testing.T) {
	m := NewMetrics("chirp_test")
	m.ObserveFirstDelta(420 * time.Millisecond)
	m.ObserveCompletion(time.Second)
	m.ObserveOutcome("http", "done")
	m.ObserveOutcome("ws", "cancelled")
	m.Rejections.WithLabelValues("no_input").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `chirp_test_generate_requests_total{outcome="done",transport="http"} 1`)
	assert.Contains(t, text, `chirp_test_rejections_total{code="no_input"} 1`)
	assert.Contains(t, text, "chirp_test_first_delta_latency_ms_count 1")

	snap := m.LatencySnapshot()
	assert.Len(t, snap.Stages, 2)
	assert.Equal(t, []Indicator{{Name: "cancelled", Count: 1}}, snap.Indicators)
}
