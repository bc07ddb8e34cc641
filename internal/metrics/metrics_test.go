package metrics_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/chat-stream-ui/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)

	m.StreamStarted()
	m.StreamFinished(metrics.OutcomeCompleted, "", 3, time.Second)
	m.Rejected("busy")
	m.Tokens(10, 5)

	count, err := testutil.GatherAndCount(reg,
		"chatui_conversation_sends_total",
		"chatui_conversation_sends_rejected_total",
		"chatui_stream_fragments_total",
	)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	expected := `
# HELP chatui_stream_active Streams currently in flight.
# TYPE chatui_stream_active gauge
chatui_stream_active 0
`
	err = testutil.GatherAndCompare(reg, strings.NewReader(expected), "chatui_stream_active")
	require.NoError(t, err)
}

func TestNilMetrics(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.StreamStarted()
		m.StreamFinished(metrics.OutcomeError, "generic", 0, time.Millisecond)
		m.Rejected("busy")
		m.Tokens(1, 1)
	})
}
