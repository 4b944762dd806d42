package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRegistererIsNoop(t *testing.T) {
	m := New(nil)

	m.Deltas.Add(3)
	m.Connected.Set(1)
	m.SubscribeCommands.With("data").Inc()
	m.UnionKeys.With("data").Set(4)
	m.FlushSize.Observe(10)

	_, ok := m.Deltas.(NoopStat)
	assert.True(t, ok)
}

func TestRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Deltas.Add(3)
	m.SubscribeCommands.With("tabledata").Inc()
	m.Connected.Set(1)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Deltas.(prometheus.Counter)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connected.(prometheus.Gauge)))

	n, err := testutil.GatherAndCount(reg, "livetag_registry_subscribe_commands_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandler(t *testing.T) {
	reg := NewRegistry()
	m := New(reg)
	m.Flushes.Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "livetag_batch_flushes_total 1"), body)
	assert.Contains(t, body, "go_goroutines")
}
