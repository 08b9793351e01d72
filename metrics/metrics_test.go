package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toolink/admit/metrics"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.RecordLimitDecision(false)
		m.RecordCacheAccess("local", true)
		m.RecordEviction("lru", 1)
		m.RecordPut(1)
		m.RecordStoreOp("get", errors.New("x"))
		m.RecordRequest("READ", "OK", time.Millisecond)
	})
}

func TestRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.RecordCacheAccess("local", true)
	m.RecordCacheAccess("local", false)
	m.RecordCacheAccess("local", false)
	m.RecordEviction("lru", 2)
	m.RecordRequest("READ", "OK", time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]int)
	for _, f := range families {
		names[f.GetName()] = len(f.GetMetric())
	}
	assert.Equal(t, 2, names["admit_cache_access_total"])
	assert.Equal(t, 1, names["admit_local_cache_evictions_total"])
	assert.Equal(t, 1, names["admit_request_duration_seconds"])
}
