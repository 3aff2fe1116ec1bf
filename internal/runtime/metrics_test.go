package runtime

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventmediator/internal/runtime/processor"
)

func TestMediatorMetrics_ObservePollSizeAndProcess(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMediatorMetrics("flows", reg)
	require.NoError(t, m.Register())

	m.ObservePollSize("orders", 10)
	m.ObservePollSize("orders", 5)
	m.ObservePhase("orders", processor.PhasePoll, time.Millisecond)
	m.ObservePhase("orders", processor.PhaseProcess, 20*time.Millisecond)

	metrics := m.TopicMetrics("orders")
	require.NotNil(t, metrics)
	assert.Equal(t, uint64(15), metrics.RecordsPolled)
	assert.Equal(t, uint64(1), metrics.BatchesProcessed)
	assert.Equal(t, 20*time.Millisecond, metrics.LastBatchDuration)
	assert.False(t, metrics.LastPollAt.IsZero())

	assert.Equal(t, 2, testutil.CollectAndCount(m.phaseSeconds))
}

func TestMediatorMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMediatorMetrics("flows", reg)
	require.NoError(t, m.Register())

	m.AddReplayed("orders", 3)
	m.AddFailed("orders", 1)
	m.AddConflicts("orders", 2)
	m.AddConflicts("orders", 0)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.replayedTotal.WithLabelValues("flows", "orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failedTotal.WithLabelValues("flows", "orders")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.conflictsTotal.WithLabelValues("flows", "orders")))

	metrics := m.TopicMetrics("orders")
	require.NotNil(t, metrics)
	assert.Equal(t, uint64(3), metrics.InputsReplayed)
	assert.Equal(t, uint64(1), metrics.KeysFailed)
	assert.Equal(t, uint64(2), metrics.PersistConflicts)
}

func TestMediatorMetrics_Snapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMediatorMetrics("flows", reg)
	require.NoError(t, m.Register())

	m.ObservePollSize("orders", 4)
	m.ObservePollSize("payments", 6)
	m.AddReplayed("orders", 1)

	snapshot := m.Snapshot()
	assert.Equal(t, uint64(10), snapshot.TotalPolled)
	assert.Equal(t, uint64(1), snapshot.TotalReplayed)
	assert.Len(t, snapshot.TopicMetrics, 2)
	assert.False(t, snapshot.CollectedAt.IsZero())

	// snapshots are copies
	snapshot.TopicMetrics["orders"].RecordsPolled = 99
	assert.Equal(t, uint64(4), m.TopicMetrics("orders").RecordsPolled)
}

func TestMediatorMetrics_TopicMetrics_NonExistent(t *testing.T) {
	m := NewMediatorMetrics("flows", prometheus.NewRegistry())
	assert.Nil(t, m.TopicMetrics("nonexistent"))
}

func TestMediatorMetrics_Reset(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMediatorMetrics("flows", reg)
	require.NoError(t, m.Register())

	m.ObservePollSize("orders", 1)
	m.Reset()

	assert.Empty(t, m.Snapshot().TopicMetrics)
}

func TestMediatorMetrics_Register_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMediatorMetrics("flows", reg)

	require.NoError(t, m.Register())
	require.NoError(t, m.Register())
}

func TestMediatorMetrics_NilRegisterer(t *testing.T) {
	m := NewMediatorMetrics("flows", nil)
	assert.NotNil(t, m)
}
