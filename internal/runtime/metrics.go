package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/eventmediator/internal/runtime/processor"
)

// MediatorMetrics records poll cycle statistics for one mediator, both as
// Prometheus collectors and as an in-process snapshot served by the status
// endpoint.
type MediatorMetrics struct {
	mu sync.RWMutex

	name   string
	topics map[string]*TopicMetrics

	phaseSeconds   *prometheus.HistogramVec
	pollSize       *prometheus.HistogramVec
	replayedTotal  *prometheus.CounterVec
	failedTotal    *prometheus.CounterVec
	conflictsTotal *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// TopicMetrics holds the counters of a single topic.
type TopicMetrics struct {
	RecordsPolled     uint64        `json:"records_polled"`
	BatchesProcessed  uint64        `json:"batches_processed"`
	InputsReplayed    uint64        `json:"inputs_replayed"`
	KeysFailed        uint64        `json:"keys_failed"`
	PersistConflicts  uint64        `json:"persist_conflicts"`
	LastBatchDuration time.Duration `json:"last_batch_duration"`
	LastPollAt        time.Time     `json:"last_poll_at,omitempty"`
	LastUpdatedAt     time.Time     `json:"last_updated_at"`
}

// MetricsSnapshot provides a point-in-time view of the mediator metrics.
type MetricsSnapshot struct {
	TotalPolled    uint64                   `json:"total_polled"`
	TotalReplayed  uint64                   `json:"total_replayed"`
	TotalFailed    uint64                   `json:"total_failed"`
	TotalConflicts uint64                   `json:"total_conflicts"`
	TopicMetrics   map[string]*TopicMetrics `json:"topic_metrics"`
	CollectedAt    time.Time                `json:"collected_at"`
}

var mediatorLabels = []string{"mediator", "topic"}

func newMediatorCounterVec(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eventmediator",
			Subsystem: "mediator",
			Name:      name,
			Help:      help,
		},
		mediatorLabels,
	)
}

func newMediatorHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "eventmediator",
			Subsystem: "mediator",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewMediatorMetrics creates the collectors for the mediator called name.
func NewMediatorMetrics(name string, registerer prometheus.Registerer) *MediatorMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &MediatorMetrics{
		name:           name,
		topics:         make(map[string]*TopicMetrics),
		registerer:     registerer,
		phaseSeconds:   newMediatorHistogramVec("phase_duration_seconds", "Time spent in each phase of the poll cycle", prometheus.DefBuckets, []string{"mediator", "topic", "phase"}),
		pollSize:       newMediatorHistogramVec("poll_records", "Number of records returned by a non-empty poll", []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000}, mediatorLabels),
		replayedTotal:  newMediatorCounterVec("replayed_inputs_total", "Inputs answered from the replay log instead of the processor"),
		failedTotal:    newMediatorCounterVec("failed_keys_total", "Keys whose processing was marked as failed"),
		conflictsTotal: newMediatorCounterVec("persist_conflicts_total", "Keys that failed to persist and were processed again"),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *MediatorMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.phaseSeconds,
		m.pollSize,
		m.replayedTotal,
		m.failedTotal,
		m.conflictsTotal,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *MediatorMetrics) ObservePhase(topic string, phase processor.Phase, elapsed time.Duration) {
	m.phaseSeconds.WithLabelValues(m.name, topic, string(phase)).Observe(elapsed.Seconds())
	if phase != processor.PhaseProcess {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.BatchesProcessed++
	metrics.LastBatchDuration = elapsed
	metrics.LastUpdatedAt = time.Now()
}

func (m *MediatorMetrics) ObservePollSize(topic string, records int) {
	m.pollSize.WithLabelValues(m.name, topic).Observe(float64(records))

	m.mu.Lock()
	defer m.mu.Unlock()
	metrics := m.getOrCreateTopicMetrics(topic)
	metrics.RecordsPolled += uint64(records)
	metrics.LastPollAt = time.Now()
	metrics.LastUpdatedAt = metrics.LastPollAt
}

func (m *MediatorMetrics) AddReplayed(topic string, n int) {
	m.add(topic, n, m.replayedTotal, func(tm *TopicMetrics) *uint64 { return &tm.InputsReplayed })
}

func (m *MediatorMetrics) AddFailed(topic string, n int) {
	m.add(topic, n, m.failedTotal, func(tm *TopicMetrics) *uint64 { return &tm.KeysFailed })
}

func (m *MediatorMetrics) AddConflicts(topic string, n int) {
	m.add(topic, n, m.conflictsTotal, func(tm *TopicMetrics) *uint64 { return &tm.PersistConflicts })
}

func (m *MediatorMetrics) add(topic string, n int, counter *prometheus.CounterVec, field func(*TopicMetrics) *uint64) {
	if n <= 0 {
		return
	}
	counter.WithLabelValues(m.name, topic).Add(float64(n))

	m.mu.Lock()
	defer m.mu.Unlock()
	metrics := m.getOrCreateTopicMetrics(topic)
	*field(metrics) += uint64(n)
	metrics.LastUpdatedAt = time.Now()
}

// Snapshot returns a point-in-time copy of all topic metrics.
func (m *MediatorMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		TopicMetrics: make(map[string]*TopicMetrics, len(m.topics)),
		CollectedAt:  time.Now(),
	}
	for topic, metrics := range m.topics {
		metricsCopy := *metrics
		snapshot.TopicMetrics[topic] = &metricsCopy
		snapshot.TotalPolled += metrics.RecordsPolled
		snapshot.TotalReplayed += metrics.InputsReplayed
		snapshot.TotalFailed += metrics.KeysFailed
		snapshot.TotalConflicts += metrics.PersistConflicts
	}
	return snapshot
}

// TopicMetrics returns a copy of the metrics of topic, or nil when nothing
// was recorded for it.
func (m *MediatorMetrics) TopicMetrics(topic string) *TopicMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, ok := m.topics[topic]; ok {
		metricsCopy := *metrics
		return &metricsCopy
	}
	return nil
}

func (m *MediatorMetrics) getOrCreateTopicMetrics(topic string) *TopicMetrics {
	if metrics, ok := m.topics[topic]; ok {
		return metrics
	}
	metrics := &TopicMetrics{}
	m.topics[topic] = metrics
	return metrics
}

// Reset resets all metrics (useful for testing).
func (m *MediatorMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topics = make(map[string]*TopicMetrics)
	m.phaseSeconds.Reset()
	m.pollSize.Reset()
	m.replayedTotal.Reset()
	m.failedTotal.Reset()
	m.conflictsTotal.Reset()
}

var _ processor.Metrics = (*MediatorMetrics)(nil)
