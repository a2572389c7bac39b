package lib

import "sync"

// Counter names reported on /metrics.
const (
	MetricMessagesReceived     = "messages_received_total"
	MetricMessagesAcked        = "messages_acked_total"
	MetricMessagesNacked       = "messages_nacked_total"
	MetricDecodeErrors         = "decode_errors_total"
	MetricEventsMerged         = "events_merged_total"
	MetricEventsMergeNoop      = "events_merge_noop_total"
	MetricTombstones           = "tombstones_total"
	MetricExceptionsAppended   = "exceptions_appended_total"
	MetricMergeRetries         = "merge_retries_total"
	MetricPartialWrites        = "partial_writes_total"
	MetricGeneratorEvents      = "generator_events_published_total"
	MetricGeneratorCorrections = "generator_corrections_published_total"
	MetricGeneratorRateLimited = "generator_requests_rate_limited_total"
)

// Metrics is an in-memory counter store shared by the pipeline components.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	mu       sync.RWMutex
	counters map[string]uint64
}

func NewMetrics() *Metrics {
	return &Metrics{counters: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += delta
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make(map[string]uint64, len(m.counters))
	for k, v := range m.counters {
		cp[k] = v
	}
	return cp
}
