package delegauth

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one orchestrator counter or histogram.
type MetricID uint16

const (
	// MetricExchangeSuccess counts exchanges committed to the store.
	MetricExchangeSuccess MetricID = iota
	// MetricExchangeFailure counts exchanges rejected by the backend or the transport.
	MetricExchangeFailure
	// MetricExchangeDeduplicated counts Initialize callers that joined an in-flight exchange.
	MetricExchangeDeduplicated
	// MetricExchangeStaleDiscarded counts exchange results dropped because the primary token changed.
	MetricExchangeStaleDiscarded
	// MetricRefreshSuccess counts refreshes committed to the store.
	MetricRefreshSuccess
	// MetricRefreshFailure counts refreshes that cleared the session.
	MetricRefreshFailure
	// MetricRefreshShared counts Refresh callers that joined an in-flight refresh.
	MetricRefreshShared
	// MetricRefreshThrottled counts refreshes denied by the throttle.
	MetricRefreshThrottled
	// MetricRefreshSkipped counts refresh requests satisfied by a credential that was already replaced.
	MetricRefreshSkipped
	// MetricOrganizationLoadSuccess counts committed organization loads.
	MetricOrganizationLoadSuccess
	// MetricOrganizationLoadFailure counts failed organization loads.
	MetricOrganizationLoadFailure
	// MetricOrganizationSwitch counts accepted organization switches.
	MetricOrganizationSwitch
	// MetricOrganizationSwitchRejected counts switches to an unknown organization.
	MetricOrganizationSwitchRejected
	// MetricCallSuccess counts authenticated calls that ended with a 2xx response.
	MetricCallSuccess
	// MetricCallFailure counts authenticated calls that ended with any other outcome.
	MetricCallFailure
	// MetricCallRetried counts authenticated calls retried after a 401.
	MetricCallRetried
	// MetricCallUnauthenticated counts authenticated calls rejected before sending.
	MetricCallUnauthenticated
	// MetricSessionCleared counts delegated session clears.
	MetricSessionCleared
	// MetricStoreCorruptionHealed counts corrupt store entries removed on load.
	MetricStoreCorruptionHealed
	// MetricCallLatency is the authenticated call latency histogram.
	MetricCallLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free counters. A nil or disabled Metrics ignores every update.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter and histogram.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns counters configured by cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are collected.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether the latency histogram is collected.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc increments counter id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the histogram for id. Only [MetricCallLatency] has a histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricCallLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value returns the current value of counter id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter, and the latency histogram when enabled.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricCallLatency].buckets[i])
		}
		s.Histograms[MetricCallLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
