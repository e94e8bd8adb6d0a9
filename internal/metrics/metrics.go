package metrics

import (
	"sort"
	"sync"
	"time"
)

const latencyWindow = 1000

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeFatal     Outcome = "fatal"
	OutcomeCancelled Outcome = "cancelled"
)

type Metrics struct {
	mutex       sync.RWMutex
	successes   map[string]int64
	failures    map[string]map[string]int64
	blacklisted map[string]int64
	recovered   map[string]int64
	resets      map[string]int64
	outcomes    map[Outcome]int64
	latencies   []time.Duration
	startTime   time.Time
}

type Snapshot struct {
	Uptime     time.Duration              `json:"uptime"`
	Dispatches DispatchMetrics            `json:"dispatches"`
	Providers  map[string]ProviderMetrics `json:"providers"`
}

type DispatchMetrics struct {
	Total      int64             `json:"total"`
	Outcomes   map[Outcome]int64 `json:"outcomes"`
	AvgLatency time.Duration     `json:"avg_latency"`
	P50Latency time.Duration     `json:"p50_latency"`
	P95Latency time.Duration     `json:"p95_latency"`
	P99Latency time.Duration     `json:"p99_latency"`
}

type ProviderMetrics struct {
	Successes     int64            `json:"successes"`
	Failures      map[string]int64 `json:"failures"`
	Blacklistings int64            `json:"blacklistings"`
	Recoveries    int64            `json:"recoveries"`
	Resets        int64            `json:"resets"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		successes:   make(map[string]int64),
		failures:    make(map[string]map[string]int64),
		blacklisted: make(map[string]int64),
		recovered:   make(map[string]int64),
		resets:      make(map[string]int64),
		outcomes:    make(map[Outcome]int64),
		startTime:   time.Now(),
	}
}

func (m *Metrics) RecordSuccess(provider string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.successes[provider]++
}

// RecordFailure counts a failed call. Blacklisting failures are counted here
// as well as in RecordBlacklisting.
func (m *Metrics) RecordFailure(provider, reason string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.failures[provider] == nil {
		m.failures[provider] = make(map[string]int64)
	}
	m.failures[provider][reason]++
}

func (m *Metrics) RecordBlacklisting(provider string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.blacklisted[provider]++
}

func (m *Metrics) RecordRecovery(provider string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.recovered[provider]++
}

func (m *Metrics) RecordReset(provider string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.resets[provider]++
}

func (m *Metrics) RecordDispatch(duration time.Duration, outcome Outcome) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.outcomes[outcome]++
	m.latencies = append(m.latencies, duration)
	if len(m.latencies) > latencyWindow {
		m.latencies = m.latencies[1:]
	}
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:    time.Since(m.startTime),
		Providers: make(map[string]ProviderMetrics),
		Dispatches: DispatchMetrics{
			Outcomes: make(map[Outcome]int64, len(m.outcomes)),
		},
	}

	for outcome, n := range m.outcomes {
		snap.Dispatches.Outcomes[outcome] = n
		snap.Dispatches.Total += n
	}

	if len(m.latencies) > 0 {
		sorted := make([]time.Duration, len(m.latencies))
		copy(sorted, m.latencies)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i] < sorted[j]
		})

		snap.Dispatches.AvgLatency = average(sorted)
		snap.Dispatches.P50Latency = percentile(sorted, 0.50)
		snap.Dispatches.P95Latency = percentile(sorted, 0.95)
		snap.Dispatches.P99Latency = percentile(sorted, 0.99)
	}

	// Collect every provider seen by any counter
	all := make(map[string]bool)
	for p := range m.successes {
		all[p] = true
	}
	for p := range m.failures {
		all[p] = true
	}
	for p := range m.blacklisted {
		all[p] = true
	}
	for p := range m.recovered {
		all[p] = true
	}
	for p := range m.resets {
		all[p] = true
	}

	for p := range all {
		failures := make(map[string]int64, len(m.failures[p]))
		for reason, n := range m.failures[p] {
			failures[reason] = n
		}

		snap.Providers[p] = ProviderMetrics{
			Successes:     m.successes[p],
			Failures:      failures,
			Blacklistings: m.blacklisted[p],
			Recoveries:    m.recovered[p],
			Resets:        m.resets[p],
		}
	}

	return snap
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
