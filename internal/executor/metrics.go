package executor

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks execution latency and outcomes.
type Metrics struct {
	// Latency samples in milliseconds, ring buffer
	samples   []int64
	sampleIdx int
	mu        sync.Mutex

	total     atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64

	// Component breakdown (last execution)
	lastBuildMs atomic.Int64
	lastSignMs  atomic.Int64
	lastSendMs  atomic.Int64
}

// NewMetrics creates a metrics tracker keeping the last 100 samples.
func NewMetrics() *Metrics {
	return &Metrics{samples: make([]int64, 100)}
}

// RecordSuccess records a confirmed execution.
func (m *Metrics) RecordSuccess(elapsed time.Duration) {
	m.record(elapsed.Milliseconds())
	m.total.Add(1)
	m.succeeded.Add(1)
}

// RecordFailure records an execution that returned failure.
func (m *Metrics) RecordFailure(elapsed time.Duration) {
	m.record(elapsed.Milliseconds())
	m.total.Add(1)
	m.failed.Add(1)
}

func (m *Metrics) record(ms int64) {
	m.mu.Lock()
	m.samples[m.sampleIdx%len(m.samples)] = ms
	m.sampleIdx++
	m.mu.Unlock()
}

// Counts returns total, succeeded, failed execution counts.
func (m *Metrics) Counts() (total, succeeded, failed int64) {
	return m.total.Load(), m.succeeded.Load(), m.failed.Load()
}

// AvgLatencyMs returns the mean latency over the retained samples.
func (m *Metrics) AvgLatencyMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.sampleIdx
	if n > len(m.samples) {
		n = len(m.samples)
	}
	if n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < n; i++ {
		sum += m.samples[i]
	}
	return sum / int64(n)
}

// LastBreakdown returns the last execution's build/sign/send latencies in ms.
func (m *Metrics) LastBreakdown() (buildMs, signMs, sendMs int64) {
	return m.lastBuildMs.Load(), m.lastSignMs.Load(), m.lastSendMs.Load()
}
