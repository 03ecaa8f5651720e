// Package metrics is the in-process sink the managers report counters and
// gauges into. Exporting them over HTTP (Prometheus or otherwise) is the
// embedding service's job, not ours.
package metrics

import "sync"

// Metric names used across the managers.
const (
	VMCreatedTotal       = "vm_created_total"
	VMDeletedTotal       = "vm_deleted_total"
	VMActive             = "vm_active_total"
	PoolReady            = "vm_pool_ready"
	PoolFilling          = "vm_pool_filling"
	PoolAllocatedTotal   = "vm_pool_allocated_total"
	SessionsActive       = "vm_ssh_sessions_active"
	SessionBytesTotal    = "vm_ssh_session_bytes_total"
	RecorderDroppedTotal = "vm_recorder_dropped_frames_total"
)

// Sink receives metric updates. Implementations must be safe for concurrent
// use.
type Sink interface {
	IncCounter(name string, delta int64)
	AddGauge(name string, delta int64)
	SetGauge(name string, value int64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, int64) {}
func (Nop) AddGauge(string, int64)   {}
func (Nop) SetGauge(string, int64)   {}

// Memory is a thread-safe sink backed by maps, used by tests and the status
// command.
type Memory struct {
	mu       sync.RWMutex
	counters map[string]int64
	gauges   map[string]int64
}

func NewMemory() *Memory {
	return &Memory{
		counters: map[string]int64{},
		gauges:   map[string]int64{},
	}
}

func (m *Memory) IncCounter(name string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += delta
}

func (m *Memory) AddGauge(name string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] += delta
}

func (m *Memory) SetGauge(name string, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

func (m *Memory) Counter(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

func (m *Memory) Gauge(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gauges[name]
}

// Snapshot returns a merged copy of every metric. Counter and gauge names
// never collide.
func (m *Memory) Snapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.counters)+len(m.gauges))
	for k, v := range m.counters {
		out[k] = v
	}
	for k, v := range m.gauges {
		out[k] = v
	}
	return out
}

var (
	_ Sink = Nop{}
	_ Sink = (*Memory)(nil)
)
