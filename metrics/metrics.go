// Package metrics implements counters, gauges and meters behind a small
// process-wide Registry, modeled on go-ethereum's metrics package. The
// PaladinLoop and the ingress adapters surface their transient/malformed/domain
// error classes as counters here rather than propagating errors upward.
package metrics

import (
	"sync"
	"sync/atomic"
)

// Counter holds an int64 value that can be incremented and decremented.
type Counter interface {
	Clear()
	Inc(int64)
	Dec(int64)
	Snapshot() CounterSnapshot
}

type CounterSnapshot interface {
	Count() int64
}

type standardCounter struct {
	count atomic.Int64
}

func NewCounter() Counter { return &standardCounter{} }

func (c *standardCounter) Clear()      { c.count.Store(0) }
func (c *standardCounter) Inc(i int64) { c.count.Add(i) }
func (c *standardCounter) Dec(i int64) { c.count.Add(-i) }
func (c *standardCounter) Snapshot() CounterSnapshot {
	return counterSnapshot(c.count.Load())
}

type counterSnapshot int64

func (c counterSnapshot) Count() int64 { return int64(c) }

// Gauge holds a single int64 value that can be set directly.
type Gauge interface {
	Update(int64)
	Snapshot() GaugeSnapshot
}

type GaugeSnapshot interface {
	Value() int64
}

type standardGauge struct {
	value atomic.Int64
}

func NewGauge() Gauge { return &standardGauge{} }

func (g *standardGauge) Update(v int64) { g.value.Store(v) }
func (g *standardGauge) Snapshot() GaugeSnapshot {
	return gaugeSnapshot(g.value.Load())
}

type gaugeSnapshot int64

func (g gaugeSnapshot) Value() int64 { return int64(g) }

// Meter counts events. This implementation keeps it simple relative to
// go-ethereum's EWMA-based meter: it holds only a running count and computes
// no rate; sinks export the count as-is.
type Meter interface {
	Mark(int64)
	Snapshot() MeterSnapshot
}

type MeterSnapshot interface {
	Count() int64
}

type standardMeter struct {
	count atomic.Int64
}

func NewMeter() Meter { return &standardMeter{} }

func (m *standardMeter) Mark(n int64) { m.count.Add(n) }
func (m *standardMeter) Snapshot() MeterSnapshot {
	return counterSnapshot(m.count.Load())
}

// Registry is a collection of named metrics.
type Registry struct {
	mu sync.Mutex
	m  map[string]interface{}
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]interface{})}
}

// GetOrRegister returns the metric registered under name, registering
// metric() if none exists yet.
func (r *Registry) GetOrRegister(name string, metric func() interface{}) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.m[name]; ok {
		return v
	}
	v := metric()
	r.m[name] = v
	return v
}

// Each calls fn for every registered metric.
func (r *Registry) Each(fn func(name string, metric interface{})) {
	r.mu.Lock()
	snapshot := make(map[string]interface{}, len(r.m))
	for k, v := range r.m {
		snapshot[k] = v
	}
	r.mu.Unlock()
	for k, v := range snapshot {
		fn(k, v)
	}
}

// DefaultRegistry is the process-wide registry most call sites use, matching
// go-ethereum's metrics.DefaultRegistry convention.
var DefaultRegistry = NewRegistry()

func NewRegisteredCounter(name string, r *Registry) Counter {
	if r == nil {
		r = DefaultRegistry
	}
	return r.GetOrRegister(name, func() interface{} { return NewCounter() }).(Counter)
}

func NewRegisteredGauge(name string, r *Registry) Gauge {
	if r == nil {
		r = DefaultRegistry
	}
	return r.GetOrRegister(name, func() interface{} { return NewGauge() }).(Gauge)
}

func NewRegisteredMeter(name string, r *Registry) Meter {
	if r == nil {
		r = DefaultRegistry
	}
	return r.GetOrRegister(name, func() interface{} { return NewMeter() }).(Meter)
}
