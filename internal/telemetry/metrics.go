package telemetry

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Metrics is the counter surface pipeline components report to.
type Metrics interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

type nopMetrics struct{}

func (nopMetrics) Add(string, uint64)   {}
func (nopMetrics) Store(string, uint64) {}

// NopMetrics discards every update.
func NopMetrics() Metrics {
	return nopMetrics{}
}

// Counters is an in-process Metrics implementation.
type Counters struct {
	values sync.Map
}

func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) counter(key string) *atomic.Uint64 {
	if existing, ok := c.values.Load(key); ok {
		return existing.(*atomic.Uint64)
	}
	created, _ := c.values.LoadOrStore(key, new(atomic.Uint64))
	return created.(*atomic.Uint64)
}

func (c *Counters) Add(key string, delta uint64) {
	if c == nil || key == "" {
		return
	}
	c.counter(key).Add(delta)
}

func (c *Counters) Store(key string, value uint64) {
	if c == nil || key == "" {
		return
	}
	c.counter(key).Store(value)
}

// Load returns the current value of key, or zero.
func (c *Counters) Load(key string) uint64 {
	if c == nil {
		return 0
	}
	if existing, ok := c.values.Load(key); ok {
		return existing.(*atomic.Uint64).Load()
	}
	return 0
}

// Snapshot copies every counter.
func (c *Counters) Snapshot() map[string]uint64 {
	snapshot := make(map[string]uint64)
	if c == nil {
		return snapshot
	}
	c.values.Range(func(key, value any) bool {
		snapshot[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return snapshot
}

// Keys lists counter names in sorted order.
func (c *Counters) Keys() []string {
	snapshot := c.Snapshot()
	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
