// Package logging mirrors accepted user-action records to local sinks. The
// mirror is diagnostic only; delivery to the collection endpoint is handled by
// the pipeline and never depends on it.
package logging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Clock interface {
	Now() time.Time
}

type Sink interface {
	Write(Record) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

// Router fans records out to its sinks from a single dispatch goroutine.
// Each sink drains its own backlog so a slow sink cannot stall the others.
type Router struct {
	cfg      Config
	clock    Clock
	fallback *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Record
	routes []*route
	done   chan struct{}

	forwarded  atomic.Uint64
	dropped    atomic.Uint64
	nextDropAt atomic.Int64
}

type SinkStats struct {
	Written uint64
	Failed  uint64
	Dropped uint64
}

type RouterStats struct {
	Forwarded uint64
	Dropped   uint64
	Sinks     map[string]SinkStats
}

func NewRouter(clock Clock, cfg Config, fallback *zap.Logger, namedSinks []NamedSink) *Router {
	if clock == nil {
		clock = wallClock{}
	}
	if fallback == nil {
		fallback = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.WriteAttempts <= 0 {
		cfg.WriteAttempts = 1
	}
	r := &Router{
		cfg:      cfg,
		clock:    clock,
		fallback: fallback.Named("mirror"),
		queue:    make(chan Record, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	backlog := min(max(cfg.QueueSize, 32), 1024)
	for _, named := range namedSinks {
		if named.Sink == nil {
			continue
		}
		r.routes = append(r.routes, &route{
			name:     named.Name,
			sink:     named.Sink,
			backlog:  make(chan Record, backlog),
			attempts: cfg.WriteAttempts,
			backoff:  cfg.RetryBackoff,
			logger:   r.fallback.With(zap.String("sink", named.Name)),
		})
	}
	go r.dispatch()
	return r
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (r *Router) dispatch() {
	var wg sync.WaitGroup
	for _, rt := range r.routes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.drain()
		}()
	}
	for record := range r.queue {
		r.forward(record)
	}
	for _, rt := range r.routes {
		close(rt.backlog)
	}
	wg.Wait()
	close(r.done)
}

func (r *Router) forward(record Record) {
	if r.cfg.ignores(record.Type) {
		return
	}
	if record.Timestamp == 0 {
		record.Timestamp = r.clock.Now().UnixMilli()
	}
	if r.cfg.OmitCodeState {
		record.CodeState = nil
	}
	r.forwarded.Add(1)
	for _, rt := range r.routes {
		rt.offer(record)
	}
}

// Publish queues record for every sink. It never blocks; a full queue drops
// the record.
func (r *Router) Publish(_ context.Context, record Record) {
	if record.Type == "" {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- record:
	default:
		r.noteDrop(record)
	}
}

func (r *Router) noteDrop(record Record) {
	total := r.dropped.Add(1)
	interval := r.cfg.DropWarnInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	now := r.clock.Now().UnixNano()
	next := r.nextDropAt.Load()
	if now >= next && r.nextDropAt.CompareAndSwap(next, now+int64(interval)) {
		r.fallback.Warn("mirror queue full, dropping record",
			zap.String("type", record.Type),
			zap.Uint64("dropped", total),
		)
	}
}

// Close stops accepting records, waits for the sinks to drain their backlog
// and closes them.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs []error
	for _, rt := range r.routes {
		if err := rt.sink.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		Forwarded: r.forwarded.Load(),
		Dropped:   r.dropped.Load(),
		Sinks:     make(map[string]SinkStats, len(r.routes)),
	}
	for _, rt := range r.routes {
		stats.Sinks[rt.name] = SinkStats{
			Written: rt.written.Load(),
			Failed:  rt.failed.Load(),
			Dropped: rt.dropped.Load(),
		}
	}
	return stats
}

func (r *Router) Sink(name string) Sink {
	for _, rt := range r.routes {
		if rt.name == name {
			return rt.sink
		}
	}
	return nil
}

type route struct {
	name     string
	sink     Sink
	backlog  chan Record
	attempts int
	backoff  time.Duration
	logger   *zap.Logger

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func (rt *route) offer(record Record) {
	select {
	case rt.backlog <- record.Clone():
	default:
		rt.dropped.Add(1)
		rt.logger.Warn("sink backlog full, dropping record", zap.String("type", record.Type))
	}
}

func (rt *route) drain() {
	for record := range rt.backlog {
		rt.write(record)
	}
}

// write tries the sink up to attempts times, doubling the pause between
// tries.
func (rt *route) write(record Record) {
	pause := rt.backoff
	for attempt := 1; ; attempt++ {
		err := rt.sink.Write(record)
		if err == nil {
			rt.written.Add(1)
			return
		}
		if attempt >= rt.attempts {
			rt.failed.Add(1)
			rt.logger.Warn("sink write failed, giving up on record",
				zap.String("type", record.Type),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return
		}
		if pause > 0 {
			time.Sleep(pause)
			pause *= 2
		}
	}
}
