// Package batch collapses bursts of stream updates into bounded-rate
// store writes.
//
// Updates merge into a pending batch keyed by composite key; the last
// value per key wins, except that merge updates overlay the pending one. The batch is flushed 500ms after the last update,
// and never later than 1000ms after the first unflushed one, so a
// sustained stream still flushes periodically.
package batch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/livetag/livetag-go/internal/debounce"
	"github.com/livetag/livetag-go/pkg/store"
)

// Default flush window.
const (
	DefaultWait    = 500 * time.Millisecond
	DefaultMaxWait = 1000 * time.Millisecond
)

// Update is one observed value for a key.
type Update struct {
	Key        string
	Value      any
	ObservedAt time.Time

	// Merge overlays a map Value onto the key's current record.
	Merge bool
}

// Sink receives flushed batches. A batch is never empty.
type Sink interface {
	Apply(batch map[string]store.ValueUpdate)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(batch map[string]store.ValueUpdate)

// Apply implements Sink.
func (f SinkFunc) Apply(batch map[string]store.ValueUpdate) { f(batch) }

// Stats holds batcher counters.
type Stats struct {
	Updates       uint64
	Collapsed     uint64
	Flushes       uint64
	Dropped       uint64
	Pending       int
	LastFlushSize int
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Batcher) { b.logger = l }
}

// WithWindow sets the debounce and max-wait durations.
func WithWindow(wait, maxWait time.Duration) Option {
	return func(b *Batcher) {
		b.wait = wait
		b.maxWait = maxWait
	}
}

// Batcher accumulates updates and flushes them to a Sink.
type Batcher struct {
	sink    Sink
	logger  *slog.Logger
	wait    time.Duration
	maxWait time.Duration

	mu      sync.Mutex
	pending map[string]store.ValueUpdate
	stopped bool
	stats   Stats

	debouncer *debounce.Debouncer
}

// New creates a batcher flushing to sink.
func New(sink Sink, opts ...Option) *Batcher {
	b := &Batcher{
		sink:    sink,
		logger:  slog.Default(),
		wait:    DefaultWait,
		maxWait: DefaultMaxWait,
		pending: make(map[string]store.ValueUpdate),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "batch")
	b.debouncer = debounce.New(b.wait, b.maxWait, b.flush)
	return b
}

// Add merges updates into the pending batch. Updates for the same key keep
// arrival order; the last one wins.
func (b *Batcher) Add(updates ...Update) {
	if len(updates) == 0 {
		return
	}

	b.mu.Lock()
	if b.stopped {
		b.stats.Dropped += uint64(len(updates))
		b.mu.Unlock()
		return
	}
	for _, u := range updates {
		next := store.ValueUpdate{Value: u.Value, ObservedAt: u.ObservedAt, Merge: u.Merge}
		if prev, ok := b.pending[u.Key]; ok {
			b.stats.Collapsed++
			next = prev.Then(next)
		}
		b.pending[u.Key] = next
		b.stats.Updates++
	}
	b.mu.Unlock()

	b.debouncer.Trigger()
}

// Flush writes the pending batch now.
func (b *Batcher) Flush() {
	b.debouncer.Flush()
}

// Stop flushes what is pending and drops later updates.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	b.debouncer.Flush()
	b.debouncer.Stop()
}

// Stats returns a snapshot of the counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Pending = len(b.pending)
	return s
}

func (b *Batcher) flush() {
	b.mu.Lock()
	batch := b.pending
	if len(batch) == 0 {
		b.mu.Unlock()
		return
	}
	b.pending = make(map[string]store.ValueUpdate, len(batch))
	b.stats.Flushes++
	b.stats.LastFlushSize = len(batch)
	b.mu.Unlock()

	b.logger.Debug("flushing batch", "keys", len(batch))
	b.sink.Apply(batch)
}
