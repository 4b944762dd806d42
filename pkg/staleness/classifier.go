// Package staleness grades how overdue each tracked key is.
//
// The Classifier runs on its own goroutine and owns its key table. Callers
// interact with it only through channels: registrations and ticks go in,
// transition batches come out of Transitions.
package staleness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Channel capacities.
const (
	DefaultOutputBuffer = 64
	DefaultInboxBuffer  = 1024
)

// Registration records an observation of key at ObservedAt. Timeout is the
// key's expected update interval.
type Registration struct {
	Key        string
	ObservedAt time.Time
	Timeout    time.Duration
}

// Transition reports a key whose level changed.
type Transition struct {
	Key   string
	Level Level
	Gap   time.Duration
}

// ClassifierInputError describes a registration or tick that was dropped.
type ClassifierInputError struct {
	Key    string
	Reason string
}

func (e *ClassifierInputError) Error() string {
	if e.Key == "" {
		return "classifier input: " + e.Reason
	}
	return fmt.Sprintf("classifier input %q: %s", e.Key, e.Reason)
}

// Stats holds classifier counters.
type Stats struct {
	Keys        int
	Ticks       uint64
	Transitions uint64
	Invalid     uint64

	// Dropped counts registrations refused because the inbox was full.
	Dropped uint64
}

type entry struct {
	observedAt time.Time
	timeout    time.Duration
	level      Level
	classified bool
}

// Classifier computes staleness levels off the delivery path.
type Classifier struct {
	logger *slog.Logger

	in       chan []Registration
	ticks    chan time.Time
	out      chan []Transition
	outClose sync.Once

	// owned by the Run goroutine
	entries  map[string]*entry
	lastTick time.Time

	keys        atomic.Int64
	tickCount   atomic.Uint64
	transitions atomic.Uint64
	invalid     atomic.Uint64
	dropped     atomic.Uint64
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) { c.logger = l }
}

// WithOutputBuffer sets the transitions channel capacity.
func WithOutputBuffer(n int) Option {
	return func(c *Classifier) {
		if n >= 0 {
			c.out = make(chan []Transition, n)
		}
	}
}

// WithInboxBuffer sets how many registration batches may wait for Run.
func WithInboxBuffer(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.in = make(chan []Registration, n)
		}
	}
}

// NewClassifier creates a classifier. Call Run to start it.
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{
		logger:  slog.Default(),
		in:      make(chan []Registration, DefaultInboxBuffer),
		ticks:   make(chan time.Time, 1),
		out:     make(chan []Transition, DefaultOutputBuffer),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "staleness")
	return c
}

// Register posts observations. It never blocks: when the inbox is full
// the registrations are dropped and counted.
func (c *Classifier) Register(regs ...Registration) {
	if len(regs) == 0 {
		return
	}
	select {
	case c.in <- regs:
	default:
		c.dropped.Add(uint64(len(regs)))
		c.logger.Warn("classifier inbox full, dropping registrations", "count", len(regs))
	}
}

// Tick posts the current server time. A tick not yet processed is
// replaced by the newer one. It never blocks.
func (c *Classifier) Tick(now time.Time) {
	for {
		select {
		case c.ticks <- now:
			return
		default:
		}
		select {
		case <-c.ticks:
		default:
		}
	}
}

// Transitions returns the channel of changed-level batches. It is closed
// when Run returns.
func (c *Classifier) Transitions() <-chan []Transition {
	return c.out
}

// Stats returns a snapshot of the counters.
func (c *Classifier) Stats() Stats {
	return Stats{
		Keys:        int(c.keys.Load()),
		Ticks:       c.tickCount.Load(),
		Transitions: c.transitions.Load(),
		Invalid:     c.invalid.Load(),
		Dropped:     c.dropped.Load(),
	}
}

// Run processes registrations and ticks until ctx is done.
func (c *Classifier) Run(ctx context.Context) error {
	defer c.outClose.Do(func() { close(c.out) })

	for {
		var batch []Transition
		select {
		case <-ctx.Done():
			return nil
		case regs := <-c.in:
			batch = c.register(regs, batch)
		case now := <-c.ticks:
			batch = c.onTick(now, batch)
		}
		if len(batch) == 0 {
			continue
		}

		c.transitions.Add(uint64(len(batch)))
		select {
		case c.out <- batch:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Classifier) register(regs []Registration, batch []Transition) []Transition {
	for _, r := range regs {
		if err := validate(r); err != nil {
			c.invalid.Add(1)
			c.logger.Warn("dropping registration", "error", err)
			continue
		}

		e, ok := c.entries[r.Key]
		if !ok {
			e = &entry{}
			c.entries[r.Key] = e
			c.keys.Add(1)
		}
		// Out-of-order observations never move a key backwards.
		if r.ObservedAt.After(e.observedAt) || !ok {
			e.observedAt = r.ObservedAt
		}
		e.timeout = r.Timeout

		if !c.lastTick.IsZero() {
			batch = c.classify(r.Key, e, c.lastTick, batch)
		}
	}
	return batch
}

func (c *Classifier) onTick(now time.Time, batch []Transition) []Transition {
	if now.IsZero() {
		c.invalid.Add(1)
		c.logger.Warn("dropping tick", "error", &ClassifierInputError{Reason: "zero server time"})
		return batch
	}
	if now.Equal(c.lastTick) {
		return batch
	}
	c.lastTick = now
	c.tickCount.Add(1)

	for k, e := range c.entries {
		batch = c.classify(k, e, now, batch)
	}
	return batch
}

func (c *Classifier) classify(k string, e *entry, now time.Time, batch []Transition) []Transition {
	gap := now.Sub(e.observedAt)
	level := Classify(gap, e.timeout)
	if e.classified && level == e.level {
		return batch
	}
	e.level = level
	e.classified = true
	return append(batch, Transition{Key: k, Level: level, Gap: gap})
}

func validate(r Registration) error {
	switch {
	case r.Key == "":
		return &ClassifierInputError{Reason: "empty key"}
	case r.Timeout <= 0:
		return &ClassifierInputError{Key: r.Key, Reason: fmt.Sprintf("non-positive timeout %v", r.Timeout)}
	case r.ObservedAt.IsZero():
		return &ClassifierInputError{Key: r.Key, Reason: "zero observation time"}
	}
	return nil
}
