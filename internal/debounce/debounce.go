// Package debounce provides a trailing-edge debouncer with an optional
// max-wait bound.
package debounce

import (
	"sync"
	"time"
)

// Debouncer calls fn once activity has been quiet for wait, or once
// maxWait has elapsed since the first unflushed trigger, whichever is
// first. fn runs on its own goroutine, never concurrently with itself.
type Debouncer struct {
	wait    time.Duration
	maxWait time.Duration
	fn      func()

	mu      sync.Mutex
	timer   *time.Timer
	first   time.Time
	pending bool
	stopped bool

	// serializes fn
	run sync.Mutex
}

// New creates a debouncer. A maxWait of zero disables the bound.
func New(wait, maxWait time.Duration, fn func()) *Debouncer {
	if maxWait > 0 && maxWait < wait {
		maxWait = wait
	}
	return &Debouncer{wait: wait, maxWait: maxWait, fn: fn}
}

// Trigger records activity and (re)schedules the call.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	now := time.Now()
	if !d.pending {
		d.pending = true
		d.first = now
	}

	delay := d.wait
	if d.maxWait > 0 {
		if remaining := d.first.Add(d.maxWait).Sub(now); remaining < delay {
			delay = remaining
		}
	}
	if delay < 0 {
		delay = 0
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(delay, d.fire)
}

// Flush runs a pending call now, on the caller's goroutine.
func (d *Debouncer) Flush() {
	if d.take() {
		d.call()
	}
}

// Cancel drops a pending call.
func (d *Debouncer) Cancel() {
	d.take()
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Stop cancels any pending call and ignores later triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.take()
}

func (d *Debouncer) fire() {
	if d.take() {
		d.call()
	}
}

// take clears the pending state and reports whether a call was pending.
func (d *Debouncer) take() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	was := d.pending
	d.pending = false
	return was
}

func (d *Debouncer) call() {
	d.run.Lock()
	defer d.run.Unlock()
	d.fn()
}
