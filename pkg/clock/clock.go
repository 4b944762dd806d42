// Package clock tracks server time and drives periodic ticks.
//
// ServerClock keeps an offset between local time and the server's clock.
// The offset is re-based from stream clock messages and, optionally, from
// an NTP query. Staleness is judged against this clock so a skewed client
// does not mark fresh data as stale.
package clock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

// Defaults.
const (
	DefaultTickInterval = time.Second
	DefaultNTPTimeout   = 5 * time.Second
	DefaultNTPInterval  = 10 * time.Minute
)

// Offset sources.
const (
	SourceNone   = "none"
	SourceStream = "stream"
	SourceNTP    = "ntp"
)

// ErrZeroTime is returned when a zero server time is observed.
var ErrZeroTime = errors.New("zero server time")

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// System is the local wall clock.
type System struct{}

// Now implements Clock.
func (System) Now() time.Time { return time.Now() }

// Status describes the current offset.
type Status struct {
	Offset   time.Duration
	Source   string
	SyncedAt time.Time
	Error    string
}

// ServerClock is local time corrected by the last observed server offset.
type ServerClock struct {
	base   Clock
	logger *slog.Logger

	// query is replaced in tests.
	query func(host string, opt ntp.QueryOptions) (*ntp.Response, error)

	mu     sync.RWMutex
	status Status
}

// NewServerClock returns a clock over base. A nil base uses System.
func NewServerClock(base Clock, logger *slog.Logger) *ServerClock {
	if base == nil {
		base = System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ServerClock{
		base:   base,
		logger: logger.With("component", "clock"),
		query:  ntp.QueryWithOptions,
		status: Status{Source: SourceNone},
	}
}

// Now returns the estimated server time.
func (c *ServerClock) Now() time.Time {
	c.mu.RLock()
	off := c.status.Offset
	c.mu.RUnlock()
	return c.base.Now().Add(off)
}

// Offset returns the current offset.
func (c *ServerClock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.Offset
}

// Status returns the current offset state.
func (c *ServerClock) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Observe re-bases the offset from a server timestamp.
func (c *ServerClock) Observe(serverTime time.Time) error {
	if serverTime.IsZero() {
		return ErrZeroTime
	}
	now := c.base.Now()

	c.mu.Lock()
	c.status = Status{Offset: serverTime.Sub(now), Source: SourceStream, SyncedAt: now}
	c.mu.Unlock()
	return nil
}

// SyncNTP re-bases the offset from an NTP query against server.
func (c *ServerClock) SyncNTP(ctx context.Context, server string) error {
	opt := ntp.QueryOptions{Timeout: DefaultNTPTimeout}
	if dl, ok := ctx.Deadline(); ok {
		opt.Timeout = time.Until(dl)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	resp, err := c.query(server, opt)
	if err == nil {
		err = resp.Validate()
	}

	now := c.base.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.status.Error = err.Error()
		return fmt.Errorf("ntp query %s: %w", server, err)
	}
	c.status = Status{Offset: resp.ClockOffset, Source: SourceNTP, SyncedAt: now}
	return nil
}

// RunNTP syncs against server immediately and then every interval until
// ctx is done. Failures keep the previous offset.
func (c *ServerClock) RunNTP(ctx context.Context, server string, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultNTPInterval
	}
	c.syncLogged(ctx, server)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.syncLogged(ctx, server)
		}
	}
}

func (c *ServerClock) syncLogged(ctx context.Context, server string) {
	if err := c.SyncNTP(ctx, server); err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("ntp sync failed", "server", server, "error", err)
		}
		return
	}
	c.logger.Debug("ntp synced", "server", server, "offset", c.Offset())
}

// Tick calls fn with clock.Now() every interval until ctx is done.
func Tick(ctx context.Context, clock Clock, interval time.Duration, fn func(time.Time)) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(clock.Now())
		}
	}
}
