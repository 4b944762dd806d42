package connection

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Reconnect policy defaults.
const (
	// ShortDelay is the delay used for the first ShortAttempts reconnects.
	ShortDelay = 3 * time.Second

	// ShortAttempts is the number of attempts made at ShortDelay.
	ShortAttempts = 10

	// LongDelay is the delay used once ShortAttempts is exhausted.
	LongDelay = 10 * time.Second

	// MaxAttempts is the attempt cap after which reconnection gives up.
	MaxAttempts = 20
)

// Tier is one step of the reconnect schedule. Attempts up to and
// including UpTo wait Delay before dialing.
type Tier struct {
	UpTo  int
	Delay time.Duration
}

// BackoffConfig allows customizing the reconnect schedule.
type BackoffConfig struct {
	Tiers       []Tier
	MaxAttempts int

	// Jitter is the maximum jitter as a fraction of the tier delay.
	Jitter float64
}

// DefaultBackoffConfig returns the default tiered schedule.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Tiers: []Tier{
			{UpTo: ShortAttempts, Delay: ShortDelay},
			{UpTo: MaxAttempts, Delay: LongDelay},
		},
		MaxAttempts: MaxAttempts,
	}
}

// Backoff calculates tiered reconnect delays with an attempt cap.
type Backoff struct {
	mu sync.Mutex

	tiers       []Tier
	maxAttempts int
	jitter      float64

	// Attempts since last reset
	attempts int
}

// NewBackoff creates a backoff calculator with the default schedule.
func NewBackoff() *Backoff {
	return NewBackoffWithConfig(DefaultBackoffConfig())
}

// NewBackoffWithConfig creates a backoff calculator with a custom schedule.
// Tiers must be ordered by UpTo.
func NewBackoffWithConfig(cfg BackoffConfig) *Backoff {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultBackoffConfig().Tiers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = cfg.Tiers[len(cfg.Tiers)-1].UpTo
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}

	tiers := make([]Tier, len(cfg.Tiers))
	copy(tiers, cfg.Tiers)

	return &Backoff{
		tiers:       tiers,
		maxAttempts: cfg.MaxAttempts,
		jitter:      cfg.Jitter,
	}
}

// Next advances the attempt counter and returns the delay to wait before
// that attempt. ok is false once the attempt cap has been exceeded.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++
	if b.attempts > b.maxAttempts {
		return 0, false
	}
	return b.addJitter(b.delayFor(b.attempts)), true
}

// Peek returns the delay for the next attempt without advancing.
func (b *Backoff) Peek() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.attempts + 1
	if next > b.maxAttempts {
		return 0, false
	}
	return b.delayFor(next), true
}

// Reset clears the attempt counter.
// Call this after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

// Attempts returns the number of attempts since last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// MaxAttempts returns the attempt cap.
func (b *Backoff) MaxAttempts() int {
	return b.maxAttempts
}

func (b *Backoff) delayFor(attempt int) time.Duration {
	for _, t := range b.tiers {
		if attempt <= t.UpTo {
			return t.Delay
		}
	}
	return b.tiers[len(b.tiers)-1].Delay
}

func (b *Backoff) addJitter(d time.Duration) time.Duration {
	if b.jitter <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*b.jitter*rand.Float64())
}
