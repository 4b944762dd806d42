// Package bootstrap seeds the store with last known values.
//
// The first time a key is declared the loader fetches its last known value
// once, so consumers see real data before the first stream delta arrives.
// A fetch response never overwrites a delta that arrived after the key was
// seeded. Failures are logged and not retried.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/livetag/livetag-go/internal/debounce"
	"github.com/livetag/livetag-go/pkg/key"
)

// Defaults.
const (
	DefaultCoalesce  = 100 * time.Millisecond
	DefaultChunkSize = 200
	DefaultRate      = 5
	DefaultBurst     = 2
)

// Sample is a last known value of one key.
type Sample struct {
	Key        key.Key
	Value      any
	ObservedAt time.Time
}

// Fetcher loads last known values.
type Fetcher interface {
	FetchLatest(ctx context.Context, keys []key.Key) ([]Sample, error)
}

// MetaFetcher loads per-key metadata, keyed by composite key.
type MetaFetcher interface {
	FetchMeta(ctx context.Context, keys []key.Key) (map[string]map[string]any, error)
}

// Sink receives accepted samples and metadata.
type Sink interface {
	ApplySamples(samples []Sample)
	ApplyMeta(meta map[string]map[string]any)
}

// BootstrapFetchError reports a failed fetch. The keys stay unset until
// their first delta.
type BootstrapFetchError struct {
	Op   string
	Keys int
	Err  error
}

func (e *BootstrapFetchError) Error() string {
	return fmt.Sprintf("bootstrap %s of %d keys: %v", e.Op, e.Keys, e.Err)
}

func (e *BootstrapFetchError) Unwrap() error { return e.Err }

// Stats holds loader counters.
type Stats struct {
	Seen      int
	Seeded    uint64
	Skipped   uint64
	Fetches   uint64
	Failures  uint64
	Applied   uint64
	Discarded uint64
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ld *Loader) { ld.logger = l }
}

// WithMetaFetcher enables metadata loading.
func WithMetaFetcher(m MetaFetcher) Option {
	return func(ld *Loader) { ld.meta = m }
}

// WithCoalesce sets how long seeds are collected before fetching.
func WithCoalesce(d time.Duration) Option {
	return func(ld *Loader) { ld.coalesce = d }
}

// WithChunkSize caps the keys per request.
func WithChunkSize(n int) Option {
	return func(ld *Loader) {
		if n > 0 {
			ld.chunk = n
		}
	}
}

// WithRateLimit limits requests per second. A zero limit disables it.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(ld *Loader) {
		if perSecond <= 0 {
			ld.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		ld.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

type seed struct {
	k   key.Key
	gen uint64
}

// Loader fetches last known values for first-seen keys.
type Loader struct {
	fetcher  Fetcher
	meta     MetaFetcher
	sink     Sink
	logger   *slog.Logger
	limiter  *rate.Limiter
	coalesce time.Duration
	chunk    int

	// fetches belong to the loader, never to a declaring group
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	seen    map[key.Key]struct{}
	gens    map[string]uint64
	queue   []seed
	stopped bool
	stats   Stats

	debouncer *debounce.Debouncer
}

// New creates a loader.
func New(fetcher Fetcher, sink Sink, opts ...Option) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	ld := &Loader{
		fetcher:  fetcher,
		sink:     sink,
		logger:   slog.Default(),
		limiter:  rate.NewLimiter(DefaultRate, DefaultBurst),
		coalesce: DefaultCoalesce,
		chunk:    DefaultChunkSize,
		ctx:      ctx,
		cancel:   cancel,
		seen:     make(map[key.Key]struct{}),
		gens:     make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(ld)
	}
	ld.logger = ld.logger.With("component", "bootstrap")
	ld.debouncer = debounce.New(ld.coalesce, 4*ld.coalesce, ld.flush)
	return ld
}

// Seed queues a fetch for every key not seen before. Keys that already
// received a delta are marked seen without fetching.
func (ld *Loader) Seed(keys ...key.Key) {
	ld.mu.Lock()
	if ld.stopped {
		ld.mu.Unlock()
		return
	}
	queued := 0
	for _, k := range keys {
		if _, ok := ld.seen[k]; ok {
			continue
		}
		ld.seen[k] = struct{}{}
		gen := ld.gens[k.String()]
		if gen > 0 {
			ld.stats.Skipped++
			continue
		}
		ld.queue = append(ld.queue, seed{k: k, gen: gen})
		ld.stats.Seeded++
		queued++
	}
	ld.mu.Unlock()

	if queued > 0 {
		ld.debouncer.Trigger()
	}
}

// NoteDelta records a stream delta for the composite key. Any fetch
// issued before it is discarded on arrival.
func (ld *Loader) NoteDelta(composite string) {
	ld.mu.Lock()
	ld.gens[composite]++
	ld.mu.Unlock()
}

// Seen reports whether k was ever seeded.
func (ld *Loader) Seen(k key.Key) bool {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	_, ok := ld.seen[k]
	return ok
}

// Flush starts fetching queued seeds now.
func (ld *Loader) Flush() {
	ld.debouncer.Flush()
}

// Wait blocks until in-flight fetches finish.
func (ld *Loader) Wait() {
	ld.wg.Wait()
}

// Close cancels in-flight fetches and waits for them.
func (ld *Loader) Close() {
	ld.mu.Lock()
	ld.stopped = true
	ld.queue = nil
	ld.mu.Unlock()

	ld.debouncer.Stop()
	ld.cancel()
	ld.wg.Wait()
}

// Stats returns a snapshot of the counters.
func (ld *Loader) Stats() Stats {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	s := ld.stats
	s.Seen = len(ld.seen)
	return s
}

func (ld *Loader) flush() {
	ld.mu.Lock()
	batch := ld.queue
	ld.queue = nil
	if ld.stopped || len(batch) == 0 {
		ld.mu.Unlock()
		return
	}
	ld.wg.Add(1)
	ld.mu.Unlock()

	go func() {
		defer ld.wg.Done()
		for start := 0; start < len(batch); start += ld.chunk {
			end := min(start+ld.chunk, len(batch))
			if err := ld.load(batch[start:end]); err != nil {
				return
			}
		}
	}()
}

// load fetches one chunk. It returns an error only when the loader is
// shutting down.
func (ld *Loader) load(chunk []seed) error {
	if err := ld.limiter.Wait(ld.ctx); err != nil {
		return err
	}

	keys := make([]key.Key, len(chunk))
	issued := make(map[string]uint64, len(chunk))
	for i, s := range chunk {
		keys[i] = s.k
		issued[s.k.String()] = s.gen
	}

	ld.mu.Lock()
	ld.stats.Fetches++
	ld.mu.Unlock()

	samples, err := ld.fetcher.FetchLatest(ld.ctx, keys)
	if err != nil {
		if ld.ctx.Err() != nil {
			return ld.ctx.Err()
		}
		ld.fail(&BootstrapFetchError{Op: "fetch", Keys: len(keys), Err: err})
	} else {
		ld.accept(samples, issued)
	}

	if ld.meta != nil {
		ld.loadMeta(keys)
	}
	return nil
}

func (ld *Loader) accept(samples []Sample, issued map[string]uint64) {
	ld.mu.Lock()
	kept := make([]Sample, 0, len(samples))
	for _, s := range samples {
		ck := s.Key.String()
		gen, ok := issued[ck]
		if !ok {
			continue
		}
		if ld.gens[ck] != gen {
			ld.stats.Discarded++
			continue
		}
		kept = append(kept, s)
	}
	ld.stats.Applied += uint64(len(kept))
	discarded := len(samples) - len(kept)
	ld.mu.Unlock()

	if discarded > 0 {
		ld.logger.Debug("discarded bootstrap samples", "count", discarded)
	}
	if len(kept) > 0 {
		ld.sink.ApplySamples(kept)
	}
}

func (ld *Loader) loadMeta(keys []key.Key) {
	if err := ld.limiter.Wait(ld.ctx); err != nil {
		return
	}
	meta, err := ld.meta.FetchMeta(ld.ctx, keys)
	if err != nil {
		if ld.ctx.Err() == nil {
			ld.fail(&BootstrapFetchError{Op: "meta", Keys: len(keys), Err: err})
		}
		return
	}
	if len(meta) > 0 {
		ld.sink.ApplyMeta(meta)
	}
}

func (ld *Loader) fail(err *BootstrapFetchError) {
	ld.mu.Lock()
	ld.stats.Failures++
	ld.mu.Unlock()
	ld.logger.Warn("bootstrap fetch failed", "op", err.Op, "keys", err.Keys, "error", err.Err)
}
