package bootstrap_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/livetag/livetag-go/pkg/bootstrap"
	"github.com/livetag/livetag-go/pkg/bootstrap/mocks"
	"github.com/livetag/livetag-go/pkg/key"
	"github.com/livetag/livetag-go/pkg/store"
)

// storeSink writes samples into a store the way the service does.
type storeSink struct {
	st *store.Store

	mu   sync.Mutex
	meta map[string]map[string]any
}

func (s *storeSink) ApplySamples(samples []bootstrap.Sample) {
	batch := make(map[string]store.ValueUpdate, len(samples))
	for _, smp := range samples {
		batch[smp.Key.String()] = store.ValueUpdate{Value: smp.Value, ObservedAt: smp.ObservedAt}
	}
	s.st.ApplyValues(batch)
}

func (s *storeSink) ApplyMeta(meta map[string]map[string]any) {
	s.mu.Lock()
	s.meta = meta
	s.mu.Unlock()
	s.st.ApplyMeta(meta)
}

func newSink() *storeSink { return &storeSink{st: store.New()} }

var (
	kX = key.Tag("t", "r", "X")
	kY = key.Tag("t", "r", "Y")
)

func opts() []bootstrap.Option {
	return []bootstrap.Option{
		bootstrap.WithCoalesce(10 * time.Millisecond),
		bootstrap.WithRateLimit(0, 0),
	}
}

func TestSeedFetchesOnce(t *testing.T) {
	f := mocks.NewMockFetcher(t)
	sink := newSink()
	t0 := time.Unix(1700000000, 0)

	f.EXPECT().FetchLatest(mock.Anything, []key.Key{kX, kY}).
		Return([]bootstrap.Sample{{Key: kX, Value: 1.5, ObservedAt: t0}, {Key: kY, Value: "on", ObservedAt: t0}}, nil).
		Once()

	ld := bootstrap.New(f, sink, opts()...)
	defer ld.Close()

	ld.Seed(kX, kY)
	ld.Seed(kX)
	ld.Flush()
	ld.Wait()

	// Re-declaring a seen key does not fetch again.
	ld.Seed(kX, kY)
	ld.Flush()
	ld.Wait()

	v, ok := sink.st.Get(kX.String())
	require.True(t, ok)
	assert.Equal(t, 1.5, v.Value)
	assert.Equal(t, t0, v.ObservedAt)

	st := ld.Stats()
	assert.Equal(t, 2, st.Seen)
	assert.Equal(t, uint64(2), st.Seeded)
	assert.Equal(t, uint64(1), st.Fetches)
	assert.Equal(t, uint64(2), st.Applied)
}

func TestDeltaDuringFetchWins(t *testing.T) {
	f := mocks.NewMockFetcher(t)
	sink := newSink()
	t0 := time.Unix(1700000000, 0)

	issued := make(chan struct{})
	release := make(chan struct{})
	f.EXPECT().FetchLatest(mock.Anything, []key.Key{kX}).
		RunAndReturn(func(context.Context, []key.Key) ([]bootstrap.Sample, error) {
			close(issued)
			<-release
			return []bootstrap.Sample{{Key: kX, Value: "fetched", ObservedAt: t0}}, nil
		}).Once()

	ld := bootstrap.New(f, sink, opts()...)
	defer ld.Close()

	ld.Seed(kX)
	ld.Flush()
	<-issued

	// The delta lands while the fetch is in flight.
	ld.NoteDelta(kX.String())
	sink.st.ApplyValues(map[string]store.ValueUpdate{
		kX.String(): {Value: "delta", ObservedAt: t0.Add(100 * time.Millisecond)},
	})

	close(release)
	ld.Wait()

	v, _ := sink.st.Get(kX.String())
	assert.Equal(t, "delta", v.Value)
	assert.Equal(t, uint64(1), ld.Stats().Discarded)
}

func TestDeltaBeforeSeedSkipsFetch(t *testing.T) {
	f := mocks.NewMockFetcher(t)
	ld := bootstrap.New(f, newSink(), opts()...)
	defer ld.Close()

	ld.NoteDelta(kX.String())
	ld.Seed(kX)
	ld.Flush()
	ld.Wait()

	assert.True(t, ld.Seen(kX))
	assert.Equal(t, uint64(1), ld.Stats().Skipped)
}

func TestFetchFailureIsNotRetried(t *testing.T) {
	f := mocks.NewMockFetcher(t)
	sink := newSink()
	f.EXPECT().FetchLatest(mock.Anything, mock.Anything).Return(nil, errors.New("503")).Once()

	ld := bootstrap.New(f, sink, opts()...)
	defer ld.Close()

	ld.Seed(kX)
	ld.Flush()
	ld.Wait()
	ld.Seed(kX)
	ld.Flush()
	ld.Wait()

	_, ok := sink.st.Get(kX.String())
	assert.False(t, ok)
	assert.Equal(t, uint64(1), ld.Stats().Failures)
}

func TestChunking(t *testing.T) {
	f := mocks.NewMockFetcher(t)
	var sizes []int
	var mu sync.Mutex
	f.EXPECT().FetchLatest(mock.Anything, mock.Anything).
		Run(func(_ context.Context, keys []key.Key) {
			mu.Lock()
			sizes = append(sizes, len(keys))
			mu.Unlock()
		}).
		Return(nil, nil).Times(3)

	ld := bootstrap.New(f, newSink(), append(opts(), bootstrap.WithChunkSize(2))...)
	defer ld.Close()

	keys := make([]key.Key, 5)
	for i := range keys {
		keys[i] = key.Tag("t", "r", string(rune('a'+i)))
	}
	ld.Seed(keys...)
	ld.Flush()
	ld.Wait()

	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestCoalesceWindow(t *testing.T) {
	f := mocks.NewMockFetcher(t)
	f.EXPECT().FetchLatest(mock.Anything, []key.Key{kX, kY}).Return(nil, nil).Once()

	ld := bootstrap.New(f, newSink(), opts()...)
	defer ld.Close()

	ld.Seed(kX)
	ld.Seed(kY)

	require.Eventually(t, func() bool { return ld.Stats().Fetches == 1 }, time.Second, 5*time.Millisecond)
	ld.Wait()
}

func TestMetaFetcher(t *testing.T) {
	f := mocks.NewMockFetcher(t)
	m := mocks.NewMockMetaFetcher(t)
	sink := newSink()

	f.EXPECT().FetchLatest(mock.Anything, mock.Anything).Return(nil, nil).Once()
	m.EXPECT().FetchMeta(mock.Anything, []key.Key{kX}).
		Return(map[string]map[string]any{kX.String(): {"unit": "kW"}}, nil).Once()

	ld := bootstrap.New(f, sink, append(opts(), bootstrap.WithMetaFetcher(m))...)
	defer ld.Close()

	ld.Seed(kX)
	ld.Flush()
	ld.Wait()

	v, ok := sink.st.Get(kX.String())
	require.True(t, ok)
	assert.Equal(t, "kW", v.Meta["unit"])
	assert.False(t, v.HasValue)
}

func TestCloseCancelsInFlight(t *testing.T) {
	f := mocks.NewMockFetcher(t)
	started := make(chan struct{})
	f.EXPECT().FetchLatest(mock.Anything, mock.Anything).
		RunAndReturn(func(ctx context.Context, _ []key.Key) ([]bootstrap.Sample, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}).Once()

	ld := bootstrap.New(f, newSink(), opts()...)
	ld.Seed(kX)
	ld.Flush()
	<-started

	done := make(chan struct{})
	go func() {
		ld.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	assert.Zero(t, ld.Stats().Failures)
}

func TestBootstrapFetchError(t *testing.T) {
	base := errors.New("timeout")
	err := &bootstrap.BootstrapFetchError{Op: "fetch", Keys: 3, Err: base}
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "bootstrap fetch of 3 keys: timeout", err.Error())
}
