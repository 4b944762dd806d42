package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetag/livetag-go/pkg/store"
)

type recordingSink struct {
	mu      sync.Mutex
	batches []map[string]store.ValueUpdate
	at      []time.Time
}

func (s *recordingSink) Apply(batch map[string]store.ValueUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	s.at = append(s.at, time.Now())
}

func (s *recordingSink) Batches() []map[string]store.ValueUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]store.ValueUpdate(nil), s.batches...)
}

func TestSameKeyCollapsesToLastValue(t *testing.T) {
	sink := &recordingSink{}
	b := New(sink, WithWindow(30*time.Millisecond, 100*time.Millisecond))
	defer b.Stop()

	t0 := time.Unix(1700000000, 0)
	b.Add(Update{Key: "t|r|x", Value: 1, ObservedAt: t0})
	b.Add(Update{Key: "t|r|x", Value: 2, ObservedAt: t0.Add(time.Second)})
	b.Add(Update{Key: "t|r|y", Value: "a", ObservedAt: t0})

	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, 5*time.Millisecond)

	got := sink.Batches()[0]
	assert.Len(t, got, 2)
	assert.Equal(t, 2, got["t|r|x"].Value)
	assert.Equal(t, t0.Add(time.Second), got["t|r|x"].ObservedAt)

	st := b.Stats()
	assert.Equal(t, uint64(3), st.Updates)
	assert.Equal(t, uint64(1), st.Collapsed)
	assert.Equal(t, uint64(1), st.Flushes)
	assert.Equal(t, 0, st.Pending)
}

func TestDistinctWindowsNeverDrop(t *testing.T) {
	sink := &recordingSink{}
	b := New(sink, WithWindow(20*time.Millisecond, 50*time.Millisecond))
	defer b.Stop()

	b.Add(Update{Key: "k", Value: 1})
	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, 5*time.Millisecond)

	b.Add(Update{Key: "k", Value: 2})
	require.Eventually(t, func() bool { return len(sink.Batches()) == 2 }, time.Second, 5*time.Millisecond)

	batches := sink.Batches()
	assert.Equal(t, 1, batches[0]["k"].Value)
	assert.Equal(t, 2, batches[1]["k"].Value)
}

func TestMaxWaitFlushesSustainedStream(t *testing.T) {
	sink := &recordingSink{}
	b := New(sink, WithWindow(40*time.Millisecond, 100*time.Millisecond))
	defer b.Stop()

	start := time.Now()
	for i := 0; time.Since(start) < 350*time.Millisecond; i++ {
		b.Add(Update{Key: "k", Value: i})
		time.Sleep(10 * time.Millisecond)
	}

	// A pure debounce would not have flushed at all by now.
	assert.GreaterOrEqual(t, len(sink.Batches()), 2)
}

func TestManualFlushAndStop(t *testing.T) {
	sink := &recordingSink{}
	b := New(sink, WithWindow(time.Hour, 0))

	b.Flush()
	assert.Empty(t, sink.Batches())

	b.Add(Update{Key: "a", Value: 1})
	b.Flush()
	require.Len(t, sink.Batches(), 1)

	b.Add(Update{Key: "b", Value: 2})
	b.Stop()
	require.Len(t, sink.Batches(), 2)
	assert.Contains(t, sink.Batches()[1], "b")

	b.Add(Update{Key: "c", Value: 3})
	b.Flush()
	assert.Len(t, sink.Batches(), 2)
	assert.Equal(t, uint64(1), b.Stats().Dropped)
}

func TestSinkFunc(t *testing.T) {
	var got map[string]store.ValueUpdate
	b := New(SinkFunc(func(m map[string]store.ValueUpdate) { got = m }), WithWindow(time.Hour, 0))
	b.Add(Update{Key: "k", Value: true})
	b.Stop()
	assert.Equal(t, true, got["k"].Value)
}

func TestMergeUpdatesAccumulate(t *testing.T) {
	sink := &recordingSink{}
	b := New(sink, WithWindow(30*time.Millisecond, 100*time.Millisecond))
	defer b.Stop()

	t0 := time.Unix(1700000000, 0)
	b.Add(Update{Key: "orders|o1|", Value: map[string]any{"status": "packed"}, ObservedAt: t0, Merge: true})
	b.Add(Update{Key: "orders|o1|", Value: map[string]any{"qty": 2}, ObservedAt: t0.Add(time.Second), Merge: true})

	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, 5*time.Millisecond)

	got := sink.Batches()[0]["orders|o1|"]
	assert.Equal(t, map[string]any{"status": "packed", "qty": 2}, got.Value)
	assert.True(t, got.Merge)
	assert.Equal(t, t0.Add(time.Second), got.ObservedAt)
}
