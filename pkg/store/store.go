// Package store provides the reactive composite-key value store.
//
// Each entry is addressed by its "table|record|field" key and carries the
// latest value, the time it was observed, its staleness level and optional
// metadata. Value writes and level writes touch disjoint fields and are
// applied as atomic per-key updates, so neither can undo the other.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/livetag/livetag-go/pkg/key"
	"github.com/livetag/livetag-go/pkg/staleness"
)

// ValueUpdate is a new value observed for a key.
type ValueUpdate struct {
	Value      any
	ObservedAt time.Time

	// Merge overlays a map Value onto the current map value instead of
	// replacing it.
	Merge bool
}

// Then returns the update equivalent to applying u and then next.
func (u ValueUpdate) Then(next ValueUpdate) ValueUpdate {
	if !next.Merge {
		return next
	}
	next.Value = overlay(u.Value, next.Value)
	next.Merge = u.Merge
	return next
}

// overlay returns a new map holding base's entries replaced by patch's.
// A patch that is not a map replaces base.
func overlay(base, patch any) any {
	p, ok := patch.(map[string]any)
	if !ok {
		return patch
	}
	b, _ := base.(map[string]any)
	out := make(map[string]any, len(b)+len(p))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range p {
		out[k] = v
	}
	return out
}

// TrackedValue is the state held for one key.
type TrackedValue struct {
	Value      any
	ObservedAt time.Time
	HasValue   bool
	Level      staleness.Level
	Meta       map[string]any
}

// IsTimeout reports whether the key counts as timed out.
func (v TrackedValue) IsTimeout() bool {
	return v.Level.IsTimeout()
}

// IsOffline reports whether the key counts as offline.
func (v TrackedValue) IsOffline() bool {
	return v.Level.IsOffline()
}

// Handler observes writes to a key. It runs on the writer's goroutine and
// must not block.
type Handler func(key string, v TrackedValue)

type watcher struct {
	id uint64
	fn Handler
}

// Store is safe for concurrent use.
type Store struct {
	entries *xsync.MapOf[string, TrackedValue]

	mu       sync.RWMutex
	nextID   uint64
	byKey    map[string][]watcher
	byFamily map[string][]watcher
}

// New creates an empty store.
func New() *Store {
	return &Store{
		entries:  xsync.NewMapOf[string, TrackedValue](),
		byKey:    make(map[string][]watcher),
		byFamily: make(map[string][]watcher),
	}
}

// Get returns the entry for k.
func (s *Store) Get(k string) (TrackedValue, bool) {
	return s.entries.Load(k)
}

// Len returns the number of entries.
func (s *Store) Len() int {
	return s.entries.Size()
}

// Keys returns all entry keys, sorted.
func (s *Store) Keys() []string {
	out := make([]string, 0, s.entries.Size())
	s.entries.Range(func(k string, _ TrackedValue) bool {
		out = append(out, k)
		return true
	})
	sort.Strings(out)
	return out
}

// ApplyValues writes a batch of values. Levels and metadata are left alone.
// Merge updates copy the current map before overlaying it, so values
// already handed to readers are never mutated.
func (s *Store) ApplyValues(updates map[string]ValueUpdate) {
	for _, k := range sortedKeys(updates) {
		u := updates[k]
		v, _ := s.entries.Compute(k, func(old TrackedValue, _ bool) (TrackedValue, bool) {
			if u.Merge {
				old.Value = overlay(old.Value, u.Value)
			} else {
				old.Value = u.Value
			}
			old.ObservedAt = u.ObservedAt
			old.HasValue = true
			return old, false
		})
		s.notify(k, v)
	}
}

// ApplyLevels writes staleness levels. Entries whose level is unchanged
// are skipped and not notified.
func (s *Store) ApplyLevels(transitions []staleness.Transition) {
	for _, tr := range transitions {
		changed := false
		v, _ := s.entries.Compute(tr.Key, func(old TrackedValue, loaded bool) (TrackedValue, bool) {
			if loaded && old.Level == tr.Level {
				return old, false
			}
			changed = true
			old.Level = tr.Level
			return old, false
		})
		if changed {
			s.notify(tr.Key, v)
		}
	}
}

// ApplyMeta writes metadata for keys.
func (s *Store) ApplyMeta(meta map[string]map[string]any) {
	for _, k := range sortedKeys(meta) {
		m := meta[k]
		v, _ := s.entries.Compute(k, func(old TrackedValue, _ bool) (TrackedValue, bool) {
			old.Meta = m
			return old, false
		})
		s.notify(k, v)
	}
}

// Watch registers fn for writes to k. The returned func cancels it.
func (s *Store) Watch(k string, fn Handler) (cancel func()) {
	return s.add(s.byKey, k, fn)
}

// WatchFamily registers fn for writes to any key of a "table|record"
// family.
func (s *Store) WatchFamily(family string, fn Handler) (cancel func()) {
	return s.add(s.byFamily, family, fn)
}

func (s *Store) add(index map[string][]watcher, k string, fn Handler) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	index[k] = append(index[k], watcher{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(index, k, id) })
	}
}

func (s *Store) remove(index map[string][]watcher, k string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws := index[k]
	for i, w := range ws {
		if w.id == id {
			// Copy so in-flight notifications keep their snapshot.
			next := make([]watcher, 0, len(ws)-1)
			next = append(next, ws[:i]...)
			next = append(next, ws[i+1:]...)
			if len(next) == 0 {
				delete(index, k)
			} else {
				index[k] = next
			}
			return
		}
	}
}

func (s *Store) notify(k string, v TrackedValue) {
	s.mu.RLock()
	direct := s.byKey[k]
	family := s.byFamily[familyOf(k)]
	s.mu.RUnlock()

	for _, w := range direct {
		w.fn(k, v)
	}
	for _, w := range family {
		w.fn(k, v)
	}
}

func familyOf(k string) string {
	if i := strings.LastIndex(k, key.Separator); i >= 0 {
		return k[:i]
	}
	return k
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
