package interactive

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetag/livetag-go/pkg/key"
	"github.com/livetag/livetag-go/pkg/service"
	"github.com/livetag/livetag-go/pkg/store"
	"github.com/livetag/livetag-go/pkg/subscription"
	"github.com/livetag/livetag-go/pkg/transport"
)

type declareCall struct {
	group subscription.GroupID
	keys  []key.Key
	mode  subscription.Mode
}

type fakeEngine struct {
	declares []declareCall
	releases []subscription.GroupID
	values   map[key.Key]store.TrackedValue
	handlers map[string]store.Handler
	cancels  int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		values:   make(map[key.Key]store.TrackedValue),
		handlers: make(map[string]store.Handler),
	}
}

func (f *fakeEngine) Declare(group subscription.GroupID, keys []key.Key, mode subscription.Mode) {
	f.declares = append(f.declares, declareCall{group, keys, mode})
}

func (f *fakeEngine) Release(group subscription.GroupID) {
	f.releases = append(f.releases, group)
}

func (f *fakeEngine) Read(k key.Key) (store.TrackedValue, bool) {
	v, ok := f.values[k]
	return v, ok
}

func (f *fakeEngine) Watch(k key.Key, fn store.Handler) func() {
	f.handlers[k.String()] = fn
	return func() { f.cancels++ }
}

func (f *fakeEngine) WatchFamily(table, record string, fn store.Handler) func() {
	f.handlers[key.Family(table, record)] = fn
	return func() { f.cancels++ }
}

func (f *fakeEngine) State() transport.State { return transport.StateConnected }

func (f *fakeEngine) Stats() service.Stats { return service.Stats{Keys: 7} }

func testFormatter() Formatter {
	return Formatter{
		Value: func(k string, v store.TrackedValue) string {
			return fmt.Sprintf("%s=%v", k, v.Value)
		},
		Stats: func(s service.Stats) string {
			return fmt.Sprintf("keys=%d\n", s.Keys)
		},
		ParseKey: func(s string) (key.Key, error) {
			if rest, ok := strings.CutPrefix(s, "record:"); ok {
				return key.Parse(key.KindRecord, rest)
			}
			return key.Parse(key.KindTag, s)
		},
	}
}

func newTestShell() (*Shell, *fakeEngine, *bytes.Buffer) {
	eng := newFakeEngine()
	var out bytes.Buffer
	return newShell(eng, testFormatter(), &out), eng, &out
}

func TestDeclareAndGroups(t *testing.T) {
	sh, eng, out := newTestShell()

	assert.True(t, sh.Execute("declare panel replace meter|m1|power meter|m1|state"))
	assert.True(t, sh.Execute("declare panel merge meter|m1|power record:orders|o1|status"))

	require.Len(t, eng.declares, 2)
	assert.Equal(t, subscription.GroupID("panel"), eng.declares[0].group)
	assert.Equal(t, subscription.ModeReplace, eng.declares[0].mode)
	assert.Equal(t, subscription.ModeMerge, eng.declares[1].mode)
	assert.Contains(t, out.String(), "Declared 3 keys in panel (merge)")

	out.Reset()
	sh.Execute("groups")
	assert.Contains(t, out.String(), "panel (3 keys)")
	assert.Contains(t, out.String(), "record orders|o1|status")
}

func TestDeclareErrors(t *testing.T) {
	sh, eng, out := newTestShell()

	sh.Execute("declare panel replace")
	assert.Contains(t, out.String(), "Usage: declare")

	out.Reset()
	sh.Execute("declare panel upsert meter|m1|power")
	assert.Contains(t, out.String(), "Error:")

	out.Reset()
	sh.Execute("declare panel replace meter")
	assert.Contains(t, out.String(), "Error:")

	assert.Empty(t, eng.declares)
}

func TestRelease(t *testing.T) {
	sh, eng, out := newTestShell()

	sh.Execute("release panel")
	assert.Contains(t, out.String(), "Group panel is not declared")
	assert.Empty(t, eng.releases)

	sh.Execute("declare panel replace meter|m1|power")
	out.Reset()
	sh.Execute("release panel")
	assert.Equal(t, []subscription.GroupID{"panel"}, eng.releases)
	assert.Contains(t, out.String(), "Released panel")
}

func TestRead(t *testing.T) {
	sh, eng, out := newTestShell()
	eng.values[key.Tag("meter", "m1", "power")] = store.TrackedValue{Value: 1.5, HasValue: true}

	sh.Execute("read meter|m1|power meter|m1|state")
	assert.Contains(t, out.String(), "meter|m1|power=1.5")
	assert.Contains(t, out.String(), "meter|m1|state: no data")
}

func TestWatchAndUnwatch(t *testing.T) {
	sh, eng, out := newTestShell()

	sh.Execute("watch meter|m1|power")
	sh.Execute("watch orders|o1")
	require.Contains(t, eng.handlers, "meter|m1|power")
	require.Contains(t, eng.handlers, "orders|o1")

	eng.handlers["meter|m1|power"]("meter|m1|power", store.TrackedValue{Value: 2.5})
	assert.Contains(t, out.String(), "[watch] meter|m1|power=2.5")

	out.Reset()
	sh.Execute("watch meter|m1|power")
	assert.Contains(t, out.String(), "Already watching")

	sh.Execute("unwatch meter|m1|power")
	assert.Equal(t, 1, eng.cancels)

	out.Reset()
	sh.Execute("unwatch")
	assert.Equal(t, 2, eng.cancels)
	assert.Contains(t, out.String(), "Stopped 1 watches")
}

func TestStateStatsAndQuit(t *testing.T) {
	sh, _, out := newTestShell()

	assert.True(t, sh.Execute("state"))
	assert.Contains(t, out.String(), "Connection: CONNECTED")

	assert.True(t, sh.Execute("stats"))
	assert.Contains(t, out.String(), "keys=7")

	assert.True(t, sh.Execute("   "))
	assert.True(t, sh.Execute("frobnicate"))
	assert.Contains(t, out.String(), "Unknown command: frobnicate")

	assert.False(t, sh.Execute("quit"))
	assert.False(t, sh.Execute("EXIT"))
}
