package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/livetag/livetag-go/pkg/bootstrap"
	"github.com/livetag/livetag-go/pkg/bootstrap/mocks"
	"github.com/livetag/livetag-go/pkg/config"
	"github.com/livetag/livetag-go/pkg/key"
	"github.com/livetag/livetag-go/pkg/staleness"
	"github.com/livetag/livetag-go/pkg/store"
	"github.com/livetag/livetag-go/pkg/subscription"
	"github.com/livetag/livetag-go/pkg/transport"
	"github.com/livetag/livetag-go/pkg/wire"
)

type fakeConn struct {
	in      chan []byte
	closeCh chan struct{}

	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closeCh: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closeCh:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("use of closed connection")
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetPongHandler(func(string) error)         {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
	return nil
}

// subscribes returns the key subscribe commands written so far.
func (c *fakeConn) subscribes() []wire.SubscribeCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wire.SubscribeCommand
	for _, data := range c.written {
		var cmd wire.SubscribeCommand
		if json.Unmarshal(data, &cmd) != nil || cmd.Type != wire.CommandQuery {
			continue
		}
		if kind, ok := key.KindForChannel(cmd.Channel); ok && kind.Declarable() {
			out = append(out, cmd)
		}
	}
	return out
}

// channels returns the channel of every query written so far, in order.
func (c *fakeConn) channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, data := range c.written {
		var q struct {
			Type    string `json:"type"`
			Channel string `json:"channel"`
		}
		if json.Unmarshal(data, &q) == nil && q.Type == wire.CommandQuery {
			out = append(out, q.Channel)
		}
	}
	return out
}

func (c *fakeConn) push(format string, args ...any) {
	c.in <- []byte(fmt.Sprintf(format, args...))
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) DialContext(context.Context, string, http.Header) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	t0    = time.UnixMilli(1700000000000)
	power = key.Tag("meter", "m1", "power")
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Transport.URL = "ws://gw.test/ws/data"
	cfg.KeepAlive.Mode = "off"
	cfg.Backoff = config.BackoffConfig{
		ShortDelay:    config.Duration(10 * time.Millisecond),
		ShortAttempts: 3,
		LongDelay:     config.Duration(10 * time.Millisecond),
		MaxAttempts:   3,
	}
	cfg.Registry.Debounce = config.Duration(10 * time.Millisecond)
	cfg.Batch.Wait = config.Duration(10 * time.Millisecond)
	cfg.Batch.MaxWait = config.Duration(20 * time.Millisecond)
	cfg.Bootstrap.Enabled = false
	cfg.Bootstrap.Coalesce = config.Duration(5 * time.Millisecond)
	cfg.Bootstrap.Rate = 0
	cfg.Clock.TickInterval = config.Duration(5 * time.Millisecond)
	cfg.Staleness.DefaultTimeout = config.Duration(time.Second)
	return cfg
}

func startService(t *testing.T, cfg config.Config, deps Deps) *Service {
	t.Helper()
	svc, err := New(cfg, deps)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc
}

func waitConnected(t *testing.T, svc *Service) {
	t.Helper()
	require.Eventually(t, func() bool { return svc.State() == transport.StateConnected },
		time.Second, 5*time.Millisecond)
}

func TestDeltaReachesStore(t *testing.T) {
	conn := newFakeConn()
	svc := startService(t, testConfig(), Deps{
		Dialer: &fakeDialer{conns: []*fakeConn{conn}},
		Clock:  &fakeClock{now: t0},
	})
	waitConnected(t, svc)

	var mu sync.Mutex
	var seen []any
	cancel := svc.Watch(power, func(_ string, v store.TrackedValue) {
		mu.Lock()
		seen = append(seen, v.Value)
		mu.Unlock()
	})
	defer cancel()

	svc.Declare("panel", []key.Key{power}, subscription.ModeReplace)
	require.Eventually(t, func() bool { return len(conn.subscribes()) == 1 }, time.Second, 5*time.Millisecond)
	cmd := conn.subscribes()[0]
	assert.Equal(t, "data", cmd.Channel)
	assert.Equal(t, []wire.SubscribeEntry{{TableID: "meter", ID: "m1", TagID: "power"}}, cmd.Data)

	// Two updates in one window collapse to the last.
	conn.push(`{"channel":"data","data":{"tableId":"meter","tableDataId":"m1","fields":{"power":1.5},"time":%d}}`, t0.UnixMilli())
	conn.push(`{"channel":"data","data":{"tableId":"meter","tableDataId":"m1","fields":{"power":2.5},"time":%d}}`, t0.UnixMilli())

	require.Eventually(t, func() bool {
		v, ok := svc.Read(power)
		return ok && v.Value == 2.5
	}, time.Second, 5*time.Millisecond)

	v, _ := svc.Read(power)
	assert.True(t, v.ObservedAt.Equal(t0))
	assert.Equal(t, staleness.Fresh, v.Level)

	mu.Lock()
	assert.Equal(t, []any{2.5}, seen)
	mu.Unlock()
}

func TestStalenessLevelsReachStore(t *testing.T) {
	conn := newFakeConn()
	clk := &fakeClock{now: t0}
	cfg := testConfig()
	cfg.Staleness.Tables = map[string]config.Duration{"meter": config.Duration(time.Second)}
	svc := startService(t, cfg, Deps{Dialer: &fakeDialer{conns: []*fakeConn{conn}}, Clock: clk})
	waitConnected(t, svc)

	svc.Declare("panel", []key.Key{power}, subscription.ModeReplace)
	conn.push(`{"channel":"data","data":{"tableId":"meter","tableDataId":"m1","fields":{"power":1.5},"time":%d}}`, t0.UnixMilli())
	require.Eventually(t, func() bool { _, ok := svc.Read(power); return ok }, time.Second, 5*time.Millisecond)

	levelIs := func(want staleness.Level) func() bool {
		return func() bool {
			v, _ := svc.Read(power)
			return v.Level == want
		}
	}

	clk.Advance(2 * time.Second)
	require.Eventually(t, levelIs(staleness.Watch), time.Second, 5*time.Millisecond)

	clk.Advance(7 * time.Second)
	require.Eventually(t, levelIs(staleness.Offline), time.Second, 5*time.Millisecond)
	v, _ := svc.Read(power)
	assert.True(t, v.IsOffline())
	assert.Equal(t, 1.5, v.Value)

	// A fresh value resets the level.
	conn.push(`{"channel":"data","data":{"tableId":"meter","tableDataId":"m1","fields":{"power":2.5},"time":%d}}`, clk.Now().UnixMilli())
	require.Eventually(t, levelIs(staleness.Fresh), time.Second, 5*time.Millisecond)
}

func TestReconnectReassertsUnion(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	cfg := testConfig()
	cfg.Registry.Debounce = config.Duration(time.Hour)
	svc := startService(t, cfg, Deps{Dialer: &fakeDialer{conns: []*fakeConn{first, second}}})
	waitConnected(t, svc)

	svc.Declare("a", []key.Key{power}, subscription.ModeReplace)
	svc.Declare("b", []key.Key{key.Field("orders", "o1", "status")}, subscription.ModeMerge)
	assert.Empty(t, first.subscribes())

	first.Close()
	require.Eventually(t, func() bool { return len(second.subscribes()) == 2 }, time.Second, 5*time.Millisecond)

	cmds := second.subscribes()
	assert.Equal(t, "data", cmds[0].Channel)
	assert.Equal(t, "tabledata", cmds[1].Channel)
	assert.Equal(t, []string{"status"}, cmds[1].Data[0].Fields)
	assert.Equal(t, uint64(2), svc.Stats().Transport.Connects)
}

func TestBootstrapSeedsDeclaredKeys(t *testing.T) {
	conn := newFakeConn()
	f := mocks.NewMockFetcher(t)
	f.EXPECT().FetchLatest(mock.Anything, []key.Key{power}).
		Return([]bootstrap.Sample{{Key: power, Value: 7.0, ObservedAt: t0}}, nil).Once()

	cfg := testConfig()
	cfg.Bootstrap.Enabled = true
	svc := startService(t, cfg, Deps{
		Dialer:  &fakeDialer{conns: []*fakeConn{conn}},
		Fetcher: f,
		Clock:   &fakeClock{now: t0},
	})

	svc.Declare("a", []key.Key{power}, subscription.ModeReplace)
	svc.Declare("b", []key.Key{power}, subscription.ModeReplace)

	require.Eventually(t, func() bool {
		v, ok := svc.Read(power)
		return ok && v.Value == 7.0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), svc.Stats().Bootstrap.Fetches)
}

func TestClockMessageSetsOffset(t *testing.T) {
	conn := newFakeConn()
	svc := startService(t, testConfig(), Deps{
		Dialer: &fakeDialer{conns: []*fakeConn{conn}},
		Clock:  &fakeClock{now: t0},
	})
	waitConnected(t, svc)

	conn.push(`{"time":%d}`, t0.Add(3*time.Second).UnixMilli())
	require.Eventually(t, func() bool { return svc.Clock().Offset() == 3*time.Second }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "stream", svc.Stats().Clock.Source)
}

func TestOnStatusSurfacesGiveUp(t *testing.T) {
	svc, err := New(testConfig(), Deps{Dialer: &fakeDialer{}})
	require.NoError(t, err)

	var mu sync.Mutex
	var kinds []transport.StatusKind
	svc.OnStatus(func(st transport.Status) {
		mu.Lock()
		kinds = append(kinds, st.Kind)
		mu.Unlock()
	})

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Shutdown(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) > 0 && kinds[len(kinds)-1] == transport.StatusGaveUp
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, transport.StatusGaveUp.Terminal())
}

func TestLifecycle(t *testing.T) {
	svc, err := New(testConfig(), Deps{Dialer: &fakeDialer{conns: []*fakeConn{newFakeConn()}}})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, svc.ServiceState())

	assert.ErrorIs(t, svc.Shutdown(context.Background()), ErrNotStarted)
	require.NoError(t, svc.Start(context.Background()))
	assert.ErrorIs(t, svc.Start(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, StateRunning, svc.ServiceState())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))
	assert.Equal(t, StateStopped, svc.ServiceState())
	assert.Equal(t, transport.StateClosed, svc.State())
	assert.ErrorIs(t, svc.Start(context.Background()), ErrAlreadyStarted)
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Transport.URL = ""
	_, err := New(cfg, Deps{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig()
	cfg.Batch.Wait = 0
	_, err = New(cfg, Deps{})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestTransportConfigTiers(t *testing.T) {
	tc, err := transportConfig(config.Default())
	require.NoError(t, err)
	require.Len(t, tc.Backoff.Tiers, 2)
	assert.Equal(t, 10, tc.Backoff.Tiers[0].UpTo)
	assert.Equal(t, 3*time.Second, tc.Backoff.Tiers[0].Delay)
	assert.Equal(t, 20, tc.Backoff.Tiers[1].UpTo)
	assert.Equal(t, 10*time.Second, tc.Backoff.Tiers[1].Delay)
	assert.Equal(t, transport.KeepAlivePing, tc.KeepAlive.Mode)
	assert.Equal(t, "json", tc.Codec.Name())
}

func TestTimeChannelOpenedOnEveryConnect(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	cfg := testConfig()
	cfg.Registry.Debounce = config.Duration(time.Hour)
	svc := startService(t, cfg, Deps{Dialer: &fakeDialer{conns: []*fakeConn{first, second}}})

	require.Eventually(t, func() bool { return len(first.channels()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"time"}, first.channels())

	svc.Declare("a", []key.Key{power}, subscription.ModeReplace)
	first.Close()
	require.Eventually(t, func() bool { return len(second.channels()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"time", "data"}, second.channels())
}

func TestTimeChannelDisabled(t *testing.T) {
	conn := newFakeConn()
	cfg := testConfig()
	cfg.Streams.Time = false
	svc := startService(t, cfg, Deps{Dialer: &fakeDialer{conns: []*fakeConn{conn}}})
	waitConnected(t, svc)

	svc.Declare("a", []key.Key{power}, subscription.ModeReplace)
	require.Eventually(t, func() bool { return len(conn.subscribes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"data"}, conn.channels())
}

func TestWholeRecordFollowsDeltas(t *testing.T) {
	conn := newFakeConn()
	clk := &fakeClock{now: t0}
	cfg := testConfig()
	cfg.Staleness.Tables = map[string]config.Duration{"orders": config.Duration(time.Second)}
	svc := startService(t, cfg, Deps{Dialer: &fakeDialer{conns: []*fakeConn{conn}}, Clock: clk})
	waitConnected(t, svc)

	order := key.Field("orders", "o1", "")
	city := key.Field("orders", "o1", "addr.city")
	svc.Declare("panel", []key.Key{order, city}, subscription.ModeReplace)
	require.Eventually(t, func() bool { return len(conn.subscribes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, conn.subscribes()[0].Data[0].Fields)

	conn.push(`{"channel":"tabledata","data":{"tableId":"orders","tableDataId":"o1","fields":{"status":"open","addr":{"city":"x"}},"time":%d}}`, t0.UnixMilli())
	require.Eventually(t, func() bool {
		v, ok := svc.Read(city)
		return ok && v.Value == "x"
	}, time.Second, 5*time.Millisecond)

	// Close to the timeout, a delta touching another field keeps the
	// record fresh and merges into the earlier value.
	clk.Advance(900 * time.Millisecond)
	conn.push(`{"channel":"tabledata","data":{"tableId":"orders","tableDataId":"o1","fields":{"qty":3},"time":%d}}`, clk.Now().UnixMilli())
	require.Eventually(t, func() bool {
		v, _ := svc.Read(order)
		m, ok := v.Value.(map[string]any)
		return ok && m["qty"] != nil
	}, time.Second, 5*time.Millisecond)

	v, _ := svc.Read(order)
	assert.Equal(t, map[string]any{"status": "open", "addr": map[string]any{"city": "x"}, "qty": int64(3)}, v.Value)
	assert.True(t, v.ObservedAt.Equal(clk.Now()))

	clk.Advance(500 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	v, _ = svc.Read(order)
	assert.Equal(t, staleness.Fresh, v.Level)

	// The nested key saw no update since t0 and has crossed its timeout.
	require.Eventually(t, func() bool {
		v, _ := svc.Read(city)
		return v.Level == staleness.Watch
	}, time.Second, 5*time.Millisecond)
}

func TestReferenceFramesReachStore(t *testing.T) {
	conn := newFakeConn()
	cfg := testConfig()
	cfg.Streams.Compute = true
	cfg.API.Project = "p1"
	svc := startService(t, cfg, Deps{
		Dialer: &fakeDialer{conns: []*fakeConn{conn}},
		Clock:  &fakeClock{now: t0},
	})
	waitConnected(t, svc)
	require.Eventually(t, func() bool { return len(conn.channels()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"time", "computerecord"}, conn.channels())

	total := key.Reference("orders", "o1", "total")
	conn.push(`{"channel":"computerecord","data":{"tableId":"orders","tableDataId":"o1","field":"total","value":null}}`)
	require.Eventually(t, func() bool {
		v, ok := svc.Read(total)
		return ok && v.Value == wire.ComputingValue
	}, time.Second, 5*time.Millisecond)

	conn.push(`{"channel":"computerecord","data":{"tableId":"orders","tableDataId":"o1","field":"total","value":42}}`)
	require.Eventually(t, func() bool {
		v, _ := svc.Read(total)
		return v.Value == int64(42)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "ref:orders|o1|total", total.String())
}

func TestComputeStreamNeedsProject(t *testing.T) {
	cfg := testConfig()
	cfg.Streams.Compute = true
	_, err := New(cfg, Deps{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
