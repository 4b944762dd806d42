package transport

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetag/livetag-go/pkg/connection"
	"github.com/livetag/livetag-go/pkg/key"
	"github.com/livetag/livetag-go/pkg/wire"
)

type frame struct {
	mt   int
	data []byte
}

type fakeConn struct {
	in      chan frame
	closeCh chan struct{}

	mu       sync.Mutex
	written  []frame
	controls []int
	closed   bool
	writeErr error
	pong     func(string) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan frame, 16), closeCh: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return 0, nil, errors.New("read: connection reset")
		}
		return f.mt, f.data, nil
	case <-c.closeCh:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(mt int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, frame{mt: mt, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) WriteControl(mt int, _ []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, mt)
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	c.pong = h
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
	return nil
}

func (c *fakeConn) Written() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame(nil), c.written...)
}

func (c *fakeConn) Controls() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.controls...)
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) push(s string) {
	c.in <- frame{mt: websocket.TextMessage, data: []byte(s)}
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	err     error
	urls    []string
	headers []http.Header
}

func (d *fakeDialer) DialContext(_ context.Context, u string, h http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, u)
	d.headers = append(d.headers, h)
	if d.err != nil {
		return nil, d.err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no more connections")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

type staticCreds struct{ token, project string }

func (c staticCreds) Token() string   { return c.token }
func (c staticCreds) Project() string { return c.project }

type statusRecorder struct {
	mu   sync.Mutex
	seen []Status
}

func (r *statusRecorder) record(s Status) {
	r.mu.Lock()
	r.seen = append(r.seen, s)
	r.mu.Unlock()
}

func (r *statusRecorder) kinds() []StatusKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StatusKind, len(r.seen))
	for i, s := range r.seen {
		out[i] = s.Kind
	}
	return out
}

func (r *statusRecorder) count(k StatusKind) int {
	n := 0
	for _, got := range r.kinds() {
		if got == k {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig("ws://stream.test/ws/data")
	cfg.KeepAlive.Mode = KeepAliveOff
	cfg.Backoff = connection.BackoffConfig{
		Tiers:       []connection.Tier{{UpTo: 3, Delay: 10 * time.Millisecond}},
		MaxAttempts: 3,
	}
	return cfg
}

func TestTransportConnectsAndDispatches(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	tr := New(testConfig(), d, WithCredentials(staticCreds{token: "tok en", project: "p1"}))
	defer tr.Stop()

	rec := &statusRecorder{}
	tr.OnStatus(rec.record)

	got := make(chan wire.Inbound, 4)
	tr.OnMessage(func(m wire.Inbound) { got <- m })

	require.NoError(t, tr.Start())
	require.Eventually(t, func() bool { return tr.State() == StateConnected }, time.Second, 5*time.Millisecond)

	conn.push(`{"channel":"data","data":{"tableId":"t","tableDataId":"r","fields":{"x":1},"time":1700000000000}}`)
	conn.push(`not json`)
	conn.push(`{"time":1700000000000}`)

	first := <-got
	require.NotNil(t, first.Data)
	assert.Equal(t, "r", first.Data.RecordID())
	second := <-got
	assert.True(t, second.IsClock())

	assert.Equal(t, []StatusKind{StatusConnecting, StatusConnected}, rec.kinds())
	assert.Equal(t, uint64(1), tr.Stats().DecodeErrors)

	u, err := url.Parse(d.urls[0])
	require.NoError(t, err)
	assert.Equal(t, "tok en", u.Query().Get("token"))
	assert.Equal(t, "p1", u.Query().Get("x-request-project"))
	assert.Equal(t, "p1", d.headers[0].Get(ProjectHeader))
}

func TestTransportSend(t *testing.T) {
	tr := New(testConfig(), &fakeDialer{})
	defer tr.Stop()

	cmd := wire.Subscribe(key.KindTag, []key.Key{key.Tag("t", "r", "x")})
	assert.ErrorIs(t, tr.Send(cmd), ErrNotConnected)
	assert.Equal(t, uint64(1), tr.Stats().DroppedSends)

	conn := newFakeConn()
	tr2 := New(testConfig(), &fakeDialer{conns: []*fakeConn{conn}})
	defer tr2.Stop()
	require.NoError(t, tr2.Start())
	require.Eventually(t, func() bool { return tr2.State() == StateConnected }, time.Second, 5*time.Millisecond)

	require.NoError(t, tr2.Send(cmd))
	written := conn.Written()
	require.Len(t, written, 1)
	assert.Equal(t, websocket.TextMessage, written[0].mt)
	assert.JSONEq(t, `{"type":"query","channel":"data","data":[{"tableId":"t","id":"r","tagId":"x"}]}`, string(written[0].data))
}

func TestTransportReconnectsAfterLoss(t *testing.T) {
	c1, c2 := newFakeConn(), newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{c1, c2}}
	tr := New(testConfig(), d)
	defer tr.Stop()

	rec := &statusRecorder{}
	tr.OnStatus(rec.record)

	require.NoError(t, tr.Start())
	require.Eventually(t, func() bool { return rec.count(StatusConnected) == 1 }, time.Second, 5*time.Millisecond)
	firstID := tr.Stats().ConnectionID

	close(c1.in)

	require.Eventually(t, func() bool { return rec.count(StatusConnected) == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, c1.IsClosed())
	assert.NotEqual(t, firstID, tr.Stats().ConnectionID)
	assert.Contains(t, rec.kinds(), StatusDisconnected)
	assert.Contains(t, rec.kinds(), StatusReconnecting)
	assert.Equal(t, uint64(2), tr.Stats().Connects)
}

func TestTransportWriteErrorTriggersReconnect(t *testing.T) {
	c1, c2 := newFakeConn(), newFakeConn()
	c1.writeErr = errors.New("broken pipe")
	tr := New(testConfig(), &fakeDialer{conns: []*fakeConn{c1, c2}})
	defer tr.Stop()

	require.NoError(t, tr.Start())
	require.Eventually(t, func() bool { return tr.State() == StateConnected }, time.Second, 5*time.Millisecond)

	err := tr.Send(wire.Subscribe(key.KindTag, nil))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "write", te.Op)

	require.Eventually(t, func() bool { return tr.Stats().Connects == 2 }, time.Second, 5*time.Millisecond)
}

func TestTransportGivesUp(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	tr := New(testConfig(), d)
	defer tr.Stop()

	gaveUp := make(chan Status, 1)
	tr.OnStatus(func(s Status) {
		if s.Kind == StatusGaveUp {
			gaveUp <- s
		}
	})

	require.NoError(t, tr.Start())
	select {
	case s := <-gaveUp:
		assert.Equal(t, 3, s.Attempt)
		assert.True(t, s.Kind.Terminal())
	case <-time.After(2 * time.Second):
		t.Fatal("no StatusGaveUp")
	}
	assert.Equal(t, 4, d.Dials())
	assert.Equal(t, StateDisconnected, tr.State())
}

func TestTransportAuthRejectedStopsReconnecting(t *testing.T) {
	c1 := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{c1, newFakeConn()}}
	tr := New(testConfig(), d)
	defer tr.Stop()

	rec := &statusRecorder{}
	tr.OnStatus(rec.record)

	require.NoError(t, tr.Start())
	require.Eventually(t, func() bool { return tr.State() == StateConnected }, time.Second, 5*time.Millisecond)

	c1.push(`{"message":"` + DefaultAuthFailureMarker + `"}`)

	require.Eventually(t, func() bool { return rec.count(StatusAuthRejected) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, StateDisconnected, tr.State())
}

func TestTransportStop(t *testing.T) {
	conn := newFakeConn()
	tr := New(testConfig(), &fakeDialer{conns: []*fakeConn{conn}})

	rec := &statusRecorder{}
	tr.OnStatus(rec.record)

	require.NoError(t, tr.Start())
	require.Eventually(t, func() bool { return tr.State() == StateConnected }, time.Second, 5*time.Millisecond)

	tr.Stop()
	tr.Stop()

	assert.True(t, conn.IsClosed())
	assert.Equal(t, StateClosed, tr.State())
	assert.Equal(t, 1, rec.count(StatusClosed))
	assert.ErrorIs(t, tr.Start(), ErrStopped)
	assert.Contains(t, conn.Controls(), websocket.CloseMessage)
}

func TestTransportTextKeepAlive(t *testing.T) {
	conn := newFakeConn()
	cfg := testConfig()
	cfg.KeepAlive = KeepAliveConfig{Mode: KeepAliveText, PingInterval: 20 * time.Millisecond}
	tr := New(cfg, &fakeDialer{conns: []*fakeConn{conn}})
	defer tr.Stop()

	require.NoError(t, tr.Start())
	require.Eventually(t, func() bool {
		for _, f := range conn.Written() {
			if string(f.data) == DefaultKeepAliveText {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestEndpoint(t *testing.T) {
	got, header, err := endpoint("wss://h/ws/data?x=1", staticCreds{token: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "wss://h/ws/data?token=abc&x=1", got)
	assert.Empty(t, header.Get(ProjectHeader))

	got, _, err = endpoint("ws://h/ws", nil)
	require.NoError(t, err)
	assert.Equal(t, "ws://h/ws", got)

	assert.Equal(t, "wss://h/ws/data", redact("wss://user:pw@h/ws/data?token=secret"))
}

func TestTransportErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := &TransportError{Op: "dial", StatusCode: 401, Err: base}
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "transport dial: HTTP 401: boom", err.Error())
}
