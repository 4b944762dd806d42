package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/livetag/livetag-go/pkg/connection"
	tlog "github.com/livetag/livetag-go/pkg/log"
	"github.com/livetag/livetag-go/pkg/wire"
)

// DefaultAuthFailureMarker is the notice text the stream server sends when
// it cannot resolve the session user. Reconnecting cannot fix that.
const DefaultAuthFailureMarker = "获取当前用户ID失败"

// Defaults for socket timeouts.
const (
	DefaultDialTimeout  = 15 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultCloseTimeout = time.Second
	DefaultMaxTraceData = 1024
)

// Config configures a Transport.
type Config struct {
	// URL is the stream endpoint, e.g. wss://host/ws/data.
	URL string

	Codec     wire.Codec
	KeepAlive KeepAliveConfig
	Backoff   connection.BackoffConfig

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// ReadTimeout bounds the wait for any frame. Zero waits forever.
	ReadTimeout time.Duration

	// AuthFailureMarker, when found in a server notice, stops reconnecting.
	// Empty disables the check.
	AuthFailureMarker string

	// MaxTraceData caps the frame bytes copied into trace events.
	MaxTraceData int
}

// DefaultConfig returns a configuration for url with default settings.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		Codec:             wire.JSONCodec{},
		KeepAlive:         DefaultKeepAliveConfig(),
		Backoff:           connection.DefaultBackoffConfig(),
		DialTimeout:       DefaultDialTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		AuthFailureMarker: DefaultAuthFailureMarker,
		MaxTraceData:      DefaultMaxTraceData,
	}
}

// Stats holds transport counters.
type Stats struct {
	State             State
	ConnectionID      string
	Dials             uint64
	Connects          uint64
	ReconnectAttempts int
	FramesIn          uint64
	FramesOut         uint64
	BytesIn           uint64
	BytesOut          uint64
	DecodeErrors      uint64
	DroppedSends      uint64
	KeepAlive         KeepAliveStats
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithTracer sets the stream trace logger.
func WithTracer(l tlog.Logger) Option {
	return func(t *Transport) { t.tracer = tlog.OrNoop(l) }
}

// WithCredentials sets the dial-time credentials.
func WithCredentials(c Credentials) Option {
	return func(t *Transport) { t.creds = c }
}

// Transport owns the single shared stream connection. It reconnects on
// any loss, re-dials with fresh credentials, and fans inbound messages and
// status changes out to observers in registration order.
type Transport struct {
	cfg    Config
	dialer Dialer
	creds  Credentials
	logger *slog.Logger
	tracer tlog.Logger

	mgr *connection.Manager

	mu           sync.Mutex
	conn         Conn
	connID       string
	keepAlive    *KeepAlive
	authRejected bool
	closing      bool
	readers      sync.WaitGroup

	// serializes data frames; gorilla allows one concurrent writer
	writeMu sync.Mutex

	handlersMu sync.RWMutex
	onMessage  []func(wire.Inbound)
	onStatus   []func(Status)

	stopOnce sync.Once

	dials, connects          atomic.Uint64
	framesIn, framesOut      atomic.Uint64
	bytesIn, bytesOut        atomic.Uint64
	decodeErrors, droppedOut atomic.Uint64
}

// New creates a Transport. It does not connect until Start.
func New(cfg Config, dialer Dialer, opts ...Option) *Transport {
	if cfg.Codec == nil {
		cfg.Codec = wire.JSONCodec{}
	}
	if cfg.KeepAlive.Mode == "" {
		cfg.KeepAlive.Mode = KeepAlivePing
	}
	if cfg.KeepAlive.Text == "" {
		cfg.KeepAlive.Text = DefaultKeepAliveText
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxTraceData < 0 {
		cfg.MaxTraceData = 0
	}
	if dialer == nil {
		dialer = NewWebsocketDialer(cfg.DialTimeout)
	}

	t := &Transport{
		cfg:    cfg,
		dialer: dialer,
		logger: slog.Default(),
		tracer: tlog.NoopLogger{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "transport")

	t.mgr = connection.NewManager(t.dial)
	t.mgr.SetBackoff(connection.NewBackoffWithConfig(cfg.Backoff))
	t.mgr.SetDialTimeout(cfg.DialTimeout)
	t.mgr.OnStateChange(t.handleStateChange)
	t.mgr.OnConnected(t.handleConnected)
	t.mgr.OnDisconnected(t.handleDisconnected)
	t.mgr.OnReconnecting(t.handleReconnecting)
	t.mgr.OnGaveUp(t.handleGaveUp)
	return t
}

// OnMessage registers an inbound message observer. Observers run on the
// read goroutine and must not block.
func (t *Transport) OnMessage(fn func(wire.Inbound)) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.onMessage = append(t.onMessage, fn)
}

// OnStatus registers a status observer.
func (t *Transport) OnStatus(fn func(Status)) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.onStatus = append(t.onStatus, fn)
}

// Start begins connecting. It is a no-op while connecting or connected and
// restarts the reconnect schedule after giving up or an auth rejection.
func (t *Transport) Start() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return ErrStopped
	}
	t.authRejected = false
	t.mu.Unlock()

	if err := t.mgr.Start(); err != nil {
		return ErrStopped
	}
	return nil
}

// Send writes msg immediately when connected. Otherwise the message is
// dropped and ErrNotConnected returned; callers re-send on reconnect.
func (t *Transport) Send(msg wire.Outbound) error {
	t.mu.Lock()
	conn, id := t.conn, t.connID
	t.mu.Unlock()

	if conn == nil {
		t.droppedOut.Add(1)
		t.logger.Debug("dropping outbound message, not connected", "type", msg.CommandType())
		return ErrNotConnected
	}

	data, err := t.cfg.Codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.CommandType(), err)
	}

	if err := t.writeFrame(conn, t.dataFrameType(), data); err != nil {
		t.traceError(id, "write", err)
		t.connLost(conn, err)
		return &TransportError{Op: "write", Err: err}
	}

	t.traceFrame(id, tlog.DirectionOut, data)
	var channel string
	var keys int
	switch cmd := msg.(type) {
	case wire.SubscribeCommand:
		channel, keys = cmd.Channel, len(cmd.Data)
	case wire.ChannelQuery:
		channel = cmd.Channel
	default:
		return nil
	}
	t.trace(tlog.Event{
		ConnectionID: id,
		Direction:    tlog.DirectionOut,
		Layer:        tlog.LayerWire,
		Category:     tlog.CategoryMessage,
		Channel:      channel,
		Message:      &tlog.MessageEvent{Kind: tlog.MessageSubscribe, Keys: keys},
	})
	return nil
}

// Stop closes the socket and suppresses further reconnects. Terminal.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.closing = true
		conn, id := t.conn, t.connID
		t.conn = nil
		ka := t.keepAlive
		t.keepAlive = nil
		t.mu.Unlock()

		if ka != nil {
			ka.Stop()
		}
		if conn != nil {
			deadline := time.Now().Add(DefaultCloseTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			t.trace(tlog.Event{
				ConnectionID: id,
				Direction:    tlog.DirectionOut,
				Layer:        tlog.LayerTransport,
				Category:     tlog.CategoryControl,
				Control:      &tlog.ControlEvent{Type: tlog.ControlClose, CloseCode: websocket.CloseNormalClosure},
			})
			conn.Close()
		}

		t.mgr.Close()
		t.readers.Wait()
		t.emitStatus(Status{Kind: StatusClosed, ConnectionID: id})
	})
}

// State returns the connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	closing := t.closing
	t.mu.Unlock()

	switch t.mgr.State() {
	case connection.StateClosed:
		return StateClosed
	case connection.StateConnected:
		if closing {
			return StateClosing
		}
		return StateConnected
	case connection.StateConnecting:
		return StateConnecting
	default:
		if closing {
			return StateClosing
		}
		return StateDisconnected
	}
}

// Stats returns a snapshot of the counters.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	id, ka := t.connID, t.keepAlive
	t.mu.Unlock()

	s := Stats{
		State:             t.State(),
		ConnectionID:      id,
		Dials:             t.dials.Load(),
		Connects:          t.connects.Load(),
		ReconnectAttempts: t.mgr.BackoffAttempts(),
		FramesIn:          t.framesIn.Load(),
		FramesOut:         t.framesOut.Load(),
		BytesIn:           t.bytesIn.Load(),
		BytesOut:          t.bytesOut.Load(),
		DecodeErrors:      t.decodeErrors.Load(),
		DroppedSends:      t.droppedOut.Load(),
	}
	if ka != nil {
		s.KeepAlive = ka.Stats()
	}
	return s
}

// dial is the connection manager's connect function.
func (t *Transport) dial(ctx context.Context) error {
	t.dials.Add(1)

	target, header, err := endpoint(t.cfg.URL, t.creds)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	conn, err := t.dialer.DialContext(ctx, target, header)
	if err != nil {
		t.logger.Warn("dial failed", "endpoint", redact(target), "error", err)
		t.traceError("", "dial", err)
		return err
	}

	id := uuid.NewString()

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		conn.Close()
		return ErrStopped
	}
	t.conn = conn
	t.connID = id
	t.mu.Unlock()

	t.connects.Add(1)
	t.logger.Info("connected", "endpoint", redact(target), "conn_id", id)
	return nil
}

func (t *Transport) handleConnected() {
	t.mu.Lock()
	conn, id := t.conn, t.connID
	if t.closing {
		t.mu.Unlock()
		return
	}
	if conn == nil {
		// Lost between dial and here, before the manager saw it connected.
		t.mu.Unlock()
		t.mgr.NotifyConnectionLost(&TransportError{Op: "read", Err: ErrNotConnected})
		return
	}
	ka := t.newKeepAlive(conn, id)
	t.keepAlive = ka
	t.readers.Add(1)
	t.mu.Unlock()

	if ka != nil {
		ka.Start(context.Background())
	}
	go t.readLoop(conn, id)

	t.emitStatus(Status{Kind: StatusConnected, ConnectionID: id})
}

func (t *Transport) handleDisconnected(err error) {
	t.emitStatus(Status{Kind: StatusDisconnected, Err: err})
}

func (t *Transport) handleReconnecting(attempt int, delay time.Duration) {
	t.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
	t.emitStatus(Status{Kind: StatusReconnecting, Attempt: attempt, Delay: delay})
}

func (t *Transport) handleGaveUp(attempts int, lastErr error) {
	t.logger.Error("giving up on stream connection", "attempts", attempts, "error", lastErr)
	t.emitStatus(Status{Kind: StatusGaveUp, Attempt: attempts, Err: lastErr})
}

func (t *Transport) handleStateChange(old, new connection.State) {
	t.trace(tlog.Event{
		Layer:       tlog.LayerTransport,
		Category:    tlog.CategoryState,
		StateChange: &tlog.StateChangeEvent{Entity: tlog.StateEntityConnection, OldState: old.String(), NewState: new.String()},
	})
	if new == connection.StateConnecting {
		t.emitStatus(Status{Kind: StatusConnecting})
	}
}

func (t *Transport) readLoop(conn Conn, id string) {
	defer t.readers.Done()

	for {
		if t.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		}
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.connLost(conn, err)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		t.framesIn.Add(1)
		t.bytesIn.Add(uint64(len(data)))
		t.traceFrame(id, tlog.DirectionIn, data)

		msg, err := t.cfg.Codec.Decode(data)
		if err != nil {
			// Servers echo keep-alive text and send other non-envelope frames.
			t.decodeErrors.Add(1)
			t.logger.Debug("ignoring undecodable frame", "conn_id", id, "size", len(data), "error", err)
			continue
		}
		t.traceInbound(id, msg)

		if t.isAuthFailure(msg) {
			t.logger.Error("server rejected session", "conn_id", id, "message", msg.Message)
			t.mu.Lock()
			t.authRejected = true
			t.mu.Unlock()
			t.dispatch(msg)
			t.connLost(conn, ErrAuthRejected)
			return
		}

		t.dispatch(msg)
	}
}

func (t *Transport) isAuthFailure(msg wire.Inbound) bool {
	return t.cfg.AuthFailureMarker != "" && msg.Message != "" &&
		strings.Contains(msg.Message, t.cfg.AuthFailureMarker)
}

// connLost tears down conn once and hands the loss to the manager.
func (t *Transport) connLost(conn Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	id := t.connID
	t.conn = nil
	ka := t.keepAlive
	t.keepAlive = nil
	closing, rejected := t.closing, t.authRejected
	t.mu.Unlock()

	if ka != nil {
		ka.Stop()
	}
	conn.Close()

	if closing {
		return
	}

	if rejected {
		t.traceError(id, "session", cause)
		t.mgr.Halt(cause)
		t.emitStatus(Status{Kind: StatusAuthRejected, ConnectionID: id, Err: cause})
		return
	}

	t.logger.Warn("connection lost", "conn_id", id, "error", cause)
	t.traceError(id, "read", cause)
	t.mgr.NotifyConnectionLost(&TransportError{Op: "read", Err: cause})
}

func (t *Transport) newKeepAlive(conn Conn, id string) *KeepAlive {
	cfg := t.cfg.KeepAlive
	if cfg.Mode == KeepAliveOff {
		return nil
	}

	var send func(seq uint32) error
	switch cfg.Mode {
	case KeepAliveText:
		payload := []byte(cfg.Text)
		send = func(uint32) error {
			return t.writeFrame(conn, websocket.TextMessage, payload)
		}
	default:
		send = func(seq uint32) error {
			var buf [4]byte
			binary.BigEndian.PutUint32(buf[:], seq)
			err := conn.WriteControl(websocket.PingMessage, buf[:], time.Now().Add(t.cfg.WriteTimeout))
			if err == nil {
				t.trace(tlog.Event{
					ConnectionID: id, Direction: tlog.DirectionOut,
					Layer: tlog.LayerTransport, Category: tlog.CategoryControl,
					Control: &tlog.ControlEvent{Type: tlog.ControlPing},
				})
			}
			return err
		}
	}

	ka := NewKeepAlive(cfg.PingInterval, send)
	ka.OnPong(func(_ uint32, rtt time.Duration) {
		t.trace(tlog.Event{
			ConnectionID: id, Direction: tlog.DirectionIn,
			Layer: tlog.LayerTransport, Category: tlog.CategoryControl,
			Control: &tlog.ControlEvent{Type: tlog.ControlPong, RTT: rtt},
		})
	})
	conn.SetPongHandler(func(appData string) error {
		if len(appData) == 4 {
			ka.PongReceived(binary.BigEndian.Uint32([]byte(appData)))
		}
		return nil
	})
	return ka
}

func (t *Transport) writeFrame(conn Conn, messageType int, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := conn.WriteMessage(messageType, data); err != nil {
		return err
	}
	t.framesOut.Add(1)
	t.bytesOut.Add(uint64(len(data)))
	return nil
}

func (t *Transport) dataFrameType() int {
	if t.cfg.Codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func (t *Transport) dispatch(msg wire.Inbound) {
	t.handlersMu.RLock()
	handlers := t.onMessage
	t.handlersMu.RUnlock()

	for _, fn := range handlers {
		fn(msg)
	}
}

func (t *Transport) emitStatus(s Status) {
	t.handlersMu.RLock()
	handlers := t.onStatus
	t.handlersMu.RUnlock()

	for _, fn := range handlers {
		fn(s)
	}
}

func (t *Transport) trace(ev tlog.Event) {
	if _, off := t.tracer.(tlog.NoopLogger); off {
		return
	}
	ev.Timestamp = time.Now()
	ev.Endpoint = redact(t.cfg.URL)
	t.tracer.Log(ev)
}

func (t *Transport) traceFrame(id string, dir tlog.Direction, data []byte) {
	fe := &tlog.FrameEvent{Size: len(data), Binary: t.cfg.Codec.Binary()}
	if n := t.cfg.MaxTraceData; n > 0 {
		if len(data) > n {
			fe.Data = append([]byte(nil), data[:n]...)
			fe.Truncated = true
		} else {
			fe.Data = append([]byte(nil), data...)
		}
	}
	t.trace(tlog.Event{
		ConnectionID: id,
		Direction:    dir,
		Layer:        tlog.LayerTransport,
		Category:     tlog.CategoryMessage,
		Frame:        fe,
	})
}

func (t *Transport) traceInbound(id string, msg wire.Inbound) {
	me := &tlog.MessageEvent{Kind: tlog.MessageNotice, Text: msg.Message}
	switch {
	case msg.Data != nil:
		me.Kind = tlog.MessageDelta
		me.Keys = len(msg.Data.Fields)
		me.Table = msg.Data.TableID
		me.Record = msg.Data.RecordID()
		if !msg.Data.Time.IsZero() {
			ts := msg.Data.Time.Time
			me.ServerTime = &ts
		}
	case msg.Reference != nil:
		me.Kind = tlog.MessageReference
		me.Keys = 1
		me.Table = msg.Reference.TableID
		me.Record = msg.Reference.TableDataID
	case msg.IsClock():
		me.Kind = tlog.MessageClock
		ts := msg.Time.Time
		me.ServerTime = &ts
	}
	t.trace(tlog.Event{
		ConnectionID: id,
		Direction:    tlog.DirectionIn,
		Layer:        tlog.LayerWire,
		Category:     tlog.CategoryMessage,
		Channel:      msg.Channel,
		Message:      me,
	})
}

func (t *Transport) traceError(id, op string, err error) {
	if err == nil {
		err = errors.New("unknown")
	}
	t.trace(tlog.Event{
		ConnectionID: id,
		Layer:        tlog.LayerTransport,
		Category:     tlog.CategoryError,
		Error:        &tlog.ErrorEventData{Layer: tlog.LayerTransport, Message: err.Error(), Context: op},
	})
}
