package connection

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Connection errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
	ErrGaveUp           = errors.New("reconnect attempts exhausted")
)

// DefaultDialTimeout bounds a single connect attempt.
const DefaultDialTimeout = 30 * time.Second

// State represents the connection state.
type State uint8

const (
	// StateDisconnected indicates no active connection and no pending attempt.
	StateDisconnected State = iota

	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting

	// StateConnected indicates an active connection.
	StateConnected

	// StateReconnecting indicates the manager is waiting out a backoff delay.
	StateReconnecting

	// StateClosed indicates the manager has been closed. Terminal.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ConnectFunc is called to establish a connection.
// It should return nil on success or an error on failure.
type ConnectFunc func(ctx context.Context) error

// Manager manages connection lifecycle with automatic reconnection.
//
// Every attempt runs on the manager's own goroutine. Callbacks are invoked
// without the manager lock held, so they may call back into the manager.
type Manager struct {
	mu sync.RWMutex

	state   State
	backoff *Backoff

	connectFn   ConnectFunc
	dialTimeout time.Duration

	// run generation; bumped by Halt and Start to abandon an in-flight schedule
	gen     uint64
	lastErr error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// runCh carries the generation a run was requested for.
	runCh    chan run
	loopOnce sync.Once

	// Callbacks
	onStateChange  func(oldState, newState State)
	onConnected    func()
	onDisconnected func(err error)
	onReconnecting func(attempt int, delay time.Duration)
	onGaveUp       func(attempts int, lastErr error)
}

type run struct {
	gen       uint64
	immediate bool
}

// NewManager creates a new connection manager with the default schedule.
func NewManager(connectFn ConnectFunc) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		state:       StateDisconnected,
		backoff:     NewBackoff(),
		connectFn:   connectFn,
		dialTimeout: DefaultDialTimeout,
		ctx:         ctx,
		cancel:      cancel,
		runCh:       make(chan run, 1),
	}
}

// SetBackoff replaces the reconnect schedule. Call before Start.
func (m *Manager) SetBackoff(b *Backoff) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backoff = b
}

// SetDialTimeout bounds each connect attempt.
func (m *Manager) SetDialTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.dialTimeout = d
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected returns true if currently connected.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// LastError returns the error of the most recent failed attempt or loss.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Start begins connecting in the background. The first attempt is made
// immediately; failures follow the reconnect schedule. Start is a no-op
// while connecting, connected or reconnecting, and restarts the schedule
// after the manager gave up.
func (m *Manager) Start() error {
	m.loopOnce.Do(m.startLoop)

	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return ErrConnectionClosed
	case StateConnecting, StateConnected, StateReconnecting:
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	m.backoff.Reset()
	old := m.setStateLocked(StateConnecting)
	cb := m.onStateChange
	m.mu.Unlock()

	if cb != nil {
		cb(old, StateConnecting)
	}
	m.trigger(run{gen: gen, immediate: true})
	return nil
}

// Connect makes a single synchronous connection attempt.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrConnectionClosed
	}
	old := m.setStateLocked(StateConnecting)
	cb := m.onStateChange
	m.mu.Unlock()

	if cb != nil && old != StateConnecting {
		cb(old, StateConnecting)
	}

	if err := m.connectFn(ctx); err != nil {
		m.mu.Lock()
		if m.state == StateClosed {
			m.mu.Unlock()
			return ErrConnectionClosed
		}
		m.lastErr = err
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		if cb != nil {
			cb(StateConnecting, StateDisconnected)
		}
		return err
	}

	m.markConnected()
	return nil
}

// NotifyConnectionLost should be called when an established connection
// drops. It starts the reconnect schedule.
func (m *Manager) NotifyConnectionLost(err error) {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.lastErr = err
	old := m.setStateLocked(StateReconnecting)
	gen := m.gen
	stateCb, discCb := m.onStateChange, m.onDisconnected
	m.mu.Unlock()

	if stateCb != nil {
		stateCb(old, StateReconnecting)
	}
	if discCb != nil {
		discCb(err)
	}
	m.loopOnce.Do(m.startLoop)
	m.trigger(run{gen: gen})
}

// Halt abandons any pending reconnect schedule and returns to
// disconnected. A later Start begins a fresh schedule.
func (m *Manager) Halt(err error) {
	m.mu.Lock()
	if m.state == StateClosed || m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.lastErr = err
	old := m.setStateLocked(StateDisconnected)
	stateCb, discCb := m.onStateChange, m.onDisconnected
	m.mu.Unlock()

	if stateCb != nil {
		stateCb(old, StateDisconnected)
	}
	if discCb != nil && old == StateConnected {
		discCb(err)
	}
}

// Close shuts down the manager. No further transitions are possible.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.gen++
	old := m.setStateLocked(StateClosed)
	cb := m.onStateChange
	m.mu.Unlock()

	if cb != nil {
		cb(old, StateClosed)
	}

	m.cancel()
	m.wg.Wait()
}

// BackoffAttempts returns the number of reconnect attempts since the last
// successful connection.
func (m *Manager) BackoffAttempts() int {
	m.mu.RLock()
	b := m.backoff
	m.mu.RUnlock()
	return b.Attempts()
}

func (m *Manager) setStateLocked(s State) State {
	old := m.state
	m.state = s
	return old
}

func (m *Manager) startLoop() {
	m.wg.Add(1)
	go m.reconnectLoop()
}

func (m *Manager) trigger(r run) {
	for {
		select {
		case m.runCh <- r:
			return
		default:
		}
		// Replace a stale pending request with the newer one.
		select {
		case <-m.runCh:
		default:
		}
	}
}

func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case r := <-m.runCh:
			m.attempt(r)
		}
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gen == gen && m.state != StateClosed && m.state != StateConnected
}

// attempt runs one schedule until connected, halted, closed or given up.
func (m *Manager) attempt(r run) {
	immediate := r.immediate
	for {
		if !m.current(r.gen) {
			return
		}

		if !immediate {
			m.mu.RLock()
			b := m.backoff
			m.mu.RUnlock()

			delay, ok := b.Next()
			if !ok {
				m.giveUp(r.gen, b.MaxAttempts())
				return
			}

			m.mu.Lock()
			if m.gen != r.gen || m.state == StateClosed {
				m.mu.Unlock()
				return
			}
			old := m.setStateLocked(StateReconnecting)
			stateCb, recCb := m.onStateChange, m.onReconnecting
			m.mu.Unlock()

			if stateCb != nil && old != StateReconnecting {
				stateCb(old, StateReconnecting)
			}
			if recCb != nil {
				recCb(b.Attempts(), delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-m.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			m.mu.Lock()
			if m.gen != r.gen || m.state != StateReconnecting {
				m.mu.Unlock()
				return
			}
			old = m.setStateLocked(StateConnecting)
			stateCb = m.onStateChange
			m.mu.Unlock()
			if stateCb != nil {
				stateCb(old, StateConnecting)
			}
		}
		immediate = false

		m.mu.RLock()
		timeout := m.dialTimeout
		m.mu.RUnlock()

		ctx, cancel := context.WithTimeout(m.ctx, timeout)
		err := m.connectFn(ctx)
		cancel()

		if err == nil {
			if m.current(r.gen) {
				m.markConnected()
			}
			return
		}

		m.mu.Lock()
		if m.gen == r.gen {
			m.lastErr = err
		}
		m.mu.Unlock()
	}
}

func (m *Manager) markConnected() {
	m.mu.Lock()
	old := m.setStateLocked(StateConnected)
	m.lastErr = nil
	m.backoff.Reset()
	stateCb, connCb := m.onStateChange, m.onConnected
	m.mu.Unlock()

	if stateCb != nil {
		stateCb(old, StateConnected)
	}
	if connCb != nil {
		connCb()
	}
}

func (m *Manager) giveUp(gen uint64, attempts int) {
	m.mu.Lock()
	if m.gen != gen || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	old := m.setStateLocked(StateDisconnected)
	lastErr := m.lastErr
	stateCb, gaveCb := m.onStateChange, m.onGaveUp
	m.mu.Unlock()

	if stateCb != nil {
		stateCb(old, StateDisconnected)
	}
	if gaveCb != nil {
		gaveCb(attempts, lastErr)
	}
}

// OnStateChange sets a callback for state changes.
func (m *Manager) OnStateChange(fn func(oldState, newState State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// OnConnected sets a callback for successful connection.
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = fn
}

// OnDisconnected sets a callback for loss of an established connection.
func (m *Manager) OnDisconnected(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnected = fn
}

// OnReconnecting sets a callback for scheduled reconnect attempts.
func (m *Manager) OnReconnecting(fn func(attempt int, delay time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnecting = fn
}

// OnGaveUp sets a callback fired once the attempt cap is exhausted.
func (m *Manager) OnGaveUp(fn func(attempts int, lastErr error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onGaveUp = fn
}
