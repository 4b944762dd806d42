package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Keep-alive defaults.
const (
	// DefaultPingInterval is the default interval between pings.
	DefaultPingInterval = 30 * time.Second

	// DefaultKeepAliveText is the text frame sent in text mode.
	DefaultKeepAliveText = "client send keeplive message!"
)

// KeepAliveMode selects how pings are sent.
type KeepAliveMode string

const (
	// KeepAlivePing sends websocket ping control frames.
	KeepAlivePing KeepAliveMode = "ping"

	// KeepAliveText sends a plain text frame, for servers that expect one.
	KeepAliveText KeepAliveMode = "text"

	// KeepAliveOff disables keep-alive.
	KeepAliveOff KeepAliveMode = "off"
)

// KeepAliveConfig configures keep-alive behavior.
type KeepAliveConfig struct {
	Mode         KeepAliveMode
	PingInterval time.Duration

	// Text is the payload in text mode.
	Text string
}

// DefaultKeepAliveConfig returns the default keep-alive configuration.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		Mode:         KeepAlivePing,
		PingInterval: DefaultPingInterval,
		Text:         DefaultKeepAliveText,
	}
}

// KeepAlive sends periodic pings on a live connection.
//
// Pongs only feed latency statistics. A silent peer is never declared
// dead here; connection loss is detected by the read loop.
type KeepAlive struct {
	interval time.Duration
	sendPing func(seq uint32) error
	onPong   func(seq uint32, rtt time.Duration)

	sequence atomic.Uint32

	mu           sync.Mutex
	running      bool
	stopCh       chan struct{}
	pongCh       chan uint32
	pending      map[uint32]time.Time
	lastPingTime time.Time
	lastPongTime time.Time
	lastRTT      time.Duration
	sent         uint64
	failed       uint64
	unanswered   int
}

// NewKeepAlive creates a keep-alive sender.
func NewKeepAlive(interval time.Duration, sendPing func(seq uint32) error) *KeepAlive {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	return &KeepAlive{
		interval: interval,
		sendPing: sendPing,
		stopCh:   make(chan struct{}),
		pongCh:   make(chan uint32, 4),
		pending:  make(map[uint32]time.Time),
	}
}

// OnPong sets a callback for matched pongs. Call before Start.
func (ka *KeepAlive) OnPong(fn func(seq uint32, rtt time.Duration)) {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	ka.onPong = fn
}

// Start begins sending pings. The first ping goes out after one interval.
func (ka *KeepAlive) Start(ctx context.Context) {
	ka.mu.Lock()
	if ka.running {
		ka.mu.Unlock()
		return
	}
	ka.running = true
	ka.stopCh = make(chan struct{})
	stop := ka.stopCh
	ka.mu.Unlock()

	go ka.loop(ctx, stop)
}

// Stop stops sending pings.
func (ka *KeepAlive) Stop() {
	ka.mu.Lock()
	defer ka.mu.Unlock()

	if !ka.running {
		return
	}
	ka.running = false
	close(ka.stopCh)
}

// IsRunning returns true while pings are being sent.
func (ka *KeepAlive) IsRunning() bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.running
}

// PongReceived records a pong for the ping with sequence seq.
func (ka *KeepAlive) PongReceived(seq uint32) {
	select {
	case ka.pongCh <- seq:
	default:
	}
}

// KeepAliveStats contains keep-alive statistics.
type KeepAliveStats struct {
	LastPingTime time.Time
	LastPongTime time.Time
	LastRTT      time.Duration
	Sent         uint64
	Failed       uint64

	// Unanswered counts pings since the last pong.
	Unanswered int
}

// Stats returns current keep-alive statistics.
func (ka *KeepAlive) Stats() KeepAliveStats {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return KeepAliveStats{
		LastPingTime: ka.lastPingTime,
		LastPongTime: ka.lastPongTime,
		LastRTT:      ka.lastRTT,
		Sent:         ka.sent,
		Failed:       ka.failed,
		Unanswered:   ka.unanswered,
	}
}

func (ka *KeepAlive) loop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(ka.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			ka.ping()
		case seq := <-ka.pongCh:
			ka.pong(seq)
		}
	}
}

func (ka *KeepAlive) ping() {
	seq := ka.sequence.Add(1)
	now := time.Now()

	ka.mu.Lock()
	ka.lastPingTime = now
	ka.pending[seq] = now
	ka.unanswered++
	// Keep the pending table bounded when the peer never answers.
	for s := range ka.pending {
		if seq-s > 16 {
			delete(ka.pending, s)
		}
	}
	ka.mu.Unlock()

	err := ka.sendPing(seq)

	ka.mu.Lock()
	if err != nil {
		ka.failed++
		delete(ka.pending, seq)
	} else {
		ka.sent++
	}
	ka.mu.Unlock()
}

func (ka *KeepAlive) pong(seq uint32) {
	now := time.Now()

	ka.mu.Lock()
	ka.lastPongTime = now
	sentAt, ok := ka.pending[seq]
	if !ok {
		ka.mu.Unlock()
		return
	}
	delete(ka.pending, seq)
	rtt := now.Sub(sentAt)
	ka.lastRTT = rtt
	ka.unanswered = 0
	cb := ka.onPong
	ka.mu.Unlock()

	if cb != nil {
		cb(seq, rtt)
	}
}
