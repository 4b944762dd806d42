package transport

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the transport uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens stream connections.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, header http.Header) (Conn, error)
}

// Credentials supply the session token and project at dial time.
type Credentials interface {
	Token() string
	Project() string
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

// NewWebsocketDialer returns a dialer with the given handshake timeout.
func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	d := *websocket.DefaultDialer
	if handshakeTimeout > 0 {
		d.HandshakeTimeout = handshakeTimeout
	}
	return &WebsocketDialer{Dialer: &d}
}

// DialContext implements Dialer.
func (d *WebsocketDialer) DialContext(ctx context.Context, urlStr string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		te := &TransportError{Op: "dial", Err: err}
		if resp != nil {
			te.StatusCode = resp.StatusCode
		}
		return nil, te
	}
	return ws, nil
}

// ProjectHeader carries the project id on the upgrade request.
const ProjectHeader = "x-request-project"

// endpoint appends credentials to the stream URL. The token is read once
// per dial.
func endpoint(base string, creds Credentials) (string, http.Header, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", nil, err
	}
	header := http.Header{}
	if creds == nil {
		return u.String(), header, nil
	}

	q := u.Query()
	if tok := creds.Token(); tok != "" {
		q.Set("token", tok)
	}
	if p := creds.Project(); p != "" {
		q.Set(ProjectHeader, p)
		header.Set(ProjectHeader, p)
	}
	u.RawQuery = q.Encode()
	return u.String(), header, nil
}

// redact strips the query string for logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

var _ Dialer = (*WebsocketDialer)(nil)
