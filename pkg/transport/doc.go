// Package transport owns the single shared streaming connection.
//
// The transport handles:
//   - Dialing the stream endpoint over websocket with session credentials
//   - Reconnecting on any loss, following the connection package schedule
//   - Keep-alive pings while connected
//   - Fan-out of decoded inbound messages and status changes
//
// # Lifecycle
//
//	Start → CONNECTING → CONNECTED ─(loss)→ DISCONNECTED → CONNECTING → …
//	Stop  → CLOSING → CLOSED (terminal)
//
// Every successful dial reports StatusConnected; observers treat it as the
// signal to re-send their interest. After the attempt cap the transport
// reports StatusGaveUp and stays disconnected until Start is called again.
//
// # Sending
//
// Send writes immediately when a socket is open and fails fast with
// ErrNotConnected otherwise. Control messages are never queued: the next
// StatusConnected is the point to send the full state again.
//
// # Credentials
//
// The token and project are read from Credentials at each dial and carried
// as query parameters; the project is also sent as the x-request-project
// header.
package transport
