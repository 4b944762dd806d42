// Package subscription keeps the server-side subscription list in sync
// with the union of all declared interest.
//
// Consumers declare interest per group. Each group holds its own key set,
// replaced or merged on every declaration. The registry reference-counts
// keys per channel so a key stays subscribed while any group wants it.
//
// # Wire semantics
//
// Every change to a channel's union schedules a debounced subscribe
// command carrying the channel's full key list. The server replaces its
// list on each command; nothing is sent incrementally. A channel that
// becomes empty sends one empty list.
//
// # Reconnect
//
// A server-side list does not survive a reconnect. On every
// StatusConnected the registry drops any pending debounce and sends the
// full union of every non-empty channel immediately.
package subscription
