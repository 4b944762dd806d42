// Package wire defines the messages exchanged over the shared stream and
// the codecs that frame them.
//
// # Outbound
//
// The subscribe command always carries the complete interest list for one
// channel; the server replaces whatever it held for that channel:
//
//	{"type": "query", "channel": "data", "data": [{"tableId": "t", "id": "r", "tagId": "x"}]}
//
// An empty data list unsubscribes the channel. Channels without a key list
// are opened with a channel query:
//
//	{"type": "query", "channel": "time", "data": []}
//	{"type": "query", "channel": "computerecord", "data": {"projectId": "p"}}
//
// # Inbound
//
// Inbound frames are envelopes with any of:
//
//	{"channel": "data", "data": {"tableId": "t", "tableDataId": "r", "fields": {"x": 1.5}, "time": 1700000000000}}
//	{"channel": "computerecord", "data": {"tableId": "t", "tableDataId": "r", "field": "total", "value": 12}}
//	{"time": 1700000000000}
//	{"message": "server notice"}
//
// A delta carries one or more fields of one record. Record-channel deltas
// may carry their fields at the top level instead of under "fields".
//
// # Codecs
//
// JSONCodec writes text frames and is what stock servers speak. CBORCodec
// writes binary frames using the same field names.
package wire
