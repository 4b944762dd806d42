// Package connection provides connection lifecycle management for the
// shared stream.
//
// This package handles:
//   - Tiered reconnect delays with an attempt cap
//   - Connection state tracking
//   - Automatic reconnection on connection loss
//
// # Reconnection Strategy
//
// When a connection attempt fails or an established connection drops:
//
//  1. Attempts 1-10 wait 3 seconds
//  2. Attempts 11-20 wait 10 seconds
//  3. After attempt 20 the manager gives up and reports it once
//  4. A successful connection resets the attempt counter
//
// Giving up is not terminal for the manager itself: a later Start begins a
// fresh schedule. Close is terminal.
//
// # Jitter
//
// Jitter is off by default. When configured:
//
//	actual_delay = tier_delay + random(0, tier_delay * jitter)
package connection
