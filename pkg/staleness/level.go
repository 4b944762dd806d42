package staleness

import (
	"fmt"
	"time"
)

// Level grades how overdue a key's last update is.
type Level uint8

const (
	// Fresh: the gap is within the key's timeout.
	Fresh Level = iota

	// Watch: the gap is within three timeouts.
	Watch

	// Timeout: the gap is within eight timeouts.
	Timeout

	// Offline: the gap exceeds eight timeouts.
	Offline
)

// Level thresholds as multiples of the key timeout.
const (
	WatchFactor   = 3
	TimeoutFactor = 8
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case Fresh:
		return "FRESH"
	case Watch:
		return "WATCH"
	case Timeout:
		return "TIMEOUT"
	case Offline:
		return "OFFLINE"
	default:
		return fmt.Sprintf("LEVEL(%d)", uint8(l))
	}
}

// IsTimeout reports whether the level counts as timed out.
func (l Level) IsTimeout() bool {
	return l >= Timeout
}

// IsOffline reports whether the level counts as offline.
func (l Level) IsOffline() bool {
	return l == Offline
}

// Classify maps the gap since the last update to a level. Boundaries
// belong to the lower level. A negative gap is fresh.
func Classify(gap, timeout time.Duration) Level {
	switch {
	case gap <= timeout:
		return Fresh
	case gap <= WatchFactor*timeout:
		return Watch
	case gap <= TimeoutFactor*timeout:
		return Timeout
	default:
		return Offline
	}
}
