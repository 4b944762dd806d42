package wire

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
// 1e12 ms is September 2001; 1e12 s is far beyond any plausible date.
const epochMillisThreshold = 1e12

// Timestamp is a server-supplied point in time.
type Timestamp struct {
	time.Time
}

// ParseTimestamp accepts epoch seconds, epoch milliseconds (as numbers or
// digit strings) and RFC 3339 strings.
func ParseTimestamp(v any) (Timestamp, error) {
	t, err := parseTime(v)
	if err != nil {
		return Timestamp{}, err
	}
	return Timestamp{Time: t}, nil
}

func parseTime(v any) (time.Time, error) {
	switch x := normalize(v).(type) {
	case int64:
		return fromEpoch(float64(x)), nil
	case uint64:
		return fromEpoch(float64(x)), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return time.Time{}, fmt.Errorf("%w: time %v", ErrMalformed, x)
		}
		return fromEpoch(x), nil
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(n), nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: time %q", ErrMalformed, s)
		}
		return t, nil
	case time.Time:
		return x, nil
	default:
		return time.Time{}, fmt.Errorf("%w: time of type %T", ErrMalformed, v)
	}
}

func fromEpoch(n float64) time.Time {
	if math.Abs(n) >= epochMillisThreshold {
		return time.UnixMilli(int64(n))
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// normalize converts decoder-specific number and map types into int64,
// float64 and map[string]any.
func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

// Normalize converts decoded JSON or CBOR values to the types the stream
// delivers: int64, float64, string, bool, []any and map[string]any.
func Normalize(v any) any {
	return normalize(v)
}
