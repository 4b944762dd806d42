package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/livetag/livetag-go/pkg/key"
	"github.com/livetag/livetag-go/pkg/service"
	"github.com/livetag/livetag-go/pkg/store"
)

// ParseKeyArg parses a key given on the command line.
//
// The form is "[kind:]table|record[|field]" where kind is "tag" (the
// default) or "record".
func ParseKeyArg(s string) (key.Key, error) {
	kind := key.KindTag
	if prefix, rest, ok := strings.Cut(s, ":"); ok && !strings.Contains(prefix, key.Separator) {
		k, err := key.ParseKind(prefix)
		if err != nil {
			return key.Key{}, err
		}
		kind, s = k, rest
	}
	return key.Parse(kind, s)
}

// ParseKeyArgs parses every argument with ParseKeyArg.
func ParseKeyArgs(args []string) ([]key.Key, error) {
	keys := make([]key.Key, 0, len(args))
	for _, a := range args {
		k, err := ParseKeyArg(a)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// FormatValue renders one store entry on a single line.
func FormatValue(composite string, v store.TrackedValue) string {
	var b strings.Builder
	b.WriteString(composite)
	b.WriteString(" = ")
	if v.HasValue {
		b.WriteString(formatAny(v.Value))
	} else {
		b.WriteString("-")
	}
	fmt.Fprintf(&b, " [%s]", v.Level)
	if !v.ObservedAt.IsZero() {
		fmt.Fprintf(&b, " at %s", v.ObservedAt.UTC().Format(time.RFC3339Nano))
	}
	if unit, ok := v.Meta["unit"].(string); ok && unit != "" {
		fmt.Fprintf(&b, " (%s)", unit)
	}
	return b.String()
}

func formatAny(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", x)
	case map[string]any, []any:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	default:
		return fmt.Sprint(x)
	}
}

// FormatStats renders a service stats snapshot as an aligned block.
func FormatStats(s service.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Service:    %s (%d keys)\n", s.State, s.Keys)

	t := s.Transport
	fmt.Fprintf(&b, "Transport:  %s", t.State)
	if t.ConnectionID != "" {
		fmt.Fprintf(&b, " conn=%s", shortenConnID(t.ConnectionID))
	}
	fmt.Fprintf(&b, " dials=%d connects=%d retry=%d\n", t.Dials, t.Connects, t.ReconnectAttempts)
	fmt.Fprintf(&b, "            frames in=%d out=%d bytes in=%d out=%d decode-errors=%d dropped=%d\n",
		t.FramesIn, t.FramesOut, t.BytesIn, t.BytesOut, t.DecodeErrors, t.DroppedSends)
	if t.KeepAlive.Sent > 0 {
		fmt.Fprintf(&b, "            keepalive sent=%d failed=%d rtt=%s\n",
			t.KeepAlive.Sent, t.KeepAlive.Failed, t.KeepAlive.LastRTT)
	}

	r := s.Registry
	fmt.Fprintf(&b, "Registry:   groups=%d tags=%d records=%d declares=%d releases=%d commands=%d resends=%d\n",
		r.Groups, r.TagKeys, r.RecordKeys, r.Declares, r.Releases, r.Commands, r.Resends)

	bt := s.Batch
	fmt.Fprintf(&b, "Batch:      updates=%d collapsed=%d flushes=%d pending=%d last=%d\n",
		bt.Updates, bt.Collapsed, bt.Flushes, bt.Pending, bt.LastFlushSize)

	ld := s.Bootstrap
	fmt.Fprintf(&b, "Bootstrap:  seen=%d fetches=%d failures=%d applied=%d discarded=%d\n",
		ld.Seen, ld.Fetches, ld.Failures, ld.Applied, ld.Discarded)

	st := s.Staleness
	fmt.Fprintf(&b, "Staleness:  keys=%d ticks=%d transitions=%d\n", st.Keys, st.Ticks, st.Transitions)

	c := s.Clock
	fmt.Fprintf(&b, "Clock:      offset=%s", c.Offset)
	if c.Source != "" {
		fmt.Fprintf(&b, " source=%s", c.Source)
	}
	if c.Error != "" {
		fmt.Fprintf(&b, " error=%q", c.Error)
	}
	b.WriteString("\n")
	return b.String()
}

// shortenConnID returns the first 8 characters of the connection ID.
func shortenConnID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
