package log

import (
	"errors"
	"io"
	"time"
)

// Summary aggregates a trace.
type Summary struct {
	Events      int
	First, Last time.Time
	Connections map[string]int
	ByCategory  map[Category]int
	ByMessage   map[MessageKind]int
	ByChannel   map[string]int
	Errors      int
	FrameBytes  int
	MaxRTT      time.Duration
}

// Summarize consumes r until EOF.
func Summarize(r *Reader) (Summary, error) {
	s := Summary{
		Connections: make(map[string]int),
		ByCategory:  make(map[Category]int),
		ByMessage:   make(map[MessageKind]int),
		ByChannel:   make(map[string]int),
	}

	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return s, nil
		}
		if err != nil {
			return s, err
		}
		s.add(ev)
	}
}

func (s *Summary) add(ev Event) {
	s.Events++
	if s.First.IsZero() || ev.Timestamp.Before(s.First) {
		s.First = ev.Timestamp
	}
	if ev.Timestamp.After(s.Last) {
		s.Last = ev.Timestamp
	}
	if ev.ConnectionID != "" {
		s.Connections[ev.ConnectionID]++
	}
	s.ByCategory[ev.Category]++
	if ev.Channel != "" {
		s.ByChannel[ev.Channel]++
	}

	switch {
	case ev.Frame != nil:
		s.FrameBytes += ev.Frame.Size
	case ev.Message != nil:
		s.ByMessage[ev.Message.Kind]++
	case ev.Control != nil:
		if ev.Control.RTT > s.MaxRTT {
			s.MaxRTT = ev.Control.RTT
		}
	case ev.Error != nil:
		s.Errors++
	}
}

// Duration is the span between the first and last event.
func (s Summary) Duration() time.Duration {
	return s.Last.Sub(s.First)
}
