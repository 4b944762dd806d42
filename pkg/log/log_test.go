package log

import (
	"bytes"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureLogger struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureLogger) Log(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func sampleEvents() []Event {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	st := base.Add(time.Second)
	return []Event{
		{
			Timestamp: base, ConnectionID: "c1", Direction: DirectionOut,
			Layer: LayerWire, Category: CategoryMessage, Channel: "data",
			Message: &MessageEvent{Kind: MessageSubscribe, Keys: 3},
		},
		{
			Timestamp: base.Add(time.Second), ConnectionID: "c1", Direction: DirectionIn,
			Layer: LayerWire, Category: CategoryMessage, Channel: "data",
			Message: &MessageEvent{Kind: MessageDelta, Keys: 2, Table: "t", Record: "r", ServerTime: &st},
		},
		{
			Timestamp: base.Add(2 * time.Second), ConnectionID: "c1", Direction: DirectionIn,
			Layer: LayerTransport, Category: CategoryControl,
			Control: &ControlEvent{Type: ControlPong, RTT: 15 * time.Millisecond},
		},
		{
			Timestamp: base.Add(3 * time.Second), ConnectionID: "c2",
			Layer: LayerTransport, Category: CategoryError,
			Error: &ErrorEventData{Layer: LayerTransport, Message: "reset", Context: "read"},
		},
	}
}

func TestEncodeDecodeEvent(t *testing.T) {
	ev := sampleEvents()[1]
	data, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}

	got, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	if !got.Timestamp.Equal(ev.Timestamp) || got.Channel != "data" {
		t.Errorf("decoded = %+v", got)
	}
	if got.Message == nil || got.Message.Kind != MessageDelta || got.Message.Record != "r" {
		t.Errorf("Message = %+v", got.Message)
	}
	if got.Message.ServerTime == nil || !got.Message.ServerTime.Equal(*ev.Message.ServerTime) {
		t.Errorf("ServerTime = %v", got.Message.ServerTime)
	}
}

func TestFileLoggerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace"+FileExt)

	fl, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}
	for _, ev := range sampleEvents() {
		fl.Log(ev)
	}
	if err := fl.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	fl.Log(sampleEvents()[0]) // ignored after close
	if err := fl.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	r, err := OpenReader(path, Filter{})
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer r.Close()

	var n int
	for {
		_, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		n++
	}
	if n != len(sampleEvents()) {
		t.Errorf("read %d events, want %d", n, len(sampleEvents()))
	}
}

func TestReaderFilter(t *testing.T) {
	var buf bytes.Buffer
	for _, ev := range sampleEvents() {
		data, err := EncodeEvent(ev)
		if err != nil {
			t.Fatal(err)
		}
		buf.Write(data)
	}

	in := DirectionIn
	msg := CategoryMessage
	r := NewReader(bytes.NewReader(buf.Bytes()), Filter{Direction: &in, Category: &msg, Channel: "data"})

	ev, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ev.Message == nil || ev.Message.Kind != MessageDelta {
		t.Errorf("first match = %+v", ev)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("second Next() error = %v, want EOF", err)
	}
}

func TestSummarize(t *testing.T) {
	var buf bytes.Buffer
	for _, ev := range sampleEvents() {
		data, _ := EncodeEvent(ev)
		buf.Write(data)
	}

	s, err := Summarize(NewReader(&buf, Filter{}))
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if s.Events != 4 || len(s.Connections) != 2 || s.Errors != 1 {
		t.Errorf("summary = %+v", s)
	}
	if s.ByMessage[MessageSubscribe] != 1 || s.ByChannel["data"] != 2 {
		t.Errorf("ByMessage = %v, ByChannel = %v", s.ByMessage, s.ByChannel)
	}
	if s.MaxRTT != 15*time.Millisecond || s.Duration() != 3*time.Second {
		t.Errorf("MaxRTT = %v, Duration = %v", s.MaxRTT, s.Duration())
	}
}

func TestMultiLoggerSkipsNil(t *testing.T) {
	a, b := &captureLogger{}, &captureLogger{}
	m := NewMultiLogger(a, nil, b)
	m.Log(sampleEvents()[0])

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("events: a=%d b=%d", len(a.events), len(b.events))
	}
	if _, ok := OrNoop(nil).(NoopLogger); !ok {
		t.Error("OrNoop(nil) is not NoopLogger")
	}
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	a := NewSlogAdapter(logger)
	for _, ev := range sampleEvents() {
		a.Log(ev)
	}

	out := buf.String()
	for _, want := range []string{"msg_kind=SUBSCRIBE", "scope=t|r", "ctrl_type=PONG", "error_msg=reset"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestParseCategory(t *testing.T) {
	for c := CategoryMessage; c <= CategoryError; c++ {
		got, ok := ParseCategory(c.String())
		if !ok || got != c {
			t.Errorf("ParseCategory(%q) = %v, %v", c.String(), got, ok)
		}
	}
	if _, ok := ParseCategory("nope"); ok {
		t.Error("ParseCategory(nope) ok")
	}
}
