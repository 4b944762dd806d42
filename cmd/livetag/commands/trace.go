package commands

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	tlog "github.com/livetag/livetag-go/pkg/log"
)

// TraceCmd groups the commands that read protocol trace files.
func TraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect protocol trace files written with log.trace_file",
	}
	cmd.AddCommand(traceViewCmd())
	cmd.AddCommand(traceStatsCmd())
	cmd.AddCommand(traceExportCmd())
	return cmd
}

type filterFlags struct {
	connID    string
	channel   string
	layer     string
	direction string
	category  string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.connID, "conn-id", "", "Filter by connection ID")
	cmd.Flags().StringVar(&f.channel, "channel", "", "Filter by channel (data, tabledata, time)")
	cmd.Flags().StringVar(&f.layer, "layer", "", "Filter by layer (transport, wire, engine)")
	cmd.Flags().StringVar(&f.direction, "direction", "", "Filter by direction (in, out)")
	cmd.Flags().StringVar(&f.category, "category", "", "Filter by category (message, control, state, error)")
}

func (f *filterFlags) build() (tlog.Filter, error) {
	filter := tlog.Filter{ConnectionID: f.connID, Channel: f.channel}
	if f.layer != "" {
		l, err := ParseLayerFlag(f.layer)
		if err != nil {
			return filter, err
		}
		filter.Layer = &l
	}
	if f.direction != "" {
		d, err := ParseDirectionFlag(f.direction)
		if err != nil {
			return filter, err
		}
		filter.Direction = &d
	}
	if f.category != "" {
		c, err := ParseCategoryFlag(f.category)
		if err != nil {
			return filter, err
		}
		filter.Category = &c
	}
	return filter, nil
}

func traceViewCmd() *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "view <file>",
		Short: "Print a trace in human-readable form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := ff.build()
			if err != nil {
				return err
			}
			return RunView(args[0], filter, cmd.OutOrStdout())
		},
	}
	ff.register(cmd)
	return cmd
}

func traceStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <file>",
		Short: "Summarize a trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunStats(args[0], cmd.OutOrStdout())
		},
	}
}

func traceExportCmd() *cobra.Command {
	var (
		ff     filterFlags
		output string
	)
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Export a trace as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := ff.build()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				w = f
			}
			return RunExport(args[0], filter, w)
		},
	}
	ff.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: stdout)")
	return cmd
}

// RunView prints every event of the trace matching filter.
func RunView(path string, filter tlog.Filter, w io.Writer) error {
	return eachEvent(path, filter, func(ev tlog.Event) error {
		formatEvent(w, ev)
		return nil
	})
}

// RunExport writes every event of the trace matching filter as one JSON
// object per line.
func RunExport(path string, filter tlog.Filter, w io.Writer) error {
	enc := json.NewEncoder(w)
	return eachEvent(path, filter, func(ev tlog.Event) error {
		return enc.Encode(ev)
	})
}

func eachEvent(path string, filter tlog.Filter, fn func(tlog.Event) error) error {
	r, err := tlog.OpenReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer r.Close()

	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// RunStats prints a summary of the trace.
func RunStats(path string, w io.Writer) error {
	r, err := tlog.OpenReader(path, tlog.Filter{})
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer r.Close()

	s, err := tlog.Summarize(r)
	if err != nil {
		return fmt.Errorf("failed to read event: %w", err)
	}
	printSummary(w, s)
	return nil
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event tlog.Event) {
	// Header line: timestamp [conn:id] DIRECTION LAYER Type
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")

	var typeLabel string
	switch {
	case event.Frame != nil:
		typeLabel = "Frame"
	case event.Message != nil:
		typeLabel = event.Message.Kind.String()
	case event.StateChange != nil:
		typeLabel = "State"
	case event.Control != nil:
		typeLabel = event.Control.Type.String()
	case event.Error != nil:
		typeLabel = "Error"
	default:
		typeLabel = "Unknown"
	}

	layerStr := event.Layer.String()
	if event.Category == tlog.CategoryControl {
		layerStr = "CTRL"
	}

	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s", ts, shortenConnID(event.ConnectionID), event.Direction, layerStr, typeLabel)
	if event.Channel != "" {
		fmt.Fprintf(w, " (%s)", event.Channel)
	}
	fmt.Fprintln(w)

	switch {
	case event.Frame != nil:
		formatFrameDetails(w, event.Frame)
	case event.Message != nil:
		formatMessageDetails(w, event.Message)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Control != nil:
		formatControlDetails(w, event.Control)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

func formatFrameDetails(w io.Writer, frame *tlog.FrameEvent) {
	fmt.Fprintf(w, "  Size: %d bytes\n", frame.Size)
	if len(frame.Data) == 0 {
		return
	}
	if frame.Binary {
		fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(frame.Data))
	} else {
		fmt.Fprintf(w, "  Data: %s", string(frame.Data))
	}
	if frame.Truncated {
		fmt.Fprint(w, " (truncated)")
	}
	fmt.Fprintln(w)
}

func formatMessageDetails(w io.Writer, msg *tlog.MessageEvent) {
	if msg.Keys > 0 {
		fmt.Fprintf(w, "  Keys: %d\n", msg.Keys)
	}
	if msg.Table != "" {
		fmt.Fprintf(w, "  Record: %s|%s\n", msg.Table, msg.Record)
	}
	if msg.ServerTime != nil {
		fmt.Fprintf(w, "  ServerTime: %s\n", msg.ServerTime.UTC().Format(time.RFC3339Nano))
	}
	if msg.Text != "" {
		fmt.Fprintf(w, "  Text: %s\n", msg.Text)
	}
	if msg.Payload != nil {
		if payloadJSON, err := json.Marshal(msg.Payload); err == nil {
			fmt.Fprintf(w, "  Payload: %s\n", string(payloadJSON))
		}
	}
}

func formatStateChangeDetails(w io.Writer, sc *tlog.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity)
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatControlDetails(w io.Writer, c *tlog.ControlEvent) {
	if c.RTT > 0 {
		fmt.Fprintf(w, "  RTT: %s\n", formatDuration(c.RTT))
	}
	if c.CloseCode != 0 {
		fmt.Fprintf(w, "  CloseCode: %d\n", c.CloseCode)
	}
}

func formatErrorDetails(w io.Writer, err *tlog.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer)
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

func printSummary(w io.Writer, s tlog.Summary) {
	fmt.Fprintln(w, "=== Stream Trace Statistics ===")
	fmt.Fprintln(w)

	if s.Events > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n", s.First.Format(time.RFC3339), s.Last.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", s.Duration().Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", s.Events)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []tlog.Category{tlog.CategoryMessage, tlog.CategoryControl, tlog.CategoryState, tlog.CategoryError} {
		if count := s.ByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	if len(s.ByMessage) > 0 {
		fmt.Fprintln(w, "Messages:")
		kinds := make([]tlog.MessageKind, 0, len(s.ByMessage))
		for k := range s.ByMessage {
			kinds = append(kinds, k)
		}
		sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		for _, k := range kinds {
			fmt.Fprintf(w, "  %-12s %d\n", k.String()+":", s.ByMessage[k])
		}
		fmt.Fprintln(w)
	}

	if len(s.ByChannel) > 0 {
		fmt.Fprintln(w, "Channels:")
		for _, ch := range sortedNames(s.ByChannel) {
			fmt.Fprintf(w, "  %-12s %d\n", ch+":", s.ByChannel[ch])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Connections: %d\n", len(s.Connections))
	for _, id := range sortedNames(s.Connections) {
		fmt.Fprintf(w, "  [%s] %d events\n", shortenConnID(id), s.Connections[id])
	}

	if s.FrameBytes > 0 {
		fmt.Fprintf(w, "Frame bytes: %d\n", s.FrameBytes)
	}
	if s.MaxRTT > 0 {
		fmt.Fprintf(w, "Max RTT:     %s\n", formatDuration(s.MaxRTT))
	}
	if s.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", s.Errors)
	}
}

func sortedNames(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ParseLayerFlag parses a layer string from command-line flag (case-insensitive).
func ParseLayerFlag(s string) (tlog.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return tlog.LayerTransport, nil
	case "wire":
		return tlog.LayerWire, nil
	case "engine":
		return tlog.LayerEngine, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be transport, wire, or engine)", s)
	}
}

// ParseDirectionFlag parses a direction string from command-line flag (case-insensitive).
func ParseDirectionFlag(s string) (tlog.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return tlog.DirectionIn, nil
	case "out":
		return tlog.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategoryFlag parses a category string from command-line flag (case-insensitive).
func ParseCategoryFlag(s string) (tlog.Category, error) {
	if c, ok := tlog.ParseCategory(strings.ToUpper(s)); ok {
		return c, nil
	}
	return 0, fmt.Errorf("invalid category: %s (must be message, control, state, or error)", s)
}
