// Package log provides the stream trace: a machine-readable record of
// frames, decoded messages, keep-alive traffic, state changes and errors.
//
// It is separate from operational logging (slog). Components emit trace
// events through the Logger interface; pass NoopLogger to disable it.
//
//	// Console, via slog at debug level
//	tracer := log.NewSlogAdapter(slog.Default())
//
//	// Binary file for later analysis
//	file, _ := log.NewFileLogger("/var/log/livetag/stream.ltlog")
//
//	// Both
//	tracer := log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), file)
//
// Trace files are a concatenation of CBOR-encoded events with integer
// keys. Reader streams them back with an optional Filter, and Summarize
// aggregates them; `livetag trace` exposes both.
package log
