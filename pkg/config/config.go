// Package config holds the engine configuration.
//
// A configuration starts from Default and is overlaid by a YAML or TOML
// file chosen by extension. Durations are written as Go duration strings
// such as "500ms" or "3s".
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid config")

// ErrUnknownFormat is returned for unsupported file extensions.
var ErrUnknownFormat = errors.New("unknown config format")

// Duration is a time.Duration read from a duration string.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// String formats the duration.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the full engine configuration.
type Config struct {
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Backoff   BackoffConfig   `yaml:"backoff" toml:"backoff"`
	KeepAlive KeepAliveConfig `yaml:"keepalive" toml:"keepalive"`
	Registry  RegistryConfig  `yaml:"registry" toml:"registry"`
	Streams   StreamsConfig   `yaml:"streams" toml:"streams"`
	Batch     BatchConfig     `yaml:"batch" toml:"batch"`
	Bootstrap BootstrapConfig `yaml:"bootstrap" toml:"bootstrap"`
	Staleness StalenessConfig `yaml:"staleness" toml:"staleness"`
	Clock     ClockConfig     `yaml:"clock" toml:"clock"`
	API       APIConfig       `yaml:"api" toml:"api"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Discovery DiscoveryConfig `yaml:"discovery" toml:"discovery"`
}

// TransportConfig configures the stream connection.
type TransportConfig struct {
	URL               string   `yaml:"url" toml:"url"`
	Codec             string   `yaml:"codec" toml:"codec"`
	DialTimeout       Duration `yaml:"dial_timeout" toml:"dial_timeout"`
	WriteTimeout      Duration `yaml:"write_timeout" toml:"write_timeout"`
	ReadTimeout       Duration `yaml:"read_timeout" toml:"read_timeout"`
	AuthFailureMarker string   `yaml:"auth_failure_marker" toml:"auth_failure_marker"`
	TraceData         int      `yaml:"trace_data" toml:"trace_data"`
}

// BackoffConfig is the two-tier reconnect schedule.
type BackoffConfig struct {
	ShortDelay    Duration `yaml:"short_delay" toml:"short_delay"`
	ShortAttempts int      `yaml:"short_attempts" toml:"short_attempts"`
	LongDelay     Duration `yaml:"long_delay" toml:"long_delay"`
	MaxAttempts   int      `yaml:"max_attempts" toml:"max_attempts"`
	Jitter        float64  `yaml:"jitter" toml:"jitter"`
}

// KeepAliveConfig configures pings.
type KeepAliveConfig struct {
	Mode     string   `yaml:"mode" toml:"mode"`
	Interval Duration `yaml:"interval" toml:"interval"`
	Text     string   `yaml:"text" toml:"text"`
}

// RegistryConfig configures subscribe debouncing.
type RegistryConfig struct {
	Debounce Duration `yaml:"debounce" toml:"debounce"`
	MaxWait  Duration `yaml:"max_wait" toml:"max_wait"`
}

// StreamsConfig selects the project-wide channels opened on every connect
// next to the declared keys.
type StreamsConfig struct {
	// Time opens the server clock channel.
	Time bool `yaml:"time" toml:"time"`

	// Compute opens the computed reference channel for api.project.
	Compute bool `yaml:"compute" toml:"compute"`
}

// BatchConfig configures the update batcher.
type BatchConfig struct {
	Wait    Duration `yaml:"wait" toml:"wait"`
	MaxWait Duration `yaml:"max_wait" toml:"max_wait"`
}

// BootstrapConfig configures last-value loading.
type BootstrapConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	Meta      bool     `yaml:"meta" toml:"meta"`
	Coalesce  Duration `yaml:"coalesce" toml:"coalesce"`
	ChunkSize int      `yaml:"chunk_size" toml:"chunk_size"`
	Rate      float64  `yaml:"rate" toml:"rate"`
	Burst     int      `yaml:"burst" toml:"burst"`
}

// StalenessConfig configures classification.
type StalenessConfig struct {
	DefaultTimeout Duration            `yaml:"default_timeout" toml:"default_timeout"`
	Tables         map[string]Duration `yaml:"tables" toml:"tables"`
	OutputBuffer   int                 `yaml:"output_buffer" toml:"output_buffer"`
	InboxBuffer    int                 `yaml:"inbox_buffer" toml:"inbox_buffer"`
}

// TimeoutFor returns the timeout for keys of table.
func (s StalenessConfig) TimeoutFor(table string) time.Duration {
	if d, ok := s.Tables[table]; ok && d > 0 {
		return d.D()
	}
	return s.DefaultTimeout.D()
}

// ClockConfig configures the server clock.
type ClockConfig struct {
	TickInterval Duration `yaml:"tick_interval" toml:"tick_interval"`
	NTPServer    string   `yaml:"ntp_server" toml:"ntp_server"`
	NTPInterval  Duration `yaml:"ntp_interval" toml:"ntp_interval"`
}

// APIConfig configures the HTTP API client.
type APIConfig struct {
	BaseURL string   `yaml:"base_url" toml:"base_url"`
	Token   string   `yaml:"token" toml:"token"`
	Project string   `yaml:"project" toml:"project"`
	Timeout Duration `yaml:"timeout" toml:"timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level     string `yaml:"level" toml:"level"`
	Format    string `yaml:"format" toml:"format"`
	TraceFile string `yaml:"trace_file" toml:"trace_file"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
}

// DiscoveryConfig configures gateway discovery.
type DiscoveryConfig struct {
	Enabled bool     `yaml:"enabled" toml:"enabled"`
	Timeout Duration `yaml:"timeout" toml:"timeout"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Transport: TransportConfig{
			Codec:             "json",
			DialTimeout:       Duration(15 * time.Second),
			WriteTimeout:      Duration(10 * time.Second),
			AuthFailureMarker: "获取当前用户ID失败",
			TraceData:         1024,
		},
		Backoff: BackoffConfig{
			ShortDelay:    Duration(3 * time.Second),
			ShortAttempts: 10,
			LongDelay:     Duration(10 * time.Second),
			MaxAttempts:   20,
		},
		KeepAlive: KeepAliveConfig{
			Mode:     "ping",
			Interval: Duration(30 * time.Second),
			Text:     "client send keeplive message!",
		},
		Registry: RegistryConfig{
			Debounce: Duration(500 * time.Millisecond),
		},
		Streams: StreamsConfig{
			Time: true,
		},
		Batch: BatchConfig{
			Wait:    Duration(500 * time.Millisecond),
			MaxWait: Duration(1000 * time.Millisecond),
		},
		Bootstrap: BootstrapConfig{
			Enabled:   true,
			Coalesce:  Duration(100 * time.Millisecond),
			ChunkSize: 200,
			Rate:      5,
			Burst:     2,
		},
		Staleness: StalenessConfig{
			DefaultTimeout: Duration(60 * time.Second),
			OutputBuffer:   64,
			InboxBuffer:    1024,
		},
		Clock: ClockConfig{
			TickInterval: Duration(time.Second),
			NTPInterval:  Duration(10 * time.Minute),
		},
		API: APIConfig{
			Timeout: Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
		Discovery: DiscoveryConfig{
			Timeout: Duration(5 * time.Second),
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		_, err = toml.Decode(string(data), &cfg)
	default:
		return cfg, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot use.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Transport.Codec == "json" || c.Transport.Codec == "cbor", "transport.codec %q", c.Transport.Codec)
	check(c.Backoff.ShortDelay > 0 && c.Backoff.LongDelay > 0, "backoff delays must be positive")
	check(c.Backoff.ShortAttempts >= 0 && c.Backoff.ShortAttempts <= c.Backoff.MaxAttempts,
		"backoff.short_attempts %d exceeds max_attempts %d", c.Backoff.ShortAttempts, c.Backoff.MaxAttempts)
	check(c.Backoff.MaxAttempts > 0, "backoff.max_attempts must be positive")
	check(c.Backoff.Jitter >= 0 && c.Backoff.Jitter < 1, "backoff.jitter %v", c.Backoff.Jitter)
	check(c.KeepAlive.Mode == "ping" || c.KeepAlive.Mode == "text" || c.KeepAlive.Mode == "off",
		"keepalive.mode %q", c.KeepAlive.Mode)
	check(c.Registry.Debounce >= 0 && c.Registry.MaxWait >= 0, "registry durations must not be negative")
	check(c.Batch.Wait > 0, "batch.wait must be positive")
	check(c.Batch.MaxWait == 0 || c.Batch.MaxWait >= c.Batch.Wait, "batch.max_wait is shorter than batch.wait")
	check(c.Bootstrap.ChunkSize > 0, "bootstrap.chunk_size must be positive")
	check(c.Bootstrap.Rate >= 0, "bootstrap.rate must not be negative")
	check(c.Staleness.DefaultTimeout > 0, "staleness.default_timeout must be positive")
	check(c.Staleness.InboxBuffer > 0, "staleness.inbox_buffer must be positive")
	for table, d := range c.Staleness.Tables {
		check(d > 0, "staleness.tables.%s must be positive", table)
	}
	check(c.Clock.TickInterval > 0, "clock.tick_interval must be positive")
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format %q", c.Log.Format)

	return errors.Join(errs...)
}
