// Package commands implements the livetag CLI commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/livetag/livetag-go/internal/logging"
	"github.com/livetag/livetag-go/pkg/config"
	"github.com/livetag/livetag-go/pkg/discovery"
	tlog "github.com/livetag/livetag-go/pkg/log"
	"github.com/livetag/livetag-go/pkg/metrics"
	"github.com/livetag/livetag-go/pkg/service"
)

// shutdownTimeout bounds how long a command waits for the engine to drain.
const shutdownTimeout = 5 * time.Second

// Options are the flags shared by every command.
type Options struct {
	ConfigPath string
	Debug      bool

	// Overrides applied on top of the configuration file.
	URL     string
	Token   string
	Project string
}

// LoadConfig reads the configuration file, when one is given, and applies
// the flag overrides.
func (o *Options) LoadConfig() (config.Config, error) {
	cfg := config.Default()
	if o.ConfigPath != "" {
		loaded, err := config.Load(o.ConfigPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if o.URL != "" {
		cfg.Transport.URL = o.URL
	}
	if o.Token != "" {
		cfg.API.Token = o.Token
	}
	if o.Project != "" {
		cfg.API.Project = o.Project
	}
	if o.Debug {
		cfg.Log.Level = logging.LevelDebug
	}
	return cfg, nil
}

// resolveGateway fills the stream and API URLs from the first gateway
// found on the local network when no stream URL is configured.
func resolveGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Transport.URL != "" || !cfg.Discovery.Enabled {
		return nil
	}

	browser := discovery.NewMDNSBrowser(discovery.BrowserConfig{BrowseTimeout: cfg.Discovery.Timeout.D()})
	defer browser.Stop()

	gw, err := browser.Find(ctx)
	if err != nil {
		return fmt.Errorf("discover gateway: %w", err)
	}
	streamURL, err := gw.StreamURL()
	if err != nil {
		return fmt.Errorf("gateway %s: %w", gw.InstanceName, err)
	}
	cfg.Transport.URL = streamURL

	if cfg.API.BaseURL == "" {
		if apiURL, err := gw.APIBaseURL(); err == nil {
			cfg.API.BaseURL = apiURL
		}
	}
	if cfg.API.Project == "" {
		cfg.API.Project = gw.Project
	}

	logger.Info("using discovered gateway", "name", gw.InstanceName, "url", cfg.Transport.URL)
	return nil
}

// engine is a running service plus the process-level resources the CLI
// attaches to it.
type engine struct {
	svc     *service.Service
	logger  *slog.Logger
	tracer  *tlog.FileLogger
	metrics *http.Server
}

// startEngine builds and starts the service described by cfg.
func startEngine(ctx context.Context, cfg config.Config, logger *slog.Logger) (*engine, error) {
	if err := resolveGateway(ctx, &cfg, logger); err != nil {
		return nil, err
	}

	e := &engine{logger: logger}
	deps := service.Deps{Logger: logger}

	tracer, fl, err := buildTracer(cfg, logger)
	if err != nil {
		return nil, err
	}
	e.tracer = fl
	deps.Tracer = tracer

	if cfg.Metrics.Enabled {
		reg := metrics.NewRegistry()
		deps.Registerer = reg
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		e.metrics = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	svc, err := service.New(cfg, deps)
	if err != nil {
		e.closeTracer()
		return nil, err
	}
	e.svc = svc

	if e.metrics != nil {
		go func() {
			if err := e.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
	}

	if err := svc.Start(ctx); err != nil {
		e.stopMetrics(context.Background())
		e.closeTracer()
		return nil, err
	}
	return e, nil
}

// buildTracer returns the stream tracer for cfg: the trace file when one
// is configured, plus the application log at debug level. The file logger
// is returned separately so the caller can close it. tracer is nil when
// neither applies.
func buildTracer(cfg config.Config, logger *slog.Logger) (tracer tlog.Logger, file *tlog.FileLogger, err error) {
	var sinks []tlog.Logger
	if path := cfg.Log.TraceFile; path != "" {
		file, err = tlog.NewFileLogger(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open trace file: %w", err)
		}
		sinks = append(sinks, file)
	}
	if cfg.Log.Level == logging.LevelDebug {
		sinks = append(sinks, tlog.NewSlogAdapter(logger.With("component", "trace")))
	}

	switch len(sinks) {
	case 0:
		return nil, nil, nil
	case 1:
		return sinks[0], file, nil
	default:
		return tlog.NewMultiLogger(sinks...), file, nil
	}
}

// stop shuts the service down and releases the attached resources.
func (e *engine) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.svc.Shutdown(ctx); err != nil {
		e.logger.Warn("shutdown incomplete", "error", err)
	}
	e.stopMetrics(ctx)
	e.closeTracer()
}

func (e *engine) stopMetrics(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	if err := e.metrics.Shutdown(ctx); err != nil {
		e.logger.Warn("metrics server shutdown", "error", err)
	}
}

func (e *engine) closeTracer() {
	if e.tracer == nil {
		return
	}
	if err := e.tracer.Close(); err != nil {
		e.logger.Warn("close trace file", "error", err)
	}
}
