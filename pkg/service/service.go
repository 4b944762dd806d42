package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/livetag/livetag-go/pkg/api"
	"github.com/livetag/livetag-go/pkg/batch"
	"github.com/livetag/livetag-go/pkg/bootstrap"
	"github.com/livetag/livetag-go/pkg/clock"
	"github.com/livetag/livetag-go/pkg/config"
	"github.com/livetag/livetag-go/pkg/connection"
	"github.com/livetag/livetag-go/pkg/key"
	"github.com/livetag/livetag-go/pkg/metrics"
	"github.com/livetag/livetag-go/pkg/staleness"
	"github.com/livetag/livetag-go/pkg/store"
	"github.com/livetag/livetag-go/pkg/subscription"
	"github.com/livetag/livetag-go/pkg/transport"
	"github.com/livetag/livetag-go/pkg/wire"
)

// statsInterval is how often gauges are refreshed from component stats.
const statsInterval = 5 * time.Second

// Service is the engine's composition root.
type Service struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	store      *store.Store
	clock      *clock.ServerClock
	transport  *transport.Transport
	registry   *subscription.Registry
	batcher    *batch.Batcher
	classifier *staleness.Classifier
	loader     *bootstrap.Loader

	mu             sync.RWMutex
	state          ServiceState
	statusHandlers []func(transport.Status)
	cancel         context.CancelFunc
	group          *errgroup.Group
}

// New builds a service from cfg. Nothing runs until Start.
func New(cfg config.Config, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Transport.URL == "" {
		return nil, fmt.Errorf("%w: transport.url is required", ErrInvalidConfig)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := deps.Clock
	if base == nil {
		base = clock.System{}
	}

	s := &Service{
		cfg:     cfg,
		logger:  logger.With("component", "service"),
		metrics: metrics.New(deps.Registerer),
		store:   store.New(),
		clock:   clock.NewServerClock(base, logger),
	}

	tcfg, err := transportConfig(cfg)
	if err != nil {
		return nil, err
	}
	creds := deps.Credentials
	if creds == nil {
		creds = api.StaticTokens{AccessToken: cfg.API.Token, ProjectID: cfg.API.Project}
	}
	s.transport = transport.New(tcfg, deps.Dialer,
		transport.WithLogger(logger),
		transport.WithTracer(deps.Tracer),
		transport.WithCredentials(creds),
	)

	queries, err := channelQueries(cfg)
	if err != nil {
		return nil, err
	}
	s.registry = subscription.NewRegistry(&countingSender{next: s.transport, metrics: s.metrics},
		subscription.WithLogger(logger),
		subscription.WithDebounce(cfg.Registry.Debounce.D(), cfg.Registry.MaxWait.D()),
		subscription.WithChannelQueries(queries...),
	)
	s.batcher = batch.New(batch.SinkFunc(s.applyBatch),
		batch.WithLogger(logger),
		batch.WithWindow(cfg.Batch.Wait.D(), cfg.Batch.MaxWait.D()),
	)
	s.classifier = staleness.NewClassifier(
		staleness.WithLogger(logger),
		staleness.WithOutputBuffer(cfg.Staleness.OutputBuffer),
		staleness.WithInboxBuffer(cfg.Staleness.InboxBuffer),
	)

	if err := s.buildLoader(cfg, deps, logger); err != nil {
		return nil, err
	}

	s.transport.OnStatus(s.onStatus)
	s.transport.OnMessage(s.onMessage)
	if s.loader != nil {
		s.registry.OnDeclare(func(added []key.Key) { s.loader.Seed(added...) })
	}
	return s, nil
}

func (s *Service) buildLoader(cfg config.Config, deps Deps, logger *slog.Logger) error {
	if !cfg.Bootstrap.Enabled {
		return nil
	}

	fetcher := deps.Fetcher
	if fetcher == nil && cfg.API.BaseURL != "" {
		client, err := api.NewClient(cfg.API.BaseURL,
			api.StaticTokens{AccessToken: cfg.API.Token, ProjectID: cfg.API.Project},
			api.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout.D()}),
			api.WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		fetcher = client
	}
	if fetcher == nil {
		s.logger.Info("bootstrap disabled: no fetcher")
		return nil
	}

	opts := []bootstrap.Option{
		bootstrap.WithLogger(logger),
		bootstrap.WithCoalesce(cfg.Bootstrap.Coalesce.D()),
		bootstrap.WithChunkSize(cfg.Bootstrap.ChunkSize),
		bootstrap.WithRateLimit(cfg.Bootstrap.Rate, cfg.Bootstrap.Burst),
	}
	if cfg.Bootstrap.Meta {
		meta := deps.MetaFetcher
		if meta == nil {
			meta, _ = fetcher.(bootstrap.MetaFetcher)
		}
		if meta != nil {
			opts = append(opts, bootstrap.WithMetaFetcher(meta))
		}
	}
	s.loader = bootstrap.New(fetcher, loaderSink{s}, opts...)
	return nil
}

func transportConfig(cfg config.Config) (transport.Config, error) {
	codec, err := wire.CodecByName(cfg.Transport.Codec)
	if err != nil {
		return transport.Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var tiers []connection.Tier
	if cfg.Backoff.ShortAttempts > 0 {
		tiers = append(tiers, connection.Tier{UpTo: cfg.Backoff.ShortAttempts, Delay: cfg.Backoff.ShortDelay.D()})
	}
	tiers = append(tiers, connection.Tier{UpTo: cfg.Backoff.MaxAttempts, Delay: cfg.Backoff.LongDelay.D()})

	tc := transport.DefaultConfig(cfg.Transport.URL)
	tc.Codec = codec
	tc.Backoff = connection.BackoffConfig{
		Tiers:       tiers,
		MaxAttempts: cfg.Backoff.MaxAttempts,
		Jitter:      cfg.Backoff.Jitter,
	}
	tc.KeepAlive = transport.KeepAliveConfig{
		Mode:         transport.KeepAliveMode(cfg.KeepAlive.Mode),
		PingInterval: cfg.KeepAlive.Interval.D(),
		Text:         cfg.KeepAlive.Text,
	}
	tc.DialTimeout = cfg.Transport.DialTimeout.D()
	tc.WriteTimeout = cfg.Transport.WriteTimeout.D()
	tc.ReadTimeout = cfg.Transport.ReadTimeout.D()
	tc.AuthFailureMarker = cfg.Transport.AuthFailureMarker
	tc.MaxTraceData = cfg.Transport.TraceData
	return tc, nil
}

// Start launches the background loops and connects.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.group = g
	s.mu.Unlock()

	g.Go(func() error { return s.classifier.Run(gctx) })
	g.Go(func() error {
		s.applyTransitions()
		return nil
	})
	g.Go(func() error {
		clock.Tick(gctx, s.clock, s.cfg.Clock.TickInterval.D(), s.classifier.Tick)
		return nil
	})
	g.Go(func() error {
		s.sampleStats(gctx)
		return nil
	})
	if server := s.cfg.Clock.NTPServer; server != "" {
		g.Go(func() error {
			s.clock.RunNTP(gctx, server, s.cfg.Clock.NTPInterval.D())
			return nil
		})
	}

	if err := s.transport.Start(); err != nil {
		s.cancel()
		_ = g.Wait()
		s.setState(StateStopped)
		return fmt.Errorf("start transport: %w", err)
	}

	s.setState(StateRunning)
	s.logger.Info("service started", "url", s.cfg.Transport.URL, "bootstrap", s.loader != nil)
	return nil
}

// Shutdown stops the transport, flushes pending updates and waits for the
// background loops until ctx is done.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.state = StateStopping
	cancel, g := s.cancel, s.group
	s.mu.Unlock()

	s.transport.Stop()
	s.registry.Stop()
	s.batcher.Stop()
	if s.loader != nil {
		s.loader.Close()
	}
	cancel()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.setState(StateStopped)
	s.logger.Info("service stopped")
	return err
}

func (s *Service) setState(st ServiceState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// ServiceState returns the lifecycle state.
func (s *Service) ServiceState() ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Declare sets or extends a group's interest. Keys seen for the first time
// are bootstrapped once.
func (s *Service) Declare(group subscription.GroupID, keys []key.Key, mode subscription.Mode) {
	s.registry.Declare(group, keys, mode)
}

// Release tears a group's interest down.
func (s *Service) Release(group subscription.GroupID) {
	s.registry.Release(group)
}

// Read returns the store entry for k.
func (s *Service) Read(k key.Key) (store.TrackedValue, bool) {
	return s.store.Get(k.String())
}

// Watch calls fn on every write to k.
func (s *Service) Watch(k key.Key, fn store.Handler) (cancel func()) {
	return s.store.Watch(k.String(), fn)
}

// WatchFamily calls fn on every write to any field of table|record.
func (s *Service) WatchFamily(table, record string, fn store.Handler) (cancel func()) {
	return s.store.WatchFamily(key.Family(table, record), fn)
}

// OnStatus registers a transport status observer. Terminal statuses mean
// the stream stays down until the service is restarted.
func (s *Service) OnStatus(fn func(transport.Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusHandlers = append(s.statusHandlers, fn)
}

// State returns the connection state.
func (s *Service) State() transport.State {
	return s.transport.State()
}

// Store returns the backing store.
func (s *Service) Store() *store.Store {
	return s.store
}

// Clock returns the server clock.
func (s *Service) Clock() *clock.ServerClock {
	return s.clock
}

// Stats returns a snapshot of every component's counters.
func (s *Service) Stats() Stats {
	st := Stats{
		State:     s.ServiceState(),
		Keys:      s.store.Len(),
		Transport: s.transport.Stats(),
		Registry:  s.registry.Stats(),
		Batch:     s.batcher.Stats(),
		Staleness: s.classifier.Stats(),
		Clock:     s.clock.Status(),
	}
	if s.loader != nil {
		st.Bootstrap = s.loader.Stats()
	}
	return st
}
