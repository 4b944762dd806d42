package service

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/livetag/livetag-go/pkg/batch"
	"github.com/livetag/livetag-go/pkg/bootstrap"
	"github.com/livetag/livetag-go/pkg/clock"
	tlog "github.com/livetag/livetag-go/pkg/log"
	"github.com/livetag/livetag-go/pkg/staleness"
	"github.com/livetag/livetag-go/pkg/subscription"
	"github.com/livetag/livetag-go/pkg/transport"
)

// Service errors.
var (
	ErrNotStarted     = errors.New("service not started")
	ErrAlreadyStarted = errors.New("service already started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// ServiceState represents the service state.
type ServiceState uint8

const (
	// StateIdle - service created but not started.
	StateIdle ServiceState = iota

	// StateStarting - service is starting up.
	StateStarting

	// StateRunning - service is running normally.
	StateRunning

	// StateStopping - service is shutting down.
	StateStopping

	// StateStopped - service has stopped. A stopped service cannot be
	// started again.
	StateStopped
)

// String returns the state name.
func (s ServiceState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Deps are the collaborators of a Service. Every field is optional.
type Deps struct {
	// Dialer opens stream connections. Nil dials with gorilla/websocket.
	Dialer transport.Dialer

	// Credentials are attached to every dial. Nil uses the api token and
	// project from the configuration.
	Credentials transport.Credentials

	// Fetcher loads last known values. Nil builds an HTTP client from the
	// api configuration, or disables bootstrap when no base URL is set.
	Fetcher bootstrap.Fetcher

	// MetaFetcher loads tag metadata when bootstrap.meta is set. Nil uses
	// Fetcher when it also implements MetaFetcher.
	MetaFetcher bootstrap.MetaFetcher

	// Clock is the local time source. Nil uses the system clock.
	Clock clock.Clock

	// Logger is the operational logger. Nil uses slog.Default().
	Logger *slog.Logger

	// Tracer receives protocol events.
	Tracer tlog.Logger

	// Registerer receives the metrics collectors. Nil disables metrics.
	Registerer prometheus.Registerer
}

// Stats is a snapshot of every component's counters.
type Stats struct {
	State     ServiceState
	Keys      int
	Transport transport.Stats
	Registry  subscription.Stats
	Batch     batch.Stats
	Bootstrap bootstrap.Stats
	Staleness staleness.Stats
	Clock     clock.Status
}
