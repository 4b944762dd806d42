// Package metrics exposes engine counters to Prometheus.
//
// Every collector is created through New. Without a registerer the
// collectors are no-ops, so components can record unconditionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "livetag"

// Counter is a monotonically increasing value.
type Counter interface {
	Inc()
	Add(float64)
}

// Gauge is a value that can go up and down.
type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
	Sub(float64)
}

// Histogram samples observations.
type Histogram interface {
	Observe(float64)
}

// CounterVec is a labeled counter family.
type CounterVec interface {
	With(labels ...string) Counter
}

// GaugeVec is a labeled gauge family.
type GaugeVec interface {
	With(labels ...string) Gauge
}

// NoopStat discards everything.
type NoopStat struct{}

func (NoopStat) Inc()            {}
func (NoopStat) Dec()            {}
func (NoopStat) Add(float64)     {}
func (NoopStat) Sub(float64)     {}
func (NoopStat) Set(float64)     {}
func (NoopStat) Observe(float64) {}

type noopCounterVec struct{}
type noopGaugeVec struct{}

func (noopCounterVec) With(...string) Counter { return NoopStat{} }
func (noopGaugeVec) With(...string) Gauge     { return NoopStat{} }

type prometheusCounterVec struct {
	vec *prometheus.CounterVec
}

func (p *prometheusCounterVec) With(labelValues ...string) Counter {
	return p.vec.WithLabelValues(labelValues...)
}

type prometheusGaugeVec struct {
	vec *prometheus.GaugeVec
}

func (p *prometheusGaugeVec) With(labelValues ...string) Gauge {
	return p.vec.WithLabelValues(labelValues...)
}

// Metrics holds the engine's collectors.
type Metrics struct {
	// Transport
	FramesIn          Counter
	DecodeErrors      Counter
	TransportStatus   CounterVec // status
	ReconnectAttempts Counter
	Connected         Gauge

	// Registry
	SubscribeCommands CounterVec // channel
	UnionKeys         GaugeVec   // channel

	// Batcher
	Deltas     Counter
	References Counter
	Flushes    Counter
	FlushSize Histogram
	Collapsed Counter

	// Bootstrap
	BootstrapFetches   Counter
	BootstrapFailures  Counter
	BootstrapDiscarded Counter

	// Classifier
	Transitions       CounterVec // level
	ClassifierDropped Counter
	ClassifierInvalid Counter

	// Store
	TrackedKeys Gauge
}

type factory struct {
	reg prometheus.Registerer
}

// New creates the collectors and registers them with reg. A nil reg
// returns no-op collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := factory{reg: reg}
	return &Metrics{
		FramesIn:          f.counter("transport", "frames_in_total", "Stream frames received."),
		DecodeErrors:      f.counter("transport", "decode_errors_total", "Stream frames that could not be decoded."),
		TransportStatus:   f.counterVec("transport", "status_total", "Transport status notifications by kind.", "status"),
		ReconnectAttempts: f.counter("transport", "reconnect_attempts_total", "Scheduled reconnect attempts."),
		Connected:         f.gauge("transport", "connected", "1 while the stream is connected."),

		SubscribeCommands: f.counterVec("registry", "subscribe_commands_total", "Subscribe commands sent by channel.", "channel"),
		UnionKeys:         f.gaugeVec("registry", "union_keys", "Keys in the subscribed union by channel.", "channel"),

		Deltas:     f.counter("batch", "updates_total", "Field updates received from the stream."),
		References: f.counter("store", "references_total", "Computed reference values received from the stream."),
		Flushes:    f.counter("batch", "flushes_total", "Batches written to the store."),
		FlushSize:  f.histogram("batch", "flush_size", "Keys per flushed batch.", prometheus.ExponentialBuckets(1, 4, 8)),
		Collapsed:  f.counter("batch", "collapsed_total", "Updates replaced by a later value in the same window."),

		BootstrapFetches:   f.counter("bootstrap", "fetches_total", "Bootstrap fetch requests."),
		BootstrapFailures:  f.counter("bootstrap", "failures_total", "Failed bootstrap fetch requests."),
		BootstrapDiscarded: f.counter("bootstrap", "discarded_total", "Fetched samples discarded for a newer delta."),

		Transitions:       f.counterVec("staleness", "transitions_total", "Staleness level transitions by new level.", "level"),
		ClassifierDropped: f.counter("staleness", "dropped_total", "Registrations dropped because the classifier inbox was full."),
		ClassifierInvalid: f.counter("staleness", "invalid_total", "Classifier inputs dropped as invalid."),

		TrackedKeys: f.gauge("store", "keys", "Entries in the store."),
	}
}

func (f factory) counter(subsystem, name, help string) Counter {
	if f.reg == nil {
		return NoopStat{}
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help})
	f.reg.MustRegister(c)
	return c
}

func (f factory) counterVec(subsystem, name, help string, labels ...string) CounterVec {
	if f.reg == nil {
		return noopCounterVec{}
	}
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
	f.reg.MustRegister(v)
	return &prometheusCounterVec{vec: v}
}

func (f factory) gauge(subsystem, name, help string) Gauge {
	if f.reg == nil {
		return NoopStat{}
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help})
	f.reg.MustRegister(g)
	return g
}

func (f factory) gaugeVec(subsystem, name, help string, labels ...string) GaugeVec {
	if f.reg == nil {
		return noopGaugeVec{}
	}
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
	f.reg.MustRegister(v)
	return &prometheusGaugeVec{vec: v}
}

func (f factory) histogram(subsystem, name, help string, buckets []float64) Histogram {
	if f.reg == nil {
		return NoopStat{}
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets})
	f.reg.MustRegister(h)
	return h
}

// NewRegistry returns a registry with process and Go runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// Handler serves the registry's metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
