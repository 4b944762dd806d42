package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/livetag/livetag-go/pkg/batch"
	"github.com/livetag/livetag-go/pkg/bootstrap"
	"github.com/livetag/livetag-go/pkg/config"
	"github.com/livetag/livetag-go/pkg/key"
	"github.com/livetag/livetag-go/pkg/metrics"
	"github.com/livetag/livetag-go/pkg/staleness"
	"github.com/livetag/livetag-go/pkg/store"
	"github.com/livetag/livetag-go/pkg/transport"
	"github.com/livetag/livetag-go/pkg/wire"
)

// countingSender counts subscribe commands per channel on their way to
// the transport.
type countingSender struct {
	next    *transport.Transport
	metrics *metrics.Metrics
}

func (c *countingSender) Send(msg wire.Outbound) error {
	switch cmd := msg.(type) {
	case wire.SubscribeCommand:
		c.metrics.SubscribeCommands.With(cmd.Channel).Inc()
	case wire.ChannelQuery:
		c.metrics.SubscribeCommands.With(cmd.Channel).Inc()
	}
	return c.next.Send(msg)
}

// channelQueries returns the project-wide channels opened on every connect.
func channelQueries(cfg config.Config) ([]wire.ChannelQuery, error) {
	var qs []wire.ChannelQuery
	if cfg.Streams.Time {
		qs = append(qs, wire.TimeQuery())
	}
	if cfg.Streams.Compute {
		if cfg.API.Project == "" {
			return nil, fmt.Errorf("%w: streams.compute needs api.project", ErrInvalidConfig)
		}
		qs = append(qs, wire.ReferenceQuery(cfg.API.Project))
	}
	return qs, nil
}

// onMessage runs on the transport's read goroutine.
func (s *Service) onMessage(msg wire.Inbound) {
	if msg.IsClock() {
		if err := s.clock.Observe(msg.Time.Time); err != nil {
			s.logger.Debug("ignoring clock message", "error", err)
		}
		return
	}
	if msg.Reference != nil {
		s.applyReference(msg.Reference)
		return
	}
	if msg.Data == nil {
		return
	}

	kind, ok := msg.Kind()
	if !ok {
		s.logger.Debug("ignoring unknown channel", "channel", msg.Channel)
		return
	}
	d := msg.Data
	if err := d.Validate(); err != nil {
		s.logger.Warn("dropping delta", "channel", msg.Channel, "error", err)
		return
	}

	observed := d.Time.Time
	if observed.IsZero() {
		observed = s.clock.Now()
	}

	keys := d.Keys(kind)
	updates := make([]batch.Update, 0, len(keys))
	for _, k := range keys {
		composite := k.String()
		s.noteDelta(composite)
		updates = append(updates, batch.Update{Key: composite, Value: d.Fields[k.Field], ObservedAt: observed})
	}
	if kind == key.KindRecord {
		updates = s.deriveRecordUpdates(d, observed, updates)
	}
	s.metrics.Deltas.Add(float64(len(updates)))
	s.batcher.Add(updates...)
}

// deriveRecordUpdates adds updates for the declared keys of the delta's
// record that no single field carries: the whole record, merged with the
// delta's fields, and paths inside a field.
func (s *Service) deriveRecordUpdates(d *wire.Delta, observed time.Time, updates []batch.Update) []batch.Update {
	for _, k := range s.registry.Derived(key.Family(d.TableID, d.RecordID())) {
		composite := k.String()
		if k.Field == "" {
			s.noteDelta(composite)
			updates = append(updates, batch.Update{Key: composite, Value: d.Fields, ObservedAt: observed, Merge: true})
			continue
		}

		top, ok := d.Fields[k.TopField()]
		if !ok {
			continue
		}
		v, ok := wire.Lookup(top, k.Path()[1:])
		if !ok {
			continue
		}
		s.noteDelta(composite)
		updates = append(updates, batch.Update{Key: composite, Value: v, ObservedAt: observed})
	}
	return updates
}

func (s *Service) noteDelta(composite string) {
	if s.loader != nil {
		s.loader.NoteDelta(composite)
	}
}

// applyReference writes a computed value straight to the store. References
// carry no observation time and are not classified.
func (s *Service) applyReference(ref *wire.Reference) {
	s.store.ApplyValues(map[string]store.ValueUpdate{
		ref.Key().String(): {Value: ref.StoredValue(), ObservedAt: s.clock.Now()},
	})
	s.metrics.References.Inc()
}

// applyBatch is the batcher's sink.
func (s *Service) applyBatch(updates map[string]store.ValueUpdate) {
	s.store.ApplyValues(updates)

	regs := make([]staleness.Registration, 0, len(updates))
	for k, u := range updates {
		regs = append(regs, staleness.Registration{Key: k, ObservedAt: u.ObservedAt, Timeout: s.timeoutFor(k)})
	}
	s.classifier.Register(regs...)

	s.metrics.Flushes.Inc()
	s.metrics.FlushSize.Observe(float64(len(updates)))
}

// timeoutFor returns the staleness timeout of a composite key.
func (s *Service) timeoutFor(composite string) time.Duration {
	table, _, _ := strings.Cut(composite, key.Separator)
	return s.cfg.Staleness.TimeoutFor(table)
}

// loaderSink feeds bootstrap samples through the same path as stream
// batches.
type loaderSink struct{ s *Service }

func (l loaderSink) ApplySamples(samples []bootstrap.Sample) {
	updates := make(map[string]store.ValueUpdate, len(samples))
	for _, smp := range samples {
		updates[smp.Key.String()] = store.ValueUpdate{Value: smp.Value, ObservedAt: smp.ObservedAt}
	}
	l.s.applyBatch(updates)
}

func (l loaderSink) ApplyMeta(meta map[string]map[string]any) {
	l.s.store.ApplyMeta(meta)
}

// applyTransitions writes level changes until the classifier stops.
func (s *Service) applyTransitions() {
	for ts := range s.classifier.Transitions() {
		s.store.ApplyLevels(ts)
		for _, t := range ts {
			s.metrics.Transitions.With(t.Level.String()).Inc()
		}
	}
}

// onStatus runs on transport goroutines. The registry sees every status
// before the owner callbacks so the union is re-asserted first.
func (s *Service) onStatus(st transport.Status) {
	s.registry.OnTransportStatus(st)

	s.metrics.TransportStatus.With(st.Kind.String()).Inc()
	switch st.Kind {
	case transport.StatusConnected:
		s.metrics.Connected.Set(1)
	case transport.StatusReconnecting:
		s.metrics.ReconnectAttempts.Inc()
		s.metrics.Connected.Set(0)
	case transport.StatusDisconnected, transport.StatusGaveUp, transport.StatusAuthRejected, transport.StatusClosed:
		s.metrics.Connected.Set(0)
	}

	switch st.Kind {
	case transport.StatusGaveUp:
		s.logger.Error("stream gave up reconnecting", "attempts", st.Attempt, "error", st.Err)
	case transport.StatusAuthRejected:
		s.logger.Error("stream session rejected", "error", st.Err)
	}

	s.mu.RLock()
	handlers := append([]func(transport.Status){}, s.statusHandlers...)
	s.mu.RUnlock()
	for _, fn := range handlers {
		fn(st)
	}
}

// sampleStats refreshes gauges and counters kept by the components.
func (s *Service) sampleStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	var prev Stats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prev = s.recordStats(prev)
		}
	}
}

func (s *Service) recordStats(prev Stats) Stats {
	cur := s.Stats()
	m := s.metrics

	m.TrackedKeys.Set(float64(cur.Keys))
	m.UnionKeys.With(key.KindTag.Channel()).Set(float64(cur.Registry.TagKeys))
	m.UnionKeys.With(key.KindRecord.Channel()).Set(float64(cur.Registry.RecordKeys))

	m.FramesIn.Add(float64(cur.Transport.FramesIn - prev.Transport.FramesIn))
	m.DecodeErrors.Add(float64(cur.Transport.DecodeErrors - prev.Transport.DecodeErrors))
	m.Collapsed.Add(float64(cur.Batch.Collapsed - prev.Batch.Collapsed))
	m.BootstrapFetches.Add(float64(cur.Bootstrap.Fetches - prev.Bootstrap.Fetches))
	m.BootstrapFailures.Add(float64(cur.Bootstrap.Failures - prev.Bootstrap.Failures))
	m.BootstrapDiscarded.Add(float64(cur.Bootstrap.Discarded - prev.Bootstrap.Discarded))
	m.ClassifierDropped.Add(float64(cur.Staleness.Dropped - prev.Staleness.Dropped))
	m.ClassifierInvalid.Add(float64(cur.Staleness.Invalid - prev.Staleness.Invalid))
	return cur
}
