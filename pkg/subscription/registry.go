package subscription

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livetag/livetag-go/internal/debounce"
	"github.com/livetag/livetag-go/pkg/key"
	"github.com/livetag/livetag-go/pkg/transport"
	"github.com/livetag/livetag-go/pkg/wire"
)

// Default debounce for subscribe commands.
const DefaultDebounce = 500 * time.Millisecond

// ErrUnknownMode is returned by ParseMode.
var ErrUnknownMode = errors.New("unknown declare mode")

// kinds lists the channels in send order.
var kinds = []key.Kind{key.KindTag, key.KindRecord}

// Mode selects how a declaration combines with the group's current set.
type Mode uint8

const (
	// ModeReplace sets the group's keys to exactly the declared keys.
	ModeReplace Mode = iota

	// ModeMerge adds the declared keys to the group's keys.
	ModeMerge
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeReplace:
		return "replace"
	case ModeMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// ParseMode parses "replace" or "merge".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "replace", "":
		return ModeReplace, nil
	case "merge":
		return ModeMerge, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// GroupID names a logical subscriber group.
type GroupID string

// NewGroupID returns a random group id.
func NewGroupID() GroupID {
	return GroupID(uuid.NewString())
}

// Sender delivers subscribe commands, usually a *transport.Transport.
type Sender interface {
	Send(msg wire.Outbound) error
}

// Stats holds registry counters.
type Stats struct {
	Groups     int
	TagKeys    int
	RecordKeys int
	Declares   uint64
	Releases   uint64
	Commands   uint64
	SendErrors uint64
	Resends    uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithChannelQueries sets queries sent ahead of the key unions on every
// connect, for channels that take no key list.
func WithChannelQueries(qs ...wire.ChannelQuery) Option {
	return func(r *Registry) { r.queries = append(r.queries, qs...) }
}

// WithDebounce sets the subscribe debounce. A maxWait of zero disables the
// upper bound.
func WithDebounce(wait, maxWait time.Duration) Option {
	return func(r *Registry) {
		r.wait = wait
		r.maxWait = maxWait
	}
}

// Registry holds the declared interest of every group and the per-channel
// union sent to the server.
type Registry struct {
	sender  Sender
	logger  *slog.Logger
	wait    time.Duration
	maxWait time.Duration
	queries []wire.ChannelQuery

	mu     sync.Mutex
	groups map[GroupID]key.Set
	refs   map[key.Kind]map[key.Key]int
	dirty  map[key.Kind]bool
	// last union handed to the sender per channel
	sent map[key.Kind]key.Set
	// record keys per family whose value is derived from record deltas
	derived map[string]key.Set

	onDeclare []func([]key.Key)

	declares, releases, commands, sendErrors, resends uint64

	// holds compute and send together so an older union never follows a newer one
	sendMu sync.Mutex

	debouncer *debounce.Debouncer
}

// NewRegistry creates a registry sending through sender.
func NewRegistry(sender Sender, opts ...Option) *Registry {
	r := &Registry{
		sender: sender,
		logger: slog.Default(),
		wait:   DefaultDebounce,
		groups: make(map[GroupID]key.Set),
		refs:   make(map[key.Kind]map[key.Key]int),
		dirty:  make(map[key.Kind]bool),
		sent:   make(map[key.Kind]key.Set),

		derived: make(map[string]key.Set),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "subscription")
	for _, k := range kinds {
		r.refs[k] = make(map[key.Key]int)
	}
	r.debouncer = debounce.New(r.wait, r.maxWait, r.flush)
	return r
}

// OnDeclare registers a hook receiving keys that entered the union. Hooks
// run on the declaring goroutine after the registry is updated.
func (r *Registry) OnDeclare(fn func(added []key.Key)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDeclare = append(r.onDeclare, fn)
}

// Declare updates the group's interest. Invalid keys are logged and
// skipped. The subscribe command follows asynchronously.
func (r *Registry) Declare(group GroupID, keys []key.Key, mode Mode) {
	next := key.NewSet()
	for _, k := range keys {
		if err := k.Validate(); err != nil {
			r.logger.Warn("skipping invalid key", "group", group, "error", err)
			continue
		}
		if !k.Kind.Declarable() {
			r.logger.Warn("skipping key that cannot be declared", "group", group, "key", k.String(), "kind", k.Kind)
			continue
		}
		next.Add(k)
	}

	r.mu.Lock()
	prev := r.groups[group]
	if mode == ModeMerge {
		next = next.Union(prev)
	}
	if len(next) == 0 {
		delete(r.groups, group)
	} else {
		r.groups[group] = next
	}
	r.declares++

	var added []key.Key
	for k := range next {
		if !prev.Has(k) && r.retainLocked(k) {
			added = append(added, k)
		}
	}
	changed := len(added) > 0
	for k := range prev {
		if !next.Has(k) && r.releaseLocked(k) {
			changed = true
		}
	}
	hooks := r.onDeclare
	r.mu.Unlock()

	r.logger.Debug("declared", "group", group, "mode", mode, "keys", len(next), "new", len(added))

	if changed {
		r.debouncer.Trigger()
	}
	if len(added) > 0 {
		key.SortKeys(added)
		for _, fn := range hooks {
			fn(added)
		}
	}
}

// Release tears the group down. Its keys leave the union unless another
// group still wants them.
func (r *Registry) Release(group GroupID) {
	r.mu.Lock()
	prev, ok := r.groups[group]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.groups, group)
	r.releases++

	changed := false
	for k := range prev {
		if r.releaseLocked(k) {
			changed = true
		}
	}
	r.mu.Unlock()

	r.logger.Debug("released", "group", group, "keys", len(prev))
	if changed {
		r.debouncer.Trigger()
	}
}

// retainLocked increments k's count and reports whether it entered the union.
func (r *Registry) retainLocked(k key.Key) bool {
	refs := r.refs[k.Kind]
	refs[k]++
	if refs[k] == 1 {
		r.dirty[k.Kind] = true
		if isDerived(k) {
			fam := k.Family()
			if r.derived[fam] == nil {
				r.derived[fam] = key.NewSet()
			}
			r.derived[fam].Add(k)
		}
		return true
	}
	return false
}

// releaseLocked decrements k's count and reports whether it left the union.
func (r *Registry) releaseLocked(k key.Key) bool {
	refs := r.refs[k.Kind]
	n, ok := refs[k]
	if !ok {
		return false
	}
	if n > 1 {
		refs[k] = n - 1
		return false
	}
	delete(refs, k)
	r.dirty[k.Kind] = true
	if isDerived(k) {
		fam := k.Family()
		delete(r.derived[fam], k)
		if len(r.derived[fam]) == 0 {
			delete(r.derived, fam)
		}
	}
	return true
}

// isDerived reports whether a record stream delta carries k only
// indirectly: the whole record or a path inside a field.
func isDerived(k key.Key) bool {
	return k.Kind == key.KindRecord && (k.Field == "" || k.Nested())
}

// Derived returns the union's record keys of a "table|record" family whose
// value is built from record deltas: the whole record and nested paths.
func (r *Registry) Derived(family string) []key.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.derived[family]) == 0 {
		return nil
	}
	return r.derived[family].Sorted()
}

// OnTransportStatus reopens the channel queries and re-asserts the full
// union on every connect.
func (r *Registry) OnTransportStatus(s transport.Status) {
	if s.Kind == transport.StatusConnected {
		r.Resend()
	}
}

// Resend cancels any pending debounce and immediately sends the channel
// queries and then the union of every non-empty channel, once each.
func (r *Registry) Resend() {
	r.debouncer.Cancel()

	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	cmds := make([]wire.Outbound, 0, len(r.queries)+len(kinds))
	for _, q := range r.queries {
		cmds = append(cmds, q)
	}

	r.mu.Lock()
	for _, kind := range kinds {
		delete(r.dirty, kind)
		union := r.unionLocked(kind)
		r.sent[kind] = union
		if len(union) > 0 {
			cmds = append(cmds, wire.Subscribe(kind, union.Sorted()))
		}
	}
	r.resends++
	r.mu.Unlock()

	r.send(cmds)
}

// Flush sends any pending change now.
func (r *Registry) Flush() {
	r.debouncer.Flush()
}

// Stop drops any pending change and ignores later ones.
func (r *Registry) Stop() {
	r.debouncer.Stop()
}

func (r *Registry) flush() {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	var cmds []wire.Outbound
	for _, kind := range kinds {
		if !r.dirty[kind] {
			continue
		}
		delete(r.dirty, kind)
		union := r.unionLocked(kind)
		if sameSet(union, r.sent[kind]) {
			continue
		}
		r.sent[kind] = union
		cmds = append(cmds, wire.Subscribe(kind, union.Sorted()))
	}
	r.mu.Unlock()

	r.send(cmds)
}

func (r *Registry) send(cmds []wire.Outbound) {
	for _, cmd := range cmds {
		channel, n := describe(cmd)
		err := r.sender.Send(cmd)

		r.mu.Lock()
		r.commands++
		if err != nil {
			r.sendErrors++
		}
		r.mu.Unlock()

		if err != nil {
			// The next connect re-sends everything.
			r.logger.Debug("subscribe not sent", "channel", channel, "keys", n, "error", err)
			continue
		}
		r.logger.Debug("subscribe sent", "channel", channel, "keys", n)
	}
}

func describe(cmd wire.Outbound) (channel string, keys int) {
	switch c := cmd.(type) {
	case wire.SubscribeCommand:
		return c.Channel, len(c.Data)
	case wire.ChannelQuery:
		return c.Channel, 0
	default:
		return cmd.CommandType(), 0
	}
}

func (r *Registry) unionLocked(kind key.Kind) key.Set {
	refs := r.refs[kind]
	out := make(key.Set, len(refs))
	for k := range refs {
		out[k] = struct{}{}
	}
	return out
}

func sameSet(a, b key.Set) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b.Has(k) {
			return false
		}
	}
	return true
}

// Union returns the channel's current union, sorted.
func (r *Registry) Union(kind key.Kind) []key.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unionLocked(kind).Sorted()
}

// Groups returns the ids of groups with declared keys, sorted.
func (r *Registry) Groups() []GroupID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]GroupID, 0, len(r.groups))
	for g := range r.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GroupKeys returns the group's keys, sorted.
func (r *Registry) GroupKeys(group GroupID) []key.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.groups[group].Sorted()
}

// Stats returns a snapshot of the counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Groups:     len(r.groups),
		TagKeys:    len(r.refs[key.KindTag]),
		RecordKeys: len(r.refs[key.KindRecord]),
		Declares:   r.declares,
		Releases:   r.releases,
		Commands:   r.commands,
		SendErrors: r.sendErrors,
		Resends:    r.resends,
	}
}
