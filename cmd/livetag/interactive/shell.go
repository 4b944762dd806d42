// Package interactive provides the interactive command-line interface
// for livetag.
package interactive

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/livetag/livetag-go/pkg/key"
	"github.com/livetag/livetag-go/pkg/service"
	"github.com/livetag/livetag-go/pkg/store"
	"github.com/livetag/livetag-go/pkg/subscription"
	"github.com/livetag/livetag-go/pkg/transport"
)

// Engine is the part of the service the shell drives.
type Engine interface {
	Declare(group subscription.GroupID, keys []key.Key, mode subscription.Mode)
	Release(group subscription.GroupID)
	Read(k key.Key) (store.TrackedValue, bool)
	Watch(k key.Key, fn store.Handler) (cancel func())
	WatchFamily(table, record string, fn store.Handler) (cancel func())
	State() transport.State
	Stats() service.Stats
}

// Formatter renders values and stats for display.
type Formatter struct {
	Value    func(composite string, v store.TrackedValue) string
	Stats    func(s service.Stats) string
	ParseKey func(s string) (key.Key, error)
}

// Shell handles interactive mode.
type Shell struct {
	engine Engine
	format Formatter
	rl     *readline.Instance
	out    io.Writer

	mu      sync.Mutex
	groups  map[subscription.GroupID][]key.Key
	watches map[string]func()
}

// New creates a shell reading from the terminal. engine may be nil and
// set later with Attach.
func New(engine Engine, format Formatter) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "livetag> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	s := newShell(engine, format, rl.Stdout())
	s.rl = rl
	return s, nil
}

func newShell(engine Engine, format Formatter, out io.Writer) *Shell {
	return &Shell{
		engine:  engine,
		format:  format,
		out:     out,
		groups:  make(map[subscription.GroupID][]key.Key),
		watches: make(map[string]func()),
	}
}

// Attach sets the engine the shell drives. It must be called before Run.
func (s *Shell) Attach(engine Engine) {
	s.engine = engine
}

// Close releases the terminal without running the loop.
func (s *Shell) Close() error {
	if s.rl == nil {
		return nil
	}
	return s.rl.Close()
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (s *Shell) Stdout() io.Writer {
	return s.out
}

// Run starts the interactive command loop. It returns when the user quits,
// input ends or ctx is done.
func (s *Shell) Run(ctx context.Context) {
	defer s.rl.Close()
	defer s.unwatchAll()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			return
		}

		if !s.Execute(line) {
			return
		}
	}
}

// Execute runs one command line. It returns false when the shell should
// exit.
func (s *Shell) Execute(line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "declare", "d":
		s.cmdDeclare(args)
	case "release":
		s.cmdRelease(args)
	case "groups", "g":
		s.cmdGroups()
	case "read", "r":
		s.cmdRead(args)
	case "watch", "w":
		s.cmdWatch(args)
	case "unwatch":
		s.cmdUnwatch(args)
	case "state":
		fmt.Fprintf(s.out, "Connection: %s\n", s.engine.State())
	case "stats", "status":
		fmt.Fprint(s.out, s.format.Stats(s.engine.Stats()))
	case "quit", "exit", "q":
		fmt.Fprintln(s.out, "Exiting...")
		return false
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (s *Shell) printHelp() {
	fmt.Fprint(s.out, `
Commands:
  declare <group> <replace|merge> <key>...  Declare a group's interest
  release <group>                           Release a group
  groups                                    List declared groups
  read <key>...                             Print the stored value of keys
  watch <key>|<table|record>                Print changes of a key or record
  unwatch [<key>]                           Stop watching (all when omitted)
  state                                     Show the connection state
  stats                                     Show engine counters
  help                                      Show this help
  quit                                      Exit

Keys are written [tag:|record:]table|record|field.
`)
}

func (s *Shell) cmdDeclare(args []string) {
	if len(args) < 3 {
		fmt.Fprintln(s.out, "Usage: declare <group> <replace|merge> <key>...")
		return
	}
	mode, err := subscription.ParseMode(args[1])
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	keys, err := s.parseKeys(args[2:])
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}

	group := subscription.GroupID(args[0])
	s.engine.Declare(group, keys, mode)

	s.mu.Lock()
	if mode == subscription.ModeMerge {
		keys = mergeKeys(s.groups[group], keys)
	}
	s.groups[group] = keys
	s.mu.Unlock()

	fmt.Fprintf(s.out, "Declared %d keys in %s (%s)\n", len(keys), group, mode)
}

func (s *Shell) cmdRelease(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: release <group>")
		return
	}
	group := subscription.GroupID(args[0])

	s.mu.Lock()
	_, ok := s.groups[group]
	delete(s.groups, group)
	s.mu.Unlock()

	if !ok {
		fmt.Fprintf(s.out, "Group %s is not declared\n", group)
		return
	}
	s.engine.Release(group)
	fmt.Fprintf(s.out, "Released %s\n", group)
}

func (s *Shell) cmdGroups() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.groups) == 0 {
		fmt.Fprintln(s.out, "No groups declared")
		return
	}
	names := make([]string, 0, len(s.groups))
	for g := range s.groups {
		names = append(names, string(g))
	}
	sort.Strings(names)
	for _, name := range names {
		keys := s.groups[subscription.GroupID(name)]
		fmt.Fprintf(s.out, "  %s (%d keys)\n", name, len(keys))
		for _, k := range keys {
			fmt.Fprintf(s.out, "    %s %s\n", k.Kind, k)
		}
	}
}

func (s *Shell) cmdRead(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(s.out, "Usage: read <key>...")
		return
	}
	keys, err := s.parseKeys(args)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	for _, k := range keys {
		v, ok := s.engine.Read(k)
		if !ok {
			fmt.Fprintf(s.out, "%s: no data\n", k)
			continue
		}
		fmt.Fprintln(s.out, s.format.Value(k.String(), v))
	}
}

func (s *Shell) cmdWatch(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: watch <key>|<table|record>")
		return
	}
	target := args[0]

	s.mu.Lock()
	_, dup := s.watches[target]
	s.mu.Unlock()
	if dup {
		fmt.Fprintf(s.out, "Already watching %s\n", target)
		return
	}

	handler := func(k string, v store.TrackedValue) {
		fmt.Fprintf(s.out, "[watch] %s\n", s.format.Value(k, v))
	}

	var cancel func()
	if parts := strings.Split(target, key.Separator); len(parts) == 2 && !strings.Contains(parts[0], ":") {
		cancel = s.engine.WatchFamily(parts[0], parts[1], handler)
	} else {
		k, err := s.format.ParseKey(target)
		if err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
			return
		}
		cancel = s.engine.Watch(k, handler)
	}

	s.mu.Lock()
	s.watches[target] = cancel
	s.mu.Unlock()
	fmt.Fprintf(s.out, "Watching %s\n", target)
}

func (s *Shell) cmdUnwatch(args []string) {
	if len(args) == 0 {
		n := s.unwatchAll()
		fmt.Fprintf(s.out, "Stopped %d watches\n", n)
		return
	}

	s.mu.Lock()
	cancel, ok := s.watches[args[0]]
	delete(s.watches, args[0])
	s.mu.Unlock()

	if !ok {
		fmt.Fprintf(s.out, "Not watching %s\n", args[0])
		return
	}
	cancel()
	fmt.Fprintf(s.out, "Stopped watching %s\n", args[0])
}

func (s *Shell) unwatchAll() int {
	s.mu.Lock()
	watches := s.watches
	s.watches = make(map[string]func())
	s.mu.Unlock()

	for _, cancel := range watches {
		cancel()
	}
	return len(watches)
}

func (s *Shell) parseKeys(args []string) ([]key.Key, error) {
	keys := make([]key.Key, 0, len(args))
	for _, a := range args {
		k, err := s.format.ParseKey(a)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func mergeKeys(have, add []key.Key) []key.Key {
	set := key.NewSet(have...)
	out := append([]key.Key(nil), have...)
	for _, k := range add {
		if set.Add(k) {
			out = append(out, k)
		}
	}
	return out
}
