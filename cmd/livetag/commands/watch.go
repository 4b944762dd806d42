package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/livetag/livetag-go/pkg/key"
	"github.com/livetag/livetag-go/pkg/store"
	"github.com/livetag/livetag-go/pkg/subscription"
	"github.com/livetag/livetag-go/pkg/transport"
)

// errStreamEnded is returned when the transport gives up for good.
var errStreamEnded = errors.New("stream ended")

// WatchCmd streams changes of the given keys until interrupted.
func WatchCmd(opts *Options) *cobra.Command {
	var (
		group    string
		mode     string
		families []string
	)

	cmd := &cobra.Command{
		Use:   "watch [kind:]table|record[|field]...",
		Short: "Subscribe to keys and print every change",
		Example: `  livetag watch --url ws://gw:8080/ws/data 'meter|m1|power' 'meter|m1|state'
  livetag watch 'record:orders|o1|status' --family 'orders|o1'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := ParseKeyArgs(args)
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				return errors.New("at least one key is required")
			}
			m, err := subscription.ParseMode(mode)
			if err != nil {
				return err
			}

			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := startEngine(ctx, cfg, slog.Default())
			if err != nil {
				return err
			}
			defer e.stop()

			return runWatch(ctx, e, watchRequest{
				Group:    subscription.GroupID(group),
				Mode:     m,
				Keys:     keys,
				Families: families,
			}, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&group, "group", "cli", "Subscription group name")
	cmd.Flags().StringVar(&mode, "mode", "replace", "Declare mode: replace or merge")
	cmd.Flags().StringSliceVar(&families, "family", nil, "Also print every key of table|record")
	return cmd
}

type watchRequest struct {
	Group    subscription.GroupID
	Mode     subscription.Mode
	Keys     []key.Key
	Families []string
}

// lineWriter serializes handler output; store handlers run on writer
// goroutines.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) handler(k string, v store.TrackedValue) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, FormatValue(k, v))
}

func runWatch(ctx context.Context, e *engine, req watchRequest, out, errOut io.Writer) error {
	lw := &lineWriter{w: out}

	var cancels []func()
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	seen := make(map[string]bool, len(req.Keys))
	for _, k := range req.Keys {
		if seen[k.String()] {
			continue
		}
		seen[k.String()] = true
		cancels = append(cancels, e.svc.Watch(k, lw.handler))
	}
	for _, fam := range req.Families {
		table, record, ok := strings.Cut(fam, key.Separator)
		if !ok {
			return fmt.Errorf("%w: family %q", key.ErrInvalidKey, fam)
		}
		cancels = append(cancels, e.svc.WatchFamily(table, record, lw.handler))
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	e.svc.OnStatus(func(st transport.Status) {
		switch st.Kind {
		case transport.StatusConnected:
			fmt.Fprintf(errOut, "connected (%s)\n", shortenConnID(st.ConnectionID))
		case transport.StatusReconnecting:
			fmt.Fprintf(errOut, "reconnecting in %s (attempt %d)\n", st.Delay, st.Attempt)
		case transport.StatusGaveUp, transport.StatusAuthRejected:
			cancel(fmt.Errorf("%w: %s", errStreamEnded, st.Kind))
		}
	})

	e.svc.Declare(req.Group, req.Keys, req.Mode)

	<-ctx.Done()
	if err := context.Cause(ctx); errors.Is(err, errStreamEnded) {
		return err
	}
	return nil
}
