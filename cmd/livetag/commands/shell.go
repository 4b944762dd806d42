package commands

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/livetag/livetag-go/cmd/livetag/interactive"
	"github.com/livetag/livetag-go/internal/logging"
)

// ShellCmd starts the engine and drives it from an interactive prompt.
func ShellCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:     "shell",
		Aliases: []string{"interactive", "i"},
		Short:   "Declare, read and watch keys interactively",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()

			// The shell owns the terminal; route logs through it.
			sh, err := interactive.New(nil, interactive.Formatter{
				Value:    FormatValue,
				Stats:    FormatStats,
				ParseKey: ParseKeyArg,
			})
			if err != nil {
				return err
			}
			logger, err := logging.Configure(sh.Stdout(), cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				sh.Close()
				return err
			}

			e, err := startEngine(ctx, cfg, logger)
			if err != nil {
				sh.Close()
				return err
			}
			defer e.stop()

			sh.Attach(e.svc)
			sh.Run(ctx)
			return nil
		},
	}
}
