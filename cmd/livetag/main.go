// Command livetag subscribes to a live data stream and keeps a local view
// of the declared keys with their staleness.
//
// Usage:
//
//	livetag [--config file] <command> [flags]
//
// Commands:
//
//	watch     Subscribe to keys and print every change
//	shell     Declare, read and watch keys interactively
//	discover  Find stream gateways via mDNS
//	trace     Inspect protocol trace files
//	config    Print the effective configuration
//
// Examples:
//
//	# Watch two tags of a meter
//	livetag watch --url ws://gw:8080/ws/data 'meter|m1|power' 'meter|m1|state'
//
//	# Interactive shell against the first gateway on the network
//	livetag --config livetag.yaml shell
//
//	# Announce a local gateway for testing
//	livetag discover announce lab-gw --port 8080
//
//	# Summarize a trace written with log.trace_file
//	livetag trace stats stream.trace
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/livetag/livetag-go/cmd/livetag/commands"
	"github.com/livetag/livetag-go/internal/logging"
)

// version is set at build time.
var version = "dev"

func main() {
	if _, err := logging.Configure(os.Stderr, logging.LevelWarn, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	var opts commands.Options

	root := &cobra.Command{
		Use:           "livetag",
		Short:         "Live data stream client with staleness tracking",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			_, err = logging.Configure(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			return err
		},
	}
	root.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "Configuration file (.yaml or .toml)")
	root.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&opts.URL, "url", "", "Stream URL (overrides transport.url)")
	root.PersistentFlags().StringVar(&opts.Token, "token", "", "Access token (overrides api.token)")
	root.PersistentFlags().StringVar(&opts.Project, "project", "", "Project ID (overrides api.project)")

	root.AddCommand(commands.WatchCmd(&opts))
	root.AddCommand(commands.ShellCmd(&opts))
	root.AddCommand(commands.DiscoverCmd())
	root.AddCommand(commands.TraceCmd())
	root.AddCommand(commands.ConfigCmd(&opts))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
