package commands

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/livetag/livetag-go/pkg/discovery"
)

// DiscoverCmd lists gateways advertised on the local network.
func DiscoverCmd() *cobra.Command {
	var (
		timeout time.Duration
		iface   string
		first   bool
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find stream gateways via mDNS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			browser := discovery.NewMDNSBrowser(discovery.BrowserConfig{BrowseTimeout: timeout, Interface: iface})
			defer browser.Stop()

			out := cmd.OutOrStdout()
			if first {
				gw, err := browser.Find(ctx)
				if err != nil {
					return err
				}
				printGateway(out, gw)
				return nil
			}

			found, err := browser.Browse(ctx)
			if err != nil {
				return err
			}
			n := 0
			for gw := range found {
				printGateway(out, gw)
				n++
			}
			if n == 0 {
				fmt.Fprintln(out, "No gateways found")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", discovery.BrowseTimeout, "How long to browse")
	cmd.Flags().StringVar(&iface, "interface", "", "Network interface to browse on (default: all)")
	cmd.Flags().BoolVar(&first, "first", false, "Stop at the first gateway found")
	cmd.AddCommand(announceCmd())
	return cmd
}

// announceCmd advertises a gateway until interrupted. It stands in for
// gateways that do not announce themselves.
func announceCmd() *cobra.Command {
	var (
		info  discovery.GatewayInfo
		port  uint16
		iface string
	)

	cmd := &cobra.Command{
		Use:   "announce <name>",
		Short: "Advertise a gateway via mDNS until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info.Name = args[0]
			info.Port = port

			var ifaces []net.Interface
			if iface != "" {
				ni, err := net.InterfaceByName(iface)
				if err != nil {
					return fmt.Errorf("interface %q: %w", iface, err)
				}
				ifaces = []net.Interface{*ni}
			}

			var adv discovery.MDNSAdvertiser
			if err := adv.Advertise(&info, ifaces); err != nil {
				return err
			}
			defer adv.Stop()

			fmt.Fprintf(cmd.OutOrStdout(), "Announcing %s on port %d (Ctrl+C to stop)\n", info.Name, port)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().Uint16Var(&port, "port", discovery.DefaultPort, "Gateway port")
	cmd.Flags().StringVar(&info.StreamPath, "ws-path", discovery.DefaultStreamPath, "Stream path")
	cmd.Flags().StringVar(&info.APIPath, "api-path", discovery.DefaultAPIPath, "REST API path")
	cmd.Flags().BoolVar(&info.TLS, "tls", false, "Gateway serves TLS")
	cmd.Flags().StringVar(&info.Project, "gateway-project", "", "Project ID to advertise")
	cmd.Flags().StringVar(&iface, "interface", "", "Network interface to announce on (default: all)")
	return cmd
}

func printGateway(w io.Writer, gw *discovery.Gateway) {
	fmt.Fprintf(w, "%s\n", gw.InstanceName)
	if gw.Host != "" {
		fmt.Fprintf(w, "  Host:     %s\n", gw.Host)
	}
	if len(gw.Addresses) > 0 {
		fmt.Fprintf(w, "  Address:  %s\n", strings.Join(gw.Addresses, ", "))
	}
	if u, err := gw.StreamURL(); err == nil {
		fmt.Fprintf(w, "  Stream:   %s\n", u)
	}
	if u, err := gw.APIBaseURL(); err == nil {
		fmt.Fprintf(w, "  API:      %s\n", u)
	}
	if gw.Project != "" {
		fmt.Fprintf(w, "  Project:  %s\n", gw.Project)
	}
	if gw.Version != "" {
		fmt.Fprintf(w, "  Version:  %s\n", gw.Version)
	}
}
