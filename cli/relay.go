package cli

import (
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"dragnshare/discovery"
	"dragnshare/signaling"
)

// relay: run the development signaling relay.
func relayCmd(a *app) *cobra.Command {
	var (
		listen string
		name   string
		noMDNS bool
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a signaling relay that forwards frames between session members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if listen == "" {
				listen = a.cfg.RelayListen
			}
			logger := slog.Default().With("component", "relay")
			server, err := signaling.ListenRelay(listen, signaling.RelayOptions{Logger: logger})
			if err != nil {
				return err
			}
			defer func() {
				if err := server.Close(); err != nil {
					logger.Warn("Relay shutdown error", "err", err)
				}
			}()
			fmt.Fprintf(a.stdout, "Relay listening on %s\n", server.URL())

			if !noMDNS && a.cfg.Discovery {
				if name == "" {
					name = a.cfg.PeerName
				}
				advertiser, err := discovery.Advertise(discovery.Config{
					RelayID:   a.cfg.PeerID,
					RelayName: name,
					Port:      server.Addr().(*net.TCPAddr).Port,
					Path:      signaling.RelayPath,
				})
				if err != nil {
					logger.Warn("mDNS advertisement failed", "err", err)
				} else {
					defer advertiser.Stop()
					fmt.Fprintf(a.stdout, "Advertising as %q on %s\n", name, discovery.DefaultService)
				}
			}

			<-ctx.Done()
			fmt.Fprintln(a.stdout, "Relay shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: config relay_listen)")
	cmd.Flags().StringVar(&name, "name", "", "mDNS instance name (default: peer name)")
	cmd.Flags().BoolVar(&noMDNS, "no-mdns", false, "do not advertise the relay on the local network")
	return cmd
}

// relays: list relays answering on the local network.
func relaysCmd(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "relays",
		Short: "List relays advertised on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scanner, err := discovery.NewRelayScanner(discovery.Config{ScanTimeout: timeout})
			if err != nil {
				return err
			}
			relays, err := scanner.Scan(cmd.Context())
			if err != nil {
				return err
			}
			if len(relays) == 0 {
				fmt.Fprintln(a.stdout, "No relays found")
				return nil
			}

			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tURL\tRELAY ID")
			for _, relay := range relays {
				fmt.Fprintf(w, "%s\t%s\t%s\n", relay.Name, relay.URL(), relay.RelayID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", discovery.DefaultScanTimeout, "how long to listen for answers")
	return cmd
}
