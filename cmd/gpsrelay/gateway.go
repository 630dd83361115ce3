package main

import (
	"crypto/tls"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"
	"nuha.dev/gpsrelay/internal/server"
)

var (
	gwExternalAddr string
	gwTunnelAddr   string
	gwToken        string
	gwCertFile     string
	gwKeyFile      string
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Accept trackers on a public host and hand them to a relay over a tunnel",
	Long: `gateway listens for trackers on --eaddr and for a relay on --taddr. The relay
connects out with --tunnel-addr and --tunnel-token, so it can run behind NAT.
With --cert and --key the tunnel listener uses TLS.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.DefaultLogger
		logger.Context = log.NewContext(nil).Str("module", "main").Value()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var tl net.Listener
		var err error
		if gwCertFile == "" && gwKeyFile == "" {
			logger.Info().Msg("starting non-tls tunnel listener")
			tl, err = net.Listen("tcp", gwTunnelAddr)
		} else {
			logger.Info().Msg("starting tls tunnel listener")
			var cert tls.Certificate
			cert, err = tls.LoadX509KeyPair(gwCertFile, gwKeyFile)
			if err != nil {
				return err
			}
			tl, err = tls.Listen("tcp", gwTunnelAddr, &tls.Config{Certificates: []tls.Certificate{cert}})
		}
		if err != nil {
			return err
		}
		el, err := net.Listen("tcp", gwExternalAddr)
		if err != nil {
			tl.Close()
			return err
		}
		logger.Info().Msgf("using external addr %s and tunnel addr %s", el.Addr(), tl.Addr())
		return server.NewGateway(gwToken).Serve(ctx, tl, el)
	},
}

func init() {
	f := gatewayCmd.Flags()
	f.StringVar(&gwExternalAddr, "eaddr", ":5555", "address for tracker connections")
	f.StringVar(&gwTunnelAddr, "taddr", ":5556", "address for the relay tunnel")
	f.StringVar(&gwToken, "token", "token", "token the relay must present")
	f.StringVar(&gwCertFile, "cert", "", "tls certificate file")
	f.StringVar(&gwKeyFile, "key", "", "tls key file")
}
