package main

import (
	"context"
	"os"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"nuha.dev/gpsrelay/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gpsrelay",
	Short: "GT06 tracker relay",
	Long: `gpsrelay accepts GT06 trackers over TCP (directly or through a yamux tunnel),
stores their positions and pushes them to websocket viewers. Several relays can
share viewers through a nats or redis bus.

Every flag can also be set with a GPSRELAY_ prefixed environment variable, for
example GPSRELAY_BUS_DRIVER=nats, or in the file given with --config.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(viper.New(), cmd.Flags(), cfgFile)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), c)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	config.RegisterFlags(rootCmd.Flags())
	rootCmd.AddCommand(gatewayCmd)
}

func main() {
	log.DefaultLogger = log.Logger{
		Level:  log.InfoLevel,
		Caller: 1,
		Writer: &log.ConsoleWriter{ColorOutput: true},
	}
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
