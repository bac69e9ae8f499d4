// Command chanrpc-echo serves and calls the echo interface over TCP or unix
// sockets.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"chanrpc/config"
	"chanrpc/observability"
)

type cliConfig struct {
	configPath string
	logLevel   string
}

var (
	flags cliConfig
	cfg   = config.Default()
)

var rootCmd = &cobra.Command{
	Use:               "chanrpc-echo",
	Short:             "chanrpc-echo - example echo server and client",
	PersistentPreRunE: before,
	SilenceUsage:      true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override the configured log level: trace, debug, info, warn, error, off")

	rootCmd.AddCommand(serveCmd, callCmd)
}

func before(cmd *cobra.Command, args []string) error {
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	observability.InitLogger("chanrpc-echo", cfg.Log)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("chanrpc-echo failed")
		os.Exit(1)
	}
}
