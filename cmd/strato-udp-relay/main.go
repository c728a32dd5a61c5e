// strato-udp-relay is the WebRTC UDP egress relay daemon: browser clients
// establish a data channel (or WebSocket fallback) and exchange framed UDP
// datagrams with policy-checked remote endpoints.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratovm/udp-relay/internal/config"
)

// Populated via -ldflags at build time.
var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "strato-udp-relay",
		Short:         "WebRTC UDP egress relay for browser-hosted virtual machines",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	run := &cobra.Command{
		Use:   "run",
		Short: "Start the relay daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg)
		},
	}

	check := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if _, err := cfg.EgressPolicy(); err != nil {
				return err
			}
			if _, err := cfg.NetworkSettings(); err != nil {
				return err
			}
			if _, err := cfg.AuthSecret(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config ok")
			return nil
		},
	}

	root.AddCommand(run, check)
	return root
}
