package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/bilal/edr-agent/internal/config"
	"github.com/bilal/edr-agent/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "edr-agent",
		Short: "Endpoint telemetry agent",
		Long: `edr-agent verifies its signed policy, collects process, network, session
and file telemetry from this host and relays it to the collector, buffering
to a local queue while the collector is unreachable.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "config file (empty: defaults and environment only)")

	root.AddCommand(
		newRunCmd(opts),
		newPolicyCmd(),
		newQueueCmd(opts),
	)
	return root
}

// load reads the config and initialises the global logger from it.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Logging)
	return cfg, nil
}
