package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aponysus/attribution/config"
)

type rootOptions struct {
	debug      bool
	configFile string
}

func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "attribution",
		Short: "Ad click attribution poller",
		Long: `attribution polls the conversion endpoint for a device, retrying transient
failures, and reports the campaign of the most recent ad click within a lookback window.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Config file (default: attribution.yaml in ., ./config or $HOME/.attribution)")

	rootCmd.AddCommand(NewPollCommand(opts))
	rootCmd.AddCommand(NewConfigCommand(opts))

	return rootCmd
}

// loadConfig resolves the config and applies the global log level.
func (o *rootOptions) loadConfig(overrides map[string]any) (*config.Config, error) {
	var loadOpts []config.Option
	if o.configFile != "" {
		loadOpts = append(loadOpts, config.WithFile(o.configFile))
	}
	for k, v := range overrides {
		loadOpts = append(loadOpts, config.WithOverride(k, v))
	}

	cfg, err := config.Load(loadOpts...)
	if err != nil {
		return nil, err
	}

	level := cfg.Level()
	if o.debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.File != "" {
		log.Debug().Str("file", cfg.File).Msg("Using config file")
	}
	return cfg, nil
}

// Execute runs the root command
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
