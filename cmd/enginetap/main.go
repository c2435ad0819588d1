// Command enginetap watches an engine's event tap and serves a live
// activity dashboard API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nkkko/engine-tap/internal/config"
	"github.com/nkkko/engine-tap/internal/engine"
	"github.com/nkkko/engine-tap/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// rootOptions are the persistent flags shared by every command
type rootOptions struct {
	configFile string
	overrides  config.Overrides
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.LoadConfig(o.configFile, o.overrides)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "enginetap",
		Short:         "Live activity tap for the engine's event stream",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logCfg, err := cfg.ToLoggingConfig()
			if err != nil {
				return err
			}
			logCfg.Output = cmd.ErrOrStderr()
			return logging.Setup(logCfg)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to the YAML configuration file")
	flags.StringVar(&opts.overrides.BaseURL, "base-url", "", "engine base URL")
	flags.StringVar(&opts.overrides.AdminToken, "admin-token", "", "engine admin token")
	flags.StringVar(&opts.overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.overrides.LogFormat, "log-format", "", "log format (json, console)")

	root.AddCommand(
		newServeCmd(opts),
		newTailCmd(opts),
		newRefreshCmd(opts),
		newRestartCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tap and the dashboard API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			holder := config.NewHolder(cfg, opts.configFile, opts.load)
			e, err := engine.New(holder)
			if err != nil {
				return fmt.Errorf("failed to create engine: %w", err)
			}

			log.Info().
				Str("engine", cfg.Engine.BaseURL).
				Str("addr", cfg.Server.Addr).
				Msg("engine-tap starting")
			return e.Start(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&opts.overrides.ServerAddr, "addr", "", "dashboard API listen address")
	return cmd
}
