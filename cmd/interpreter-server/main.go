package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ovenzeze/open-interpreter/internal/config"
	"github.com/ovenzeze/open-interpreter/internal/logger"
)

var version = "dev"

func init() {
	godotenv.Load()
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	logLevel string
	debug    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "interpreter-server",
		Short:         "Session-oriented HTTP server for the code interpreter",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newSessionsCmd(opts))
	root.AddCommand(newSweepCmd(opts))

	return root
}

// loadConfig reads the configuration and applies the logging flags.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.debug {
		cfg.Log.Level = "debug"
	}

	logger.Setup(os.Stderr, cfg.Log.Format)
	logger.SetLevel(cfg.Log.Level)

	return cfg, nil
}
