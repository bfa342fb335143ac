package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"loopdrop/config"
	"loopdrop/logging"
)

const appName = "loopdrop"

type globalOptions struct {
	configPath string
	dataDir    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   appName,
		Short: "Loopback multi-channel file relay",
		Long: "loopdrop watches local folders and relays every finished file over a " +
			"fixed loopback TCP channel into a per-channel receive directory.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (.json, .yaml or .yml); defaults to <data-dir>/config.json")
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "data directory; overrides "+config.DataDirEnv)
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error; overrides the config file")

	root.AddCommand(
		newRunCmd(opts, modeRun),
		newRunCmd(opts, modeServe),
		newRunCmd(opts, modeWatch),
		newChannelsCmd(opts),
		newHistoryCmd(opts),
	)
	return root
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Fail to execute", "error", err)
		os.Exit(1)
	}
}

// load resolves the data directory, reads the config and builds the logger.
func (o *globalOptions) load() (*config.Config, string, *slog.Logger, error) {
	dataDir := o.dataDir
	if dataDir == "" {
		resolved, err := config.ResolveDataDir()
		if err != nil {
			return nil, "", nil, err
		}
		dataDir = resolved
	}

	var cfg *config.Config
	if o.configPath != "" {
		loaded, err := config.LoadFile(o.configPath)
		if err != nil {
			return nil, "", nil, err
		}
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, "", nil, fmt.Errorf("create data directory: %w", err)
		}
		cfg = loaded
	} else {
		loaded, _, err := config.LoadOrCreateIn(dataDir)
		if err != nil {
			return nil, "", nil, err
		}
		cfg = loaded
	}

	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	logger := logging.New(appName, cfg.LogLevel)
	return cfg, dataDir, logger, nil
}
