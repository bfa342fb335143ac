package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"loopdrop/storage"
	"loopdrop/supervisor"
)

type runMode string

const (
	modeRun   runMode = "run"
	modeServe runMode = "serve"
	modeWatch runMode = "watch"
)

func newRunCmd(opts *globalOptions, mode runMode) *cobra.Command {
	short := map[runMode]string{
		modeRun:   "Receive on every channel and watch every configured folder",
		modeServe: "Receive on every enabled channel port only",
		modeWatch: "Watch configured folders and send only",
	}[mode]

	return &cobra.Command{
		Use:   string(mode),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dataDir, logger, err := opts.load()
			if err != nil {
				return err
			}
			switch mode {
			case modeServe:
				cfg.WatchEnabled = boolPtr(false)
				cfg.ReceiveEnabled = boolPtr(true)
			case modeWatch:
				cfg.WatchEnabled = boolPtr(true)
				cfg.ReceiveEnabled = boolPtr(false)
			}

			store, dbPath, err := storage.Open(dataDir)
			if err != nil {
				return fmt.Errorf("open history database: %w", err)
			}
			defer func() {
				if err := store.Close(); err != nil {
					logger.Warn("history database close error", "error", err)
				}
			}()
			logger.Debug("history database opened", "path", dbPath)

			sup, err := supervisor.New(cfg, supervisor.Deps{Logger: logger, Recorder: store})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := sup.Start(ctx); err != nil {
				return fmt.Errorf("start %s: %w", mode, err)
			}
			logger.Info("running (press Ctrl+C to stop)", "mode", string(mode), "received_root", cfg.ReceivedRoot)

			<-ctx.Done()
			logger.Info("shutting down")
			return sup.Stop()
		},
	}
}

func boolPtr(v bool) *bool {
	return &v
}
