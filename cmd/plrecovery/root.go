// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"klipper-powerloss/pkg/checkpoint"
	"klipper-powerloss/pkg/config"
	"klipper-powerloss/pkg/log"
)

// globalOptions are the persistent flags of every command.
type globalOptions struct {
	configPath string
	storeDir   string
	sdcardDir  string
	output     string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "plrecovery",
		Short:         "Power-loss recovery tools for the printer host",
		Long:          `plrecovery inspects, replays and clears the checkpoints a printer host keeps to resume a job after power loss.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "configuration file (default: plrecovery.yaml in . or ~/printer_data/config)")
	flags.StringVar(&opts.storeDir, "store-dir", "", "checkpoint directory (overrides store.dir)")
	flags.StringVar(&opts.sdcardDir, "sdcard-dir", "", "job file directory (overrides stream.sdcard_dir)")
	flags.StringVarP(&opts.output, "output", "o", outputText, "output format: text, json or yaml")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (overrides log.level)")

	root.AddCommand(
		newInspectCmd(opts),
		newSelectCmd(opts),
		newReplayCmd(opts),
		newArchiveCmd(opts),
		newClearCmd(opts),
		newSimulateCmd(opts),
		newServeCmd(opts),
	)
	return root
}

// loadConfig reads the configuration and applies the flag overrides.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	if err := validOutput(o.output); err != nil {
		return nil, err
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.storeDir != "" {
		cfg.Store.Dir = o.storeDir
	}
	if o.sdcardDir != "" {
		cfg.Stream.SDCardDir = o.sdcardDir
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	log.Configure(cfg.Log.Level, cfg.Log.Format)
	log.ConfigureFromEnv()
	log.Configure(o.logLevel, "")
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*checkpoint.Store, error) {
	store, err := checkpoint.Open(ctx, checkpoint.Options{
		Dir:      cfg.Store.Dir,
		RingSize: cfg.Store.RingSize,
		Backend:  cfg.Store.Backend,
		Flush:    cfg.Store.Flush,
	})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store %s: %w", cfg.Store.Dir, err)
	}
	return store, nil
}

// withStore runs fn over the configured store and closes it afterwards.
func (o *globalOptions) withStore(cmd *cobra.Command, fn func(cfg *config.Config, store *checkpoint.Store) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}
