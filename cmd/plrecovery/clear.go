// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"time"

	"github.com/spf13/cobra"

	"klipper-powerloss/pkg/checkpoint"
	"klipper-powerloss/pkg/config"
)

func newClearCmd(opts *globalOptions) *cobra.Command {
	var backup bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the recovery data",
		Long: `clear removes every checkpoint document and move checkpoint, so the next
host start finds no interrupted job. Run it only while the host is stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(cfg *config.Config, store *checkpoint.Store) error {
				w := cmd.OutOrStdout()
				if !store.Exists() {
					warn.Fprintln(w, "No recovery data.")
					return nil
				}
				if backup {
					path, err := store.Backup(time.Now())
					if err != nil {
						return err
					}
					good.Fprintf(w, "Archived to %s\n", path)
				}
				if err := store.Clear(); err != nil {
					return err
				}
				good.Fprintln(w, "Recovery data removed.")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&backup, "backup", true, "archive the data before removing it")
	return cmd
}
