// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"klipper-powerloss/pkg/checkpoint"
	"klipper-powerloss/pkg/config"
)

type archiveEntry struct {
	Path     string    `json:"path" yaml:"path"`
	Size     int64     `json:"size" yaml:"size"`
	Modified time.Time `json:"modified" yaml:"modified"`
}

func newArchiveCmd(opts *globalOptions) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "archive [destination]",
		Short: "Write the recovery data to an LZ4 compressed tar archive",
		Long: `archive stores every checkpoint document and move checkpoint in one
archive. Without a destination the archive goes to the backup directory
of the store.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(cfg *config.Config, store *checkpoint.Store) error {
				if list {
					return listBackups(cmd, opts, store)
				}
				w := cmd.OutOrStdout()
				if len(args) == 0 {
					path, err := store.Backup(time.Now())
					if err != nil {
						return err
					}
					good.Fprintf(w, "Archived to %s\n", path)
					return nil
				}
				n, err := store.Archive(args[0])
				if err != nil {
					return err
				}
				good.Fprintf(w, "Archived %d entries to %s\n", n, args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list the archives in the backup directory")
	return cmd
}

func listBackups(cmd *cobra.Command, opts *globalOptions, store *checkpoint.Store) error {
	paths, err := store.ListBackups()
	if err != nil {
		return err
	}
	entries := make([]archiveEntry, 0, len(paths))
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		entries = append(entries, archiveEntry{Path: p, Size: fi.Size(), Modified: fi.ModTime()})
	}
	if done, err := render(cmd.OutOrStdout(), opts.output, entries); done {
		return err
	}
	w := cmd.OutOrStdout()
	if len(entries) == 0 {
		warn.Fprintln(w, "No archives.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%-40s %8s  %s\n", filepath.Base(e.Path), humanize.Bytes(uint64(e.Size)), humanize.Time(e.Modified))
	}
	return nil
}
