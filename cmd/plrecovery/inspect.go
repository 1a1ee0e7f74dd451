// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"klipper-powerloss/pkg/checkpoint"
	"klipper-powerloss/pkg/config"
)

// storeReport is everything the store holds about the interrupted job.
type storeReport struct {
	Dir          string                `json:"dir" yaml:"dir"`
	Job          *checkpoint.FileEnv   `json:"job,omitempty" yaml:"job,omitempty"`
	JobFile      *jobFileInfo          `json:"job_file,omitempty" yaml:"job_file,omitempty"`
	Temperatures map[string]float64    `json:"temperatures,omitempty" yaml:"temperatures,omitempty"`
	Factors      checkpoint.Factors    `json:"factors" yaml:"factors"`
	Layer        *checkpoint.LayerInfo `json:"layer,omitempty" yaml:"layer,omitempty"`
	Fans         map[string]string     `json:"fans,omitempty" yaml:"fans,omitempty"`
	ZAdjust      float64               `json:"z_adjust" yaml:"z_adjust"`
	Slots        []slotView            `json:"slots" yaml:"slots"`
	Backups      []string              `json:"backups,omitempty" yaml:"backups,omitempty"`
}

// jobFileInfo describes the job file on disk.
type jobFileInfo struct {
	Size     int64     `json:"size" yaml:"size"`
	Modified time.Time `json:"modified" yaml:"modified"`
	// Matches is false when the file no longer has the recorded size.
	Matches bool `json:"matches" yaml:"matches"`
}

func collectReport(store *checkpoint.Store) (*storeReport, error) {
	rep := &storeReport{
		Dir:          store.Dir(),
		Temperatures: store.Temperatures(),
		Factors:      store.Factors(),
		Fans:         store.Fans(),
		ZAdjust:      store.ZAdjust(),
		Slots:        []slotView{},
	}
	if env, ok := store.FileEnv(); ok {
		rep.Job = &env
		if fi, err := os.Stat(env.FilePath); err == nil {
			rep.JobFile = &jobFileInfo{
				Size:     fi.Size(),
				Modified: fi.ModTime(),
				Matches:  env.FileSize == 0 || env.FileSize == fi.Size(),
			}
		}
	}
	if layer, ok := store.Layer(); ok {
		rep.Layer = &layer
	}
	slots, err := store.Moves().Slots()
	if err != nil {
		return nil, fmt.Errorf("read move checkpoints: %w", err)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Record.Seq < slots[j].Record.Seq })
	for _, s := range slots {
		rep.Slots = append(rep.Slots, viewSlot(s))
	}
	if backups, err := store.ListBackups(); err == nil {
		rep.Backups = backups
	}
	return rep, nil
}

func newInspectCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Show the recovery data left by an interrupted job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(cfg *config.Config, store *checkpoint.Store) error {
				rep, err := collectReport(store)
				if err != nil {
					return err
				}
				if done, err := render(cmd.OutOrStdout(), opts.output, rep); done {
					return err
				}
				printReport(cmd.OutOrStdout(), rep)
				return nil
			})
		},
	}
}

func printReport(w io.Writer, rep *storeReport) {
	heading.Fprintf(w, "Recovery data in %s\n", rep.Dir)
	if rep.Job == nil || rep.Job.FilePath == "" {
		warn.Fprintln(w, "No interrupted job.")
	} else {
		fmt.Fprintf(w, "  Job:        %s\n", rep.Job.FilePath)
		if rep.JobFile != nil {
			fmt.Fprintf(w, "  File:       %s, modified %s\n",
				humanize.Bytes(uint64(rep.JobFile.Size)), humanize.Time(rep.JobFile.Modified))
			if !rep.JobFile.Matches {
				bad.Fprintf(w, "  File changed since the job started (was %s)\n", humanize.Bytes(uint64(rep.Job.FileSize)))
			}
		} else {
			bad.Fprintln(w, "  Job file is missing")
		}
		fmt.Fprintf(w, "  Printed:    %s of %s, %.1f mm filament\n",
			time.Duration(rep.Job.PrintDuration*float64(time.Second)).Round(time.Second),
			time.Duration(rep.Job.TotalDuration*float64(time.Second)).Round(time.Second),
			rep.Job.FilamentUsed)
		if rep.Job.RecoveryAttempt != "" {
			bad.Fprintf(w, "  Recovery attempt %s did not finish\n", rep.Job.RecoveryAttempt)
		}
	}
	if rep.Layer != nil {
		fmt.Fprintf(w, "  Layer:      %d/%d\n", rep.Layer.CurrentLayer, rep.Layer.TotalLayer)
	}
	if rep.ZAdjust != 0 {
		fmt.Fprintf(w, "  Z adjust:   %+.3f\n", rep.ZAdjust)
	}
	names := make([]string, 0, len(rep.Temperatures))
	for name := range rep.Temperatures {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-11s %.1f\n", name+":", rep.Temperatures[name])
	}
	fmt.Fprintln(w)
	if len(rep.Slots) == 0 {
		warn.Fprintln(w, "No move checkpoints.")
	} else {
		slotTable(w, rep.Slots)
	}
	if len(rep.Backups) > 0 {
		fmt.Fprintf(w, "\n%d backup(s), newest %s\n", len(rep.Backups), filepath.Base(rep.Backups[len(rep.Backups)-1]))
	}
}
