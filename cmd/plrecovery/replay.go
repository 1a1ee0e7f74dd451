// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"klipper-powerloss/pkg/checkpoint"
	"klipper-powerloss/pkg/config"
	"klipper-powerloss/pkg/replay"
)

func newReplayCmd(opts *globalOptions) *cobra.Command {
	var (
		validLine uint32
		slotIndex int
		jobFile   string
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the interpreter state at a committed line",
		Long: `replay re-reads the interrupted job from the selected move checkpoint up to
the committed line and prints the state a recovery would restore.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(cfg *config.Config, store *checkpoint.Store) error {
				path := jobFile
				if path == "" {
					env, ok := store.FileEnv()
					if !ok || env.FilePath == "" {
						return fmt.Errorf("no interrupted job in %s; pass --file", store.Dir())
					}
					path = env.FilePath
				}
				if !filepath.IsAbs(path) {
					path = filepath.Join(cfg.Stream.SDCardDir, path)
				}
				slot, err := selectSlot(store, validLine, slotIndex)
				if err != nil {
					return err
				}
				res, err := replay.Replay(cmd.Context(), replay.Options{
					FilePath: path,
					Slot:     slot.Index,
					Record:   slot.Record,
					Target:   validLine,
					Factors:  store.Factors(),
				})
				if err != nil {
					return fmt.Errorf("replay %s: %w", path, err)
				}
				if done, err := render(cmd.OutOrStdout(), opts.output, res); done {
					return err
				}
				printReplay(cmd, res)
				return nil
			})
		},
	}
	cmd.Flags().Uint32Var(&validLine, "valid-line", 0, "line the motion hardware last committed")
	cmd.Flags().IntVar(&slotIndex, "slot", -1, "replay from this slot instead of the selected one")
	cmd.Flags().StringVar(&jobFile, "file", "", "job file (default: the recorded job)")
	_ = cmd.MarkFlagRequired("valid-line")
	return cmd
}

func printReplay(cmd *cobra.Command, res *replay.Result) {
	w := cmd.OutOrStdout()
	st := res.State
	heading.Fprintf(w, "Replayed slot %d from line %d to line %d\n", res.Slot, res.Record.LineCount, res.CurrentLine)
	target := res.TargetLine
	if !res.TargetOK {
		target = "(blank or comment)"
	}
	fmt.Fprintf(w, "  Target:     %s\n", target)
	if res.TargetIsMove {
		fmt.Fprintf(w, "  Resume at:  byte %d (after the target move)\n", res.CurFilePos)
	} else {
		fmt.Fprintf(w, "  Resume at:  byte %d (re-run the target line)\n", res.LastFilePos)
	}
	pos := st.Position()
	fmt.Fprintf(w, "  Position:   X%.3f Y%.3f Z%.3f E%.4f\n", pos[0], pos[1], pos[2], pos[3])
	fmt.Fprintf(w, "  Extruder:   %s\n", st.Extruder)
	fmt.Fprintf(w, "  Feed rate:  %.1f mm/min\n", st.GCodeSpeed())
	fmt.Fprintf(w, "  Modes:      absolute coord %t, absolute extrude %t\n", st.AbsoluteCoord, st.AbsoluteExtrude)
	fmt.Fprintf(w, "  Factors:    speed %.2f, flow %.2f\n", st.SpeedFactor*60, st.ExtrudeFactor)
}
