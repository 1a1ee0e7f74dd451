// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"klipper-powerloss/pkg/checkpoint"
	"klipper-powerloss/pkg/config"
	"klipper-powerloss/pkg/progress"
)

// selectSlot picks the move checkpoint a recovery from validLine would
// replay from. A slot index of zero or more forces that slot.
func selectSlot(store *checkpoint.Store, validLine uint32, index int) (checkpoint.Slot, error) {
	slots, err := store.Moves().Slots()
	if err != nil {
		return checkpoint.Slot{}, fmt.Errorf("read move checkpoints: %w", err)
	}
	if index >= 0 {
		for _, s := range slots {
			if s.Index == index {
				return s, nil
			}
		}
		return checkpoint.Slot{}, fmt.Errorf("slot %d holds no readable checkpoint", index)
	}
	slot, ok := progress.Select(slots, validLine)
	if !ok {
		return checkpoint.Slot{}, fmt.Errorf("no move checkpoint at or before line %d among %d slot(s)", validLine, len(slots))
	}
	return slot, nil
}

func newSelectCmd(opts *globalOptions) *cobra.Command {
	var validLine uint32
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Pick the move checkpoint a recovery from a committed line would use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(cfg *config.Config, store *checkpoint.Store) error {
				slot, err := selectSlot(store, validLine, -1)
				if err != nil {
					return err
				}
				view := viewSlot(slot)
				if done, err := render(cmd.OutOrStdout(), opts.output, view); done {
					return err
				}
				w := cmd.OutOrStdout()
				good.Fprintf(w, "Slot %d: line %d, %d lines before the committed line\n",
					view.Index, view.Line, validLine-view.Line)
				slotTable(w, []slotView{view})
				return nil
			})
		},
	}
	cmd.Flags().Uint32Var(&validLine, "valid-line", 0, "line the motion hardware last committed")
	_ = cmd.MarkFlagRequired("valid-line")
	return cmd
}
