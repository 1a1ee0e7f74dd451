// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package progress

import (
	"klipper-powerloss/pkg/checkpoint"
)

// Select returns the slot closest to, but not beyond, validLine: the one
// minimising validLine - line_count over non-negative differences. Equal
// line counts prefer the most recently written slot.
func Select(slots []checkpoint.Slot, validLine uint32) (checkpoint.Slot, bool) {
	var best checkpoint.Slot
	found := false
	if validLine == None {
		return best, false
	}
	for _, s := range slots {
		if s.Record.LineCount > validLine {
			continue
		}
		if !found ||
			s.Record.LineCount > best.Record.LineCount ||
			(s.Record.LineCount == best.Record.LineCount && s.Record.Seq > best.Record.Seq) {
			best = s
			found = true
		}
	}
	return best, found
}
