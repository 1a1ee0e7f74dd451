// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package checkpoint

// MoveLog stores the bounded set of move checkpoints. Slot indices run
// from 0 to Size()-1; each write fully replaces one slot.
type MoveLog interface {
	// Append writes rec into the next slot and advances the cursor.
	Append(rec *MoveRecord, mode Mode) (int, error)
	// Put replaces slot index with rec.
	Put(index int, rec *MoveRecord, mode Mode) error
	// Slots returns every readable slot. Unreadable slots are skipped.
	Slots() ([]Slot, error)
	// Retain removes every slot except index.
	Retain(index int) error
	// Reset removes every slot and rewinds the cursor.
	Reset() error
	// Next returns the slot the following Append writes to.
	Next() int
	// SetNext moves the cursor.
	SetNext(index int)
	// Size returns the number of slots.
	Size() int
	Close() error
}
