// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"klipper-powerloss/pkg/log"
)

// FileRing keeps one JSON file per slot and writes them round robin.
type FileRing struct {
	dir    string
	size   int
	writer *Writer
	log    *log.Logger

	mu   sync.Mutex
	next int
	seq  uint64
}

// NewFileRing opens the ring in dir. The cursor is placed after the
// newest readable slot.
func NewFileRing(dir string, size int, writer *Writer) *FileRing {
	r := &FileRing{
		dir:    dir,
		size:   size,
		writer: writer,
		log:    log.GetLogger("checkpoint"),
	}
	slots, _ := r.readSlots()
	newest := -1
	for _, s := range slots {
		if s.Record.Seq >= r.seq {
			r.seq = s.Record.Seq
			newest = s.Index
		}
	}
	if newest >= 0 {
		r.next = (newest + 1) % size
	}
	return r
}

func (r *FileRing) path(index int) string {
	return filepath.Join(r.dir, MoveSlotName(index))
}

func (r *FileRing) Append(rec *MoveRecord, mode Mode) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	index := r.next
	if err := r.putLocked(index, rec, mode); err != nil {
		return index, err
	}
	r.next = (index + 1) % r.size
	return index, nil
}

func (r *FileRing) Put(index int, rec *MoveRecord, mode Mode) error {
	if index < 0 || index >= r.size {
		return fmt.Errorf("slot %d out of range [0, %d)", index, r.size)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(index, rec, mode)
}

func (r *FileRing) putLocked(index int, rec *MoveRecord, mode Mode) error {
	rec.Seq = r.seq + 1
	data, err := rec.encodeValid()
	if err != nil {
		return fmt.Errorf("encode slot %d: %w", index, err)
	}
	r.seq = rec.Seq
	if mode == Sync {
		return r.writer.WriteSync(r.path(index), data)
	}
	return r.writer.WriteAsync(r.path(index), data)
}

func (r *FileRing) Slots() ([]Slot, error) {
	if err := r.writer.Flush(); err != nil {
		r.log.WithError(err).Warn("pending slot write failed")
	}
	return r.readSlots()
}

func (r *FileRing) readSlots() ([]Slot, error) {
	var slots []Slot
	for i := 0; i < r.size; i++ {
		raw, err := os.ReadFile(r.path(i))
		if err != nil {
			if !os.IsNotExist(err) {
				r.log.WithError(err).WithField("slot", i).Warn("unreadable move checkpoint")
			}
			continue
		}
		rec, err := DecodeRecord(raw)
		if err != nil {
			r.log.WithError(err).WithField("slot", i).Warn("corrupt move checkpoint ignored")
			continue
		}
		slots = append(slots, Slot{Index: i, Record: rec})
	}
	return slots, nil
}

func (r *FileRing) Retain(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.size; i++ {
		if i == index {
			continue
		}
		if err := r.writer.DeleteSync(r.path(i)); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileRing) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.size; i++ {
		if err := r.writer.DeleteSync(r.path(i)); err != nil {
			return err
		}
		os.Remove(r.path(i) + ".tmp")
	}
	r.next = 0
	return nil
}

func (r *FileRing) Next() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

func (r *FileRing) SetNext(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = ((index % r.size) + r.size) % r.size
}

func (r *FileRing) Size() int {
	return r.size
}

func (r *FileRing) Close() error {
	return nil
}
