// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package replay rebuilds interpreter state between a move checkpoint and
// the line the hardware last committed, by re-reading the job file.
package replay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"klipper-powerloss/pkg/checkpoint"
	"klipper-powerloss/pkg/gcode"
)

// ctxCheckInterval is how many lines are replayed between context checks.
const ctxCheckInterval = 1024

// Options selects what to replay.
type Options struct {
	FilePath string
	Slot     int
	Record   checkpoint.MoveRecord
	// Target is the job line to reconstruct, usually the hardware
	// committed line.
	Target  uint32
	Factors checkpoint.Factors
	Hooks   Hooks
}

// Result is the state as of the target line.
type Result struct {
	State State `yaml:"state"`
	// Target is the parsed target line. TargetOK is false when the line
	// is blank or a comment.
	Target       gcode.Command `yaml:"target"`
	TargetOK     bool          `yaml:"target_ok"`
	TargetLine   string        `yaml:"target_line"`
	TargetIsMove bool          `yaml:"target_is_move"`
	CurrentLine  uint32        `yaml:"current_line"`
	// CurFilePos is the offset just past the target line and LastFilePos
	// the offset where it starts.
	CurFilePos  int64                 `yaml:"cur_file_pos"`
	LastFilePos int64                 `yaml:"last_file_pos"`
	Slot        int                   `yaml:"slot"`
	Record      checkpoint.MoveRecord `yaml:"record"`
}

// Replay re-reads the job from the checkpoint up to Target. The result
// depends only on the options and the file contents.
func Replay(ctx context.Context, opts Options) (*Result, error) {
	rec := opts.Record
	if opts.Target < rec.LineCount {
		return nil, fmt.Errorf("target line %d precedes checkpoint line %d", opts.Target, rec.LineCount)
	}
	f, err := os.Open(opts.FilePath)
	if err != nil {
		return nil, fmt.Errorf("open job file: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(rec.FilePos, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek job file to %d: %w", rec.FilePos, err)
	}

	tracker := NewTracker(rec, opts.Hooks)
	tracker.SetFactors(opts.Factors.FlowFactor, opts.Factors.SpeedFactor, opts.Factors.SpeedFactorBak)

	r := bufio.NewReader(f)
	current := rec.LineCount
	cur, last := rec.FilePos, rec.FilePos
	first := true
	for n := 0; current <= opts.Target; n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		line, rerr := r.ReadString('\n')
		if rerr != nil && rerr != io.EOF {
			return nil, fmt.Errorf("read job file at %d: %w", cur, rerr)
		}
		if line == "" {
			break
		}
		last = cur
		cur += int64(len(line))
		if first {
			first = false
		} else {
			if err := tracker.Apply(line); err != nil {
				return nil, fmt.Errorf("line %d: %w", current+1, err)
			}
			current++
		}
		if current == opts.Target {
			text := strings.TrimRight(line, "\r\n")
			cmd, ok := gcode.Parse(text)
			return &Result{
				State:        tracker.State(),
				Target:       cmd,
				TargetOK:     ok,
				TargetLine:   text,
				TargetIsMove: ok && cmd.IsMove(),
				CurrentLine:  current,
				CurFilePos:   cur,
				LastFilePos:  last,
				Slot:         opts.Slot,
				Record:       rec,
			}, nil
		}
		if rerr == io.EOF {
			break
		}
	}
	return nil, fmt.Errorf("line %d not found: job file ends at line %d", opts.Target, current)
}
