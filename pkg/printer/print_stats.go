// Print statistics tracking
//
// Copyright (C) 2020 Eric Callahan <arksine.code@gmail.com>
// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package printer

import (
	"sync"
	"time"

	"klipper-powerloss/pkg/checkpoint"
)

// PrintState represents the current state of a print job.
type PrintState string

const (
	PrintStateStandby   PrintState = "standby"
	PrintStatePrinting  PrintState = "printing"
	PrintStatePaused    PrintState = "paused"
	PrintStateComplete  PrintState = "complete"
	PrintStateCancelled PrintState = "cancelled"
	PrintStateError     PrintState = "error"
)

// Carryover is what a recovered job inherits from the interrupted one.
type Carryover struct {
	TotalDuration float64
	FilamentUsed  float64
	Layer         *checkpoint.LayerInfo
}

// PrintStatus is the status snapshot published to clients.
type PrintStatus struct {
	Filename      string     `json:"filename" yaml:"filename"`
	TotalDuration float64    `json:"total_duration" yaml:"total_duration"`
	PrintDuration float64    `json:"print_duration" yaml:"print_duration"`
	FilamentUsed  float64    `json:"filament_used" yaml:"filament_used"`
	State         PrintState `json:"state" yaml:"state"`
	Message       string     `json:"message" yaml:"message"`
	TotalLayer    *int       `json:"total_layer" yaml:"total_layer"`
	CurrentLayer  *int       `json:"current_layer" yaml:"current_layer"`
}

// PrintStats tracks print job statistics.
type PrintStats struct {
	mu    sync.Mutex
	now   func() time.Time
	moves func() MoveState

	filename      string
	state         PrintState
	errorMessage  string
	totalDuration float64
	filamentUsed  float64

	printStartTime    *time.Time
	lastPauseTime     *time.Time
	prevPauseDuration float64
	initDuration      float64
	lastEPos          float64

	infoTotalLayer   *int
	infoCurrentLayer *int
}

// NewPrintStats creates a tracker. moves may be nil when no extrusion
// accounting is wanted.
func NewPrintStats(moves func() MoveState) *PrintStats {
	ps := &PrintStats{now: time.Now, moves: moves}
	ps.reset()
	return ps
}

func (ps *PrintStats) reset() {
	ps.filename = ""
	ps.state = PrintStateStandby
	ps.errorMessage = ""
	ps.totalDuration = 0
	ps.filamentUsed = 0
	ps.printStartTime = nil
	ps.lastPauseTime = nil
	ps.prevPauseDuration = 0
	ps.initDuration = 0
	ps.lastEPos = 0
	ps.infoTotalLayer = nil
	ps.infoCurrentLayer = nil
}

// Reset clears all statistics.
func (ps *PrintStats) Reset() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.reset()
}

// SetCurrentFile resets the statistics for a new job.
func (ps *PrintStats) SetCurrentFile(filename string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.reset()
	ps.filename = filename
}

// State returns the job state.
func (ps *PrintStats) State() PrintState {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.state
}

func (ps *PrintStats) ePos() float64 {
	if ps.moves == nil {
		return 0
	}
	return ps.moves().LastPosition[3]
}

// NoteStart marks the start or resume of printing. A recovered job
// passes the carryover of the interrupted one so its clock and filament
// counter continue.
func (ps *PrintStats) NoteStart(carry *Carryover) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	now := ps.now()
	if carry != nil && carry.FilamentUsed > 0 {
		ps.filamentUsed = carry.FilamentUsed
	}
	if ps.printStartTime == nil {
		start := now
		if carry != nil && carry.TotalDuration > 0 {
			start = now.Add(-time.Duration(carry.TotalDuration * float64(time.Second)))
			if carry.Layer != nil {
				total, current := carry.Layer.TotalLayer, carry.Layer.CurrentLayer
				ps.infoTotalLayer = &total
				ps.infoCurrentLayer = &current
			}
		}
		ps.printStartTime = &start
	} else if ps.lastPauseTime != nil {
		ps.prevPauseDuration += now.Sub(*ps.lastPauseTime).Seconds()
		ps.lastPauseTime = nil
	}
	ps.lastEPos = ps.ePos()
	ps.state = PrintStatePrinting
	ps.errorMessage = ""
}

// NotePause marks a pause in printing.
func (ps *PrintStats) NotePause(message string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.lastPauseTime == nil {
		now := ps.now()
		ps.lastPauseTime = &now
		ps.updateFilamentUsage()
	}
	if ps.state != PrintStateError {
		ps.state = PrintStatePaused
	}
	if message != "" {
		ps.errorMessage = message
	}
}

// NoteComplete marks successful completion.
func (ps *PrintStats) NoteComplete() {
	ps.noteFinish(PrintStateComplete, "")
}

// NoteError marks an error during printing.
func (ps *PrintStats) NoteError(message string) {
	ps.noteFinish(PrintStateError, message)
}

// NoteCancel marks a cancelled print.
func (ps *PrintStats) NoteCancel() {
	ps.noteFinish(PrintStateCancelled, "")
}

func (ps *PrintStats) noteFinish(state PrintState, errorMessage string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.printStartTime == nil {
		return
	}
	ps.state = state
	ps.errorMessage = errorMessage
	ps.totalDuration = ps.now().Sub(*ps.printStartTime).Seconds()
	if ps.filamentUsed < 0.0000001 {
		// No positive extrusion detected during print
		ps.initDuration = ps.totalDuration - ps.prevPauseDuration
	}
	ps.printStartTime = nil
}

func (ps *PrintStats) updateFilamentUsage() {
	if ps.moves == nil {
		return
	}
	m := ps.moves()
	factor := m.ExtrudeFactor
	if factor == 0 {
		factor = 1
	}
	cur := m.LastPosition[3]
	ps.filamentUsed += (cur - ps.lastEPos) / factor
	ps.lastEPos = cur
}

// Status returns the current statistics.
func (ps *PrintStats) Status() PrintStatus {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	timePaused := ps.prevPauseDuration
	if ps.printStartTime != nil {
		now := ps.now()
		if ps.lastPauseTime != nil {
			timePaused += now.Sub(*ps.lastPauseTime).Seconds()
		} else {
			ps.updateFilamentUsage()
		}
		ps.totalDuration = now.Sub(*ps.printStartTime).Seconds()
		if ps.filamentUsed < 0.0000001 {
			// Track duration prior to extrusion
			ps.initDuration = ps.totalDuration - timePaused
		}
	}
	return PrintStatus{
		Filename:      ps.filename,
		TotalDuration: ps.totalDuration,
		PrintDuration: ps.totalDuration - ps.initDuration - timePaused,
		FilamentUsed:  ps.filamentUsed,
		State:         ps.state,
		Message:       ps.errorMessage,
		TotalLayer:    copyInt(ps.infoTotalLayer),
		CurrentLayer:  copyInt(ps.infoCurrentLayer),
	}
}

// SetInfo applies SET_PRINT_STATS_INFO. Nil arguments keep the current
// value. It returns the resulting layer progress.
func (ps *PrintStats) SetInfo(totalLayer, currentLayer *int) checkpoint.LayerInfo {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if totalLayer != nil {
		total := *totalLayer
		if total == 0 {
			ps.infoTotalLayer = nil
			ps.infoCurrentLayer = nil
		} else if ps.infoTotalLayer == nil || total != *ps.infoTotalLayer {
			ps.infoTotalLayer = &total
			zero := 0
			ps.infoCurrentLayer = &zero
		}
	}
	if currentLayer != nil && ps.infoTotalLayer != nil &&
		(ps.infoCurrentLayer == nil || *currentLayer != *ps.infoCurrentLayer) {
		cur := *currentLayer
		if cur > *ps.infoTotalLayer {
			cur = *ps.infoTotalLayer
		}
		ps.infoCurrentLayer = &cur
	}
	var info checkpoint.LayerInfo
	if ps.infoTotalLayer != nil {
		info.TotalLayer = *ps.infoTotalLayer
	}
	if ps.infoCurrentLayer != nil {
		info.CurrentLayer = *ps.infoCurrentLayer
	}
	return info
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
