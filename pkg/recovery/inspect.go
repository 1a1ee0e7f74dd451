// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package recovery

import (
	"context"

	"klipper-powerloss/pkg/checkpoint"
	"klipper-powerloss/pkg/errors"
	"klipper-powerloss/pkg/log"
	"klipper-powerloss/pkg/printer"
	"klipper-powerloss/pkg/progress"
	"klipper-powerloss/pkg/replay"
)

// pauseState is the saved G-code state of a paused job.
const pauseState = "PAUSE_STATE"

// Report describes what a recovery would do with the current data.
type Report struct {
	FilePath        string         `json:"file_path" yaml:"file_path"`
	EnvFlag         uint32         `json:"env_flag" yaml:"env_flag"`
	RecoveryAttempt string         `json:"recovery_attempt,omitempty" yaml:"recovery_attempt,omitempty"`
	ValidLine       uint32         `json:"valid_line" yaml:"valid_line"`
	ZTicks          uint32         `json:"z_ticks" yaml:"z_ticks"`
	Slots           int            `json:"slots" yaml:"slots"`
	Slot            int            `json:"slot" yaml:"slot"`
	SlotLine        uint32         `json:"slot_line" yaml:"slot_line"`
	Replay          *replay.Result `json:"replay,omitempty" yaml:"replay,omitempty"`
	SavedZ          float64        `json:"saved_z" yaml:"saved_z"`
	ZAdjust         float64        `json:"z_adjust" yaml:"z_adjust"`
	ResumeZ         float64        `json:"resume_z" yaml:"resume_z"`
	ZHop            float64        `json:"z_hop" yaml:"z_hop"`
	ResumePosition  int64          `json:"resume_position" yaml:"resume_position"`
	ResumeLines     uint32         `json:"resume_lines" yaml:"resume_lines"`
	Recoverable     bool           `json:"recoverable" yaml:"recoverable"`
	Problem         string         `json:"problem,omitempty" yaml:"problem,omitempty"`
}

// Inspect locates the interrupted line without changing anything.
func (o *Orchestrator) Inspect(ctx context.Context) (*Report, error) {
	env, ok := o.Store.FileEnv()
	if !ok || env.FilePath == "" {
		return nil, errors.NoCheckpoint("no recovery data")
	}
	rep := &Report{
		FilePath:        env.FilePath,
		EnvFlag:         env.EnvFlag,
		RecoveryAttempt: env.RecoveryAttempt,
		ValidLine:       progress.None,
		ZTicks:          progress.None,
		Slot:            -1,
	}
	if slots, err := o.Store.Moves().Slots(); err == nil {
		rep.Slots = len(slots)
	}

	a := &attempt{env: env}
	err := o.find(ctx, a)
	rep.ValidLine = a.progress.ValidLine
	rep.ZTicks = a.progress.ZTicks
	if a.found {
		rep.Slot = a.slot.Index
		rep.SlotLine = a.slot.Record.LineCount
	}
	if err != nil {
		rep.Problem = err.Error()
		return rep, nil
	}
	rep.Replay = a.replay
	rep.SavedZ = a.savedZ
	rep.ZAdjust = a.zAdjust
	rep.ResumeZ = a.resumeZ
	rep.ZHop = a.zHop
	rep.ResumePosition, rep.ResumeLines = a.replay.LastFilePos, a.replay.CurrentLine-1
	if a.replay.TargetIsMove {
		rep.ResumePosition, rep.ResumeLines = a.replay.CurFilePos, a.replay.CurrentLine
	}
	rep.Recoverable = env.RecoveryAttempt == ""
	if !rep.Recoverable {
		rep.Problem = "an earlier recovery attempt was interrupted"
	}
	return rep, nil
}

// ValidateOnStartup discards recovery data that cannot be used: data
// that fails to locate a resume point, and data left by a recovery that
// was itself interrupted. It reports whether usable data remains.
func (o *Orchestrator) ValidateOnStartup(ctx context.Context) bool {
	env, ok := o.Store.FileEnv()
	if !ok || env.FilePath == "" {
		if slots, err := o.Store.Moves().Slots(); err == nil && len(slots) > 0 {
			o.discard("move checkpoints without a job")
		}
		return false
	}
	if env.RecoveryAttempt != "" {
		o.log.WithField("attempt", env.RecoveryAttempt).Warn("previous recovery attempt did not finish")
		o.discard("interrupted recovery attempt")
		return false
	}
	a := &attempt{env: env}
	if err := o.find(ctx, a); err != nil {
		o.log.WithError(err).Warn("recovery data unusable")
		o.discard(err.Error())
		return false
	}
	o.log.WithFields(log.Fields{"file": env.FilePath, "line": a.replay.CurrentLine}).Info("recoverable job found")
	return true
}

func (o *Orchestrator) discard(reason string) {
	if _, err := o.Store.Backup(o.now()); err != nil {
		o.log.WithError(err).Warn("recovery data backup failed")
	}
	if err := o.Store.Clear(); err != nil {
		o.log.WithError(err).Error("unable to remove recovery data")
		return
	}
	o.log.WithField("reason", reason).Info("recovery data discarded")
}

// RefreshTool rewrites the newest usable move checkpoint of a paused job
// as if tool gcodeID had been selected, so a recovery after a manual tool
// swap resumes with the right tool.
func (o *Orchestrator) RefreshTool(ctx context.Context, gcodeID string) error {
	if o.Machine != nil && !o.Machine.Is(printer.StatePrinting) {
		return errors.New(errors.CodeRefreshRejected, "Cannot refresh move environment while not in printing state")
	}
	if o.Stats != nil && o.Stats.State() != printer.PrintStatePaused {
		return errors.New(errors.CodeRefreshRejected, "Cannot refresh move environment while not paused")
	}
	tool, ok := o.Tools.Lookup(gcodeID)
	if !ok {
		return errors.Newf(errors.CodeRefreshRejected, "Cannot refresh move environment without %s", gcodeID)
	}

	lines := o.Dispatcher.Lines()
	minLine := lines
	if max := o.Oracle.MaxCommittedLine(); max != progress.None && max < minLine {
		minLine = max
	}
	moves := o.Store.Moves()
	slots, err := moves.Slots()
	if err != nil {
		return errors.Wrap(err, errors.CodeRefreshRejected, "read move checkpoints")
	}
	slot, ok := progress.Select(slots, minLine)
	if !ok {
		o.log.WithField("line", minLine).Info("no move checkpoint to refresh")
		return nil
	}
	saved, ok := o.Moves.SavedState(pauseState)
	if !ok {
		return errors.New(errors.CodeRefreshRejected, "PAUSE_STATE not found")
	}

	rec := slot.Record
	if rec.LineCount != lines {
		rec.FilePos = o.Dispatcher.FilePosition()
		rec.LineCount = minLine
		rec.Line = o.Dispatcher.CurrentLine()
		rec.Speed = saved.GCodeSpeed()
		rec.MaxAccel, rec.MinCruiseRatio, rec.SquareCornerVelocity = o.Kinematics.VelocityLimits()
		rec.AbsoluteCoord = saved.AbsoluteCoord
		rec.AbsoluteExtrude = saved.AbsoluteExtrude
		rec.HomingPosition = saved.HomingPosition
		rec.BasePosition = saved.BasePosition
		rec.LastPosition = saved.LastPosition
	}
	tracker := replay.NewTracker(rec, o.hooks())
	if err := tracker.Apply(tool.GCodeID + " A0"); err != nil {
		return errors.Wrap(err, errors.CodeRefreshRejected, "apply tool offset")
	}
	st := tracker.State()
	rec.Extruder = tool.GCodeID
	rec.HomingPosition = st.HomingPosition
	rec.BasePosition = st.BasePosition
	rec.LastPosition = st.LastPosition

	if err := moves.Retain(slot.Index); err != nil {
		return errors.Wrap(err, errors.CodeRefreshRejected, "trim move checkpoints")
	}
	if err := moves.Put(slot.Index, &rec, checkpoint.Sync); err != nil {
		return errors.Wrap(err, errors.CodeRefreshRejected, "rewrite move checkpoint")
	}
	moves.SetNext((slot.Index + 1) % moves.Size())
	o.log.WithFields(log.Fields{"tool": tool.GCodeID, "slot": slot.Index, "line": rec.LineCount}).Info("move checkpoint refreshed")
	return nil
}
