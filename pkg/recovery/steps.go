// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package recovery

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"klipper-powerloss/pkg/checkpoint"
	"klipper-powerloss/pkg/errors"
	"klipper-powerloss/pkg/log"
	"klipper-powerloss/pkg/printer"
	"klipper-powerloss/pkg/progress"
	"klipper-powerloss/pkg/replay"
)

// resumeAccel is the acceleration used while moving back to the part.
const resumeAccel = 10000

func (o *Orchestrator) validate(ctx context.Context, a *attempt) Result {
	env, ok := o.Store.FileEnv()
	if !ok || env.FilePath == "" {
		return abort("no recovery data", errors.NoCheckpoint("file environment missing"))
	}
	a.env = env
	if o.Machine != nil {
		o.Machine.Enter(printer.StatePrinting, printer.ActionPLRestore)
	}
	if err := o.Store.Save(checkpoint.DocFile, checkpoint.Document{"recovery_attempt": a.id}, checkpoint.Sync); err != nil {
		return abort("unable to mark recovery attempt", err)
	}
	return next()
}

func (o *Orchestrator) locate(ctx context.Context, a *attempt) Result {
	if err := o.find(ctx, a); err != nil {
		return abort(err.Error(), err)
	}
	o.log.WithFields(log.Fields{
		"valid_line": a.progress.ValidLine,
		"slot":       a.slot.Index,
		"slot_line":  a.slot.Record.LineCount,
		"target":     a.replay.TargetLine,
		"z":          a.resumeZ,
	}).Info("interrupted line located")
	return next()
}

// find fills in everything the sequence derives from the recovery data.
// It has no side effects.
func (o *Orchestrator) find(ctx context.Context, a *attempt) error {
	a.progress = o.Oracle.Query(a.env.EnvFlag)
	if !a.progress.HasLine() {
		return errors.NoCheckpoint("motion controllers report no committed line")
	}
	slots, err := o.Store.Moves().Slots()
	if err != nil {
		return fmt.Errorf("read move checkpoints: %w", err)
	}
	slot, ok := progress.Select(slots, a.progress.ValidLine)
	if !ok {
		return errors.NoCheckpoint(fmt.Sprintf("no move checkpoint at or before line %d", a.progress.ValidLine))
	}
	a.slot = slot
	a.found = true
	ref := slot.Record.HomingReference
	if ref == nil || ref.StepDist <= 0 || !a.progress.HasZ() {
		return fmt.Errorf("invalid z_info or stepper position data")
	}

	if a.env.FileHash != "" {
		hash, size, err := checkpoint.Fingerprint(a.env.FilePath)
		if err != nil {
			return fmt.Errorf("fingerprint job file: %w", err)
		}
		if hash != a.env.FileHash || (a.env.FileSize != 0 && size != a.env.FileSize) {
			return fmt.Errorf("job file %s changed since it was printed", a.env.FilePath)
		}
	}

	res, err := replay.Replay(ctx, replay.Options{
		FilePath: a.env.FilePath,
		Slot:     slot.Index,
		Record:   slot.Record,
		Target:   a.progress.ValidLine,
		Factors:  o.Store.Factors(),
		Hooks:    o.hooks(),
	})
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	a.replay = res

	tool, ok := o.Tools.Lookup(res.State.Extruder)
	if !ok {
		return fmt.Errorf("unknown tool %q", res.State.Extruder)
	}
	a.tool = tool
	a.temps = o.Store.Temperatures()
	a.liveTemp = res.TargetOK && res.Target.UsesLiveTemperature()

	a.zAdjust = o.Store.ZAdjust()
	a.savedZ = ref.ZFromTicks(a.progress.ZTicks)
	cal := a.savedZ + a.zAdjust
	a.resumeZ = cal + o.cfg.ZCompensation
	a.zHop = o.cfg.ZHop
	if o.cfg.ZMaxTravel > 0 && cal+a.zHop > o.cfg.ZMaxTravel {
		capped := math.Round((o.cfg.ZMaxTravel-cal)*100) / 100
		a.zHop = math.Max(0, math.Min(o.cfg.ZHop, capped))
		o.log.WithFields(log.Fields{"z": cal, "z_hop": a.zHop}).Warn("z hop reduced to stay within travel")
	}
	return nil
}

func (o *Orchestrator) hooks() replay.Hooks {
	return replay.Hooks{
		RemapTool: o.Tools.RemapTool,
		ToolOffset: func(id string) ([3]float64, bool) {
			t, ok := o.Tools.Lookup(id)
			return t.Offset, ok
		},
	}
}

// extrusionTemp is the target restored for tool t. The active tool
// resumes at the recorded extrusion temperature unless the interrupted
// command uses the configured targets.
func (o *Orchestrator) extrusionTemp(a *attempt, t printer.Tool) float64 {
	temp := a.temps[t.Heater]
	rec, ok := a.temps[t.GCodeID]
	if t.GCodeID == a.tool.GCodeID && ok && !a.liveTemp {
		return rec
	}
	return temp
}

func (o *Orchestrator) preflight(ctx context.Context, a *attempt) Result {
	for _, t := range o.Tools.List() {
		if err := o.Heaters.SetTarget(t.Heater, o.extrusionTemp(a, t)); err != nil {
			return abort("set "+t.Heater+" target", err)
		}
	}
	if bed, ok := a.temps[printer.BedHeater]; ok {
		if err := o.Heaters.SetTarget(printer.BedHeater, bed); err != nil {
			return abort("set bed target", err)
		}
	}

	pa := o.Store.PressureAdvance()
	for _, t := range o.Tools.List() {
		v, ok := pa[t.Stepper]
		if !ok {
			continue
		}
		if err := o.Tools.SetPressureAdvance(t.Stepper, v[0], v[1]); err != nil {
			a.errs.Add(err)
			o.log.WithError(err).WithField("stepper", t.Stepper).Warn("pressure advance not restored")
		}
	}

	fans := o.Store.Fans()
	keys := make([]string, 0, len(fans))
	for k := range fans {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := o.Executor.Run(ctx, fans[k]); err != nil {
			return abort("restore fan "+k, err)
		}
	}
	return next()
}

func (o *Orchestrator) home(ctx context.Context, a *attempt) Result {
	st, err := o.Heaters.Status(a.tool.Heater)
	if err != nil {
		return abort("read "+a.tool.Heater, err)
	}
	if st.Temperature+o.cfg.HeatTolerance < o.cfg.ZHopTemp {
		o.log.WithFields(log.Fields{"heater": a.tool.Heater, "target": o.cfg.ZHopTemp}).Info("preheating nozzle before homing")
		if st.Target < o.cfg.ZHopTemp {
			if err := o.Heaters.SetTarget(a.tool.Heater, o.cfg.ZHopTemp); err != nil {
				return abort("preheat", err)
			}
		}
		if err := o.waitHeaters(ctx, map[string]float64{a.tool.Heater: o.cfg.ZHopTemp}); err != nil {
			return abort("preheat", err)
		}
	}

	if err := o.Kinematics.Home(ctx, "xy", a.zHop); err != nil {
		return abort("home x y", err)
	}
	if err := o.Tools.Activate(ctx, a.tool.GCodeID); err != nil {
		return abort("activate "+a.tool.GCodeID, err)
	}
	if err := o.Kinematics.WaitMoves(ctx); err != nil {
		return abort("wait moves", err)
	}
	if err := o.Reactor.WaitFor(ctx, func() bool { return !o.Kinematics.IsHoming() },
		o.cfg.PollInterval, o.cfg.PollInterval*time.Duration(o.cfg.HomingRetries)); err != nil {
		return abort("homing did not finish", err)
	}
	active, parked := o.Tools.Active()
	if !parked || active.GCodeID != a.tool.GCodeID {
		return abort(fmt.Sprintf("pre-extrude err, abnormal tool activation: %s parked=%v", active.GCodeID, parked), nil)
	}
	if o.cfg.MoveExtrudeScript != "" {
		if err := o.Executor.Run(ctx, o.cfg.MoveExtrudeScript); err != nil {
			return abort("move to purge position", err)
		}
		if err := o.Kinematics.WaitMoves(ctx); err != nil {
			return abort("wait moves", err)
		}
	}
	return next()
}

func (o *Orchestrator) recoverPosition(ctx context.Context, a *attempt) Result {
	pos := o.Kinematics.Position()
	// Z stays unhomed while X and Y home, so the hop is on top of the
	// recorded height.
	pos[2] = a.resumeZ + a.zHop
	if err := o.Kinematics.SetPosition(pos, "z"); err != nil {
		return abort("set position", err)
	}
	ref, err := o.Kinematics.CaptureHomingReference(o.cfg.ZCompensation)
	if err != nil {
		return abort("capture homing reference", err)
	}

	st := a.replay.State
	ms := o.Moves.State()
	ms.BasePosition = st.BasePosition
	ms.HomingPosition = st.HomingPosition
	ms.LastPosition = o.Kinematics.Position()
	o.Moves.Restore(ms)

	if err := o.Store.Delete(checkpoint.DocZAdjust); err != nil {
		return abort("remove z adjust", err)
	}
	moves := o.Store.Moves()
	if err := moves.Retain(a.slot.Index); err != nil {
		return abort("trim move checkpoints", err)
	}
	rec := a.slot.Record
	rec.HomingReference = &ref
	if err := moves.Put(a.slot.Index, &rec, checkpoint.Sync); err != nil {
		return abort("rewrite move checkpoint", err)
	}
	a.slot.Record = rec

	epoch, err := o.Oracle.Arm(a.replay.CurrentLine)
	if err != nil {
		return abort("arm progress recording", err)
	}
	if epoch != 0 {
		if err := o.Store.Save(checkpoint.DocFile, checkpoint.Document{"env_flag": epoch}, checkpoint.Sync); err != nil {
			return abort("save epoch", err)
		}
	}
	o.log.WithFields(log.Fields{"z": pos[2], "epoch": epoch}).Info("z position restored")
	return next()
}

func (o *Orchestrator) reheat(ctx context.Context, a *attempt) Result {
	targets := make(map[string]float64)
	if bed, ok := a.temps[printer.BedHeater]; ok {
		targets[printer.BedHeater] = bed
	}
	for _, t := range o.Tools.List() {
		temp := a.temps[t.Heater]
		if t.GCodeID == a.tool.GCodeID && !a.liveTemp {
			minTemp := o.Heaters.MinExtrudeTemp(t.Heater)
			if rec, ok := a.temps[t.GCodeID]; ok && temp < minTemp && rec > minTemp {
				temp = rec
			}
		}
		targets[t.Heater] = temp
	}
	for name, temp := range targets {
		if err := o.Heaters.SetTarget(name, temp); err != nil {
			return abort("set "+name+" target", err)
		}
	}
	if err := o.waitHeaters(ctx, targets); err != nil {
		return abort("reheat", err)
	}
	return next()
}

// waitHeaters waits until every heater is within tolerance of target.
func (o *Orchestrator) waitHeaters(ctx context.Context, targets map[string]float64) error {
	return o.Reactor.WaitFor(ctx, func() bool {
		for name, target := range targets {
			st, err := o.Heaters.Status(name)
			if err != nil || st.Temperature+o.cfg.HeatTolerance < target {
				return false
			}
		}
		return true
	}, o.cfg.PollInterval, o.cfg.HeatTimeout)
}

func (o *Orchestrator) purge(ctx context.Context, a *attempt) Result {
	script := fmt.Sprintf("M220 S100\nM221 S100\nM204 S%d", resumeAccel)
	if err := o.Executor.Run(ctx, script); err != nil {
		return abort("reset factors", err)
	}

	res := a.replay
	extra := 0.0
	if res.TargetIsMove && !res.State.AbsoluteExtrude {
		if e, ok, err := res.Target.Float("E"); err == nil && ok && e < 0 {
			extra = -e
		}
	}
	st, err := o.Heaters.Status(a.tool.Heater)
	if err != nil {
		return abort("read "+a.tool.Heater, err)
	}
	minTemp := o.Heaters.MinExtrudeTemp(a.tool.Heater)
	canExtrude := st.Target > minTemp && st.Temperature >= minTemp
	needExtrude := !res.TargetOK || !res.Target.SkipsPurge()
	if !canExtrude || !needExtrude {
		return next()
	}

	script = fmt.Sprintf("M83\nG0 E%g F%g\nG0 E%g F%g",
		o.cfg.PreExtrudeLen, o.cfg.SpeedPreExtrude*60,
		-(o.cfg.Retract + extra), o.cfg.SpeedRetract*60)
	if err := o.Executor.Run(ctx, script); err != nil {
		return abort("purge", err)
	}
	if o.cfg.AfterExtrudeScript != "" {
		if err := o.Executor.Run(ctx, o.cfg.AfterExtrudeScript); err != nil {
			return abort("after purge", err)
		}
	}
	a.purged = true
	return next()
}

func (o *Orchestrator) reposition(ctx context.Context, a *attempt) Result {
	st := a.replay.State
	target := st.Position()
	script := fmt.Sprintf("SET_VELOCITY_LIMIT SQUARE_CORNER_VELOCITY=%g MINIMUM_CRUISE_RATIO=%g\nG90\nG0 Y%.4f F%g\nG0 X%.4f F%g",
		st.SquareCornerVelocity, st.MinCruiseRatio,
		target[1], o.cfg.SpeedMove*60,
		target[0], o.cfg.SpeedMove*60)
	if !(a.replay.TargetOK && a.replay.Target.HomesZ()) {
		script += fmt.Sprintf("\nG0 Z%.4f F%g", target[2], o.cfg.SpeedResumeZ*60)
	}
	if err := o.Executor.Run(ctx, script); err != nil {
		return abort("move to resume position", err)
	}
	if err := o.Kinematics.WaitMoves(ctx); err != nil {
		return abort("wait moves", err)
	}

	script = ""
	if a.purged {
		script = fmt.Sprintf("M83\nG0 E%g F%g\n", o.cfg.Unretract, o.cfg.SpeedUnretract*60)
	}
	script += fmt.Sprintf("G92 E%.5f", target[3])
	if err := o.Executor.Run(ctx, script); err != nil {
		return abort("restore extruder position", err)
	}

	ms := o.Moves.State()
	ms.AbsoluteCoord = st.AbsoluteCoord
	ms.AbsoluteExtrude = st.AbsoluteExtrude
	ms.ExtrudeFactor = st.ExtrudeFactor
	ms.SpeedFactor = st.SpeedFactor
	ms.SpeedFactorBak = st.SpeedFactorBak
	ms.Speed = st.Speed
	o.Moves.Restore(ms)
	if err := o.Executor.Run(ctx, fmt.Sprintf("M204 S%g", st.MaxAccel)); err != nil {
		return abort("restore acceleration", err)
	}
	return next()
}

func (o *Orchestrator) splice(ctx context.Context, a *attempt) Result {
	if o.Dispatcher.IsActive() {
		return abort("SD busy", errors.SDBusy())
	}
	res := a.replay
	pos, lines := res.LastFilePos, res.CurrentLine-1
	if res.TargetIsMove {
		pos, lines = res.CurFilePos, res.CurrentLine
	}
	if o.Recorder != nil {
		o.Recorder.SetSession(a.env.SessionID)
	}
	if err := o.Dispatcher.Splice(a.env.FilePath, pos, lines); err != nil {
		return abort("reopen job file", err)
	}
	moves := o.Store.Moves()
	moves.SetNext((a.slot.Index + 1) % moves.Size())

	if err := o.Store.Save(checkpoint.DocFile, checkpoint.Document{"recovery_attempt": ""}, checkpoint.Sync); err != nil {
		return abort("clear recovery attempt", err)
	}
	carry := &printer.Carryover{TotalDuration: a.env.TotalDuration, FilamentUsed: a.env.FilamentUsed}
	if layer, ok := o.Store.Layer(); ok {
		carry.Layer = &layer
	}
	if err := o.Dispatcher.Resume(carry); err != nil {
		return abort("resume job", err)
	}
	return complete()
}
