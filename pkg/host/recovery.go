// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package host

import (
	"context"
	"fmt"

	"klipper-powerloss/pkg/errors"
	"klipper-powerloss/pkg/gcode"
	"klipper-powerloss/pkg/log"
	"klipper-powerloss/pkg/printer"
	"klipper-powerloss/pkg/recovery"
	"klipper-powerloss/pkg/stream"
)

func (h *Host) registerRecovery() {
	h.Register("PL_RESTORE", func(ctx context.Context, cmd gcode.Command) error {
		return h.Restore(ctx)
	})
	h.Register("PL_CLEAR", func(ctx context.Context, cmd gcode.Command) error {
		return h.ClearRecovery(ctx)
	})
	h.Register("PL_REFRESH_TOOL", func(ctx context.Context, cmd gcode.Command) error {
		tool := cmd.Params["TOOL"]
		if tool == "" && h.Tools != nil {
			active, _ := h.Tools.Active()
			tool = active.GCodeID
		}
		return h.RefreshTool(ctx, tool)
	})
	h.Register("PL_INSPECT", func(ctx context.Context, cmd gcode.Command) error {
		rep, err := h.Inspect(ctx)
		if err != nil {
			return err
		}
		h.respond(fmt.Sprintf("file=%s valid_line=%d slot=%d resume_line=%d z=%.3f recoverable=%v %s",
			rep.FilePath, rep.ValidLine, rep.Slot, rep.ResumeLines, rep.ResumeZ, rep.Recoverable, rep.Problem))
		return nil
	})
}

// Restore resumes the job interrupted by a power loss.
func (h *Host) Restore(ctx context.Context) error {
	if stream.InStream(ctx) {
		return errors.SDBusy()
	}
	if h.Orchestrator == nil {
		return errors.NoCheckpoint("recovery not configured")
	}
	if err := h.Orchestrator.Restore(ctx); err != nil {
		return err
	}
	h.pause.clear()
	return nil
}

// ClearRecovery removes the recovery data. It is refused while a job is
// printing.
func (h *Host) ClearRecovery(ctx context.Context) error {
	if h.Machine != nil && h.Machine.Is(printer.StatePrinting) {
		return errors.New(errors.CodeClearWhilePrinting, "Cannot clear recovery data while printing")
	}
	if h.Recorder != nil {
		h.Recorder.Reset()
	}
	if err := h.Store.Clear(); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "clear recovery data")
	}
	if h.Oracle != nil {
		if err := h.Oracle.Disarm(); err != nil {
			h.log.WithError(err).Warn("disarm progress recording failed")
		}
	}
	h.log.Info("recovery data cleared")
	return nil
}

// RefreshTool rewrites the newest move checkpoint of a paused job for
// tool gcodeID.
func (h *Host) RefreshTool(ctx context.Context, gcodeID string) error {
	if h.Orchestrator == nil {
		return errors.New(errors.CodeRefreshRejected, "recovery not configured")
	}
	return h.Orchestrator.RefreshTool(ctx, gcodeID)
}

// Inspect reports what a recovery would do.
func (h *Host) Inspect(ctx context.Context) (*recovery.Report, error) {
	if h.Orchestrator == nil {
		return nil, errors.NoCheckpoint("recovery not configured")
	}
	return h.Orchestrator.Inspect(ctx)
}

// registerRecording keeps the environment checkpoints current when
// commands change what they record.
func (h *Host) registerRecording() {
	recordTemps := func(ctx context.Context, cmd gcode.Command) error {
		if h.Recorder != nil {
			h.Recorder.RecordTemperature(nil, true, false)
		}
		return nil
	}
	for _, name := range []string{"M104", "M109", "M140", "M190", "SET_HEATER_TEMPERATURE"} {
		h.Observe(name, recordTemps)
	}
	recordFans := func(ctx context.Context, cmd gcode.Command) error {
		if h.Recorder != nil && !stream.InStream(ctx) {
			h.Recorder.RecordFans(nil, true)
		}
		return nil
	}
	h.Observe("M106", recordFans)
	h.Observe("M107", recordFans)
	recordFactors := func(ctx context.Context, cmd gcode.Command) error {
		if h.Recorder != nil {
			h.Recorder.RecordFactors(nil, true)
		}
		return nil
	}
	h.Observe("M220", recordFactors)
	h.Observe("M221", recordFactors)
	h.Observe("SET_PRESSURE_ADVANCE", func(ctx context.Context, cmd gcode.Command) error {
		if h.Recorder != nil {
			h.Recorder.RecordPressureAdvance(nil, true)
		}
		return nil
	})
	h.Observe("SET_GCODE_OFFSET", func(ctx context.Context, cmd gcode.Command) error {
		delta, ok, err := cmd.Float("Z_ADJUST")
		if err != nil || !ok || delta == 0 {
			return err
		}
		if h.Recorder != nil && h.Machine != nil && h.Machine.Is(printer.StatePrinting) {
			h.Recorder.RecordZAdjust(delta)
		}
		return nil
	})
	h.Register("SET_PRINT_STATS_INFO", h.cmdSetPrintStatsInfo)
}

func (h *Host) cmdSetPrintStatsInfo(ctx context.Context, cmd gcode.Command) error {
	total, hasTotal, err := cmd.Float("TOTAL_LAYER", gcode.MinVal(0))
	if err != nil {
		return err
	}
	current, hasCurrent, err := cmd.Float("CURRENT_LAYER", gcode.MinVal(0))
	if err != nil {
		return err
	}
	var totalp, currentp *int
	if hasTotal {
		v := int(total)
		totalp = &v
	}
	if hasCurrent {
		v := int(current)
		currentp = &v
	}
	if h.Stats == nil {
		return nil
	}
	info := h.Stats.SetInfo(totalp, currentp)
	if h.Recorder != nil {
		h.Recorder.RecordLayer(info)
	}
	h.log.WithFields(log.Fields{"layer": info.CurrentLayer, "total": info.TotalLayer}).Debug("print stats info")
	return nil
}
