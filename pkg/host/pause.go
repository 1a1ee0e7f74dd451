// Pause/resume bookkeeping.
//
// Copyright (C) 2019 Eric Callahan <arksine.code@gmail.com>
// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package host

import (
	"context"
	"sync"

	"klipper-powerloss/pkg/errors"
	"klipper-powerloss/pkg/gcode"
	"klipper-powerloss/pkg/log"
	"klipper-powerloss/pkg/printer"
)

// PauseState is the saved G-code state of a paused job.
const PauseState = "PAUSE_STATE"

const defaultRecoverVelocity = 50.0

// pauseResume tracks whether the job is paused and owns the saved
// G-code state it resumes from.
type pauseResume struct {
	h               *Host
	recoverVelocity float64

	mu          sync.Mutex
	paused      bool
	sdPaused    bool
	pauseSent   bool
	runout      bool
	pauseReason string
}

func newPauseResume(h *Host, recoverVelocity float64) *pauseResume {
	if recoverVelocity <= 0 {
		recoverVelocity = defaultRecoverVelocity
	}
	return &pauseResume{h: h, recoverVelocity: recoverVelocity}
}

func (pr *pauseResume) isPaused() bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.paused
}

func (pr *pauseResume) clear() {
	pr.mu.Lock()
	pr.paused = false
	pr.sdPaused = false
	pr.pauseSent = false
	pr.runout = false
	pr.pauseReason = ""
	pr.mu.Unlock()
}

func (h *Host) registerPauseResume() {
	h.Register("PAUSE", h.cmdPause)
	h.Register("RESUME", h.cmdResume)
	h.Register("CLEAR_PAUSE", func(ctx context.Context, cmd gcode.Command) error {
		h.pause.clear()
		return nil
	})
	h.Register("CANCEL_PRINT", func(ctx context.Context, cmd gcode.Command) error {
		return h.Cancel(ctx)
	})
}

// Pause stops the stream after the line in flight and saves the G-code
// state under PauseState. Pausing a paused job does nothing.
func (h *Host) Pause(ctx context.Context, reason string) error {
	pr := h.pause
	pr.mu.Lock()
	if pr.paused {
		pr.mu.Unlock()
		h.log.Info("job already paused")
		return nil
	}
	sent := pr.pauseSent
	pr.pauseSent = true
	pr.pauseReason = reason
	pr.runout = reason == "runout"
	pr.mu.Unlock()

	active := h.Dispatcher.IsActive()
	if !sent && active {
		if err := h.Dispatcher.Pause(ctx); err != nil {
			return err
		}
	}
	if h.Moves != nil {
		h.Moves.SaveState(PauseState)
	}
	pr.mu.Lock()
	pr.sdPaused = active
	pr.paused = true
	pr.mu.Unlock()
	h.log.WithFields(log.Fields{"reason": reason, "sd": active}).Info("job paused")
	return nil
}

func (h *Host) cmdPause(ctx context.Context, cmd gcode.Command) error {
	reason := "manual"
	switch {
	case cmd.Has("IS_RUNOUT"):
		reason = "runout"
	case cmd.Has("ON_ERROR"):
		reason = "error"
	}
	return h.Pause(ctx, reason)
}

// Resume moves back to the position saved at pause and continues the
// stream. velocity <= 0 uses the default recover velocity.
func (h *Host) Resume(ctx context.Context, velocity float64) error {
	pr := h.pause
	if !pr.isPaused() {
		h.log.Info("job is not paused, resume ignored")
		return nil
	}
	if h.Machine != nil {
		if err := h.Machine.Require("RESUME", printer.StatePrinting); err != nil {
			return err
		}
	}
	if velocity <= 0 {
		velocity = pr.recoverVelocity
	}
	if h.Moves != nil {
		if err := h.Moves.RestoreState(ctx, PauseState, true, velocity); err != nil {
			return errors.Wrap(err, errors.CodeInternal, "restore paused state")
		}
	}
	pr.mu.Lock()
	sd := pr.sdPaused
	pr.mu.Unlock()
	if sd {
		if err := h.Dispatcher.Resume(nil); err != nil {
			return err
		}
	}
	pr.clear()
	h.log.WithField("velocity", velocity).Info("job resumed")
	return nil
}

func (h *Host) cmdResume(ctx context.Context, cmd gcode.Command) error {
	velocity, err := cmd.FloatDefault("VELOCITY", 0, gcode.Above(0))
	if err != nil {
		return err
	}
	return h.Resume(ctx, velocity)
}

// Cancel ends the job, paused or streaming.
func (h *Host) Cancel(ctx context.Context) error {
	if err := h.Dispatcher.Cancel(ctx); err != nil {
		return err
	}
	h.pause.clear()
	h.log.Info("job cancelled")
	return nil
}
