// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package replay

import (
	"fmt"
	"math"
	"strconv"

	"klipper-powerloss/pkg/checkpoint"
	"klipper-powerloss/pkg/gcode"
	"klipper-powerloss/pkg/log"
)

// State is the interpreter state reconstructed by replay. Speed is in
// internal units (mm/s scaled by SpeedFactor); GCodeSpeed converts back.
type State struct {
	Extruder             string
	Speed                float64
	MaxAccel             float64
	MinCruiseRatio       float64
	SquareCornerVelocity float64
	AbsoluteCoord        bool
	AbsoluteExtrude      bool
	BasePosition         checkpoint.Coord
	LastPosition         checkpoint.Coord
	HomingPosition       checkpoint.Coord
	ExtrudeFactor        float64
	SpeedFactor          float64
	SpeedFactorBak       float64
}

// GCodeSpeed returns the feed rate in G-code units (mm/min).
func (s State) GCodeSpeed() float64 {
	return s.Speed / s.SpeedFactor
}

// Position returns the logical G-code position of the toolhead.
func (s State) Position() checkpoint.Coord {
	var p checkpoint.Coord
	for i := range p {
		p[i] = s.LastPosition[i] - s.BasePosition[i]
	}
	p[3] /= s.ExtrudeFactor
	return p
}

// Hooks lets the tracker consult the tool configuration.
type Hooks struct {
	// RemapTool maps a tool index from the job file to the physical tool
	// id. A nil hook or ok=false leaves the active tool unchanged.
	RemapTool func(index int) (gcodeID string, ok bool)
	// ToolOffset returns the configured coordinate offset of a tool.
	ToolOffset func(gcodeID string) (offset [3]float64, ok bool)
}

const defaultSpeedFactor = 1.0 / 60.0

var axes = [4]string{"X", "Y", "Z", "E"}

// Tracker re-applies the state changing subset of G-code to a move
// checkpoint without producing motion.
type Tracker struct {
	state State
	hooks Hooks
	log   *log.Logger
}

// NewTracker seeds a tracker from a move checkpoint.
func NewTracker(rec checkpoint.MoveRecord, hooks Hooks) *Tracker {
	return &Tracker{
		state: State{
			Extruder:             rec.Extruder,
			Speed:                rec.Speed * defaultSpeedFactor,
			MaxAccel:             rec.MaxAccel,
			MinCruiseRatio:       rec.MinCruiseRatio,
			SquareCornerVelocity: rec.SquareCornerVelocity,
			AbsoluteCoord:        rec.AbsoluteCoord,
			AbsoluteExtrude:      rec.AbsoluteExtrude,
			BasePosition:         rec.BasePosition,
			LastPosition:         rec.LastPosition,
			HomingPosition:       rec.HomingPosition,
			ExtrudeFactor:        1,
			SpeedFactor:          defaultSpeedFactor,
			SpeedFactorBak:       defaultSpeedFactor,
		},
		hooks: hooks,
		log:   log.GetLogger("replay"),
	}
}

// State returns a copy of the current state.
func (t *Tracker) State() State {
	return t.state
}

// Restore replaces the tracked state.
func (t *Tracker) Restore(s State) {
	t.state = s
}

// SetFactors installs recorded multipliers. A nil value keeps the
// current one. Changing the speed factor keeps the G-code feed rate.
func (t *Tracker) SetFactors(extrude, speed, speedBak *float64) {
	s := &t.state
	if extrude != nil {
		s.ExtrudeFactor = *extrude
	}
	if speed != nil {
		s.Speed = *speed * s.Speed / s.SpeedFactor
		s.SpeedFactor = *speed
	}
	if speedBak != nil {
		s.SpeedFactorBak = *speedBak
	}
}

// Apply interprets one line. Errors in move lines are logged and the
// line is skipped; errors in other commands are returned.
func (t *Tracker) Apply(line string) error {
	cmd, ok := gcode.Parse(line)
	if !ok {
		return nil
	}
	return t.ApplyCommand(cmd)
}

// ApplyCommand interprets a parsed command.
func (t *Tracker) ApplyCommand(cmd gcode.Command) error {
	s := &t.state
	switch cmd.Name {
	case "M82":
		s.AbsoluteExtrude = true
	case "M83":
		s.AbsoluteExtrude = false
	case "G90":
		s.AbsoluteCoord = true
	case "G91":
		s.AbsoluteCoord = false
	case "G92":
		return t.setPosition(cmd)
	case "M220":
		return t.setSpeedFactor(cmd)
	case "M221":
		return t.setExtrudeFactor(cmd)
	case "M204":
		return t.setAccel(cmd)
	case "SET_VELOCITY_LIMIT":
		return t.setVelocityLimit(cmd)
	case "SET_GCODE_OFFSET":
		return t.setGCodeOffset(cmd)
	case "G0", "G1":
		t.move(cmd)
	case "G2", "G3":
		if s.AbsoluteCoord {
			t.move(cmd)
		}
	default:
		if idx, ok := cmd.ToolIndex(); ok {
			return t.changeTool(cmd, idx)
		}
	}
	return nil
}

func (t *Tracker) setPosition(cmd gcode.Command) error {
	s := &t.state
	var offsets [4]*float64
	given := false
	for i, axis := range axes {
		v, ok, err := cmd.Float(axis)
		if err != nil {
			return err
		}
		if ok {
			vv := v
			offsets[i] = &vv
			given = true
		}
	}
	if !given {
		s.BasePosition = s.LastPosition
		return nil
	}
	for i, off := range offsets {
		if off == nil {
			continue
		}
		v := *off
		if i == 3 {
			v *= s.ExtrudeFactor
		}
		s.BasePosition[i] = s.LastPosition[i] - v
	}
	return nil
}

func (t *Tracker) setSpeedFactor(cmd gcode.Command) error {
	s := &t.state
	if cmd.Has("R") {
		s.Speed = s.GCodeSpeed() * s.SpeedFactorBak
		s.SpeedFactor = s.SpeedFactorBak
	}
	if cmd.Has("S") {
		pct, err := cmd.FloatDefault("S", 100, gcode.Above(0))
		if err != nil {
			return err
		}
		value := pct / (60 * 100)
		s.Speed = s.GCodeSpeed() * value
		s.SpeedFactor = value
	}
	return nil
}

func (t *Tracker) setExtrudeFactor(cmd gcode.Command) error {
	s := &t.state
	pct, err := cmd.FloatDefault("S", 100, gcode.Above(0))
	if err != nil {
		return err
	}
	factor := pct / 100
	lastE := s.LastPosition[3]
	e := (lastE - s.BasePosition[3]) / s.ExtrudeFactor
	s.BasePosition[3] = lastE - e*factor
	s.ExtrudeFactor = factor
	return nil
}

func (t *Tracker) setAccel(cmd gcode.Command) error {
	accel, ok, err := cmd.Float("S", gcode.Above(0))
	if err != nil {
		return err
	}
	if !ok {
		p, pok, err := cmd.Float("P", gcode.Above(0))
		if err != nil {
			return err
		}
		tv, tok, err := cmd.Float("T", gcode.Above(0))
		if err != nil {
			return err
		}
		if !pok || !tok {
			return nil
		}
		accel = math.Min(p, tv)
	}
	t.state.MaxAccel = accel
	return nil
}

func (t *Tracker) setVelocityLimit(cmd gcode.Command) error {
	s := &t.state
	accel, hasAccel, err := cmd.Float("ACCEL", gcode.Above(0))
	if err != nil {
		return err
	}
	scv, hasSCV, err := cmd.Float("SQUARE_CORNER_VELOCITY", gcode.MinVal(0))
	if err != nil {
		return err
	}
	mcr, hasMCR, err := cmd.Float("MINIMUM_CRUISE_RATIO", gcode.MinVal(0), gcode.Below(1))
	if err != nil {
		return err
	}
	if !hasMCR {
		a2d, hasA2D, err := cmd.Float("ACCEL_TO_DECEL", gcode.Above(0))
		if err != nil {
			return err
		}
		if hasA2D {
			ref := s.MaxAccel
			if hasAccel {
				ref = accel
			}
			mcr = 1 - math.Min(1, a2d/ref)
			hasMCR = true
		}
	}
	if hasAccel {
		s.MaxAccel = accel
	}
	if hasSCV {
		s.SquareCornerVelocity = scv
	}
	if hasMCR {
		s.MinCruiseRatio = mcr
	}
	return nil
}

func (t *Tracker) setGCodeOffset(cmd gcode.Command) error {
	s := &t.state
	for i, axis := range axes {
		offset, ok, err := cmd.Float(axis)
		if err != nil {
			return err
		}
		if !ok {
			adj, aok, err := cmd.Float(axis + "_ADJUST")
			if err != nil {
				return err
			}
			if !aok {
				continue
			}
			offset = adj + s.HomingPosition[i]
		}
		delta := offset - s.HomingPosition[i]
		s.BasePosition[i] += delta
		s.HomingPosition[i] = offset
	}
	return nil
}

func (t *Tracker) changeTool(cmd gcode.Command, idx int) error {
	s := &t.state
	old := s.Extruder
	remap, err := cmd.FloatDefault("A", 1, gcode.MinVal(0))
	if err == nil {
		if remap != 0 && t.hooks.RemapTool != nil {
			if id, ok := t.hooks.RemapTool(idx); ok {
				s.Extruder = id
			} else {
				t.log.WithField("line", cmd.Raw).Warn("tool index has no mapping")
			}
		} else {
			s.Extruder = cmd.Name
		}
	}
	if s.Extruder != old && t.hooks.ToolOffset != nil {
		if off, ok := t.hooks.ToolOffset(s.Extruder); ok {
			params := make(map[string]string, len(cmd.Params)+3)
			for k, v := range cmd.Params {
				params[k] = v
			}
			for i := 0; i < 3; i++ {
				params[axes[i]] = formatFloat(off[i])
			}
			if oerr := t.setGCodeOffset(gcode.Command{Name: "SET_GCODE_OFFSET", Params: params, Raw: cmd.Raw}); oerr != nil && err == nil {
				err = oerr
			}
		}
	}
	return err
}

func (t *Tracker) move(cmd gcode.Command) {
	next := t.state
	if err := applyMove(&next, cmd); err != nil {
		t.log.WithError(err).WithField("line", cmd.Raw).Warn("unable to parse move")
		return
	}
	t.state = next
}

func applyMove(s *State, cmd gcode.Command) error {
	for i := 0; i < 3; i++ {
		v, ok, err := cmd.Float(axes[i])
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if !s.AbsoluteCoord {
			s.LastPosition[i] += v
		} else {
			s.LastPosition[i] = v + s.BasePosition[i]
		}
	}
	if v, ok, err := cmd.Float("E"); err != nil {
		return err
	} else if ok {
		v *= s.ExtrudeFactor
		if !s.AbsoluteCoord || !s.AbsoluteExtrude {
			s.LastPosition[3] += v
		} else {
			s.LastPosition[3] = v + s.BasePosition[3]
		}
	}
	if f, ok, err := cmd.Float("F"); err != nil {
		return err
	} else if ok {
		if f <= 0 {
			return fmt.Errorf("invalid speed in '%s'", cmd.Raw)
		}
		s.Speed = f * s.SpeedFactor
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
