// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package printer declares the machine services the job stream and the
// recovery sequence drive, along with the machine main state and the
// print statistics.
package printer

import (
	"context"

	"klipper-powerloss/pkg/checkpoint"
)

// BedHeater is the heater name of the bed.
const BedHeater = "heater_bed"

// HeaterStatus is a heater reading.
type HeaterStatus struct {
	Temperature float64
	Target      float64
}

// Heaters controls heater targets.
type Heaters interface {
	// Names lists every configured heater.
	Names() []string
	Status(name string) (HeaterStatus, error)
	SetTarget(name string, target float64) error
	// MinExtrudeTemp is the lowest temperature at which the heater's
	// extruder may extrude. Non extruder heaters return 0.
	MinExtrudeTemp(name string) float64
}

// Tool is one extruder.
type Tool struct {
	// Name is the extruder object name, for example "extruder1".
	Name string
	// GCodeID is the command that selects the tool, for example "T1".
	GCodeID string
	Heater  string
	Stepper string
	Offset  [3]float64
}

// Tools manages the tool changer.
type Tools interface {
	List() []Tool
	Lookup(gcodeID string) (Tool, bool)
	// Active returns the selected tool and whether it is fully parked on
	// the carriage.
	Active() (Tool, bool)
	// Activate selects a tool without moving to a purge position.
	Activate(ctx context.Context, gcodeID string) error
	PressureAdvance(stepper string) (advance, smoothTime float64, err error)
	SetPressureAdvance(stepper string, advance, smoothTime float64) error
	// RemapTool resolves a tool index from a job file to a tool id.
	RemapTool(index int) (string, bool)
	// ResetToolMap drops any tool index mapping of the current job.
	ResetToolMap()
}

// Fans reads fan outputs, 0..1.
type Fans interface {
	Speed(name string) (float64, bool)
}

// Kinematics moves and homes the toolhead.
type Kinematics interface {
	// Home homes the given axes ("xy" or "xyz"). zHop lifts Z before
	// moving; a negative value uses the configured hop.
	Home(ctx context.Context, axes string, zHop float64) error
	// IsHoming reports whether a homing move is still in progress.
	IsHoming() bool
	HomedAxes() string
	Position() checkpoint.Coord
	// SetPosition declares the toolhead position and marks the axes in
	// homedAxes as homed.
	SetPosition(pos checkpoint.Coord, homedAxes string) error
	// HomingReference returns the Z stepper reference captured at the
	// last Z homing or position declaration.
	HomingReference() *checkpoint.HomingReference
	// CaptureHomingReference records the current Z stepper position as
	// the new reference, offsetting its Z by zOffset.
	CaptureHomingReference(zOffset float64) (checkpoint.HomingReference, error)
	VelocityLimits() (maxAccel, minCruiseRatio, squareCornerVelocity float64)
	WaitMoves(ctx context.Context) error
}

// MoveState is the live G-code coordinate state.
type MoveState struct {
	AbsoluteCoord   bool
	AbsoluteExtrude bool
	BasePosition    checkpoint.Coord
	LastPosition    checkpoint.Coord
	HomingPosition  checkpoint.Coord
	Speed           float64
	SpeedFactor     float64
	SpeedFactorBak  float64
	ExtrudeFactor   float64
}

// GCodeSpeed returns the feed rate in G-code units.
func (m MoveState) GCodeSpeed() float64 {
	if m.SpeedFactor == 0 {
		return 0
	}
	return m.Speed / m.SpeedFactor
}

// Moves exposes the G-code coordinate state.
type Moves interface {
	State() MoveState
	Restore(MoveState)
	// SaveState stores the state under name, as SAVE_GCODE_STATE does.
	SaveState(name string)
	SavedState(name string) (MoveState, bool)
	// RestoreState restores a saved state, moving back at speed when
	// move is set.
	RestoreState(ctx context.Context, name string, move bool, speed float64) error
}

// Executor runs G-code through the live interpreter.
type Executor interface {
	// Run executes a script of one or more lines.
	Run(ctx context.Context, script string) error
	// ExecuteLine executes one job line; lineNo lets peripherals commit
	// the line once its motion is done.
	ExecuteLine(ctx context.Context, line string, lineNo uint32) error
}
