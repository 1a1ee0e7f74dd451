// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package sim is a simulated printer. It implements the machine services
// with an in-memory toolhead, heaters and fans, and motion controllers
// that keep their committed line across a simulated power loss.
package sim

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"klipper-powerloss/pkg/checkpoint"
	"klipper-powerloss/pkg/gcode"
	"klipper-powerloss/pkg/log"
	"klipper-powerloss/pkg/printer"
	"klipper-powerloss/pkg/progress"
	"klipper-powerloss/pkg/replay"
)

// Fan object names.
const (
	PartFan   = "fan"
	AuxFan    = "fan_generic aux_fan"
	CavityFan = "fan_generic cavity_fan"
	Purifier  = "purifier"
)

const ambient = 25.0

// Config describes the simulated machine.
type Config struct {
	Tools          []printer.Tool
	ZStepDist      float64
	ZDirInverted   bool
	MinExtrudeTemp float64
	// CommitLag is the number of moves a controller queues before it
	// commits their line.
	CommitLag int
	ZHop      float64
}

// DefaultConfig is a two tool machine.
func DefaultConfig() Config {
	return Config{
		Tools: []printer.Tool{
			{Name: "extruder", GCodeID: "T0", Heater: "extruder", Stepper: "extruder"},
			{Name: "extruder1", GCodeID: "T1", Heater: "extruder1", Stepper: "extruder1", Offset: [3]float64{0.5, -0.25, 0}},
		},
		ZStepDist:      0.0025,
		MinExtrudeTemp: 170,
		ZHop:           5,
	}
}

type heater struct {
	temperature float64
	target      float64
	minExtrude  float64
}

// Printer is the simulated machine.
type Printer struct {
	cfg         Config
	controllers []*Controller
	log         *log.Logger

	mu         sync.Mutex
	tracker    *replay.Tracker
	heaters    map[string]*heater
	fans       map[string]float64
	pa         map[string][2]float64
	active     string
	parked     bool
	toolMap    map[int]string
	homed      string
	pos        checkpoint.Coord
	motorZ     float64
	zRef       *checkpoint.HomingReference
	lastZHop   float64
	saved      map[string]printer.MoveState
	history    []string
	failures   map[string]error
	activation error
}

// New returns a cold machine with its motion controllers.
func New(cfg Config) *Printer {
	if cfg.ZStepDist <= 0 {
		cfg.ZStepDist = 0.0025
	}
	p := &Printer{
		cfg: cfg,
		controllers: []*Controller{
			NewController("mcu", cfg.CommitLag, "stepper_x", "stepper_y", progress.StepperZ),
			NewController("extruder_mcu", cfg.CommitLag, "extruder", "extruder1"),
		},
		log:      log.GetLogger("sim"),
		failures: map[string]error{},
	}
	p.coldStart()
	return p
}

func (p *Printer) coldStart() {
	p.tracker = replay.NewTracker(checkpoint.MoveRecord{
		Speed:                1500,
		MaxAccel:             5000,
		MinCruiseRatio:       0.5,
		SquareCornerVelocity: 5,
		AbsoluteCoord:        true,
		AbsoluteExtrude:      true,
	}, replay.Hooks{RemapTool: p.remapLocked, ToolOffset: p.toolOffset})
	p.heaters = map[string]*heater{printer.BedHeater: {temperature: ambient}}
	p.pa = map[string][2]float64{}
	for _, t := range p.cfg.Tools {
		p.heaters[t.Heater] = &heater{temperature: ambient, minExtrude: p.cfg.MinExtrudeTemp}
		p.pa[t.Stepper] = [2]float64{0, 0.04}
	}
	p.fans = map[string]float64{PartFan: 0, AuxFan: 0, CavityFan: 0, Purifier: 0}
	p.active = ""
	p.parked = false
	p.toolMap = map[int]string{}
	p.homed = ""
	p.pos = checkpoint.Coord{}
	p.motorZ = 0
	p.zRef = nil
	p.saved = map[string]printer.MoveState{}
}

// Controllers returns the progress peripherals.
func (p *Printer) Controllers() []progress.Peripheral {
	out := make([]progress.Peripheral, len(p.controllers))
	for i, c := range p.controllers {
		out[i] = c
	}
	return out
}

// Controller returns controller i.
func (p *Printer) Controller(i int) *Controller {
	return p.controllers[i]
}

// PowerLoss drops all volatile machine state. Committed progress and
// files on disk survive.
func (p *Printer) PowerLoss() {
	for _, c := range p.controllers {
		c.powerLoss()
	}
	p.mu.Lock()
	p.coldStart()
	p.history = nil
	p.mu.Unlock()
	p.log.Info("power lost")
}

// FailOn makes every command called name fail with err. A nil err
// clears the failure.
func (p *Printer) FailOn(name string, err error) {
	name = strings.ToUpper(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, name)
		return
	}
	p.failures[name] = err
}

// SetActivationFault makes tool activation leave the tool unparked.
func (p *Printer) SetActivationFault(err error) {
	p.mu.Lock()
	p.activation = err
	p.mu.Unlock()
}

// History returns the commands executed since the last power loss.
func (p *Printer) History() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.history...)
}

// LastZHop returns the Z hop of the last homing move.
func (p *Printer) LastZHop() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastZHop
}

// MapTool maps a job file tool index to a tool id.
func (p *Printer) MapTool(index int, gcodeID string) {
	p.mu.Lock()
	p.toolMap[index] = gcodeID
	p.mu.Unlock()
}

// SetTemperature forces a heater reading.
func (p *Printer) SetTemperature(name string, temp float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.heaters[name]; ok {
		h.temperature = temp
	}
}

// Heaters

// Names implements printer.Heaters.
func (p *Printer) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := []string{printer.BedHeater}
	for _, t := range p.cfg.Tools {
		names = append(names, t.Heater)
	}
	return names
}

// Status implements printer.Heaters.
func (p *Printer) Status(name string) (printer.HeaterStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.heaters[name]
	if !ok {
		return printer.HeaterStatus{}, fmt.Errorf("unknown heater '%s'", name)
	}
	return printer.HeaterStatus{Temperature: h.temperature, Target: h.target}, nil
}

// SetTarget implements printer.Heaters. Heaters reach their target
// immediately.
func (p *Printer) SetTarget(name string, target float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setTargetLocked(name, target)
}

func (p *Printer) setTargetLocked(name string, target float64) error {
	h, ok := p.heaters[name]
	if !ok {
		return fmt.Errorf("unknown heater '%s'", name)
	}
	h.target = target
	if target > 0 {
		h.temperature = target
	} else {
		h.temperature = ambient
	}
	return nil
}

// MinExtrudeTemp implements printer.Heaters.
func (p *Printer) MinExtrudeTemp(name string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.heaters[name]; ok {
		return h.minExtrude
	}
	return 0
}

// Tools

// List implements printer.Tools.
func (p *Printer) List() []printer.Tool {
	return append([]printer.Tool(nil), p.cfg.Tools...)
}

// Lookup implements printer.Tools.
func (p *Printer) Lookup(gcodeID string) (printer.Tool, bool) {
	for _, t := range p.cfg.Tools {
		if t.GCodeID == gcodeID {
			return t, true
		}
	}
	return printer.Tool{}, false
}

func (p *Printer) toolOffset(gcodeID string) ([3]float64, bool) {
	t, ok := p.Lookup(gcodeID)
	return t.Offset, ok
}

// Active implements printer.Tools.
func (p *Printer) Active() (printer.Tool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.Lookup(p.active)
	return t, ok && p.parked
}

// Activate implements printer.Tools.
func (p *Printer) Activate(ctx context.Context, gcodeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activateLocked(gcodeID)
}

func (p *Printer) activateLocked(gcodeID string) error {
	if _, ok := p.Lookup(gcodeID); !ok {
		return fmt.Errorf("unknown tool '%s'", gcodeID)
	}
	p.active = gcodeID
	p.parked = p.activation == nil
	return nil
}

// PressureAdvance implements printer.Tools.
func (p *Printer) PressureAdvance(stepper string) (float64, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.pa[stepper]
	if !ok {
		return 0, 0, fmt.Errorf("unknown extruder stepper '%s'", stepper)
	}
	return v[0], v[1], nil
}

// SetPressureAdvance implements printer.Tools.
func (p *Printer) SetPressureAdvance(stepper string, advance, smoothTime float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pa[stepper]; !ok {
		return fmt.Errorf("unknown extruder stepper '%s'", stepper)
	}
	p.pa[stepper] = [2]float64{advance, smoothTime}
	return nil
}

// RemapTool implements printer.Tools.
func (p *Printer) RemapTool(index int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remapLocked(index)
}

func (p *Printer) remapLocked(index int) (string, bool) {
	if id, ok := p.toolMap[index]; ok {
		return id, true
	}
	id := "T" + strconv.Itoa(index)
	_, ok := p.Lookup(id)
	return id, ok
}

// ResetToolMap implements printer.Tools.
func (p *Printer) ResetToolMap() {
	p.mu.Lock()
	p.toolMap = map[int]string{}
	p.mu.Unlock()
}

// Fans

// Speed implements printer.Fans.
func (p *Printer) Speed(name string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.fans[name]
	return v, ok
}

// Kinematics

// Home implements printer.Kinematics.
func (p *Printer) Home(ctx context.Context, axes string, zHop float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.homeLocked(axes, zHop)
}

func (p *Printer) homeLocked(axes string, zHop float64) error {
	axes = strings.ToLower(axes)
	if zHop < 0 {
		zHop = p.cfg.ZHop
	}
	p.lastZHop = zHop
	if zHop > 0 && !strings.Contains(axes, "z") {
		p.motorZ += zHop
		if strings.Contains(p.homed, "z") {
			p.pos[2] += zHop
		}
	}
	st := p.tracker.State()
	for i, a := range "xyz" {
		if !strings.ContainsRune(axes, a) {
			continue
		}
		p.pos[i] = 0
		if !strings.ContainsRune(p.homed, a) {
			p.homed += string(a)
		}
	}
	if strings.Contains(axes, "z") {
		p.zRef = &checkpoint.HomingReference{
			StepperZPos: p.zSteps(),
			ZPos:        0,
			DirInverted: p.cfg.ZDirInverted,
			StepDist:    p.cfg.ZStepDist,
		}
	}
	st.LastPosition[0], st.LastPosition[1], st.LastPosition[2] = p.pos[0], p.pos[1], p.pos[2]
	p.tracker.Restore(st)
	return nil
}

// IsHoming implements printer.Kinematics.
func (p *Printer) IsHoming() bool {
	return false
}

// HomedAxes implements printer.Kinematics.
func (p *Printer) HomedAxes() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.homed
}

// Position implements printer.Kinematics.
func (p *Printer) Position() checkpoint.Coord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

// SetPosition implements printer.Kinematics.
func (p *Printer) SetPosition(pos checkpoint.Coord, homedAxes string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos = pos
	for _, a := range strings.ToLower(homedAxes) {
		if !strings.ContainsRune(p.homed, a) {
			p.homed += string(a)
		}
	}
	st := p.tracker.State()
	st.LastPosition = pos
	p.tracker.Restore(st)
	return nil
}

// HomingReference implements printer.Kinematics.
func (p *Printer) HomingReference() *checkpoint.HomingReference {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.zRef == nil {
		return nil
	}
	ref := *p.zRef
	return &ref
}

// CaptureHomingReference implements printer.Kinematics.
func (p *Printer) CaptureHomingReference(zOffset float64) (checkpoint.HomingReference, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.zRef = &checkpoint.HomingReference{
		StepperZPos: p.zSteps(),
		ZPos:        p.pos[2] - zOffset,
		DirInverted: p.cfg.ZDirInverted,
		StepDist:    p.cfg.ZStepDist,
	}
	return *p.zRef, nil
}

// VelocityLimits implements printer.Kinematics.
func (p *Printer) VelocityLimits() (float64, float64, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.tracker.State()
	return st.MaxAccel, st.MinCruiseRatio, st.SquareCornerVelocity
}

// WaitMoves implements printer.Kinematics.
func (p *Printer) WaitMoves(ctx context.Context) error {
	return ctx.Err()
}

// zSteps is the Z motor position in steps since power up.
func (p *Printer) zSteps() int64 {
	steps := int64(math.Round(p.motorZ / p.cfg.ZStepDist))
	if p.cfg.ZDirInverted {
		steps = -steps
	}
	return steps
}

// ZTicks returns the Z motor position as a controller reports it.
func (p *Printer) ZTicks() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint32(int32(p.zSteps()))
}

// Moves

func moveState(st replay.State) printer.MoveState {
	return printer.MoveState{
		AbsoluteCoord:   st.AbsoluteCoord,
		AbsoluteExtrude: st.AbsoluteExtrude,
		BasePosition:    st.BasePosition,
		LastPosition:    st.LastPosition,
		HomingPosition:  st.HomingPosition,
		Speed:           st.Speed,
		SpeedFactor:     st.SpeedFactor,
		SpeedFactorBak:  st.SpeedFactorBak,
		ExtrudeFactor:   st.ExtrudeFactor,
	}
}

// State implements printer.Moves.
func (p *Printer) State() printer.MoveState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return moveState(p.tracker.State())
}

// Restore implements printer.Moves.
func (p *Printer) Restore(m printer.MoveState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restoreLocked(m)
}

func (p *Printer) restoreLocked(m printer.MoveState) {
	st := p.tracker.State()
	st.AbsoluteCoord = m.AbsoluteCoord
	st.AbsoluteExtrude = m.AbsoluteExtrude
	st.BasePosition = m.BasePosition
	st.LastPosition = m.LastPosition
	st.HomingPosition = m.HomingPosition
	st.Speed = m.Speed
	st.SpeedFactor = m.SpeedFactor
	st.SpeedFactorBak = m.SpeedFactorBak
	st.ExtrudeFactor = m.ExtrudeFactor
	p.tracker.Restore(st)
}

// SaveState implements printer.Moves.
func (p *Printer) SaveState(name string) {
	if name == "" {
		name = "default"
	}
	p.mu.Lock()
	p.saved[name] = moveState(p.tracker.State())
	p.mu.Unlock()
}

// SavedState implements printer.Moves.
func (p *Printer) SavedState(name string) (printer.MoveState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.saved[name]
	return st, ok
}

// RestoreState implements printer.Moves. With move set the toolhead
// returns to the saved XYZ position; E is kept.
func (p *Printer) RestoreState(ctx context.Context, name string, move bool, speed float64) error {
	if name == "" {
		name = "default"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	saved, ok := p.saved[name]
	if !ok {
		return fmt.Errorf("unknown g-code state: %s", name)
	}
	cur := p.tracker.State()
	next := saved
	if move && speed > 0 {
		next.LastPosition[3] = cur.LastPosition[3]
		p.moveToolhead(next.LastPosition)
	}
	p.restoreLocked(next)
	return nil
}

func (p *Printer) moveToolhead(to checkpoint.Coord) {
	p.motorZ += to[2] - p.pos[2]
	p.pos = to
}

// Executor

// Run implements printer.Executor.
func (p *Printer) Run(ctx context.Context, script string) error {
	for _, line := range strings.Split(script, "\n") {
		if err := p.ExecuteLine(ctx, line, 0); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteLine implements printer.Executor.
func (p *Printer) ExecuteLine(ctx context.Context, line string, lineNo uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd, ok := gcode.Parse(line)
	if !ok {
		return nil
	}
	return p.Handle(ctx, cmd, lineNo)
}

// Handle executes a parsed command. Commands the machine does not know
// are ignored.
func (p *Printer) Handle(ctx context.Context, cmd gcode.Command, lineNo uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, cmd.Raw)
	if err, ok := p.failures[cmd.Name]; ok {
		return err
	}

	switch cmd.Name {
	case "G0", "G1", "G2", "G3":
		return p.move(cmd, lineNo)
	case "G28":
		return p.g28(cmd, lineNo)
	case "M104", "M109":
		return p.setToolTemp(cmd)
	case "M140", "M190":
		s, err := cmd.FloatDefault("S", 0, gcode.MinVal(0))
		if err != nil {
			return err
		}
		return p.setTargetLocked(printer.BedHeater, s)
	case "M106", "M107":
		return p.setFan(cmd)
	case "SET_PRESSURE_ADVANCE":
		return p.setPressureAdvance(cmd)
	case "SAVE_GCODE_STATE":
		name := cmd.Params["NAME"]
		if name == "" {
			name = "default"
		}
		p.saved[name] = moveState(p.tracker.State())
		return nil
	case "M84", "M18":
		p.homed = ""
		return nil
	}
	if idx, ok := cmd.ToolIndex(); ok {
		return p.toolChange(cmd, idx)
	}
	if err := p.tracker.ApplyCommand(cmd); err != nil {
		return err
	}
	return nil
}

func (p *Printer) move(cmd gcode.Command, lineNo uint32) error {
	before := p.tracker.State()
	if err := p.tracker.ApplyCommand(cmd); err != nil {
		return err
	}
	after := p.tracker.State()
	for i, a := range "xyz" {
		if after.LastPosition[i] != before.LastPosition[i] && !strings.ContainsRune(p.homed, a) {
			p.tracker.Restore(before)
			return fmt.Errorf("must home axis first: %.3f %.3f %.3f [%.3f]",
				after.LastPosition[0], after.LastPosition[1], after.LastPosition[2], after.LastPosition[3])
		}
	}
	if after.LastPosition[3] > before.LastPosition[3] {
		if t, ok := p.Lookup(p.active); ok {
			if h := p.heaters[t.Heater]; h != nil && h.temperature < h.minExtrude {
				p.tracker.Restore(before)
				return fmt.Errorf("extrude below minimum temp")
			}
		}
	}
	p.moveToolhead(after.LastPosition)
	p.commit(lineNo)
	return nil
}

func (p *Printer) g28(cmd gcode.Command, lineNo uint32) error {
	axes := ""
	for _, a := range []string{"X", "Y", "Z"} {
		if cmd.Has(a) {
			axes += strings.ToLower(a)
		}
	}
	if axes == "" {
		axes = "xyz"
	}
	hop, err := cmd.FloatDefault("Z_HOP", -1)
	if err != nil {
		return err
	}
	if err := p.homeLocked(axes, hop); err != nil {
		return err
	}
	p.commit(lineNo)
	return nil
}

func (p *Printer) commit(lineNo uint32) {
	if lineNo == 0 {
		return
	}
	ticks := uint32(int32(p.zSteps()))
	for _, c := range p.controllers {
		c.commit(lineNo, ticks)
	}
}

func (p *Printer) setToolTemp(cmd gcode.Command) error {
	s, err := cmd.FloatDefault("S", 0, gcode.MinVal(0))
	if err != nil {
		return err
	}
	id := p.active
	if cmd.Has("T") {
		t, _, err := cmd.Float("T", gcode.MinVal(0))
		if err != nil {
			return err
		}
		id = "T" + strconv.Itoa(int(t))
	}
	tool, ok := p.Lookup(id)
	if !ok {
		if len(p.cfg.Tools) == 0 {
			return fmt.Errorf("no extruder")
		}
		tool = p.cfg.Tools[0]
	}
	return p.setTargetLocked(tool.Heater, s)
}

var fanIndex = map[string]string{"": PartFan, "0": PartFan, "1": AuxFan, "2": CavityFan, "3": Purifier}

func (p *Printer) setFan(cmd gcode.Command) error {
	name, ok := fanIndex[cmd.Params["P"]]
	if !ok {
		return fmt.Errorf("unknown fan index '%s'", cmd.Params["P"])
	}
	if cmd.Name == "M107" {
		p.fans[name] = 0
		return nil
	}
	s, err := cmd.FloatDefault("S", 255, gcode.MinVal(0), gcode.MaxVal(255))
	if err != nil {
		return err
	}
	p.fans[name] = s / 255
	return nil
}

func (p *Printer) setPressureAdvance(cmd gcode.Command) error {
	stepper := cmd.Params["EXTRUDER"]
	if stepper == "" {
		if t, ok := p.Lookup(p.active); ok {
			stepper = t.Stepper
		}
	}
	cur, ok := p.pa[stepper]
	if !ok {
		return fmt.Errorf("unknown extruder stepper '%s'", stepper)
	}
	adv, err := cmd.FloatDefault("ADVANCE", cur[0], gcode.MinVal(0))
	if err != nil {
		return err
	}
	smooth, err := cmd.FloatDefault("SMOOTH_TIME", cur[1], gcode.MinVal(0), gcode.MaxVal(0.2))
	if err != nil {
		return err
	}
	p.pa[stepper] = [2]float64{adv, smooth}
	return nil
}

func (p *Printer) toolChange(cmd gcode.Command, idx int) error {
	id := cmd.Name
	remap, err := cmd.FloatDefault("A", 1, gcode.MinVal(0))
	if err != nil {
		return err
	}
	if remap != 0 {
		if mapped, ok := p.remapLocked(idx); ok {
			id = mapped
		}
	}
	if err := p.activateLocked(id); err != nil {
		return err
	}
	return p.tracker.ApplyCommand(cmd)
}
