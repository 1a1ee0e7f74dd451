// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package stream

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"klipper-powerloss/pkg/checkpoint"
	"klipper-powerloss/pkg/config"
	"klipper-powerloss/pkg/log"
	"klipper-powerloss/pkg/printer"
	"klipper-powerloss/pkg/progress"
	"klipper-powerloss/pkg/reactor"
)

// Fan keys of the fan document and the objects they are read from.
var fanSources = []struct {
	key  string
	name string
	cmd  string
}{
	{"M106 S", "fan", "M106"},
	{"M106 P2", "fan_generic cavity_fan", "M106 P2"},
	{"M106 P3", "purifier", "M106 P3"},
}

// RecorderDeps are the services the recorder samples.
type RecorderDeps struct {
	Store      *checkpoint.Store
	Oracle     *progress.Oracle
	Reactor    *reactor.Reactor
	Kinematics printer.Kinematics
	Moves      printer.Moves
	Tools      printer.Tools
	Heaters    printer.Heaters
	Fans       printer.Fans
	Stats      *printer.PrintStats
}

// Recorder decides when checkpoints are written while a job streams.
type Recorder struct {
	RecorderDeps
	cfg config.RecoveryConfig
	log *log.Logger

	mu              sync.Mutex
	allowSave       bool
	notifyStartLine uint32
	nextSaveLine    uint32
	resumeLine      uint32
	filePath        string
	fileHash        string
	fileSize        int64
	sessionID       string
	envTimer        *reactor.Timer
}

// NewRecorder returns a recorder with counters at their job start values.
func NewRecorder(deps RecorderDeps, cfg config.RecoveryConfig) *Recorder {
	r := &Recorder{
		RecorderDeps: deps,
		cfg:          cfg,
		log:          log.GetLogger("recorder"),
	}
	r.Reset()
	return r
}

// Enabled reports whether checkpoints are recorded at all.
func (r *Recorder) Enabled() bool {
	return r.cfg.Enabled && r.Store != nil
}

// Reset returns the counters to their job start values.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifyStartLine = r.cfg.StartSaveLine
	r.nextSaveLine = r.cfg.StartSaveLine
	r.resumeLine = progress.None
	r.allowSave = false
	r.stopTimerLocked()
}

// Resume positions the counters after line lines of a recovered job.
func (r *Recorder) Resume(lines uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifyStartLine = lines + 1
	r.nextSaveLine = lines + r.cfg.SaveLineInterval
	r.resumeLine = lines
}

// Counters returns the arm line and the next move checkpoint line.
func (r *Recorder) Counters() (notifyStart, nextSave uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notifyStartLine, r.nextSaveLine
}

// SetJob names the job file whose identity is recorded.
func (r *Recorder) SetJob(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if path != r.filePath {
		r.fileHash, r.fileSize = "", 0
	}
	r.filePath = path
}

// SetSession installs the session id of a recovered job so its file
// identity keeps the original value.
func (r *Recorder) SetSession(id string) {
	r.mu.Lock()
	r.sessionID = id
	r.mu.Unlock()
}

// Finish ends recording for the job. clear also removes every checkpoint.
func (r *Recorder) Finish(clear bool) error {
	r.Reset()
	if !r.Enabled() {
		return nil
	}
	var firstErr error
	if r.Oracle != nil {
		if err := r.Oracle.Disarm(); err != nil {
			firstErr = err
		}
	}
	if clear {
		if err := r.Store.Clear(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.mu.Lock()
	r.sessionID = ""
	r.mu.Unlock()
	return firstErr
}

// Halt stops recording until the next line starts.
func (r *Recorder) Halt() {
	r.mu.Lock()
	r.allowSave = false
	r.stopTimerLocked()
	r.mu.Unlock()
}

func (r *Recorder) stopTimerLocked() {
	if r.envTimer != nil && r.Reactor != nil {
		r.Reactor.UnregisterTimer(r.envTimer)
	}
	r.envTimer = nil
}

func (r *Recorder) canSave() bool {
	if !r.Enabled() {
		return false
	}
	r.mu.Lock()
	allow := r.allowSave
	r.mu.Unlock()
	return allow && (r.Stats == nil || r.Stats.State() == printer.PrintStatePrinting)
}

// BeginLine runs before a job line executes.
func (r *Recorder) BeginLine(line string, lineNo uint32) {
	if !r.Enabled() {
		return
	}
	r.mu.Lock()
	r.allowSave = true
	notify := r.notifyStartLine
	r.mu.Unlock()

	r.noteLine(line)
	if lineNo == notify {
		r.startRecording()
	}
}

func (r *Recorder) noteLine(line string) {
	s := strings.TrimLeft(strings.TrimRight(line, "\r\n"), " \t")
	switch {
	case strings.HasPrefix(s, "M106"), strings.HasPrefix(s, "M107"):
		off := strings.HasPrefix(s, "M107")
		prefix := "M106"
		if off {
			prefix = "M107"
		}
		state := checkpoint.Document{}
		matched := false
		for _, p := range []string{" S", " P0", " P1", " P2"} {
			if strings.HasPrefix(s, prefix+p) {
				value := s
				if off {
					value = "M106" + p + " S0"
				}
				state["M106"+p] = value
				matched = true
				break
			}
		}
		if !matched && off {
			state["M106 S"] = "M106 S0"
		}
		if len(state) > 0 {
			r.RecordFans(state, false)
		}
	case strings.HasPrefix(s, "M600"), strings.HasPrefix(s, "PAUSE"):
		r.mu.Lock()
		r.allowSave = false
		r.mu.Unlock()
	}
}

// startRecording arms the peripherals and writes every environment
// document once the grace period is over.
func (r *Recorder) startRecording() {
	r.mu.Lock()
	resume := r.resumeLine
	r.mu.Unlock()
	if r.Oracle != nil {
		if _, err := r.Oracle.Arm(resume); err != nil {
			r.log.WithError(err).Error("arm progress recording failed")
		}
	}
	r.RecordFileEnv(checkpoint.Async)
	r.FlushEnv()

	if r.Reactor == nil || r.cfg.FileEnvInterval <= 0 {
		return
	}
	interval := r.cfg.FileEnvInterval.Seconds()
	r.mu.Lock()
	r.stopTimerLocked()
	r.envTimer = r.Reactor.RegisterTimer(func(eventtime float64) float64 {
		if r.canSave() {
			r.RecordFileEnv(checkpoint.Async)
		}
		return eventtime + interval
	}, r.Reactor.Monotonic()+interval)
	r.mu.Unlock()
}

// RecordFileEnv writes the job identity and the print statistics.
func (r *Recorder) RecordFileEnv(mode checkpoint.Mode) {
	if !r.Enabled() {
		return
	}
	r.mu.Lock()
	path := r.filePath
	if r.sessionID == "" {
		r.sessionID = uuid.NewString()
	}
	session := r.sessionID
	if r.fileHash == "" && path != "" {
		if hash, size, err := checkpoint.Fingerprint(path); err != nil {
			r.log.WithError(err).WithField("file", path).Warn("job fingerprint failed")
		} else {
			r.fileHash, r.fileSize = hash, size
		}
	}
	hash, size := r.fileHash, r.fileSize
	r.mu.Unlock()

	var epoch uint32 = 1
	if r.Oracle != nil {
		if armed, e := r.Oracle.Armed(); armed {
			epoch = e
		}
	}
	doc := checkpoint.Document{
		"env_flag":   epoch,
		"file_path":  path,
		"session_id": session,
	}
	if hash != "" {
		doc["file_hash"] = hash
		doc["file_size"] = size
	}
	if r.Stats != nil {
		st := r.Stats.Status()
		doc["total_duration"] = st.TotalDuration
		doc["print_duration"] = st.PrintDuration
		doc["filament_used"] = st.FilamentUsed
	}
	if err := r.Store.Save(checkpoint.DocFile, doc, mode); err != nil {
		r.log.WithError(err).Error("record file env failed")
	}
}

// FlushEnv writes the fan, temperature, factor and pressure advance
// documents from the live machine state.
func (r *Recorder) FlushEnv() {
	r.RecordFans(nil, true)
	r.RecordTemperature(nil, true, false)
	r.RecordFactors(nil, true)
	r.RecordPressureAdvance(nil, true)
}

// RecordFans merges fan restore commands. force samples the fans first.
func (r *Recorder) RecordFans(update checkpoint.Document, force bool) {
	if !r.canSave() {
		return
	}
	doc := checkpoint.Document{}
	if force && r.Fans != nil {
		for _, f := range fanSources {
			if speed, ok := r.Fans.Speed(f.name); ok {
				doc[f.key] = fmt.Sprintf("%s S%d", f.cmd, int(speed*255))
			}
		}
	}
	for k, v := range update {
		doc[k] = v
	}
	r.save(checkpoint.DocFan, doc)
}

// RecordTemperature merges heater targets. force samples every heater
// first. Targets hot enough to extrude are also stored under the tool id
// as the recorded extrusion temperature.
func (r *Recorder) RecordTemperature(update map[string]float64, force, ignoreCondition bool) {
	if !r.Enabled() || (!ignoreCondition && !r.canSave()) {
		return
	}
	temps := map[string]float64{}
	if force && r.Heaters != nil {
		for _, name := range r.Heaters.Names() {
			st, err := r.Heaters.Status(name)
			if err != nil {
				continue
			}
			temps[name] = st.Target
		}
	}
	for k, v := range update {
		temps[k] = v
	}
	doc := checkpoint.Document{}
	for k, v := range temps {
		doc[k] = v
	}
	if r.Tools != nil && r.Heaters != nil {
		for _, tool := range r.Tools.List() {
			target, ok := temps[tool.Heater]
			if ok && target >= r.Heaters.MinExtrudeTemp(tool.Heater)+10 {
				doc[tool.GCodeID] = target
			}
		}
	}
	r.save(checkpoint.DocTemperature, doc)
}

// RecordFactors merges the speed and flow multipliers. force samples the
// live G-code state first.
func (r *Recorder) RecordFactors(update checkpoint.Document, force bool) {
	if !r.canSave() {
		return
	}
	doc := checkpoint.Document{}
	if force && r.Moves != nil {
		st := r.Moves.State()
		doc["speed_factor"] = st.SpeedFactor
		doc["flow_factor"] = st.ExtrudeFactor
		doc["speed_factor_bak"] = st.SpeedFactorBak
	}
	for k, v := range update {
		doc[k] = v
	}
	r.save(checkpoint.DocFactors, doc)
}

// RecordPressureAdvance merges [advance, smooth_time] per extruder
// stepper. force samples every tool first.
func (r *Recorder) RecordPressureAdvance(update map[string][2]float64, force bool) {
	if !r.canSave() {
		return
	}
	doc := checkpoint.Document{}
	if force && r.Tools != nil {
		for _, tool := range r.Tools.List() {
			if tool.Stepper == "" {
				continue
			}
			pa, smooth, err := r.Tools.PressureAdvance(tool.Stepper)
			if err != nil {
				continue
			}
			doc[tool.Stepper] = []float64{pa, smooth}
		}
	}
	for k, v := range update {
		doc[k] = []float64{v[0], v[1]}
	}
	r.save(checkpoint.DocPressureAdvance, doc)
}

// RecordLayer writes the slicer layer progress.
func (r *Recorder) RecordLayer(info checkpoint.LayerInfo) {
	if !r.canSave() {
		return
	}
	r.save(checkpoint.DocLayer, checkpoint.Document{
		"current_layer": info.CurrentLayer,
		"total_layer":   info.TotalLayer,
	})
}

// RecordZAdjust accumulates a manual Z adjustment made while printing.
func (r *Recorder) RecordZAdjust(delta float64) {
	if !r.Enabled() {
		return
	}
	if err := r.Store.AddZAdjust(delta, checkpoint.Async); err != nil {
		r.log.WithError(err).Error("record z adjust failed")
	}
}

func (r *Recorder) save(name checkpoint.DocName, doc checkpoint.Document) {
	if len(doc) == 0 {
		return
	}
	if err := r.Store.Save(name, doc, checkpoint.Async); err != nil {
		r.log.WithError(err).WithField("doc", string(name)).Error("record checkpoint failed")
	}
}

// EndLine runs after a job line executed and writes a move checkpoint
// when one is due.
func (r *Recorder) EndLine(line string, lineNo uint32, filePos int64) {
	if !r.canSave() {
		return
	}
	r.mu.Lock()
	need := lineNo >= r.nextSaveLine
	r.mu.Unlock()
	if strings.HasPrefix(line, "G28") {
		need = true
	}
	if !need || r.Kinematics == nil || !homedXYZ(r.Kinematics.HomedAxes()) {
		return
	}
	rec := r.Snapshot(line, lineNo, filePos)
	r.mu.Lock()
	r.nextSaveLine += r.cfg.SaveLineInterval
	r.mu.Unlock()
	if _, err := r.Store.Moves().Append(&rec, checkpoint.Async); err != nil {
		r.log.WithError(err).WithField("line", lineNo).Error("record move checkpoint failed")
	}
}

// Snapshot captures the live interpreter state as a move record.
func (r *Recorder) Snapshot(line string, lineNo uint32, filePos int64) checkpoint.MoveRecord {
	rec := checkpoint.MoveRecord{
		FilePos:   filePos,
		LineCount: lineNo,
		Line:      line,
	}
	if r.Tools != nil {
		tool, _ := r.Tools.Active()
		rec.Extruder = tool.GCodeID
		if rec.Extruder == "" {
			// Before the first tool change the machine prints with its
			// first extruder.
			if tools := r.Tools.List(); len(tools) > 0 {
				rec.Extruder = tools[0].GCodeID
			}
		}
	}
	if r.Moves != nil {
		st := r.Moves.State()
		rec.Speed = st.GCodeSpeed()
		rec.AbsoluteCoord = st.AbsoluteCoord
		rec.AbsoluteExtrude = st.AbsoluteExtrude
		rec.BasePosition = st.BasePosition
		rec.LastPosition = st.LastPosition
		rec.HomingPosition = st.HomingPosition
	}
	if r.Kinematics != nil {
		rec.MaxAccel, rec.MinCruiseRatio, rec.SquareCornerVelocity = r.Kinematics.VelocityLimits()
		rec.ToolheadPos = r.Kinematics.Position()
		if ref := r.Kinematics.HomingReference(); ref != nil {
			copied := *ref
			rec.HomingReference = &copied
		}
	}
	return rec
}

func homedXYZ(axes string) bool {
	axes = strings.ToLower(axes)
	return strings.Contains(axes, "x") && strings.Contains(axes, "y") && strings.Contains(axes, "z")
}
