// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package progress reads how far the motion peripherals actually got.
// Each peripheral keeps, in non-volatile memory, the highest job line
// whose motion it committed and the raw position of its steppers. The
// oracle combines those reports into a single reading.
package progress

import (
	"fmt"
	"sync"

	"klipper-powerloss/pkg/log"
)

// None marks an absent line or position in peripheral reports.
const None uint32 = 0xFFFFFFFF

// epochLimit is the first epoch value that wraps back to 1.
const epochLimit uint32 = 0xFFFFFFFE

// StepperZ is the stepper whose position gives the Z coordinate.
const StepperZ = "stepper_z"

// StepperProgress is what a peripheral recorded for one stepper.
type StepperProgress struct {
	Line     uint32
	Position uint32
}

// Report is the persisted progress of one peripheral.
type Report struct {
	Epoch    uint32
	Steppers map[string]StepperProgress
}

// Peripheral is a motion controller that records committed lines.
type Peripheral interface {
	Name() string
	// Arm enables recording under epoch, starting from resumeLine.
	Arm(epoch uint32, resumeLine uint32) error
	// Disarm stops recording.
	Disarm() error
	// Query returns the persisted report.
	Query() (Report, error)
}

// Progress is the combined reading. Either field may be None.
type Progress struct {
	ValidLine uint32
	ZTicks    uint32
}

// HasLine reports whether a committed line is known.
func (p Progress) HasLine() bool {
	return p.ValidLine != None
}

// HasZ reports whether the Z position is known.
func (p Progress) HasZ() bool {
	return p.ZTicks != None
}

// Oracle queries and arms every peripheral.
type Oracle struct {
	enabled     bool
	peripherals []Peripheral
	log         *log.Logger

	mu    sync.Mutex
	armed bool
	epoch uint32
}

// NewOracle returns an oracle over peripherals. A disabled oracle reports
// nothing and ignores arm requests.
func NewOracle(enabled bool, peripherals ...Peripheral) *Oracle {
	return &Oracle{
		enabled:     enabled && len(peripherals) > 0,
		peripherals: peripherals,
		log:         log.GetLogger("progress"),
	}
}

// Enabled reports whether any peripheral records progress.
func (o *Oracle) Enabled() bool {
	return o.enabled
}

// Armed returns whether recording is on and under which epoch.
func (o *Oracle) Armed() (bool, uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.armed, o.epoch
}

func (o *Oracle) reports() map[string]Report {
	out := make(map[string]Report, len(o.peripherals))
	for _, p := range o.peripherals {
		r, err := p.Query()
		if err != nil {
			o.log.WithError(err).WithField("peripheral", p.Name()).Warn("progress query failed")
			continue
		}
		out[p.Name()] = r
	}
	return out
}

// NextEpoch returns one more than the largest epoch any peripheral
// reports, wrapping to 1 before the value reserved for None.
func (o *Oracle) NextEpoch() uint32 {
	var max uint32
	found := false
	for _, r := range o.reports() {
		if r.Epoch == None {
			continue
		}
		if !found || r.Epoch > max {
			max = r.Epoch
			found = true
		}
	}
	return nextEpoch(max, found)
}

func nextEpoch(max uint32, found bool) uint32 {
	if !found || max >= epochLimit {
		return 1
	}
	return max + 1
}

// Query combines the reports of peripherals armed under epoch: the
// committed line is the largest any of them reports, Z comes from the
// peripheral that drives the Z stepper.
func (o *Oracle) Query(epoch uint32) Progress {
	p := Progress{ValidLine: None, ZTicks: None}
	if !o.enabled {
		return p
	}
	for name, r := range o.reports() {
		if r.Epoch != epoch {
			o.log.WithFields(log.Fields{"peripheral": name, "epoch": r.Epoch, "want": epoch}).Debug("stale progress ignored")
			continue
		}
		for stepper, sp := range r.Steppers {
			if sp.Line != None && (p.ValidLine == None || sp.Line > p.ValidLine) {
				p.ValidLine = sp.Line
			}
			if stepper == StepperZ && sp.Position != None {
				p.ZTicks = sp.Position
			}
		}
	}
	return p
}

// MaxCommittedLine returns the largest line any peripheral reports,
// whatever its epoch.
func (o *Oracle) MaxCommittedLine() uint32 {
	line := None
	if !o.enabled {
		return line
	}
	for _, r := range o.reports() {
		for _, sp := range r.Steppers {
			if sp.Line != None && (line == None || sp.Line > line) {
				line = sp.Line
			}
		}
	}
	return line
}

// Arm starts recording on every peripheral under a fresh epoch and
// returns it.
func (o *Oracle) Arm(resumeLine uint32) (uint32, error) {
	if !o.enabled {
		o.log.Debug("no progress peripheral detected, arm ignored")
		return 0, nil
	}
	epoch := o.NextEpoch()
	if err := o.ArmEpoch(epoch, resumeLine); err != nil {
		return 0, err
	}
	return epoch, nil
}

// ArmEpoch starts recording under a caller-chosen epoch.
func (o *Oracle) ArmEpoch(epoch, resumeLine uint32) error {
	if !o.enabled {
		return nil
	}
	for _, p := range o.peripherals {
		if err := p.Arm(epoch, resumeLine); err != nil {
			return fmt.Errorf("arm %s: %w", p.Name(), err)
		}
	}
	o.mu.Lock()
	o.armed = true
	o.epoch = epoch
	o.mu.Unlock()
	o.log.WithFields(log.Fields{"epoch": epoch, "line": resumeLine}).Info("progress recording armed")
	return nil
}

// Disarm stops recording on every peripheral. All peripherals are
// disarmed even if one fails; the first error is returned.
func (o *Oracle) Disarm() error {
	if !o.enabled {
		return nil
	}
	var firstErr error
	for _, p := range o.peripherals {
		if err := p.Disarm(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("disarm %s: %w", p.Name(), err)
		}
	}
	o.mu.Lock()
	o.armed = false
	o.mu.Unlock()
	return firstErr
}
