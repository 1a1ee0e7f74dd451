// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sim

import (
	"sync"

	"klipper-powerloss/pkg/progress"
)

type commit struct {
	line  uint32
	ticks uint32
}

// Controller is a simulated motion controller that keeps the last
// committed line in non-volatile memory.
type Controller struct {
	name     string
	steppers []string
	lag      int

	mu      sync.Mutex
	armed   bool
	flash   progress.Report
	pending []commit
	fail    error
}

// NewController returns a controller driving steppers. lag is the number
// of moves queued before a line counts as committed.
func NewController(name string, lag int, steppers ...string) *Controller {
	c := &Controller{
		name:     name,
		steppers: steppers,
		lag:      lag,
		flash:    progress.Report{Epoch: progress.None, Steppers: map[string]progress.StepperProgress{}},
	}
	for _, s := range steppers {
		c.flash.Steppers[s] = progress.StepperProgress{Line: progress.None, Position: progress.None}
	}
	return c
}

// Name implements progress.Peripheral.
func (c *Controller) Name() string {
	return c.name
}

// Arm implements progress.Peripheral.
func (c *Controller) Arm(epoch, resumeLine uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.armed = true
	c.pending = nil
	c.flash.Epoch = epoch
	for _, s := range c.steppers {
		sp := c.flash.Steppers[s]
		sp.Line = resumeLine
		c.flash.Steppers[s] = sp
	}
	return nil
}

// Disarm implements progress.Peripheral.
func (c *Controller) Disarm() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flush()
	c.armed = false
	return nil
}

// Query implements progress.Peripheral.
func (c *Controller) Query() (progress.Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return progress.Report{}, c.fail
	}
	out := progress.Report{Epoch: c.flash.Epoch, Steppers: make(map[string]progress.StepperProgress, len(c.flash.Steppers))}
	for k, v := range c.flash.Steppers {
		out.Steppers[k] = v
	}
	return out, nil
}

// SetFault makes Arm and Query fail with err until cleared with nil.
func (c *Controller) SetFault(err error) {
	c.mu.Lock()
	c.fail = err
	c.mu.Unlock()
}

// Armed reports whether the controller records progress.
func (c *Controller) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

func (c *Controller) commit(line, ticks uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.armed {
		return
	}
	c.pending = append(c.pending, commit{line: line, ticks: ticks})
	for len(c.pending) > c.lag {
		c.write(c.pending[0])
		c.pending = c.pending[1:]
	}
}

func (c *Controller) flush() {
	for _, p := range c.pending {
		c.write(p)
	}
	c.pending = nil
}

func (c *Controller) write(p commit) {
	for _, s := range c.steppers {
		sp := c.flash.Steppers[s]
		sp.Line = p.line
		if s == progress.StepperZ {
			sp.Position = p.ticks
		}
		c.flash.Steppers[s] = sp
	}
}

// powerLoss drops queued moves; the flash survives.
func (c *Controller) powerLoss() {
	c.mu.Lock()
	c.pending = nil
	c.armed = false
	c.mu.Unlock()
}
