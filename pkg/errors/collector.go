// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"sync"
)

// Collector aggregates errors raised while one dispatch or recovery
// invocation runs. Each invocation owns its collector and resets it when
// it finishes.
type Collector struct {
	mu   sync.Mutex
	errs []*HostError
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Add records err. Nil errors are ignored.
func (c *Collector) Add(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, As(err, ActionCancel))
}

// Errors returns a copy of the recorded errors.
func (c *Collector) Errors() []*HostError {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*HostError, len(c.errs))
	copy(out, c.errs)
	return out
}

// Len returns the number of recorded errors.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errs)
}

// Last returns the most recent error, or nil.
func (c *Collector) Last() *HostError {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) == 0 {
		return nil
	}
	return c.errs[len(c.errs)-1]
}

// Err joins the recorded errors, or returns nil when there are none.
func (c *Collector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) == 0 {
		return nil
	}
	errs := make([]error, len(c.errs))
	for i, e := range c.errs {
		errs[i] = e
	}
	return stderrors.Join(errs...)
}

// Reset clears the collector.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = nil
}
