// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package printer

import (
	"sync"

	"klipper-powerloss/pkg/errors"
	"klipper-powerloss/pkg/log"
)

// MainState is the coarse machine state gating operator commands.
type MainState string

const (
	StateIdle     MainState = "IDLE"
	StatePrinting MainState = "PRINTING"
)

// Action tags why the machine entered a state.
type Action string

const (
	ActionPrint     Action = "PRINT"
	ActionPLRestore Action = "PRINT_PL_RESTORE"
)

// StateListener is told about every transition.
type StateListener func(from, to MainState, action Action)

// Machine holds the main state.
type Machine struct {
	mu        sync.Mutex
	state     MainState
	action    Action
	listeners []StateListener
	log       *log.Logger
}

// NewMachine returns a machine in StateIdle.
func NewMachine() *Machine {
	return &Machine{state: StateIdle, log: log.GetLogger("machine")}
}

// State returns the main state and the action that entered it.
func (m *Machine) State() (MainState, Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.action
}

// Is reports whether the machine is in state.
func (m *Machine) Is(state MainState) bool {
	s, _ := m.State()
	return s == state
}

// OnChange registers a listener.
func (m *Machine) OnChange(l StateListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Enter switches to state. Entering the current state only updates the
// action.
func (m *Machine) Enter(state MainState, action Action) {
	m.mu.Lock()
	from := m.state
	m.state = state
	m.action = action
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.Unlock()

	if from != state {
		m.log.WithFields(log.Fields{"from": from, "to": state, "action": action}).Info("main state changed")
	}
	for _, l := range listeners {
		l(from, state, action)
	}
}

// Require fails unless the machine is in state.
func (m *Machine) Require(command string, state MainState) error {
	cur, _ := m.State()
	if cur != state {
		return errors.MachineState(command, string(cur))
	}
	return nil
}

// ExitToIdle returns to StateIdle if the machine is in from.
func (m *Machine) ExitToIdle(from MainState) {
	if m.Is(from) {
		m.Enter(StateIdle, "")
	}
}
