// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package host is the command layer in front of the job stream and the
// recovery sequence. It routes G-code commands to their handlers, falls
// back to the machine interpreter for everything else, and exposes the
// operator commands the API surfaces call.
package host

import (
	"context"
	"strings"
	"sync"

	"klipper-powerloss/pkg/checkpoint"
	"klipper-powerloss/pkg/errors"
	"klipper-powerloss/pkg/gcode"
	"klipper-powerloss/pkg/log"
	"klipper-powerloss/pkg/printer"
	"klipper-powerloss/pkg/progress"
	"klipper-powerloss/pkg/recovery"
	"klipper-powerloss/pkg/stream"
)

// Handler runs one parsed command.
type Handler func(ctx context.Context, cmd gcode.Command) error

// Deps are the services the host routes commands to.
type Deps struct {
	Store        *checkpoint.Store
	Oracle       *progress.Oracle
	Dispatcher   *stream.Dispatcher
	Recorder     *stream.Recorder
	Orchestrator *recovery.Orchestrator
	Machine      *printer.Machine
	Stats        *printer.PrintStats
	Heaters      printer.Heaters
	Tools        printer.Tools
	Moves        printer.Moves
	// Interpreter runs every command the host has no handler for.
	Interpreter printer.Executor
	// Respond receives operator messages such as M27 reports.
	Respond func(msg string)
}

// Host dispatches G-code commands. It implements printer.Executor.
type Host struct {
	Deps
	log *log.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	after    map[string]Handler
	pause    *pauseResume
}

// New returns a host with every built-in command registered.
func New(deps Deps) *Host {
	h := &Host{
		Deps:     deps,
		log:      log.GetLogger("host"),
		handlers: make(map[string]Handler),
		after:    make(map[string]Handler),
	}
	h.pause = newPauseResume(h, defaultRecoverVelocity)
	h.registerSDCard()
	h.registerPauseResume()
	h.registerRecovery()
	h.registerRecording()
	return h
}

// Register installs handler for the command name, replacing any earlier
// handler.
func (h *Host) Register(name string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	name = strings.ToUpper(name)
	if handler == nil {
		delete(h.handlers, name)
		return
	}
	h.handlers[name] = handler
}

// Observe installs fn to run after the interpreter executed the command
// name successfully.
func (h *Host) Observe(name string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.after[strings.ToUpper(name)] = fn
}

func (h *Host) lookup(name string) (Handler, Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handlers[name], h.after[name]
}

// Commands lists the registered command names.
func (h *Host) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.handlers))
	for name := range h.handlers {
		names = append(names, name)
	}
	return names
}

// Run implements printer.Executor.
func (h *Host) Run(ctx context.Context, script string) error {
	for _, line := range strings.Split(script, "\n") {
		if err := h.ExecuteLine(ctx, line, 0); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteLine implements printer.Executor.
func (h *Host) ExecuteLine(ctx context.Context, line string, lineNo uint32) error {
	cmd, ok := gcode.Parse(line)
	if !ok {
		return nil
	}
	fn, after := h.lookup(cmd.Name)
	if fn != nil {
		return fn(ctx, cmd)
	}
	if h.Interpreter == nil {
		return errors.Newf(errors.CodeInternal, "unknown command: %s", cmd.Name)
	}
	if err := h.Interpreter.ExecuteLine(ctx, line, lineNo); err != nil {
		return err
	}
	if after != nil {
		return after(ctx, cmd)
	}
	return nil
}

// Command runs an operator script. Outside the job stream it holds the
// dispatch gate so the stream cannot interleave lines with it.
func (h *Host) Command(ctx context.Context, script string) error {
	if !stream.InStream(ctx) && h.Dispatcher != nil && h.Dispatcher.Gate != nil {
		h.Dispatcher.Gate.Lock()
		defer h.Dispatcher.Gate.Unlock()
	}
	return h.Run(ctx, script)
}

func (h *Host) respond(msg string) {
	if h.Respond != nil {
		h.Respond(msg)
		return
	}
	h.log.Info(msg)
}

// Status is the host state reported to clients.
type Status struct {
	State       printer.MainState   `json:"state" yaml:"state"`
	Action      printer.Action      `json:"action" yaml:"action"`
	Stream      stream.Status       `json:"virtual_sdcard" yaml:"virtual_sdcard"`
	PrintStats  printer.PrintStatus `json:"print_stats" yaml:"print_stats"`
	IsPaused    bool                `json:"is_paused" yaml:"is_paused"`
	Recoverable bool                `json:"recoverable" yaml:"recoverable"`
	Recovery    string              `json:"recovery_step" yaml:"recovery_step"`
}

// Status returns the state of the machine, the stream and the recovery
// data.
func (h *Host) Status() Status {
	var st Status
	if h.Machine != nil {
		st.State, st.Action = h.Machine.State()
	}
	if h.Dispatcher != nil {
		st.Stream = h.Dispatcher.Status()
	}
	if h.Stats != nil {
		st.PrintStats = h.Stats.Status()
	}
	st.IsPaused = h.pause.isPaused()
	if h.Store != nil {
		st.Recoverable = h.Store.Exists() && (h.Machine == nil || h.Machine.Is(printer.StateIdle))
	}
	if h.Orchestrator != nil {
		st.Recovery = h.Orchestrator.Step().String()
	}
	return st
}
