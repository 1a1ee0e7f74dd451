// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package host

import (
	"context"

	"klipper-powerloss/pkg/checkpoint"
	"klipper-powerloss/pkg/config"
	"klipper-powerloss/pkg/errors"
	"klipper-powerloss/pkg/metrics"
	"klipper-powerloss/pkg/printer"
	"klipper-powerloss/pkg/progress"
	"klipper-powerloss/pkg/reactor"
	"klipper-powerloss/pkg/recovery"
	"klipper-powerloss/pkg/stream"
)

// Machine is everything the host needs from the printer it drives.
type Machine interface {
	printer.Heaters
	printer.Tools
	printer.Fans
	printer.Kinematics
	printer.Moves
	printer.Executor
}

// System is one running host: the command layer and every service
// behind it.
type System struct {
	*Host
	Config  *config.Config
	Reactor *reactor.Reactor
	Metrics *metrics.Metrics
}

// Assemble opens the checkpoint store, wires the job stream and the
// recovery sequence to machine, and drops recovery data that can no
// longer be resumed. The returned system owns a running reactor; Close
// releases it.
func Assemble(ctx context.Context, cfg *config.Config, machine Machine, peripherals ...progress.Peripheral) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "invalid configuration")
	}
	m := metrics.New()
	store, err := checkpoint.Open(ctx, checkpoint.Options{
		Dir:      cfg.Store.Dir,
		RingSize: cfg.Store.RingSize,
		Backend:  cfg.Store.Backend,
		Flush:    cfg.Store.Flush,
		Observer: m,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "open checkpoint store")
	}

	r := reactor.New()
	r.Run()

	oracle := progress.NewOracle(cfg.Recovery.Enabled, peripherals...)
	stats := printer.NewPrintStats(machine.State)
	state := printer.NewMachine()
	recorder := stream.NewRecorder(stream.RecorderDeps{
		Store:      store,
		Oracle:     oracle,
		Reactor:    r,
		Kinematics: machine,
		Moves:      machine,
		Tools:      machine,
		Heaters:    machine,
		Fans:       machine,
		Stats:      stats,
	}, cfg.Recovery)
	d := stream.NewDispatcher(stream.Deps{
		Reactor:  r,
		Stats:    stats,
		Machine:  state,
		Recorder: recorder,
		Observer: m,
	}, stream.Options{
		SDCardDir:    cfg.Stream.SDCardDir,
		ReadSize:     cfg.Stream.ReadSize,
		OnErrorGCode: cfg.Stream.OnErrorGCode,
		KeepOnExit:   cfg.Store.KeepOnExit,
	})
	orch := recovery.New(recovery.Deps{
		Store:      store,
		Oracle:     oracle,
		Reactor:    r,
		Dispatcher: d,
		Recorder:   recorder,
		Machine:    state,
		Stats:      stats,
		Heaters:    machine,
		Tools:      machine,
		Kinematics: machine,
		Moves:      machine,
		Observer:   m,
	}, cfg.Recovery)

	h := New(Deps{
		Store:        store,
		Oracle:       oracle,
		Dispatcher:   d,
		Recorder:     recorder,
		Orchestrator: orch,
		Machine:      state,
		Stats:        stats,
		Heaters:      machine,
		Tools:        machine,
		Moves:        machine,
		Interpreter:  machine,
	})
	// Job lines and recovery scripts both go through the command layer.
	d.Executor = h
	orch.Executor = h

	state.OnChange(func(from, to printer.MainState, action printer.Action) {
		if to == printer.StateIdle {
			orch.JobEnded()
		}
		m.UpdateJob(stats.Status())
	})
	if orch.ValidateOnStartup(ctx) {
		h.log.Info("recovery data available")
	}
	return &System{Host: h, Config: cfg, Reactor: r, Metrics: m}, nil
}

// Close stops the stream and the reactor and closes the store.
func (s *System) Close() error {
	var errs errors.Collector
	if s.Dispatcher.IsActive() {
		errs.Add(s.Dispatcher.Pause(context.Background()))
	}
	errs.Add(s.Store.Close())
	s.Reactor.End()
	return errs.Err()
}
