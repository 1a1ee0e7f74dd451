// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package recovery resumes a job interrupted by a power loss. It locates
// the last line the motion controllers committed, rebuilds the
// interpreter state from the nearest move checkpoint, brings the machine
// back to that state and hands the job back to the stream.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"klipper-powerloss/pkg/checkpoint"
	"klipper-powerloss/pkg/config"
	"klipper-powerloss/pkg/errors"
	"klipper-powerloss/pkg/log"
	"klipper-powerloss/pkg/printer"
	"klipper-powerloss/pkg/progress"
	"klipper-powerloss/pkg/reactor"
	"klipper-powerloss/pkg/replay"
	"klipper-powerloss/pkg/stream"
)

// Step is a state of the recovery sequence.
type Step int

const (
	StepIdle Step = iota
	StepValidating
	StepLocating
	StepPreflight
	StepHoming
	StepPositionRecovery
	StepReheat
	StepPurge
	StepReposition
	StepSplice
	StepRunning
)

var stepNames = [...]string{
	"idle", "validating", "locating", "preflight", "homing",
	"position_recovery", "reheat", "purge", "reposition", "splice", "running",
}

func (s Step) String() string {
	if int(s) < len(stepNames) {
		return stepNames[s]
	}
	return "unknown"
}

// Outcome tells the sequence how to proceed after a step.
type Outcome int

const (
	// Continue moves on to the next step.
	Continue Outcome = iota
	// StepComplete ends the sequence successfully.
	StepComplete
	// Abort ends the sequence and discards the recovery data.
	Abort
)

// Result is what a step returns.
type Result struct {
	Outcome Outcome
	Reason  string
	Err     error
}

func next() Result {
	return Result{Outcome: Continue}
}

func complete() Result {
	return Result{Outcome: StepComplete}
}

func abort(reason string, err error) Result {
	return Result{Outcome: Abort, Reason: reason, Err: err}
}

// Observer receives recovery events. Implementations must not block.
type Observer interface {
	RecoveryStep(step string, took time.Duration)
	RecoveryFinished(result string)
}

// Deps are the services the orchestrator drives.
type Deps struct {
	Store      *checkpoint.Store
	Oracle     *progress.Oracle
	Reactor    *reactor.Reactor
	Dispatcher *stream.Dispatcher
	Recorder   *stream.Recorder
	Machine    *printer.Machine
	Stats      *printer.PrintStats
	Heaters    printer.Heaters
	Tools      printer.Tools
	Kinematics printer.Kinematics
	Moves      printer.Moves
	Executor   printer.Executor
	Observer   Observer
}

// Orchestrator runs recovery attempts, one at a time.
type Orchestrator struct {
	Deps
	cfg config.RecoveryConfig
	log *log.Logger
	now func() time.Time

	run  sync.Mutex
	mu   sync.Mutex
	step Step
	last []*errors.HostError
}

// New returns an idle orchestrator.
func New(deps Deps, cfg config.RecoveryConfig) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.DefaultPollInterval
	}
	if cfg.HomingRetries <= 0 {
		cfg.HomingRetries = config.DefaultHomingRetries
	}
	return &Orchestrator{
		Deps: deps,
		cfg:  cfg,
		log:  log.GetLogger("recovery"),
		now:  time.Now,
	}
}

// Step returns the step the current attempt is in.
func (o *Orchestrator) Step() Step {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.step
}

// LastErrors returns the errors collected by the previous attempt.
func (o *Orchestrator) LastErrors() []*errors.HostError {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*errors.HostError(nil), o.last...)
}

// JobEnded returns a resumed sequence to StepIdle once its job has left
// the printing state.
func (o *Orchestrator) JobEnded() {
	o.mu.Lock()
	if o.step == StepRunning {
		o.step = StepIdle
	}
	o.mu.Unlock()
}

func (o *Orchestrator) setStep(s Step) {
	o.mu.Lock()
	o.step = s
	o.mu.Unlock()
}

// attempt is the state of one recovery invocation.
type attempt struct {
	id   string
	errs *errors.Collector

	env      checkpoint.FileEnv
	progress progress.Progress
	slot     checkpoint.Slot
	found    bool
	replay   *replay.Result
	tool     printer.Tool
	temps    map[string]float64

	zAdjust  float64
	savedZ   float64
	resumeZ  float64
	zHop     float64
	purged   bool
	liveTemp bool
}

type stepFunc struct {
	step Step
	fn   func(ctx context.Context, a *attempt) Result
}

// Restore runs the whole recovery sequence. The machine must be idle and
// no job may be streaming. On success the job is running again; on any
// failure the recovery data is archived and removed and a
// CodeRestoreFailed error is returned.
func (o *Orchestrator) Restore(ctx context.Context) error {
	if !o.run.TryLock() {
		return errors.New(errors.CodeRestoreFailed, "recovery already in progress")
	}
	defer o.run.Unlock()

	if err := o.precheck(); err != nil {
		return err
	}

	a := &attempt{id: uuid.NewString(), errs: errors.NewCollector()}
	entry := o.log.WithField("attempt", a.id)
	entry.Info("recovery started")
	defer func() {
		o.mu.Lock()
		o.last = a.errs.Errors()
		o.mu.Unlock()
		a.errs.Reset()
	}()

	res := o.walk(ctx, a, []stepFunc{
		{StepValidating, o.validate},
		{StepLocating, o.locate},
		{StepPreflight, o.preflight},
		{StepHoming, o.home},
		{StepPositionRecovery, o.recoverPosition},
		{StepReheat, o.reheat},
		{StepPurge, o.purge},
		{StepReposition, o.reposition},
		{StepSplice, o.splice},
	})
	if res.Outcome == Abort {
		return o.abort(a, res)
	}
	o.setStep(StepRunning)
	o.finished("success")
	entry.WithFields(log.Fields{"line": a.replay.CurrentLine, "slot": a.slot.Index}).Info("recovery complete, job resumed")
	return nil
}

// precheck rejects a restore without touching any state.
func (o *Orchestrator) precheck() error {
	if o.Machine != nil {
		if err := o.Machine.Require("restore", printer.StateIdle); err != nil {
			return err
		}
	}
	if o.Dispatcher != nil && o.Dispatcher.IsActive() {
		return errors.SDBusy()
	}
	if !o.Store.Exists() {
		return errors.NoCheckpoint("no recovery data")
	}
	return nil
}

func (o *Orchestrator) walk(ctx context.Context, a *attempt, steps []stepFunc) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.PanicError(r)
			res = abort(err.Message, err)
		}
	}()
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return abort("recovery cancelled", err)
		}
		o.setStep(s.step)
		start := time.Now()
		res = s.fn(ctx, a)
		if o.Observer != nil {
			o.Observer.RecoveryStep(s.step.String(), time.Since(start))
		}
		switch res.Outcome {
		case Continue:
			continue
		case Abort:
			res.Reason = s.step.String() + ": " + res.Reason
			return res
		default:
			return res
		}
	}
	return complete()
}

// abort discards the recovery data so a second crash cannot resume from
// it again.
func (o *Orchestrator) abort(a *attempt, res Result) error {
	if res.Err != nil {
		a.errs.Add(res.Err)
	} else {
		a.errs.Add(errors.New(errors.CodeRestoreFailed, res.Reason))
	}
	entry := o.log.WithFields(log.Fields{"attempt": a.id, "step": o.Step().String()})
	if res.Err != nil {
		entry = entry.WithError(res.Err)
	}
	entry.Error("recovery aborted: " + res.Reason)

	if path, err := o.Store.Backup(o.now()); err != nil {
		a.errs.Add(err)
		o.log.WithError(err).Warn("recovery data backup failed")
	} else {
		o.log.WithField("archive", path).Info("recovery data archived")
	}
	if o.Recorder != nil {
		o.Recorder.Reset()
	}
	if err := o.Store.Clear(); err != nil {
		a.errs.Add(err)
	}
	if err := o.Oracle.Disarm(); err != nil {
		a.errs.Add(err)
	}
	o.Tools.ResetToolMap()
	if o.Machine != nil {
		o.Machine.ExitToIdle(printer.StatePrinting)
	}
	o.setStep(StepIdle)
	o.finished("abort")

	herr := errors.RestoreFailed(res.Reason)
	herr.Err = res.Err
	return herr.SetContext("attempt", a.id)
}

func (o *Orchestrator) finished(result string) {
	if o.Observer != nil {
		o.Observer.RecoveryFinished(result)
	}
}
