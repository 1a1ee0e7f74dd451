// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"klipper-powerloss/pkg/config"
	"klipper-powerloss/pkg/errors"
	"klipper-powerloss/pkg/gcode"
	"klipper-powerloss/pkg/host"
	"klipper-powerloss/pkg/recovery"
	"klipper-powerloss/pkg/sim"
)

const simJobName = "simulated.gcode"

// simOptions shape one simulated crash and recovery.
type simOptions struct {
	Lines      int
	CrashAfter int
	Interval   uint32
	Timeout    time.Duration
}

// simResult is the outcome of a simulation.
type simResult struct {
	Dir         string           `json:"dir" yaml:"dir"`
	Lines       int              `json:"lines" yaml:"lines"`
	CrashAfter  int              `json:"crash_after" yaml:"crash_after"`
	Crashed     bool             `json:"crashed" yaml:"crashed"`
	Report      *recovery.Report `json:"report,omitempty" yaml:"report,omitempty"`
	Restored    bool             `json:"restored" yaml:"restored"`
	FinalState  string           `json:"final_state" yaml:"final_state"`
	ResumedFrom uint32           `json:"resumed_from" yaml:"resumed_from"`
	Executed    int              `json:"executed_after_restore" yaml:"executed_after_restore"`
	Error       string           `json:"error,omitempty" yaml:"error,omitempty"`
}

// simulatedJob is a small two temperature print with n lines.
func simulatedJob(n int) []string {
	lines := []string{"G28", "T0", "M104 S210", "M140 S60", "G90", "M83", "G1 Z0.3 F600", "M106 S128"}
	for len(lines) < n {
		i := len(lines)
		if i%50 == 0 {
			lines = append(lines, fmt.Sprintf("G1 Z%.1f F600", 0.3+float64(i/50)*0.2))
			continue
		}
		lines = append(lines, fmt.Sprintf("G1 X%d Y%d E0.05 F3000", i%100, (i*7)%100))
	}
	return lines
}

func waitStopped(sys *host.System, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return sys.Dispatcher.WaitStopped(ctx)
}

// runSimulation prints a job on a simulated machine, cuts the power
// after opts.CrashAfter moves, boots a second host over the same files
// and machine, and restores the job.
func runSimulation(ctx context.Context, cfg *config.Config, dir string, opts simOptions) (*simResult, error) {
	cfg.Store.Dir = filepath.Join(dir, "env")
	cfg.Stream.SDCardDir = filepath.Join(dir, "gcodes")
	cfg.Recovery.Enabled = true
	cfg.Recovery.SaveLineInterval = opts.Interval
	cfg.Recovery.PollInterval = 10 * time.Millisecond
	if err := os.MkdirAll(cfg.Stream.SDCardDir, 0o755); err != nil {
		return nil, err
	}
	job := strings.Join(simulatedJob(opts.Lines), "\n") + "\n"
	if err := os.WriteFile(filepath.Join(cfg.Stream.SDCardDir, simJobName), []byte(job), 0o644); err != nil {
		return nil, err
	}

	res := &simResult{Dir: dir, Lines: opts.Lines, CrashAfter: opts.CrashAfter}
	machine := sim.New(sim.DefaultConfig())

	first, err := host.Assemble(ctx, cfg, machine, machine.Controllers()...)
	if err != nil {
		return nil, err
	}
	var moves atomic.Int64
	first.Observe("G1", func(ctx context.Context, cmd gcode.Command) error {
		if moves.Add(1) != int64(opts.CrashAfter) {
			return nil
		}
		machine.PowerLoss()
		res.Crashed = true
		return errors.New(errors.CodeInternal, "simulated power loss").SetAction(errors.ActionPause)
	})
	if err := first.StartJob(ctx, simJobName); err != nil {
		first.Close()
		return nil, err
	}
	err = waitStopped(first, opts.Timeout)
	if flushErr := first.Store.Flush(); err == nil {
		err = flushErr
	}
	if closeErr := first.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, err
	}
	if !res.Crashed {
		res.FinalState = string(first.Status().PrintStats.State)
		return res, nil
	}

	second, err := host.Assemble(ctx, cfg, machine, machine.Controllers()...)
	if err != nil {
		return nil, err
	}
	defer second.Close()
	res.Report, err = second.Inspect(ctx)
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}
	before := len(machine.History())
	if err := second.Restore(ctx); err != nil {
		res.Error = err.Error()
		res.FinalState = string(second.Status().PrintStats.State)
		return res, nil
	}
	res.Restored = true
	res.ResumedFrom = res.Report.ResumeLines
	if err := waitStopped(second, opts.Timeout); err != nil {
		return nil, err
	}
	res.Executed = len(machine.History()) - before
	res.FinalState = string(second.Status().PrintStats.State)
	return res, nil
}

func newSimulateCmd(opts *globalOptions) *cobra.Command {
	var (
		simOpts simOptions
		dir     string
		keep    bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Crash a simulated print and recover it",
		Long: `simulate prints a generated job on an in-process printer, cuts the power
after a number of moves, restarts the host over the surviving files and
restores the job.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if simOpts.CrashAfter < 1 {
				return fmt.Errorf("--crash-after must be at least 1")
			}
			if dir == "" {
				if dir, err = os.MkdirTemp("", "plrecovery-sim-"); err != nil {
					return err
				}
				if !keep {
					defer os.RemoveAll(dir)
				}
			}
			res, err := runSimulation(cmd.Context(), cfg, dir, simOpts)
			if err != nil {
				return err
			}
			if done, err := render(cmd.OutOrStdout(), opts.output, res); done {
				return err
			}
			printSimulation(cmd.OutOrStdout(), res)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&simOpts.Lines, "lines", 200, "lines in the generated job")
	flags.IntVar(&simOpts.CrashAfter, "crash-after", 40, "moves executed before the power is cut")
	flags.Uint32Var(&simOpts.Interval, "interval", 10, "lines between move checkpoints")
	flags.DurationVar(&simOpts.Timeout, "timeout", 30*time.Second, "bound on each print phase")
	flags.StringVar(&dir, "dir", "", "working directory (default: a temporary directory)")
	flags.BoolVar(&keep, "keep", false, "keep the temporary directory")
	return cmd
}

func printSimulation(w io.Writer, res *simResult) {
	heading.Fprintf(w, "Simulated %d line job in %s\n", res.Lines, res.Dir)
	if !res.Crashed {
		warn.Fprintf(w, "The job ended (%s) before move %d; nothing to recover.\n", res.FinalState, res.CrashAfter)
		return
	}
	fmt.Fprintf(w, "  Power lost after move %d\n", res.CrashAfter)
	if rep := res.Report; rep != nil {
		fmt.Fprintf(w, "  Committed line %d, slot %d at line %d, resume Z %.3f\n",
			rep.ValidLine, rep.Slot, rep.SlotLine, rep.ResumeZ)
	}
	if !res.Restored {
		bad.Fprintf(w, "  Recovery failed: %s\n", res.Error)
		return
	}
	fmt.Fprintf(w, "  Resumed after line %d, %d commands executed\n", res.ResumedFrom, res.Executed)
	if res.FinalState == "complete" {
		good.Fprintln(w, "  Job completed after recovery")
		return
	}
	bad.Fprintf(w, "  Job ended %s after recovery\n", res.FinalState)
}
