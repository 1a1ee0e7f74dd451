// Metrics of the job stream, the checkpoint store and the recovery
// sequence, exported in the Prometheus format.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"klipper-powerloss/pkg/checkpoint"
	"klipper-powerloss/pkg/errors"
	"klipper-powerloss/pkg/printer"
)

const namespace = "plrecovery"

// printStates orders the job states of the state gauge.
var printStates = map[printer.PrintState]float64{
	printer.PrintStateStandby:   0,
	printer.PrintStatePrinting:  1,
	printer.PrintStatePaused:    2,
	printer.PrintStateComplete:  3,
	printer.PrintStateCancelled: 4,
	printer.PrintStateError:     5,
}

// Metrics owns the collectors and the registry they are exported from.
type Metrics struct {
	registry *prometheus.Registry

	LinesDispatched   prometheus.Counter
	StreamErrors      *prometheus.CounterVec
	CheckpointWrites  *prometheus.CounterVec
	CheckpointFailed  *prometheus.CounterVec
	CoalescedWrites   prometheus.Counter
	RecoveryAttempts  *prometheus.CounterVec
	RecoveryStepTime  *prometheus.HistogramVec
	JobState          prometheus.Gauge
	JobPrintDuration  prometheus.Gauge
	JobFilamentUsedMM prometheus.Gauge
}

// New creates the collectors in a private registry, so several instances
// can coexist in one process.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		LinesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_dispatched_total",
			Help:      "Job lines handed to the interpreter.",
		}),
		StreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Job lines that failed, by resulting action.",
		}, []string{"action"}),
		CheckpointWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_writes_total",
			Help:      "Checkpoint documents written, by document and mode.",
		}, []string{"document", "mode"}),
		CheckpointFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_write_failures_total",
			Help:      "Checkpoint writes that failed, by document.",
		}, []string{"document"}),
		CoalescedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_coalesced_total",
			Help:      "Queued asynchronous writes replaced by a newer one.",
		}),
		RecoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_attempts_total",
			Help:      "Recovery attempts, by result.",
		}, []string{"result"}),
		RecoveryStepTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_step_seconds",
			Help:      "Time spent in each recovery step.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"step"}),
		JobState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_state",
			Help:      "Job state (0=standby, 1=printing, 2=paused, 3=complete, 4=cancelled, 5=error).",
		}),
		JobPrintDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_print_duration_seconds",
			Help:      "Print duration of the current job.",
		}),
		JobFilamentUsedMM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_filament_used_mm",
			Help:      "Filament used by the current job.",
		}),
	}
	m.registry.MustRegister(
		m.LinesDispatched, m.StreamErrors,
		m.CheckpointWrites, m.CheckpointFailed, m.CoalescedWrites,
		m.RecoveryAttempts, m.RecoveryStepTime,
		m.JobState, m.JobPrintDuration, m.JobFilamentUsedMM,
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// documentLabel reduces a checkpoint path to a bounded label value: the
// move ring slots all count as one document.
func documentLabel(path string) string {
	base := filepath.Base(path)
	if strings.HasPrefix(base, "pl_print_file_move_env_") {
		return "move"
	}
	base = strings.TrimSuffix(base, ".json")
	base = strings.TrimPrefix(base, "pl_print_")
	return strings.TrimSuffix(base, "_env")
}

// ObserveWrite implements checkpoint.WriteObserver.
func (m *Metrics) ObserveWrite(path string, mode checkpoint.Mode, err error) {
	doc := documentLabel(path)
	if err != nil {
		m.CheckpointFailed.WithLabelValues(doc).Inc()
		return
	}
	m.CheckpointWrites.WithLabelValues(doc, mode.String()).Inc()
}

// ObserveCoalesced implements checkpoint.WriteObserver.
func (m *Metrics) ObserveCoalesced(path string) {
	m.CoalescedWrites.Inc()
}

// LineDispatched implements stream.Observer.
func (m *Metrics) LineDispatched() {
	m.LinesDispatched.Inc()
}

// StreamError implements stream.Observer.
func (m *Metrics) StreamError(action errors.Action) {
	m.StreamErrors.WithLabelValues(string(action)).Inc()
}

// RecoveryStep implements recovery.Observer.
func (m *Metrics) RecoveryStep(step string, took time.Duration) {
	m.RecoveryStepTime.WithLabelValues(step).Observe(took.Seconds())
}

// RecoveryFinished implements recovery.Observer.
func (m *Metrics) RecoveryFinished(result string) {
	m.RecoveryAttempts.WithLabelValues(result).Inc()
}

// UpdateJob samples the print statistics into the job gauges.
func (m *Metrics) UpdateJob(st printer.PrintStatus) {
	m.JobState.Set(printStates[st.State])
	m.JobPrintDuration.Set(st.PrintDuration)
	m.JobFilamentUsedMM.Set(st.FilamentUsed)
}
