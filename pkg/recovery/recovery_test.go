package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-powerloss/pkg/checkpoint"
	"klipper-powerloss/pkg/config"
	"klipper-powerloss/pkg/errors"
	"klipper-powerloss/pkg/printer"
	"klipper-powerloss/pkg/progress"
	"klipper-powerloss/pkg/reactor"
	"klipper-powerloss/pkg/sim"
	"klipper-powerloss/pkg/stream"
)

// lineExecutor runs job lines on the simulated machine, except for the
// line numbers that have a hook installed.
type lineExecutor struct {
	machine *sim.Printer

	mu     sync.Mutex
	onLine map[uint32]func(ctx context.Context) error
}

func (e *lineExecutor) Run(ctx context.Context, script string) error {
	for _, line := range strings.Split(script, "\n") {
		if err := e.ExecuteLine(ctx, line, 0); err != nil {
			return err
		}
	}
	return nil
}

func (e *lineExecutor) ExecuteLine(ctx context.Context, line string, lineNo uint32) error {
	e.mu.Lock()
	fn := e.onLine[lineNo]
	if fn != nil {
		delete(e.onLine, lineNo)
	}
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return e.machine.ExecuteLine(ctx, line, lineNo)
}

// host is one boot of the host process.
type host struct {
	store    *checkpoint.Store
	reactor  *reactor.Reactor
	oracle   *progress.Oracle
	stats    *printer.PrintStats
	state    *printer.Machine
	recorder *stream.Recorder
	d        *stream.Dispatcher
	exec     *lineExecutor
	orch     *Orchestrator
}

type rig struct {
	dir     string
	jobs    string
	cfg     config.RecoveryConfig
	machine *sim.Printer
	offsets []int64
	lines   []string
}

func testConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		Enabled:          true,
		StartSaveLine:    5,
		SaveLineInterval: 5,
		ZHop:             5,
		ZHopTemp:         140,
		ZMaxTravel:       250,
		PreExtrudeLen:    20,
		SpeedPreExtrude:  5,
		Retract:          2,
		Unretract:        2,
		SpeedRetract:     30,
		SpeedUnretract:   5,
		SpeedResumeZ:     30,
		SpeedMove:        200,
		HeatTolerance:    2,
		HeatTimeout:      time.Second,
		PollInterval:     10 * time.Millisecond,
		HomingRetries:    5,
	}
}

func newRig(t *testing.T) *rig {
	t.Helper()
	dir := t.TempDir()
	r := &rig{
		dir:     dir,
		jobs:    filepath.Join(dir, "gcodes"),
		cfg:     testConfig(),
		machine: sim.New(sim.DefaultConfig()),
	}
	require.NoError(t, os.MkdirAll(r.jobs, 0o755))
	return r
}

// boot starts a fresh host over the files and the machine of the rig.
func (r *rig) boot(t *testing.T) *host {
	t.Helper()
	h := &host{exec: &lineExecutor{machine: r.machine, onLine: map[uint32]func(context.Context) error{}}}

	store, err := checkpoint.Open(context.Background(), checkpoint.Options{Dir: filepath.Join(r.dir, "env"), RingSize: 8})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	h.store = store

	h.reactor = reactor.New()
	h.reactor.Run()
	t.Cleanup(h.reactor.End)

	h.oracle = progress.NewOracle(true, r.machine.Controllers()...)
	h.stats = printer.NewPrintStats(r.machine.State)
	h.state = printer.NewMachine()
	h.recorder = stream.NewRecorder(stream.RecorderDeps{
		Store:      store,
		Oracle:     h.oracle,
		Reactor:    h.reactor,
		Kinematics: r.machine,
		Moves:      r.machine,
		Tools:      r.machine,
		Heaters:    r.machine,
		Fans:       r.machine,
		Stats:      h.stats,
	}, r.cfg)
	h.d = stream.NewDispatcher(stream.Deps{
		Reactor:  h.reactor,
		Executor: h.exec,
		Stats:    h.stats,
		Machine:  h.state,
		Recorder: h.recorder,
	}, stream.Options{SDCardDir: r.jobs})
	h.orch = New(Deps{
		Store:      store,
		Oracle:     h.oracle,
		Reactor:    h.reactor,
		Dispatcher: h.d,
		Recorder:   h.recorder,
		Machine:    h.state,
		Stats:      h.stats,
		Heaters:    r.machine,
		Tools:      r.machine,
		Kinematics: r.machine,
		Moves:      r.machine,
		Executor:   h.exec,
	}, r.cfg)
	return h
}

func (h *host) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.d.WaitStopped(ctx))
	require.NoError(t, h.store.Flush())
}

// shutdown ends the host the way a power loss ends the process.
func (h *host) shutdown() {
	h.store.Close()
	h.reactor.End()
}

func (r *rig) writeJob(t *testing.T, lines []string) {
	t.Helper()
	var sb strings.Builder
	r.offsets = r.offsets[:0]
	for _, l := range lines {
		r.offsets = append(r.offsets, int64(sb.Len()))
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	r.offsets = append(r.offsets, int64(sb.Len()))
	r.lines = lines
	require.NoError(t, os.WriteFile(filepath.Join(r.jobs, "job.gcode"), []byte(sb.String()), 0o644))
}

func printJob(n int) []string {
	lines := []string{"G28", "T0", "M104 S210", "M140 S60", "G90", "M83", "G1 Z0.3 F600", "M106 S128"}
	for len(lines) < n {
		i := len(lines)
		lines = append(lines, fmt.Sprintf("G1 X%d Y%d E0.05 F3000", i%100, (i*7)%100))
	}
	return lines
}

// crashAt prints the job until line n, where power is lost before the
// line executes. The returned host is dead.
func (r *rig) crashAt(t *testing.T, n uint32) {
	t.Helper()
	h := r.boot(t)
	h.exec.onLine[n] = func(ctx context.Context) error {
		r.machine.PowerLoss()
		return errors.New(errors.CodeInternal, "power lost").SetAction(errors.ActionPause)
	}
	require.NoError(t, h.d.StartJob(context.Background(), "job.gcode"))
	h.wait(t)
	h.shutdown()
}

func historyTail(hist []string, n int) []string {
	if len(hist) < n {
		return hist
	}
	return hist[len(hist)-n:]
}

func TestRestoreResumesAfterLastCommittedMove(t *testing.T) {
	r := newRig(t)
	r.writeJob(t, printJob(40))
	r.crashAt(t, 33)

	h := r.boot(t)
	require.True(t, h.orch.ValidateOnStartup(context.Background()))

	rep, err := h.orch.Inspect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(32), rep.ValidLine)
	assert.Equal(t, uint32(30), rep.SlotLine)
	assert.Equal(t, r.offsets[32], rep.ResumePosition)
	assert.Equal(t, uint32(32), rep.ResumeLines)
	assert.InDelta(t, 0.3, rep.ResumeZ, 1e-9)
	assert.True(t, rep.Recoverable)

	require.NoError(t, h.orch.Restore(context.Background()))
	h.wait(t)

	hist := r.machine.History()
	assert.Equal(t, r.lines[32:], historyTail(hist, 8))
	assert.NotContains(t, hist, r.lines[31])
	assert.Contains(t, hist, "M106 S128")
	assert.Contains(t, hist, "G0 Y17.0000 F12000")
	assert.Contains(t, hist, "G0 X31.0000 F12000")
	assert.Contains(t, hist, "G0 Z0.3000 F1800")
	assert.Contains(t, hist, "G0 E20 F300")
	assert.Contains(t, hist, "G0 E-2 F1800")
	assert.InDelta(t, 5.0, r.machine.LastZHop(), 1e-9)

	assert.Equal(t, printer.PrintStateComplete, h.stats.State())
	assert.True(t, h.state.Is(printer.StateIdle))
	assert.False(t, h.store.Exists())
	assert.Equal(t, StepRunning, h.orch.Step())
	assert.Empty(t, h.orch.LastErrors())
	assert.InDelta(t, 0.3, r.machine.Position()[2], 1e-9)
}

func TestRestoreKeepsZConsistent(t *testing.T) {
	r := newRig(t)
	r.writeJob(t, printJob(40))
	r.crashAt(t, 33)

	h := r.boot(t)
	h.exec.onLine[35] = func(ctx context.Context) error {
		return h.d.Pause(ctx)
	}
	require.NoError(t, h.orch.Restore(context.Background()))
	h.wait(t)

	ref := r.machine.HomingReference()
	require.NotNil(t, ref)
	assert.InDelta(t, 0.3, ref.ZFromTicks(r.machine.ZTicks()), 1e-6)

	slots, err := h.store.Moves().Slots()
	require.NoError(t, err)
	require.NotEmpty(t, slots)
	for _, s := range slots {
		assert.Greater(t, s.Record.LineCount, uint32(29))
	}
	env, ok := h.store.FileEnv()
	require.True(t, ok)
	assert.Empty(t, env.RecoveryAttempt)
	assert.Greater(t, env.EnvFlag, uint32(1))
}

func TestRestoreAbortDiscardsData(t *testing.T) {
	r := newRig(t)
	r.writeJob(t, printJob(40))
	r.crashAt(t, 33)

	h := r.boot(t)
	r.machine.SetActivationFault(fmt.Errorf("tool not parked"))
	err := h.orch.Restore(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeRestoreFailed))
	herr := errors.As(err, errors.ActionCancel)
	assert.Equal(t, errors.ActionNone, herr.Triple().Action)
	assert.Contains(t, herr.Message, "homing")

	assert.True(t, h.state.Is(printer.StateIdle))
	assert.False(t, h.store.Exists())
	slots, err := h.store.Moves().Slots()
	require.NoError(t, err)
	assert.Empty(t, slots)
	backups, err := h.store.ListBackups()
	require.NoError(t, err)
	assert.Len(t, backups, 1)
	armed, _ := h.oracle.Armed()
	assert.False(t, armed)
	assert.NotEmpty(t, h.orch.LastErrors())

	r.machine.SetActivationFault(nil)
	err = h.orch.Restore(context.Background())
	assert.True(t, errors.Is(err, errors.CodeNoCheckpoint))
}

func TestRestoreResumesBeforeNonMoveLine(t *testing.T) {
	r := newRig(t)
	lines := printJob(40)
	lines[30] = "G28"
	r.writeJob(t, lines)
	r.crashAt(t, 32)

	h := r.boot(t)
	rep, err := h.orch.Inspect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(31), rep.ValidLine)
	assert.Equal(t, uint32(31), rep.SlotLine)
	assert.Equal(t, r.offsets[30], rep.ResumePosition)
	assert.Equal(t, uint32(30), rep.ResumeLines)

	require.NoError(t, h.orch.Restore(context.Background()))
	h.wait(t)

	hist := r.machine.History()
	assert.Equal(t, r.lines[30:], historyTail(hist, 10))
	for _, c := range hist {
		assert.False(t, strings.HasPrefix(c, "G0 Z"), c)
	}
}

func TestRestoreRejectedOutsideIdle(t *testing.T) {
	r := newRig(t)
	r.writeJob(t, printJob(40))
	r.crashAt(t, 33)

	h := r.boot(t)
	h.state.Enter(printer.StatePrinting, printer.ActionPrint)
	err := h.orch.Restore(context.Background())
	assert.True(t, errors.Is(err, errors.CodeMachineState))
	assert.True(t, h.store.Exists())
}

func TestInspectCapsZHop(t *testing.T) {
	r := newRig(t)
	r.cfg.ZMaxTravel = 3
	r.writeJob(t, printJob(40))
	r.crashAt(t, 33)

	h := r.boot(t)
	rep, err := h.orch.Inspect(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 2.7, rep.ZHop, 1e-9)
	assert.True(t, h.state.Is(printer.StateIdle))
	assert.True(t, h.store.Exists())
}

func TestValidateOnStartupDropsInterruptedAttempt(t *testing.T) {
	r := newRig(t)
	r.writeJob(t, printJob(40))
	r.crashAt(t, 33)

	h := r.boot(t)
	require.NoError(t, h.store.Save(checkpoint.DocFile, checkpoint.Document{"recovery_attempt": "abc"}, checkpoint.Sync))
	assert.False(t, h.orch.ValidateOnStartup(context.Background()))
	assert.False(t, h.store.Exists())
}

func TestValidateOnStartupDropsChangedJob(t *testing.T) {
	r := newRig(t)
	r.writeJob(t, printJob(40))
	r.crashAt(t, 33)

	r.writeJob(t, printJob(41))
	h := r.boot(t)
	assert.False(t, h.orch.ValidateOnStartup(context.Background()))
	assert.False(t, h.store.Exists())
}

func TestRefreshTool(t *testing.T) {
	r := newRig(t)
	r.writeJob(t, printJob(40))
	h := r.boot(t)

	err := h.orch.RefreshTool(context.Background(), "T1")
	assert.True(t, errors.Is(err, errors.CodeRefreshRejected))

	h.exec.onLine[23] = func(ctx context.Context) error {
		r.machine.SaveState(pauseState)
		return h.d.Pause(ctx)
	}
	require.NoError(t, h.d.StartJob(context.Background(), "job.gcode"))
	h.wait(t)
	require.Equal(t, printer.PrintStatePaused, h.stats.State())

	slots, err := h.store.Moves().Slots()
	require.NoError(t, err)
	before, ok := progress.Select(slots, h.d.Lines())
	require.True(t, ok)

	require.NoError(t, h.orch.RefreshTool(context.Background(), "T1"))
	slots, err = h.store.Moves().Slots()
	require.NoError(t, err)
	require.Len(t, slots, 1)
	rec := slots[0].Record
	assert.Equal(t, before.Index, slots[0].Index)
	assert.Equal(t, "T1", rec.Extruder)
	assert.InDelta(t, 0.5, rec.BasePosition[0]-before.Record.BasePosition[0], 1e-9)
	assert.InDelta(t, -0.25, rec.BasePosition[1]-before.Record.BasePosition[1], 1e-9)
	assert.Equal(t, (before.Index+1)%h.store.Moves().Size(), h.store.Moves().Next())
}
