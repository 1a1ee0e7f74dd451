package stream

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
	"klipper-powerloss/pkg/gcode"
	"klipper-powerloss/pkg/printer"
	"klipper-powerloss/pkg/progress"
	"klipper-powerloss/pkg/reactor"
	"klipper-powerloss/pkg/sim"
)

// hookExecutor runs registered commands itself and everything else on
// the simulated machine.
type hookExecutor struct {
	machine *sim.Printer

	mu    sync.Mutex
	hooks map[string]func(ctx context.Context, cmd gcode.Command) error
	calls []string
}

func (h *hookExecutor) on(name string, fn func(ctx context.Context, cmd gcode.Command) error) {
	h.mu.Lock()
	h.hooks[name] = fn
	h.mu.Unlock()
}

func (h *hookExecutor) Run(ctx context.Context, script string) error {
	for _, line := range strings.Split(script, "\n") {
		if err := h.ExecuteLine(ctx, line, 0); err != nil {
			return err
		}
	}
	return nil
}

func (h *hookExecutor) ExecuteLine(ctx context.Context, line string, lineNo uint32) error {
	cmd, ok := gcode.Parse(line)
	if !ok {
		return nil
	}
	h.mu.Lock()
	fn := h.hooks[cmd.Name]
	if fn != nil {
		h.calls = append(h.calls, cmd.Raw)
	}
	h.mu.Unlock()
	if fn != nil {
		return fn(ctx, cmd)
	}
	return h.machine.Handle(ctx, cmd, lineNo)
}

func (h *hookExecutor) hookCalls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

type harness struct {
	dir      string
	machine  *sim.Printer
	exec     *hookExecutor
	store    *checkpoint.Store
	oracle   *progress.Oracle
	stats    *printer.PrintStats
	state    *printer.Machine
	recorder *Recorder
	reactor  *reactor.Reactor
	d        *Dispatcher
}

func recoveryConfig() config.RecoveryConfig {
	return config.RecoveryConfig{Enabled: true, StartSaveLine: 5, SaveLineInterval: 5}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{dir: t.TempDir(), machine: sim.New(sim.DefaultConfig())}
	h.exec = &hookExecutor{machine: h.machine, hooks: map[string]func(context.Context, gcode.Command) error{}}

	store, err := checkpoint.Open(context.Background(), checkpoint.Options{Dir: filepath.Join(h.dir, "env"), RingSize: 8})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	h.store = store

	h.reactor = reactor.New()
	h.reactor.Run()
	t.Cleanup(h.reactor.End)

	h.oracle = progress.NewOracle(true, h.machine.Controllers()...)
	h.stats = printer.NewPrintStats(h.machine.State)
	h.state = printer.NewMachine()
	h.recorder = NewRecorder(RecorderDeps{
		Store:      store,
		Oracle:     h.oracle,
		Reactor:    h.reactor,
		Kinematics: h.machine,
		Moves:      h.machine,
		Tools:      h.machine,
		Heaters:    h.machine,
		Fans:       h.machine,
		Stats:      h.stats,
	}, recoveryConfig())

	opts.SDCardDir = filepath.Join(h.dir, "gcodes")
	require.NoError(t, os.MkdirAll(opts.SDCardDir, 0o755))
	h.d = NewDispatcher(Deps{
		Reactor:  h.reactor,
		Executor: h.exec,
		Stats:    h.stats,
		Machine:  h.state,
		Recorder: h.recorder,
	}, opts)
	return h
}

// writeJob writes a job into the job directory and returns the byte
// offset where each line starts; offsets[i] is the start of line i+1.
func (h *harness) writeJob(t *testing.T, name string, lines []string, trailingNewline bool) []int64 {
	t.Helper()
	var sb strings.Builder
	offsets := make([]int64, 0, len(lines)+1)
	for i, l := range lines {
		offsets = append(offsets, int64(sb.Len()))
		sb.WriteString(l)
		if trailingNewline || i < len(lines)-1 {
			sb.WriteString("\n")
		}
	}
	offsets = append(offsets, int64(sb.Len()))
	require.NoError(t, os.WriteFile(filepath.Join(h.d.opts.SDCardDir, name), []byte(sb.String()), 0o644))
	return offsets
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.d.WaitStopped(ctx))
	require.NoError(t, h.store.Flush())
}

func printJob(n int) []string {
	lines := []string{"G28", "T0", "M104 S210", "M140 S60", "G90", "M83", "G1 Z0.3 F600"}
	for len(lines) < n {
		i := len(lines)
		lines = append(lines, fmt.Sprintf("G1 X%d Y%d E0.05 F3000", i%100, (i*7)%100))
	}
	return lines
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestDispatcherCompletesJob(t *testing.T) {
	h := newHarness(t, Options{})
	lines := printJob(20)
	h.writeJob(t, "job.gcode", lines, false)

	require.NoError(t, h.d.StartJob(context.Background(), "job.gcode"))
	h.wait(t)

	hist := h.machine.History()
	require.Len(t, hist, len(lines))
	assert.Equal(t, lines[len(lines)-1], hist[len(hist)-1])
	assert.Equal(t, printer.PrintStateComplete, h.stats.State())
	assert.True(t, h.state.Is(printer.StateIdle))
	assert.False(t, h.d.IsActive())
	assert.Equal(t, "", h.d.Status().FilePath)
	assert.False(t, h.store.Exists())
	assert.Equal(t, uint32(0), h.d.Lines())
}

func TestDispatcherRecordsCheckpoints(t *testing.T) {
	h := newHarness(t, Options{KeepOnExit: true})
	lines := printJob(20)
	offsets := h.writeJob(t, "job.gcode", lines, true)

	require.NoError(t, h.d.StartJob(context.Background(), "job.gcode"))
	h.wait(t)

	slots, err := h.store.Moves().Slots()
	require.NoError(t, err)
	got := map[uint32]checkpoint.MoveRecord{}
	for _, s := range slots {
		got[s.Record.LineCount] = s.Record
	}
	var counts []uint32
	for c := range got {
		counts = append(counts, c)
	}
	assert.ElementsMatch(t, []uint32{1, 10, 15, 20}, counts)

	rec := got[15]
	assert.Equal(t, offsets[14], rec.FilePos)
	assert.Equal(t, lines[14], rec.Line)
	assert.Equal(t, "T0", rec.Extruder)
	assert.False(t, rec.AbsoluteExtrude)
	assert.InDelta(t, 3000.0, rec.Speed, 1e-9)
	require.NotNil(t, rec.HomingReference)

	env, ok := h.store.FileEnv()
	require.True(t, ok)
	assert.Equal(t, uint32(1), env.EnvFlag)
	assert.Equal(t, filepath.Join(h.d.opts.SDCardDir, "job.gcode"), env.FilePath)
	assert.NotEmpty(t, env.FileHash)
	assert.NotEmpty(t, env.SessionID)

	temps := h.store.Temperatures()
	assert.Equal(t, 210.0, temps["extruder"])
	assert.Equal(t, 210.0, temps["T0"])
	assert.Equal(t, 60.0, temps[printer.BedHeater])
	assert.Equal(t, "M106 S0", h.store.Fans()["M106 S"])
}

func TestDispatcherPauseFromJobLine(t *testing.T) {
	h := newHarness(t, Options{})
	lines := printJob(12)
	lines[9] = "PAUSE"
	offsets := h.writeJob(t, "job.gcode", lines, true)
	h.exec.on("PAUSE", func(ctx context.Context, cmd gcode.Command) error {
		return h.d.Pause(ctx)
	})

	require.NoError(t, h.d.StartJob(context.Background(), "job.gcode"))
	h.wait(t)

	assert.Equal(t, printer.PrintStatePaused, h.stats.State())
	assert.Equal(t, uint32(10), h.d.Lines())
	assert.Equal(t, offsets[10], h.d.Status().FilePosition)
	assert.True(t, h.state.Is(printer.StatePrinting))

	require.NoError(t, h.d.Resume(nil))
	h.wait(t)
	assert.Equal(t, printer.PrintStateComplete, h.stats.State())
	assert.Equal(t, lines[11], h.machine.History()[len(h.machine.History())-1])
}

func TestDispatcherErrorActions(t *testing.T) {
	t.Run("none continues", func(t *testing.T) {
		h := newHarness(t, Options{})
		lines := printJob(12)
		lines[8] = "M117 hello"
		h.writeJob(t, "job.gcode", lines, true)
		h.machine.FailOn("M117", errors.New(errors.CodeInternal, "ignored"))

		require.NoError(t, h.d.StartJob(context.Background(), "job.gcode"))
		h.wait(t)
		assert.Equal(t, printer.PrintStateComplete, h.stats.State())
	})

	t.Run("pause keeps the failed line", func(t *testing.T) {
		h := newHarness(t, Options{})
		lines := printJob(12)
		lines[8] = "M117 hello"
		offsets := h.writeJob(t, "job.gcode", lines, true)
		h.machine.FailOn("M117", errors.New(errors.CodeInternal, "filament").SetAction(errors.ActionPause))
		h.exec.on("PAUSE", func(ctx context.Context, cmd gcode.Command) error {
			return h.d.Pause(ctx)
		})

		require.NoError(t, h.d.StartJob(context.Background(), "job.gcode"))
		h.wait(t)
		assert.Equal(t, []string{"PAUSE ON_ERROR=1"}, h.exec.hookCalls())
		assert.Equal(t, printer.PrintStatePaused, h.stats.State())
		assert.Equal(t, uint32(8), h.d.Lines())
		assert.Equal(t, offsets[8], h.d.Status().FilePosition)

		h.machine.FailOn("M117", nil)
		require.NoError(t, h.d.Resume(nil))
		h.wait(t)
		assert.Equal(t, printer.PrintStateComplete, h.stats.State())
		assert.True(t, contains(h.machine.History(), "M117 hello"))
	})

	t.Run("runout pause", func(t *testing.T) {
		h := newHarness(t, Options{})
		lines := printJob(12)
		lines[8] = "M117 hello"
		h.writeJob(t, "job.gcode", lines, true)
		h.machine.FailOn("M117", fmt.Errorf(`sensor: {"coded":"0002-0000-0000-0001","msg":"runout","action":"pause_runout"}`))
		h.exec.on("PAUSE", func(ctx context.Context, cmd gcode.Command) error {
			return h.d.Pause(ctx)
		})

		require.NoError(t, h.d.StartJob(context.Background(), "job.gcode"))
		h.wait(t)
		assert.Equal(t, []string{"PAUSE IS_RUNOUT=1"}, h.exec.hookCalls())
		assert.Equal(t, printer.PrintStatePaused, h.stats.State())
	})

	t.Run("other errors end the job", func(t *testing.T) {
		h := newHarness(t, Options{OnErrorGCode: "M104 S0\nM140 S0"})
		lines := printJob(20)
		lines[15] = "M117 hello"
		h.writeJob(t, "job.gcode", lines, true)
		h.machine.FailOn("M117", fmt.Errorf("heater fault"))

		require.NoError(t, h.d.StartJob(context.Background(), "job.gcode"))
		h.wait(t)
		assert.Equal(t, printer.PrintStateError, h.stats.State())
		assert.Contains(t, h.stats.Status().Message, "heater fault")
		assert.True(t, h.state.Is(printer.StateIdle))

		st, err := h.machine.Status("extruder")
		require.NoError(t, err)
		assert.Equal(t, 0.0, st.Target)
		assert.True(t, h.store.Exists(), "checkpoints of a failed job are kept")
	})
}

func TestDispatcherFollowsSeek(t *testing.T) {
	h := newHarness(t, Options{})
	lines := printJob(16)
	lines[8] = "JUMP"
	offsets := h.writeJob(t, "job.gcode", lines, true)
	h.exec.on("JUMP", func(ctx context.Context, cmd gcode.Command) error {
		h.d.SetFilePosition(offsets[12])
		return nil
	})

	require.NoError(t, h.d.StartJob(context.Background(), "job.gcode"))
	h.wait(t)

	hist := h.machine.History()
	for i := 9; i < 12; i++ {
		assert.False(t, contains(hist, lines[i]), "line %d was skipped", i+1)
	}
	assert.True(t, contains(hist, lines[12]))
	assert.Equal(t, printer.PrintStateComplete, h.stats.State())
}

func TestDispatcherYieldsToGate(t *testing.T) {
	h := newHarness(t, Options{})
	h.writeJob(t, "job.gcode", printJob(10), true)

	h.d.Gate.Lock()
	require.NoError(t, h.d.StartJob(context.Background(), "job.gcode"))
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, h.machine.History())
	assert.True(t, h.d.IsActive())

	err := h.d.StartJob(context.Background(), "job.gcode")
	assert.True(t, errors.Is(err, errors.CodeSDBusy))

	h.d.Gate.Unlock()
	h.wait(t)
	assert.Len(t, h.machine.History(), 10)
}

func TestDispatcherRejectsResetFromStream(t *testing.T) {
	h := newHarness(t, Options{})
	lines := printJob(10)
	lines[7] = "SDCARD_RESET_FILE"
	h.writeJob(t, "job.gcode", lines, true)
	var resetErr error
	h.exec.on("SDCARD_RESET_FILE", func(ctx context.Context, cmd gcode.Command) error {
		resetErr = h.d.Reset(ctx, true)
		return resetErr
	})

	require.NoError(t, h.d.StartJob(context.Background(), "job.gcode"))
	h.wait(t)
	assert.True(t, errors.Is(resetErr, errors.CodeResetFromSD))
	assert.Equal(t, printer.PrintStateComplete, h.stats.State())
}

func TestDispatcherCancel(t *testing.T) {
	h := newHarness(t, Options{})
	h.writeJob(t, "job.gcode", printJob(10), true)

	h.d.Gate.Lock()
	require.NoError(t, h.d.StartJob(context.Background(), "job.gcode"))
	require.NoError(t, h.d.Cancel(context.Background()))
	h.d.Gate.Unlock()

	assert.False(t, h.d.IsActive())
	assert.Equal(t, printer.PrintStateCancelled, h.stats.State())
	assert.True(t, h.state.Is(printer.StateIdle))
	assert.Equal(t, Status{}, h.d.Status())
}

func TestDispatcherSpliceResumesMidFile(t *testing.T) {
	h := newHarness(t, Options{})
	lines := printJob(20)
	offsets := h.writeJob(t, "job.gcode", lines, true)

	require.NoError(t, h.d.Splice(filepath.Join(h.d.opts.SDCardDir, "job.gcode"), offsets[14], 14))
	assert.Equal(t, filepath.Join(h.d.opts.SDCardDir, "job.gcode"), h.d.Status().FilePath)
	notify, next := h.recorder.Counters()
	assert.Equal(t, uint32(15), notify)
	assert.Equal(t, uint32(19), next)

	require.NoError(t, h.machine.Home(context.Background(), "xyz", 0))
	require.NoError(t, h.machine.SetTarget("extruder", 210))
	require.NoError(t, h.machine.Activate(context.Background(), "T0"))
	require.NoError(t, h.d.Resume(&printer.Carryover{TotalDuration: 100, FilamentUsed: 12}))
	h.wait(t)

	assert.Equal(t, lines[14:], h.machine.History())
	assert.Equal(t, printer.PrintStateComplete, h.stats.State())
	assert.GreaterOrEqual(t, h.stats.Status().TotalDuration, 100.0)
}

func TestDispatcherSeekWhileBusy(t *testing.T) {
	h := newHarness(t, Options{})
	h.writeJob(t, "job.gcode", printJob(10), true)
	_, err := h.d.LoadFile("JOB.GCODE")
	require.NoError(t, err)
	require.NoError(t, h.d.SetOffset(4))
	assert.Equal(t, int64(4), h.d.Status().FilePosition)

	h.d.Gate.Lock()
	require.NoError(t, h.d.Resume(nil))
	assert.True(t, errors.Is(h.d.SetOffset(0), errors.CodeSDBusy))
	assert.True(t, errors.Is(h.d.Resume(nil), errors.CodeSDBusy))
	require.NoError(t, h.d.Pause(context.Background()))
	h.d.Gate.Unlock()
	assert.Equal(t, printer.PrintStatePaused, h.stats.State())
}

func TestFileList(t *testing.T) {
	h := newHarness(t, Options{})
	root := h.d.opts.SDCardDir
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	for _, name := range []string{"b.gcode", "A.g", "sub/c.gco", "notes.txt", ".hidden.gcode"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("G28\n"), 0o644))
	}

	files, err := h.d.FileList()
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, f.Name)
		assert.Equal(t, int64(4), f.Size)
	}
	assert.Equal(t, []string{"A.g", "b.gcode", "sub/c.gco"}, names)
}

func TestLoadFileMissing(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.d.LoadFile("missing.gcode")
	assert.True(t, errors.Is(err, errors.CodeOpenFile))
}

func TestLoadFileResolvesNames(t *testing.T) {
	h := newHarness(t, Options{})
	h.writeJob(t, "job.gcode", printJob(5), true)
	want := filepath.Join(h.d.opts.SDCardDir, "job.gcode")

	for _, name := range []string{"job.gcode", "/job.gcode", "JOB.gcode", want} {
		path, err := h.d.LoadFile(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, path, name)
	}

	outside := filepath.Join(t.TempDir(), "other.gcode")
	require.NoError(t, os.WriteFile(outside, []byte("G28\n"), 0o644))
	path, err := h.d.LoadFile(outside)
	require.NoError(t, err)
	assert.Equal(t, outside, path)
}
