package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-powerloss/pkg/checkpoint"
	"klipper-powerloss/pkg/progress"
)

func startedRecorder(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, Options{})
	h.stats.NoteStart(nil)
	return h
}

func TestRecorderFanLines(t *testing.T) {
	h := startedRecorder(t)
	r := h.recorder

	for i, line := range []string{"M106 S255", "M106 P2 S128", "M107 P1", "  M106 P0 S10\r\n"} {
		r.BeginLine(line, uint32(i+1))
	}
	r.BeginLine("M107", 10)
	require.NoError(t, h.store.Flush())

	assert.Equal(t, map[string]string{
		"M106 S":  "M106 S0",
		"M106 P2": "M106 P2 S128",
		"M106 P1": "M106 P1 S0",
		"M106 P0": "M106 P0 S10",
	}, h.store.Fans())
}

func TestRecorderFilamentChangeStopsSaving(t *testing.T) {
	h := startedRecorder(t)
	r := h.recorder
	require.NoError(t, h.machine.Home(context.Background(), "xyz", 0))

	r.BeginLine("M600", 20)
	r.EndLine("M600", 20, 100)
	r.RecordLayer(checkpoint.LayerInfo{CurrentLayer: 3, TotalLayer: 10})
	require.NoError(t, h.store.Flush())

	slots, err := h.store.Moves().Slots()
	require.NoError(t, err)
	assert.Empty(t, slots)
	_, ok := h.store.Layer()
	assert.False(t, ok)

	r.BeginLine("G1 X1", 21)
	r.RecordLayer(checkpoint.LayerInfo{CurrentLayer: 3, TotalLayer: 10})
	require.NoError(t, h.store.Flush())
	layer, ok := h.store.Layer()
	require.True(t, ok)
	assert.Equal(t, checkpoint.LayerInfo{CurrentLayer: 3, TotalLayer: 10}, layer)
}

func TestRecorderNeedsHomedAxes(t *testing.T) {
	h := startedRecorder(t)
	r := h.recorder

	r.BeginLine("G28 X Y", 1)
	r.EndLine("G28 X Y", 1, 0)
	require.NoError(t, h.store.Flush())
	slots, err := h.store.Moves().Slots()
	require.NoError(t, err)
	assert.Empty(t, slots)
	_, next := r.Counters()
	assert.Equal(t, uint32(5), next)

	require.NoError(t, h.machine.Home(context.Background(), "xyz", 0))
	r.BeginLine("G28", 2)
	r.EndLine("G28", 2, 8)
	require.NoError(t, h.store.Flush())
	slots, err = h.store.Moves().Slots()
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, uint32(2), slots[0].Record.LineCount)
	assert.Equal(t, int64(8), slots[0].Record.FilePos)
	_, active := h.machine.Active()
	require.False(t, active)
	assert.Equal(t, "T0", slots[0].Record.Extruder)
	_, next = r.Counters()
	assert.Equal(t, uint32(10), next)
}

func TestRecorderArmsAtStartLine(t *testing.T) {
	h := startedRecorder(t)
	r := h.recorder
	r.SetJob("/tmp/job.gcode")

	r.BeginLine("G1 X1", 4)
	armed, _ := h.oracle.Armed()
	assert.False(t, armed)

	r.BeginLine("G1 X1", 5)
	armed, epoch := h.oracle.Armed()
	assert.True(t, armed)
	assert.Equal(t, uint32(1), epoch)
	assert.True(t, h.machine.Controller(0).Armed())

	require.NoError(t, h.store.Flush())
	env, ok := h.store.FileEnv()
	require.True(t, ok)
	assert.Equal(t, uint32(1), env.EnvFlag)
	assert.Equal(t, "/tmp/job.gcode", env.FilePath)
	pa := h.store.PressureAdvance()
	assert.Equal(t, [2]float64{0, 0.04}, pa["extruder"])
	f := h.store.Factors()
	require.NotNil(t, f.FlowFactor)
	assert.Equal(t, 1.0, *f.FlowFactor)
}

func TestRecorderResumeCounters(t *testing.T) {
	h := startedRecorder(t)
	r := h.recorder
	r.Resume(2004)
	notify, next := r.Counters()
	assert.Equal(t, uint32(2005), notify)
	assert.Equal(t, uint32(2009), next)

	r.BeginLine("G1 X1", 2005)
	q := h.oracle.Query(1)
	assert.Equal(t, uint32(2004), q.ValidLine)

	r.Reset()
	notify, next = r.Counters()
	assert.Equal(t, uint32(5), notify)
	assert.Equal(t, uint32(5), next)
}

func TestRecorderZAdjustAndFinish(t *testing.T) {
	h := startedRecorder(t)
	r := h.recorder
	r.SetJob("/tmp/job.gcode")
	r.BeginLine("G1 X1", 5)

	r.RecordZAdjust(0.05)
	r.RecordZAdjust(-0.02)
	require.NoError(t, h.store.Flush())
	assert.InDelta(t, 0.03, h.store.ZAdjust(), 1e-9)
	assert.True(t, h.store.Exists())

	require.NoError(t, r.Finish(true))
	require.NoError(t, h.store.Flush())
	assert.False(t, h.store.Exists())
	assert.Equal(t, 0.0, h.store.ZAdjust())
	armed, _ := h.oracle.Armed()
	assert.False(t, armed)
	assert.Equal(t, progress.None, h.oracle.Query(1).ZTicks)
}

func TestRecorderDisabled(t *testing.T) {
	h := startedRecorder(t)
	cfg := recoveryConfig()
	cfg.Enabled = false
	r := NewRecorder(h.recorder.RecorderDeps, cfg)
	require.NoError(t, h.machine.Home(context.Background(), "xyz", 0))

	r.SetJob("/tmp/job.gcode")
	r.BeginLine("G28", 5)
	r.EndLine("G28", 5, 0)
	require.NoError(t, h.store.Flush())
	assert.False(t, h.store.Exists())
	armed, _ := h.oracle.Armed()
	assert.False(t, armed)
}
