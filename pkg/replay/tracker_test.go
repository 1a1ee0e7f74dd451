package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-powerloss/pkg/checkpoint"
)

func apply(t *testing.T, tr *Tracker, lines ...string) {
	t.Helper()
	for _, l := range lines {
		require.NoError(t, tr.Apply(l), l)
	}
}

func TestTrackerInitialState(t *testing.T) {
	tr := NewTracker(baseRecord(), Hooks{})
	s := tr.State()
	assert.InDelta(t, 10.0, s.Speed, 1e-9)
	assert.InDelta(t, 600.0, s.GCodeSpeed(), 1e-9)
	assert.Equal(t, 1.0, s.ExtrudeFactor)
	assert.Equal(t, s.SpeedFactor, s.SpeedFactorBak)
}

func TestTrackerFlowFactorKeepsExtrudedLength(t *testing.T) {
	rec := baseRecord()
	rec.BasePosition[3] = 10
	rec.LastPosition[3] = 20
	tr := NewTracker(rec, Hooks{})
	before := tr.State().LastPosition[3] - tr.State().BasePosition[3]

	apply(t, tr, "M221 S50")
	s := tr.State()
	assert.InDelta(t, 15.0, s.BasePosition[3], 1e-9)
	assert.InDelta(t, before, (s.LastPosition[3]-s.BasePosition[3])/0.5, 1e-9)
	assert.Equal(t, 20.0, s.LastPosition[3])
	assert.InDelta(t, 10.0, s.Position()[3], 1e-9)
}

func TestTrackerPositionReset(t *testing.T) {
	rec := baseRecord()
	rec.LastPosition = checkpoint.Coord{12, 34, 5, 67}
	tr := NewTracker(rec, Hooks{})

	apply(t, tr, "G92")
	assert.Equal(t, rec.LastPosition, tr.State().BasePosition)
	assert.Equal(t, rec.LastPosition, tr.State().LastPosition)

	apply(t, tr, "M221 S200", "G92 E1")
	s := tr.State()
	assert.InDelta(t, 67-2.0, s.BasePosition[3], 1e-9)
	assert.Equal(t, 12.0, s.BasePosition[0])
}

func TestTrackerModes(t *testing.T) {
	tr := NewTracker(baseRecord(), Hooks{})
	apply(t, tr, "G91", "G1 X1 Y2 E0.5", "G1 X1 E0.5")
	s := tr.State()
	assert.Equal(t, checkpoint.Coord{2, 2, 3, 1}, s.LastPosition)

	apply(t, tr, "G90", "M83", "G1 X10 E1")
	s = tr.State()
	assert.Equal(t, 10.0, s.LastPosition[0])
	assert.Equal(t, 2.0, s.LastPosition[3])

	apply(t, tr, "M82", "G1 E5")
	assert.Equal(t, 5.0, tr.State().LastPosition[3])
}

func TestTrackerArcOnlyInAbsoluteMode(t *testing.T) {
	tr := NewTracker(baseRecord(), Hooks{})
	apply(t, tr, "G2 X5 Y5 I1 J1")
	assert.Equal(t, 5.0, tr.State().LastPosition[0])

	apply(t, tr, "G91", "G3 X5 Y5 I1 J1")
	assert.Equal(t, 5.0, tr.State().LastPosition[0])
}

func TestTrackerSpeedFactor(t *testing.T) {
	tr := NewTracker(baseRecord(), Hooks{})
	apply(t, tr, "M220 S200")
	s := tr.State()
	assert.InDelta(t, 200.0/6000, s.SpeedFactor, 1e-12)
	assert.InDelta(t, 600.0, s.GCodeSpeed(), 1e-9)
	assert.InDelta(t, 20.0, s.Speed, 1e-9)

	apply(t, tr, "G1 F1200")
	assert.InDelta(t, 40.0, tr.State().Speed, 1e-9)

	apply(t, tr, "M220 R")
	s = tr.State()
	assert.InDelta(t, 1.0/60, s.SpeedFactor, 1e-12)
	assert.InDelta(t, 1200.0, s.GCodeSpeed(), 1e-9)

	assert.Error(t, tr.Apply("M220 S0"))
}

func TestTrackerAccel(t *testing.T) {
	tr := NewTracker(baseRecord(), Hooks{})
	apply(t, tr, "M204 S3000")
	assert.Equal(t, 3000.0, tr.State().MaxAccel)
	apply(t, tr, "M204 P1000 T2000")
	assert.Equal(t, 1000.0, tr.State().MaxAccel)
	apply(t, tr, "M204 P500")
	assert.Equal(t, 1000.0, tr.State().MaxAccel)
	assert.Error(t, tr.Apply("M204 S-1"))
}

func TestTrackerVelocityLimit(t *testing.T) {
	tr := NewTracker(baseRecord(), Hooks{})
	apply(t, tr, "SET_VELOCITY_LIMIT ACCEL_TO_DECEL=2500")
	assert.InDelta(t, 0.5, tr.State().MinCruiseRatio, 1e-9)

	apply(t, tr, "SET_VELOCITY_LIMIT ACCEL=4000 ACCEL_TO_DECEL=1000 SQUARE_CORNER_VELOCITY=8")
	s := tr.State()
	assert.Equal(t, 4000.0, s.MaxAccel)
	assert.Equal(t, 8.0, s.SquareCornerVelocity)
	assert.InDelta(t, 0.75, s.MinCruiseRatio, 1e-9)

	apply(t, tr, "SET_VELOCITY_LIMIT MINIMUM_CRUISE_RATIO=0.2 ACCEL_TO_DECEL=1000")
	assert.InDelta(t, 0.2, tr.State().MinCruiseRatio, 1e-9)

	apply(t, tr, "SET_VELOCITY_LIMIT ACCEL_TO_DECEL=9000")
	assert.Equal(t, 0.0, tr.State().MinCruiseRatio)

	assert.Error(t, tr.Apply("SET_VELOCITY_LIMIT MINIMUM_CRUISE_RATIO=1"))
}

func TestTrackerGCodeOffset(t *testing.T) {
	tr := NewTracker(baseRecord(), Hooks{})
	apply(t, tr, "SET_GCODE_OFFSET Z=0.2")
	s := tr.State()
	assert.InDelta(t, 0.2, s.BasePosition[2], 1e-9)
	assert.InDelta(t, 0.2, s.HomingPosition[2], 1e-9)

	apply(t, tr, "SET_GCODE_OFFSET Z_ADJUST=0.1")
	s = tr.State()
	assert.InDelta(t, 0.3, s.BasePosition[2], 1e-9)
	assert.InDelta(t, 0.3, s.HomingPosition[2], 1e-9)
	assert.Equal(t, 3.0, s.LastPosition[2])
}

func TestTrackerToolChange(t *testing.T) {
	offsets := map[string][3]float64{"T0": {0, 0, 0}, "T1": {1, 2, 0}, "T3": {-1, 0, 0.5}}
	hooks := Hooks{
		RemapTool: func(idx int) (string, bool) {
			if idx == 1 {
				return "T3", true
			}
			return "", false
		},
		ToolOffset: func(id string) ([3]float64, bool) {
			off, ok := offsets[id]
			return off, ok
		},
	}

	t.Run("direct", func(t *testing.T) {
		tr := NewTracker(baseRecord(), Hooks{ToolOffset: hooks.ToolOffset})
		apply(t, tr, "T1")
		s := tr.State()
		assert.Equal(t, "T1", s.Extruder)
		assert.Equal(t, checkpoint.Coord{1, 2, 0, 0}, s.HomingPosition)
		assert.Equal(t, checkpoint.Coord{1, 2, 0, 0}, s.BasePosition)
	})

	t.Run("remapped", func(t *testing.T) {
		tr := NewTracker(baseRecord(), hooks)
		apply(t, tr, "T1")
		s := tr.State()
		assert.Equal(t, "T3", s.Extruder)
		assert.Equal(t, checkpoint.Coord{-1, 0, 0.5, 0}, s.HomingPosition)
	})

	t.Run("remap disabled", func(t *testing.T) {
		tr := NewTracker(baseRecord(), hooks)
		apply(t, tr, "T1 A0")
		assert.Equal(t, "T1", tr.State().Extruder)
	})

	t.Run("unmapped index keeps tool", func(t *testing.T) {
		tr := NewTracker(baseRecord(), hooks)
		apply(t, tr, "T2")
		s := tr.State()
		assert.Equal(t, "T0", s.Extruder)
		assert.Equal(t, checkpoint.Coord{}, s.BasePosition)
	})

	t.Run("same tool", func(t *testing.T) {
		tr := NewTracker(baseRecord(), Hooks{ToolOffset: hooks.ToolOffset})
		apply(t, tr, "T0")
		assert.Equal(t, checkpoint.Coord{}, tr.State().HomingPosition)
	})
}

func TestTrackerBadMoveIsSkipped(t *testing.T) {
	tr := NewTracker(baseRecord(), Hooks{})
	before := tr.State()
	require.NoError(t, tr.Apply("G1 X5 F-1"))
	require.NoError(t, tr.Apply("G1 X1.2.3"))
	assert.Equal(t, before, tr.State())
}

func TestTrackerSetFactors(t *testing.T) {
	tr := NewTracker(baseRecord(), Hooks{})
	flow, speed, bak := 0.9, 1.0/30, 1.0/45
	tr.SetFactors(&flow, &speed, &bak)
	s := tr.State()
	assert.Equal(t, 0.9, s.ExtrudeFactor)
	assert.InDelta(t, 600.0, s.GCodeSpeed(), 1e-9)
	assert.Equal(t, bak, s.SpeedFactorBak)

	tr.SetFactors(nil, nil, nil)
	assert.Equal(t, s, tr.State())
}
