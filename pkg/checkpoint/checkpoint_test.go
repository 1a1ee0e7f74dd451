// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(line uint32, pos int64) *MoveRecord {
	return &MoveRecord{
		FilePos:         pos,
		LineCount:       line,
		Line:            "G1 X10 Y20 E1.5",
		Extruder:        "T0",
		Speed:           1200,
		MaxAccel:        5000,
		MinCruiseRatio:  0.5,
		AbsoluteCoord:   true,
		AbsoluteExtrude: false,
		ToolheadPos:     Coord{10, 20, 0.4, 12},
		BasePosition:    Coord{0, 0, 0, 10},
		LastPosition:    Coord{10, 20, 0.4, 12},
		HomingReference: &HomingReference{StepperZPos: 1000, ZPos: 0.2, StepDist: 0.0025},
	}
}

func openStore(t *testing.T, dir, backend string, size int) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{Dir: dir, RingSize: size, Backend: backend, Flush: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type countingObserver struct {
	writes    atomic.Int32
	coalesced atomic.Int32
}

func (o *countingObserver) ObserveWrite(path string, mode Mode, err error) { o.writes.Add(1) }
func (o *countingObserver) ObserveCoalesced(path string)                   { o.coalesced.Add(1) }

func TestWriterSyncIsDurable(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(true, nil)
	defer w.Close()

	path := filepath.Join(dir, "doc.json")
	require.NoError(t, w.WriteSync(path, []byte(`{"a":1}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
	assert.NoFileExists(t, path+".tmp")
}

func TestWriterCoalescesPerFile(t *testing.T) {
	dir := t.TempDir()
	obs := &countingObserver{}
	w := NewWriter(false, obs)
	defer w.Close()

	path := filepath.Join(dir, "doc.json")
	for i := 0; i < 100; i++ {
		require.NoError(t, w.WriteAsync(path, []byte{byte('0' + i%10)}))
		assert.LessOrEqual(t, w.Pending(), 1)
	}
	require.NoError(t, w.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "9", string(data))
	assert.Equal(t, int32(100), obs.writes.Load()+obs.coalesced.Load())
}

func TestWriterSyncSupersedesQueued(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(false, nil)
	defer w.Close()

	path := filepath.Join(dir, "doc.json")
	require.NoError(t, w.WriteAsync(path, []byte("old")))
	require.NoError(t, w.WriteSync(path, []byte("new")))
	require.NoError(t, w.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestWriterClosed(t *testing.T) {
	w := NewWriter(false, nil)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.WriteAsync(filepath.Join(t.TempDir(), "x"), nil), ErrWriterClosed)
}

func TestStoreMergeUpdate(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, BackendRing, 3)

	require.NoError(t, s.Save(DocTemperature, Document{"extruder": 210.0}, Async))
	require.NoError(t, s.Save(DocTemperature, Document{"heater_bed": 60.0}, Sync))
	require.NoError(t, s.Save(DocTemperature, Document{"extruder": 215.0}, Async))
	require.NoError(t, s.Flush())

	temps := s.Temperatures()
	assert.Equal(t, 215.0, temps["extruder"])
	assert.Equal(t, 60.0, temps["heater_bed"])

	reopened := openStore(t, dir, BackendRing, 3)
	assert.Equal(t, map[string]float64{"extruder": 215.0, "heater_bed": 60.0}, reopened.Temperatures())
}

func TestStoreCorruptDocumentIsAbsent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, string(DocFile)), []byte("{not json"), 0o644))
	s := openStore(t, dir, BackendRing, 3)

	_, ok := s.FileEnv()
	assert.False(t, ok)
	assert.False(t, s.Exists())

	require.NoError(t, os.WriteFile(filepath.Join(dir, string(DocLayer)), nil, 0o644))
	_, ok = s.Layer()
	assert.False(t, ok)
}

func TestStoreTypedViews(t *testing.T) {
	s := openStore(t, t.TempDir(), BackendRing, 3)

	require.NoError(t, s.Save(DocFile, Document{
		"env_flag":  float64(7),
		"file_path": "/gcodes/cube.gcode",
	}, Sync))
	require.NoError(t, s.Save(DocFactors, Document{"speed_factor": 0.02, "flow_factor": 0.95}, Sync))
	require.NoError(t, s.Save(DocPressureAdvance, Document{"extruder": []interface{}{0.04, 0.02}}, Sync))
	require.NoError(t, s.Save(DocFan, Document{"M106 S": "M106 S255"}, Sync))
	require.NoError(t, s.Save(DocLayer, Document{"current_layer": 12.0, "total_layer": 80.0}, Sync))

	env, ok := s.FileEnv()
	require.True(t, ok)
	assert.Equal(t, uint32(7), env.EnvFlag)
	assert.Equal(t, "/gcodes/cube.gcode", env.FilePath)
	assert.True(t, s.Exists())

	f := s.Factors()
	require.NotNil(t, f.SpeedFactor)
	assert.Equal(t, 0.02, *f.SpeedFactor)
	assert.Equal(t, 0.95, *f.FlowFactor)
	assert.Nil(t, f.SpeedFactorBak)

	assert.Equal(t, [2]float64{0.04, 0.02}, s.PressureAdvance()["extruder"])
	assert.Equal(t, "M106 S255", s.Fans()["M106 S"])

	layer, ok := s.Layer()
	require.True(t, ok)
	assert.Equal(t, LayerInfo{CurrentLayer: 12, TotalLayer: 80}, layer)
}

func TestStoreZAdjustAccumulates(t *testing.T) {
	s := openStore(t, t.TempDir(), BackendRing, 3)

	assert.Equal(t, 0.0, s.ZAdjust())
	require.NoError(t, s.AddZAdjust(0.05, Async))
	require.NoError(t, s.AddZAdjust(-0.02, Sync))
	assert.InDelta(t, 0.03, s.ZAdjust(), 1e-9)
}

func TestStoreClear(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, BackendRing, 3)

	require.NoError(t, s.Save(DocFile, Document{"file_path": "a.gcode"}, Sync))
	_, err := s.Moves().Append(sampleRecord(10, 100), Sync)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pl_print_fan_info_env.json.tmp"), []byte("x"), 0o644))

	require.NoError(t, s.Clear())

	assert.False(t, s.Exists())
	slots, err := s.Moves().Slots()
	require.NoError(t, err)
	assert.Empty(t, slots)
	assert.NoFileExists(t, filepath.Join(dir, "pl_print_fan_info_env.json.tmp"))
	assert.Equal(t, 0, s.Moves().Next())
}

func testMoveLog(t *testing.T, backend string) {
	dir := t.TempDir()
	s := openStore(t, dir, backend, 3)
	ring := s.Moves()

	for i, line := range []uint32{5, 1005, 2005, 3005} {
		idx, err := ring.Append(sampleRecord(line, int64(line)*10), Async)
		require.NoError(t, err)
		assert.Equal(t, i%3, idx)
	}
	assert.Equal(t, 1, ring.Next())

	slots, err := ring.Slots()
	require.NoError(t, err)
	require.Len(t, slots, 3)
	lines := map[int]uint32{}
	for _, sl := range slots {
		lines[sl.Index] = sl.Record.LineCount
	}
	assert.Equal(t, map[int]uint32{0: 3005, 1: 1005, 2: 2005}, lines)

	require.NoError(t, ring.Put(1, sampleRecord(1500, 15000), Sync))
	require.NoError(t, ring.Retain(1))
	slots, err = ring.Slots()
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, uint32(1500), slots[0].Record.LineCount)
	assert.Equal(t, uint64(5), slots[0].Record.Seq)

	ring.SetNext(2)
	assert.Equal(t, 2, ring.Next())
	ring.SetNext(-1)
	assert.Equal(t, 2, ring.Next())

	require.NoError(t, ring.Reset())
	slots, err = ring.Slots()
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestFileRing(t *testing.T) {
	testMoveLog(t, BackendRing)
}

func TestJournal(t *testing.T) {
	testMoveLog(t, BackendJournal)
}

func TestJournalCompaction(t *testing.T) {
	j, err := OpenJournal(context.Background(), filepath.Join(t.TempDir(), JournalName), 2)
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 3; i++ {
		_, err := j.Append(sampleRecord(uint32(i), 0), Async)
		require.NoError(t, err)
	}
	rows, err := j.Rows()
	require.NoError(t, err)
	assert.Equal(t, 3, rows)

	_, err = j.Append(sampleRecord(3, 0), Async)
	require.NoError(t, err)
	rows, err = j.Rows()
	require.NoError(t, err)
	assert.Equal(t, 2, rows)
}

func TestMoveLogRejectsInvalidRecord(t *testing.T) {
	for _, backend := range []string{BackendRing, BackendJournal} {
		t.Run(backend, func(t *testing.T) {
			s := openStore(t, t.TempDir(), backend, 4)
			moves := s.Moves()

			bad := sampleRecord(1, 0)
			bad.Extruder = ""
			_, err := moves.Append(bad, Sync)
			assert.ErrorContains(t, err, "extruder")
			noRef := sampleRecord(2, 0)
			noRef.HomingReference = nil
			assert.Error(t, moves.Put(1, noRef, Sync))
			assert.Equal(t, 0, moves.Next())

			good := sampleRecord(3, 0)
			_, err = moves.Append(good, Sync)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), good.Seq)
			slots, err := moves.Slots()
			require.NoError(t, err)
			require.Len(t, slots, 1)
			assert.Equal(t, uint32(3), slots[0].Record.LineCount)
		})
	}
}

func TestRingResumesAfterNewest(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, BackendRing, 4)
	for _, line := range []uint32{5, 1005} {
		_, err := s.Moves().Append(sampleRecord(line, 0), Sync)
		require.NoError(t, err)
	}

	reopened := openStore(t, dir, BackendRing, 4)
	assert.Equal(t, 2, reopened.Moves().Next())
}

func TestRingSkipsCorruptSlot(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, BackendRing, 3)
	_, err := s.Moves().Append(sampleRecord(5, 0), Sync)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, MoveSlotName(1)), []byte(`{"line_count": 9}`), 0o644))

	slots, err := s.Moves().Slots()
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, 0, slots[0].Index)
}

func TestValidateRecord(t *testing.T) {
	good, err := sampleRecord(5, 0).Encode()
	require.NoError(t, err)
	assert.NoError(t, ValidateRecord(good))

	rec := sampleRecord(5, 0)
	rec.HomingReference = nil
	missing, err := rec.Encode()
	require.NoError(t, err)
	assert.ErrorContains(t, ValidateRecord(missing), "homing_stepper_z_info")

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(good, &m))
	m["base_position"] = []float64{1, 2}
	short, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Error(t, ValidateRecord(short))

	_, err = DecodeRecord([]byte("[]"))
	assert.Error(t, err)
}

func TestZFromTicks(t *testing.T) {
	ref := HomingReference{StepperZPos: 1000, ZPos: 0.2, StepDist: 0.0025}
	assert.InDelta(t, 0.2+400*0.0025, ref.ZFromTicks(1400), 1e-9)

	ref.DirInverted = true
	assert.InDelta(t, 0.2-400*0.0025, ref.ZFromTicks(1400), 1e-9)

	neg := HomingReference{StepperZPos: -200, StepDist: 0.01}
	assert.InDelta(t, 1.0, neg.ZFromTicks(uint32(0xFFFFFF9C)), 1e-9) // -100
}

func TestArchive(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, BackendRing, 3)
	require.NoError(t, s.Save(DocFile, Document{"file_path": "a.gcode", "env_flag": 3.0}, Async))
	require.NoError(t, s.Save(DocZAdjust, Document{"z_adjust_position": 0.1}, Async))
	_, err := s.Moves().Append(sampleRecord(5, 0), Async)
	require.NoError(t, err)

	path, err := s.Backup(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "pl_print_backup_20260301_120000.tar.lz4", filepath.Base(path))

	entries, err := ReadArchive(path)
	require.NoError(t, err)
	assert.Contains(t, entries, string(DocFile))
	assert.Contains(t, entries, string(DocZAdjust))
	assert.Contains(t, entries, MoveSlotName(0))

	rec, err := DecodeRecord(entries[MoveSlotName(0)])
	require.NoError(t, err)
	assert.Equal(t, uint32(5), rec.LineCount)

	backups, err := s.ListBackups()
	require.NoError(t, err)
	assert.Equal(t, []string{path}, backups)
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.gcode")
	require.NoError(t, os.WriteFile(path, []byte("G28\nG1 X10\n"), 0o644))

	h1, n, err := Fingerprint(path)
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)
	assert.Len(t, h1, 64)

	require.NoError(t, os.WriteFile(path, []byte("G28\nG1 X11\n"), 0o644))
	h2, _, err := Fingerprint(path)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	_, _, err = Fingerprint(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
