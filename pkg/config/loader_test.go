// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.True(t, cfg.Recovery.Enabled)
	assert.Equal(t, uint32(5), cfg.Recovery.StartSaveLine)
	assert.Equal(t, uint32(1000), cfg.Recovery.SaveLineInterval)
	assert.Equal(t, 270.5, cfg.Recovery.ZMaxTravel)
	assert.Equal(t, 140.0, cfg.Recovery.ZHopTemp)
	assert.Equal(t, 15*time.Second, cfg.Recovery.FileEnvInterval)
	assert.Equal(t, 50, cfg.Store.RingSize)
	assert.Equal(t, BackendRing, cfg.Store.Backend)
	assert.True(t, cfg.Store.Flush)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plrecovery.yaml")
	content := `
recovery:
  save_line_interval: 250
  z_compensation: -0.2
  heat_timeout: 5m
store:
  dir: /var/lib/plr
  backend: journal
  ring_size: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(250), cfg.Recovery.SaveLineInterval)
	assert.Equal(t, -0.2, cfg.Recovery.ZCompensation)
	assert.Equal(t, 5*time.Minute, cfg.Recovery.HeatTimeout)
	assert.Equal(t, "/var/lib/plr", cfg.Store.Dir)
	assert.Equal(t, BackendJournal, cfg.Store.Backend)
	assert.Equal(t, 10, cfg.Store.RingSize)
	assert.Equal(t, 200.0, cfg.Recovery.SpeedMove)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plrecovery.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  dir: /tmp/plr\n"), 0o644))
	t.Setenv("PLR_STORE_RING_SIZE", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Store.RingSize)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plrecovery.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: tape\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Store.RingSize = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Recovery.SaveLineInterval = 0
	assert.Error(t, cfg.Validate())
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "printer_data"), expandHome("~/printer_data"))
	assert.Equal(t, "/abs", expandHome("/abs"))
}
