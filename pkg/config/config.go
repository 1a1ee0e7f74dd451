// Host configuration
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"fmt"
	"time"
)

// Backend names for the move checkpoint log.
const (
	BackendRing    = "ring"
	BackendJournal = "journal"
)

// Config is the complete host configuration.
type Config struct {
	Recovery RecoveryConfig `mapstructure:"recovery" yaml:"recovery"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Stream   StreamConfig   `mapstructure:"stream" yaml:"stream"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// RecoveryConfig holds the checkpoint cadence and the resume parameters.
type RecoveryConfig struct {
	Enabled          bool    `mapstructure:"enabled" yaml:"enabled"`
	StartSaveLine    uint32  `mapstructure:"start_save_line" yaml:"start_save_line"`
	SaveLineInterval uint32  `mapstructure:"save_line_interval" yaml:"save_line_interval"`
	ZCompensation    float64 `mapstructure:"z_compensation" yaml:"z_compensation"`
	ZHop             float64 `mapstructure:"z_hop" yaml:"z_hop"`
	ZHopTemp         float64 `mapstructure:"z_hop_temp" yaml:"z_hop_temp"`
	ZMaxTravel       float64 `mapstructure:"z_max_travel" yaml:"z_max_travel"`
	PreExtrudeLen    float64 `mapstructure:"pre_extrude_len" yaml:"pre_extrude_len"`
	SpeedPreExtrude  float64 `mapstructure:"speed_pre_extrude" yaml:"speed_pre_extrude"`
	Retract          float64 `mapstructure:"retract" yaml:"retract"`
	Unretract        float64 `mapstructure:"unretract" yaml:"unretract"`
	SpeedRetract     float64 `mapstructure:"speed_retract" yaml:"speed_retract"`
	SpeedUnretract   float64 `mapstructure:"speed_unretract" yaml:"speed_unretract"`
	SpeedResumeZ     float64 `mapstructure:"speed_resume_z" yaml:"speed_resume_z"`
	SpeedMove        float64 `mapstructure:"speed_move" yaml:"speed_move"`

	MoveExtrudeScript  string `mapstructure:"move_extrude_script" yaml:"move_extrude_script"`
	AfterExtrudeScript string `mapstructure:"after_extrude_script" yaml:"after_extrude_script"`

	HeatTolerance   float64       `mapstructure:"heat_tolerance" yaml:"heat_tolerance"`
	HeatTimeout     time.Duration `mapstructure:"heat_timeout" yaml:"heat_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	HomingRetries   int           `mapstructure:"homing_retries" yaml:"homing_retries"`
	FileEnvInterval time.Duration `mapstructure:"file_env_interval" yaml:"file_env_interval"`
}

// StoreConfig locates the checkpoint documents.
type StoreConfig struct {
	Dir      string `mapstructure:"dir" yaml:"dir"`
	RingSize int    `mapstructure:"ring_size" yaml:"ring_size"`
	Backend  string `mapstructure:"backend" yaml:"backend"`
	Flush    bool   `mapstructure:"flush" yaml:"flush"`
	// KeepOnExit disables removal of the environment documents when a
	// job ends.
	KeepOnExit bool `mapstructure:"keep_on_exit" yaml:"keep_on_exit"`
}

// StreamConfig configures the job stream.
type StreamConfig struct {
	SDCardDir    string `mapstructure:"sdcard_dir" yaml:"sdcard_dir"`
	ReadSize     int    `mapstructure:"read_size" yaml:"read_size"`
	OnErrorGCode string `mapstructure:"on_error_gcode" yaml:"on_error_gcode"`
}

// ServerConfig configures the network surfaces.
type ServerConfig struct {
	Address        string `mapstructure:"address" yaml:"address"`
	MetricsAddress string `mapstructure:"metrics_address" yaml:"metrics_address"`
}

// LogConfig configures the default logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Validate checks option ranges.
func (c *Config) Validate() error {
	if c.Recovery.SaveLineInterval == 0 {
		return fmt.Errorf("recovery.save_line_interval must be positive")
	}
	if c.Recovery.ZMaxTravel <= 0 {
		return fmt.Errorf("recovery.z_max_travel must be positive, got %v", c.Recovery.ZMaxTravel)
	}
	if c.Recovery.ZHop < 0 {
		return fmt.Errorf("recovery.z_hop must not be negative, got %v", c.Recovery.ZHop)
	}
	if c.Recovery.HeatTolerance < 0 {
		return fmt.Errorf("recovery.heat_tolerance must not be negative")
	}
	if c.Recovery.PollInterval <= 0 {
		return fmt.Errorf("recovery.poll_interval must be positive")
	}
	if c.Recovery.SpeedMove <= 0 || c.Recovery.SpeedResumeZ <= 0 {
		return fmt.Errorf("recovery speeds must be positive")
	}
	if c.Store.RingSize <= 0 {
		return fmt.Errorf("store.ring_size must be positive, got %d", c.Store.RingSize)
	}
	if c.Store.Dir == "" {
		return fmt.Errorf("store.dir must be set")
	}
	switch c.Store.Backend {
	case BackendRing, BackendJournal:
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}
	if c.Stream.ReadSize <= 0 {
		return fmt.Errorf("stream.read_size must be positive")
	}
	return nil
}
