// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	configName = "plrecovery"
	configType = "yaml"
	envPrefix  = "PLR"
)

// Defaults.
const (
	DefaultStartSaveLine    = 5
	DefaultSaveLineInterval = 1000
	DefaultZHop             = 5.0
	DefaultZHopTemp         = 140.0
	DefaultZMaxTravel       = 270.5
	DefaultPreExtrudeLen    = 20.0
	DefaultSpeedPreExtrude  = 5.0
	DefaultRetract          = 2.0
	DefaultUnretract        = 2.0
	DefaultSpeedRetract     = 30.0
	DefaultSpeedUnretract   = 5.0
	DefaultSpeedResumeZ     = 30.0
	DefaultSpeedMove        = 200.0
	DefaultHeatTolerance    = 2.0
	DefaultHeatTimeout      = 30 * time.Minute
	DefaultPollInterval     = time.Second
	DefaultHomingRetries    = 100
	DefaultFileEnvInterval  = 15 * time.Second
	DefaultRingSize         = 50
	DefaultReadSize         = 8192
	DefaultAddress          = ":7125"
	DefaultMetricsAddress   = ":9100"
)

// Load reads configuration from file, environment and defaults.
// A missing config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, "printer_data", "config"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Store.Dir = expandHome(cfg.Store.Dir)
	cfg.Stream.SDCardDir = expandHome(cfg.Stream.SDCardDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	v := viper.New()
	applyDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	cfg.Store.Dir = expandHome(cfg.Store.Dir)
	cfg.Stream.SDCardDir = expandHome(cfg.Stream.SDCardDir)
	return &cfg
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("recovery.enabled", true)
	v.SetDefault("recovery.start_save_line", DefaultStartSaveLine)
	v.SetDefault("recovery.save_line_interval", DefaultSaveLineInterval)
	v.SetDefault("recovery.z_compensation", 0.0)
	v.SetDefault("recovery.z_hop", DefaultZHop)
	v.SetDefault("recovery.z_hop_temp", DefaultZHopTemp)
	v.SetDefault("recovery.z_max_travel", DefaultZMaxTravel)
	v.SetDefault("recovery.pre_extrude_len", DefaultPreExtrudeLen)
	v.SetDefault("recovery.speed_pre_extrude", DefaultSpeedPreExtrude)
	v.SetDefault("recovery.retract", DefaultRetract)
	v.SetDefault("recovery.unretract", DefaultUnretract)
	v.SetDefault("recovery.speed_retract", DefaultSpeedRetract)
	v.SetDefault("recovery.speed_unretract", DefaultSpeedUnretract)
	v.SetDefault("recovery.speed_resume_z", DefaultSpeedResumeZ)
	v.SetDefault("recovery.speed_move", DefaultSpeedMove)
	v.SetDefault("recovery.move_extrude_script", "")
	v.SetDefault("recovery.after_extrude_script", "")
	v.SetDefault("recovery.heat_tolerance", DefaultHeatTolerance)
	v.SetDefault("recovery.heat_timeout", DefaultHeatTimeout)
	v.SetDefault("recovery.poll_interval", DefaultPollInterval)
	v.SetDefault("recovery.homing_retries", DefaultHomingRetries)
	v.SetDefault("recovery.file_env_interval", DefaultFileEnvInterval)

	v.SetDefault("store.dir", "~/printer_data/config")
	v.SetDefault("store.ring_size", DefaultRingSize)
	v.SetDefault("store.backend", BackendRing)
	v.SetDefault("store.flush", true)
	v.SetDefault("store.keep_on_exit", false)

	v.SetDefault("stream.sdcard_dir", "~/printer_data/gcodes")
	v.SetDefault("stream.read_size", DefaultReadSize)
	v.SetDefault("stream.on_error_gcode", "")

	v.SetDefault("server.address", DefaultAddress)
	v.SetDefault("server.metrics_address", DefaultMetricsAddress)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
