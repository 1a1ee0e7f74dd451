// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package checkpoint

import (
	"github.com/mitchellh/mapstructure"
)

// FileEnv identifies the job a set of checkpoints belongs to.
type FileEnv struct {
	EnvFlag         uint32  `json:"env_flag"`
	FilePath        string  `json:"file_path"`
	FileHash        string  `json:"file_hash,omitempty"`
	FileSize        int64   `json:"file_size,omitempty"`
	SessionID       string  `json:"session_id,omitempty"`
	TotalDuration   float64 `json:"total_duration"`
	PrintDuration   float64 `json:"print_duration"`
	FilamentUsed    float64 `json:"filament_used"`
	RecoveryAttempt string  `json:"recovery_attempt,omitempty"`
}

// Factors holds the speed and flow multipliers. Nil means not recorded.
type Factors struct {
	SpeedFactor    *float64 `json:"speed_factor"`
	FlowFactor     *float64 `json:"flow_factor"`
	SpeedFactorBak *float64 `json:"speed_factor_bak"`
}

// LayerInfo is the slicer layer progress.
type LayerInfo struct {
	CurrentLayer int `json:"current_layer"`
	TotalLayer   int `json:"total_layer"`
}

func decode(doc Document, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]interface{}(doc))
}

func (s *Store) view(name DocName, out interface{}) bool {
	doc, ok := s.Load(name)
	if !ok {
		return false
	}
	if err := decode(doc, out); err != nil {
		s.log.WithError(err).WithField("doc", string(name)).Warn("checkpoint document has unexpected shape")
		return false
	}
	return true
}

// FileEnv returns the job identity document.
func (s *Store) FileEnv() (FileEnv, bool) {
	var env FileEnv
	ok := s.view(DocFile, &env)
	return env, ok
}

// Temperatures returns heater targets keyed by heater name, plus the
// recorded extrusion temperature keyed by tool id.
func (s *Store) Temperatures() map[string]float64 {
	temps := make(map[string]float64)
	if !s.view(DocTemperature, &temps) {
		return map[string]float64{}
	}
	return temps
}

// Factors returns the recorded multipliers.
func (s *Store) Factors() Factors {
	var f Factors
	s.view(DocFactors, &f)
	return f
}

// PressureAdvance returns [advance, smooth_time] keyed by extruder stepper.
func (s *Store) PressureAdvance() map[string][2]float64 {
	pa := make(map[string][2]float64)
	if !s.view(DocPressureAdvance, &pa) {
		return nil
	}
	return pa
}

// Layer returns the recorded layer progress.
func (s *Store) Layer() (LayerInfo, bool) {
	var l LayerInfo
	ok := s.view(DocLayer, &l)
	return l, ok
}

// Fans returns fan restore commands keyed by fan.
func (s *Store) Fans() map[string]string {
	fans := make(map[string]string)
	if !s.view(DocFan, &fans) {
		return nil
	}
	return fans
}

// ZAdjust returns the accumulated Z adjustment.
func (s *Store) ZAdjust() float64 {
	var z struct {
		ZAdjustPosition float64 `json:"z_adjust_position"`
	}
	s.view(DocZAdjust, &z)
	return z.ZAdjustPosition
}
