// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package checkpoint persists the recovery documents: the merge-updated
// environment documents and the ring of move checkpoints.
package checkpoint

import (
	"fmt"
)

// DocName is the file name of an environment document.
type DocName string

const (
	DocFile            DocName = "pl_print_file_env.json"
	DocTemperature     DocName = "pl_print_temperature_env.json"
	DocFactors         DocName = "pl_print_flow_and_speed_factor_env.json"
	DocPressureAdvance DocName = "pl_print_pressure_advance_env.json"
	DocLayer           DocName = "pl_print_layer_info_env.json"
	DocFan             DocName = "pl_print_fan_info_env.json"
	DocZAdjust         DocName = "pl_print_z_adjust_position_env.json"
)

// EnvDocuments lists every environment document in removal order.
var EnvDocuments = []DocName{
	DocFile,
	DocTemperature,
	DocFactors,
	DocPressureAdvance,
	DocLayer,
	DocFan,
	DocZAdjust,
}

// Document is a merge-updated key/value document.
type Document map[string]interface{}

// Mode selects how a write reaches disk.
type Mode int

const (
	// Async queues the write and returns immediately.
	Async Mode = iota
	// Sync returns only after the write is durable.
	Sync
)

func (m Mode) String() string {
	if m == Sync {
		return "sync"
	}
	return "async"
}

// MoveSlotName returns the file name of ring slot i.
func MoveSlotName(i int) string {
	return fmt.Sprintf("pl_print_file_move_env_%d.json", i)
}

// merge returns base updated with update. Keys are never removed.
func merge(base, update Document) Document {
	out := make(Document, len(base)+len(update))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}

// clone returns a shallow copy of d.
func (d Document) clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
