// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package checkpoint

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"klipper-powerloss/pkg/pool"
)

// Coord is an X, Y, Z, E position.
type Coord [4]float64

// HomingReference relates a Z stepper position to a Z coordinate. It is
// captured when Z is homed and refreshed after every recovery.
type HomingReference struct {
	StepperZPos int64   `json:"stepper_z_pos"`
	ZPos        float64 `json:"z_pos"`
	DirInverted bool    `json:"dir_inverted"`
	StepDist    float64 `json:"step_dist"`
}

// ZFromTicks converts a raw Z stepper position reported by a peripheral
// into a Z coordinate.
func (h HomingReference) ZFromTicks(ticks uint32) float64 {
	dir := 1.0
	if h.DirInverted {
		dir = -1.0
	}
	return float64(int64(int32(ticks))-h.StepperZPos)*h.StepDist*dir + h.ZPos
}

// MoveRecord is one move checkpoint: the interpreter state right after
// line LineCount, which starts at byte FilePos, finished executing.
type MoveRecord struct {
	FilePos              int64            `json:"file_pos"`
	LineCount            uint32           `json:"line_count"`
	Line                 string           `json:"line"`
	Extruder             string           `json:"extruder"`
	Speed                float64          `json:"speed"`
	MaxAccel             float64          `json:"max_accel"`
	MinCruiseRatio       float64          `json:"min_cruise_ratio"`
	SquareCornerVelocity float64          `json:"square_corner_velocity"`
	AbsoluteCoord        bool             `json:"absolute_coord"`
	AbsoluteExtrude      bool             `json:"absolute_extrude"`
	ToolheadPos          Coord            `json:"toolhead_pos"`
	BasePosition         Coord            `json:"base_position"`
	LastPosition         Coord            `json:"last_position"`
	HomingPosition       Coord            `json:"homing_position"`
	HomingReference      *HomingReference `json:"homing_stepper_z_info"`
	Seq                  uint64           `json:"seq"`
}

// Slot is a ring slot holding a readable move record.
type Slot struct {
	Index  int
	Record MoveRecord
}

const moveRecordSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["file_pos", "line_count", "extruder", "speed",
               "absolute_coord", "absolute_extrude",
               "base_position", "last_position", "homing_position",
               "homing_stepper_z_info"],
  "properties": {
    "file_pos": {"type": "integer", "minimum": 0},
    "line_count": {"type": "integer", "minimum": 0, "maximum": 4294967295},
    "line": {"type": "string"},
    "extruder": {"type": "string", "minLength": 1},
    "speed": {"type": "number"},
    "max_accel": {"type": "number"},
    "min_cruise_ratio": {"type": "number"},
    "square_corner_velocity": {"type": "number"},
    "absolute_coord": {"type": "boolean"},
    "absolute_extrude": {"type": "boolean"},
    "toolhead_pos": {"$ref": "#/definitions/coord"},
    "base_position": {"$ref": "#/definitions/coord"},
    "last_position": {"$ref": "#/definitions/coord"},
    "homing_position": {"$ref": "#/definitions/coord"},
    "homing_stepper_z_info": {
      "type": "object",
      "required": ["stepper_z_pos", "z_pos", "dir_inverted", "step_dist"],
      "properties": {
        "stepper_z_pos": {"type": "integer"},
        "z_pos": {"type": "number"},
        "dir_inverted": {"type": "boolean"},
        "step_dist": {"type": "number", "exclusiveMinimum": 0}
      }
    },
    "seq": {"type": "integer", "minimum": 0}
  },
  "definitions": {
    "coord": {
      "type": "array",
      "minItems": 4,
      "items": {"type": "number"}
    }
  }
}`

var recordSchema = gojsonschema.NewStringLoader(moveRecordSchema)

// ValidateRecord checks the structure of a raw move record.
func ValidateRecord(raw []byte) error {
	result, err := gojsonschema.Validate(recordSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("validate move record: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid move record: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// DecodeRecord validates and decodes a raw move record.
func DecodeRecord(raw []byte) (MoveRecord, error) {
	var rec MoveRecord
	if err := ValidateRecord(raw); err != nil {
		return rec, err
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("decode move record: %w", err)
	}
	return rec, nil
}

// Encode renders the record as indented JSON.
func (r *MoveRecord) Encode() ([]byte, error) {
	buf := pool.GetByteBuffer()
	defer pool.PutByteBuffer(buf)
	enc := json.NewEncoder(buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	buf.TrimNewline()
	// The writer keeps the data until the file is renamed into place.
	return buf.Copy(), nil
}

// encodeValid encodes the record and refuses it when it would not
// decode back as a move record.
func (r *MoveRecord) encodeValid() ([]byte, error) {
	data, err := r.Encode()
	if err != nil {
		return nil, err
	}
	if err := ValidateRecord(data); err != nil {
		return nil, err
	}
	return data, nil
}
