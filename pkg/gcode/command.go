// Package gcode parses G-code text lines into commands. It understands
// both the classic "X10 Y20" parameter form and the "KEY=VALUE" form of
// extended commands.
package gcode

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MaxToolNumber bounds the tool change commands T0..T31.
const MaxToolNumber = 32

var (
	reCommand = regexp.MustCompile(`(?i)^([A-Z_]+\d*(?:\.\d+)?)`)
	reParam   = regexp.MustCompile(`(?i)([A-Z_]+)\s*=\s*([^=\s]*)|([A-Z_]+)([^=\s]*)`)
)

// Command is a parsed G-code line.
type Command struct {
	Name string
	// Params maps upper-case parameter names to their raw values. A
	// parameter given without a value maps to "".
	Params map[string]string
	Raw    string
}

// Parse parses a line. Blank lines, comment-only lines and lines that do
// not start with a command name report false.
func Parse(line string) (Command, bool) {
	raw := strings.TrimSpace(line)
	if raw == "" || strings.HasPrefix(raw, ";") {
		return Command{}, false
	}
	ln := raw
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = strings.TrimSpace(ln[:idx])
	}
	loc := reCommand.FindStringSubmatchIndex(ln)
	if loc == nil {
		return Command{}, false
	}
	name := strings.ToUpper(ln[loc[2]:loc[3]])
	rest := strings.TrimSpace(ln[loc[1]:])

	params := make(map[string]string)
	for _, m := range reParam.FindAllStringSubmatch(rest, -1) {
		key, val := m[1], m[2]
		if key == "" {
			key, val = m[3], m[4]
		}
		params[strings.ToUpper(key)] = strings.TrimSpace(val)
	}
	return Command{Name: name, Params: params, Raw: raw}, true
}

// Has reports whether the parameter was given, with or without a value.
func (c Command) Has(name string) bool {
	_, ok := c.Params[strings.ToUpper(name)]
	return ok
}

// Constraint restricts an accepted parameter value.
type Constraint func(name string, v float64) error

// MinVal requires v >= min.
func MinVal(min float64) Constraint {
	return func(name string, v float64) error {
		if v < min {
			return fmt.Errorf("%s must have minimum of %v", name, min)
		}
		return nil
	}
}

// MaxVal requires v <= max.
func MaxVal(max float64) Constraint {
	return func(name string, v float64) error {
		if v > max {
			return fmt.Errorf("%s must have maximum of %v", name, max)
		}
		return nil
	}
}

// Above requires v > limit.
func Above(limit float64) Constraint {
	return func(name string, v float64) error {
		if v <= limit {
			return fmt.Errorf("%s must be above %v", name, limit)
		}
		return nil
	}
}

// Below requires v < limit.
func Below(limit float64) Constraint {
	return func(name string, v float64) error {
		if v >= limit {
			return fmt.Errorf("%s must be below %v", name, limit)
		}
		return nil
	}
}

// Float returns the parameter as a number. A missing parameter, or one
// given without a value, reports ok=false and no error.
func (c Command) Float(name string, constraints ...Constraint) (v float64, ok bool, err error) {
	key := strings.ToUpper(name)
	raw := c.Params[key]
	if raw == "" {
		return 0, false, nil
	}
	v, err = strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("error on '%s': unable to parse %s", c.Raw, raw)
	}
	for _, check := range constraints {
		if cerr := check(key, v); cerr != nil {
			return 0, false, fmt.Errorf("error on '%s': %w", c.Raw, cerr)
		}
	}
	return v, true, nil
}

// FloatDefault is Float with a fallback for a missing parameter.
func (c Command) FloatDefault(name string, def float64, constraints ...Constraint) (float64, error) {
	v, ok, err := c.Float(name, constraints...)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// IsMove reports whether the command is a linear or arc move.
func (c Command) IsMove() bool {
	switch c.Name {
	case "G0", "G1", "G2", "G3":
		return true
	}
	return false
}

// ToolIndex returns n for a tool change command Tn.
func (c Command) ToolIndex() (int, bool) {
	return ToolIndex(c.Name)
}

// ToolIndex returns n when name is a tool change command Tn.
func ToolIndex(name string) (int, bool) {
	if len(name) < 2 || name[0] != 'T' {
		return 0, false
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil || n < 0 || n >= MaxToolNumber || strconv.Itoa(n) != name[1:] {
		return 0, false
	}
	return n, true
}

// IsToolChange reports whether the command selects a tool.
func (c Command) IsToolChange() bool {
	_, ok := c.ToolIndex()
	return ok
}

// SkipsPurge reports whether resuming at this command must not purge
// the nozzle first.
func (c Command) SkipsPurge() bool {
	return c.IsToolChange() || c.Name == "BED_MESH_CALIBRATE"
}

// UsesLiveTemperature reports whether resuming at this command keeps the
// configured heater targets instead of the recorded extrusion
// temperature.
func (c Command) UsesLiveTemperature() bool {
	return c.Name == "BED_MESH_CALIBRATE"
}

// HomesZ reports whether the command is a homing move touching Z.
func (c Command) HomesZ() bool {
	if c.Name != "G28" {
		return false
	}
	if !c.Has("X") && !c.Has("Y") && !c.Has("Z") {
		return true
	}
	return c.Has("Z")
}
