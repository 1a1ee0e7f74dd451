// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"klipper-powerloss/pkg/checkpoint"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

func validOutput(format string) error {
	switch format {
	case outputText, outputJSON, outputYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q", format)
}

// render writes v as JSON or YAML. It reports false for text output,
// which each command renders itself.
func render(w io.Writer, format string, v interface{}) (bool, error) {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(v)
	}
	return false, nil
}

var (
	heading = color.New(color.Bold)
	good    = color.New(color.FgGreen)
	warn    = color.New(color.FgYellow)
	bad     = color.New(color.FgRed)
)

// slotView is the printable form of a move checkpoint.
type slotView struct {
	Index    int     `json:"index" yaml:"index"`
	Line     uint32  `json:"line" yaml:"line"`
	FilePos  int64   `json:"file_pos" yaml:"file_pos"`
	Seq      uint64  `json:"seq" yaml:"seq"`
	Extruder string  `json:"extruder" yaml:"extruder"`
	Z        float64 `json:"z" yaml:"z"`
	Command  string  `json:"command" yaml:"command"`
}

func viewSlot(s checkpoint.Slot) slotView {
	return slotView{
		Index:    s.Index,
		Line:     s.Record.LineCount,
		FilePos:  s.Record.FilePos,
		Seq:      s.Record.Seq,
		Extruder: s.Record.Extruder,
		Z:        s.Record.ToolheadPos[2],
		Command:  s.Record.Line,
	}
}

func slotTable(w io.Writer, slots []slotView) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Slot", "Line", "File pos", "Seq", "Extruder", "Z", "Command"})
	for _, s := range slots {
		tbl.AppendRow(table.Row{s.Index, s.Line, s.FilePos, s.Seq, s.Extruder, fmt.Sprintf("%.3f", s.Z), s.Command})
	}
	tbl.AppendFooter(table.Row{"", "", "", "", "", "Total", len(slots)})
	tbl.Render()
}
