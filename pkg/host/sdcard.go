// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package host

import (
	"context"
	"fmt"
	"strings"

	"klipper-powerloss/pkg/errors"
	"klipper-powerloss/pkg/gcode"
	"klipper-powerloss/pkg/log"
	"klipper-powerloss/pkg/printer"
	"klipper-powerloss/pkg/stream"
)

func (h *Host) registerSDCard() {
	h.Register("SDCARD_PRINT_FILE", h.cmdPrintFile)
	h.Register("SDCARD_RESET_FILE", h.cmdResetFile)
	h.Register("M20", h.cmdM20)
	h.Register("M21", func(ctx context.Context, cmd gcode.Command) error {
		h.respond("SD card ok")
		return nil
	})
	h.Register("M23", h.cmdM23)
	h.Register("M24", h.cmdM24)
	h.Register("M25", h.cmdM25)
	h.Register("M26", h.cmdM26)
	h.Register("M27", h.cmdM27)
	h.Register("M28", h.cmdWriteUnsupported)
	h.Register("M29", h.cmdWriteUnsupported)
	h.Register("M30", h.cmdWriteUnsupported)
}

// rawArgument returns the text after the command name, as M23 takes a
// file name rather than parameters.
func rawArgument(cmd gcode.Command) string {
	raw := cmd.Raw
	if i := strings.IndexByte(raw, ';'); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.TrimSpace(raw)
	fields := strings.SplitN(raw, " ", 2)
	if len(fields) < 2 {
		return ""
	}
	return strings.TrimSpace(fields[1])
}

// StartJob starts a job file from its beginning.
func (h *Host) StartJob(ctx context.Context, name string) error {
	if h.Machine != nil {
		if err := h.Machine.Require("SDCARD_PRINT_FILE", printer.StateIdle); err != nil {
			return err
		}
	}
	if err := h.Dispatcher.StartJob(ctx, name); err != nil {
		return err
	}
	h.pause.clear()
	h.log.WithField("file", name).Info("job started")
	return nil
}

func (h *Host) cmdPrintFile(ctx context.Context, cmd gcode.Command) error {
	name := cmd.Params["FILENAME"]
	if name == "" {
		return errors.New(errors.CodeOpenFile, "SDCARD_PRINT_FILE requires FILENAME")
	}
	if stream.InStream(ctx) || h.Dispatcher.IsActive() {
		return errors.SDBusy()
	}
	return h.StartJob(ctx, strings.Trim(name, `"`))
}

// Reset unloads the job file and removes its checkpoints.
func (h *Host) Reset(ctx context.Context) error {
	if err := h.Dispatcher.Reset(ctx, false); err != nil {
		return err
	}
	h.pause.clear()
	return nil
}

func (h *Host) cmdResetFile(ctx context.Context, cmd gcode.Command) error {
	return h.Reset(ctx)
}

// ListFiles lists the job directory.
func (h *Host) ListFiles() ([]stream.FileInfo, error) {
	return h.Dispatcher.FileList()
}

func (h *Host) cmdM20(ctx context.Context, cmd gcode.Command) error {
	files, err := h.ListFiles()
	if err != nil {
		return err
	}
	var sb strings.Builder
	sb.WriteString("Begin file list\n")
	for _, f := range files {
		fmt.Fprintf(&sb, "%s %d\n", f.Name, f.Size)
	}
	sb.WriteString("End file list")
	h.respond(sb.String())
	return nil
}

func (h *Host) cmdM23(ctx context.Context, cmd gcode.Command) error {
	if h.Dispatcher.IsActive() {
		return errors.SDBusy()
	}
	name := rawArgument(cmd)
	if name == "" {
		return errors.New(errors.CodeOpenFile, "M23 requires a file name")
	}
	if err := h.Dispatcher.Reset(ctx, false); err != nil {
		return err
	}
	path, err := h.Dispatcher.LoadFile(name)
	if err != nil {
		return err
	}
	h.respond(fmt.Sprintf("File opened:%s Size:%d\nFile selected", name, h.Dispatcher.Status().FileSize))
	h.log.WithField("file", path).Debug("job file selected")
	return nil
}

func (h *Host) cmdM24(ctx context.Context, cmd gcode.Command) error {
	if h.Dispatcher.IsActive() {
		return nil
	}
	if h.pause.isPaused() {
		return h.Resume(ctx, 0)
	}
	return h.Dispatcher.Resume(nil)
}

func (h *Host) cmdM25(ctx context.Context, cmd gcode.Command) error {
	return h.Dispatcher.Pause(ctx)
}

func (h *Host) cmdM26(ctx context.Context, cmd gcode.Command) error {
	pos, err := cmd.FloatDefault("S", 0, gcode.MinVal(0))
	if err != nil {
		return err
	}
	return h.Dispatcher.SetOffset(int64(pos))
}

func (h *Host) cmdM27(ctx context.Context, cmd gcode.Command) error {
	st := h.Dispatcher.Status()
	if st.FilePath == "" {
		h.respond("Not SD printing.")
		return nil
	}
	h.respond(fmt.Sprintf("SD printing byte %d/%d", st.FilePosition, st.FileSize))
	return nil
}

func (h *Host) cmdWriteUnsupported(ctx context.Context, cmd gcode.Command) error {
	h.log.WithFields(log.Fields{"command": cmd.Name}).Warn("sd write requested")
	return errors.New(errors.CodeWriteUnsupported, "SD write not supported")
}
