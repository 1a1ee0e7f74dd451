// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package stream executes a job file line by line and keeps the
// checkpoints of the running job current.
package stream

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"klipper-powerloss/pkg/errors"
	"klipper-powerloss/pkg/log"
	"klipper-powerloss/pkg/pool"
	"klipper-powerloss/pkg/printer"
	"klipper-powerloss/pkg/reactor"
)

// DefaultReadSize is the block size used to read the job file.
const DefaultReadSize = 8192

// gateRetry is how long the stream yields while another command holds
// the dispatch gate.
const gateRetry = 0.100

var validExts = map[string]bool{"gcode": true, "g": true, "gco": true}

type inStreamKey struct{}

// InStream reports whether ctx belongs to a command issued by the job
// stream itself.
func InStream(ctx context.Context) bool {
	v, _ := ctx.Value(inStreamKey{}).(bool)
	return v
}

// Observer receives stream events. Implementations must not block.
type Observer interface {
	LineDispatched()
	StreamError(action errors.Action)
}

// Options configures a Dispatcher.
type Options struct {
	SDCardDir    string
	ReadSize     int
	OnErrorGCode string
	// KeepOnExit retains the checkpoints of a job that completed.
	KeepOnExit bool
}

// Deps are the services the dispatcher drives.
type Deps struct {
	Reactor  *reactor.Reactor
	Gate     *reactor.Mutex
	Executor printer.Executor
	Stats    *printer.PrintStats
	Machine  *printer.Machine
	Recorder *Recorder
	Observer Observer
}

// FileInfo describes a job file in the job directory.
type FileInfo struct {
	Name     string    `json:"path" yaml:"path"`
	Size     int64     `json:"size" yaml:"size"`
	Modified time.Time `json:"modified" yaml:"modified"`
}

// Status is the stream state reported to clients.
type Status struct {
	FilePath     string  `json:"file_path" yaml:"file_path"`
	Progress     float64 `json:"progress" yaml:"progress"`
	IsActive     bool    `json:"is_active" yaml:"is_active"`
	FilePosition int64   `json:"file_position" yaml:"file_position"`
	FileSize     int64   `json:"file_size" yaml:"file_size"`
	Lines        uint32  `json:"lines" yaml:"lines"`
}

// Dispatcher streams a job file into the executor.
type Dispatcher struct {
	Deps
	opts Options
	log  *log.Logger

	mu           sync.Mutex
	file         *os.File
	fileName     string
	fileSize     int64
	filePosition int64
	nextPosition int64
	lines        uint32
	currentLine  string
	mustPause    bool
	work         *reactor.Completion
}

// NewDispatcher returns an idle dispatcher.
func NewDispatcher(deps Deps, opts Options) *Dispatcher {
	if opts.ReadSize <= 0 {
		opts.ReadSize = DefaultReadSize
	}
	if deps.Gate == nil && deps.Reactor != nil {
		deps.Gate = deps.Reactor.NewMutex(false)
	}
	return &Dispatcher{
		Deps: deps,
		opts: opts,
		log:  log.GetLogger("stream"),
	}
}

// FileList lists the job files below the job directory sorted by name.
func (d *Dispatcher) FileList() ([]FileInfo, error) {
	var files []FileInfo
	root := d.opts.SDCardDir
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			return nil
		}
		ext := strings.TrimPrefix(filepath.Ext(entry.Name()), ".")
		if !validExts[strings.ToLower(ext)] {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, FileInfo{Name: filepath.ToSlash(rel), Size: info.Size(), Modified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeFileList, "Unable to get file list")
	}
	sort.Slice(files, func(i, j int) bool {
		return strings.ToLower(files[i].Name) < strings.ToLower(files[j].Name)
	})
	return files, nil
}

// resolve maps a client supplied name to a path in the job directory.
// An absolute path naming an existing file is used as is; otherwise a
// leading slash is relative to the job directory. Names match
// case-insensitively when there is no exact match.
func (d *Dispatcher) resolve(name string) (string, error) {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err == nil {
			return filepath.Clean(name), nil
		}
	}
	name = strings.TrimPrefix(name, "/")
	files, err := d.FileList()
	if err != nil {
		return "", err
	}
	for _, f := range files {
		if f.Name == name {
			return filepath.Join(d.opts.SDCardDir, f.Name), nil
		}
	}
	for _, f := range files {
		if strings.EqualFold(f.Name, name) {
			return filepath.Join(d.opts.SDCardDir, f.Name), nil
		}
	}
	return filepath.Join(d.opts.SDCardDir, name), nil
}

// LoadFile opens a job file and positions the stream at its start.
func (d *Dispatcher) LoadFile(name string) (string, error) {
	if d.IsActive() {
		return "", errors.SDBusy()
	}
	path, err := d.resolve(name)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", errors.OpenFile(name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return "", errors.OpenFile(name, err)
	}

	d.mu.Lock()
	if d.file != nil {
		d.file.Close()
	}
	d.file = f
	d.fileName = path
	d.fileSize = info.Size()
	d.filePosition = 0
	d.nextPosition = 0
	d.mu.Unlock()

	if d.Stats != nil {
		d.Stats.SetCurrentFile(name)
	}
	if d.Recorder != nil {
		d.Recorder.SetJob(path)
	}
	d.log.WithFields(log.Fields{"file": path, "size": info.Size()}).Info("file opened")
	return path, nil
}

// StartJob loads a job file and starts streaming it from the beginning.
// Checkpoints of any previous job are removed.
func (d *Dispatcher) StartJob(ctx context.Context, name string) error {
	if d.IsActive() {
		return errors.SDBusy()
	}
	if err := d.Reset(ctx, false); err != nil {
		return err
	}
	if _, err := d.LoadFile(name); err != nil {
		return err
	}
	return d.Resume(nil)
}

// Splice opens path at byte offset pos with lines already executed, so
// the next Resume continues a recovered job.
func (d *Dispatcher) Splice(path string, pos int64, lines uint32) error {
	if _, err := d.LoadFile(path); err != nil {
		return err
	}
	d.mu.Lock()
	d.filePosition = pos
	d.nextPosition = pos
	d.lines = lines
	d.mu.Unlock()
	if d.Recorder != nil {
		d.Recorder.Resume(lines)
	}
	d.log.WithFields(log.Fields{"file": path, "position": pos, "lines": lines}).Info("job spliced")
	return nil
}

// Resume starts streaming from the current position. carry restores
// the statistics of a recovered job.
func (d *Dispatcher) Resume(carry *printer.Carryover) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.work != nil {
		return errors.SDBusy()
	}
	if d.file == nil {
		return errors.New(errors.CodeStreamIO, "no job file loaded")
	}
	d.mustPause = false
	d.work = d.Reactor.Spawn(func(ctx context.Context) interface{} {
		return d.run(ctx, carry)
	})
	return nil
}

// Pause stops the stream after the line in flight. Called from a job
// line it only requests the pause.
func (d *Dispatcher) Pause(ctx context.Context) error {
	d.mu.Lock()
	work := d.work
	if work != nil {
		d.mustPause = true
	}
	d.mu.Unlock()
	if work == nil || InStream(ctx) {
		return nil
	}
	_, err := work.WaitContext(ctx)
	return err
}

// Cancel stops the stream and ends the job.
func (d *Dispatcher) Cancel(ctx context.Context) error {
	if d.fileOpen() {
		if err := d.Pause(ctx); err != nil {
			return err
		}
		d.closeFile()
		if d.Stats != nil {
			d.Stats.NoteCancel()
		}
		d.exitToIdle(!d.opts.KeepOnExit)
	}
	d.mu.Lock()
	d.filePosition, d.nextPosition, d.fileSize = 0, 0, 0
	d.mu.Unlock()
	return nil
}

// Reset unloads the job file. keepEnv retains the checkpoints.
func (d *Dispatcher) Reset(ctx context.Context, keepEnv bool) error {
	if InStream(ctx) {
		return errors.New(errors.CodeResetFromSD, "SDCARD_RESET_FILE cannot be run from the sdcard")
	}
	if d.fileOpen() {
		if err := d.Pause(ctx); err != nil {
			return err
		}
		d.closeFile()
	}
	d.mu.Lock()
	d.filePosition, d.nextPosition, d.fileSize = 0, 0, 0
	d.mu.Unlock()
	if d.Stats != nil {
		d.Stats.Reset()
	}
	d.exitToIdle(!keepEnv)
	return nil
}

// SetOffset sets the byte offset of the next line of an idle stream.
func (d *Dispatcher) SetOffset(pos int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.work != nil {
		return errors.SDBusy()
	}
	d.filePosition = pos
	d.nextPosition = pos
	return nil
}

// FilePosition returns the offset of the line after the one executing.
func (d *Dispatcher) FilePosition() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextPosition
}

// SetFilePosition makes the stream continue at pos after the line in
// flight.
func (d *Dispatcher) SetFilePosition(pos int64) {
	d.mu.Lock()
	d.nextPosition = pos
	if d.work == nil {
		d.filePosition = pos
	}
	d.mu.Unlock()
}

// Lines returns the number of job lines dispatched.
func (d *Dispatcher) Lines() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lines
}

// CurrentLine returns the last line that executed.
func (d *Dispatcher) CurrentLine() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentLine
}

// IsActive reports whether the stream is running.
func (d *Dispatcher) IsActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.work != nil
}

// Stopped returns a channel closed when the current run ends. It is
// closed already when nothing runs.
func (d *Dispatcher) Stopped() <-chan struct{} {
	d.mu.Lock()
	work := d.work
	d.mu.Unlock()
	if work == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return work.Done()
}

// WaitStopped waits for the current run to end.
func (d *Dispatcher) WaitStopped(ctx context.Context) error {
	select {
	case <-d.Stopped():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the stream state.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Status{
		IsActive:     d.work != nil,
		FilePosition: d.filePosition,
		FileSize:     d.fileSize,
		Lines:        d.lines,
	}
	if d.file != nil {
		st.FilePath = d.fileName
	}
	if d.fileSize > 0 {
		st.Progress = float64(d.filePosition) / float64(d.fileSize)
	}
	return st
}

func (d *Dispatcher) fileOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file != nil
}

func (d *Dispatcher) closeFile() {
	d.mu.Lock()
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
	d.mu.Unlock()
}

// exitToIdle ends the job: counters return to their start values,
// recording stops and the machine leaves StatePrinting.
func (d *Dispatcher) exitToIdle(clear bool) {
	d.mu.Lock()
	d.lines = 0
	d.currentLine = ""
	d.mu.Unlock()
	if d.Recorder != nil {
		if err := d.Recorder.Finish(clear); err != nil {
			d.log.WithError(err).Error("finish recording failed")
		}
	}
	if d.Machine != nil {
		d.Machine.ExitToIdle(printer.StatePrinting)
	}
}

func (d *Dispatcher) pauseRequested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mustPause
}

// run is the stream loop. It owns the file while it runs.
func (d *Dispatcher) run(ctx context.Context, carry *printer.Carryover) (result interface{}) {
	ctx = context.WithValue(ctx, inStreamKey{}, true)

	d.mu.Lock()
	file := d.file
	pos := d.filePosition
	d.mu.Unlock()
	d.log.WithFields(log.Fields{"file": file.Name(), "position": pos}).Info("starting job stream")

	var (
		errMessage string
		action     = errors.ActionCancel
		partial    string
		queue      []string
		atEOF      bool
	)

	defer func() {
		if r := recover(); r != nil {
			err := errors.PanicError(r)
			d.log.WithError(err).Error("job stream panicked")
			errMessage = err.Encode()
			action = errors.ActionCancel
		}
		d.finishRun(errMessage, action)
		result = errMessage
	}()

	if _, err := file.Seek(pos, io.SeekStart); err != nil {
		d.log.WithError(err).Error("job file seek failed")
		errMessage = errors.Wrap(err, errors.CodeStreamIO, "seek failed").Encode()
		return
	}
	if d.Machine != nil && !d.Machine.Is(printer.StatePrinting) {
		d.Machine.Enter(printer.StatePrinting, printer.ActionPrint)
	}
	if d.Stats != nil {
		d.Stats.NoteStart(carry)
	}

	block := pool.GetBlock(d.opts.ReadSize)
	defer pool.PutBlock(block)
	buf := *block
	for !d.pauseRequested() {
		if len(queue) == 0 {
			if atEOF {
				d.closeFile()
				d.log.Info("finished job stream")
				break
			}
			n, err := file.Read(buf)
			if err != nil && err != io.EOF {
				d.log.WithError(err).Error("job file read failed")
				errMessage = errors.Wrap(err, errors.CodeStreamIO, "read failed").Encode()
				break
			}
			if n == 0 {
				atEOF = true
				if partial != "" {
					queue = append(queue, partial)
					partial = ""
				}
				continue
			}
			parts := strings.Split(partial+string(buf[:n]), "\n")
			partial = parts[len(parts)-1]
			queue = parts[:len(parts)-1]
			continue
		}

		if !d.Gate.TryLock() {
			if ctx.Err() != nil {
				errMessage = errors.Wrap(ctx.Err(), errors.CodeStreamIO, "stream stopped").Encode()
				break
			}
			d.Reactor.Pause(d.Reactor.Monotonic() + gateRetry)
			continue
		}
		if d.pauseRequested() {
			d.Gate.Unlock()
			break
		}

		line := queue[0]
		queue = queue[1:]
		next := pos + int64(len(line))
		if !atEOF {
			next++
		}

		d.mu.Lock()
		d.nextPosition = next
		d.lines++
		lineNo := d.lines
		d.mu.Unlock()

		if d.Recorder != nil {
			d.Recorder.BeginLine(line, lineNo)
		}
		err := d.Executor.ExecuteLine(ctx, line, lineNo)
		d.Gate.Unlock()
		if d.Observer != nil {
			d.Observer.LineDispatched()
		}

		if err != nil {
			act := errors.ActionOf(err)
			if act != errors.ActionNone {
				d.mu.Lock()
				d.lines--
				d.mu.Unlock()
				d.log.WithFields(log.Fields{"line": lineNo, "gcode": line, "action": act}).WithError(err).Warn("job line failed")
				if d.Observer != nil {
					d.Observer.StreamError(act)
				}
				errMessage = errors.As(err, errors.ActionCancel).Encode()
				action = d.handleError(ctx, act)
				break
			}
			d.log.WithFields(log.Fields{"line": lineNo, "gcode": line}).WithError(err).Info("job line failed, continuing")
		} else if d.Recorder != nil {
			d.Recorder.EndLine(line, lineNo, pos)
		}

		d.mu.Lock()
		d.currentLine = line
		seekTo := d.nextPosition
		d.filePosition = seekTo
		d.mu.Unlock()
		pos = seekTo

		if seekTo != next {
			if _, err := file.Seek(seekTo, io.SeekStart); err != nil {
				d.log.WithError(err).Error("job file seek failed")
				errMessage = errors.Wrap(err, errors.CodeStreamIO, "seek failed").Encode()
				action = errors.ActionCancel
				break
			}
			queue, partial, atEOF = nil, "", false
		}
	}
	return
}

// handleError runs the reaction to a failed line and returns the
// resulting action.
func (d *Dispatcher) handleError(ctx context.Context, act errors.Action) errors.Action {
	var script string
	switch act {
	case errors.ActionPause:
		script = "PAUSE ON_ERROR=1"
	case errors.ActionPauseRunout:
		script = "PAUSE IS_RUNOUT=1"
	default:
		if d.opts.OnErrorGCode != "" {
			if err := d.Executor.Run(ctx, d.opts.OnErrorGCode); err != nil {
				d.log.WithError(err).Error("on_error gcode failed")
			}
		}
		return act
	}
	d.mu.Lock()
	d.mustPause = true
	d.mu.Unlock()
	if err := d.Executor.Run(ctx, script); err != nil {
		d.log.WithError(err).WithField("script", script).Error("pause on error failed")
		return errors.ActionCancel
	}
	return act
}

// finishRun resolves the terminal state of a run.
func (d *Dispatcher) finishRun(errMessage string, action errors.Action) {
	d.mu.Lock()
	d.work = nil
	lines, pos, cur := d.lines, d.filePosition, d.currentLine
	open := d.file != nil
	d.mu.Unlock()
	if d.Recorder != nil {
		d.Recorder.Halt()
	}
	d.log.WithFields(log.Fields{"lines": lines, "position": pos, "gcode": cur}).Info("exiting job stream")

	switch {
	case errMessage != "" && !action.Pauses():
		if d.Stats != nil {
			d.Stats.NoteError(errMessage)
		}
		// checkpoints stay so the job can be recovered
		d.exitToIdle(false)
	case open:
		if d.Stats != nil {
			d.Stats.NotePause(errMessage)
		}
	default:
		if d.Stats != nil {
			d.Stats.NoteComplete()
		}
		d.exitToIdle(!d.opts.KeepOnExit)
	}
}
