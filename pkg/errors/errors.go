// Structured errors for the print-stream and recovery host
//
// Every error that crosses the host boundary resolves to a triple of
// domain code, message and action. The action tells the job stream what
// to do with the failure: keep going, pause, or cancel the job.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode is the dotted domain code reported to operators.
type ErrorCode string

const (
	CodeFileList           ErrorCode = "0001-0531-0000-0000"
	CodeSDBusy             ErrorCode = "0001-0531-0000-0001"
	CodeWriteUnsupported   ErrorCode = "0001-0531-0000-0002"
	CodeResetFromSD        ErrorCode = "0001-0531-0000-0003"
	CodeOpenFile           ErrorCode = "0003-0531-0000-0004"
	CodeRestoreFailed      ErrorCode = "0001-0531-0000-0005"
	CodeClearWhilePrinting ErrorCode = "0001-0531-0000-0006"
	CodeStreamIO           ErrorCode = "0003-0531-0000-0007"
	CodeNoCheckpoint       ErrorCode = "0001-0531-0000-0008"
	CodeRefreshRejected    ErrorCode = "0001-0531-0000-0009"
	CodeMachineState       ErrorCode = "0001-0531-0000-0010"

	// CodeInternal is used for errors that carry no domain code.
	CodeInternal ErrorCode = "0001-0000-0000-0000"
)

// Action tells the job stream how to react to an error.
type Action string

const (
	ActionNone        Action = "none"
	ActionPause       Action = "pause"
	ActionPauseRunout Action = "pause_runout"
	ActionCancel      Action = "cancel"
)

// Pauses reports whether the action suspends the job instead of failing it.
func (a Action) Pauses() bool {
	return a == ActionPause || a == ActionPauseRunout
}

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the domain code
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Action is the requested reaction of the job stream
	Action Action

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Triple is the wire form of a HostError.
type Triple struct {
	Coded  ErrorCode `json:"coded"`
	Msg    string    `json:"msg"`
	Action Action    `json:"action"`
}

// Error implements the error interface
func (e *HostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetAction sets the requested stream action
func (e *HostError) SetAction(action Action) *HostError {
	e.Action = action
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Triple returns the boundary form of the error.
func (e *HostError) Triple() Triple {
	action := e.Action
	if action == "" {
		action = ActionNone
	}
	return Triple{Coded: e.Code, Msg: e.Message, Action: action}
}

// Encode renders the error as the JSON message shown to operators.
func (e *HostError) Encode() string {
	data, err := json.Marshal(e.Triple())
	if err != nil {
		return e.Error()
	}
	return string(data)
}

// New creates a new HostError with ActionNone
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Action:  ActionNone,
	}
}

// Newf creates a new HostError with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *HostError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Action:  ActionNone,
		Err:     err,
	}
}

// Extract finds a JSON encoded triple embedded in an arbitrary message.
func Extract(message string) (*HostError, bool) {
	start := strings.Index(message, "{")
	end := strings.LastIndex(message, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	var t Triple
	if err := json.Unmarshal([]byte(message[start:end+1]), &t); err != nil {
		return nil, false
	}
	if t.Coded == "" {
		return nil, false
	}
	if t.Action == "" {
		t.Action = ActionNone
	}
	return &HostError{Code: t.Coded, Message: t.Msg, Action: t.Action}, true
}

// As resolves any error to a HostError. Errors that carry no triple
// become CodeInternal with the given default action.
func As(err error, def Action) *HostError {
	if err == nil {
		return nil
	}
	var hostErr *HostError
	if stderrors.As(err, &hostErr) {
		return hostErr
	}
	if extracted, ok := Extract(err.Error()); ok {
		extracted.Err = err
		return extracted
	}
	return &HostError{Code: CodeInternal, Message: err.Error(), Action: def, Err: err}
}

// ActionOf returns the stream action for err. Plain errors cancel.
func ActionOf(err error) Action {
	if err == nil {
		return ActionNone
	}
	hostErr := As(err, ActionCancel)
	if hostErr.Action == "" {
		return ActionNone
	}
	return hostErr.Action
}

// Is checks if error matches given error code
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	if stderrors.As(err, &hostErr) {
		return hostErr.Code == code
	}
	return false
}

// Common constructors

// SDBusy is returned when a job is already streaming.
func SDBusy() *HostError {
	return New(CodeSDBusy, "SD busy")
}

// OpenFile is returned when the job file cannot be opened.
func OpenFile(name string, err error) *HostError {
	return Wrap(err, CodeOpenFile, fmt.Sprintf("Unable to open file %s", name))
}

// RestoreFailed is the single error surfaced when a recovery aborts.
func RestoreFailed(reason string) *HostError {
	return New(CodeRestoreFailed, "Failed to restore pl_print, "+reason)
}

// NoCheckpoint is returned when no usable recovery data exists.
func NoCheckpoint(reason string) *HostError {
	return New(CodeNoCheckpoint, "no checkpoint: "+reason)
}

// MachineState is returned when a command is issued in the wrong state.
func MachineState(command, state string) *HostError {
	return Newf(CodeMachineState, "%s not allowed while %s", command, state)
}

// PanicError converts a value obtained from recover() to a HostError.
func PanicError(r interface{}) *HostError {
	var msg string
	switch x := r.(type) {
	case string:
		msg = "panic: " + x
	case runtime.Error:
		msg = x.Error()
	case error:
		msg = x.Error()
	default:
		msg = fmt.Sprintf("panic: %v", x)
	}
	return New(CodeInternal, msg).SetAction(ActionCancel)
}
