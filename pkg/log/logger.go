// Structured logging for the print-stream and recovery host
//
// Component loggers carry a prefix (checkpoint, stream, recovery, ...)
// and optional fields. Every logger obtained from GetLogger writes
// through the shared output, so Configure and ConfigureFromEnv affect
// loggers created before the call.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name. Unknown names are INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// OutputFormat specifies the output format for log messages
type OutputFormat int

const (
	FormatText OutputFormat = iota
	FormatJSON
)

// ParseFormat parses "json" or "text"; anything else is text.
func ParseFormat(s string) OutputFormat {
	if strings.EqualFold(s, "json") {
		return FormatJSON
	}
	return FormatText
}

// Fields is a map of structured logging fields
type Fields map[string]interface{}

var levelColors = map[LogLevel]*color.Color{
	DEBUG: color.New(color.FgCyan),
	INFO:  color.New(color.FgGreen),
	WARN:  color.New(color.FgYellow),
	ERROR: color.New(color.FgRed, color.Bold),
}

const textTimeFormat = "2006-01-02 15:04:05.000"

// output is the destination and the settings loggers share.
type output struct {
	mu       sync.Mutex
	writer   io.Writer
	level    LogLevel
	format   OutputFormat
	colorize bool
	caller   bool
}

func newOutput() *output {
	return &output{
		writer:   os.Stderr,
		level:    INFO,
		format:   FormatText,
		colorize: os.Getenv("NO_COLOR") == "",
	}
}

// std backs every logger returned by GetLogger.
var std = newOutput()

// Logger writes lines tagged with a component prefix.
type Logger struct {
	prefix string
	out    *output
}

// Entry is a pending log line with fields attached.
type Entry struct {
	logger *Logger
	fields Fields
}

// GetLogger returns a logger for a component writing to the shared
// output.
func GetLogger(prefix string) *Logger {
	return &Logger{prefix: prefix, out: std}
}

func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{logger: l, fields: Fields{key: value}}
}

func (l *Logger) WithFields(fields Fields) *Entry {
	return &Entry{logger: l, fields: fields}
}

func (l *Logger) WithError(err error) *Entry {
	return l.WithField("error", err.Error())
}

// Debug, Info, Warn and Error format msg with args when args are given.
func (l *Logger) Debug(msg string, args ...interface{}) { l.emit(DEBUG, sprintf(msg, args), nil) }
func (l *Logger) Info(msg string, args ...interface{})  { l.emit(INFO, sprintf(msg, args), nil) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.emit(WARN, sprintf(msg, args), nil) }
func (l *Logger) Error(msg string, args ...interface{}) { l.emit(ERROR, sprintf(msg, args), nil) }

func (e *Entry) WithField(key string, value interface{}) *Entry {
	return e.WithFields(Fields{key: value})
}

func (e *Entry) WithFields(fields Fields) *Entry {
	merged := make(Fields, len(e.fields)+len(fields))
	for k, v := range e.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Entry{logger: e.logger, fields: merged}
}

func (e *Entry) WithError(err error) *Entry {
	return e.WithField("error", err.Error())
}

func (e *Entry) Debug(msg string) { e.logger.emit(DEBUG, msg, e.fields) }
func (e *Entry) Info(msg string)  { e.logger.emit(INFO, msg, e.fields) }
func (e *Entry) Warn(msg string)  { e.logger.emit(WARN, msg, e.fields) }
func (e *Entry) Error(msg string) { e.logger.emit(ERROR, msg, e.fields) }

func sprintf(msg string, args []interface{}) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

// emit must be called directly by the exported logging methods; the
// caller lookup depends on that depth.
func (l *Logger) emit(level LogLevel, msg string, fields Fields) {
	o := l.out
	o.mu.Lock()
	defer o.mu.Unlock()
	if level < o.level {
		return
	}
	caller := ""
	if o.caller {
		if _, file, line, ok := runtime.Caller(2); ok {
			caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
		}
	}
	if o.format == FormatJSON {
		io.WriteString(o.writer, jsonLine(level, l.prefix, msg, caller, fields))
		return
	}
	io.WriteString(o.writer, textLine(level, l.prefix, msg, caller, fields, o.colorize))
}

func textLine(level LogLevel, prefix, msg, caller string, fields Fields, colorize bool) string {
	var sb strings.Builder
	sb.WriteString(time.Now().Format(textTimeFormat))
	fmt.Fprintf(&sb, " [%-5s] ", level)
	if colorize {
		sb.WriteString(levelColors[level].Sprint(prefix))
	} else {
		sb.WriteString(prefix)
	}
	sb.WriteString(": ")
	sb.WriteString(msg)
	if caller != "" {
		sb.WriteString(" (" + caller + ")")
	}
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, fields[k])
		}
		sb.WriteString("}")
	}
	sb.WriteString("\n")
	return sb.String()
}

// jsonEntry is one JSON log line.
type jsonEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Logger    string `json:"logger"`
	Message   string `json:"message"`
	Caller    string `json:"caller,omitempty"`
	Fields    Fields `json:"fields,omitempty"`
}

func jsonLine(level LogLevel, prefix, msg, caller string, fields Fields) string {
	data, err := json.Marshal(jsonEntry{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Level:     level.String(),
		Logger:    prefix,
		Message:   msg,
		Caller:    caller,
		Fields:    fields,
	})
	if err != nil {
		return fmt.Sprintf(`{"level":"ERROR","message":"unencodable log line: %v"}`+"\n", err)
	}
	return string(data) + "\n"
}

func init() {
	ConfigureFromEnv()
}

// Configure applies level and format to the shared output. Empty values
// keep the current setting.
func Configure(level, format string) {
	std.mu.Lock()
	defer std.mu.Unlock()
	if level != "" {
		std.level = ParseLevel(level)
	}
	if format != "" {
		std.format = ParseFormat(format)
	}
}

// ConfigureFromEnv applies the environment to the shared output:
//   - PLR_LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - PLR_LOG_FORMAT: text, json
//   - PLR_LOG_CALLER: any non-empty value adds file:line
//   - NO_COLOR: any non-empty value disables colors
func ConfigureFromEnv() {
	Configure(os.Getenv("PLR_LOG_LEVEL"), os.Getenv("PLR_LOG_FORMAT"))
	std.mu.Lock()
	defer std.mu.Unlock()
	if os.Getenv("PLR_LOG_CALLER") != "" {
		std.caller = true
	}
	if os.Getenv("NO_COLOR") != "" {
		std.colorize = false
	}
}
