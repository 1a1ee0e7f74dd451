// Structured logging tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(prefix string, format OutputFormat) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return &Logger{prefix: prefix, out: &output{writer: &buf, level: DEBUG, format: format}}, &buf
}

// useSharedOutput points the shared output at a buffer for one test.
func useSharedOutput(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer
	saved := std
	std = &output{writer: &buf, level: INFO, format: FormatText, colorize: true}
	t.Cleanup(func() { std = saved })
	return &buf
}

func TestLoggerText(t *testing.T) {
	logger, buf := newTestLogger("stream", FormatText)

	logger.Info("dispatched %d lines", 42)

	out := buf.String()
	assert.Contains(t, out, "[INFO ]")
	assert.Contains(t, out, "stream: dispatched 42 lines")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestLoggerLevelFilter(t *testing.T) {
	logger, buf := newTestLogger("checkpoint", FormatText)
	logger.out.level = WARN

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	logger.Error("shown too")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Equal(t, 2, strings.Count(out, "shown"))
}

func TestLoggerJSONFields(t *testing.T) {
	logger, buf := newTestLogger("recovery", FormatJSON)

	logger.WithField("slot", 3).
		WithFields(Fields{"line": 1200}).
		WithError(errors.New("homing failed")).
		Warn("step aborted")

	var entry jsonEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry.Level)
	assert.Equal(t, "recovery", entry.Logger)
	assert.Equal(t, "step aborted", entry.Message)
	assert.Equal(t, float64(3), entry.Fields["slot"])
	assert.Equal(t, float64(1200), entry.Fields["line"])
	assert.Equal(t, "homing failed", entry.Fields["error"])
}

func TestEntryFieldsDoNotLeak(t *testing.T) {
	logger, buf := newTestLogger("stream", FormatText)

	job := logger.WithField("file", "cube.gcode")
	job.WithField("line", 7).Info("paused")
	assert.Contains(t, buf.String(), "{file=cube.gcode, line=7}")

	buf.Reset()
	job.Info("resumed")
	assert.Contains(t, buf.String(), "{file=cube.gcode}")

	buf.Reset()
	logger.Info("plain")
	assert.NotContains(t, buf.String(), "file=")
}

func TestLoggerCaller(t *testing.T) {
	logger, buf := newTestLogger("test", FormatText)
	logger.out.caller = true

	logger.Info("from logger")
	logger.WithField("k", 1).Info("from entry")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Contains(t, line, "(logger_test.go:")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"DEBUG":   DEBUG,
		"debug":   DEBUG,
		"info":    INFO,
		"WARNING": WARN,
		"warn":    WARN,
		"error":   ERROR,
		"bogus":   INFO,
		"":        INFO,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
	assert.Equal(t, "UNKNOWN", LogLevel(99).String())
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, FormatJSON, ParseFormat("JSON"))
	assert.Equal(t, FormatText, ParseFormat("text"))
	assert.Equal(t, FormatText, ParseFormat("yaml"))
}

func TestConfigureReachesExistingLoggers(t *testing.T) {
	buf := useSharedOutput(t)
	logger := GetLogger("checkpoint")

	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	Configure("debug", "json")
	logger.Debug("shown")

	var entry jsonEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "checkpoint", entry.Logger)
	assert.Equal(t, "shown", entry.Message)

	Configure("", "")
	assert.Equal(t, DEBUG, std.level)
	assert.Equal(t, FormatJSON, std.format)
}

func TestConfigureFromEnv(t *testing.T) {
	useSharedOutput(t)
	Configure("debug", "text")
	t.Setenv("PLR_LOG_LEVEL", "error")
	t.Setenv("PLR_LOG_FORMAT", "json")
	t.Setenv("PLR_LOG_CALLER", "1")
	t.Setenv("NO_COLOR", "1")

	ConfigureFromEnv()

	assert.Equal(t, ERROR, std.level)
	assert.Equal(t, FormatJSON, std.format)
	assert.True(t, std.caller)
	assert.False(t, std.colorize)
}

func TestConfigureFromEnvKeepsUnsetValues(t *testing.T) {
	useSharedOutput(t)
	Configure("warn", "json")
	t.Setenv("PLR_LOG_LEVEL", "")
	t.Setenv("PLR_LOG_FORMAT", "")
	t.Setenv("PLR_LOG_CALLER", "")
	t.Setenv("NO_COLOR", "")

	ConfigureFromEnv()

	assert.Equal(t, WARN, std.level)
	assert.Equal(t, FormatJSON, std.format)
	assert.False(t, std.caller)
	assert.True(t, std.colorize)
}

func BenchmarkLoggerJSON(b *testing.B) {
	logger, buf := newTestLogger("bench", FormatJSON)
	logger.out.level = INFO

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		logger.WithField("line", i).Info("dispatched")
	}
}
