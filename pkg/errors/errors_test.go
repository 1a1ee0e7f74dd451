// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	err := RestoreFailed("peripheral data not found")
	assert.JSONEq(t,
		`{"coded":"0001-0531-0000-0005","msg":"Failed to restore pl_print, peripheral data not found","action":"none"}`,
		err.Encode())
}

func TestExtract(t *testing.T) {
	msg := `Error running command: {"coded":"0003-0531-0000-0004","msg":"Unable to open file","action":"pause"}`
	hostErr, ok := Extract(msg)
	require.True(t, ok)
	assert.Equal(t, CodeOpenFile, hostErr.Code)
	assert.Equal(t, ActionPause, hostErr.Action)

	_, ok = Extract("plain failure")
	assert.False(t, ok)

	_, ok = Extract(`{"msg":"no code"}`)
	assert.False(t, ok)
}

func TestActionOf(t *testing.T) {
	assert.Equal(t, ActionNone, ActionOf(nil))
	assert.Equal(t, ActionCancel, ActionOf(stderrors.New("boom")))

	runout := New(CodeInternal, "filament runout").SetAction(ActionPauseRunout)
	wrapped := fmt.Errorf("handler: %w", runout)
	assert.Equal(t, ActionPauseRunout, ActionOf(wrapped))
	assert.True(t, ActionOf(wrapped).Pauses())

	embedded := stderrors.New(`{"coded":"0001-0531-0000-0001","msg":"busy","action":"none"}`)
	assert.Equal(t, ActionNone, ActionOf(embedded))
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("outer: %w", SDBusy())
	assert.True(t, Is(err, CodeSDBusy))
	assert.False(t, Is(err, CodeOpenFile))
	assert.False(t, Is(stderrors.New("x"), CodeSDBusy))
}

func TestPanicError(t *testing.T) {
	var got *HostError
	func() {
		defer func() {
			if r := recover(); r != nil {
				got = PanicError(r)
			}
		}()
		panic("handler exploded")
	}()
	require.NotNil(t, got)
	assert.Equal(t, ActionCancel, got.Action)
	assert.Contains(t, got.Message, "handler exploded")
}

func TestCollector(t *testing.T) {
	c := NewCollector()
	assert.NoError(t, c.Err())
	assert.Nil(t, c.Last())

	c.Add(nil)
	c.Add(stderrors.New("first"))
	c.Add(SDBusy())
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, CodeSDBusy, c.Last().Code)
	assert.Equal(t, ActionCancel, c.Errors()[0].Action)
	assert.ErrorContains(t, c.Err(), "first")

	c.Reset()
	assert.Equal(t, 0, c.Len())
	assert.NoError(t, c.Err())
}
