package dlerrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndIs(t *testing.T) {
	err := New(BadInput, "track", "append", "non-numeric _ts")

	assert.True(t, Is(err, BadInput))
	assert.False(t, Is(err, Transient))
	assert.Contains(t, err.Error(), "non-numeric _ts")
}

func TestWrapUnwrapsCause(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Wrap(Transient, "remote", "read_track_range", "request failed", cause)

	assert.True(t, Is(err, Transient))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestConvenienceConstructors(t *testing.T) {
	assert.True(t, Is(SessionClosedf("session", "log"), SessionClosed))
	assert.True(t, Is(NotFoundf("track", "read", "track %q", "loss"), NotFound))
	assert.True(t, Is(Conflictf("local", "open", "lock held"), Conflict))
	assert.True(t, Is(BadInputf("files", "upload", "prefix must start with /"), BadInput))
	assert.True(t, Is(Corruptf("track", "flush", fmt.Errorf("eof"), "short record"), Corrupt))
}
