// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package watcher

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/trafficctl/internal/constants"
)

func TestNew_ClampsDebounceToMinimum(t *testing.T) {
	w := New(func(string) error { return nil }, 1, nil)
	assert.Equal(t, constants.DebounceMinMs, w.Status().DebounceMs)
}

func TestNew_ClampsDebounceToMaximum(t *testing.T) {
	w := New(func(string) error { return nil }, 999999, nil)
	assert.Equal(t, constants.DebounceMaxMs, w.Status().DebounceMs)
}

func TestSetPath_EmptyReturnsToIdle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))

	w := New(func(string) error { return nil }, constants.DebounceMinMs, nil)
	require.NoError(t, w.SetPath(path))
	assert.Equal(t, StateWatching, w.Status().State)

	require.NoError(t, w.SetPath(""))
	st := w.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Empty(t, st.Path)
}

func TestSetPath_MissingFileErrors(t *testing.T) {
	w := New(func(string) error { return nil }, constants.DebounceMinMs, nil)
	err := w.SetPath(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestWatcher_DebouncedWriteTriggersApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))

	var calls int32
	w := New(func(p string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, constants.DebounceMinMs, nil)
	require.NoError(t, w.SetPath(path))
	defer w.SetPath("")

	require.NoError(t, os.WriteFile(path, []byte(`{"v":1}`), 0o600))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 1
	}, 2*time.Second, 20*time.Millisecond)

	st := w.Status()
	assert.Equal(t, 1, st.ApplyCount)
	assert.Equal(t, 0, st.ErrorCount)
}

func TestWatcher_ApplyFailureIsFailOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))

	w := New(func(p string) error {
		return assertError{}
	}, constants.DebounceMinMs, nil)
	require.NoError(t, w.SetPath(path))
	defer w.SetPath("")

	require.NoError(t, os.WriteFile(path, []byte(`{"v":1}`), 0o600))

	require.Eventually(t, func() bool {
		return w.Status().ErrorCount >= 1
	}, 2*time.Second, 20*time.Millisecond)

	st := w.Status()
	assert.Equal(t, 0, st.ApplyCount)
	assert.Equal(t, StateWatching, st.State, "a failed apply must return to Watching, not get stuck in Applying")
}

type assertError struct{}

func (assertError) Error() string { return "apply failed" }
