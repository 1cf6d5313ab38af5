// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package watcher implements the hot-reload file watcher (spec.md §4.9,
// C10): debounced reapply on changes to a user-designated policy file,
// fail-open on parse/validate/apply failure. Built on fsnotify, the
// teacher's own change-notification dependency, the same way its
// hostmanager/config packages watch files for live reload.
package watcher

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"grimm.is/trafficctl/internal/constants"
	"grimm.is/trafficctl/internal/logging"
)

// State is the watcher's coarse lifecycle state (§4.9's state diagram).
type State string

const (
	StateIdle     State = "idle"
	StateWatching State = "watching"
	StateApplying State = "applying"
)

// ApplyFunc performs read+validate+compile+apply+save-LKG for the file at
// path, returning an error describing whichever step failed. The watcher
// itself never talks to the PFF or the validator directly — ApplyFunc is
// supplied by the caller (normally the service's single serial worker, so
// a watcher-triggered apply can never race a CLI-triggered one, §5).
type ApplyFunc func(path string) error

// Status is the snapshot returned by Status() (§4.9 counters).
type Status struct {
	State         State
	Path          string
	DebounceMs    int
	ApplyCount    int
	ErrorCount    int
	LastApplyTime time.Time
	LastError     string
	LastErrorTime time.Time
}

// Watcher debounces fsnotify events on a single file and reapplies it.
type Watcher struct {
	mu       sync.Mutex
	state    State
	path     string
	debounce time.Duration
	applyFn  ApplyFunc
	log      *logging.Logger

	notify *fsnotify.Watcher
	timer  *time.Timer
	done   chan struct{}

	applyCount    int
	errorCount    int
	lastApplyTime time.Time
	lastError     string
	lastErrorTime time.Time
}

// New returns an idle Watcher. debounceMs is clamped to
// constants.DebounceMinMs..constants.DebounceMaxMs.
func New(applyFn ApplyFunc, debounceMs int, log *logging.Logger) *Watcher {
	if debounceMs < constants.DebounceMinMs {
		debounceMs = constants.DebounceMinMs
	}
	if debounceMs > constants.DebounceMaxMs {
		debounceMs = constants.DebounceMaxMs
	}
	return &Watcher{
		state:    StateIdle,
		debounce: time.Duration(debounceMs) * time.Millisecond,
		applyFn:  applyFn,
		log:      log,
	}
}

// Status returns a snapshot of the watcher's current state and counters.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		State:         w.state,
		Path:          w.path,
		DebounceMs:    int(w.debounce / time.Millisecond),
		ApplyCount:    w.applyCount,
		ErrorCount:    w.errorCount,
		LastApplyTime: w.lastApplyTime,
		LastError:     w.lastError,
		LastErrorTime: w.lastErrorTime,
	}
}

// SetPath switches the watcher to watch path, or to Idle when path is
// empty (§4.9's Watching --set(null)--> Idle transition). Stopping the
// notifier never touches currently-installed filters.
func (w *Watcher) SetPath(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopLocked()

	if path == "" {
		w.state = StateIdle
		w.path = ""
		return nil
	}

	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := notify.Add(path); err != nil {
		_ = notify.Close()
		return err
	}

	w.notify = notify
	w.path = path
	w.state = StateWatching
	w.done = make(chan struct{})

	go w.run(notify, w.done)
	return nil
}

// stopLocked tears down any running notifier goroutine. Caller must hold w.mu.
func (w *Watcher) stopLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.notify != nil {
		_ = w.notify.Close()
		w.notify = nil
	}
	if w.done != nil {
		close(w.done)
		w.done = nil
	}
}

func (w *Watcher) run(notify *fsnotify.Watcher, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-notify.Events:
			if !ok {
				return
			}
			w.onEvent(ev)
		case err, ok := <-notify.Errors:
			if !ok {
				return
			}
			w.onWatchError(err)
		}
	}
}

// onEvent (re)starts the debounce timer on every change — a burst of
// events coalesces into a single apply after the quiet period (§4.9
// "Debounce").
func (w *Watcher) onEvent(ev fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		// §9 open question, resolved: log, keep watching state, count an
		// error, and require an explicit watch-set to reset. The notifier
		// may have dropped its inode-level watch at this point; we do not
		// attempt to re-add it automatically.
		w.errorCount++
		w.lastError = "watched file was renamed or removed"
		w.lastErrorTime = time.Now().UTC()
		if w.log != nil {
			w.log.Warn("file watcher: watched file renamed or removed", "path", w.path)
		}
		return
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.state = StateWatching
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) onWatchError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errorCount++
	w.lastError = err.Error()
	w.lastErrorTime = time.Now().UTC()
	if w.log != nil {
		w.log.Error("file watcher: notifier error", "error", err, "path", w.path)
	}
}

// fire runs on the debounce timer's goroutine once it expires without a
// new event (§4.9's Watching(pending) -> Applying transition).
func (w *Watcher) fire() {
	w.mu.Lock()
	w.state = StateApplying
	path := w.path
	fn := w.applyFn
	w.mu.Unlock()

	err := applyWithRetry(path, fn)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateWatching
	if err != nil {
		// Fail-open: the previously applied policy remains in effect
		// because the apply transaction (if one was even opened) aborted.
		w.errorCount++
		w.lastError = err.Error()
		w.lastErrorTime = time.Now().UTC()
		if w.log != nil {
			w.log.Warn("file watcher: apply failed, previous policy remains active", "error", err, "path", path)
		}
		return
	}
	w.applyCount++
	w.lastApplyTime = time.Now().UTC()
}

// applyWithRetry gives a handful of short retries for lock contention when
// the file is briefly unreadable right after a write (§4.9 "brief read
// retries for lock contention").
func applyWithRetry(path string, fn ApplyFunc) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(path); err == nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return err
}
