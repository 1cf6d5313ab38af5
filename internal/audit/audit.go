// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package audit implements the append-only JSON-lines audit log (spec.md
// §3.7, §4.8, C9): one line per entry, path-redacted, ACL-hardened on
// first write, read back with tail/since queries. Grounded on the
// teacher's internal/audit.Logger — a thin wrapper over *logging.Logger —
// but rebuilt around the spec's append-only-file contract rather than the
// teacher's structured-logger-plus-optional-store shape.
package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	wfperrors "grimm.is/trafficctl/internal/errors"
	"grimm.is/trafficctl/internal/logging"
)

// Source identifies which part of the service originated an audit entry.
type Source string

const (
	SourceCLI       Source = "cli"
	SourceHotReload Source = "hot-reload"
	SourceStartup   Source = "startup"
	SourceUI        Source = "ui"
)

// Status is the optional outcome of a state-changing operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Well-known event identifiers. The set is open in the sense that new verbs
// can add their own -started/-finished pair, but every handler in §4.10
// uses this "<verb>-started" / "<verb>-finished" convention plus the
// one-off lkg-load event from scenario 5.
const (
	EventBootstrapStarted        = "bootstrap-started"
	EventBootstrapFinished       = "bootstrap-finished"
	EventTeardownStarted         = "teardown-started"
	EventTeardownFinished        = "teardown-finished"
	EventApplyStarted            = "apply-started"
	EventApplyFinished           = "apply-finished"
	EventRollbackStarted         = "rollback-started"
	EventRollbackFinished        = "rollback-finished"
	EventDemoBlockEnableStarted  = "demo-block-enable-started"
	EventDemoBlockEnableFinished = "demo-block-enable-finished"
	EventDemoBlockDisableStarted  = "demo-block-disable-started"
	EventDemoBlockDisableFinished = "demo-block-disable-finished"
	EventLKGRevertStarted        = "lkg-revert-started"
	EventLKGRevertFinished       = "lkg-revert-finished"
	EventLKGLoad                 = "lkg-load"
	EventWatchSetStarted         = "watch-set-started"
	EventWatchSetFinished        = "watch-set-finished"
	EventPolicyHistoryRevertStarted  = "policy-history-revert-started"
	EventPolicyHistoryRevertFinished = "policy-history-revert-finished"
)

// Entry is one audit-log record (spec.md §3.7).
type Entry struct {
	Timestamp    time.Time      `json:"ts"`
	Event        string         `json:"event"`
	Source       Source         `json:"source"`
	Status       Status         `json:"status,omitempty"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// FromError fills Status/ErrorCode/ErrorMessage from err. A nil err
// produces a success entry.
func FromError(e Entry, err error) Entry {
	if err == nil {
		e.Status = StatusSuccess
		return e
	}
	e.Status = StatusFailure
	e.ErrorCode = wfperrors.GetKind(err).String()
	e.ErrorMessage = err.Error()
	return e
}

// Writer is the append-only, thread-safe JSON-lines audit writer (§4.8).
// Path redaction runs on every entry before it is serialized (P7).
type Writer struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	log      *logging.Logger
	aclDone  bool
}

// NewWriter opens (creating if necessary) the audit log at path. The ACL
// is tightened on the first successful Write, not here, so construction
// never fails merely because the security descriptor couldn't be set.
func NewWriter(path string, log *logging.Logger) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, wfperrors.Wrap(err, wfperrors.KindServiceError, "create audit log dir")
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, wfperrors.Wrap(err, wfperrors.KindServiceError, "open audit log")
	}
	return &Writer{path: path, file: f, log: log}, nil
}

// Write appends one entry as a single JSON line. Per §4.8 and §7, a write
// failure is logged to the service's operational logger and never
// propagated to the operation being audited — callers should treat
// auditing as best-effort and continue.
func (w *Writer) Write(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	redact(e.Details)

	w.mu.Lock()
	defer w.mu.Unlock()

	line, err := json.Marshal(&e)
	if err != nil {
		if w.log != nil {
			w.log.Error("audit: failed to marshal entry", "error", err)
		}
		return
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		if w.log != nil {
			w.log.Error("audit: failed to write entry", "error", err)
		}
		return
	}

	if !w.aclDone {
		if err := tightenACL(w.path); err != nil && w.log != nil {
			w.log.Warn("audit: failed to tighten log ACL", "error", err)
		}
		w.aclDone = true
	}
}

// Close releases the underlying file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// redact reduces every path-shaped string value in details to its
// basename, in place, so no audit entry can leak directory structure (P7).
func redact(details map[string]any) {
	for k, v := range details {
		if s, ok := v.(string); ok && looksLikePath(s) {
			details[k] = filepath.Base(s)
		}
	}
}

func looksLikePath(s string) bool {
	return strings.ContainsAny(s, `/\`)
}

// Reader supports the tail(N) and since(minutes) queries from §4.8.
// Reads load the whole file into memory, a documented limitation — audit
// logs are expected to be rotated operationally, not read incrementally.
type Reader struct {
	path string
}

// NewReader returns a Reader over the audit log at path.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Tail returns the most recent n entries, newest-first.
func (r *Reader) Tail(n int) ([]Entry, error) {
	all, err := r.readAll()
	if err != nil {
		return nil, err
	}
	sortNewestFirst(all)
	if n > 0 && n < len(all) {
		all = all[:n]
	}
	return all, nil
}

// Since returns every entry from the last `minutes` minutes, newest-first.
func (r *Reader) Since(minutes int) ([]Entry, error) {
	all, err := r.readAll()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute)
	out := all[:0]
	for _, e := range all {
		if !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// readAll opens the file with shared-read semantics — a plain os.Open
// alongside the writer's append-mode handle tolerates concurrent writes on
// the platforms this service targets, since appends never rewrite
// already-flushed bytes.
func (r *Reader) readAll() ([]Entry, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wfperrors.Wrap(err, wfperrors.KindServiceError, "open audit log for read")
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // a single malformed line must not fail the whole read
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, wfperrors.Wrap(err, wfperrors.KindServiceError, "scan audit log")
	}
	return entries, nil
}

func sortNewestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
}
