// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package history implements the policy-history store (spec.md §4.11,
// C13): a bounded ring of applied-policy metadata, each entry backed by a
// sibling JSON file holding the verbatim policy. Grounded on the same
// atomic-rewrite-then-rename idiom as internal/lkg.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	wfperrors "grimm.is/trafficctl/internal/errors"
)

// MaxEntries bounds the ring (§4.11).
const MaxEntries = 100

// Entry is one record in the history index.
type Entry struct {
	ID              string    `json:"id"`
	AppliedAt       time.Time `json:"appliedAt"`
	PolicyVersion   string    `json:"policyVersion"`
	RuleCount       int       `json:"ruleCount"`
	Source          string    `json:"source"`
	SourcePath      string    `json:"sourcePath,omitempty"`
	FiltersCreated  int       `json:"filtersCreated"`
	FiltersRemoved  int       `json:"filtersRemoved"`
}

// Store persists the history index and per-entry policy files under dir
// (typically constants.HistoryDir()).
type Store struct {
	dir string
}

// New returns a Store rooted at dir.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) indexPath() string { return filepath.Join(s.dir, "history-index.json") }

// Append records a new entry plus its policy body, evicting the oldest
// entry (and its sibling file) once the ring exceeds MaxEntries. Failures
// are returned for the caller to log as a warning — a history-save failure
// must never fail the surrounding apply (§4.11).
func (s *Store) Append(e Entry, policyJSON []byte) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return wfperrors.Wrap(err, wfperrors.KindServiceError, "create history dir")
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	fileName := fmt.Sprintf("policy-%s.json", e.AppliedAt.UTC().Format("20060102-150405.000"))

	if err := os.WriteFile(filepath.Join(s.dir, fileName), policyJSON, 0o600); err != nil {
		return wfperrors.Wrap(err, wfperrors.KindServiceError, "write history policy file")
	}

	entries, err := s.readIndex()
	if err != nil {
		return err
	}
	entries = append(entries, indexRecord{Entry: e, PolicyFile: fileName})

	var evicted []indexRecord
	for len(entries) > MaxEntries {
		evicted = append(evicted, entries[0])
		entries = entries[1:]
	}
	for _, ev := range evicted {
		_ = os.Remove(filepath.Join(s.dir, ev.PolicyFile))
	}

	return s.writeIndex(entries)
}

// List returns every entry, newest-first.
func (s *Store) List() ([]Entry, error) {
	recs, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, recs[i].Entry)
	}
	return out, nil
}

// Get returns the entry and its verbatim policy body by id.
func (s *Store) Get(id string) (*Entry, []byte, error) {
	recs, err := s.readIndex()
	if err != nil {
		return nil, nil, err
	}
	for _, r := range recs {
		if r.Entry.ID == id {
			data, err := os.ReadFile(filepath.Join(s.dir, r.PolicyFile))
			if err != nil {
				return nil, nil, wfperrors.Wrap(err, wfperrors.KindNotFound, "read history policy file")
			}
			e := r.Entry
			return &e, data, nil
		}
	}
	return nil, nil, wfperrors.New(wfperrors.KindNotFound, "no history entry with that id")
}

type indexRecord struct {
	Entry      Entry  `json:"entry"`
	PolicyFile string `json:"policyFile"`
}

func (s *Store) readIndex() ([]indexRecord, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wfperrors.Wrap(err, wfperrors.KindServiceError, "read history-index.json")
	}
	var recs []indexRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, wfperrors.Wrap(err, wfperrors.KindInvalidState, "corrupt history-index.json")
	}
	return recs, nil
}

// writeIndex rewrites the index atomically: write to a temp file, then
// rename over the index, the same primitive internal/lkg uses.
func (s *Store) writeIndex(recs []indexRecord) error {
	data, err := json.Marshal(recs)
	if err != nil {
		return wfperrors.Wrap(err, wfperrors.KindServiceError, "marshal history index")
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return wfperrors.Wrap(err, wfperrors.KindServiceError, "write history-index.tmp")
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		return wfperrors.Wrap(err, wfperrors.KindServiceError, "rename history-index.tmp")
	}
	return nil
}
