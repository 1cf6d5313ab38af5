// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package lkg implements the last-known-good store (spec.md §4.7, C8):
// atomic, checksum-verified persistence of the most recent policy that
// applied cleanly. Rename is the atomicity primitive, the same pattern the
// teacher's config package uses for its own canonicalized-write-then-rename
// save path.
package lkg

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	wfperrors "grimm.is/trafficctl/internal/errors"
	"grimm.is/trafficctl/internal/policy"
)

// Record is the on-disk LKG document (spec.md §3.6).
type Record struct {
	Checksum   string    `json:"checksum"`
	PolicyJSON string    `json:"policyJson"`
	SavedAt    time.Time `json:"savedAt"`
	SourcePath string    `json:"sourcePath"`
}

// Metadata is Record without the embedded policy body, for callers that
// only need to know whether and when an LKG exists (§4.7 metadata()).
type Metadata struct {
	Checksum   string    `json:"checksum"`
	SavedAt    time.Time `json:"savedAt"`
	SourcePath string    `json:"sourcePath"`
}

// LoadStatus is the three-way outcome load() returns (§4.7).
type LoadStatus int

const (
	StatusOK LoadStatus = iota
	StatusNotFound
	StatusCorrupt
)

// LoadResult bundles the status with the record (when OK) or a reason
// (when Corrupt).
type LoadResult struct {
	Status LoadStatus
	Record *Record
	Reason string
}

// Store persists the LKG record under a single directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir (typically constants.DataDir()).
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path() string    { return filepath.Join(s.dir, "lkg-policy.json") }
func (s *Store) tmpPath() string { return filepath.Join(s.dir, "lkg.tmp") }

// Save computes the SHA-256 of policyJSON and atomically writes the record,
// per §4.7. Save failure is non-fatal to the surrounding apply — callers
// log it as a warning rather than failing the operation (§7 propagation
// policy); Save itself just returns the error for the caller to decide.
func (s *Store) Save(policyJSON []byte, sourcePath string) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return wfperrors.Wrap(err, wfperrors.KindServiceError, "create data dir")
	}

	sum := sha256.Sum256(policyJSON)
	rec := Record{
		Checksum:   hex.EncodeToString(sum[:]),
		PolicyJSON: string(policyJSON),
		SavedAt:    time.Now().UTC(),
		SourcePath: sourcePath,
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		return wfperrors.Wrap(err, wfperrors.KindServiceError, "marshal lkg record")
	}

	tmp := s.tmpPath()
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return wfperrors.Wrap(err, wfperrors.KindServiceError, "write lkg.tmp")
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		return wfperrors.Wrap(err, wfperrors.KindServiceError, "rename lkg.tmp over lkg-policy.json")
	}
	return nil
}

// Load runs the full validation chain from §4.7: file exists, JSON parses,
// checksum matches, inner policy parses, inner policy validates. Any
// mismatch anywhere in that chain returns StatusCorrupt, never an error —
// a corrupt LKG is an expected outcome the caller (startup, lkg-revert) must
// handle, not a programming error.
func (s *Store) Load() LoadResult {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return LoadResult{Status: StatusNotFound}
		}
		return LoadResult{Status: StatusCorrupt, Reason: "read error: " + err.Error()}
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return LoadResult{Status: StatusCorrupt, Reason: "outer json parse: " + err.Error()}
	}

	sum := sha256.Sum256([]byte(rec.PolicyJSON))
	if hex.EncodeToString(sum[:]) != rec.Checksum {
		return LoadResult{Status: StatusCorrupt, Reason: "checksum-mismatch"}
	}

	if _, errs := policy.Validate([]byte(rec.PolicyJSON)); errs.HasErrors() {
		return LoadResult{Status: StatusCorrupt, Reason: "inner policy failed validation: " + errs.Error()}
	}

	return LoadResult{Status: StatusOK, Record: &rec}
}

// Exists reports whether an LKG record is present without validating it.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path())
	return err == nil
}

// Delete removes the LKG record, if any. A missing file is not an error.
func (s *Store) Delete() error {
	err := os.Remove(s.path())
	if err != nil && !os.IsNotExist(err) {
		return wfperrors.Wrap(err, wfperrors.KindServiceError, "delete lkg-policy.json")
	}
	return nil
}

// Metadata returns the record's checksum/timestamp/source without decoding
// the embedded policy body (§4.7's "without loading the full policy").
func (s *Store) Metadata() (*Metadata, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wfperrors.Wrap(err, wfperrors.KindServiceError, "read lkg-policy.json")
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, wfperrors.Wrap(err, wfperrors.KindInvalidState, "corrupt lkg-policy.json")
	}
	return &Metadata{Checksum: rec.Checksum, SavedAt: rec.SavedAt, SourcePath: rec.SourcePath}, nil
}
