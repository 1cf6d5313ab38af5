// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pff

import (
	"sync"

	wfperrors "grimm.is/trafficctl/internal/errors"
	"grimm.is/trafficctl/internal/filter"
)

// Fake is an in-memory Engine used by component tests and by the orchestrator's
// own test suite, the same role the teacher's in-memory state.Store
// implementation plays for its config/replication tests.
type Fake struct {
	mu sync.Mutex

	providers map[string]string
	sublayers map[string]fakeSublayer
	filters   map[string]fakeFilter
	nextID    uint64

	inTransaction bool

	// FailAddFilterOnKey, when set, makes AddFilter for that key return an
	// error — used to exercise transaction-abort rollback in tests (P5).
	FailAddFilterOnKey string
}

type fakeSublayer struct {
	name        string
	weight      int
	providerKey string
}

type fakeFilter struct {
	compiled  filter.Compiled
	runtimeID uint64
}

// NewFake returns an empty in-memory PFF session.
func NewFake() *Fake {
	return &Fake{
		providers: make(map[string]string),
		sublayers: make(map[string]fakeSublayer),
		filters:   make(map[string]fakeFilter),
		nextID:    1,
	}
}

func (f *Fake) Close() error { return nil }

func (f *Fake) ProviderExists(key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.providers[key]
	return ok, nil
}

func (f *Fake) SublayerExists(key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sublayers[key]
	return ok, nil
}

func (f *Fake) FilterExists(key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.filters[key]
	return ok, nil
}

func (f *Fake) AddProvider(key, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.providers[key]; ok {
		return wfperrors.New(wfperrors.KindInvalidState, "already-exists")
	}
	f.providers[key] = name
	return nil
}

func (f *Fake) AddSublayer(key, name string, weight int, providerKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sublayers[key]; ok {
		return wfperrors.New(wfperrors.KindInvalidState, "already-exists")
	}
	f.sublayers[key] = fakeSublayer{name: name, weight: weight, providerKey: providerKey}
	return nil
}

func (f *Fake) DeleteProvider(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.providers[key]; !ok {
		return wfperrors.New(wfperrors.KindNotFound, "provider not found")
	}
	delete(f.providers, key)
	return nil
}

func (f *Fake) DeleteSublayer(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sublayers[key]; !ok {
		return wfperrors.New(wfperrors.KindNotFound, "sublayer not found")
	}
	if len(f.filters) > 0 {
		return wfperrors.New(wfperrors.KindInvalidState, "in-use: filters remain in sublayer")
	}
	delete(f.sublayers, key)
	return nil
}

// EnumerateFiltersInSublayer returns every filter the fake knows about. The
// fake models a single-provider, single-sublayer session (this service
// never manages more than one sublayer), so sublayerKey is accepted for
// interface-compatibility with Engine but every fake filter already belongs
// to it.
func (f *Fake) EnumerateFiltersInSublayer(sublayerKey string) ([]filter.Observed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []filter.Observed
	for key, ff := range f.filters {
		out = append(out, filter.Observed{Key: key, RuntimeID: ff.runtimeID, DisplayName: ff.compiled.DisplayName})
	}
	return out, nil
}

func (f *Fake) AddFilter(c filter.Compiled) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailAddFilterOnKey != "" && c.Key == f.FailAddFilterOnKey {
		return 0, wfperrors.WfpErr(0x80320001, "simulated AddFilter failure")
	}

	id := f.nextID
	f.nextID++
	f.filters[c.Key] = fakeFilter{compiled: c, runtimeID: id}
	return id, nil
}

func (f *Fake) DeleteFilterByKey(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.filters[key]; !ok {
		return wfperrors.New(wfperrors.KindNotFound, "filter-not-found")
	}
	delete(f.filters, key)
	return nil
}

func (f *Fake) DeleteFilterByID(id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, ff := range f.filters {
		if ff.runtimeID == id {
			delete(f.filters, key)
			return nil
		}
	}
	return wfperrors.New(wfperrors.KindNotFound, "filter-not-found")
}

func (f *Fake) TranslateProcessPath(path string) ([]byte, error) {
	if path == "" {
		return nil, wfperrors.New(wfperrors.KindInvalidArgument, "empty path")
	}
	return []byte("fake-device-path:" + path), nil
}

func (f *Fake) Begin() (Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inTransaction {
		return nil, wfperrors.New(wfperrors.KindInvalidState, "a transaction is already active on this session")
	}
	f.inTransaction = true

	snapshot := f.snapshotLocked()
	return &fakeTx{f: f, snapshot: snapshot}, nil
}

func (f *Fake) snapshotLocked() map[string]fakeFilter {
	snap := make(map[string]fakeFilter, len(f.filters))
	for k, v := range f.filters {
		snap[k] = v
	}
	return snap
}

type fakeTx struct {
	f        *Fake
	snapshot map[string]fakeFilter
	done     bool
}

func (t *fakeTx) Commit() error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if t.done {
		return wfperrors.New(wfperrors.KindInvalidState, "transaction already finished")
	}
	t.done = true
	t.f.inTransaction = false
	return nil
}

// Abort restores the filter map to its pre-transaction snapshot, modeling
// the PFF's guarantee that an aborted transaction leaves state untouched
// (P5). A no-op after Commit has already succeeded.
func (t *fakeTx) Abort() error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.f.filters = t.snapshot
	t.f.inTransaction = false
	return nil
}
