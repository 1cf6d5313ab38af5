// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pff is the thin, testable abstraction over the platform
// filtering facility's management API (spec.md §4.4, §6.1, C6). Engine is
// the capability set every caller programs against; Real (windows-only)
// and Fake back it in production and in tests respectively.
package pff

import (
	"grimm.is/trafficctl/internal/filter"
)

// Engine is the capability set the orchestrator needs from the PFF. A
// single interface covers engine lifecycle, provider/sublayer/filter CRUD,
// enumeration, and transactions, so the orchestrator never imports a
// concrete backing directly.
type Engine interface {
	Close() error

	ProviderExists(key string) (bool, error)
	SublayerExists(key string) (bool, error)
	FilterExists(key string) (bool, error)

	AddProvider(key, name string) error
	AddSublayer(key, name string, weight int, providerKey string) error
	DeleteProvider(key string) error
	DeleteSublayer(key string) error

	// EnumerateFiltersInSublayer returns every filter whose subLayerKey
	// matches sublayerKey. The PFF enumeration template has no native
	// sublayer filter, so this performs the client-side filtering itself,
	// paging through in batches of EnumerateBatchSize and freeing each
	// batch before requesting the next (§4.4).
	EnumerateFiltersInSublayer(sublayerKey string) ([]filter.Observed, error)

	AddFilter(c filter.Compiled) (uint64, error)
	DeleteFilterByKey(key string) error
	DeleteFilterByID(id uint64) error

	// TranslateProcessPath converts a filesystem path to the PFF's
	// canonical process-app-id blob (§4.6).
	TranslateProcessPath(path string) ([]byte, error)

	Begin() (Transaction, error)
}

// Transaction is a scoped acquisition: Begin returns a handle whose Abort
// runs unless Commit has already succeeded. Only one transaction per
// engine session may be active at a time (§4.4).
type Transaction interface {
	Commit() error
	Abort() error
}

// EnumerateBatchSize bounds how many filters are fetched from the PFF per
// enumeration round-trip before the batch is freed (§4.4).
const EnumerateBatchSize = 100

// WithTransaction begins a transaction, runs fn, and commits on success.
// On any error — including a panic, which it reraises after aborting — the
// transaction is aborted and the PFF is left unchanged (§4.5, §5).
func WithTransaction(e Engine, fn func(tx Transaction) error) (err error) {
	tx, err := e.Begin()
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Abort()
			panic(r)
		}
		if !committed {
			_ = tx.Abort()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
