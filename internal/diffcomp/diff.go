// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package diffcomp computes the minimal set of filter mutations needed to
// reconcile observed PFF state with a desired compiled filter set (spec.md
// §4.3, C5). It is a pure function: no PFF calls, no file I/O.
package diffcomp

import "grimm.is/trafficctl/internal/filter"

// Diff is the tuple from spec.md §3.5. ToAdd and ToRemove are disjoint from
// each other and from the unchanged keys (P2).
type Diff struct {
	ToAdd           []filter.Compiled
	ToRemove        []string // observed keys to delete
	UnchangedCount  int
}

// IsEmpty reports whether applying this diff would be a no-op — the
// critical idempotency fast path in §4.5.3 step 4.
func (d Diff) IsEmpty() bool {
	return len(d.ToAdd) == 0 && len(d.ToRemove) == 0
}

// Compute builds the diff between desired and observed filters, keyed by
// their stable Key (P2: the partition is total and pairwise-disjoint).
func Compute(desired []filter.Compiled, observed []filter.Observed) Diff {
	observedByKey := make(map[string]filter.Observed, len(observed))
	for _, o := range observed {
		observedByKey[o.Key] = o
	}

	var d Diff
	desiredKeys := make(map[string]struct{}, len(desired))

	for _, c := range desired {
		desiredKeys[c.Key] = struct{}{}
		if _, ok := observedByKey[c.Key]; ok {
			d.UnchangedCount++
		} else {
			d.ToAdd = append(d.ToAdd, c)
		}
	}

	for _, o := range observed {
		if _, ok := desiredKeys[o.Key]; !ok {
			d.ToRemove = append(d.ToRemove, o.Key)
		}
	}

	return d
}
