// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AppendThenListNewestFirst(t *testing.T) {
	s := New(t.TempDir())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(Entry{AppliedAt: base, PolicyVersion: "1.0.0", RuleCount: 1}, []byte(`{"v":1}`)))
	require.NoError(t, s.Append(Entry{AppliedAt: base.Add(time.Second), PolicyVersion: "1.0.1", RuleCount: 2}, []byte(`{"v":2}`)))

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "1.0.1", entries[0].PolicyVersion, "List must return newest first")
	assert.Equal(t, "1.0.0", entries[1].PolicyVersion)
}

func TestStore_GetReturnsEntryAndPolicyBody(t *testing.T) {
	s := New(t.TempDir())
	e := Entry{ID: "fixed-id", AppliedAt: time.Now().UTC(), PolicyVersion: "1.0.0"}
	require.NoError(t, s.Append(e, []byte(`{"hello":"world"}`)))

	got, body, err := s.Get("fixed-id")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.PolicyVersion)
	assert.JSONEq(t, `{"hello":"world"}`, string(body))
}

func TestStore_GetUnknownIDReturnsNotFound(t *testing.T) {
	s := New(t.TempDir())
	_, _, err := s.Get("nope")
	require.Error(t, err)
}

func TestStore_AppendAssignsIDWhenEmpty(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Append(Entry{AppliedAt: time.Now().UTC()}, []byte(`{}`)))

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
}

func TestStore_EvictsOldestBeyondMaxEntries(t *testing.T) {
	s := New(t.TempDir())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < MaxEntries+5; i++ {
		e := Entry{
			ID:        fmt.Sprintf("id-%d", i),
			AppliedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.Append(e, []byte(fmt.Sprintf(`{"i":%d}`, i))))
	}

	entries, err := s.List()
	require.NoError(t, err)
	assert.Len(t, entries, MaxEntries)

	_, _, err = s.Get("id-0")
	require.Error(t, err, "the oldest entry must have been evicted along with its sibling file")

	_, _, err = s.Get(fmt.Sprintf("id-%d", MaxEntries+4))
	require.NoError(t, err, "the newest entry must still be present")
}

func TestStore_ListOnEmptyStoreReturnsEmpty(t *testing.T) {
	s := New(t.TempDir())
	entries, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}
