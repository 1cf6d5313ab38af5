// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wfperrors "grimm.is/trafficctl/internal/errors"
	"grimm.is/trafficctl/internal/filter"
)

func TestFake_AddProviderAlreadyExists(t *testing.T) {
	f := NewFake()
	require.NoError(t, f.AddProvider("p1", "name"))
	err := f.AddProvider("p1", "name")
	require.Error(t, err)
	assert.Equal(t, wfperrors.KindInvalidState, wfperrors.GetKind(err))
}

func TestFake_DeleteSublayerBlockedWhileFiltersRemain(t *testing.T) {
	f := NewFake()
	require.NoError(t, f.AddSublayer("s1", "name", 100, "p1"))
	_, err := f.AddFilter(filter.Compiled{Key: "k1"})
	require.NoError(t, err)

	err = f.DeleteSublayer("s1")
	require.Error(t, err)
	assert.Equal(t, wfperrors.KindInvalidState, wfperrors.GetKind(err))
}

func TestFake_DeleteNotFound(t *testing.T) {
	f := NewFake()
	err := f.DeleteFilterByKey("missing")
	require.Error(t, err)
	assert.Equal(t, wfperrors.KindNotFound, wfperrors.GetKind(err))
}

func TestFake_TransactionAbortRestoresSnapshot(t *testing.T) {
	f := NewFake()
	_, err := f.AddFilter(filter.Compiled{Key: "existing"})
	require.NoError(t, err)
	f.FailAddFilterOnKey = "fails-me"

	err = WithTransaction(f, func(tx Transaction) error {
		_, err := f.AddFilter(filter.Compiled{Key: "new"})
		require.NoError(t, err)
		_, err = f.AddFilter(filter.Compiled{Key: "fails-me"})
		return err
	})
	_ = err

	observed, err := f.EnumerateFiltersInSublayer("any")
	require.NoError(t, err)
	assert.Len(t, observed, 1)
	assert.Equal(t, "existing", observed[0].Key)
}

func TestFake_TransactionAbortOnFailure(t *testing.T) {
	f := NewFake()
	f.FailAddFilterOnKey = "bad"

	err := WithTransaction(f, func(tx Transaction) error {
		_, err := f.AddFilter(filter.Compiled{Key: "good"})
		require.NoError(t, err)
		_, err = f.AddFilter(filter.Compiled{Key: "bad"})
		return err
	})
	require.Error(t, err)

	observed, err := f.EnumerateFiltersInSublayer("any")
	require.NoError(t, err)
	assert.Empty(t, observed, "a failed transaction must leave no partial state behind")
}

func TestFake_OnlyOneTransactionAtATime(t *testing.T) {
	f := NewFake()
	tx, err := f.Begin()
	require.NoError(t, err)

	_, err = f.Begin()
	require.Error(t, err)

	require.NoError(t, tx.Commit())
}
