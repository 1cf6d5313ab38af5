// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build windows
// +build windows

package pff

import (
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/trafficctl/internal/constants"
	"grimm.is/trafficctl/internal/filter"
	"grimm.is/trafficctl/internal/testutil"
)

// TestReal_FullLifecycle exercises the real PFF backing end to end: open a
// session, stand up a provider/sublayer, add a filter with a remote-address
// and a single-port condition, enumerate it back, and tear everything down. It
// needs a live PFF engine and admin rights, so it only runs when
// TRAFFICCTL_WINDOWS_TEST is set (see internal/testutil.RequireWindows) —
// the in-memory pff.Fake covers this same lifecycle everywhere else.
func TestReal_FullLifecycle(t *testing.T) {
	testutil.RequireWindows(t)

	e, err := Open()
	require.NoError(t, err)
	defer e.Close()

	const filterKey = "33333333-3333-3333-3333-333333333333"

	// AddFilter always binds into this service's one configured sublayer
	// (constants.SublayerKey), not a caller-supplied one, so the fixture
	// provider/sublayer have to be the real configured keys for the filter
	// to land anywhere EnumerateFiltersInSublayer will find it.
	require.NoError(t, e.AddProvider(constants.ProviderKey, "trafficctl-test-provider"))
	defer e.DeleteProvider(constants.ProviderKey)

	require.NoError(t, e.AddSublayer(constants.SublayerKey, "trafficctl-test-sublayer", constants.SublayerWeight, constants.ProviderKey))
	defer e.DeleteSublayer(constants.SublayerKey)

	compiled := filter.Compiled{
		Key:         filterKey,
		DisplayName: "trafficctl-test-filter",
		Action:      "block",
		Direction:   "outbound",
		Layer:       filter.LayerALEAuthorizeConnectV4,
		RemoteIP:    &filter.IPCondition{Address: "203.0.113.5", Prefix: 32},
		RemotePort:  &filter.PortCondition{Lo: 443, Hi: 443},
		Weight:      100,
	}
	_, err = e.AddFilter(compiled)
	require.NoError(t, err)
	defer e.DeleteFilterByKey(filterKey)

	observed, err := e.EnumerateFiltersInSublayer(constants.SublayerKey)
	require.NoError(t, err)
	require.Len(t, observed, 1)
	require.Equal(t, filterKey, observed[0].Key)
}
