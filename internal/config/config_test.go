// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/trafficctl/internal/constants"
)

func TestDefault(t *testing.T) {
	c := Default()
	assert.False(t, c.AutoApplyLKGOnStartup)
	assert.Equal(t, constants.DebounceDefaultMs, c.FileWatch.DebounceMs)
	assert.Equal(t, "info", c.LogLevel)
}

func TestLoadFile_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"autoApplyLkgOnStartup": true,
		"fileWatch": {"debounceMs": 2000},
		"metricsListenAddr": "127.0.0.1:9090",
		"logLevel": "debug"
	}`), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, c.AutoApplyLKGOnStartup)
	assert.Equal(t, 2000, c.FileWatch.DebounceMs)
	assert.Equal(t, "127.0.0.1:9090", c.MetricsListenAddr)
	assert.Equal(t, "debug", c.LogLevel)
}

func TestLoadFile_MissingFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestLoadFile_MalformedJSONErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))
	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestClamp_BelowMinimumRaisedToMin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"fileWatch":{"debounceMs":1}}`), 0o600))
	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, constants.DebounceMinMs, c.FileWatch.DebounceMs)
}

func TestClamp_AboveMaximumLoweredToMax(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"fileWatch":{"debounceMs":999999}}`), 0o600))
	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, constants.DebounceMaxMs, c.FileWatch.DebounceMs)
}

func TestClamp_ZeroIsRaisedToMinimum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"fileWatch":{"debounceMs":0}}`), 0o600))
	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, constants.DebounceMinMs, c.FileWatch.DebounceMs, "the below-minimum branch fires before the zero check, so an explicit zero lands on the minimum, not the default")
}

func TestClamp_EmptyLogLevelDefaultsToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logLevel":""}`), 0o600))
	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "info", c.LogLevel)
}
