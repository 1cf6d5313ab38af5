// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package lkg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPolicy = `{"version":"1.0.0","defaultAction":"block","updatedAt":"2026-01-01T00:00:00Z","rules":[]}`

func TestStore_SaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	require.NoError(t, s.Save([]byte(validPolicy), "C:\\policies\\p.json"))

	res := s.Load()
	require.Equal(t, StatusOK, res.Status)
	assert.Equal(t, validPolicy, res.Record.PolicyJSON)
	assert.Equal(t, "C:\\policies\\p.json", res.Record.SourcePath)
}

func TestStore_LoadNotFound(t *testing.T) {
	s := New(t.TempDir())
	res := s.Load()
	assert.Equal(t, StatusNotFound, res.Status)
}

func TestStore_LoadCorruptChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Save([]byte(validPolicy), "src"))

	// Tamper with the embedded policy body directly, bypassing Save, to
	// simulate disk corruption. The checksum covers policyJson only.
	data, err := os.ReadFile(filepath.Join(dir, "lkg-policy.json"))
	require.NoError(t, err)
	tampered := []byte(strings.Replace(string(data), "1.0.0", "1.0.1", 1))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lkg-policy.json"), tampered, 0o600))

	res := s.Load()
	assert.Equal(t, StatusCorrupt, res.Status)
}

func TestStore_LoadCorruptInnerPolicyInvalid(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Save([]byte(`{"version":"not-semver","defaultAction":"block","updatedAt":"2026-01-01T00:00:00Z","rules":[]}`), "src"))

	res := s.Load()
	assert.Equal(t, StatusCorrupt, res.Status)
	assert.Contains(t, res.Reason, "inner policy failed validation")
}

func TestStore_ExistsAndDelete(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	assert.False(t, s.Exists())

	require.NoError(t, s.Save([]byte(validPolicy), "src"))
	assert.True(t, s.Exists())

	require.NoError(t, s.Delete())
	assert.False(t, s.Exists())
	require.NoError(t, s.Delete(), "deleting again must not error")
}

func TestStore_MetadataWithoutDecodingPolicy(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	meta, err := s.Metadata()
	require.NoError(t, err)
	assert.Nil(t, meta)

	require.NoError(t, s.Save([]byte(validPolicy), "C:\\p.json"))
	meta, err = s.Metadata()
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "C:\\p.json", meta.SourcePath)
}
