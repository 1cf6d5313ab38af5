// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ipc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/trafficctl/internal/audit"
	"grimm.is/trafficctl/internal/history"
	"grimm.is/trafficctl/internal/lkg"
	"grimm.is/trafficctl/internal/logging"
	"grimm.is/trafficctl/internal/orchestrator"
	"grimm.is/trafficctl/internal/pff"
)

const testPolicy = `{
	"version":"1.0.0","defaultAction":"block","updatedAt":"2026-01-01T00:00:00Z",
	"rules":[{"id":"r1","action":"block","direction":"outbound","protocol":"tcp","remote":{"ports":"80"},"priority":1,"enabled":true}]
}`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	log := logging.New(nil, "error")
	auditW, err := audit.NewWriter(filepath.Join(dir, "audit.log"), log)
	require.NoError(t, err)
	t.Cleanup(func() { auditW.Close() })

	o := orchestrator.New(pff.NewFake(), log, nil)
	_, err = o.Bootstrap()
	require.NoError(t, err)

	s := New(o, lkg.New(dir), history.New(dir), nil, auditW, audit.NewReader(filepath.Join(dir, "audit.log")), nil, log)
	return s
}

func TestDispatch_Ping(t *testing.T) {
	s := newTestServer(t)
	fields, err := s.dispatch(Request{Type: "ping"}, "tester", "cli")
	require.NoError(t, err)
	assert.Equal(t, ServiceVersion, fields["version"])
}

func TestDispatch_UnknownTypeErrors(t *testing.T) {
	s := newTestServer(t)
	_, err := s.dispatch(Request{Type: "nonsense"}, "tester", "cli")
	require.Error(t, err)
}

func TestDispatch_ValidateReportsErrorsWithoutApplying(t *testing.T) {
	s := newTestServer(t)
	req := reqWithFields(t, "validate", map[string]any{"policyJson": `{"version":"bad"}`})
	fields, err := s.dispatch(req, "tester", "cli")
	require.NoError(t, err)
	assert.Equal(t, false, fields["valid"])
}

func TestDispatch_ApplyPersistsLKGAndHistory(t *testing.T) {
	s := newTestServer(t)
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(testPolicy), 0o600))

	req := reqWithFields(t, "apply", map[string]any{"policyPath": path})
	fields, err := s.dispatch(req, "tester", "cli")
	require.NoError(t, err)
	assert.Equal(t, 1, fields["filtersCreated"])

	assert.True(t, s.LKG.Exists())

	entries, err := s.History.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestDispatch_BlockRulesReflectsAppliedPolicy(t *testing.T) {
	s := newTestServer(t)
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(testPolicy), 0o600))

	_, err := s.dispatch(reqWithFields(t, "apply", map[string]any{"policyPath": path}), "tester", "cli")
	require.NoError(t, err)

	fields, err := s.dispatch(Request{Type: "block-rules"}, "tester", "cli")
	require.NoError(t, err)
	rules := fields["rules"].([]map[string]any)
	require.Len(t, rules, 1)
	assert.Equal(t, "r1", rules[0]["id"])
}

func TestDispatch_SimulateRequiresLoadedPolicy(t *testing.T) {
	s := newTestServer(t)
	_, err := s.dispatch(Request{Type: "simulate"}, "tester", "cli")
	require.Error(t, err)
}

func TestDispatch_RollbackRemovesInstalledFilters(t *testing.T) {
	s := newTestServer(t)
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(testPolicy), 0o600))
	_, err := s.dispatch(reqWithFields(t, "apply", map[string]any{"policyPath": path}), "tester", "cli")
	require.NoError(t, err)

	fields, err := s.dispatch(Request{Type: "rollback"}, "tester", "cli")
	require.NoError(t, err)
	assert.Equal(t, 1, fields["filtersRemoved"])
}

func reqWithFields(t *testing.T, reqType string, fields map[string]any) Request {
	t.Helper()
	raw := map[string]any{"type": reqType, "protocolVersion": 1}
	for k, v := range fields {
		raw[k] = v
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	var req Request
	require.NoError(t, req.UnmarshalJSON(data))
	return req
}
