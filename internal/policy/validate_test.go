// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPolicyJSON(t *testing.T) string {
	t.Helper()
	return `{
		"version": "1.0.0",
		"defaultAction": "block",
		"updatedAt": "` + time.Now().UTC().Format(time.RFC3339) + `",
		"rules": [
			{
				"id": "allow-dns",
				"action": "allow",
				"direction": "outbound",
				"protocol": "udp",
				"remote": {"ports": "53"},
				"priority": 100,
				"enabled": true
			}
		]
	}`
}

func TestValidate_Valid(t *testing.T) {
	v, errs := Validate([]byte(validPolicyJSON(t)))
	require.False(t, errs.HasErrors(), "%v", errs)
	require.NotNil(t, v)
	assert.Equal(t, "1.0.0", v.Policy.Version)
	assert.Len(t, v.Policy.Rules, 1)
}

func TestValidate_OversizedRejected(t *testing.T) {
	huge := make([]byte, 1<<20+1)
	_, errs := Validate(huge)
	require.True(t, errs.HasErrors())
	assert.Contains(t, errs.Error(), "exceeds 1 MiB")
}

func TestValidate_MalformedJSON(t *testing.T) {
	_, errs := Validate([]byte(`{not json`))
	require.True(t, errs.HasErrors())
	assert.Contains(t, errs.Error(), "invalid JSON")
}

func TestValidate_TotalNotFirstError(t *testing.T) {
	raw := `{
		"version": "not-a-semver",
		"defaultAction": "maybe",
		"updatedAt": "` + time.Now().UTC().Format(time.RFC3339) + `",
		"rules": []
	}`
	_, errs := Validate([]byte(raw))
	require.True(t, errs.HasErrors())
	// Both the version and defaultAction violations must be reported, not
	// just whichever is checked first.
	assert.Contains(t, errs.Error(), "$.version")
	assert.Contains(t, errs.Error(), "$.defaultAction")
}

func TestValidate_DuplicateRuleID(t *testing.T) {
	raw := `{
		"version": "1.0.0",
		"defaultAction": "block",
		"updatedAt": "` + time.Now().UTC().Format(time.RFC3339) + `",
		"rules": [
			{"id": "r1", "action": "allow", "direction": "outbound", "protocol": "tcp", "remote": {"ports": "80"}, "priority": 1, "enabled": true},
			{"id": "r1", "action": "block", "direction": "outbound", "protocol": "tcp", "remote": {"ports": "81"}, "priority": 2, "enabled": true}
		]
	}`
	_, errs := Validate([]byte(raw))
	require.True(t, errs.HasErrors())
	assert.Contains(t, errs.Error(), `duplicate rule id "r1" (first occurrence at index 0)`)
}

func TestValidate_UpdatedAtTooFarInFuture(t *testing.T) {
	raw := `{
		"version": "1.0.0",
		"defaultAction": "block",
		"updatedAt": "` + time.Now().UTC().Add(time.Hour).Format(time.RFC3339) + `",
		"rules": []
	}`
	_, errs := Validate([]byte(raw))
	require.True(t, errs.HasErrors())
	assert.Contains(t, errs.Error(), "more than 5 minutes in the future")
}

func TestValidateEndpoint_RequiresIPOrPorts(t *testing.T) {
	raw := `{
		"version": "1.0.0",
		"defaultAction": "block",
		"updatedAt": "` + time.Now().UTC().Format(time.RFC3339) + `",
		"rules": [
			{"id": "r1", "action": "allow", "direction": "outbound", "protocol": "tcp", "remote": {}, "priority": 1, "enabled": true}
		]
	}`
	_, errs := Validate([]byte(raw))
	require.True(t, errs.HasErrors())
	assert.Contains(t, errs.Error(), "requires at least one of ip or ports")
}

func TestValidateIPSpec_RejectsIPv6(t *testing.T) {
	err := validateIPSpec("2001:db8::1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid IPv4")
}

func TestValidateIPSpec_AcceptsCIDR(t *testing.T) {
	assert.NoError(t, validateIPSpec("10.0.0.0/24"))
	assert.NoError(t, validateIPSpec("192.168.1.1"))
}

func TestParsePortSpec(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    []PortCondition
		wantErr bool
	}{
		{"single", "80", []PortCondition{{80, 80}}, false},
		{"range", "1000-2000", []PortCondition{{1000, 2000}}, false},
		{"list", "80,443,8000-8080", []PortCondition{{80, 80}, {443, 443}, {8000, 8080}}, false},
		{"invalid chars", "80;443", nil, true},
		{"reversed range", "100-50", nil, true},
		{"out of bounds", "70000", nil, true},
		{"empty element", "80,,443", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePortSpec(tt.spec)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
