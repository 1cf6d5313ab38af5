// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/trafficctl/internal/policy"
)

func mustValidate(t *testing.T, raw string) *policy.Validated {
	t.Helper()
	v, errs := policy.Validate([]byte(raw))
	require.False(t, errs.HasErrors(), "%v", errs)
	return v
}

func TestCompile_DisabledRuleSkippedWithWarning(t *testing.T) {
	v := mustValidate(t, `{
		"version":"1.0.0","defaultAction":"block","updatedAt":"2026-01-01T00:00:00Z",
		"rules":[{"id":"r1","action":"allow","direction":"outbound","protocol":"tcp","remote":{"ports":"80"},"priority":1,"enabled":false}]
	}`)
	res := Compile(v)
	assert.Empty(t, res.Filters)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Message, "disabled")
}

func TestCompile_InboundUDPRejected(t *testing.T) {
	v := mustValidate(t, `{
		"version":"1.0.0","defaultAction":"block","updatedAt":"2026-01-01T00:00:00Z",
		"rules":[{"id":"r1","action":"block","direction":"inbound","protocol":"udp","remote":{"ports":"53"},"priority":1,"enabled":true}]
	}`)
	res := Compile(v)
	assert.Empty(t, res.Filters)
	require.Len(t, res.Errors, 1)
}

func TestCompile_DirectionBothRejected(t *testing.T) {
	v := mustValidate(t, `{
		"version":"1.0.0","defaultAction":"block","updatedAt":"2026-01-01T00:00:00Z",
		"rules":[{"id":"r1","action":"block","direction":"both","protocol":"tcp","remote":{"ports":"80"},"priority":1,"enabled":true}]
	}`)
	res := Compile(v)
	assert.Empty(t, res.Filters)
	require.Len(t, res.Errors, 1)
}

func TestCompile_LocalEndpointRejected(t *testing.T) {
	v := mustValidate(t, `{
		"version":"1.0.0","defaultAction":"block","updatedAt":"2026-01-01T00:00:00Z",
		"rules":[{"id":"r1","action":"block","direction":"outbound","protocol":"tcp","local":{"ports":"80"},"priority":1,"enabled":true}]
	}`)
	res := Compile(v)
	assert.Empty(t, res.Filters)
	require.Len(t, res.Errors, 1)
}

func TestCompile_PortListExpandsToMultipleFilters(t *testing.T) {
	v := mustValidate(t, `{
		"version":"1.0.0","defaultAction":"block","updatedAt":"2026-01-01T00:00:00Z",
		"rules":[{"id":"r1","action":"allow","direction":"outbound","protocol":"tcp","remote":{"ports":"80,443"},"priority":1,"enabled":true}]
	}`)
	res := Compile(v)
	require.Empty(t, res.Errors)
	require.Len(t, res.Filters, 2)
	assert.Equal(t, 0, res.Filters[0].PortIndex)
	assert.Equal(t, 1, res.Filters[1].PortIndex)
	assert.NotEqual(t, res.Filters[0].Key, res.Filters[1].Key)
}

func TestCompile_DeterministicKeys(t *testing.T) {
	raw := `{
		"version":"1.0.0","defaultAction":"block","updatedAt":"2026-01-01T00:00:00Z",
		"rules":[{"id":"r1","action":"allow","direction":"outbound","protocol":"tcp","remote":{"ports":"80"},"priority":1,"enabled":true}]
	}`
	res1 := Compile(mustValidate(t, raw))
	res2 := Compile(mustValidate(t, raw))
	require.Len(t, res1.Filters, 1)
	require.Len(t, res2.Filters, 1)
	assert.Equal(t, res1.Filters[0].Key, res2.Filters[0].Key)
}

func TestCompile_RemoteCIDRDerivesPrefix(t *testing.T) {
	v := mustValidate(t, `{
		"version":"1.0.0","defaultAction":"block","updatedAt":"2026-01-01T00:00:00Z",
		"rules":[{"id":"r1","action":"block","direction":"outbound","protocol":"tcp","remote":{"ip":"10.0.0.0/24","ports":"80"},"priority":1,"enabled":true}]
	}`)
	res := Compile(v)
	require.Len(t, res.Filters, 1)
	require.NotNil(t, res.Filters[0].RemoteIP)
	assert.Equal(t, "10.0.0.0", res.Filters[0].RemoteIP.Address)
	assert.Equal(t, 24, res.Filters[0].RemoteIP.Prefix)
}

func TestCompile_NoPortSpecCoversAnyPort(t *testing.T) {
	v := mustValidate(t, `{
		"version":"1.0.0","defaultAction":"block","updatedAt":"2026-01-01T00:00:00Z",
		"rules":[{"id":"r1","action":"block","direction":"outbound","protocol":"tcp","remote":{"ip":"10.0.0.1"},"priority":1,"enabled":true}]
	}`)
	res := Compile(v)
	require.Len(t, res.Filters, 1)
	require.NotNil(t, res.Filters[0].RemotePort)
	assert.Equal(t, 0, res.Filters[0].RemotePort.Lo)
	assert.Equal(t, 0, res.Filters[0].RemotePort.Hi)
}
