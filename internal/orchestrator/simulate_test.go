// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/trafficctl/internal/policy"
)

func TestSimulate_FirstMatchByPriorityWins(t *testing.T) {
	v := mustValidate(t, `{
		"version":"1.0.0","defaultAction":"block","updatedAt":"2026-01-01T00:00:00Z",
		"rules":[
			{"id":"low","action":"block","direction":"outbound","protocol":"tcp","remote":{"ports":"80"},"priority":1,"enabled":true},
			{"id":"high","action":"allow","direction":"outbound","protocol":"tcp","remote":{"ports":"80"},"priority":100,"enabled":true}
		]
	}`)
	res := Simulate(v, SimulateRequest{Direction: policy.DirectionOutbound, Protocol: policy.ProtocolTCP, RemotePort: 80})
	assert.True(t, res.WouldAllow)
	assert.Equal(t, "high", res.MatchedRuleID)
	require.Len(t, res.Trace, 1)
}

func TestSimulate_FallsThroughToDefaultAction(t *testing.T) {
	v := mustValidate(t, `{
		"version":"1.0.0","defaultAction":"allow","updatedAt":"2026-01-01T00:00:00Z",
		"rules":[{"id":"r1","action":"block","direction":"outbound","protocol":"tcp","remote":{"ports":"443"},"priority":1,"enabled":true}]
	}`)
	res := Simulate(v, SimulateRequest{Direction: policy.DirectionOutbound, Protocol: policy.ProtocolTCP, RemotePort: 80})
	assert.True(t, res.WouldAllow)
	assert.Empty(t, res.MatchedRuleID)
}

func TestSimulate_DisabledRuleNeverMatches(t *testing.T) {
	v := mustValidate(t, `{
		"version":"1.0.0","defaultAction":"allow","updatedAt":"2026-01-01T00:00:00Z",
		"rules":[{"id":"r1","action":"block","direction":"outbound","protocol":"tcp","remote":{"ports":"80"},"priority":1,"enabled":false}]
	}`)
	res := Simulate(v, SimulateRequest{Direction: policy.DirectionOutbound, Protocol: policy.ProtocolTCP, RemotePort: 80})
	assert.True(t, res.WouldAllow)
	require.Len(t, res.Trace, 1)
	assert.False(t, res.Trace[0].Matched)
	assert.Contains(t, res.Trace[0].Reason, "disabled")
}

func TestSimulate_RemoteCIDRMatch(t *testing.T) {
	v := mustValidate(t, `{
		"version":"1.0.0","defaultAction":"allow","updatedAt":"2026-01-01T00:00:00Z",
		"rules":[{"id":"r1","action":"block","direction":"outbound","protocol":"tcp","remote":{"ip":"10.0.0.0/24","ports":"80"},"priority":1,"enabled":true}]
	}`)
	blocked := Simulate(v, SimulateRequest{Direction: policy.DirectionOutbound, Protocol: policy.ProtocolTCP, RemoteIP: "10.0.0.5", RemotePort: 80})
	assert.False(t, blocked.WouldAllow)

	allowed := Simulate(v, SimulateRequest{Direction: policy.DirectionOutbound, Protocol: policy.ProtocolTCP, RemoteIP: "10.0.1.5", RemotePort: 80})
	assert.True(t, allowed.WouldAllow)
}

func TestSimulate_ProcessMismatch(t *testing.T) {
	v := mustValidate(t, `{
		"version":"1.0.0","defaultAction":"allow","updatedAt":"2026-01-01T00:00:00Z",
		"rules":[{"id":"r1","action":"block","direction":"outbound","protocol":"tcp","process":"C:\\app.exe","remote":{"ports":"80"},"priority":1,"enabled":true}]
	}`)
	res := Simulate(v, SimulateRequest{Direction: policy.DirectionOutbound, Protocol: policy.ProtocolTCP, RemotePort: 80, ProcessPath: "C:\\other.exe"})
	assert.True(t, res.WouldAllow)
	assert.False(t, res.Trace[0].Matched)
}
