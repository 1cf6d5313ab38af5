// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package orchestrator

import (
	"fmt"
	"net"
	"sort"

	"grimm.is/trafficctl/internal/policy"
)

// SimulateRequest is the what-if query from spec.md §4.5.6.
type SimulateRequest struct {
	Direction   policy.Direction
	Protocol    policy.Protocol
	RemoteIP    string
	RemotePort  int
	ProcessPath string
	LocalIP     string
	LocalPort   int
}

// TraceEntry records, for one considered rule, whether it matched and if
// not why — the supplemented trace detail from SPEC_FULL.md §4.
type TraceEntry struct {
	RuleID  string
	Matched bool
	Reason  string
}

// SimulateResult is §4.5.6's response shape.
type SimulateResult struct {
	WouldAllow    bool
	MatchedRuleID string
	Trace         []TraceEntry
}

// Simulate evaluates req against v's rules in descending priority order,
// first match wins; otherwise the policy's defaultAction applies. It
// performs no PFF interaction and mutates nothing (P10).
func Simulate(v *policy.Validated, req SimulateRequest) SimulateResult {
	rules := make([]policy.Rule, len(v.Policy.Rules))
	copy(rules, v.Policy.Rules)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	var res SimulateResult
	for _, r := range rules {
		matched, reason := matchRule(r, req)
		res.Trace = append(res.Trace, TraceEntry{RuleID: r.ID, Matched: matched, Reason: reason})
		if matched {
			res.WouldAllow = r.Action == policy.ActionAllow
			res.MatchedRuleID = r.ID
			return res
		}
	}

	res.WouldAllow = v.Policy.DefaultAction == policy.ActionAllow
	res.MatchedRuleID = ""
	return res
}

func matchRule(r policy.Rule, req SimulateRequest) (bool, string) {
	if !r.Enabled {
		return false, "rule disabled"
	}
	if r.Direction != policy.DirectionBoth && r.Direction != req.Direction {
		return false, fmt.Sprintf("direction mismatch: rule is %s, request is %s", r.Direction, req.Direction)
	}
	if r.Protocol != policy.ProtocolAny && r.Protocol != req.Protocol {
		return false, fmt.Sprintf("protocol mismatch: rule is %s, request is %s", r.Protocol, req.Protocol)
	}
	if r.Process != "" && r.Process != req.ProcessPath {
		return false, "process path mismatch"
	}
	if r.Remote != nil {
		if ok, reason := matchEndpoint(*r.Remote, req.RemoteIP, req.RemotePort); !ok {
			return false, "remote " + reason
		}
	}
	if r.Local != nil {
		if ok, reason := matchEndpoint(*r.Local, req.LocalIP, req.LocalPort); !ok {
			return false, "local " + reason
		}
	}
	return true, "matched"
}

func matchEndpoint(ep policy.EndpointFilter, ip string, port int) (bool, string) {
	if ep.IP != "" {
		if ok, err := ipMatches(ep.IP, ip); err != nil || !ok {
			return false, "ip does not match endpoint filter"
		}
	}
	if ep.Ports != "" {
		conds, err := policy.ParsePortSpec(ep.Ports)
		if err != nil {
			return false, "invalid port spec"
		}
		found := false
		for _, c := range conds {
			if port >= c.Lo && port <= c.Hi {
				found = true
				break
			}
		}
		if !found {
			return false, "port does not match endpoint filter"
		}
	}
	return true, ""
}

func ipMatches(spec, ip string) (bool, error) {
	target := net.ParseIP(ip)
	if target == nil {
		return false, fmt.Errorf("invalid ip %q", ip)
	}
	if hasSlash(spec) {
		_, ipnet, err := net.ParseCIDR(spec)
		if err != nil {
			return false, err
		}
		return ipnet.Contains(target), nil
	}
	specIP := net.ParseIP(spec)
	if specIP == nil {
		return false, fmt.Errorf("invalid ip spec %q", spec)
	}
	return specIP.Equal(target), nil
}

func hasSlash(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return true
		}
	}
	return false
}
