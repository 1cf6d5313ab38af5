// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package compiler implements the pure transformation from a validated
// policy to zero-or-more PFF filter descriptors (spec.md §4.2, C4). Compile
// never touches the PFF; it is deterministic (P1) so a given policy always
// produces the same set of keys.
package compiler

import (
	"fmt"

	"github.com/google/uuid"

	wfperrors "grimm.is/trafficctl/internal/errors"
	"grimm.is/trafficctl/internal/filter"
	"grimm.is/trafficctl/internal/policy"
)

const baseWeight = 1000

// Warning is a non-fatal note about a rule the compiler skipped or altered.
type Warning struct {
	RuleID  string
	Message string
}

// Result is the compiler's output: the desired filter set plus warnings
// and errors collected across every rule (errors abort the apply with
// InvalidPolicy; warnings do not).
type Result struct {
	Filters  []filter.Compiled
	Warnings []Warning
	Errors   []error
}

// Compile expands every enabled rule in v into compiled filter descriptors.
// A rule outside the currently supported subset (outbound tcp/udp, inbound
// tcp) produces an error rather than a filter; a disabled rule produces a
// warning and is skipped.
func Compile(v *policy.Validated) Result {
	var res Result

	for _, r := range v.Policy.Rules {
		if !r.Enabled {
			res.Warnings = append(res.Warnings, Warning{r.ID, "rule disabled, skipped"})
			continue
		}

		if err := checkSupportedSubset(r); err != nil {
			res.Errors = append(res.Errors, wfperrors.Attr(
				wfperrors.Wrap(err, wfperrors.KindInvalidPolicy, "unsupported rule"),
				"ruleId", r.ID))
			continue
		}

		if r.Local != nil {
			res.Errors = append(res.Errors, wfperrors.Attr(
				wfperrors.New(wfperrors.KindInvalidPolicy, "local endpoint filters are not supported"),
				"ruleId", r.ID))
			continue
		}

		ports, err := compiledPortConditions(r)
		if err != nil {
			res.Errors = append(res.Errors, wfperrors.Attr(
				wfperrors.Wrap(err, wfperrors.KindInvalidPolicy, "invalid port spec"),
				"ruleId", r.ID))
			continue
		}

		layer, protoByte, direction := layerFor(r)

		for idx, port := range ports {
			key := deriveKey(r.ID, idx)
			cf := filter.Compiled{
				Key:         key,
				RuleID:      r.ID,
				PortIndex:   idx,
				DisplayName: fmt.Sprintf("%s [%d]", r.ID, idx),
				Description: r.Comment,
				Action:      string(r.Action),
				Direction:   direction,
				Layer:       layer,
				ProtocolByte: protoByte,
				ProcessPath: r.Process,
				Weight:      baseWeight + r.Priority,
			}
			if r.Remote != nil {
				if r.Remote.IP != "" {
					ipc, err := remoteIPCondition(r.Remote.IP)
					if err != nil {
						res.Errors = append(res.Errors, wfperrors.Attr(
							wfperrors.Wrap(err, wfperrors.KindInvalidPolicy, "invalid remote ip"),
							"ruleId", r.ID))
						continue
					}
					cf.RemoteIP = ipc
				}
				cf.RemotePort = &filter.PortCondition{Lo: port.Lo, Hi: port.Hi}
			}
			res.Filters = append(res.Filters, cf)
		}
	}

	return res
}

// checkSupportedSubset enforces §4.2 step 1: only outbound tcp, outbound
// udp, and inbound tcp are implemented in this revision. "both" and "any"
// are rejected here even though the model (§3.2) accepts them — the
// compiler's rejection is authoritative per spec.md §9.
func checkSupportedSubset(r policy.Rule) error {
	switch r.Direction {
	case policy.DirectionOutbound:
		switch r.Protocol {
		case policy.ProtocolTCP, policy.ProtocolUDP:
			return nil
		}
	case policy.DirectionInbound:
		if r.Protocol == policy.ProtocolTCP {
			return nil
		}
		if r.Protocol == policy.ProtocolUDP {
			return fmt.Errorf("inbound udp is not supported by this PFF layer")
		}
	case policy.DirectionBoth:
		return fmt.Errorf(`direction "both" is rejected at compile`)
	}
	return fmt.Errorf("unsupported direction/protocol combination: %s/%s", r.Direction, r.Protocol)
}

func layerFor(r policy.Rule) (layer filter.Layer, protoByte byte, direction string) {
	if r.Protocol == policy.ProtocolTCP {
		protoByte = 6
	} else {
		protoByte = 17
	}
	if r.Direction == policy.DirectionOutbound {
		return filter.LayerALEAuthorizeConnectV4, protoByte, "outbound"
	}
	return filter.LayerALEAuthorizeRecvAcceptV4, protoByte, "inbound"
}

func compiledPortConditions(r policy.Rule) ([]policy.PortCondition, error) {
	if r.Remote == nil || r.Remote.Ports == "" {
		// No port spec: one filter covering any remote port.
		return []policy.PortCondition{{Lo: 0, Hi: 0}}, nil
	}
	return policy.ParsePortSpec(r.Remote.Ports)
}

func remoteIPCondition(spec string) (*filter.IPCondition, error) {
	// The validator already confirmed this is an IPv4 literal or CIDR;
	// re-derive the prefix here since the compiler works off the raw string.
	for i := 0; i < len(spec); i++ {
		if spec[i] == '/' {
			addr := spec[:i]
			var prefix int
			if _, err := fmt.Sscanf(spec[i+1:], "%d", &prefix); err != nil {
				return nil, err
			}
			return &filter.IPCondition{Address: addr, Prefix: prefix}, nil
		}
	}
	return &filter.IPCondition{Address: spec, Prefix: 32}, nil
}

// deriveKey computes the UUID-shaped filter key: MD5(ruleId || ":" || portIndex),
// per spec.md §3.3. Using a version-3 (MD5) namespaced UUID gives a stable,
// well-formed GUID string without hand-rolling the RFC 4122 byte layout.
func deriveKey(ruleID string, portIndex int) string {
	data := fmt.Sprintf("%s:%d", ruleID, portIndex)
	return uuid.NewMD5(uuid.Nil, []byte(data)).String()
}
