// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package policy defines the declarative policy document (spec.md §3.1-3.2)
// and its validator (§4.1). Validation is total: every malformed field is
// reported, not just the first.
package policy

import "time"

// Action is the verdict a rule or a policy's default applies.
type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
)

// Direction constrains which traffic direction a rule matches.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionBoth     Direction = "both"
)

// Protocol constrains the transport protocol a rule matches.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
	ProtocolAny Protocol = "any"
)

// EndpointFilter restricts a rule to an IP/CIDR and/or a port spec. At
// least one of IP or Ports must be set when the filter itself is present.
type EndpointFilter struct {
	IP    string `json:"ip,omitempty"`
	Ports string `json:"ports,omitempty"`
}

// Rule is one declarative firewall rule (spec.md §3.2).
type Rule struct {
	ID        string          `json:"id"`
	Action    Action          `json:"action"`
	Direction Direction       `json:"direction"`
	Protocol  Protocol        `json:"protocol"`
	Process   string          `json:"process,omitempty"`
	Local     *EndpointFilter `json:"local,omitempty"`
	Remote    *EndpointFilter `json:"remote,omitempty"`
	Priority  int             `json:"priority"`
	Enabled   bool            `json:"enabled"`
	Comment   string          `json:"comment,omitempty"`
}

// Policy is the declarative input document (spec.md §3.1).
type Policy struct {
	Version       string    `json:"version"`
	DefaultAction Action    `json:"defaultAction"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Rules         []Rule    `json:"rules"`
}

// Validated wraps a Policy that has passed Validate, so downstream
// components (the compiler) can require one in their signature and never
// re-check what the validator already guaranteed.
type Validated struct {
	Policy Policy
}
