// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package filter defines the shared vocabulary between the compiler (C4),
// the diff computer (C5), and the PFF interop (C6): the compiled filter
// the compiler emits, and the observed filter the engine enumerates back.
// Both sides need the same Key shape to reconcile against each other, so it
// lives independently of either package to avoid an import cycle.
package filter

// Layer identifies which PFF ALE layer a compiled filter is pinned to.
type Layer string

const (
	LayerALEAuthorizeConnectV4    Layer = "ALE-authorize-connect-v4"
	LayerALEAuthorizeRecvAcceptV4 Layer = "ALE-authorize-recv-accept-v4"
)

// IPCondition is either an exact address (as a /32) or a CIDR block.
type IPCondition struct {
	Address string // dotted-quad
	Prefix  int    // 0..32
}

// PortCondition is a single port or an inclusive [Lo, Hi] range.
type PortCondition struct {
	Lo int
	Hi int
}

// Compiled is one PFF filter descriptor produced by the rule compiler
// (spec.md §3.3). Its Key is deterministic across runs so repeated applies
// of the same policy are idempotent (P1, P3).
type Compiled struct {
	Key                 string
	RuleID              string
	PortIndex            int
	DisplayName         string
	Description         string
	Action              string // "allow" | "block"
	Direction            string // "inbound" | "outbound"
	Layer                Layer
	ProtocolByte        byte // 6 = tcp, 17 = udp
	ProcessPath         string
	ProcessDevicePath   []byte // populated at apply time by the PFF path translator
	ProcessDropped      bool   // true if translation was attempted and failed
	RemoteIP            *IPCondition
	RemotePort          *PortCondition
	Weight              int
}

// Observed is the field set the PFF enumeration returns for an existing
// filter (spec.md §3.4).
type Observed struct {
	Key         string
	RuntimeID   uint64
	DisplayName string
}
