// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package constants holds the stable identifiers the control plane is built
// around: the PFF provider/sublayer keys, the IPC endpoint name, data-dir
// layout, and the size/timeout/protocol-version limits from spec.md §2 (C2)
// and §6. These never change across releases without a migration plan —
// changing the provider or sublayer key orphans every filter a prior version
// installed.
package constants

import (
	"os"
	"path/filepath"
)

const (
	// ServiceName is the Windows service name trafficctld registers under.
	ServiceName = "TrafficControlService"

	// ProviderKey and SublayerKey name this service's owned objects in the
	// PFF. They are fixed GUID-shaped strings so a reinstall recognizes
	// filters left behind by a prior run.
	ProviderKey = "7f3b6b1a-2f0e-4b9a-9d3e-1a6c8e2f4b10"
	SublayerKey = "9c1d4e2a-6b7f-4a3c-8e1d-2f5a9b7c3d60"

	// SublayerWeight is the fixed priority of our sublayer, per §4.5.1.
	SublayerWeight = 0x8000

	// PipeName is the local IPC endpoint name (§6.2). On the reference host
	// the full path form is \\.\pipe\WfpTrafficControl.
	PipeName = "WfpTrafficControl"

	// ProtocolVersionMin and ProtocolVersionCurrent bound the supported IPC
	// protocol version range (§4.10, §6.2).
	ProtocolVersionMin     = 0
	ProtocolVersionCurrent = 1

	// MaxMessageBytes is the largest single framed IPC message accepted (§4.10).
	MaxMessageBytes = 65536

	// ConnectTimeout and ReadTimeout bound IPC I/O (§4.10, §5).
	ConnectTimeoutSeconds = 5
	ReadTimeoutSeconds    = 30

	// RateLimitCapacity and RateLimitWindowSeconds define the per-identity
	// token bucket (§4.10, P8).
	RateLimitCapacity     = 10
	RateLimitWindowSeconds = 10

	// MaxPolicyBytes and MaxRules bound the policy document (§3.1).
	MaxPolicyBytes = 1 << 20 // 1 MiB
	MaxRules       = 10000

	// MaxHistoryEntries bounds the policy-history ring (§4.11).
	MaxHistoryEntries = 100

	// DebounceDefaultMs, DebounceMinMs, DebounceMaxMs bound the file
	// watcher's debounce interval (§6.5).
	DebounceDefaultMs = 1000
	DebounceMinMs     = 100
	DebounceMaxMs     = 30000

	// EnvPrefix namespaces the environment-variable overrides below.
	EnvPrefix = "TRAFFICCTL"
)

// DefaultDataDir is the system-wide data directory holding the LKG record,
// the audit log, and the policy-history ring (§6.4). ProgramData is the
// conventional location for privileged-service state on the reference host;
// it is overridable for local development and tests.
var DefaultDataDir = `C:\ProgramData\TrafficControl`

// DataDir returns the configured data directory, checking the environment
// override first — the same TRAFFICCTL_DATA_DIR > DefaultDataDir precedence
// the teacher's install package uses for its directory set.
func DataDir() string {
	if dir := os.Getenv(EnvPrefix + "_DATA_DIR"); dir != "" {
		return dir
	}
	return DefaultDataDir
}

// LKGPath, AuditLogPath, and HistoryDir derive the concrete file paths
// under the data directory (§6.4).
func LKGPath() string       { return filepath.Join(DataDir(), "lkg-policy.json") }
func AuditLogPath() string  { return filepath.Join(DataDir(), "audit.log") }
func HistoryDir() string    { return filepath.Join(DataDir(), "History") }
func HistoryIndexPath() string { return filepath.Join(HistoryDir(), "history-index.json") }
