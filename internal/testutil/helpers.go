// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package testutil

import (
	"os"
	"testing"
)

// RequireWindows skips the test if the TRAFFICCTL_WINDOWS_TEST environment
// variable is not set. This keeps tests that need a real PFF engine session
// (as opposed to the in-memory pff.Fake) from running outside a proper
// Windows test host.
func RequireWindows(t *testing.T) {
	t.Helper()
	if os.Getenv("TRAFFICCTL_WINDOWS_TEST") == "" {
		t.Skip("Skipping test: requires TRAFFICCTL_WINDOWS_TEST environment")
	}
}
