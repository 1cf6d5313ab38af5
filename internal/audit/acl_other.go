// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !windows
// +build !windows

package audit

import "os"

// tightenACL has no PFF/Windows-ACL equivalent on non-Windows dev/test
// builds; restricting the POSIX mode bits to owner-only is the closest
// analogue and is enough for local development and CI.
func tightenACL(path string) error {
	return os.Chmod(path, 0o600)
}
