// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build windows
// +build windows

package audit

import (
	"golang.org/x/sys/windows"
)

// auditACLSDDL grants the service's own SYSTEM-level account full control
// and the local Administrators group read-plus-append-data only; the "P"
// flag protects the DACL from inherited ACEs, so every other principal is
// denied by default (spec.md §4.8's ACL contract). 0x12008D is
// FILE_GENERIC_READ (0x120089) OR'd with FILE_APPEND_DATA (0x0004).
const auditACLSDDL = "D:P(A;;FA;;;SY)(A;;0x12008D;;;BA)"

// tightenACL applies auditACLSDDL to path via SetNamedSecurityInfo. ACL
// failure is tolerated by the caller (defense in depth, not a gate) per
// §4.8.
func tightenACL(path string) error {
	sd, err := windows.SecurityDescriptorFromString(auditACLSDDL)
	if err != nil {
		return err
	}
	dacl, _, err := sd.DACL()
	if err != nil {
		return err
	}
	return windows.SetNamedSecurityInfo(
		path,
		windows.SE_FILE_OBJECT,
		windows.DACL_SECURITY_INFORMATION|windows.PROTECTED_DACL_SECURITY_INFORMATION,
		nil, nil, dacl, nil,
	)
}
