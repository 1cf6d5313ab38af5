// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build windows
// +build windows

package ipc

import (
	"fmt"
	"net"
	"time"

	winio "github.com/tailscale/go-winio"
	"golang.org/x/sys/windows"

	"grimm.is/trafficctl/internal/constants"
)

// Dial connects to the service's named pipe endpoint as a client (C12).
func Dial(timeout time.Duration) (net.Conn, error) {
	path := `\\.\pipe\` + constants.PipeName
	return winio.DialPipe(path, &timeout)
}

// pipeSDDL is the OS-level ACL on the endpoint itself (§4.10 authorization
// layer 1): only the service's own SYSTEM-level account and the local
// Administrators group may open a handle to the pipe at all. This is the
// first of the two required authorization layers; AuthorizeConn below
// implements the second.
const pipeSDDL = "D:P(A;;GA;;;SY)(A;;GA;;;BA)"

// Listen opens the named pipe endpoint (§6.2's \\.\pipe\WfpTrafficControl
// on the reference host). tailscale/go-winio is a promoted dependency here
// — the teacher pulls it in only transitively for tailscale.com's Windows
// named-pipe support, but our IPC transport needs exactly the same
// ListenPipe/DialPipe primitives directly.
func Listen() (net.Listener, error) {
	path := `\\.\pipe\` + constants.PipeName
	cfg := &winio.PipeConfig{
		SecurityDescriptor: pipeSDDL,
		MessageMode:        false,
		InputBufferSize:    int32(constants.MaxMessageBytes),
		OutputBufferSize:   int32(constants.MaxMessageBytes),
	}
	return winio.ListenPipe(path, cfg)
}

// AuthorizeConn implements §4.10 authorization layer 2: temporarily
// impersonate the connecting client and check whether the resulting
// principal is the service-local principal or a member of the local
// Administrators group. The impersonation token is reverted before
// returning, regardless of outcome.
func AuthorizeConn(conn net.Conn) (identity string, authorized bool, err error) {
	pipeConn, ok := conn.(winio.PipeConn)
	if !ok {
		return "", false, fmt.Errorf("ipc: connection is not a named pipe")
	}

	if err := pipeConn.RunWithImpersonation(func() error {
		identity, authorized, err = checkImpersonatedIdentity()
		return err
	}); err != nil {
		return "", false, err
	}
	return identity, authorized, nil
}

// checkImpersonatedIdentity runs on the impersonated thread token: it
// resolves the caller's account name and checks Administrators membership
// via CheckTokenMembership, the standard way to answer "is this token a
// member of group X" without hand-rolling a SID comparison loop.
func checkImpersonatedIdentity() (string, bool, error) {
	var token windows.Token
	if err := windows.OpenThreadToken(windows.CurrentThread(), windows.TOKEN_QUERY, true, &token); err != nil {
		return "", false, err
	}
	defer token.Close()

	user, err := token.GetTokenUser()
	if err != nil {
		return "", false, err
	}
	account, domain, _, err := user.User.Sid.LookupAccount("")
	if err != nil {
		return "", false, err
	}
	identity := domain + `\` + account

	// The service itself runs as LocalSystem, and a client that impersonates
	// down to us while already running as the same service-local principal
	// (e.g. another component of trafficctld, or a SYSTEM-level installer
	// step) is trusted outright — this is the first disjunct of the §4.10
	// layer-2 rule.
	systemSid, err := windows.CreateWellKnownSid(windows.WinLocalSystemSid)
	if err != nil {
		return identity, false, err
	}
	if windows.EqualSid(user.User.Sid, systemSid) {
		return identity, true, nil
	}

	adminSid, err := windows.CreateWellKnownSid(windows.WinBuiltinAdministratorsSid)
	if err != nil {
		return identity, false, err
	}
	isMember, err := token.IsMember(adminSid)
	if err != nil {
		return identity, false, err
	}
	return identity, isMember, nil
}
