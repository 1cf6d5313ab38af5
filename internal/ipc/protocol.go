// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ipc implements the length-prefixed, versioned request/response
// protocol the CLI and UI drive the service through (spec.md §4.10, §6.2,
// C11/C12).
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"time"

	"grimm.is/trafficctl/internal/constants"
	wfperrors "grimm.is/trafficctl/internal/errors"
)

// Request is the envelope every client sends (§4.10).
type Request struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
	Fields          map[string]json.RawMessage `json:"-"`
}

// Response is the envelope every handler returns (§4.10). ErrorKind is the
// closed taxonomy name from internal/errors (e.g. "InvalidPolicy",
// "AccessDenied") so a scripted caller can branch on it instead of
// pattern-matching Error's free-text message (§6.2, §4.10).
type Response struct {
	OK              bool   `json:"ok"`
	Error           string `json:"error,omitempty"`
	ErrorKind       string `json:"errorKind,omitempty"`
	ProtocolVersion int    `json:"protocolVersion"`
	Fields          map[string]any `json:"-"`
}

// MarshalJSON flattens Fields alongside the envelope's own keys, matching
// the wire shape from §6.2's example (`{"ok":true,...,"filtersCreated":5}`)
// rather than nesting request-specific data under its own key.
func (r Response) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"ok":              r.OK,
		"protocolVersion": r.ProtocolVersion,
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	if r.ErrorKind != "" {
		out["errorKind"] = r.ErrorKind
	}
	for k, v := range r.Fields {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the envelope's fixed keys from the rest, which
// become Fields, mirroring Request's flattened field access.
func (req *Request) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if t, ok := raw["type"]; ok {
		_ = json.Unmarshal(t, &req.Type)
		delete(raw, "type")
	}
	if v, ok := raw["protocolVersion"]; ok {
		_ = json.Unmarshal(v, &req.ProtocolVersion)
		delete(raw, "protocolVersion")
	}
	req.Fields = raw
	return nil
}

// Field decodes one request field by key into dst. Returns false if the
// key was absent.
func (req *Request) Field(key string, dst any) (bool, error) {
	raw, ok := req.Fields[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

// ReadFrame reads one u32-little-endian-length-prefixed JSON message from
// conn (§4.10, §6.2). A length exceeding MaxMessageBytes returns
// RequestTooLarge without reading the body — the caller is expected to
// close the connection immediately per P9.
func ReadFrame(conn net.Conn, readTimeout time.Duration) ([]byte, error) {
	if readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, mapReadErr(err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > constants.MaxMessageBytes {
		return nil, wfperrors.Errorf(wfperrors.KindRequestTooLarge, "request of %d bytes exceeds %d byte limit", n, constants.MaxMessageBytes)
	}

	if readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, mapReadErr(err)
	}
	return buf, nil
}

// WriteFrame writes one u32-little-endian-length-prefixed JSON message.
func WriteFrame(conn net.Conn, data []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return wfperrors.Wrap(err, wfperrors.KindIpcError, "write frame length")
	}
	if _, err := conn.Write(data); err != nil {
		return wfperrors.Wrap(err, wfperrors.KindIpcError, "write frame body")
	}
	return nil
}

func mapReadErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return wfperrors.Wrap(err, wfperrors.KindRequestTimeout, "read timed out")
	}
	return wfperrors.Wrap(err, wfperrors.KindIpcError, "read failed")
}
