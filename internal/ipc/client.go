// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ipc

import (
	"encoding/json"
	"net"
	"time"

	"grimm.is/trafficctl/internal/constants"
	wfperrors "grimm.is/trafficctl/internal/errors"
)

// Client is the symmetric counterpart to Server (C12): the CLI and any
// future UI drive the service exclusively through this type, never by
// constructing frames by hand.
type Client struct {
	dialTimeout time.Duration
	readTimeout time.Duration
	source      string
}

// NewClient returns a Client using the spec's default connect/read
// timeouts (§4.10, §2 C2). source tags every outgoing request with an
// unauthenticated hint ("cli", "ui") recorded verbatim in audit entries for
// triage — it carries no authorization weight.
func NewClient(source string) *Client {
	return &Client{
		dialTimeout: constants.ConnectTimeoutSeconds * time.Second,
		readTimeout: constants.ReadTimeoutSeconds * time.Second,
		source:      source,
	}
}

// Call dials the service endpoint, sends one request, and returns the
// decoded response fields. fields may be nil for requests that take no
// arguments (e.g. "ping").
func (c *Client) Call(requestType string, fields map[string]any) (map[string]any, error) {
	conn, err := dialTimeout(c.dialTimeout)
	if err != nil {
		return nil, wfperrors.Wrap(err, wfperrors.KindServiceUnavailable, "connect to trafficctld")
	}
	defer conn.Close()

	payload := map[string]any{
		"type":            requestType,
		"protocolVersion": constants.ProtocolVersionCurrent,
		"source":          c.source,
	}
	for k, v := range fields {
		payload[k] = v
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, wfperrors.Wrap(err, wfperrors.KindInvalidArgument, "encode request")
	}
	if err := WriteFrame(conn, data); err != nil {
		return nil, err
	}

	raw, err := ReadFrame(conn, c.readTimeout)
	if err != nil {
		return nil, err
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, wfperrors.Wrap(err, wfperrors.KindIpcError, "decode response")
	}

	ok, _ := resp["ok"].(bool)
	if !ok {
		msg, _ := resp["error"].(string)
		if msg == "" {
			msg = "request failed"
		}
		return nil, wfperrors.New(wfperrors.KindServiceError, msg)
	}
	delete(resp, "ok")
	delete(resp, "error")
	delete(resp, "protocolVersion")
	return resp, nil
}

func dialTimeout(d time.Duration) (net.Conn, error) {
	return Dial(d)
}
