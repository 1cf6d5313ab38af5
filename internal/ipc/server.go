// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ipc

import (
	"net"
	"os"
	"sync"
	"time"

	"grimm.is/trafficctl/internal/audit"
	"grimm.is/trafficctl/internal/constants"
	wfperrors "grimm.is/trafficctl/internal/errors"
	"grimm.is/trafficctl/internal/history"
	"grimm.is/trafficctl/internal/lkg"
	"grimm.is/trafficctl/internal/logging"
	"grimm.is/trafficctl/internal/metrics"
	"grimm.is/trafficctl/internal/orchestrator"
	"grimm.is/trafficctl/internal/policy"
	"grimm.is/trafficctl/internal/watcher"
)

// ServiceVersion is reported by the ping handler.
const ServiceVersion = "1.0.0"

// Server is the IPC request/response server (spec.md §4.10, C11). It owns
// no PFF state of its own — every handler calls through Orchestrator, the
// one place that holds the open engine session (§9 cyclic-ownership
// avoidance: server -> orchestrator -> pff, never the reverse).
type Server struct {
	Orchestrator *orchestrator.Orchestrator
	LKG          *lkg.Store
	History      *history.Store
	Watcher      *watcher.Watcher
	AuditWriter  *audit.Writer
	AuditReader  *audit.Reader
	Metrics      *metrics.Metrics
	RateLimiter  *RateLimiter
	Log          *logging.Logger

	mu            sync.RWMutex
	currentPolicy *policy.Validated

	quit chan struct{}
}

// New builds a Server. Callers supply every collaborator explicitly —
// there is exactly one ServiceState constructed at startup (§9).
func New(o *orchestrator.Orchestrator, lkgStore *lkg.Store, histStore *history.Store,
	w *watcher.Watcher, auditW *audit.Writer, auditR *audit.Reader, m *metrics.Metrics, log *logging.Logger) *Server {
	return &Server{
		Orchestrator: o,
		LKG:          lkgStore,
		History:      histStore,
		Watcher:      w,
		AuditWriter:  auditW,
		AuditReader:  auditR,
		Metrics:      m,
		RateLimiter:  NewRateLimiter(),
		Log:          log,
		quit:         make(chan struct{}),
	}
}

// Serve accepts connections on l until Stop is called. Exactly one
// connection is served at a time (§4.10 transport) — the accept loop
// itself is the single serial worker §5 calls for; additional connections
// simply queue at the OS listener backlog while one is in flight.
func (s *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
				return err
			}
		}
		s.handleConn(conn)
	}
}

// Stop signals Serve's accept loop to exit cleanly on its next Accept error
// (the caller is expected to close the listener to unblock Accept).
func (s *Server) Stop() { close(s.quit) }

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	identity, authorized, err := AuthorizeConn(conn)
	if err != nil {
		s.Log.Warn("ipc: authorization check failed", "error", err)
		s.writeErr(conn, 0, wfperrors.New(wfperrors.KindAccessDenied, "authorization check failed"))
		return
	}
	if !authorized {
		s.Log.Warn("ipc: connection rejected, not service principal or Administrators", "identity", identity)
		s.writeErr(conn, 0, wfperrors.New(wfperrors.KindAccessDenied, "access denied"))
		return
	}

	if !s.RateLimiter.Allow(identity) {
		if s.Metrics != nil {
			s.Metrics.ObserveRateLimitRejection(identity)
		}
		s.writeErr(conn, 0, wfperrors.New(wfperrors.KindRateLimited, "rate limit exceeded, retry later"))
		return
	}

	raw, err := ReadFrame(conn, constants.ReadTimeoutSeconds*time.Second)
	if err != nil {
		// P9: for a too-large or malformed frame, no response is sent;
		// the connection is simply closed.
		s.Log.Warn("ipc: failed to read request frame", "error", err, "identity", identity)
		return
	}

	var req Request
	if err := unmarshalRequest(raw, &req); err != nil {
		s.writeErr(conn, 0, wfperrors.New(wfperrors.KindIpcError, "MissingRequestType"))
		return
	}
	if req.Type == "" {
		s.writeErr(conn, req.ProtocolVersion, wfperrors.New(wfperrors.KindIpcError, "MissingRequestType"))
		return
	}
	if req.ProtocolVersion < constants.ProtocolVersionMin || req.ProtocolVersion > constants.ProtocolVersionCurrent {
		s.writeErr(conn, req.ProtocolVersion, wfperrors.Errorf(wfperrors.KindProtocolVersionMismatch,
			"unsupported protocol version %d, supported range is [%d,%d]",
			req.ProtocolVersion, constants.ProtocolVersionMin, constants.ProtocolVersionCurrent))
		return
	}

	var sourceHint string
	_, _ = req.Field("source", &sourceHint)

	fields, hErr := s.dispatch(req, identity, sourceHint)
	if s.Metrics != nil {
		outcome := "ok"
		if hErr != nil {
			outcome = "error"
		}
		s.Metrics.ObserveIPCRequest(req.Type, outcome)
	}

	resp := Response{OK: hErr == nil, ProtocolVersion: req.ProtocolVersion, Fields: fields}
	if hErr != nil {
		resp.Error = hErr.Error()
		resp.ErrorKind = wfperrors.GetKind(hErr).String()
		if wfperrors.IsClientFault(wfperrors.GetKind(hErr)) {
			s.Log.Warn("ipc: request failed", "type", req.Type, "identity", identity, "kind", resp.ErrorKind, "error", hErr)
		} else {
			s.Log.Error("ipc: request failed", "type", req.Type, "identity", identity, "kind", resp.ErrorKind, "error", hErr)
		}
	}
	if err := writeResponse(conn, resp); err != nil {
		s.Log.Warn("ipc: failed to write response", "error", err)
	}
}

func (s *Server) writeErr(conn net.Conn, protocolVersion int, err error) {
	resp := Response{OK: false, Error: err.Error(), ErrorKind: wfperrors.GetKind(err).String(), ProtocolVersion: protocolVersion}
	_ = writeResponse(conn, resp)
}

func unmarshalRequest(raw []byte, req *Request) error {
	return req.UnmarshalJSON(raw)
}

func writeResponse(conn net.Conn, resp Response) error {
	data, err := resp.MarshalJSON()
	if err != nil {
		return err
	}
	return WriteFrame(conn, data)
}

// dispatch matches req.Type against the closed handler table (§4.10). This
// is an interface abstraction over a fixed map, not reflection: every
// handler is a named Go function.
func (s *Server) dispatch(req Request, identity, sourceHint string) (map[string]any, error) {
	switch req.Type {
	case "ping":
		return s.handlePing()
	case "bootstrap":
		return s.handleBootstrap(sourceHint)
	case "teardown":
		return s.handleTeardown(sourceHint)
	case "apply":
		return s.handleApply(req, sourceHint)
	case "validate":
		return s.handleValidate(req)
	case "rollback":
		return s.handleRollback(sourceHint)
	case "demo-block-enable":
		return s.handleDemoBlockEnable(sourceHint)
	case "demo-block-disable":
		return s.handleDemoBlockDisable(sourceHint)
	case "demo-block-status":
		return s.handleDemoBlockStatus()
	case "lkg-show":
		return s.handleLKGShow()
	case "lkg-revert":
		return s.handleLKGRevert(sourceHint)
	case "watch-set":
		return s.handleWatchSet(req, sourceHint)
	case "watch-status":
		return s.handleWatchStatus()
	case "audit-logs":
		return s.handleAuditLogs(req)
	case "block-rules":
		return s.handleBlockRules()
	case "simulate":
		return s.handleSimulate(req)
	case "policy-history":
		return s.handlePolicyHistory()
	case "policy-history-get":
		return s.handlePolicyHistoryGet(req)
	case "policy-history-revert":
		return s.handlePolicyHistoryRevert(req, sourceHint)
	default:
		return nil, wfperrors.Errorf(wfperrors.KindIpcError, "UnknownRequestType: %q", req.Type)
	}
}

func (s *Server) handlePing() (map[string]any, error) {
	return map[string]any{
		"version": ServiceVersion,
		"time":    time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (s *Server) auditSource(hint string) audit.Source {
	switch hint {
	case "hot-reload":
		return audit.SourceHotReload
	case "startup":
		return audit.SourceStartup
	case "ui":
		return audit.SourceUI
	default:
		return audit.SourceCLI
	}
}

func (s *Server) setCurrentPolicy(v *policy.Validated) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentPolicy = v
}

func (s *Server) getCurrentPolicy() *policy.Validated {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentPolicy
}

func (s *Server) handleBootstrap(sourceHint string) (map[string]any, error) {
	src := s.auditSource(sourceHint)
	s.AuditWriter.Write(audit.Entry{Event: audit.EventBootstrapStarted, Source: src})
	res, err := s.Orchestrator.Bootstrap()
	s.AuditWriter.Write(audit.FromError(audit.Entry{Event: audit.EventBootstrapFinished, Source: src}, err))
	if err != nil {
		return nil, err
	}
	return map[string]any{"providerExists": res.ProviderExists, "sublayerExists": res.SublayerExists}, nil
}

func (s *Server) handleTeardown(sourceHint string) (map[string]any, error) {
	src := s.auditSource(sourceHint)
	s.AuditWriter.Write(audit.Entry{Event: audit.EventTeardownStarted, Source: src})
	err := s.Orchestrator.Teardown()
	s.AuditWriter.Write(audit.FromError(audit.Entry{Event: audit.EventTeardownFinished, Source: src}, err))
	return map[string]any{}, err
}

func (s *Server) handleValidate(req Request) (map[string]any, error) {
	var raw string
	if _, err := req.Field("policyJson", &raw); err != nil {
		return nil, wfperrors.New(wfperrors.KindInvalidArgument, "policyJson must be a string")
	}
	_, verrs := policy.Validate([]byte(raw))
	out := map[string]any{"valid": !verrs.HasErrors()}
	if verrs.HasErrors() {
		out["errors"] = verrs
	}
	return out, nil
}

// handleApply implements §4.10's TOCTOU-safe contract: the policy file is
// read exactly once, and size is validated from the buffer length rather
// than from a prior os.Stat.
func (s *Server) handleApply(req Request, sourceHint string) (map[string]any, error) {
	var path string
	if ok, err := req.Field("policyPath", &path); err != nil || !ok || path == "" {
		return nil, wfperrors.New(wfperrors.KindInvalidArgument, "policyPath is required")
	}

	src := s.auditSource(sourceHint)
	s.AuditWriter.Write(audit.Entry{Event: audit.EventApplyStarted, Source: src,
		Details: map[string]any{"policyFile": path}})

	raw, rerr := os.ReadFile(path)
	if rerr != nil {
		err := wfperrors.Wrap(rerr, wfperrors.KindInvalidArgument, "failed to read policy file")
		s.AuditWriter.Write(audit.FromError(audit.Entry{Event: audit.EventApplyFinished, Source: src,
			Details: map[string]any{"policyFile": path}}, err))
		return nil, err
	}
	if len(raw) > constants.MaxPolicyBytes {
		err := wfperrors.Errorf(wfperrors.KindInvalidPolicy, "policy file of %d bytes exceeds %d byte limit", len(raw), constants.MaxPolicyBytes)
		s.AuditWriter.Write(audit.FromError(audit.Entry{Event: audit.EventApplyFinished, Source: src,
			Details: map[string]any{"policyFile": path}}, err))
		return nil, err
	}

	v, verrs := policy.Validate(raw)
	if verrs.HasErrors() {
		err := wfperrors.Errorf(wfperrors.KindInvalidPolicy, "%s", verrs.Error())
		s.AuditWriter.Write(audit.FromError(audit.Entry{Event: audit.EventApplyFinished, Source: src,
			Details: map[string]any{"policyFile": path}}, err))
		return nil, err
	}

	res, err := s.Orchestrator.Apply(v)
	details := map[string]any{
		"policyFile":     path,
		"policyVersion":  res.PolicyVersion,
		"filtersCreated": res.FiltersCreated,
		"filtersRemoved": res.FiltersRemoved,
		"rulesSkipped":   res.RulesSkipped,
		"totalRules":     res.TotalRules,
	}
	s.AuditWriter.Write(audit.FromError(audit.Entry{Event: audit.EventApplyFinished, Source: src, Details: details}, err))
	if err != nil {
		return nil, err
	}

	s.setCurrentPolicy(v)

	if saveErr := s.LKG.Save(raw, path); saveErr != nil && s.Log != nil {
		s.Log.Warn("apply: failed to save LKG", "error", saveErr)
	}
	if s.History != nil {
		histErr := s.History.Append(history.Entry{
			AppliedAt:      time.Now().UTC(),
			PolicyVersion:  v.Policy.Version,
			RuleCount:      len(v.Policy.Rules),
			Source:         string(src),
			SourcePath:     path,
			FiltersCreated: res.FiltersCreated,
			FiltersRemoved: res.FiltersRemoved,
		}, raw)
		if histErr != nil && s.Log != nil {
			s.Log.Warn("apply: failed to append policy history", "error", histErr)
		}
	}

	return map[string]any{
		"filtersCreated": res.FiltersCreated,
		"filtersRemoved": res.FiltersRemoved,
		"rulesSkipped":   res.RulesSkipped,
		"policyVersion":  res.PolicyVersion,
		"totalRules":     res.TotalRules,
		"warnings":       res.Warnings,
	}, nil
}

func (s *Server) handleRollback(sourceHint string) (map[string]any, error) {
	src := s.auditSource(sourceHint)
	s.AuditWriter.Write(audit.Entry{Event: audit.EventRollbackStarted, Source: src})
	removed, err := s.Orchestrator.RemoveAll()
	s.AuditWriter.Write(audit.FromError(audit.Entry{Event: audit.EventRollbackFinished, Source: src,
		Details: map[string]any{"filtersRemoved": removed}}, err))
	if err != nil {
		return nil, err
	}
	return map[string]any{"filtersRemoved": removed}, nil
}

func (s *Server) handleDemoBlockEnable(sourceHint string) (map[string]any, error) {
	src := s.auditSource(sourceHint)
	s.AuditWriter.Write(audit.Entry{Event: audit.EventDemoBlockEnableStarted, Source: src})
	err := s.Orchestrator.DemoBlockEnable()
	s.AuditWriter.Write(audit.FromError(audit.Entry{Event: audit.EventDemoBlockEnableFinished, Source: src}, err))
	return map[string]any{}, err
}

func (s *Server) handleDemoBlockDisable(sourceHint string) (map[string]any, error) {
	src := s.auditSource(sourceHint)
	s.AuditWriter.Write(audit.Entry{Event: audit.EventDemoBlockDisableStarted, Source: src})
	err := s.Orchestrator.DemoBlockDisable()
	s.AuditWriter.Write(audit.FromError(audit.Entry{Event: audit.EventDemoBlockDisableFinished, Source: src}, err))
	return map[string]any{}, err
}

func (s *Server) handleDemoBlockStatus() (map[string]any, error) {
	enabled, err := s.Orchestrator.DemoBlockStatus()
	if err != nil {
		return nil, err
	}
	return map[string]any{"enabled": enabled}, nil
}

func (s *Server) handleLKGShow() (map[string]any, error) {
	meta, err := s.LKG.Metadata()
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return map[string]any{"exists": false}, nil
	}
	return map[string]any{
		"exists":     true,
		"checksum":   meta.Checksum,
		"savedAt":    meta.SavedAt,
		"sourcePath": meta.SourcePath,
	}, nil
}

func (s *Server) handleLKGRevert(sourceHint string) (map[string]any, error) {
	src := s.auditSource(sourceHint)
	s.AuditWriter.Write(audit.Entry{Event: audit.EventLKGRevertStarted, Source: src})

	res := s.LKG.Load()
	if res.Status != lkg.StatusOK {
		var err error
		switch res.Status {
		case lkg.StatusNotFound:
			err = wfperrors.New(wfperrors.KindNotFound, "no last-known-good policy is stored")
		default:
			err = wfperrors.Errorf(wfperrors.KindInvalidState, "last-known-good policy is corrupt: %s", res.Reason)
		}
		s.AuditWriter.Write(audit.FromError(audit.Entry{Event: audit.EventLKGRevertFinished, Source: src}, err))
		return nil, err
	}

	v, verrs := policy.Validate([]byte(res.Record.PolicyJSON))
	if verrs.HasErrors() {
		err := wfperrors.Errorf(wfperrors.KindInvalidPolicy, "%s", verrs.Error())
		s.AuditWriter.Write(audit.FromError(audit.Entry{Event: audit.EventLKGRevertFinished, Source: src}, err))
		return nil, err
	}

	applyRes, err := s.Orchestrator.Apply(v)
	s.AuditWriter.Write(audit.FromError(audit.Entry{Event: audit.EventLKGRevertFinished, Source: src,
		Details: map[string]any{"filtersCreated": applyRes.FiltersCreated, "filtersRemoved": applyRes.FiltersRemoved}}, err))
	if err != nil {
		return nil, err
	}
	s.setCurrentPolicy(v)
	return map[string]any{
		"filtersCreated": applyRes.FiltersCreated,
		"filtersRemoved": applyRes.FiltersRemoved,
		"policyVersion":  applyRes.PolicyVersion,
	}, nil
}

func (s *Server) handleWatchSet(req Request, sourceHint string) (map[string]any, error) {
	src := s.auditSource(sourceHint)
	var path string
	_, _ = req.Field("path", &path)

	s.AuditWriter.Write(audit.Entry{Event: audit.EventWatchSetStarted, Source: src, Details: map[string]any{"policyFile": path}})
	err := s.Watcher.SetPath(path)
	s.AuditWriter.Write(audit.FromError(audit.Entry{Event: audit.EventWatchSetFinished, Source: src}, err))
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": path}, nil
}

func (s *Server) handleWatchStatus() (map[string]any, error) {
	st := s.Watcher.Status()
	return map[string]any{
		"state":         st.State,
		"path":          st.Path,
		"debounceMs":    st.DebounceMs,
		"applyCount":    st.ApplyCount,
		"errorCount":    st.ErrorCount,
		"lastApplyTime": st.LastApplyTime,
		"lastError":     st.LastError,
		"lastErrorTime": st.LastErrorTime,
	}, nil
}

func (s *Server) handleAuditLogs(req Request) (map[string]any, error) {
	var tail int
	var since int
	_, _ = req.Field("tail", &tail)
	_, _ = req.Field("since", &since)

	var entries []audit.Entry
	var err error
	switch {
	case since > 0:
		entries, err = s.AuditReader.Since(since)
	case tail > 0:
		entries, err = s.AuditReader.Tail(tail)
	default:
		entries, err = s.AuditReader.Tail(50)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}

func (s *Server) handleBlockRules() (map[string]any, error) {
	v := s.getCurrentPolicy()
	if v == nil {
		return map[string]any{"rules": []string{}}, nil
	}
	var out []map[string]any
	for _, r := range v.Policy.Rules {
		if !r.Enabled || r.Action != policy.ActionBlock {
			continue
		}
		remote := "any"
		if r.Remote != nil {
			remote = r.Remote.IP
			if r.Remote.Ports != "" {
				remote += ":" + r.Remote.Ports
			}
		}
		summary := string(r.Action) + " " + string(r.Protocol) + " " + string(r.Direction) +
			" " + remote + " (priority " + itoa(r.Priority) + ")"
		out = append(out, map[string]any{"id": r.ID, "summary": summary})
	}
	return map[string]any{"rules": out}, nil
}

func (s *Server) handleSimulate(req Request) (map[string]any, error) {
	v := s.getCurrentPolicy()
	if v == nil {
		return nil, wfperrors.New(wfperrors.KindInvalidState, "no policy is currently loaded")
	}

	var simReq orchestrator.SimulateRequest
	var direction, protocol_, remoteIP, processPath, localIP string
	var remotePort, localPort int
	_, _ = req.Field("direction", &direction)
	_, _ = req.Field("protocol", &protocol_)
	_, _ = req.Field("remoteIp", &remoteIP)
	_, _ = req.Field("remotePort", &remotePort)
	_, _ = req.Field("process", &processPath)
	_, _ = req.Field("localIp", &localIP)
	_, _ = req.Field("localPort", &localPort)

	simReq.Direction = policy.Direction(direction)
	simReq.Protocol = policy.Protocol(protocol_)
	simReq.RemoteIP = remoteIP
	simReq.RemotePort = remotePort
	simReq.ProcessPath = processPath
	simReq.LocalIP = localIP
	simReq.LocalPort = localPort

	res := orchestrator.Simulate(v, simReq)
	return map[string]any{
		"wouldAllow":    res.WouldAllow,
		"matchedRuleId": res.MatchedRuleID,
		"trace":         res.Trace,
	}, nil
}

func (s *Server) handlePolicyHistory() (map[string]any, error) {
	entries, err := s.History.List()
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}

func (s *Server) handlePolicyHistoryGet(req Request) (map[string]any, error) {
	var id string
	if ok, err := req.Field("id", &id); err != nil || !ok || id == "" {
		return nil, wfperrors.New(wfperrors.KindInvalidArgument, "id is required")
	}
	entry, raw, err := s.History.Get(id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entry": entry, "policyJson": string(raw)}, nil
}

func (s *Server) handlePolicyHistoryRevert(req Request, sourceHint string) (map[string]any, error) {
	var id string
	if ok, err := req.Field("id", &id); err != nil || !ok || id == "" {
		return nil, wfperrors.New(wfperrors.KindInvalidArgument, "id is required")
	}

	src := s.auditSource(sourceHint)
	s.AuditWriter.Write(audit.Entry{Event: audit.EventPolicyHistoryRevertStarted, Source: src, Details: map[string]any{"id": id}})

	_, raw, err := s.History.Get(id)
	if err != nil {
		s.AuditWriter.Write(audit.FromError(audit.Entry{Event: audit.EventPolicyHistoryRevertFinished, Source: src}, err))
		return nil, err
	}
	v, verrs := policy.Validate(raw)
	if verrs.HasErrors() {
		err := wfperrors.Errorf(wfperrors.KindInvalidPolicy, "%s", verrs.Error())
		s.AuditWriter.Write(audit.FromError(audit.Entry{Event: audit.EventPolicyHistoryRevertFinished, Source: src}, err))
		return nil, err
	}

	res, err := s.Orchestrator.Apply(v)
	s.AuditWriter.Write(audit.FromError(audit.Entry{Event: audit.EventPolicyHistoryRevertFinished, Source: src,
		Details: map[string]any{"filtersCreated": res.FiltersCreated, "filtersRemoved": res.FiltersRemoved}}, err))
	if err != nil {
		return nil, err
	}
	s.setCurrentPolicy(v)
	return map[string]any{"filtersCreated": res.FiltersCreated, "filtersRemoved": res.FiltersRemoved}, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
