package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/openclaw/clawd/internal/config"
	"github.com/openclaw/clawd/internal/cron"
	"github.com/openclaw/clawd/internal/paths"
	"github.com/openclaw/clawd/internal/protocol"
	"github.com/openclaw/clawd/internal/sessions"

	. "github.com/openclaw/clawd/internal/logging"
)

// handlerFunc serves one method. The returned payload is sent on the
// final OK response; errors are mapped to wire codes via CodeOf.
type handlerFunc func(ctx context.Context, c *Conn, params json.RawMessage) (any, error)

type methodSpec struct {
	scope   protocol.ScopeClass
	handler handlerFunc

	// streaming methods get an "accepted" response before the final one.
	streaming bool
}

func (s *Server) registerMethods() {
	s.methods = map[string]methodSpec{
		protocol.MethodHealth: {protocol.ScopeClassRead, s.handleHealthMethod, false},
		protocol.MethodStatus: {protocol.ScopeClassRead, s.handleStatus, false},

		protocol.MethodSessionsList:   {protocol.ScopeClassRead, s.handleSessionsList, false},
		protocol.MethodSessionsGet:    {protocol.ScopeClassRead, s.handleSessionsGet, false},
		protocol.MethodSessionsDelete: {protocol.ScopeClassWrite, s.handleSessionsDelete, false},

		protocol.MethodCronList:   {protocol.ScopeClassRead, s.handleCronList, false},
		protocol.MethodCronAdd:    {protocol.ScopeClassWrite, s.handleCronAdd, false},
		protocol.MethodCronUpdate: {protocol.ScopeClassWrite, s.handleCronUpdate, false},
		protocol.MethodCronRemove: {protocol.ScopeClassWrite, s.handleCronRemove, false},
		protocol.MethodCronRun:    {protocol.ScopeClassWrite, s.handleCronRun, false},
		protocol.MethodCronRuns:   {protocol.ScopeClassRead, s.handleCronRuns, false},

		protocol.MethodHeartbeatNow:       {protocol.ScopeClassWrite, s.handleHeartbeatNow, false},
		protocol.MethodSystemEventEnqueue: {protocol.ScopeClassWrite, s.handleSystemEventEnqueue, false},

		protocol.MethodQueueStatus: {protocol.ScopeClassRead, s.handleQueueStatus, false},
		protocol.MethodQueueClear:  {protocol.ScopeClassWrite, s.handleQueueClear, false},

		protocol.MethodNodeList:         {protocol.ScopeClassRead, s.handleNodeList, false},
		protocol.MethodNodeInvoke:       {protocol.ScopeClassWrite, s.handleNodeInvoke, true},
		protocol.MethodNodeInvokeResult: {protocol.ScopeClassWrite, s.handleNodeInvokeResult, false},

		protocol.MethodConfigGet: {protocol.ScopeClassAdmin, s.handleConfigGet, false},
		protocol.MethodConfigSet: {protocol.ScopeClassAdmin, s.handleConfigSet, false},
	}
}

// dispatch routes an authenticated request frame to its handler,
// enforcing the node allowlist and the caller's scopes.
func (s *Server) dispatch(ctx context.Context, c *Conn, req protocol.RequestFrame) {
	spec, ok := s.methods[req.Method]
	if !ok {
		c.sendResponse(protocol.NewError(req.ID, protocol.CodeUnknownMethod, "unknown method: "+req.Method))
		return
	}

	authed := c.authResult()
	if authed.Role == protocol.RoleNode && !s.nodeMethodAllowed(req.Method) {
		c.sendResponse(protocol.NewError(req.ID, protocol.CodeUnauthorizedRole, "method not available to nodes"))
		return
	}

	required := spec.scope.RequiredScope()
	if protocol.AdminOnlyMethod(req.Method) {
		required = protocol.ScopeAdmin
	}
	if !authed.HasScope(required) {
		c.sendResponse(protocol.NewError(req.ID, protocol.CodeMissingScope, "requires scope "+required))
		return
	}

	if spec.streaming {
		c.sendResponse(protocol.NewAccepted(req.ID))
	}

	payload, err := spec.handler(ctx, c, req.Params)
	if err != nil {
		code := protocol.CodeOf(err)
		if code == protocol.CodeInternal {
			L_error("gateway: method failed", "method", req.Method, "conn", c.id, "error", err)
		}
		c.sendResponse(protocol.NewError(req.ID, code, err.Error()))
		return
	}
	c.sendResponse(protocol.NewOK(req.ID, payload))
}

func (s *Server) nodeMethodAllowed(method string) bool {
	allowed := s.cfg.Gateway.NodeMethods
	if len(allowed) == 0 {
		allowed = protocol.DefaultNodeMethods
	}
	for _, m := range allowed {
		if m == method {
			return true
		}
	}
	return false
}

func (s *Server) handleHealthMethod(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	return map[string]any{
		"status":   "ok",
		"version":  s.deps.Version,
		"protocol": protocol.VersionMax,
	}, nil
}

func (s *Server) handleStatus(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	out := map[string]any{
		"version":     s.deps.Version,
		"connections": s.ConnCount(),
		"nodes":       len(s.nodes.List()),
		"ts":          time.Now().UnixMilli(),
	}
	if s.deps.Cron != nil {
		out["cron"] = s.deps.Cron.Status()
	}
	if s.deps.Lanes != nil {
		out["lanes"] = s.deps.Lanes.Sizes()
	}
	return out, nil
}

// sessionSummary is the wire shape for sessions.list entries.
type sessionSummary struct {
	Key string `json:"key"`
	sessions.Entry
}

func (s *Server) handleSessionsList(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	if s.deps.Sessions == nil {
		return []sessionSummary{}, nil
	}
	entries, err := s.deps.Sessions.Load()
	if err != nil {
		return nil, err
	}
	out := make([]sessionSummary, 0, len(entries))
	for key, e := range entries {
		out = append(out, sessionSummary{Key: key, Entry: e})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

type sessionKeyParams struct {
	Key string `json:"key"`
}

func (s *Server) handleSessionsGet(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	var p sessionKeyParams
	if err := json.Unmarshal(params, &p); err != nil || p.Key == "" {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidRequest, "key required")
	}
	entry, ok, err := s.deps.Sessions.Get(p.Key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, protocol.NewProtocolError(protocol.CodeNotFound, "no session: "+p.Key)
	}
	return sessionSummary{Key: p.Key, Entry: entry}, nil
}

func (s *Server) handleSessionsDelete(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	var p sessionKeyParams
	if err := json.Unmarshal(params, &p); err != nil || p.Key == "" {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidRequest, "key required")
	}
	if err := s.deps.Sessions.Delete(p.Key); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": p.Key}, nil
}

func (s *Server) handleCronList(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	return map[string]any{"jobs": s.deps.Cron.ListJobs()}, nil
}

func (s *Server) handleCronAdd(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	var job cron.Job
	if err := json.Unmarshal(params, &job); err != nil {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidRequest, "invalid job: "+err.Error())
	}
	if err := s.deps.Cron.AddJob(&job); err != nil {
		return nil, err
	}
	return s.deps.Cron.GetJob(job.ID), nil
}

type cronUpdateParams struct {
	ID    string          `json:"id"`
	Patch json.RawMessage `json:"patch"`
}

func (s *Server) handleCronUpdate(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	var p cronUpdateParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" || len(p.Patch) == 0 {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidRequest, "id and patch required")
	}
	err := s.deps.Cron.UpdateJob(p.ID, func(job *cron.Job) error {
		return json.Unmarshal(p.Patch, job)
	})
	if err != nil {
		return nil, err
	}
	return s.deps.Cron.GetJob(p.ID), nil
}

type cronIDParams struct {
	ID string `json:"id"`
}

func (s *Server) handleCronRemove(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	var p cronIDParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidRequest, "id required")
	}
	if err := s.deps.Cron.RemoveJob(p.ID); err != nil {
		return nil, err
	}
	return map[string]any{"removed": p.ID}, nil
}

func (s *Server) handleCronRun(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	var p cronIDParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidRequest, "id required")
	}
	if err := s.deps.Cron.RunNow(ctx, p.ID); err != nil {
		return nil, err
	}
	return map[string]any{"started": p.ID}, nil
}

type cronRunsParams struct {
	ID    string `json:"id"`
	Limit int    `json:"limit"`
}

func (s *Server) handleCronRuns(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	var p cronRunsParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidRequest, "id required")
	}
	runs, err := s.deps.Cron.Runs(p.ID, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"runs": runs}, nil
}

type heartbeatNowParams struct {
	Reason string `json:"reason"`
}

func (s *Server) handleHeartbeatNow(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	var p heartbeatNowParams
	if len(params) > 0 {
		json.Unmarshal(params, &p)
	}
	if p.Reason == "" {
		p.Reason = "manual"
	}
	if s.deps.Heartbeat == nil {
		return nil, protocol.NewProtocolError(protocol.CodeNotFound, "heartbeat not running")
	}
	s.deps.Heartbeat.RequestNow(p.Reason, 0)
	return map[string]any{"requested": p.Reason}, nil
}

type systemEventParams struct {
	SessionKey string `json:"sessionKey"`
	Text       string `json:"text"`
}

func (s *Server) handleSystemEventEnqueue(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	var p systemEventParams
	if err := json.Unmarshal(params, &p); err != nil || p.Text == "" {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidRequest, "text required")
	}
	if p.SessionKey == "" {
		p.SessionKey = s.cfg.MainSessionKey()
	}
	s.deps.Queue.Enqueue(p.SessionKey, p.Text)
	return map[string]any{
		"sessionKey": p.SessionKey,
		"queued":     s.deps.Queue.Len(p.SessionKey),
	}, nil
}

func (s *Server) handleQueueStatus(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	if s.deps.Lanes == nil {
		return map[string]any{"lanes": map[string]int{}}, nil
	}
	return map[string]any{"lanes": s.deps.Lanes.Sizes()}, nil
}

type queueClearParams struct {
	Lane string `json:"lane"`
}

func (s *Server) handleQueueClear(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	var p queueClearParams
	if err := json.Unmarshal(params, &p); err != nil || p.Lane == "" {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidRequest, "lane required")
	}
	if s.deps.Lanes == nil {
		return map[string]any{"cleared": 0}, nil
	}
	return map[string]any{"cleared": s.deps.Lanes.ClearLane(p.Lane)}, nil
}

func (s *Server) handleNodeList(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	return map[string]any{"nodes": s.nodes.List()}, nil
}

type nodeInvokeParams struct {
	NodeID    string          `json:"nodeId"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs"`
}

func (s *Server) handleNodeInvoke(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	var p nodeInvokeParams
	if err := json.Unmarshal(params, &p); err != nil || p.NodeID == "" || p.Command == "" {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidRequest, "nodeId and command required")
	}
	return s.nodes.Invoke(ctx, p.NodeID, p.Command, p.Params, time.Duration(p.TimeoutMs)*time.Millisecond)
}

func (s *Server) handleNodeInvokeResult(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	if err := s.nodes.HandleResult(params); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleConfigGet(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	return s.cfg, nil
}

type configSetParams struct {
	Config json.RawMessage `json:"config"`
}

func (s *Server) handleConfigSet(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	var p configSetParams
	if err := json.Unmarshal(params, &p); err != nil || len(p.Config) == 0 {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidRequest, "config required")
	}
	updated := config.Default()
	if err := json.Unmarshal(p.Config, updated); err != nil {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidRequest, "invalid config: "+err.Error())
	}
	if err := config.Save(paths.ConfigPath(), updated); err != nil {
		return nil, err
	}
	*s.cfg = *updated
	L_info("gateway: configuration updated", "by", c.authResult().Principal)
	return s.cfg, nil
}
