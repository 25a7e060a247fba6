package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/clawd/internal/protocol"

	. "github.com/openclaw/clawd/internal/logging"
)

// NodeInvokeTimeoutCap bounds how long an operator may wait on a node.
const NodeInvokeTimeoutCap = 30 * time.Second

// NodeInfo describes a registered node for node.list.
type NodeInfo struct {
	NodeID      string   `json:"nodeId"`
	DisplayName string   `json:"displayName,omitempty"`
	Platform    string   `json:"platform,omitempty"`
	Version     string   `json:"version,omitempty"`
	Commands    []string `json:"commands,omitempty"`
	ConnectedMs int64    `json:"connectedMs"`
}

type nodeSession struct {
	conn     *Conn
	info     NodeInfo
	commands []string
}

// pendingInvoke tracks one in-flight invocation and the connection
// that must answer it, so a disconnect can fail it immediately.
type pendingInvoke struct {
	ch   chan *protocol.ResponseFrame
	conn *Conn
}

// NodeRegistry tracks node-role connections and relays invocations.
type NodeRegistry struct {
	mu      sync.Mutex
	nodes   map[string]*nodeSession // nodeID -> session
	pending map[string]*pendingInvoke
}

// NewNodeRegistry creates an empty registry.
func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{
		nodes:   make(map[string]*nodeSession),
		pending: make(map[string]*pendingInvoke),
	}
}

// Register adds a node connection. A reconnecting node replaces its
// previous session.
func (r *NodeRegistry) Register(c *Conn, client protocol.ClientInfo, commands []string) {
	nodeID := client.ID
	if nodeID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[nodeID] = &nodeSession{
		conn: c,
		info: NodeInfo{
			NodeID:      nodeID,
			DisplayName: client.DisplayName,
			Platform:    client.Platform,
			Version:     client.Version,
			Commands:    commands,
			ConnectedMs: time.Now().UnixMilli(),
		},
		commands: commands,
	}
	L_info("gateway: node registered", "node", nodeID, "commands", len(commands))
}

// RemoveConn drops any node registered on the given connection and
// fails its in-flight invocations, so waiting operators hear about
// the disconnect instead of riding out their timeout.
func (r *NodeRegistry) RemoveConn(c *Conn) {
	r.mu.Lock()
	for id, n := range r.nodes {
		if n.conn == c {
			delete(r.nodes, id)
			L_info("gateway: node unregistered", "node", id)
		}
	}
	var orphaned []*pendingInvoke
	for id, p := range r.pending {
		if p.conn == c {
			delete(r.pending, id)
			orphaned = append(orphaned, p)
		}
	}
	r.mu.Unlock()

	for _, p := range orphaned {
		p.ch <- &protocol.ResponseFrame{
			Type: protocol.TypeResponse,
			OK:   false,
			Error: &protocol.ErrorInfo{
				Code:    protocol.CodeNotFound,
				Message: "node disconnected before answering",
			},
		}
	}
}

// List returns all registered nodes.
func (r *NodeRegistry) List() []NodeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.info)
	}
	return out
}

// Invoke relays a command to a node and waits for its result. The id
// on the wire is freshly generated; the node answers with a
// node.invoke.result request carrying that id.
func (r *NodeRegistry) Invoke(ctx context.Context, nodeID, command string, params json.RawMessage, timeout time.Duration) (any, error) {
	if timeout <= 0 || timeout > NodeInvokeTimeoutCap {
		timeout = NodeInvokeTimeoutCap
	}

	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return nil, protocol.NewProtocolError(protocol.CodeNotFound, "node not connected: "+nodeID)
	}
	invokeID := uuid.New().String()
	resultCh := make(chan *protocol.ResponseFrame, 1)
	r.pending[invokeID] = &pendingInvoke{ch: resultCh, conn: node.conn}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, invokeID)
		r.mu.Unlock()
	}()

	node.conn.sendEvent(protocol.EventNodeInvokeRequest, map[string]any{
		"id":      invokeID,
		"nodeId":  nodeID,
		"command": command,
		"params":  params,
	})

	select {
	case res := <-resultCh:
		if !res.OK {
			code := protocol.CodeInternal
			msg := "node invocation failed"
			if res.Error != nil {
				code, msg = res.Error.Code, res.Error.Message
			}
			return nil, protocol.NewProtocolError(code, msg)
		}
		return res.Payload, nil
	case <-time.After(timeout):
		return nil, protocol.NewProtocolError(protocol.CodeTimeout, "node did not answer in time")
	case <-ctx.Done():
		return nil, protocol.NewProtocolError(protocol.CodeTimeout, "node invocation cancelled")
	}
}

// nodeInvokeResult is the body a node sends back for an invocation.
type nodeInvokeResult struct {
	ID      string              `json:"id"`
	OK      bool                `json:"ok"`
	Payload json.RawMessage     `json:"payload,omitempty"`
	Error   *protocol.ErrorInfo `json:"error,omitempty"`
}

// HandleResult matches a node.invoke.result request to its waiting
// invocation. Unmatched results are dropped (the operator timed out).
func (r *NodeRegistry) HandleResult(params json.RawMessage) error {
	var res nodeInvokeResult
	if err := json.Unmarshal(params, &res); err != nil || res.ID == "" {
		return protocol.NewProtocolError(protocol.CodeInvalidRequest, "malformed node result")
	}

	r.mu.Lock()
	p, ok := r.pending[res.ID]
	if ok {
		delete(r.pending, res.ID)
	}
	r.mu.Unlock()

	if !ok {
		L_debug("gateway: dropping unmatched node result", "id", res.ID)
		return nil
	}

	var payload any
	if len(res.Payload) > 0 {
		json.Unmarshal(res.Payload, &payload)
	}
	p.ch <- &protocol.ResponseFrame{
		Type:    protocol.TypeResponse,
		ID:      res.ID,
		OK:      res.OK,
		Payload: payload,
		Error:   res.Error,
	}
	return nil
}
