package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/url"

	"github.com/openclaw/clawd/internal/auth"
	"github.com/openclaw/clawd/internal/protocol"

	. "github.com/openclaw/clawd/internal/logging"
)

// handleConnect performs the handshake on the first request frame.
// Returns false when the connection must close.
func (s *Server) handleConnect(ctx context.Context, c *Conn, req protocol.RequestFrame) bool {
	var params protocol.ConnectParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.sendResponse(protocol.NewError(req.ID, protocol.CodeInvalidRequest, "malformed connect params"))
		return false
	}

	version, ok := negotiateVersion(params.MinProtocol, params.MaxProtocol)
	if !ok {
		c.sendResponse(protocol.NewError(req.ID, protocol.CodeProtocolVersion, "no common protocol version"))
		return false
	}

	// Browser clients must come from an allowed origin.
	if params.Client.Platform == "web" && !s.webOriginAllowed(c.origin) {
		L_warn("gateway: web client origin rejected", "origin", c.origin, "remote", c.remoteAddr)
		c.sendResponse(protocol.NewError(req.ID, protocol.CodeUnauthorized, "origin not allowed"))
		return false
	}

	result, err := s.auth.Authenticate(ctx, &auth.Request{
		RemoteAddr:    c.remoteAddr,
		Host:          c.host,
		ForwardedFor:  c.forwardedFor,
		TailscaleUser: c.tailscaleUser,
		Connect:       &params,
		Nonce:         c.nonce,
	})
	if err != nil {
		c.sendResponse(protocol.NewError(req.ID, protocol.CodeUnauthorized, "authentication failed"))
		return false
	}

	c.mu.Lock()
	c.authed = result
	c.client = params.Client
	c.mu.Unlock()

	if result.Role == protocol.RoleNode {
		s.nodes.Register(c, params.Client, params.Commands)
	}

	c.sendResponse(protocol.NewOK(req.ID, protocol.HelloOK{
		Event:           "hello-ok",
		ProtocolVersion: version,
		ServerVersion:   s.deps.Version,
		Capabilities:    serverCapabilities,
	}))

	L_info("gateway: client connected",
		"conn", c.id,
		"client", params.Client.ID,
		"platform", params.Client.Platform,
		"role", result.Role,
		"auth", string(result.Type))
	return true
}

var serverCapabilities = []string{"cron", "sessions", "heartbeat", "system-events", "nodes"}

// negotiateVersion picks the highest version both sides support.
func negotiateVersion(clientMin, clientMax int) (int, bool) {
	if clientMin == 0 {
		clientMin = protocol.VersionMin
	}
	if clientMax == 0 {
		clientMax = protocol.VersionMax
	}
	low := clientMin
	if protocol.VersionMin > low {
		low = protocol.VersionMin
	}
	high := clientMax
	if protocol.VersionMax < high {
		high = protocol.VersionMax
	}
	if low > high {
		return 0, false
	}
	return high, true
}

// webOriginAllowed enforces the origin allowlist for platform:web
// clients. With no allowlist configured only loopback origins pass.
func (s *Server) webOriginAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return isLoopbackOrigin(origin)
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	return false
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
