package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/clawd/internal/auth"
	"github.com/openclaw/clawd/internal/protocol"

	. "github.com/openclaw/clawd/internal/logging"
)

// Conn is one WebSocket connection with its handshake state.
type Conn struct {
	id  uint64
	srv *Server
	ws  *websocket.Conn

	remoteAddr    string
	host          string
	forwardedFor  string
	tailscaleUser string
	origin        string

	nonce string
	seq   atomic.Uint64

	writeMu sync.Mutex

	mu     sync.RWMutex
	authed *auth.Result
	client protocol.ClientInfo

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(s *Server, ws *websocket.Conn, r *http.Request) *Conn {
	return &Conn{
		srv:           s,
		ws:            ws,
		remoteAddr:    r.RemoteAddr,
		host:          r.Host,
		forwardedFor:  r.Header.Get("X-Forwarded-For"),
		tailscaleUser: r.Header.Get("Tailscale-User-Login"),
		origin:        r.Header.Get("Origin"),
		nonce:         newNonce(),
		done:          make(chan struct{}),
	}
}

// newNonce returns 16 random bytes hex-encoded.
func newNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable for auth purposes
		panic("gateway: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

func (c *Conn) isAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authed != nil
}

func (c *Conn) authResult() *auth.Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authed
}

func (c *Conn) clientInfo() protocol.ClientInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// run drives the connection: challenge, handshake, then request
// dispatch until close.
func (c *Conn) run(ctx context.Context) {
	c.ws.SetReadLimit(protocol.MaxFrameBytes)

	c.sendEvent(protocol.EventConnectChallenge, protocol.ChallengePayload{Nonce: c.nonce})

	go c.tickLoop()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				L_debug("gateway: read error", "conn", c.id, "error", err)
			}
			return
		}

		var sniff protocol.Frame
		if err := json.Unmarshal(data, &sniff); err != nil {
			c.sendResponse(protocol.NewError("", protocol.CodeInvalidRequest, "malformed frame"))
			continue
		}
		if sniff.Type != protocol.TypeRequest {
			// Clients only send requests; anything else is dropped.
			continue
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.ID == "" || req.Method == "" {
			c.sendResponse(protocol.NewError(req.ID, protocol.CodeInvalidRequest, "malformed request frame"))
			continue
		}

		if !c.isAuthenticated() {
			if req.Method != protocol.MethodConnect {
				c.sendResponse(protocol.NewError(req.ID, protocol.CodeUnauthorized, "handshake required"))
				c.close()
				return
			}
			if !c.srv.handleConnect(ctx, c, req) {
				c.close()
				return
			}
			continue
		}

		if req.Method == protocol.MethodConnect {
			c.sendResponse(protocol.NewError(req.ID, protocol.CodeInvalidRequest, "already connected"))
			continue
		}

		c.srv.dispatch(ctx, c, req)
	}
}

// tickLoop sends the 30s keep-alive event until the connection closes.
func (c *Conn) tickLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sendEvent(protocol.EventTick, map[string]int64{"ts": time.Now().UnixMilli()})
		}
	}
}

// sendEvent writes an event frame with the next sequence number.
func (c *Conn) sendEvent(event string, payload any) {
	frame := protocol.NewEvent(event, payload, c.seq.Add(1))
	c.writeJSON(frame)
}

func (c *Conn) sendResponse(frame protocol.ResponseFrame) {
	c.writeJSON(frame)
}

func (c *Conn) writeJSON(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		L_trace("gateway: write failed", "conn", c.id, "error", err)
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}
