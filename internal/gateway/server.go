// Package gateway is the control-plane router: a WebSocket server
// speaking the JSON frame protocol, with challenge/handshake auth,
// scope enforcement, event fan-out, and node relay.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/openclaw/clawd/internal/agent"
	"github.com/openclaw/clawd/internal/auth"
	"github.com/openclaw/clawd/internal/bus"
	"github.com/openclaw/clawd/internal/config"
	"github.com/openclaw/clawd/internal/cron"
	"github.com/openclaw/clawd/internal/heartbeat"
	"github.com/openclaw/clawd/internal/lanes"
	"github.com/openclaw/clawd/internal/protocol"
	"github.com/openclaw/clawd/internal/sessions"
	"github.com/openclaw/clawd/internal/sysevents"

	. "github.com/openclaw/clawd/internal/logging"
)

const (
	// ShutdownTimeout bounds graceful shutdown of the listeners.
	ShutdownTimeout = 10 * time.Second

	tickInterval = 30 * time.Second
)

// Deps wires the gateway to the rest of the runtime.
type Deps struct {
	Config    *config.Config
	Devices   *auth.DeviceRegistry
	Sessions  *sessions.Store
	Cron      *cron.Service
	Queue     *sysevents.Queue
	Lanes     *lanes.Dispatcher
	Heartbeat *heartbeat.Runner
	Executor  agent.Executor
	Events    *bus.Bus
	Version   string
}

// Server is the gateway WebSocket server.
type Server struct {
	deps     Deps
	cfg      *config.Config
	auth     *auth.Chain
	nodes    *NodeRegistry
	methods  map[string]methodSpec
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	conns      map[uint64]*Conn
	nextConnID uint64

	httpServers []*http.Server
	busSubs     []bus.SubscriptionID
}

// NewServer creates a gateway server.
func NewServer(deps Deps) *Server {
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	s := &Server{
		deps:  deps,
		cfg:   deps.Config,
		auth:  auth.NewChain(&deps.Config.Gateway, deps.Devices),
		nodes: NewNodeRegistry(),
		conns: make(map[uint64]*Conn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.registerMethods()
	return s
}

// Nodes returns the node registry.
func (s *Server) Nodes() *NodeRegistry { return s.nodes }

// checkOrigin admits non-browser clients (no Origin header) and
// browsers whose origin is on the allowlist. No allowlist means allow.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	L_warn("gateway: rejected origin", "origin", origin)
	return false
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// securityHeaders wraps an HTTP handler with the standard response
// headers for anything served off the gateway port.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// listenAddrs resolves the configured bind mode into listener addresses.
func (s *Server) listenAddrs() []string {
	port := s.cfg.Gateway.Port
	if port == 0 {
		port = config.DefaultGatewayPort
	}
	if s.cfg.Gateway.Bind == "all" {
		return []string{fmt.Sprintf(":%d", port)}
	}
	// Loopback binds v4 and v6 separately so either stack works.
	return []string{
		fmt.Sprintf("127.0.0.1:%d", port),
		fmt.Sprintf("[::1]:%d", port),
	}
}

// Start listens on the configured addresses and serves until ctx is
// cancelled, then shuts down gracefully within ShutdownTimeout.
func (s *Server) Start(ctx context.Context) error {
	handler := securityHeaders(s.buildMux())

	var listeners []net.Listener
	for _, addr := range s.listenAddrs() {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			// The v6 loopback may be absent; one bound listener is enough.
			if len(listeners) > 0 {
				L_warn("gateway: secondary listen failed", "addr", addr, "error", err)
				continue
			}
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("gateway listen %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
		L_info("gateway: listening", "addr", ln.Addr().String())
	}

	s.subscribeBus()

	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range listeners {
		srv := &http.Server{Handler: handler}
		s.httpServers = append(s.httpServers, srv)
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	return g.Wait()
}

func (s *Server) shutdown() {
	L_info("gateway: shutting down")
	s.broadcast(protocol.EventShutdown, nil, "")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range s.httpServers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			srv.Shutdown(shutdownCtx)
		}(srv)
	}
	wg.Wait()

	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}

	if s.deps.Events != nil {
		for _, id := range s.busSubs {
			s.deps.Events.Unsubscribe(id)
		}
	}
}

// subscribeBus forwards internal bus topics to connected operators
// holding the read scope.
func (s *Server) subscribeBus() {
	if s.deps.Events == nil {
		return
	}
	forward := func(event string) bus.EventHandler {
		return func(ev bus.Event) {
			s.broadcast(event, ev.Data, protocol.ScopeRead)
		}
	}
	s.busSubs = append(s.busSubs,
		s.deps.Events.Subscribe(bus.TopicCron, forward(protocol.EventCron)),
		s.deps.Events.Subscribe(bus.TopicStoreReset, forward(protocol.EventStoreReset)),
		s.deps.Events.Subscribe(bus.TopicHeartbeat, forward(protocol.EventHeartbeat)),
	)
}

// broadcast fans an event out to authenticated connections. An empty
// scope means every connection; otherwise the holder must have it.
func (s *Server) broadcast(event string, payload any, scope string) {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if !c.isAuthenticated() {
			continue
		}
		if scope != "" && !c.authResult().HasScope(scope) {
			continue
		}
		c.sendEvent(event, payload)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("gateway: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConn(s, ws, r)
	s.register(conn)
	defer func() {
		s.unregister(conn)
		conn.close()
	}()

	conn.run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.VersionMax)
}

func (s *Server) register(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextConnID++
	c.id = s.nextConnID
	s.conns[c.id] = c
	L_debug("gateway: connection opened", "conn", c.id, "remote", c.remoteAddr)
}

func (s *Server) unregister(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.nodes.RemoveConn(c)
	L_debug("gateway: connection closed", "conn", c.id, "remote", c.remoteAddr)
}

// ConnCount returns the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
