package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/clawd/internal/auth"
	"github.com/openclaw/clawd/internal/config"
	"github.com/openclaw/clawd/internal/protocol"
	"github.com/openclaw/clawd/internal/sessions"
	"github.com/openclaw/clawd/internal/sysevents"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	store := sessions.NewStore(filepath.Join(t.TempDir(), "sessions.json"), nil)
	return NewServer(Deps{
		Config:   cfg,
		Sessions: store,
		Queue:    sysevents.New(),
		Version:  "test",
	})
}

func TestNegotiateVersion(t *testing.T) {
	cases := []struct {
		min, max int
		want     int
		ok       bool
	}{
		{0, 0, protocol.VersionMax, true},
		{1, 1, 1, true},
		{1, 99, protocol.VersionMax, true},
		{protocol.VersionMax + 1, protocol.VersionMax + 5, 0, false},
	}
	for _, tc := range cases {
		got, ok := negotiateVersion(tc.min, tc.max)
		if ok != tc.ok || got != tc.want {
			t.Errorf("negotiate(%d,%d) = %d,%v; want %d,%v", tc.min, tc.max, got, ok, tc.want, tc.ok)
		}
	}
}

func TestWebOriginAllowed(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"empty origin denied", nil, "", false},
		{"loopback default", nil, "http://localhost:3000", true},
		{"loopback ip default", nil, "http://127.0.0.1:3000", true},
		{"remote denied by default", nil, "https://evil.example.com", false},
		{"allowlist exact", []string{"https://app.example.com"}, "https://app.example.com", true},
		{"allowlist miss", []string{"https://app.example.com"}, "https://other.example.com", false},
		{"wildcard", []string{"*"}, "https://anything.example.com", true},
	}
	for _, tc := range cases {
		s := newTestServer(t, func(c *config.Config) { c.Gateway.AllowedOrigins = tc.allowed })
		if got := s.webOriginAllowed(tc.origin); got != tc.want {
			t.Errorf("%s: webOriginAllowed(%q) = %v, want %v", tc.name, tc.origin, got, tc.want)
		}
	}
}

func TestNodeMethodAllowlist(t *testing.T) {
	s := newTestServer(t, nil)
	if !s.nodeMethodAllowed(protocol.MethodNodeInvokeResult) {
		t.Fatal("node.invoke.result should be allowed by default")
	}
	if s.nodeMethodAllowed(protocol.MethodCronAdd) {
		t.Fatal("cron.add should not be available to nodes")
	}

	custom := newTestServer(t, func(c *config.Config) {
		c.Gateway.NodeMethods = []string{protocol.MethodStatus}
	})
	if custom.nodeMethodAllowed(protocol.MethodNodeInvokeResult) {
		t.Fatal("custom allowlist should replace the default")
	}
	if !custom.nodeMethodAllowed(protocol.MethodStatus) {
		t.Fatal("custom allowlist entry rejected")
	}
}

func TestListenAddrs(t *testing.T) {
	s := newTestServer(t, nil)
	addrs := s.listenAddrs()
	if len(addrs) != 2 || !strings.HasPrefix(addrs[0], "127.0.0.1:") {
		t.Fatalf("loopback addrs = %v", addrs)
	}

	all := newTestServer(t, func(c *config.Config) { c.Gateway.Bind = "all" })
	addrs = all.listenAddrs()
	if len(addrs) != 1 || !strings.HasPrefix(addrs[0], ":") {
		t.Fatalf("bind-all addrs = %v", addrs)
	}
}

// newWSPair upgrades one WebSocket over an httptest server and returns
// both ends.
func newWSPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverCh := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverCh <- ws
	}))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	cli, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { cli.Close() })

	srv := <-serverCh
	t.Cleanup(func() { srv.Close() })
	return srv, cli
}

func readResponse(t *testing.T, ws *websocket.Conn) protocol.ResponseFrame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var res protocol.ResponseFrame
	if err := ws.ReadJSON(&res); err != nil {
		t.Fatalf("read response: %v", err)
	}
	return res
}

func connWithScopes(s *Server, ws *websocket.Conn, role string, scopes ...string) *Conn {
	return &Conn{
		srv:    s,
		ws:     ws,
		nonce:  newNonce(),
		done:   make(chan struct{}),
		authed: &auth.Result{Type: auth.AuthToken, Role: role, Scopes: scopes},
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	s := newTestServer(t, nil)
	srvWS, cliWS := newWSPair(t)
	c := connWithScopes(s, srvWS, protocol.RoleOperator, protocol.ScopeAdmin)

	s.dispatch(context.Background(), c, protocol.NewRequest("r1", "no.such.method", nil))
	res := readResponse(t, cliWS)
	if res.OK || res.Error == nil || res.Error.Code != protocol.CodeUnknownMethod {
		t.Fatalf("response = %+v", res)
	}
}

func TestDispatchScopeEnforcement(t *testing.T) {
	s := newTestServer(t, nil)
	srvWS, cliWS := newWSPair(t)
	c := connWithScopes(s, srvWS, protocol.RoleOperator, protocol.ScopeRead)

	// Read scope can list sessions.
	s.dispatch(context.Background(), c, protocol.NewRequest("r1", protocol.MethodSessionsList, nil))
	if res := readResponse(t, cliWS); !res.OK {
		t.Fatalf("sessions.list with read scope failed: %+v", res.Error)
	}

	// Write method rejected without write scope.
	params, _ := json.Marshal(map[string]string{"key": "agent:main:main"})
	s.dispatch(context.Background(), c, protocol.NewRequest("r2", protocol.MethodSessionsDelete, params))
	res := readResponse(t, cliWS)
	if res.OK || res.Error.Code != protocol.CodeMissingScope {
		t.Fatalf("delete without write scope: %+v", res)
	}

	// config.* requires admin even for a write-scoped caller.
	writer := connWithScopes(s, srvWS, protocol.RoleOperator, protocol.ScopeRead, protocol.ScopeWrite)
	s.dispatch(context.Background(), writer, protocol.NewRequest("r3", protocol.MethodConfigGet, nil))
	res = readResponse(t, cliWS)
	if res.OK || res.Error.Code != protocol.CodeMissingScope {
		t.Fatalf("config.get without admin: %+v", res)
	}

	// Admin satisfies everything.
	admin := connWithScopes(s, srvWS, protocol.RoleOperator, protocol.ScopeAdmin)
	s.dispatch(context.Background(), admin, protocol.NewRequest("r4", protocol.MethodConfigGet, nil))
	if res := readResponse(t, cliWS); !res.OK {
		t.Fatalf("config.get with admin failed: %+v", res.Error)
	}
}

func TestDispatchNodeRoleRestricted(t *testing.T) {
	s := newTestServer(t, nil)
	srvWS, cliWS := newWSPair(t)
	node := connWithScopes(s, srvWS, protocol.RoleNode, protocol.ScopeAdmin)

	s.dispatch(context.Background(), node, protocol.NewRequest("r1", protocol.MethodSessionsList, nil))
	res := readResponse(t, cliWS)
	if res.OK || res.Error.Code != protocol.CodeUnauthorizedRole {
		t.Fatalf("node calling sessions.list: %+v", res)
	}

	s.dispatch(context.Background(), node, protocol.NewRequest("r2", protocol.MethodHealth, nil))
	if res := readResponse(t, cliWS); !res.OK {
		t.Fatalf("node calling health failed: %+v", res.Error)
	}
}

func TestSystemEventEnqueueDefaultsToMain(t *testing.T) {
	s := newTestServer(t, nil)
	srvWS, cliWS := newWSPair(t)
	c := connWithScopes(s, srvWS, protocol.RoleOperator, protocol.ScopeAdmin)

	params, _ := json.Marshal(map[string]string{"text": "battery low"})
	s.dispatch(context.Background(), c, protocol.NewRequest("r1", protocol.MethodSystemEventEnqueue, params))
	if res := readResponse(t, cliWS); !res.OK {
		t.Fatalf("enqueue failed: %+v", res.Error)
	}
	if got := s.deps.Queue.Peek(s.cfg.MainSessionKey()); len(got) != 1 || got[0] != "battery low" {
		t.Fatalf("queued = %v", got)
	}
}

func dialGateway(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(securityHeaders(s.buildMux()))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	cli, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { cli.Close() })
	return cli
}

func readEvent(t *testing.T, ws *websocket.Conn) protocol.EventFrame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev protocol.EventFrame
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestHandshakeFlow(t *testing.T) {
	s := newTestServer(t, nil)
	cli := dialGateway(t, s)

	// First frame is the challenge with seq 1.
	ev := readEvent(t, cli)
	if ev.Event != protocol.EventConnectChallenge || ev.Seq != 1 {
		t.Fatalf("challenge = %+v", ev)
	}
	payload, _ := json.Marshal(ev.Payload)
	var challenge protocol.ChallengePayload
	json.Unmarshal(payload, &challenge)
	if challenge.Nonce == "" {
		t.Fatal("challenge missing nonce")
	}

	// Requests before connect are rejected and the socket closes.
	if err := cli.WriteJSON(protocol.NewRequest("r0", protocol.MethodHealth, nil)); err != nil {
		t.Fatalf("write: %v", err)
	}
	res := readResponse(t, cli)
	if res.OK || res.Error.Code != protocol.CodeUnauthorized {
		t.Fatalf("pre-handshake request: %+v", res)
	}
}

func TestHandshakeAndRequestRoundTrip(t *testing.T) {
	s := newTestServer(t, nil)
	cli := dialGateway(t, s)

	readEvent(t, cli) // challenge

	params, _ := json.Marshal(protocol.ConnectParams{
		MinProtocol: 1,
		MaxProtocol: 1,
		Client:      protocol.ClientInfo{ID: "test-cli", Platform: "cli"},
	})
	if err := cli.WriteJSON(protocol.NewRequest("c1", protocol.MethodConnect, params)); err != nil {
		t.Fatalf("write connect: %v", err)
	}

	// Loopback peer authenticates via the local bypass.
	res := readResponse(t, cli)
	if !res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}
	raw, _ := json.Marshal(res.Payload)
	var hello protocol.HelloOK
	json.Unmarshal(raw, &hello)
	if hello.Event != "hello-ok" || hello.ProtocolVersion != 1 {
		t.Fatalf("hello = %+v", hello)
	}

	if err := cli.WriteJSON(protocol.NewRequest("h1", protocol.MethodHealth, nil)); err != nil {
		t.Fatalf("write health: %v", err)
	}
	if res := readResponse(t, cli); !res.OK || res.ID != "h1" {
		t.Fatalf("health = %+v", res)
	}

	// Connecting twice is an error but keeps the connection open.
	cli.WriteJSON(protocol.NewRequest("c2", protocol.MethodConnect, params))
	res = readResponse(t, cli)
	if res.OK || res.Error.Code != protocol.CodeInvalidRequest {
		t.Fatalf("second connect: %+v", res)
	}
}

func TestHandshakeVersionMismatch(t *testing.T) {
	s := newTestServer(t, nil)
	cli := dialGateway(t, s)
	readEvent(t, cli)

	params, _ := json.Marshal(protocol.ConnectParams{
		MinProtocol: protocol.VersionMax + 1,
		MaxProtocol: protocol.VersionMax + 2,
		Client:      protocol.ClientInfo{ID: "future-cli"},
	})
	cli.WriteJSON(protocol.NewRequest("c1", protocol.MethodConnect, params))
	res := readResponse(t, cli)
	if res.OK || res.Error.Code != protocol.CodeProtocolVersion {
		t.Fatalf("version mismatch: %+v", res)
	}
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t, nil)
	ts := httptest.NewServer(securityHeaders(s.buildMux()))
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q", got)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
}
