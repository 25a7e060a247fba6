// Package auth authenticates gateway connections. Mechanisms are
// evaluated in a fixed order (local bypass, tailscale, device, token,
// password) until one applies; scopes are enforced regardless of how a
// principal authenticated.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/openclaw/clawd/internal/config"
	"github.com/openclaw/clawd/internal/protocol"

	. "github.com/openclaw/clawd/internal/logging"
)

var (
	ErrNoCredentials = errors.New("credentials required")
	ErrAuthFailed    = errors.New("authentication failed")
	errNotApplicable = errors.New("authenticator not applicable")
)

// AuthType identifies the mechanism that authenticated a connection.
type AuthType string

const (
	AuthLocal     AuthType = "local"
	AuthTailscale AuthType = "tailscale"
	AuthDevice    AuthType = "device"
	AuthToken     AuthType = "token"
	AuthPassword  AuthType = "password"
)

// Request carries everything known about a connecting peer at
// handshake time.
type Request struct {
	RemoteAddr    string
	Host          string
	ForwardedFor  string
	TailscaleUser string // value of the tailscale identity header, if any

	Connect *protocol.ConnectParams
	Nonce   string
	NowMs   int64
}

// Result is an authenticated principal.
type Result struct {
	Type      AuthType
	Principal string
	Role      string
	Scopes    []string
}

// HasScope reports whether the principal holds the scope; admin
// satisfies everything.
func (r *Result) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope || s == protocol.ScopeAdmin {
			return true
		}
	}
	return false
}

// Authenticator verifies one mechanism. It returns errNotApplicable to
// pass evaluation to the next mechanism in the chain.
type Authenticator interface {
	AuthType() AuthType
	Authenticate(ctx context.Context, req *Request) (*Result, error)
}

// Chain evaluates authenticators in order.
type Chain struct {
	authenticators []Authenticator
}

// NewChain builds the standard mechanism chain from gateway config.
func NewChain(cfg *config.GatewayConfig, devices *DeviceRegistry) *Chain {
	c := &Chain{}
	c.authenticators = append(c.authenticators, &localBypass{trustedProxies: cfg.TrustedProxies})
	if cfg.AllowTailscale {
		c.authenticators = append(c.authenticators, &tailscaleAuth{})
	}
	if devices != nil {
		c.authenticators = append(c.authenticators, &deviceAuth{devices: devices})
	}
	if cfg.Token != "" {
		c.authenticators = append(c.authenticators, &tokenAuth{token: cfg.Token})
	}
	if cfg.PasswordHash != "" {
		c.authenticators = append(c.authenticators, &passwordAuth{hash: cfg.PasswordHash})
	}
	return c
}

// Authenticate runs the chain. The first applicable mechanism decides:
// its failure is final, not a fallthrough.
func (c *Chain) Authenticate(ctx context.Context, req *Request) (*Result, error) {
	if req.NowMs == 0 {
		req.NowMs = time.Now().UnixMilli()
	}
	for _, a := range c.authenticators {
		res, err := a.Authenticate(ctx, req)
		if errors.Is(err, errNotApplicable) {
			continue
		}
		if err != nil {
			L_warn("auth: mechanism rejected connection", "mechanism", a.AuthType(), "remote", req.RemoteAddr, "error", err)
			return nil, err
		}
		L_debug("auth: connection authenticated", "mechanism", a.AuthType(), "principal", res.Principal, "role", res.Role)
		return res, nil
	}
	return nil, ErrNoCredentials
}

func operatorScopes() []string {
	return []string{protocol.ScopeAdmin}
}

// localBypass trusts loopback peers that were not proxied: the remote
// address must be loopback, the HTTP host localhost, and no
// forwarded-for header present unless the direct peer is a configured
// trusted proxy.
type localBypass struct {
	trustedProxies []string
}

func (a *localBypass) AuthType() AuthType { return AuthLocal }

func (a *localBypass) Authenticate(ctx context.Context, req *Request) (*Result, error) {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return nil, errNotApplicable
	}

	httpHost := req.Host
	if h, _, err := net.SplitHostPort(httpHost); err == nil {
		httpHost = h
	}
	if httpHost != "localhost" && httpHost != "127.0.0.1" && httpHost != "::1" {
		return nil, errNotApplicable
	}

	if req.ForwardedFor != "" && !a.trustedProxy(host) {
		return nil, errNotApplicable
	}

	return &Result{
		Type:      AuthLocal,
		Principal: "local",
		Role:      requestedRole(req),
		Scopes:    operatorScopes(),
	}, nil
}

func (a *localBypass) trustedProxy(peer string) bool {
	for _, p := range a.trustedProxies {
		if p == peer {
			return true
		}
	}
	return false
}

// tailscaleAuth accepts identities asserted by a tailscale serve proxy.
type tailscaleAuth struct{}

func (a *tailscaleAuth) AuthType() AuthType { return AuthTailscale }

func (a *tailscaleAuth) Authenticate(ctx context.Context, req *Request) (*Result, error) {
	user := strings.TrimSpace(req.TailscaleUser)
	if user == "" {
		return nil, errNotApplicable
	}
	return &Result{
		Type:      AuthTailscale,
		Principal: user,
		Role:      protocol.RoleOperator,
		Scopes:    operatorScopes(),
	}, nil
}

// deviceAuth verifies a signed device credential against the registry.
type deviceAuth struct {
	devices *DeviceRegistry
}

func (a *deviceAuth) AuthType() AuthType { return AuthDevice }

func (a *deviceAuth) Authenticate(ctx context.Context, req *Request) (*Result, error) {
	if req.Connect == nil || req.Connect.Device == nil {
		return nil, errNotApplicable
	}
	rec, err := a.devices.Verify(req.Connect.Device, req.Nonce, req.NowMs)
	if err != nil {
		return nil, err
	}
	scopes := rec.Scopes
	if len(scopes) == 0 {
		scopes = operatorScopes()
	}
	return &Result{
		Type:      AuthDevice,
		Principal: rec.DeviceID,
		Role:      rec.Role,
		Scopes:    scopes,
	}, nil
}

// tokenAuth compares a shared token in constant time.
type tokenAuth struct {
	token string
}

func (a *tokenAuth) AuthType() AuthType { return AuthToken }

func (a *tokenAuth) Authenticate(ctx context.Context, req *Request) (*Result, error) {
	if req.Connect == nil || req.Connect.Auth.Token == "" {
		return nil, errNotApplicable
	}
	if subtle.ConstantTimeCompare([]byte(req.Connect.Auth.Token), []byte(a.token)) != 1 {
		return nil, ErrAuthFailed
	}
	return &Result{
		Type:      AuthToken,
		Principal: "token",
		Role:      requestedRole(req),
		Scopes:    operatorScopes(),
	}, nil
}

// passwordAuth verifies against the configured argon2id hash.
type passwordAuth struct {
	hash string
}

func (a *passwordAuth) AuthType() AuthType { return AuthPassword }

func (a *passwordAuth) Authenticate(ctx context.Context, req *Request) (*Result, error) {
	if req.Connect == nil || req.Connect.Auth.Password == "" {
		return nil, errNotApplicable
	}
	if !VerifyPassword(req.Connect.Auth.Password, a.hash) {
		return nil, ErrAuthFailed
	}
	return &Result{
		Type:      AuthPassword,
		Principal: "password",
		Role:      requestedRole(req),
		Scopes:    operatorScopes(),
	}, nil
}

func requestedRole(req *Request) string {
	if req.Connect != nil && req.Connect.Role == protocol.RoleNode {
		return protocol.RoleNode
	}
	return protocol.RoleOperator
}
