package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openclaw/clawd/internal/config"
	"github.com/openclaw/clawd/internal/protocol"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !VerifyPassword("correct horse battery staple", hash) {
		t.Fatal("correct password rejected")
	}
	if VerifyPassword("wrong", hash) {
		t.Fatal("wrong password accepted")
	}
	if VerifyPassword("anything", "$argon2id$garbage") {
		t.Fatal("malformed hash accepted")
	}
	if VerifyPassword("anything", "") {
		t.Fatal("empty hash accepted")
	}
}

func newSignedDevice(t *testing.T, priv ed25519.PrivateKey, deviceID, nonce string, signedAtMs int64) *protocol.DeviceIdentity {
	t.Helper()
	dev := &protocol.DeviceIdentity{
		DeviceID:   deviceID,
		ClientID:   "cli",
		Role:       protocol.RoleOperator,
		Scopes:     []string{protocol.ScopeRead},
		SignedAtMs: signedAtMs,
		Token:      nonce,
	}
	sig := ed25519.Sign(priv, []byte(CanonicalDevicePayload(dev)))
	dev.Signature = base64.StdEncoding.EncodeToString(sig)
	return dev
}

func TestDeviceRegistryVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	path := filepath.Join(t.TempDir(), "devices.json")
	reg := NewDeviceRegistry(path)
	if err := reg.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	err = reg.Register(&DeviceRecord{
		DeviceID:  "dev-1",
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Role:      protocol.RoleOperator,
		Scopes:    []string{protocol.ScopeRead, protocol.ScopeWrite},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	now := time.Now().UnixMilli()
	nonce := "abc123"

	dev := newSignedDevice(t, priv, "dev-1", nonce, now)
	rec, err := reg.Verify(dev, nonce, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	// Role and scopes come from the registry record, not the claim.
	if len(rec.Scopes) != 2 {
		t.Fatalf("scopes = %v", rec.Scopes)
	}
	if rec.LastSeenMs == 0 {
		t.Fatal("lastSeen not recorded")
	}

	if _, err := reg.Verify(newSignedDevice(t, priv, "dev-1", "othernonce", now), nonce, now); err == nil {
		t.Fatal("nonce mismatch accepted")
	}

	stale := now - 6*time.Minute.Milliseconds()
	if _, err := reg.Verify(newSignedDevice(t, priv, "dev-1", nonce, stale), nonce, now); err == nil {
		t.Fatal("stale signature accepted")
	}

	if _, err := reg.Verify(newSignedDevice(t, priv, "dev-2", nonce, now), nonce, now); err == nil {
		t.Fatal("unknown device accepted")
	}

	tampered := newSignedDevice(t, priv, "dev-1", nonce, now)
	tampered.Role = protocol.RoleNode // payload no longer matches signature
	if _, err := reg.Verify(tampered, nonce, now); err == nil {
		t.Fatal("tampered payload accepted")
	}

	// Registry persists across reopen.
	reopened := NewDeviceRegistry(path)
	if err := reopened.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reopened.Get("dev-1") == nil {
		t.Fatal("device lost on reload")
	}
}

func chainFor(t *testing.T, cfg config.GatewayConfig, devices *DeviceRegistry) *Chain {
	t.Helper()
	return NewChain(&cfg, devices)
}

func TestLocalBypass(t *testing.T) {
	chain := chainFor(t, config.GatewayConfig{}, nil)

	res, err := chain.Authenticate(context.Background(), &Request{
		RemoteAddr: "127.0.0.1:51234",
		Host:       "localhost:18789",
		Connect:    &protocol.ConnectParams{},
	})
	if err != nil {
		t.Fatalf("loopback rejected: %v", err)
	}
	if res.Type != AuthLocal || res.Role != protocol.RoleOperator {
		t.Fatalf("result = %+v", res)
	}
	if !res.HasScope(protocol.ScopeWrite) {
		t.Fatal("local principal missing write scope")
	}

	// A forwarded request is not local even if the proxy is on loopback.
	_, err = chain.Authenticate(context.Background(), &Request{
		RemoteAddr:   "127.0.0.1:51234",
		Host:         "localhost:18789",
		ForwardedFor: "203.0.113.7",
		Connect:      &protocol.ConnectParams{},
	})
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("forwarded loopback: %v", err)
	}

	// Non-loopback peers never bypass.
	_, err = chain.Authenticate(context.Background(), &Request{
		RemoteAddr: "192.168.1.9:40000",
		Host:       "localhost:18789",
		Connect:    &protocol.ConnectParams{},
	})
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("lan peer: %v", err)
	}
}

func TestTokenAuth(t *testing.T) {
	chain := chainFor(t, config.GatewayConfig{Token: "sekrit"}, nil)

	req := &Request{
		RemoteAddr: "192.168.1.9:40000",
		Host:       "gw.example.com",
		Connect:    &protocol.ConnectParams{Auth: protocol.AuthParams{Token: "sekrit"}},
	}
	res, err := chain.Authenticate(context.Background(), req)
	if err != nil {
		t.Fatalf("token rejected: %v", err)
	}
	if res.Type != AuthToken {
		t.Fatalf("type = %s", res.Type)
	}

	req.Connect.Auth.Token = "guess"
	if _, err := chain.Authenticate(context.Background(), req); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("bad token: %v", err)
	}
}

func TestPasswordAuthMechanism(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	chain := chainFor(t, config.GatewayConfig{PasswordHash: hash}, nil)

	req := &Request{
		RemoteAddr: "192.168.1.9:40000",
		Host:       "gw.example.com",
		Connect:    &protocol.ConnectParams{Auth: protocol.AuthParams{Password: "hunter2"}},
	}
	if _, err := chain.Authenticate(context.Background(), req); err != nil {
		t.Fatalf("password rejected: %v", err)
	}

	req.Connect.Auth.Password = "hunter3"
	if _, err := chain.Authenticate(context.Background(), req); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("bad password: %v", err)
	}
}

func TestDevicePrecedesToken(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	reg := NewDeviceRegistry(filepath.Join(t.TempDir(), "devices.json"))
	if err := reg.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	err := reg.Register(&DeviceRecord{
		DeviceID:  "dev-1",
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Scopes:    []string{protocol.ScopeRead},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	chain := chainFor(t, config.GatewayConfig{Token: "sekrit"}, reg)

	now := time.Now().UnixMilli()
	dev := newSignedDevice(t, priv, "dev-1", "nonce-1", now)
	res, err := chain.Authenticate(context.Background(), &Request{
		RemoteAddr: "192.168.1.9:40000",
		Host:       "gw.example.com",
		Nonce:      "nonce-1",
		NowMs:      now,
		Connect: &protocol.ConnectParams{
			Auth:   protocol.AuthParams{Token: "sekrit"},
			Device: dev,
		},
	})
	if err != nil {
		t.Fatalf("device auth failed: %v", err)
	}
	if res.Type != AuthDevice {
		t.Fatalf("type = %s, want device before token", res.Type)
	}
	if res.HasScope(protocol.ScopeWrite) {
		t.Fatal("device granted scope beyond its registry record")
	}
}

func TestTailscaleHeaderAuth(t *testing.T) {
	chain := chainFor(t, config.GatewayConfig{AllowTailscale: true}, nil)

	res, err := chain.Authenticate(context.Background(), &Request{
		RemoteAddr:    "100.64.0.7:40000",
		Host:          "gw.ts.net",
		TailscaleUser: "amy@example.com",
		Connect:       &protocol.ConnectParams{},
	})
	if err != nil {
		t.Fatalf("tailscale rejected: %v", err)
	}
	if res.Type != AuthTailscale || res.Principal != "amy@example.com" {
		t.Fatalf("result = %+v", res)
	}

	// Header ignored when tailscale mode is off.
	off := chainFor(t, config.GatewayConfig{}, nil)
	_, err = off.Authenticate(context.Background(), &Request{
		RemoteAddr:    "100.64.0.7:40000",
		Host:          "gw.ts.net",
		TailscaleUser: "amy@example.com",
		Connect:       &protocol.ConnectParams{},
	})
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("tailscale disabled: %v", err)
	}
}
