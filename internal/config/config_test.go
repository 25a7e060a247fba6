package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadPath(filepath.Join(t.TempDir(), "openclaw.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Port != DefaultGatewayPort || cfg.Gateway.Bind != "loopback" {
		t.Fatalf("gateway defaults = %+v", cfg.Gateway)
	}
	if !cfg.HeartbeatEnabled() || !cfg.CronEnabled() {
		t.Fatal("heartbeat and cron should default on")
	}
	if cfg.MainSessionKey() != "agent:main:main" {
		t.Fatalf("main key = %q", cfg.MainSessionKey())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openclaw.json")
	body := `{
		"gateway": {"port": 9999, "bind": "all", "token": "abc"},
		"heartbeat": {"enabled": false},
		"session": {"mainKey": "agent:alt:main"}
	}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Port != 9999 || cfg.Gateway.Bind != "all" || cfg.Gateway.Token != "abc" {
		t.Fatalf("gateway = %+v", cfg.Gateway)
	}
	if cfg.HeartbeatEnabled() {
		t.Fatal("heartbeat should be disabled")
	}
	if cfg.MainSessionKey() != "agent:alt:main" {
		t.Fatalf("main key = %q", cfg.MainSessionKey())
	}
}

func TestRetentionForms(t *testing.T) {
	var r Retention
	if ms, never := r.Ms(24 * time.Hour); never || ms != 24*time.Hour.Milliseconds() {
		t.Fatalf("unset retention = %d,%v", ms, never)
	}
	if err := r.UnmarshalJSON([]byte(`"90m"`)); err != nil {
		t.Fatalf("duration form: %v", err)
	}
	if ms, never := r.Ms(time.Hour); never || ms != 90*time.Minute.Milliseconds() {
		t.Fatalf("90m retention = %d,%v", ms, never)
	}
	if err := r.UnmarshalJSON([]byte(`false`)); err != nil {
		t.Fatalf("false form: %v", err)
	}
	if _, never := r.Ms(time.Hour); !never {
		t.Fatal("false should disable reaping")
	}
	if err := r.UnmarshalJSON([]byte(`"not-a-duration"`)); err == nil {
		t.Fatal("garbage duration accepted")
	}
	if err := r.UnmarshalJSON([]byte(`42`)); err == nil {
		t.Fatal("bare number accepted")
	}
}

func TestInvalidJSONRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openclaw.json")
	if err := os.WriteFile(path, []byte("{nope"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadPath(path); err == nil {
		t.Fatal("malformed config accepted")
	}
}
