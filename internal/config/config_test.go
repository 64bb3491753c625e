package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "AGENT_URI", "A2A_SHARED_SECRET", "RESPONDER_MODE",
		"OPENCLAW_AGENT", "OPENCLAW_TIMEOUT_MS", "REDIS_URL", "A2A_JWT_SECRET", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
	if cfg.SessionTTL() != time.Hour {
		t.Errorf("SessionTTL = %v, want 1h", cfg.SessionTTL())
	}
	if cfg.ResponderTimeout() != 25*time.Second {
		t.Errorf("ResponderTimeout = %v, want 25s", cfg.ResponderTimeout())
	}
	if cfg.Server.Path != "/a2a-live" {
		t.Errorf("Path = %q", cfg.Server.Path)
	}
}

func TestLoadFileOverDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "a2alive.yaml")
	yaml := `
server:
  addr: ":9000"
protocol:
  agent_uri: agent://test/responder
responder:
  mode: echo
fanout:
  driver: none
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Protocol.AgentURI != "agent://test/responder" {
		t.Errorf("AgentURI = %q", cfg.Protocol.AgentURI)
	}
	if cfg.Responder.Mode != "echo" {
		t.Errorf("Mode = %q", cfg.Responder.Mode)
	}
	if cfg.Server.ReadLimit != 512<<10 {
		t.Errorf("ReadLimit default lost: %d", cfg.Server.ReadLimit)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"PORT":                "9999",
		"AGENT_URI":           "agent://env/responder",
		"A2A_SHARED_SECRET":   "shh",
		"RESPONDER_MODE":      "echo",
		"OPENCLAW_AGENT":      "main",
		"OPENCLAW_TIMEOUT_MS": "1500",
		"REDIS_URL":           "redis://localhost:6379/0",
		"A2A_JWT_SECRET":      "jwt",
		"LOG_LEVEL":           "debug",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Protocol.Secret != "shh" || cfg.Protocol.AgentURI != "agent://env/responder" {
		t.Errorf("protocol = %+v", cfg.Protocol)
	}
	if cfg.Responder.Agent != "main" || cfg.Responder.Mode != "echo" {
		t.Errorf("responder = %+v", cfg.Responder)
	}
	if cfg.Fanout.Driver != "redis" {
		t.Errorf("REDIS_URL did not select the redis driver: %q", cfg.Fanout.Driver)
	}
	if cfg.Auth.JWTSecret != "jwt" || cfg.Logging.Level != "debug" {
		t.Error("auth/logging overrides not applied")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.ResponderTimeout() != 1500*time.Millisecond {
		t.Errorf("ResponderTimeout = %v", cfg.ResponderTimeout())
	}
}

func TestApplyEnvBadNumbers(t *testing.T) {
	for _, key := range []string{"PORT", "OPENCLAW_TIMEOUT_MS"} {
		err := Default().ApplyEnv(env(map[string]string{key: "abc"}))
		if err == nil || !strings.Contains(err.Error(), key) {
			t.Errorf("%s=abc: err = %v", key, err)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"relative path", func(c *Config) { c.Server.Path = "a2a-live" }, "server.path"},
		{"no agent", func(c *Config) { c.Protocol.AgentURI = "" }, "protocol.agent_uri"},
		{"bad ttl", func(c *Config) { c.Session.TTL = "soon" }, "session.ttl"},
		{"zero timeout", func(c *Config) { c.Responder.Timeout = "0s" }, "responder.timeout"},
		{"bad mode", func(c *Config) { c.Responder.Mode = "gpt" }, "responder.mode"},
		{"bad pattern", func(c *Config) { c.Approval.Pattern = "(" }, "approval.pattern"},
		{"redis without url", func(c *Config) { c.Fanout.Driver = "redis" }, "fanout.redis_url"},
		{"unknown driver", func(c *Config) { c.Fanout.Driver = "kafka" }, "fanout.driver"},
		{"in-process driver", func(c *Config) { c.Fanout.Driver = "memory" }, "fanout.driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "a2alive.yaml")
	cfg := Default()
	cfg.Auth.AllowInitiators = []string{"agent://a", "agent://b"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Auth.AllowInitiators) != 2 || got.Approval.Pattern != cfg.Approval.Pattern {
		t.Errorf("round trip lost fields: %+v", got.Auth)
	}
}
