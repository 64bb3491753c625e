package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the a2alive server configuration, read from a2alive.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Session   SessionConfig   `yaml:"session"`
	Responder ResponderConfig `yaml:"responder"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Auth      AuthConfig      `yaml:"auth"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr      string  `yaml:"addr"`
	Path      string  `yaml:"path"`       // WebSocket endpoint
	PublicURL string  `yaml:"public_url"` // advertised in discovery; derived from addr when empty
	ReadLimit int64   `yaml:"read_limit"` // max inbound frame bytes
	Rate      float64 `yaml:"rate"`       // frames per second per connection, 0 = unlimited
	Burst     int     `yaml:"burst"`
}

type ProtocolConfig struct {
	AgentURI   string `yaml:"agent_uri"`
	Secret     string `yaml:"secret"` // HMAC shared secret; empty disables signing
	DefaultTTL int64  `yaml:"default_ttl"`
}

type SessionConfig struct {
	TTL           string `yaml:"ttl"`            // e.g. "1h"
	SweepInterval string `yaml:"sweep_interval"` // e.g. "1m"
	ReplayWait    string `yaml:"replay_wait"`    // how long a duplicate waits for its original
}

type ResponderConfig struct {
	Mode     string `yaml:"mode"`    // "openclaw" or "echo"
	Command  string `yaml:"command"` // binary for openclaw mode
	Agent    string `yaml:"agent"`
	Timeout  string `yaml:"timeout"`
	Prompt   string `yaml:"prompt,omitempty"`
	Fallback string `yaml:"fallback,omitempty"`
}

type ApprovalConfig struct {
	Pattern string `yaml:"pattern"` // regexp matched against message text
	Label   string `yaml:"label"`
}

type AuthConfig struct {
	JWTSecret       string   `yaml:"jwt_secret"` // enables the bearer gate on upgrade
	AllowInitiators []string `yaml:"allow_initiators,omitempty"`
}

type FanoutConfig struct {
	Driver   string `yaml:"driver"` // "none" or "redis"
	RedisURL string `yaml:"redis_url"`
	Channel  string `yaml:"channel"`
	NodeID   string `yaml:"node_id"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      ":8788",
			Path:      "/a2a-live",
			ReadLimit: 512 << 10,
			Rate:      50,
			Burst:     100,
		},
		Protocol: ProtocolConfig{
			AgentURI:   "agent://demo.responder/a2a-live",
			DefaultTTL: 30000,
		},
		Session: SessionConfig{
			TTL:           "1h",
			SweepInterval: "1m",
			ReplayWait:    "30s",
		},
		Responder: ResponderConfig{
			Mode:    "openclaw",
			Command: "openclaw",
			Agent:   "bridge",
			Timeout: "25s",
		},
		Approval: ApprovalConfig{
			Pattern: `(?i)세금계산서|승인`,
			Label:   "세금계산서 발행 승인",
		},
		Fanout: FanoutConfig{
			Driver:  "none",
			Channel: "a2alive:frames",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if port := getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("PORT: %q is not a number", port)
		}
		c.Server.Addr = ":" + port
	}
	if v := getenv("AGENT_URI"); v != "" {
		c.Protocol.AgentURI = v
	}
	if v := getenv("A2A_SHARED_SECRET"); v != "" {
		c.Protocol.Secret = v
	}
	if v := getenv("RESPONDER_MODE"); v != "" {
		c.Responder.Mode = v
	}
	if v := getenv("OPENCLAW_AGENT"); v != "" {
		c.Responder.Agent = v
	}
	if v := getenv("OPENCLAW_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OPENCLAW_TIMEOUT_MS: %q is not a number", v)
		}
		c.Responder.Timeout = (time.Duration(ms) * time.Millisecond).String()
	}
	if v := getenv("REDIS_URL"); v != "" {
		c.Fanout.RedisURL = v
		if c.Fanout.Driver == "none" || c.Fanout.Driver == "" {
			c.Fanout.Driver = "redis"
		}
	}
	if v := getenv("A2A_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.Path == "" || c.Server.Path[0] != '/' {
		return fmt.Errorf("server.path must start with /")
	}
	if c.Server.ReadLimit <= 0 {
		return fmt.Errorf("server.read_limit must be positive")
	}
	if c.Server.Rate < 0 {
		return fmt.Errorf("server.rate must not be negative")
	}
	if c.Protocol.AgentURI == "" {
		return fmt.Errorf("protocol.agent_uri is required")
	}
	if c.Protocol.DefaultTTL <= 0 {
		return fmt.Errorf("protocol.default_ttl must be positive")
	}
	for name, v := range map[string]string{
		"session.ttl":            c.Session.TTL,
		"session.sweep_interval": c.Session.SweepInterval,
		"session.replay_wait":    c.Session.ReplayWait,
		"responder.timeout":      c.Responder.Timeout,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Responder.Mode != "openclaw" && c.Responder.Mode != "echo" {
		return fmt.Errorf("responder.mode must be 'openclaw' or 'echo'")
	}
	if _, err := regexp.Compile(c.Approval.Pattern); err != nil {
		return fmt.Errorf("approval.pattern: %w", err)
	}
	switch c.Fanout.Driver {
	case "", "none":
	case "redis":
		if c.Fanout.RedisURL == "" {
			return fmt.Errorf("fanout.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("fanout.driver must be 'none' or 'redis'")
	}
	return nil
}

// SessionTTL returns session.ttl. Call after Validate.
func (c *Config) SessionTTL() time.Duration { return mustDuration(c.Session.TTL) }

// SweepInterval returns session.sweep_interval. Call after Validate.
func (c *Config) SweepInterval() time.Duration { return mustDuration(c.Session.SweepInterval) }

// ReplayWait returns session.replay_wait. Call after Validate.
func (c *Config) ReplayWait() time.Duration { return mustDuration(c.Session.ReplayWait) }

// ResponderTimeout returns responder.timeout. Call after Validate.
func (c *Config) ResponderTimeout() time.Duration { return mustDuration(c.Responder.Timeout) }

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// Save writes cfg as YAML to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
