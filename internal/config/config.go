package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Backend  BackendConfig `yaml:"backend"`
	Poll     PollConfig    `yaml:"poll"`
	LogLevel string        `yaml:"log_level"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AuthToken guards /ws and the REST endpoints. Empty disables auth.
	AuthToken string `yaml:"auth_token"`
	// AllowedOrigins is an origin allowlist for the websocket upgrade.
	// Empty falls back to same-host plus loopback.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// MaxClients caps concurrent websocket clients. Zero means unlimited.
	MaxClients int `yaml:"max_clients"`
}

type BackendConfig struct {
	// Mode selects the upstream: "local" (in-process pty consoles),
	// "rpc" (remote backend daemon), or "demo" (synthetic churn).
	Mode string `yaml:"mode"`
	// Addr is the backend daemon address, rpc mode only.
	Addr string `yaml:"addr"`
	// Shell is the program local consoles run. Empty means $SHELL,
	// then /bin/sh.
	Shell string `yaml:"shell"`
	// AttachAddr, when set, starts a listener whose accepted
	// connections become sessions in the roster. An address
	// containing a slash is a unix socket path. Local mode only.
	AttachAddr string `yaml:"attach_addr"`
}

type PollConfig struct {
	ConsoleBusy   time.Duration `yaml:"console_busy"`
	ConsoleIdle   time.Duration `yaml:"console_idle"`
	Session       time.Duration `yaml:"session"`
	RosterTick    time.Duration `yaml:"roster_tick"`
	RosterBackoff time.Duration `yaml:"roster_backoff"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Backend: BackendConfig{
			Mode: "local",
			Addr: "127.0.0.1:9199",
		},
		Poll: PollConfig{
			ConsoleBusy:   50 * time.Millisecond,
			ConsoleIdle:   250 * time.Millisecond,
			Session:       150 * time.Millisecond,
			RosterTick:    2 * time.Second,
			RosterBackoff: 5 * time.Second,
		},
		LogLevel: "INFO",
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()

	return cfg, nil
}

// LoadOrDefault behaves like Load but treats a missing file as an
// empty one, returning the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg = defaultConfig()
		cfg.normalize()
		return cfg, nil
	}
	return cfg, err
}

// normalize repairs values that would break the polling contract:
// non-positive intervals revert to defaults, the idle console interval
// stays at least double the busy one, and the roster backoff stays at
// least double the roster tick.
func (c *Config) normalize() {
	def := defaultConfig()

	if c.Poll.ConsoleBusy <= 0 {
		c.Poll.ConsoleBusy = def.Poll.ConsoleBusy
	}
	if c.Poll.ConsoleIdle <= 0 {
		c.Poll.ConsoleIdle = def.Poll.ConsoleIdle
	}
	if c.Poll.ConsoleIdle < 2*c.Poll.ConsoleBusy {
		c.Poll.ConsoleIdle = 2 * c.Poll.ConsoleBusy
	}
	if c.Poll.Session <= 0 {
		c.Poll.Session = def.Poll.Session
	}
	if c.Poll.RosterTick <= 0 {
		c.Poll.RosterTick = def.Poll.RosterTick
	}
	if c.Poll.RosterBackoff < 2*c.Poll.RosterTick {
		c.Poll.RosterBackoff = 2 * c.Poll.RosterTick
	}
	if c.Server.MaxClients < 0 {
		c.Server.MaxClients = 0
	}
	if c.Backend.Mode == "" {
		c.Backend.Mode = def.Backend.Mode
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

// Validate rejects values Load cannot repair.
func (c *Config) Validate() error {
	switch c.Backend.Mode {
	case "local", "rpc", "demo":
	default:
		return fmt.Errorf("unknown backend mode %q", c.Backend.Mode)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Backend.Mode == "rpc" && c.Backend.Addr == "" {
		return fmt.Errorf("backend mode rpc requires backend.addr")
	}
	return nil
}

// GenerateToken returns a fresh random auth token.
func GenerateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
