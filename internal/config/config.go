package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/agent-racer/gamehost/internal/portpool"
	"github.com/agent-racer/gamehost/internal/session"
)

const envPrefix = "GAMEHOST_"

type Config struct {
	Server      ServerConfig          `yaml:"server"`
	Auth        AuthConfig            `yaml:"auth"`
	GameServer  *GameServerConfig     `yaml:"gameServer"`
	GameSession GameSessionConfig     `yaml:"gameSession"`
	Ports       map[string]PortRange  `yaml:"ports"`
	Session     session.Configuration `yaml:"session"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" env:"PORT"`
	Host           string   `yaml:"host" env:"HOST"`
	AllowedOrigins []string `yaml:"allowedOrigins" env:"ALLOWED_ORIGINS"`
}

type AuthConfig struct {
	Secret string `yaml:"secret" env:"SECRET"`
	Issuer string `yaml:"issuer" env:"ISSUER"`
}

// GameServerConfig is optional: without it no process is launched and the
// session starts as soon as players are ready.
type GameServerConfig struct {
	Executable      string        `yaml:"executable" env:"EXECUTABLE"`
	Verbose         bool          `yaml:"verbose" env:"VERBOSE"`
	Log             bool          `yaml:"log" env:"LOG"`
	Transport       string        `yaml:"transport" env:"TRANSPORT"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`
	DummyDelay      time.Duration `yaml:"dummyDelay" env:"DUMMY_DELAY"`
	PublicURL       string        `yaml:"publicUrl" env:"PUBLIC_URL"`
}

type GameSessionConfig struct {
	UseP2P        bool `yaml:"usep2p" env:"USEP2P"`
	ReplaceActive bool `yaml:"replaceActive" env:"REPLACE_ACTIVE"`
}

type PortRange struct {
	IP  string `yaml:"ip"`
	Min int    `yaml:"min"`
	Max int    `yaml:"max"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Auth: AuthConfig{
			Issuer: "gamehost",
		},
		Ports: map[string]PortRange{
			"public1": {IP: "127.0.0.1", Min: 7777, Max: 7876},
		},
	}
}

// applyDefaults fills the gameServer fields left unset.
func (g *GameServerConfig) applyDefaults() {
	if g.Transport == "" {
		g.Transport = "public1"
	}
	if g.ShutdownTimeout <= 0 {
		g.ShutdownTimeout = 10 * time.Second
	}
	if g.DummyDelay <= 0 {
		g.DummyDelay = 5 * time.Second
	}
}

// Load reads a YAML settings file. Unknown keys are rejected. GAMEHOST_*
// environment variables override file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := defaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.GameServer != nil {
		cfg.GameServer.applyDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	parse := func(target any, section string) error {
		if err := env.ParseWithOptions(target, env.Options{Prefix: envPrefix + section}); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
		return nil
	}
	if err := parse(&cfg.Server, "SERVER_"); err != nil {
		return err
	}
	if err := parse(&cfg.Auth, "AUTH_"); err != nil {
		return err
	}
	if err := parse(&cfg.GameSession, "GAMESESSION_"); err != nil {
		return err
	}
	if cfg.GameServer == nil && os.Getenv(envPrefix+"GAMESERVER_EXECUTABLE") != "" {
		cfg.GameServer = &GameServerConfig{}
	}
	if cfg.GameServer != nil {
		if err := parse(cfg.GameServer, "GAMESERVER_"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Auth.Secret == "" {
		return errors.New("auth.secret is required")
	}
	if g := c.GameServer; g != nil && g.Executable != "" {
		if _, ok := c.Ports[g.Transport]; !ok {
			return fmt.Errorf("gameServer.transport %q has no entry in ports", g.Transport)
		}
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}
	return nil
}

// SessionOptions maps the gameServer and gameSession sections onto the
// orchestrator options.
func (c *Config) SessionOptions() session.Options {
	opts := session.Options{
		UseP2P:        c.GameSession.UseP2P,
		ReplaceActive: c.GameSession.ReplaceActive,
	}
	if g := c.GameServer; g != nil {
		opts.ServerEnabled = true
		opts.Executable = g.Executable
		opts.Verbose = g.Verbose
		opts.Log = g.Log
		opts.Transport = g.Transport
		opts.ShutdownTimeout = g.ShutdownTimeout
		opts.DummyDelay = g.DummyDelay
		opts.PublicURL = g.PublicURL
	}
	return opts
}

// PortRanges converts the ports section for portpool.New.
func (c *Config) PortRanges() map[string]portpool.Range {
	out := make(map[string]portpool.Range, len(c.Ports))
	for name, r := range c.Ports {
		out[name] = portpool.Range{IP: r.IP, Min: r.Min, Max: r.Max}
	}
	return out
}
