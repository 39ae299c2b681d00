// Package config loads livesync settings from YAML, an optional .env file,
// and the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/eventdesk/livesync/internal/logging"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvBaseURL   = "LIVESYNC_BASE_URL"
	EnvToken     = "LIVESYNC_TOKEN"
	EnvTokenFile = "LIVESYNC_TOKEN_FILE"
	EnvLogLevel  = "LOG_LEVEL"
)

type Config struct {
	// BaseURL serves both REST (http[s]://host) and the channel (ws[s]://host/ws).
	BaseURL     string        `yaml:"base_url"`
	Token       string        `yaml:"token"`
	TokenFile   string        `yaml:"token_file"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat"`
	Log        logging.Config   `yaml:"log"`
	MockServer MockServerConfig `yaml:"mock_server"`
}

type ReconnectConfig struct {
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
	Factor    float64       `yaml:"factor"`
}

type HeartbeatConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type MockServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	AuthToken         string        `yaml:"auth_token"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	Seed              int64         `yaml:"seed"`
}

func defaultConfig() *Config {
	return &Config{
		BaseURL:     "http://127.0.0.1:8080",
		HTTPTimeout: 10 * time.Second,
		Reconnect: ReconnectConfig{
			BaseDelay: time.Second,
			MaxDelay:  30 * time.Second,
			Factor:    2,
		},
		Heartbeat: HeartbeatConfig{
			PingInterval: 30 * time.Second,
			PongTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: logging.DefaultConfig(),
		MockServer: MockServerConfig{
			Host:              "127.0.0.1",
			Port:              8080,
			BroadcastThrottle: 100 * time.Millisecond,
			TickInterval:      2 * time.Second,
			Seed:              1,
		},
	}
}

// Load reads path over the defaults and then applies environment
// overrides. An empty path, or a path that does not exist, yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files (default ".env")
// without overriding ones already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvBaseURL); v != "" {
		c.BaseURL = v
	}
	if v := getenv(EnvToken); v != "" {
		c.Token = v
	}
	if v := getenv(EnvTokenFile); v != "" {
		c.TokenFile = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the base URL and the reconnect policy.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url %q: %w", c.BaseURL, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("invalid base_url %q: scheme must be http, https, ws or wss", c.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid base_url %q: missing host", c.BaseURL)
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("invalid reconnect delays: base %s, max %s", c.Reconnect.BaseDelay, c.Reconnect.MaxDelay)
	}
	if c.Reconnect.Factor < 1 {
		return fmt.Errorf("invalid reconnect factor %v: must be >= 1", c.Reconnect.Factor)
	}
	return nil
}

// HTTPBaseURL returns the REST base, converting a ws(s) base if needed.
func (c *Config) HTTPBaseURL() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return c.BaseURL
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws")
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "/")
}

// WebSocketURL converts http://host[:port][/prefix] to ws://host[:port][/prefix]/ws.
func (c *Config) WebSocketURL() string {
	u, err := url.Parse(c.HTTPBaseURL())
	if err != nil {
		return c.BaseURL
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}

// MockServerAddr is host:port for the development server.
func (c *Config) MockServerAddr() string {
	return fmt.Sprintf("%s:%d", c.MockServer.Host, c.MockServer.Port)
}
