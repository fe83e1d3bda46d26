// Package config loads portal-chat settings from a YAML file and the
// environment. Command-line flags are applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "PORTAL_CHAT_"

// Config is the full client configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Identity IdentityConfig `yaml:"identity"`
	Session  SessionConfig  `yaml:"session"`
	View     ViewConfig     `yaml:"view"`
	Summary  SummaryConfig  `yaml:"summary"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig describes the chat server connection.
type ServerConfig struct {
	URL            string    `yaml:"url"`
	ReconnectDelay Duration  `yaml:"reconnect_delay"`
	ReadLimit      SizeBytes `yaml:"read_limit"`
}

type IdentityConfig struct {
	DataPath string `yaml:"data_path"`
	Name     string `yaml:"name"`
}

// SessionConfig bounds the in-memory queues of a session.
type SessionConfig struct {
	OutboxSize     int `yaml:"outbox_size"`
	PendingUpdates int `yaml:"pending_updates"`
}

// ViewConfig controls the local HTTP view and its optional relay publishing.
type ViewConfig struct {
	Port      int      `yaml:"port"`
	Name      string   `yaml:"name"`
	RelayURLs []string `yaml:"relay_urls"`
	CredKey   string   `yaml:"cred_key"`
}

type SummaryConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:            "ws://localhost:8080/ws",
			ReconnectDelay: Duration(3 * time.Second),
			ReadLimit:      SizeBytes(16 << 20),
		},
		Identity: IdentityConfig{DataPath: "./.portal-chat"},
		Session:  SessionConfig{OutboxSize: 128, PendingUpdates: 256},
		View:     ViewConfig{Port: -1, Name: "portal-chat"},
		Summary:  SummaryConfig{Timeout: Duration(60 * time.Second)},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file is not an error when
// optional is true.
func Load(path string, optional bool) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from files into the process environment
// without overriding variables that are already set. Missing files are
// skipped.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg from PORTAL_CHAT_* variables and RELAY. It reports
// whether any variable was used.
func ApplyEnv(cfg *Config) (bool, error) {
	used := false
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(envPrefix + name)); v != "" {
			*dst = v
			used = true
		}
	}
	str("SERVER_URL", &cfg.Server.URL)
	str("DATA_PATH", &cfg.Identity.DataPath)
	str("NAME", &cfg.Identity.Name)
	str("SUMMARY_URL", &cfg.Summary.URL)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("CRED_KEY", &cfg.View.CredKey)

	if v := os.Getenv(envPrefix + "RECONNECT_DELAY"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return used, fmt.Errorf("%sRECONNECT_DELAY: %w", envPrefix, err)
		}
		cfg.Server.ReconnectDelay = Duration(d)
		used = true
	}
	if v := os.Getenv(envPrefix + "PORT"); v != "" {
		p, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return used, fmt.Errorf("%sPORT: %w", envPrefix, err)
		}
		cfg.View.Port = p
		used = true
	}
	for _, name := range []string{"RELAY", "RELAY_URL"} {
		if urls := splitList(os.Getenv(name)); len(urls) > 0 {
			cfg.View.RelayURLs = urls
			used = true
			break
		}
	}
	return used, nil
}

// Validate checks the settings the session cannot run without.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.url: scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.Server.ReconnectDelay <= 0 {
		return errors.New("server.reconnect_delay must be positive")
	}
	if c.Session.OutboxSize < 0 || c.Session.PendingUpdates < 0 {
		return errors.New("session limits must not be negative")
	}
	return nil
}

// SummaryURL returns the configured summary endpoint, deriving it from the
// server URL when unset.
func (c *Config) SummaryURL() string {
	if c.Summary.URL != "" {
		return c.Summary.URL
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return ""
	}
	if u.Scheme == "wss" {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	u.Path = "/api/summarize_chat"
	u.RawQuery = ""
	return u.String()
}

// SizeBytes is a byte count read from strings like "16MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration reads "3s" style strings or plain numbers of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	v, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if td, err := time.ParseDuration(raw); err == nil {
		return td, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
