package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override, e.g. INVOICESYNC_SERVER__PORT.
const EnvPrefix = "INVOICESYNC_"

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

type Config struct {
	API       APIConfig       `koanf:"api"`
	Stream    StreamConfig    `koanf:"stream"`
	Auth      AuthConfig      `koanf:"auth"`
	Route     RouteConfig     `koanf:"route"`
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type APIConfig struct {
	BaseURL string `koanf:"base_url"`
}

type StreamConfig struct {
	Path       string            `koanf:"path"`
	TokenParam string            `koanf:"token_param"`
	Query      map[string]string `koanf:"query"`
}

type AuthConfig struct {
	Token      string `koanf:"token"`
	Store      string `koanf:"store"` // static, sqlite
	SQLitePath string `koanf:"sqlite_path"`
}

type RouteConfig struct {
	Visible []string `koanf:"visible"` // chi patterns the invoice feature is shown on
	Initial string   `koanf:"initial"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the YAML file at path (a missing file is fine) and applies
// INVOICESYNC_ environment overrides on top.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	setDefault(k, "api.base_url", "http://localhost:3000")
	setDefault(k, "stream.path", "/api/stream/invoices")
	setDefault(k, "stream.token_param", "token")
	setDefault(k, "auth.store", "static")
	setDefault(k, "auth.sqlite_path", "invoicesync.db")
	setDefault(k, "route.visible", []string{"/invoices", "/invoices/{id}"})
	setDefault(k, "route.initial", "/invoices")
	setDefault(k, "server.port", 8080)
	setDefault(k, "log.level", "info")
	setDefault(k, "log.format", "json")

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Auth.Token = substituteEnvVars(cfg.Auth.Token)
	cfg.API.BaseURL = substituteEnvVars(cfg.API.BaseURL)
	for key, v := range cfg.Stream.Query {
		cfg.Stream.Query[key] = substituteEnvVars(v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url cannot be empty")
	}
	if c.Stream.Path == "" {
		return fmt.Errorf("stream.path cannot be empty")
	}
	switch c.Auth.Store {
	case "static":
	case "sqlite":
		if c.Auth.SQLitePath == "" {
			return fmt.Errorf("auth.sqlite_path required for sqlite store")
		}
	default:
		return fmt.Errorf("unknown auth.store %q", c.Auth.Store)
	}
	for _, p := range c.Route.Visible {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("route pattern %q must start with /", p)
		}
	}
	return nil
}

func setDefault(k *koanf.Koanf, key string, v any) {
	if !k.Exists(key) {
		k.Set(key, v)
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
