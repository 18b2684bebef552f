// Package config loads proxy settings from an optional YAML file, a .env file
// and the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultFile is read when no explicit config path is given. Its absence is not an error.
const DefaultFile = "config.yaml"

// EnvPrefix marks environment variables that map onto config keys, with "__"
// separating nested keys: PROXIER_UPSTREAM__BASE_URL -> upstream.base_url.
const EnvPrefix = "PROXIER_"

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Auth     AuthConfig     `koanf:"auth"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Storage  StorageConfig  `koanf:"storage"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Tracing  TracingConfig  `koanf:"tracing"`
	Log      LogConfig      `koanf:"log"`
}

type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type AuthConfig struct {
	APIKey string `koanf:"api_key"` // Shared secret clients present as a bearer token
}

type UpstreamConfig struct {
	BaseURL string        `koanf:"base_url"`
	APIKey  string        `koanf:"api_key"` // Optional; sent as Authorization: Bearer when set
	Timeout time.Duration `koanf:"timeout"` // Connect, header and idle-read bound
}

type StorageConfig struct {
	URL          string        `koanf:"url"`           // sqlite:///./x.db, postgres://..., memory://
	AutoMigrate  bool          `koanf:"auto_migrate"`  // Create request_logs at startup
	WriteTimeout time.Duration `koanf:"write_timeout"` // Bound on a single log write
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

var defaults = map[string]any{
	"server.host":           "0.0.0.0",
	"server.port":           8000,
	"upstream.timeout":      "60s",
	"storage.url":           "sqlite:///./llm_proxy.db",
	"storage.auto_migrate":  true,
	"storage.write_timeout": "5s",
	"metrics.enabled":       true,
	"metrics.path":          "/metrics",
	"tracing.enabled":       false,
	"tracing.service_name":  "llm-proxier",
	"log.level":             "info",
}

// legacyEnv maps the unprefixed variable names older deployments use.
var legacyEnv = map[string]string{
	"PROXY_API_KEY":     "auth.api_key",
	"UPSTREAM_BASE_URL": "upstream.base_url",
	"UPSTREAM_API_KEY":  "upstream.api_key",
	"DATABASE_URL":      "storage.url",
	"AUTO_MIGRATE_DB":   "storage.auto_migrate",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads configuration. Sources are applied in increasing precedence:
// defaults, YAML file, legacy environment names, PROXIER_ environment.
// An empty path means DefaultFile, which may be absent.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	k := koanf.New(".")

	for key, val := range defaults {
		k.Set(key, val)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return legacyEnv[s]
	}), nil); err != nil {
		return nil, err
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Auth.APIKey = substituteEnvVars(cfg.Auth.APIKey)
	cfg.Upstream.APIKey = substituteEnvVars(cfg.Upstream.APIKey)
	cfg.Upstream.BaseURL = substituteEnvVars(cfg.Upstream.BaseURL)
	cfg.Storage.URL = substituteEnvVars(cfg.Storage.URL)

	return &cfg, nil
}

// Validate reports the first setting that would prevent the proxy from starting.
func (c *Config) Validate() error {
	if c.Auth.APIKey == "" {
		return errors.New("auth.api_key (PROXY_API_KEY) is required")
	}
	if c.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url (UPSTREAM_BASE_URL) is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is invalid: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upstream.base_url must be an absolute http(s) URL, got %q", c.Upstream.BaseURL)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Upstream.Timeout <= 0 {
		return errors.New("upstream.timeout must be positive")
	}
	if c.Storage.URL == "" {
		return errors.New("storage.url (DATABASE_URL) is required")
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
