// Package config handles YAML configuration loading with environment
// variable expansion, plus the flat environment overlay the deployment
// surface documents (AUTH_TOKEN, ROUTE_PREFIX, ...).
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Limits applied to the tunable timeouts.
const (
	maxServiceTimeout = 600 * time.Second
	maxTCPKeepAlive   = 600 * time.Second
	unlimitedLogs     = 1_000_000
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Cursor    CursorConfig    `yaml:"cursor"`
	Logs      LogsConfig      `yaml:"logs"`
	Vision    VisionConfig    `yaml:"vision"`
	Proxies   []ProxyEntry    `yaml:"proxies"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Debug     bool            `yaml:"debug"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	RoutePrefix     string        `yaml:"route_prefix"` // prepended to every route
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds inbound credential settings.
type AuthConfig struct {
	AdminToken     string `yaml:"admin_token"`     // required; admin class prefix
	ShareToken     string `yaml:"share_token"`     // optional; share class
	ShareEnabled   bool   `yaml:"share_enabled"`   //
	KeyPrefix      string `yaml:"key_prefix"`      // dynamic key prefix, default "sk-"
	DynamicKeys    bool   `yaml:"dynamic_keys"`    // enable dynamic-key admission
	TokenDelimiter string `yaml:"token_delimiter"` // trailing-checksum delimiter, default ","
}

// CursorConfig holds upstream protocol settings.
type CursorConfig struct {
	UpstreamHost     string        `yaml:"upstream_host"`      // default api2.cursor.sh
	ReverseProxyHost string        `yaml:"reverse_proxy_host"` // optional relay in front of upstream
	ClientVersion    string        `yaml:"client_version"`     // x-cursor-client-version
	Timezone         string        `yaml:"timezone"`           // default x-cursor-timezone
	AllowedProviders []string      `yaml:"allowed_providers"`  // identity providers accepted at parse
	ServiceTimeout   time.Duration `yaml:"service_timeout"`    // upstream POST timeout
	TCPKeepAlive     time.Duration `yaml:"tcp_keepalive"`      //
	SafeHash         *bool         `yaml:"safe_hash"`          // SHA-256 random hashes (default true)
	BypassModels     bool          `yaml:"bypass_model_validation"`
	LongContext      bool          `yaml:"long_context"`
	RealUsage        bool          `yaml:"real_usage"` // report measured usage instead of estimates
}

// LogsConfig controls the request log ring.
// Limit 0 disables logs; values >= 1,000,000 are treated as unlimited.
type LogsConfig struct {
	Limit int `yaml:"limit"`
}

// VisionConfig controls image-part policy on inbound messages.
type VisionConfig struct {
	Policy string `yaml:"policy"` // "none", "base64", "all"
}

// ProxyEntry declares one named outbound client.
type ProxyEntry struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"` // "direct", "system", "url"
	URL     string `yaml:"url"`  // for kind "url"
	General bool   `yaml:"general"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// SafeHashEnabled resolves the SAFE_HASH tristate (default true).
func (c CursorConfig) SafeHashEnabled() bool {
	return c.SafeHash == nil || *c.SafeHash
}

// LogsDisabled reports whether request logging is off.
func (l LogsConfig) LogsDisabled() bool { return l.Limit <= 0 }

// LogsUnlimited reports whether the ring cap is disabled.
func (l LogsConfig) LogsUnlimited() bool { return l.Limit >= unlimitedLogs }

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} and ${VAR:-default} patterns with environment
// variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		name, def, hasDef := strings.Cut(expr, ":-")
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		if hasDef {
			return []byte(def)
		}
		return match
	})
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses must not be cut off
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{DSN: "cursorgate.db"},
		Auth: AuthConfig{
			KeyPrefix:      "sk-",
			TokenDelimiter: ",",
		},
		Cursor: CursorConfig{
			UpstreamHost:   "api2.cursor.sh",
			ClientVersion:  "1.0.0",
			ServiceTimeout: 30 * time.Second,
			TCPKeepAlive:   90 * time.Second,
		},
		Logs:   LogsConfig{Limit: 2000},
		Vision: VisionConfig{Policy: "base64"},
	}
}

// Load reads a YAML config file (optional), expands environment variables,
// applies the flat environment overlay, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			// Env-only deployments carry no config file.
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
			data = nil
		}
		if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the documented flat environment variables on top of the
// file values. Environment wins over file.
func (c *Config) applyEnv() {
	setString(&c.Auth.AdminToken, "AUTH_TOKEN")
	setString(&c.Auth.ShareToken, "SHARE_TOKEN")
	setString(&c.Auth.KeyPrefix, "KEY_PREFIX")
	setString(&c.Auth.TokenDelimiter, "TOKEN_DELIMITER")
	setString(&c.Server.RoutePrefix, "ROUTE_PREFIX")
	setString(&c.Cursor.ClientVersion, "CURSOR_CLIENT_VERSION")
	setString(&c.Cursor.ReverseProxyHost, "REVERSE_PROXY_HOST")
	setBool(&c.Cursor.BypassModels, "BYPASS_MODEL_VALIDATION")
	setBool(&c.Cursor.LongContext, "LONG_CONTEXT")
	setBool(&c.Cursor.RealUsage, "REAL_USAGE")
	setBool(&c.Auth.ShareEnabled, "SHARE_ENABLED")
	setBool(&c.Auth.DynamicKeys, "DYNAMIC_KEYS")
	setBool(&c.Debug, "DEBUG")

	if v, ok := os.LookupEnv("SAFE_HASH"); ok {
		b := parseBool(v)
		c.Cursor.SafeHash = &b
	}
	if v, ok := os.LookupEnv("REQUEST_LOGS_LIMIT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logs.Limit = n
		}
	}
	if v, ok := os.LookupEnv("SERVICE_TIMEOUT"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Cursor.ServiceTimeout = time.Duration(n) * time.Second
		}
	}
	if v, ok := os.LookupEnv("TCP_KEEPALIVE"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Cursor.TCPKeepAlive = time.Duration(n) * time.Second
		}
	}
	if v, ok := os.LookupEnv("ALLOWED_PROVIDERS"); ok {
		c.Cursor.AllowedProviders = splitList(v)
	}
	// GENERAL_TIMEZONE wins over TZ for the upstream timezone header.
	if v, ok := os.LookupEnv("GENERAL_TIMEZONE"); ok {
		c.Cursor.Timezone = v
	} else if v, ok := os.LookupEnv("TZ"); ok && c.Cursor.Timezone == "" {
		c.Cursor.Timezone = v
	}
}

// validate enforces required fields and caps the tunable timeouts.
func (c *Config) validate() error {
	if c.Auth.AdminToken == "" {
		return fmt.Errorf("config: AUTH_TOKEN (auth.admin_token) is required")
	}
	if c.Auth.ShareEnabled && c.Auth.ShareToken == "" {
		return fmt.Errorf("config: share_enabled requires share_token")
	}
	switch c.Vision.Policy {
	case "", "none", "base64", "all":
	default:
		return fmt.Errorf("config: unknown vision policy %q", c.Vision.Policy)
	}
	if c.Cursor.ServiceTimeout > maxServiceTimeout {
		c.Cursor.ServiceTimeout = maxServiceTimeout
	}
	if c.Cursor.TCPKeepAlive > maxTCPKeepAlive {
		c.Cursor.TCPKeepAlive = maxTCPKeepAlive
	}
	c.Server.RoutePrefix = normalizePrefix(c.Server.RoutePrefix)
	return nil
}

// normalizePrefix coerces a route prefix into "/name" form, or "".
func normalizePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

func setString(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func setBool(dst *bool, name string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = parseBool(v)
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
