package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// These tests manipulate the process environment, so none of them run in
// parallel.

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	c := Default()
	if c.Server.Addr != ":8080" {
		t.Errorf("addr = %q", c.Server.Addr)
	}
	if c.Server.WriteTimeout != 0 {
		t.Error("write timeout must default to 0 so streams are not cut off")
	}
	if c.Auth.KeyPrefix != "sk-" || c.Auth.TokenDelimiter != "," {
		t.Errorf("auth defaults = %+v", c.Auth)
	}
	if c.Cursor.UpstreamHost != "api2.cursor.sh" {
		t.Errorf("upstream = %q", c.Cursor.UpstreamHost)
	}
	if !c.Cursor.SafeHashEnabled() {
		t.Error("safe hash should default on")
	}
	if c.Logs.Limit != 2000 || c.Vision.Policy != "base64" {
		t.Errorf("defaults = logs %d vision %q", c.Logs.Limit, c.Vision.Policy)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("AUTH_TOKEN", "")
	os.Unsetenv("AUTH_TOKEN")

	path := writeConfig(t, `
server:
  addr: ":9090"
  route_prefix: gw
auth:
  admin_token: secret
cursor:
  upstream_host: relay.example.com
  service_timeout: 45s
logs:
  limit: 50
vision:
  policy: all
`)
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Server.Addr != ":9090" {
		t.Errorf("addr = %q", c.Server.Addr)
	}
	if c.Server.RoutePrefix != "/gw" {
		t.Errorf("route prefix = %q, want normalized /gw", c.Server.RoutePrefix)
	}
	if c.Cursor.UpstreamHost != "relay.example.com" {
		t.Errorf("upstream = %q", c.Cursor.UpstreamHost)
	}
	if c.Cursor.ServiceTimeout != 45*time.Second {
		t.Errorf("service timeout = %v", c.Cursor.ServiceTimeout)
	}
	if c.Logs.Limit != 50 || c.Vision.Policy != "all" {
		t.Errorf("logs %d vision %q", c.Logs.Limit, c.Vision.Policy)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("GW_TOKEN", "from-env")

	path := writeConfig(t, `
auth:
  admin_token: ${GW_TOKEN}
  share_token: ${GW_MISSING:-fallback}
`)
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Auth.AdminToken != "from-env" {
		t.Errorf("admin token = %q", c.Auth.AdminToken)
	}
	if c.Auth.ShareToken != "fallback" {
		t.Errorf("share token = %q, want default fallback", c.Auth.ShareToken)
	}

	// ${VAR} with no value and no default stays literal.
	out := expandEnv([]byte("x: ${GW_ABSENT}"))
	if string(out) != "x: ${GW_ABSENT}" {
		t.Errorf("expansion = %q", out)
	}
}

func TestEnvOverlayWins(t *testing.T) {
	t.Setenv("AUTH_TOKEN", "env-token")
	t.Setenv("ROUTE_PREFIX", "/api/")
	t.Setenv("SHARE_ENABLED", "true")
	t.Setenv("SHARE_TOKEN", "shared")
	t.Setenv("REQUEST_LOGS_LIMIT", "7")
	t.Setenv("SERVICE_TIMEOUT", "900") // capped
	t.Setenv("SAFE_HASH", "false")
	t.Setenv("ALLOWED_PROVIDERS", "auth0, google ,")
	t.Setenv("GENERAL_TIMEZONE", "Asia/Tokyo")
	t.Setenv("TZ", "UTC")

	path := writeConfig(t, `
auth:
  admin_token: file-token
`)
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Auth.AdminToken != "env-token" {
		t.Errorf("admin token = %q, env must win over file", c.Auth.AdminToken)
	}
	if c.Server.RoutePrefix != "/api" {
		t.Errorf("route prefix = %q", c.Server.RoutePrefix)
	}
	if !c.Auth.ShareEnabled || c.Auth.ShareToken != "shared" {
		t.Errorf("share = %+v", c.Auth)
	}
	if c.Logs.Limit != 7 {
		t.Errorf("logs limit = %d", c.Logs.Limit)
	}
	if c.Cursor.ServiceTimeout != 600*time.Second {
		t.Errorf("service timeout = %v, want capped at 600s", c.Cursor.ServiceTimeout)
	}
	if c.Cursor.SafeHashEnabled() {
		t.Error("SAFE_HASH=false should disable safe hashing")
	}
	if len(c.Cursor.AllowedProviders) != 2 || c.Cursor.AllowedProviders[1] != "google" {
		t.Errorf("providers = %v", c.Cursor.AllowedProviders)
	}
	if c.Cursor.Timezone != "Asia/Tokyo" {
		t.Errorf("timezone = %q, GENERAL_TIMEZONE must win over TZ", c.Cursor.Timezone)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("AUTH_TOKEN", "env-only")

	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to env-only: %v", err)
	}
	if c.Auth.AdminToken != "env-only" {
		t.Errorf("admin token = %q", c.Auth.AdminToken)
	}
}

func TestValidation(t *testing.T) {
	t.Setenv("AUTH_TOKEN", "")
	os.Unsetenv("AUTH_TOKEN")

	if _, err := Load(writeConfig(t, `{}`)); err == nil ||
		!strings.Contains(err.Error(), "admin_token") {
		t.Errorf("missing admin token err = %v", err)
	}

	if _, err := Load(writeConfig(t, `
auth:
  admin_token: x
  share_enabled: true
`)); err == nil || !strings.Contains(err.Error(), "share_token") {
		t.Errorf("share without token err = %v", err)
	}

	if _, err := Load(writeConfig(t, `
auth:
  admin_token: x
vision:
  policy: sepia
`)); err == nil || !strings.Contains(err.Error(), "vision") {
		t.Errorf("bad vision policy err = %v", err)
	}
}

func TestNormalizePrefix(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"/", ""},
		{"gw", "/gw"},
		{"/gw", "/gw"},
		{"/gw/", "/gw"},
		{"a/b", "/a/b"},
	}
	for _, tc := range cases {
		if got := normalizePrefix(tc.in); got != tc.want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLogModes(t *testing.T) {
	if !(LogsConfig{Limit: 0}).LogsDisabled() || (LogsConfig{Limit: 1}).LogsDisabled() {
		t.Error("limit 0 disables, limit 1 does not")
	}
	if !(LogsConfig{Limit: 1_000_000}).LogsUnlimited() || (LogsConfig{Limit: 999_999}).LogsUnlimited() {
		t.Error("unlimited threshold is 1,000,000")
	}
}
