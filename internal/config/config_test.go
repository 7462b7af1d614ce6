package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimal = `
server:
  socket_url: wss://queue.example.com/ws
  api_url: https://queue.example.com/v1
subscription:
  tenant_id: t1
`

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", minimal))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"reconnect.base", cfg.Reconnect.Base, time.Second},
		{"reconnect.max_delay", cfg.Reconnect.MaxDelay, 30 * time.Second},
		{"reconnect.max_attempts", cfg.Reconnect.MaxAttempts, 5},
		{"reconnect.heartbeat_interval", cfg.Reconnect.HeartbeatInterval, 25 * time.Second},
		{"dispatch.lane_buffer", cfg.Dispatch.LaneBuffer, 1024},
		{"refetch.schedule", cfg.Refetch.Schedule, "@every 30s"},
		{"refetch.page_size", cfg.Refetch.PageSize, 100},
		{"counters.stale_after", cfg.Counters.StaleAfter, 60 * time.Second},
		{"logging.level", cfg.Logging.Level, "info"},
		{"logging.format", cfg.Logging.Format, "json"},
		{"metrics.path", cfg.Metrics.Path, "/metrics"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoadParsesDurationsAndExpandsEnv(t *testing.T) {
	t.Setenv("QUEUESYNC_TEST_TOKEN", "s3cret")
	path := writeConfig(t, "config.yaml", `
server:
  socket_url: wss://queue.example.com/ws
  token: ${QUEUESYNC_TEST_TOKEN}
subscription:
  tenant_id: t1
  user_id: u1
reconnect:
  base: 500ms
  max_delay: 8s
  max_attempts: 4
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Token != "s3cret" {
		t.Errorf("token = %q, want expanded env", cfg.Server.Token)
	}
	if cfg.Reconnect.Base != 500*time.Millisecond || cfg.Reconnect.MaxDelay != 8*time.Second || cfg.Reconnect.MaxAttempts != 4 {
		t.Errorf("reconnect = %+v", cfg.Reconnect)
	}
	if cfg.Subscription.UserID != "u1" {
		t.Errorf("user_id = %q", cfg.Subscription.UserID)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", minimal+`
reconnect:
  retries: 3
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "retries") {
		t.Errorf("error = %v, want mention of retries", err)
	}
}

func TestLoadJSON5WithInclude(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte(minimal+`
logging:
  level: debug
  format: text
`), 0o600); err != nil {
		t.Fatalf("write base: %v", err)
	}
	main := filepath.Join(dir, "queuesync.json5")
	if err := os.WriteFile(main, []byte(`{
  // local overrides
  "$include": "base.yaml",
  logging: { level: "warn" },
  refetch: { page_size: 50 },
}`), 0o600); err != nil {
		t.Fatalf("write main: %v", err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("logging.level = %q, want override warn", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("logging.format = %q, want included text", cfg.Logging.Format)
	}
	if cfg.Refetch.PageSize != 50 {
		t.Errorf("refetch.page_size = %d, want 50", cfg.Refetch.PageSize)
	}
	if cfg.Subscription.TenantID != "t1" {
		t.Errorf("tenant_id = %q, want t1 from include", cfg.Subscription.TenantID)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(a)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("err = %v, want include cycle", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing socket url", func(c *Config) { c.Server.SocketURL = "" }, "server.socket_url is required"},
		{"http socket url", func(c *Config) { c.Server.SocketURL = "http://x" }, "scheme"},
		{"bad api url", func(c *Config) { c.Server.APIURL = "ftp://x" }, "server.api_url"},
		{"missing tenant", func(c *Config) { c.Subscription.TenantID = " " }, "tenant_id"},
		{"max below base", func(c *Config) { c.Reconnect.MaxDelay = time.Millisecond }, "max_delay"},
		{"negative attempts", func(c *Config) { c.Reconnect.MaxAttempts = -1 }, "max_attempts"},
		{"bad schedule", func(c *Config) { c.Refetch.Schedule = "sometimes" }, "refetch.schedule"},
		{"disabled schedule ignored", func(c *Config) { c.Refetch.Disabled = true; c.Refetch.Schedule = "sometimes" }, ""},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad sampling rate", func(c *Config) { c.Tracing.SamplingRate = 2 }, "sampling_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.SocketURL = "wss://queue.example.com/ws"
			cfg.Subscription.TenantID = "t1"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestDisableHeartbeat(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want time.Duration
	}{
		{name: "default", yaml: "", want: 25 * time.Second},
		{name: "interval", yaml: "reconnect:\n  heartbeat_interval: 5s\n", want: 5 * time.Second},
		{name: "disabled", yaml: "reconnect:\n  heartbeat_interval: 5s\n  disable_heartbeat: true\n", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, "config.yaml", minimal+tt.yaml))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got := cfg.Reconnect.Heartbeat(); got != tt.want {
				t.Errorf("Heartbeat() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	err := (&Config{}).Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"socket_url", "tenant_id", "refetch.schedule"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %s", err, want)
		}
	}
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"@every 30s", "*/15 * * * * *", "0 */5 * * *"} {
		if _, err := (RefetchConfig{Schedule: expr}).ParseSchedule(); err != nil {
			t.Errorf("ParseSchedule(%q) = %v", expr, err)
		}
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/queuesync/env.yaml")
	if got := ResolvePath("./flag.yaml"); got != "./flag.yaml" {
		t.Errorf("flag path = %q", got)
	}
	if got := ResolvePath(""); got != "/etc/queuesync/env.yaml" {
		t.Errorf("env path = %q", got)
	}
	t.Setenv(EnvConfigPath, "")
	if got := ResolvePath(""); !strings.HasSuffix(got, filepath.Join(".queuesync", "config.yaml")) {
		t.Errorf("default path = %q", got)
	}
}
