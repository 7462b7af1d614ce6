package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/queuesync/internal/config"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"run", "classify", "version"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestApplyFlagOverridesOnlyChangedFlags(t *testing.T) {
	cmd := buildRunCmd()
	if err := cmd.Flags().Parse([]string{"--tenant", "acme", "--max-attempts", "0"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg := config.Default()
	cfg.Server.SocketURL = "wss://queue.example.com/ws"
	cfg.Subscription.TenantID = "t1"
	cfg.Subscription.UserID = "u1"

	applyFlagOverrides(cmd, cfg, runFlags{TenantID: "acme", UserID: "ignored", MaxAttempts: 0})

	if cfg.Subscription.TenantID != "acme" {
		t.Errorf("tenant = %q, want acme", cfg.Subscription.TenantID)
	}
	if cfg.Subscription.UserID != "u1" {
		t.Errorf("user = %q, want config value u1", cfg.Subscription.UserID)
	}
	if cfg.Reconnect.MaxAttempts != 0 {
		t.Errorf("max attempts = %d, want explicit 0", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Server.SocketURL != "wss://queue.example.com/ws" {
		t.Errorf("socket url = %q, want untouched", cfg.Server.SocketURL)
	}
}

func TestLoadConfigAppliesFlagsBeforeValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  socket_url: wss://queue.example.com/ws\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cmd := buildRunCmd()
	if _, _, err := loadConfig(cmd, path, runFlags{}); err == nil || !strings.Contains(err.Error(), "tenant_id") {
		t.Fatalf("err = %v, want missing tenant", err)
	}

	if err := cmd.Flags().Parse([]string{"--tenant", "acme"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, got, err := loadConfig(cmd, path, runFlags{TenantID: "acme"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if got != path || cfg.Subscription.TenantID != "acme" {
		t.Errorf("path = %q, tenant = %q", got, cfg.Subscription.TenantID)
	}
}

const records = `[
  {"id":"c1","status":"active","state":"ROUTING","assignedUserId":null,"updatedAt":"2026-01-01T00:00:00Z"},
  {"id":"c2","status":"active","state":"BOT_ACTIVE","updatedAt":"2026-01-01T00:00:00Z"},
  {"id":"c3","status":"closed","state":"RESOLVED","assignedUserId":"u1","updatedAt":"2026-01-01T00:00:00Z"},
  {"id":"c4","status":"active","state":"IN_PROGRESS","assignedUserId":"u1","updatedAt":"2026-01-01T00:00:00Z"}
]`

func TestClassifyCommand(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, out string)
	}{
		{
			name: "table",
			args: []string{"classify"},
			check: func(t *testing.T, out string) {
				for _, want := range []string{"c1  entrada", "c2  bot", "c3  finalizadas", "c4  em_atendimento", "aguardando      0"} {
					if !strings.Contains(out, want) {
						t.Errorf("output missing %q:\n%s", want, out)
					}
				}
			},
		},
		{
			name: "json",
			args: []string{"classify", "--json"},
			check: func(t *testing.T, out string) {
				var got struct {
					Assignments []assignment   `json:"assignments"`
					Counters    map[string]int `json:"counters"`
				}
				if err := json.Unmarshal([]byte(out), &got); err != nil {
					t.Fatalf("decode output: %v\n%s", err, out)
				}
				if len(got.Assignments) != 4 || got.Assignments[3].Queue != "em_atendimento" {
					t.Errorf("assignments = %+v", got.Assignments)
				}
				want := map[string]int{"bot": 1, "entrada": 1, "aguardando": 0, "em_atendimento": 1, "finalizadas": 1}
				for k, v := range want {
					if got.Counters[k] != v {
						t.Errorf("counters[%s] = %d, want %d", k, got.Counters[k], v)
					}
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := buildRootCmd()
			var out bytes.Buffer
			cmd.SetIn(strings.NewReader(records))
			cmd.SetOut(&out)
			cmd.SetArgs(tt.args)
			if err := cmd.Execute(); err != nil {
				t.Fatalf("Execute: %v", err)
			}
			tt.check(t, out.String())
		})
	}
}

func TestClassifyRejectsInvalidInput(t *testing.T) {
	cmd := buildRootCmd()
	cmd.SetIn(strings.NewReader(`{"id":"c1"}`))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"classify"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected decode error for non-array input")
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "queuesync dev") {
		t.Errorf("output = %q", out.String())
	}
}
