package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callscribe.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, used, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if used != "" {
		t.Errorf("used file %q, want none", used)
	}
	if cfg.Store.Kind != StoreRemote || cfg.Store.PollInterval != 250*time.Millisecond {
		t.Errorf("store defaults: %+v", cfg.Store)
	}
	if !cfg.Capture.Continuous || cfg.Capture.Language != "en-US" {
		t.Errorf("capture defaults: %+v", cfg.Capture)
	}
	if len(cfg.ICEServers) != 2 {
		t.Errorf("ice servers: %v", cfg.ICEServers)
	}
	if err := cfg.ValidatePeer(); err != nil {
		t.Errorf("ValidatePeer: %v", err)
	}
	if err := cfg.ValidateRelay(); err != nil {
		t.Errorf("ValidateRelay: %v", err)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
role: callee
call_id: abc
join_policy: channel
store:
  kind: sqlite
  path: /tmp/calls.db
  poll_interval: 1s
capture:
  language: fr-FR
  continuous: false
  source: file
  file: /tmp/transcript.txt
`)
	t.Setenv("CALLSCRIBE_STORE_PATH", "/tmp/override.db")

	cfg, used, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if used != path {
		t.Errorf("used %q, want %q", used, path)
	}
	if cfg.Role != RoleCallee || cfg.CallID != "abc" || cfg.JoinPolicy != "channel" {
		t.Errorf("top level: %+v", cfg)
	}
	if cfg.Store.Kind != StoreSQLite || cfg.Store.Path != "/tmp/override.db" || cfg.Store.PollInterval != time.Second {
		t.Errorf("store: %+v", cfg.Store)
	}
	opts := cfg.Capture.Options()
	if opts.Continuous || opts.Language != "fr-FR" {
		t.Errorf("capture options: %+v", opts)
	}
	if err := cfg.ValidatePeer(); err != nil {
		t.Errorf("ValidatePeer: %v", err)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load succeeded with a missing file")
	}
}

func TestValidatePeer(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"callee without id", func(c *Config) { c.Role = RoleCallee }, "call ID"},
		{"bad role", func(c *Config) { c.Role = "host" }, "unknown role"},
		{"bad store", func(c *Config) { c.Store.Kind = "mongo" }, "unknown store kind"},
		{"remote without url", func(c *Config) { c.Store.URL = "" }, "store.url"},
		{"file without path", func(c *Config) { c.Capture.Source = SourceFile }, "capture.file"},
		{"bad language", func(c *Config) { c.Capture.Language = "not a tag!" }, "invalid capture language"},
		{"bad policy", func(c *Config) { c.JoinPolicy = "eventually" }, "unknown join policy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			cfg, _, err := Load("")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.ValidatePeer()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestValidateRelay(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Relay.Backend = "postgres"
	cfg.Relay.Mode = "loud"
	err = cfg.ValidateRelay()
	if err == nil || !strings.Contains(err.Error(), "backend") || !strings.Contains(err.Error(), "mode") {
		t.Fatalf("got %v", err)
	}
}
