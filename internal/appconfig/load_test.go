package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Shortcut.CommandPrefix != "switch-to-tab-" {
		t.Fatalf("expected default prefix, got %q", cfg.Shortcut.CommandPrefix)
	}
	if !strings.HasSuffix(cfg.SocketPath, filepath.Join(".tabjump", "tabjump.sock")) {
		t.Fatalf("unexpected socket path %q", cfg.SocketPath)
	}
}

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 2
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRequiresConfigVersion(t *testing.T) {
	path := writeConfig(t, `
socket_path: /tmp/tabjump.sock
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version is required") {
		t.Fatalf("expected config_version required error, got %v", err)
	}
}

func TestLoadOverridesAndExpands(t *testing.T) {
	t.Setenv("TABJUMP_RUN", "/run/tabjump-test")
	path := writeConfig(t, `
config_version: 1
socket_path: $TABJUMP_RUN/agent.sock
shortcut:
  modifiers: [alt]
schemes:
  allow: [https]
  deny: []
timing:
  retry_ms: 0
  created_debounce_ms: 750
browser:
  remote_url: ws://127.0.0.1:9222/devtools/browser/abc
  headless: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SocketPath != "/run/tabjump-test/agent.sock" {
		t.Fatalf("expected expanded socket path, got %q", cfg.SocketPath)
	}
	if len(cfg.Shortcut.Modifiers) != 1 || cfg.Shortcut.Modifiers[0] != "alt" {
		t.Fatalf("unexpected modifiers %v", cfg.Shortcut.Modifiers)
	}
	if len(cfg.Schemes.Allow) != 1 || len(cfg.Schemes.Deny) != 0 {
		t.Fatalf("unexpected schemes %+v", cfg.Schemes)
	}
	coord := cfg.CoordinatorConfig()
	if coord.Debounce.Created != 750*time.Millisecond {
		t.Fatalf("unexpected created debounce %v", coord.Debounce.Created)
	}
	if !cfg.Browser.Headless || cfg.Browser.RemoteURL == "" {
		t.Fatalf("unexpected browser config %+v", cfg.Browser)
	}
	if cfg.Timing.StartupGraceMS != 1000 {
		t.Fatalf("expected untouched defaults, got %d", cfg.Timing.StartupGraceMS)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"shortcut modifier":    "config_version: 1\nshortcut:\n  modifiers: [hyper]\n",
		"remote_url":           "config_version: 1\nbrowser:\n  remote_url: localhost\n",
		"must not be negative": "config_version: 1\ntiming:\n  retry_ms: -5\n",
	}
	for want, content := range cases {
		path := writeConfig(t, content)
		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q error, got %v", want, err)
		}
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("expected written default to load: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
