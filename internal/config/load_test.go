package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bashclaw.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 18900 {
		t.Errorf("default port = %d", cfg.Gateway.Port)
	}
	if cfg.Session.MaxHistory != 200 {
		t.Errorf("default maxHistory = %d", cfg.Session.MaxHistory)
	}
}

func TestEnvSubstitution(t *testing.T) {
	t.Setenv("BC_TEST_TOKEN", "tok-123")
	path := writeConfig(t, `{
		// json5 comments are allowed
		gateway: { port: 8080, token: "${BC_TEST_TOKEN}" },
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Token != "tok-123" {
		t.Errorf("token = %q", cfg.Gateway.Token)
	}
	if cfg.Gateway.Port != 8080 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	path := writeConfig(t, `{ gateway: { port: 99999 } }`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected port validation error")
	}
}

func TestValidateRejectsEmptyAgentID(t *testing.T) {
	path := writeConfig(t, `{ agents: { list: [ { id: "" } ] } }`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected agent id validation error")
	}
}

func TestResolveAgentFallthrough(t *testing.T) {
	path := writeConfig(t, `{
		agents: {
			defaults: { model: "claude-sonnet-4-5", maxTurns: 10 },
			list: [ { id: "coder", model: "claude-opus-4-1", toolProfile: "coding" } ],
		},
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	spec := cfg.ResolveAgent("coder")
	if spec.Model != "claude-opus-4-1" {
		t.Errorf("override model = %q", spec.Model)
	}
	if spec.MaxTurns != 10 {
		t.Errorf("inherited maxTurns = %d", spec.MaxTurns)
	}

	other := cfg.ResolveAgent("unknown")
	if other.Model != "claude-sonnet-4-5" {
		t.Errorf("defaults model = %q", other.Model)
	}
}

func TestResolveDefaultAgentID(t *testing.T) {
	cfg := Default()
	if got := cfg.ResolveDefaultAgentID(); got != "main" {
		t.Errorf("empty config default = %q", got)
	}
	cfg.Agents.List = []AgentEntry{{ID: "alpha"}}
	if got := cfg.ResolveDefaultAgentID(); got != "alpha" {
		t.Errorf("first listed = %q", got)
	}
	cfg.Agents.DefaultID = "beta"
	if got := cfg.ResolveDefaultAgentID(); got != "beta" {
		t.Errorf("explicit = %q", got)
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Providers.Anthropic.APIKey = "sk-secret"
	cfg.Channels = ChannelsConfig{"telegram": {Token: "tg-secret", Enabled: true}}

	masked := cfg.MaskedCopy()
	if masked.Providers.Anthropic.APIKey != "***" {
		t.Errorf("provider key not masked: %q", masked.Providers.Anthropic.APIKey)
	}
	if masked.Channels["telegram"].Token != "***" {
		t.Errorf("channel token not masked")
	}
	// Original untouched.
	if cfg.Providers.Anthropic.APIKey != "sk-secret" {
		t.Error("original mutated")
	}
}

func TestManagerReloadOnMtime(t *testing.T) {
	path := writeConfig(t, `{ gateway: { port: 1111 } }`)
	m, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if m.Current().Gateway.Port != 1111 {
		t.Fatalf("initial port = %d", m.Current().Gateway.Port)
	}

	if err := os.WriteFile(path, []byte(`{ gateway: { port: 2222 } }`), 0o600); err != nil {
		t.Fatal(err)
	}
	// Force the mtime forward; coarse timestamps can hide a fast rewrite.
	future := timeNowPlus(t, path)
	_ = future

	if err := m.Reload(); err != nil {
		t.Fatal(err)
	}
	if m.Current().Gateway.Port != 2222 {
		t.Errorf("reloaded port = %d", m.Current().Gateway.Port)
	}
}

func timeNowPlus(t *testing.T, path string) bool {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.Chtimes(path, info.ModTime(), info.ModTime().Add(2e9)) == nil
}

func TestInvalidReloadKeepsSnapshot(t *testing.T) {
	path := writeConfig(t, `{ gateway: { port: 3333 } }`)
	m, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if err := os.WriteFile(path, []byte(`{ gateway: { port: -1 } }`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(); err == nil {
		t.Fatal("expected reload to reject invalid document")
	}
	if m.Current().Gateway.Port != 3333 {
		t.Errorf("snapshot lost: port = %d", m.Current().Gateway.Port)
	}
}
