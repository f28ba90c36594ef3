package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveProviderSlash(t *testing.T) {
	cat := builtinCatalog()
	ref, err := cat.Resolve("anthropic/claude-sonnet-4-5")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Provider != "anthropic" || ref.API != "anthropic" {
		t.Errorf("ref = %+v", ref)
	}
	if ref.Model.ContextWindow != 200000 {
		t.Errorf("context window = %d", ref.Model.ContextWindow)
	}
}

func TestResolveAlias(t *testing.T) {
	cat := builtinCatalog()
	ref, err := cat.Resolve("flash")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Provider != "google" || ref.Model.ID != "gemini-2.5-flash" {
		t.Errorf("ref = %+v", ref)
	}
}

func TestResolveByOwnership(t *testing.T) {
	cat := builtinCatalog()
	ref, err := cat.Resolve("gpt-4o-mini")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Provider != "openai" {
		t.Errorf("provider = %q", ref.Provider)
	}
}

func TestResolveByPrefix(t *testing.T) {
	cat := builtinCatalog()
	// Not in the catalog, but the prefix identifies the provider.
	ref, err := cat.Resolve("claude-future-model")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Provider != "anthropic" {
		t.Errorf("provider = %q", ref.Provider)
	}
	// Unknown models get conservative defaults.
	if ref.Model.MaxTokens != 8192 || ref.Model.ContextWindow != 200000 {
		t.Errorf("defaults = %+v", ref.Model)
	}
}

func TestResolveUnknown(t *testing.T) {
	cat := builtinCatalog()
	if _, err := cat.Resolve("mystery-9000"); err == nil {
		t.Fatal("expected resolution failure")
	}
}

func TestBaseURLEnvOverride(t *testing.T) {
	t.Setenv("BASHCLAW_ANTHROPIC_BASE_URL", "http://localhost:9999")
	cat := builtinCatalog()
	ref, err := cat.Resolve("claude-sonnet-4-5")
	if err != nil {
		t.Fatal(err)
	}
	if ref.BaseURL != "http://localhost:9999" {
		t.Errorf("base url = %q", ref.BaseURL)
	}
}

func TestLoadCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json")
	body := `{
		aliases: { fast: "mini/tiny-1" },
		providers: {
			mini: {
				api: "openai",
				base_url: "http://mini.local",
				api_key_env: "MINI_KEY",
				models: [ { id: "tiny-1", max_tokens: 512, context_window: 4096 } ],
			},
		},
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatal(err)
	}
	ref, err := cat.Resolve("fast")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Provider != "mini" || ref.Model.MaxTokens != 512 || ref.APIKeyEnv != "MINI_KEY" {
		t.Errorf("ref = %+v", ref)
	}
}
