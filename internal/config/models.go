package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/titanous/json5"
)

// Catalog is the model catalog document (models.json).
type Catalog struct {
	Aliases   map[string]string          `json:"aliases,omitempty"`
	Providers map[string]CatalogProvider `json:"providers,omitempty"`
}

// CatalogProvider describes one provider endpoint and its models.
type CatalogProvider struct {
	API       string         `json:"api"` // anthropic | openai | google
	BaseURL   string         `json:"base_url,omitempty"`
	APIKeyEnv string         `json:"api_key_env,omitempty"`
	Models    []CatalogModel `json:"models,omitempty"`
}

// CatalogModel is one model entry.
type CatalogModel struct {
	ID            string    `json:"id"`
	MaxTokens     int       `json:"max_tokens,omitempty"`
	ContextWindow int       `json:"context_window,omitempty"`
	Capabilities  ModelCaps `json:"capabilities,omitempty"`
	Compat        string    `json:"compat,omitempty"`
}

// ModelCaps flags model features.
type ModelCaps struct {
	Vision    bool `json:"vision,omitempty"`
	Streaming bool `json:"streaming,omitempty"`
	Tools     bool `json:"tools,omitempty"`
}

// ModelRef is a fully resolved model reference.
type ModelRef struct {
	Provider  string
	API       string
	BaseURL   string
	APIKeyEnv string
	Model     CatalogModel
}

// LoadCatalog reads models.json. A missing file yields the built-in catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return builtinCatalog(), nil
		}
		return nil, fmt.Errorf("read models catalog: %w", err)
	}
	var cat Catalog
	if err := json5.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse models catalog: %w", err)
	}
	return &cat, nil
}

// Resolve maps an alias or model ref to a concrete provider + model entry.
//
// Rules, in order:
//  1. Alias expansion (one level).
//  2. "provider/model" split when the ref contains a slash.
//  3. Ownership lookup: the provider whose models[] carries the id.
//  4. Prefix match on the id (claude-* → anthropic, gpt-*/o* → openai,
//     gemini-* → google).
//
// The BASHCLAW_<PROVIDER>_BASE_URL env override is applied last.
func (c *Catalog) Resolve(ref string) (ModelRef, error) {
	if c.Aliases != nil {
		if target, ok := c.Aliases[ref]; ok {
			ref = target
		}
	}

	providerName, modelID := "", ref
	if i := strings.IndexByte(ref, '/'); i >= 0 {
		providerName, modelID = ref[:i], ref[i+1:]
	}

	if providerName == "" {
		providerName = c.ownerOf(modelID)
	}
	if providerName == "" {
		providerName = providerForPrefix(modelID)
	}
	if providerName == "" {
		return ModelRef{}, fmt.Errorf("models: cannot resolve %q to a provider", ref)
	}

	prov, ok := c.Providers[providerName]
	if !ok {
		return ModelRef{}, fmt.Errorf("models: unknown provider %q for %q", providerName, ref)
	}

	entry := CatalogModel{ID: modelID}
	for _, m := range prov.Models {
		if m.ID == modelID {
			entry = m
			break
		}
	}
	if entry.ContextWindow == 0 {
		entry.ContextWindow = 200000
	}
	if entry.MaxTokens == 0 {
		entry.MaxTokens = 8192
	}

	baseURL := prov.BaseURL
	if v := os.Getenv("BASHCLAW_" + strings.ToUpper(providerName) + "_BASE_URL"); v != "" {
		baseURL = v
	}

	return ModelRef{
		Provider:  providerName,
		API:       prov.API,
		BaseURL:   baseURL,
		APIKeyEnv: prov.APIKeyEnv,
		Model:     entry,
	}, nil
}

func (c *Catalog) ownerOf(modelID string) string {
	for name, prov := range c.Providers {
		for _, m := range prov.Models {
			if m.ID == modelID {
				return name
			}
		}
	}
	return ""
}

func providerForPrefix(modelID string) string {
	switch {
	case strings.HasPrefix(modelID, "claude-"):
		return "anthropic"
	case strings.HasPrefix(modelID, "gpt-"), strings.HasPrefix(modelID, "o1"), strings.HasPrefix(modelID, "o3"), strings.HasPrefix(modelID, "o4"):
		return "openai"
	case strings.HasPrefix(modelID, "gemini-"):
		return "google"
	}
	return ""
}

func builtinCatalog() *Catalog {
	return &Catalog{
		Aliases: map[string]string{
			"sonnet": "anthropic/claude-sonnet-4-5",
			"opus":   "anthropic/claude-opus-4-1",
			"flash":  "google/gemini-2.5-flash",
		},
		Providers: map[string]CatalogProvider{
			"anthropic": {
				API:       "anthropic",
				BaseURL:   "https://api.anthropic.com",
				APIKeyEnv: "ANTHROPIC_API_KEY",
				Models: []CatalogModel{
					{ID: "claude-sonnet-4-5", MaxTokens: 8192, ContextWindow: 200000, Capabilities: ModelCaps{Vision: true, Streaming: true, Tools: true}},
					{ID: "claude-opus-4-1", MaxTokens: 8192, ContextWindow: 200000, Capabilities: ModelCaps{Vision: true, Streaming: true, Tools: true}},
					{ID: "claude-haiku-4-5", MaxTokens: 8192, ContextWindow: 200000, Capabilities: ModelCaps{Streaming: true, Tools: true}},
				},
			},
			"openai": {
				API:       "openai",
				BaseURL:   "https://api.openai.com",
				APIKeyEnv: "OPENAI_API_KEY",
				Models: []CatalogModel{
					{ID: "gpt-4o", MaxTokens: 16384, ContextWindow: 128000, Capabilities: ModelCaps{Vision: true, Streaming: true, Tools: true}},
					{ID: "gpt-4o-mini", MaxTokens: 16384, ContextWindow: 128000, Capabilities: ModelCaps{Streaming: true, Tools: true}},
				},
			},
			"google": {
				API:       "google",
				BaseURL:   "https://generativelanguage.googleapis.com",
				APIKeyEnv: "GOOGLE_API_KEY",
				Models: []CatalogModel{
					{ID: "gemini-2.5-pro", MaxTokens: 8192, ContextWindow: 1000000, Capabilities: ModelCaps{Vision: true, Streaming: true, Tools: true}},
					{ID: "gemini-2.5-flash", MaxTokens: 8192, ContextWindow: 1000000, Capabilities: ModelCaps{Streaming: true, Tools: true}},
				},
			},
		},
	}
}
