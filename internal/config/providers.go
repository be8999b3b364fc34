package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/suPer8Hu/tablechat/internal/common"
	"gopkg.in/yaml.v3"
)

// Provider is one entry of the providers file:
//
//	openrouter:
//	  kind: openrouter
//	  base_url: https://openrouter.ai/api/v1
//	  model: qwen/qwen3-8b:free
//	  requires_api_key: true
//	  api_key_env_var: OPENROUTER_API_KEY
type Provider struct {
	Kind           string `yaml:"kind"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	RequiresAPIKey bool   `yaml:"requires_api_key"`
	APIKeyEnvVar   string `yaml:"api_key_env_var"`
	// APIKey is filled by ResolveKey, never read from the file.
	APIKey string `yaml:"-"`
}

// LoadProviders parses a providers file and resolves every API key. kind
// defaults to the entry name.
func LoadProviders(path string) (map[string]Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: providers file: %w", common.ErrConfig, err)
	}
	var out map[string]Provider
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: providers file %s: %w", common.ErrConfig, path, err)
	}
	for name, p := range out {
		if p.Kind == "" {
			p.Kind = strings.ToLower(name)
		}
		if err := p.ResolveKey(name); err != nil {
			return nil, err
		}
		out[name] = p
	}
	return out, nil
}

// ResolveKey reads the API key from the configured environment variable.
func (p *Provider) ResolveKey(name string) error {
	if !p.RequiresAPIKey {
		return nil
	}
	if p.APIKeyEnvVar == "" {
		return fmt.Errorf("%w: provider %s requires an api key but names no api_key_env_var", common.ErrConfig, name)
	}
	key := strings.TrimSpace(os.Getenv(p.APIKeyEnvVar))
	if key == "" {
		return fmt.Errorf("%w: %s is not set for provider %s", common.ErrConfig, p.APIKeyEnvVar, name)
	}
	p.APIKey = key
	return nil
}

// Providers returns the providers file entries when PROVIDERS_FILE is set,
// and otherwise the built-in ollama, openrouter and openai entries from the
// environment. Built-ins whose key is missing are left out.
func (c Config) Providers() (map[string]Provider, error) {
	if c.ProvidersFile != "" {
		return LoadProviders(c.ProvidersFile)
	}
	out := map[string]Provider{
		"ollama": {Kind: "ollama", BaseURL: c.OllamaBaseURL, Model: c.OllamaModel},
	}
	if c.OpenRouterAPIKey != "" {
		out["openrouter"] = Provider{Kind: "openrouter", BaseURL: c.OpenRouterBaseURL, Model: c.OpenRouterModel, APIKey: c.OpenRouterAPIKey}
	}
	if c.OpenAIAPIKey != "" {
		out["openai"] = Provider{Kind: "openai", BaseURL: c.OpenAIBaseURL, Model: c.OpenAIModel, APIKey: c.OpenAIAPIKey}
	}
	return out, nil
}
