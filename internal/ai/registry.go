package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/suPer8Hu/tablechat/internal/common"
)

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Spec is a resolved provider entry: the API key, if any, is already read.
type Spec struct {
	Kind    string
	BaseURL string
	Model   string
	APIKey  string
	// SiteURL and AppName are sent as attribution headers to openrouter.
	SiteURL string
	AppName string
}

// RegisterSpec registers a factory for one of the built-in provider kinds.
// An empty model at Get time falls back to spec.Model.
func (r *Registry) RegisterSpec(name string, spec Spec) error {
	var build func(model string) Provider
	switch strings.ToLower(spec.Kind) {
	case "openrouter":
		build = func(model string) Provider {
			return NewOpenRouterProvider(spec.BaseURL, spec.APIKey, model, spec.SiteURL, spec.AppName)
		}
	case "ollama":
		build = func(model string) Provider { return NewOllamaProvider(spec.BaseURL, model) }
	case "openai":
		build = func(model string) Provider { return NewOpenAIProvider(spec.APIKey, spec.BaseURL, model) }
	default:
		return fmt.Errorf("%w: provider %s: unknown kind %q", common.ErrConfig, name, spec.Kind)
	}
	r.Register(name, func(_ context.Context, model string) (Provider, error) {
		if strings.TrimSpace(model) == "" {
			model = spec.Model
		}
		return build(model), nil
	})
	return nil
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown ai provider: %s", common.ErrConfig, name)
	}
	return f(ctx, model)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
