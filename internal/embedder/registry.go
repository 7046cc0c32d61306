package embedder

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Provider IDs accepted in an enable list.
const (
	ProviderOllama = "ollama"
	ProviderRemote = "remote"
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"
	ProviderVLLM   = "vllm"
)

// Known lists every provider this build can construct.
var Known = []string{ProviderOllama, ProviderRemote, ProviderOpenAI, ProviderAzure, ProviderVLLM}

// Settings selects and configures providers at startup.
type Settings struct {
	Enabled   []string
	OllamaURL string
	RemoteURL string
	Timeout   time.Duration
	OpenAI    OpenAIConfig
	Azure     AzureConfig
	VLLM      VLLMConfig
}

// Registry holds the enabled providers by ID.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
}

func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

// Build constructs the providers named in s.Enabled.
func Build(s Settings) (*Registry, error) {
	r := NewRegistry()
	for _, id := range s.Enabled {
		switch id {
		case ProviderOllama:
			r.Register(NewOllama(s.OllamaURL))
		case ProviderRemote:
			if s.RemoteURL == "" {
				return nil, fmt.Errorf("remote embedder enabled without a url")
			}
			r.Register(NewRemote(s.RemoteURL, s.Timeout))
		case ProviderOpenAI:
			if s.OpenAI.APIKey == "" {
				return nil, fmt.Errorf("openai embedder enabled without an api key")
			}
			r.Register(NewOpenAI(s.OpenAI))
		case ProviderAzure:
			if s.Azure.Endpoint == "" || s.Azure.APIKey == "" {
				return nil, fmt.Errorf("azure embedder enabled without an endpoint and api key")
			}
			r.Register(NewAzure(s.Azure))
		case ProviderVLLM:
			if s.VLLM.Endpoint == "" {
				return nil, fmt.Errorf("vllm embedder enabled without an endpoint")
			}
			r.Register(NewVLLM(s.VLLM))
		default:
			return nil, fmt.Errorf("embedder %q: %w", id, ErrUnknownProvider)
		}
	}
	return r, nil
}

// Register adds p, replacing any provider with the same ID.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.ID()]; !ok {
		r.order = append(r.order, p.ID())
	}
	r.providers[p.ID()] = p
}

func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("embedder %q is not enabled: %w", id, ErrUnknownProvider)
	}
	return p, nil
}

// IDs returns the enabled provider IDs in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Bind resolves model on the provider id.
func (r *Registry) Bind(ctx context.Context, id, model string, opts Options) (*Embedder, error) {
	p, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return Bind(ctx, p, model, opts)
}

// ListModels gathers the models of every provider. Providers that cannot be
// reached are reported in the joined error; the others are still listed.
func (r *Registry) ListModels(ctx context.Context) ([]Model, error) {
	var (
		all  []Model
		errs []error
	)
	for _, id := range r.IDs() {
		p, err := r.Get(id)
		if err != nil {
			continue
		}
		models, err := p.ListModels(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		all = append(all, models...)
	}
	return all, errors.Join(errs...)
}
