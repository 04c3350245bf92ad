// Package registry holds the static provider catalog and the per-process
// credential map. It is deliberately the simplest component: an in-memory
// map with no I/O, so the dispatch coordinator never hardcodes vendor
// knowledge.
package registry

import (
	"sync"

	"github.com/minhvu-dev/fanout-gateway/internal/provider"
	"github.com/minhvu-dev/fanout-gateway/internal/provider/anthropic"
	"github.com/minhvu-dev/fanout-gateway/internal/provider/gemini"
	"github.com/minhvu-dev/fanout-gateway/internal/provider/openai"
)

// Provider is the static descriptor for one backend. Immutable after
// registration.
type Provider struct {
	ID                string
	Name              string
	BaseURL           string
	Models            []string
	MaxContextTokens  int
	SupportsStreaming bool
	// CostPer1KTokens is provider-granular, not per model.
	CostPer1KTokens float64
}

// HasModel reports whether the descriptor supports the given model id.
func (p Provider) HasModel(model string) bool {
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Cost prices a token count against the descriptor's per-1k rate.
func (p Provider) Cost(tokens int) float64 {
	return float64(tokens) / 1000 * p.CostPer1KTokens
}

type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	adapters    map[string]provider.Adapter
	credentials map[string]string
}

func New() *Registry {
	return &Registry{
		providers:   make(map[string]Provider),
		adapters:    make(map[string]provider.Adapter),
		credentials: make(map[string]string),
	}
}

// Default returns a registry with the built-in vendor families registered.
func Default() *Registry {
	r := New()
	r.Register(Provider{
		ID:                "openai",
		Name:              "OpenAI",
		BaseURL:           openai.DefaultBaseURL,
		Models:            []string{"gpt-4o", "gpt-4o-mini", "gpt-4", "gpt-3.5-turbo"},
		MaxContextTokens:  128000,
		SupportsStreaming: true,
		CostPer1KTokens:   0.0025,
	}, openai.New())
	r.Register(Provider{
		ID:                "anthropic",
		Name:              "Anthropic",
		BaseURL:           anthropic.DefaultBaseURL,
		Models:            []string{"claude-sonnet-4", "claude-3-5-sonnet-20241022", "claude-3-5-haiku-20241022", "claude-3-opus-20240229"},
		MaxContextTokens:  200000,
		SupportsStreaming: true,
		CostPer1KTokens:   0.003,
	}, anthropic.New())
	r.Register(Provider{
		ID:                "gemini",
		Name:              "Google Gemini",
		BaseURL:           gemini.DefaultBaseURL,
		Models:            []string{"gemini-2.0-flash", "gemini-1.5-pro", "gemini-1.5-flash"},
		MaxContextTokens:  1000000,
		SupportsStreaming: true,
		CostPer1KTokens:   0.000375,
	}, gemini.New())
	return r
}

// Register adds or overwrites a descriptor and its adapter by id.
// Last write wins; registering the same descriptor twice is a no-op in
// effect. Normally called once per provider at startup.
func (r *Registry) Register(desc Provider, adapter provider.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[desc.ID] = desc
	r.adapters[desc.ID] = adapter
}

// SetCredential stores a caller-supplied secret for a provider.
// No validation happens here; validity is discovered on first use.
func (r *Registry) SetCredential(providerID, secret string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credentials[providerID] = secret
}

// Credential returns the stored secret for a provider, if any. An empty
// stored secret counts as absent.
func (r *Registry) Credential(providerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	secret, ok := r.credentials[providerID]
	if secret == "" {
		return "", false
	}
	return secret, ok
}

// Resolve looks up a provider descriptor and its adapter.
func (r *Registry) Resolve(providerID string) (Provider, provider.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.providers[providerID]
	if !ok {
		return Provider{}, nil, false
	}
	return desc, r.adapters[providerID], true
}

// Models returns the supported model ids for a provider, or an empty list
// for an unknown id.
func (r *Registry) Models(providerID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.providers[providerID]
	if !ok {
		return []string{}
	}
	out := make([]string, len(desc.Models))
	copy(out, desc.Models)
	return out
}

// IDs returns the registered provider ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}
