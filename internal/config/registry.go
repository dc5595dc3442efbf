package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/chatrelay/pkg/provider/llm"
	"github.com/MrWong99/chatrelay/pkg/provider/stt"
)

// ErrProviderNotRegistered means no factory exists for a configured provider
// name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider of type P from its configuration entry.
type Factory[P any] func(ProviderEntry) (P, error)

// factories is one kind's name-to-constructor table.
type factories[P any] struct {
	kind string
	byID map[string]Factory[P]
}

func newFactories[P any](kind string) factories[P] {
	return factories[P]{kind: kind, byID: make(map[string]Factory[P])}
}

func (f factories[P]) create(entry ProviderEntry) (P, error) {
	build, ok := f.byID[entry.Name]
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return build(entry)
}

// Registry resolves [ProviderEntry] names to constructors, one table for
// completion backends and one for transcription backends. Registering a name
// twice replaces the earlier factory. Safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm factories[llm.Provider]
	stt factories[stt.Provider]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		llm: newFactories[llm.Provider]("completion"),
		stt: newFactories[stt.Provider]("transcription"),
	}
}

// RegisterLLM adds a completion backend factory.
func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	r.mu.Lock()
	r.llm.byID[name] = f
	r.mu.Unlock()
}

// RegisterSTT adds a transcription backend factory.
func (r *Registry) RegisterSTT(name string, f Factory[stt.Provider]) {
	r.mu.Lock()
	r.stt.byID[name] = f
	r.mu.Unlock()
}

// CreateLLM builds the completion backend named by entry.Name. The error
// wraps [ErrProviderNotRegistered] for unknown names.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.create(entry)
}

// CreateSTT is CreateLLM for transcription backends.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stt.create(entry)
}

// Names lists the registered names per kind, sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		r.llm.kind: slices.Sorted(maps.Keys(r.llm.byID)),
		r.stt.kind: slices.Sorted(maps.Keys(r.stt.byID)),
	}
}
