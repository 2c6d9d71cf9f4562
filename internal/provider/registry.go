package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/opencode-ai/proctor/internal/models"
)

// Registry manages the registered provider invokers.
type Registry struct {
	mu       sync.RWMutex
	invokers map[models.Provider]Invoker
}

// NewRegistry creates an empty invoker registry.
func NewRegistry() *Registry {
	return &Registry{
		invokers: make(map[models.Provider]Invoker),
	}
}

// Register adds an invoker to the registry.
// Returns an error if an invoker for the same provider is already registered.
func (r *Registry) Register(invoker Invoker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := invoker.Name()
	if _, exists := r.invokers[name]; exists {
		return fmt.Errorf("invoker %q already registered", name)
	}

	r.invokers[name] = invoker
	return nil
}

// MustRegister adds an invoker to the registry, panicking on error.
func (r *Registry) MustRegister(invoker Invoker) {
	if err := r.Register(invoker); err != nil {
		panic(err)
	}
}

// Get retrieves an invoker by provider.
// Returns nil if no invoker is registered for it.
func (r *Registry) Get(provider models.Provider) Invoker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.invokers[provider]
}

// List returns all registered invokers.
func (r *Registry) List() []Invoker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	invokers := make([]Invoker, 0, len(r.invokers))
	for _, invoker := range r.invokers {
		invokers = append(invokers, invoker)
	}
	return invokers
}

// Names returns the registered providers in sorted order.
func (r *Registry) Names() []models.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]models.Provider, 0, len(r.invokers))
	for name := range r.invokers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Unregister removes an invoker from the registry.
// Returns true if the invoker was removed, false if it wasn't found.
func (r *Registry) Unregister(provider models.Provider) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.invokers[provider]; exists {
		delete(r.invokers, provider)
		return true
	}
	return false
}
