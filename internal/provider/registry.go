package provider

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/felixgeelhaar/llmgate/internal/errors"
)

// Adapters resolves the adapter serving a provider id.
type Adapters interface {
	Get(id string) (Adapter, error)
}

// Registry maps provider ids to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// NewRegistryFromTable builds one adapter per descriptor, sharing client
// and counter. Descriptors with a request rate are wrapped in a limiter.
func NewRegistryFromTable(table *Table, client *http.Client, counter *TokenCounter) (*Registry, error) {
	if client == nil {
		client = NewHTTPClient()
	}
	if counter == nil {
		counter = NewTokenCounter()
	}

	r := NewRegistry()
	for _, d := range table.Descriptors() {
		adapter, err := NewAdapter(d, client, counter)
		if err != nil {
			return nil, err
		}
		if d.RequestsPerSecond > 0 {
			adapter = NewLimited(adapter, d.RequestsPerSecond)
		}
		if err := r.Register(d.ID, adapter); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NewAdapter creates the adapter for a descriptor's vendor.
func NewAdapter(d Descriptor, client *http.Client, counter *TokenCounter) (Adapter, error) {
	switch d.Vendor {
	case VendorAnthropic:
		return NewAnthropicAdapter(d, client, counter), nil
	case VendorOpenAI:
		return NewOpenAIAdapter(d, client, counter), nil
	case VendorGemini:
		return NewGeminiAdapter(d, client, counter), nil
	default:
		return nil, errors.New(errors.ErrCodeProviderConfig, fmt.Sprintf("unknown vendor: %s", d.Vendor))
	}
}

// Register adds an adapter under id.
func (r *Registry) Register(id string, adapter Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("provider %s already registered", id)
	}
	r.adapters[id] = adapter
	return nil
}

// Get retrieves the adapter for id.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, exists := r.adapters[id]
	if !exists {
		return nil, errors.NewProviderNotFoundError(id)
	}
	return adapter, nil
}

// List returns registered provider ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
