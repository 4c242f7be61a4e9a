package connector

import (
	"sort"
	"sync"

	"github.com/knoom0/datanav-sub002/errors"
)

// Registry is the static catalog of connector configurations.
// Populated once at process start, read-only thereafter.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]*Config
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]*Config)}
}

// Register adds a connector configuration.
// Returns ErrConflict if a config with the same ID is already registered.
func (r *Registry) Register(cfg *Config) error {
	if cfg == nil || cfg.ID == "" {
		return errors.NewInvalidRequestError("connector config must have an id")
	}
	if cfg.NewLoader == nil {
		return errors.NewInvalidRequestError("connector %s has no loader factory", cfg.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.configs[cfg.ID]; exists {
		return errors.Wrapf(errors.ErrConflict, "connector already registered: %s", cfg.ID)
	}
	r.configs[cfg.ID] = cfg
	return nil
}

// MustRegister registers a config and panics on failure.
// For use from process-start wiring where a duplicate is a programming error.
func (r *Registry) MustRegister(cfg *Config) {
	if err := r.Register(cfg); err != nil {
		panic(err)
	}
}

// Get returns the config for id, or ErrNotFound.
func (r *Registry) Get(id string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.configs[id]
	if !ok {
		return nil, errors.NewNotFoundError("unknown connector: %s", id)
	}
	return cfg, nil
}

// List returns all registered configs ordered by id.
func (r *Registry) List() []*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Config, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry, creating it on first use.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}
