package module

import (
	"fmt"
	"sync"

	fferrors "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/errors"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/plugin"
)

// StaticRegistry implements the plugin.Registry interface using a compile-time
// map. It provides thread-safe registration and retrieval of module factories.
// This is the default registry implementation used when no other is provided.
type StaticRegistry struct {
	factories map[string]plugin.ModuleFactory
	mu        sync.RWMutex
}

// NewStaticRegistry creates a new, empty static registry. Modules must be
// registered using the Register method before they can be retrieved.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		factories: make(map[string]plugin.ModuleFactory),
	}
}

// Register associates a module type name with its factory function. It is
// typically called from the init() function of a module package or explicitly
// by the application wiring the registry. Duplicate registrations are rejected.
func (r *StaticRegistry) Register(name string, factory plugin.ModuleFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return fferrors.NewConfigError("module registration error: name cannot be empty", nil)
	}
	if factory == nil {
		return fferrors.NewConfigError(fmt.Sprintf("module registration error for '%s': factory cannot be nil", name), nil)
	}
	if _, exists := r.factories[name]; exists {
		return fferrors.NewConfigError(fmt.Sprintf("module registration error: duplicate module name '%s'", name), nil)
	}

	r.factories[name] = factory
	return nil
}

// Get retrieves the factory function for a given module name. If the module
// name is not registered, it returns nil and a ModuleNotFoundError.
func (r *StaticRegistry) Get(name string) (plugin.ModuleFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, exists := r.factories[name]
	if !exists {
		return nil, fferrors.NewModuleNotFoundError(name)
	}
	return factory, nil
}

// List returns a slice containing the names of all registered modules.
// The order of names in the returned slice is not guaranteed.
func (r *StaticRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// --- Default Global Registry (for compile-time registration via init) ---

var (
	globalRegistry = NewStaticRegistry()

	_ plugin.Registry = (*StaticRegistry)(nil)
)

// Register globally associates a module type name with its factory function
// in the default global registry instance. This is the intended mechanism for
// modules to self-register during program initialization via their init()
// functions. It panics on registration errors (e.g., duplicate name) because
// init() functions run early and such errors indicate a programming mistake.
func Register(name string, factory plugin.ModuleFactory) {
	if err := globalRegistry.Register(name, factory); err != nil {
		panic(fmt.Errorf("failed to register module '%s' globally: %w", name, err))
	}
}

// DefaultStaticRegistryGetter provides convenient access to the global static
// registry instance containing compile-time registered modules.
var DefaultStaticRegistryGetter plugin.Registry = globalRegistry
