package backend

import (
	"sync"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
)

// Factory builds a backend instance. Factories must be cheap; expensive
// setup belongs in Start.
type Factory func() Backend

// Registry maps backend-type names to factories and tracks the single
// active instance for the process. It exists so a deployment can plug in a
// custom scheduling engine purely additively.
//
// The mutex guards the maps only and is never held across backend calls.
type Registry struct {
	mu          sync.Mutex
	factories   map[string]Factory
	instances   map[string]Backend
	defaultName string
	active      Backend
}

// NewRegistry creates a registry whose Get falls back to defaultName.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		factories:   make(map[string]Factory),
		instances:   make(map[string]Backend),
		defaultName: defaultName,
	}
}

// DefaultName returns the configured fallback backend type.
func (r *Registry) DefaultName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultName
}

// Register adds a factory under name. An existing registration is only
// replaced when override is set.
func (r *Registry) Register(name string, factory Factory, override bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists && !override {
		return errors.Newf("backend %q already registered", name)
	}
	r.factories[name] = factory
	delete(r.instances, name)
	return nil
}

// Unregister removes a registration. The configured default cannot be
// removed; everything else would lose its fallback.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == r.defaultName {
		return errors.Newf("cannot unregister default backend %q", name)
	}
	delete(r.factories, name)
	delete(r.instances, name)
	return nil
}

// Get returns the backend instance for name, building it on first use. An
// unregistered name falls back to the default with a warning; Get never
// fails as long as the default itself is registered. Instances are cached
// so repeated Gets return the same backend.
func (r *Registry) Get(name string) Backend {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		name = r.defaultName
	}
	if _, ok := r.factories[name]; !ok {
		logger.Warnw("Unknown backend requested, falling back to default",
			"requested", name,
			"default", r.defaultName)
		name = r.defaultName
	}

	if inst, ok := r.instances[name]; ok {
		return inst
	}
	factory, ok := r.factories[name]
	if !ok {
		logger.Errorw("Default backend is not registered", "default", r.defaultName)
		return nil
	}
	inst := factory()
	r.instances[name] = inst
	return inst
}

// SetActive records the instance the process is currently running on.
func (r *Registry) SetActive(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = b
}

// GetActive returns the current instance, or nil before startup / after
// shutdown.
func (r *Registry) GetActive() Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// ClearActive drops the active instance reference at shutdown.
func (r *Registry) ClearActive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = nil
}
