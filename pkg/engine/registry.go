package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds an executor from structured configuration.
type Factory func(cfg Config) (Executor, error)

// RegisterOption customizes a registry entry.
type RegisterOption func(*registryEntry)

// WithDefaultPolicy sets the reliability policy applied to blocks of this type
// that do not carry an explicit one.
func WithDefaultPolicy(p Policy) RegisterOption {
	return func(e *registryEntry) {
		e.policy = &p
	}
}

// WithDescription attaches a one-line description shown by tooling.
func WithDescription(desc string) RegisterOption {
	return func(e *registryEntry) {
		e.description = desc
	}
}

type registryEntry struct {
	factory     Factory
	builtin     bool
	policy      *Policy
	description string
}

// TypeInfo describes a registered block type.
type TypeInfo struct {
	ID            string
	Builtin       bool
	Description   string
	DefaultPolicy *Policy
}

// Registry maps stable type ids to block factories. A registry is an explicit
// object: populate it once, then share it read-only between workflows.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
	}
}

// RegisterBuiltin registers a type shipped with the engine.
func (r *Registry) RegisterBuiltin(typeID string, factory Factory, opts ...RegisterOption) error {
	return r.register(typeID, factory, true, opts)
}

// RegisterCustom registers a user-provided type.
func (r *Registry) RegisterCustom(typeID string, factory Factory, opts ...RegisterOption) error {
	return r.register(typeID, factory, false, opts)
}

func (r *Registry) register(typeID string, factory Factory, builtin bool, opts []RegisterOption) error {
	if typeID == "" {
		return &ConfigError{Message: "type id is required"}
	}
	if factory == nil {
		return &ConfigError{TypeID: typeID, Message: "factory is nil"}
	}

	entry := &registryEntry{factory: factory, builtin: builtin}
	for _, opt := range opts {
		opt(entry)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[typeID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, typeID)
	}
	r.entries[typeID] = entry
	return nil
}

// Create builds an executor for typeID.
func (r *Registry) Create(typeID string, cfg Config) (Executor, error) {
	r.mu.RLock()
	entry, ok := r.entries[typeID]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeID)
	}
	if cfg == nil {
		cfg = Config{}
	}

	exec, err := entry.factory(cfg)
	if err != nil {
		return nil, withType(typeID, err)
	}
	if exec == nil {
		return nil, &ConfigError{TypeID: typeID, Message: "factory returned nil executor"}
	}
	return exec, nil
}

// DefaultPolicy returns the type default policy, if any.
func (r *Registry) DefaultPolicy(typeID string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[typeID]
	if !ok || entry.policy == nil {
		return Policy{}, false
	}
	return *entry.policy, true
}

// Has reports whether typeID is registered.
func (r *Registry) Has(typeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[typeID]
	return ok
}

// IsBuiltin reports whether typeID was registered with RegisterBuiltin.
func (r *Registry) IsBuiltin(typeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[typeID]
	return ok && entry.builtin
}

// Types lists registered types sorted by id.
func (r *Registry) Types() []TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]TypeInfo, 0, len(r.entries))
	for id, entry := range r.entries {
		info := TypeInfo{
			ID:          id,
			Builtin:     entry.builtin,
			Description: entry.description,
		}
		if entry.policy != nil {
			p := *entry.policy
			info.DefaultPolicy = &p
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}
