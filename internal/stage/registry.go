package stage

import (
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors for the registry.
var (
	// ErrStageAlreadyRegistered is returned when registering a duplicate stage.
	ErrStageAlreadyRegistered = errors.New("stage already registered")

	// ErrStageNotFound is returned when a stage or dependency is not registered.
	ErrStageNotFound = errors.New("stage not found")

	// ErrDependencyCycle is returned when stage dependencies form a cycle.
	ErrDependencyCycle = errors.New("dependency cycle detected")

	// ErrNotLinear is returned when stages do not form a single chain.
	ErrNotLinear = errors.New("stages do not form a linear chain")
)

// Registry holds stage specs and resolves their order.
type Registry struct {
	mu    sync.RWMutex
	specs map[Name]Spec
	order []Name // registration order
}

// NewRegistry creates an empty stage registry.
func NewRegistry() *Registry {
	return &Registry{
		specs: make(map[Name]Spec),
		order: make([]Name, 0),
	}
}

// DefaultRegistry returns a registry holding Specs().
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, s := range Specs() {
		// Specs has unique names.
		_ = r.Register(s)
	}
	return r
}

// Register adds a stage spec.
// Returns an error if a stage with the same name is already registered.
func (r *Registry) Register(s Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[s.Name]; exists {
		return fmt.Errorf("%w: %s", ErrStageAlreadyRegistered, s.Name)
	}

	r.specs[s.Name] = s
	r.order = append(r.order, s.Name)
	return nil
}

// Get returns a stage spec by name.
func (r *Registry) Get(name Name) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.specs[name]
	return s, ok
}

// Names returns all stage names in registration order.
func (r *Registry) Names() []Name {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]Name, len(r.order))
	copy(names, r.order)
	return names
}

// Ordered returns the stages as a chain, first stage first.
// The registry must describe exactly one linear chain: one stage without a
// dependency and every other stage depending on a distinct predecessor.
func (r *Registry) Ordered() ([]Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.order) == 0 {
		return nil, nil
	}

	var first []Name
	next := make(map[Name]Name)
	for _, name := range r.order {
		s := r.specs[name]
		if s.DependsOn == "" {
			first = append(first, name)
			continue
		}
		if _, ok := r.specs[s.DependsOn]; !ok {
			return nil, fmt.Errorf("%w: stage %q depends on %q", ErrStageNotFound, name, s.DependsOn)
		}
		if other, taken := next[s.DependsOn]; taken {
			return nil, fmt.Errorf("%w: %q and %q both follow %q", ErrNotLinear, other, name, s.DependsOn)
		}
		next[s.DependsOn] = name
	}

	if len(first) == 0 {
		return nil, ErrDependencyCycle
	}
	if len(first) > 1 {
		return nil, fmt.Errorf("%w: %d stages have no dependency", ErrNotLinear, len(first))
	}

	ordered := make([]Spec, 0, len(r.order))
	for name, ok := first[0], true; ok; name, ok = next[name] {
		ordered = append(ordered, r.specs[name])
	}

	// Anything left over sits on a cycle detached from the chain.
	if len(ordered) != len(r.order) {
		return nil, ErrDependencyCycle
	}
	return ordered, nil
}

// Validate checks that the registered stages form a single chain.
func (r *Registry) Validate() error {
	_, err := r.Ordered()
	return err
}

// Next returns the stage that consumes name's result.
// Returns false for the last stage.
func (r *Registry) Next(name Name) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, n := range r.order {
		if s := r.specs[n]; s.DependsOn == name {
			return s, true
		}
	}
	return Spec{}, false
}
