package ports

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// Unloader is implemented by state values that hold resources.
type Unloader interface {
	Unload(ctx context.Context) error
}

// StateRegistry holds one state value per service base path within a
// tenant. It is discarded with the tenant.
//
// A registry adopting values from its predecessor stays linked to it until
// either is unloaded: a value both hold is left to the survivor, so a
// failed reload does not tear down state the serving tenant still uses.
type StateRegistry struct {
	mu     sync.Mutex
	states map[string]any
	links  map[*StateRegistry]struct{}
}

// NewStateRegistry creates an empty registry.
func NewStateRegistry() *StateRegistry {
	return &StateRegistry{states: make(map[string]any), links: make(map[*StateRegistry]struct{})}
}

// Scope returns the accessor for basePath.
func (r *StateRegistry) Scope(basePath string) *StateScope {
	return &StateScope{registry: r, basePath: basePath}
}

// Len reports the number of live state values.
func (r *StateRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func (r *StateRegistry) link(other *StateRegistry) {
	r.mu.Lock()
	r.links[other] = struct{}{}
	r.mu.Unlock()
}

// unlink detaches other and returns the values r still holds.
func (r *StateRegistry) unlink(other *StateRegistry) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links, other)
	held := make([]any, 0, len(r.states))
	for _, v := range r.states {
		held = append(held, v)
	}
	return held
}

// UnloadAll tears down every state value in parallel, except values a
// linked registry still holds. Failures are collected, not fatal.
func (r *StateRegistry) UnloadAll(ctx context.Context) error {
	r.mu.Lock()
	states := r.states
	links := r.links
	r.states = make(map[string]any)
	r.links = make(map[*StateRegistry]struct{})
	r.mu.Unlock()

	shared := make(map[any]bool)
	for l := range links {
		for _, v := range l.unlink(r) {
			if hashable(v) {
				shared[v] = true
			}
		}
	}
	for basePath, st := range states {
		if hashable(st) && shared[st] {
			delete(states, basePath)
		}
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for basePath, st := range states {
		u, ok := st.(Unloader)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(basePath string, u Unloader) {
			defer wg.Done()
			if err := u.Unload(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("unload state %s: %w", basePath, err))
				mu.Unlock()
			}
		}(basePath, u)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func hashable(v any) bool {
	return v != nil && reflect.TypeOf(v).Comparable()
}

// StateScope gives a service access to its own state slot.
type StateScope struct {
	registry *StateRegistry
	basePath string
}

// BasePath is the base path the scope is bound to.
func (s *StateScope) BasePath() string {
	return s.basePath
}

// Adopt carries the value old holds over into s, unless s already has
// one. It reports whether a value was carried over. The two registries
// are linked from then on; see StateRegistry.
func (s *StateScope) Adopt(old *StateScope) bool {
	if s == nil || s.registry == nil || old == nil || old.registry == nil || old.registry == s.registry {
		return false
	}
	old.registry.mu.Lock()
	v, ok := old.registry.states[old.basePath]
	old.registry.mu.Unlock()
	if !ok {
		return false
	}

	r := s.registry
	r.mu.Lock()
	if _, taken := r.states[s.basePath]; taken {
		r.mu.Unlock()
		return false
	}
	r.states[s.basePath] = v
	r.links[old.registry] = struct{}{}
	r.mu.Unlock()
	old.registry.link(r)
	return true
}

// GetState returns the state for the scope, creating it with create on
// first access. A slot already holding a value of another type is an error.
func GetState[T any](s *StateScope, create func() (T, error)) (T, error) {
	var zero T
	if s == nil || s.registry == nil {
		return zero, errors.New("no state scope")
	}
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.states[s.basePath]; ok {
		v, ok := existing.(T)
		if !ok {
			return zero, fmt.Errorf("state for %s is %T, not %T", s.basePath, existing, zero)
		}
		return v, nil
	}
	v, err := create()
	if err != nil {
		return zero, fmt.Errorf("create state for %s: %w", s.basePath, err)
	}
	r.states[s.basePath] = v
	return v, nil
}
