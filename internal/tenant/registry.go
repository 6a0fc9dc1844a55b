package tenant

import (
	"sort"
	"sync"
)

// Registry holds the live tenant of each name. Replacing a tenant is a
// single swap, so a request sees either the old or the new tenant.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tenants: make(map[string]*Tenant),
	}
}

// Get returns the live tenant called name.
func (r *Registry) Get(name string) (*Tenant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[name]
	return t, ok
}

// Swap installs t under its name and returns the tenant it replaced, if
// any. The caller unloads the old tenant.
func (r *Registry) Swap(t *Tenant) (old *Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old = r.tenants[t.Name()]
	r.tenants[t.Name()] = t
	return old
}

// Remove drops the tenant called name and returns it.
func (r *Registry) Remove(name string) (*Tenant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[name]
	delete(r.tenants, name)
	return t, ok
}

// Names lists the live tenants.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tenants))
	for name := range r.tenants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReplaceIf installs t only while old is still the live tenant of its name.
// It reports whether t was installed.
func (r *Registry) ReplaceIf(old, t *Tenant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tenants[t.Name()] != old {
		return false
	}
	r.tenants[t.Name()] = t
	return true
}
