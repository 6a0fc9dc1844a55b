package modules

import (
	"context"
	"fmt"
	"sync"

	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
)

// BuiltinLoader serves implementations compiled into the binary, keyed by
// their fixed ./ module URL.
type BuiltinLoader struct {
	mu       sync.RWMutex
	services map[string]*ports.Service
	adapters map[string]ports.AdapterConstructor
}

// NewBuiltinLoader creates an empty loader.
func NewBuiltinLoader() *BuiltinLoader {
	return &BuiltinLoader{
		services: make(map[string]*ports.Service),
		adapters: make(map[string]ports.AdapterConstructor),
	}
}

// AddService registers a service implementation. Panics on duplicates.
func (l *BuiltinLoader) AddService(moduleURL string, svc *ports.Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.services[moduleURL]; exists {
		panic(fmt.Sprintf("built-in service module %q already registered", moduleURL))
	}
	l.services[moduleURL] = svc
}

// AddAdapter registers an adapter constructor. Panics on duplicates.
func (l *BuiltinLoader) AddAdapter(moduleURL string, cons ports.AdapterConstructor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.adapters[moduleURL]; exists {
		panic(fmt.Sprintf("built-in adapter module %q already registered", moduleURL))
	}
	l.adapters[moduleURL] = cons
}

func (l *BuiltinLoader) Name() string { return "builtin" }

func (l *BuiltinLoader) CanLoad(moduleURL string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, svc := l.services[moduleURL]
	_, ad := l.adapters[moduleURL]
	return svc || ad
}

func (l *BuiltinLoader) LoadService(_ context.Context, moduleURL string, _ ports.FetchFunc) (*ports.Service, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	svc, ok := l.services[moduleURL]
	if !ok {
		return nil, fmt.Errorf("%s is not a built-in service", moduleURL)
	}
	return svc, nil
}

func (l *BuiltinLoader) LoadAdapter(_ context.Context, moduleURL string, _ ports.FetchFunc) (ports.AdapterConstructor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cons, ok := l.adapters[moduleURL]
	if !ok {
		return nil, fmt.Errorf("%s is not a built-in adapter", moduleURL)
	}
	return cons, nil
}
