// Package modules provides the process wide registry of service and adapter
// modules.
//
// Modules are addressed by source. A source is either a manifest
// (*.rsm.json for services, *.ram.json for adapters) or a module URL. Three
// kinds of source exist:
//
//	./services/file.rsm.json      built-in, preloaded, never purged
//	/lib/counter.rsm.json         tenant code store, owned by that tenant
//	https://host/lib/x.rsm.json   requested through the dispatcher, owned
//	                              by the tenant serving host if any
//
// Every cache entry is keyed by its canonical source. Tenant relative
// sources canonicalise to rs://<tenant>/<path> so two tenants never share
// an entry for the same relative path.
package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/restspace-gateway/internal/core/domain"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
)

const tenantScheme = "rs://"

// Observer is notified of every cache fill attempt. kind is one of
// "service", "adapter", "service_manifest", "adapter_manifest"; outcome is
// "loaded" or "error".
type Observer func(kind, outcome string)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithLoaders adds module loaders, tried in order after the built-ins.
func WithLoaders(loaders ...ports.ModuleLoader) Option {
	return func(r *Registry) { r.loaders = append(r.loaders, loaders...) }
}

// WithObserver sets the cache fill observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// Registry caches module constructors, manifests and config validators.
// It is safe for concurrent use.
type Registry struct {
	reader   ports.SourceReader
	builtin  *BuiltinLoader
	loaders  []ports.ModuleLoader
	logger   *slog.Logger
	observer Observer

	mu               sync.RWMutex
	services         map[string]*ports.Service
	adapters         map[string]ports.AdapterConstructor
	serviceManifests map[string]*domain.ServiceManifest
	adapterManifests map[string]*domain.AdapterManifest
	validators       map[string]*gojsonschema.Schema
	// owners maps canonical source to the tenant whose store it came from.
	owners map[string]string

	loads singleflight.Group
}

// New creates a registry reading sources through reader.
func New(reader ports.SourceReader, opts ...Option) *Registry {
	r := &Registry{
		reader:           reader,
		builtin:          NewBuiltinLoader(),
		logger:           slog.Default(),
		services:         make(map[string]*ports.Service),
		adapters:         make(map[string]ports.AdapterConstructor),
		serviceManifests: make(map[string]*domain.ServiceManifest),
		adapterManifests: make(map[string]*domain.AdapterManifest),
		validators:       make(map[string]*gojsonschema.Schema),
		owners:           make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.loaders = append([]ports.ModuleLoader{r.builtin}, r.loaders...)
	return r
}

// RegisterService preloads a built-in service under its manifest source.
// The manifest's moduleUrl is the key of the implementation.
func (r *Registry) RegisterService(source string, manifest *domain.ServiceManifest, svc *ports.Service) {
	if !domain.IsBuiltinSource(source) || !domain.IsBuiltinSource(manifest.ModuleURL) {
		panic(fmt.Sprintf("built-in service %q must use ./ sources", source))
	}
	manifest.Source = source
	r.builtin.AddService(manifest.ModuleURL, svc)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.serviceManifests[source] = manifest
	r.services[manifest.ModuleURL] = svc
}

// RegisterAdapter preloads a built-in adapter under its manifest source.
func (r *Registry) RegisterAdapter(source string, manifest *domain.AdapterManifest, cons ports.AdapterConstructor) {
	if !domain.IsBuiltinSource(source) || !domain.IsBuiltinSource(manifest.ModuleURL) {
		panic(fmt.Sprintf("built-in adapter %q must use ./ sources", source))
	}
	manifest.Source = source
	r.builtin.AddAdapter(manifest.ModuleURL, cons)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapterManifests[source] = manifest
	r.adapters[manifest.ModuleURL] = cons
}

// Canonical returns the cache key of source as seen from tenant.
func Canonical(tenant, source string) string {
	switch {
	case domain.IsBuiltinSource(source), strings.HasPrefix(source, tenantScheme):
		return source
	case strings.Contains(source, "://"):
		return source
	case strings.HasPrefix(source, "/"):
		return tenantScheme + tenant + source
	default:
		return tenantScheme + tenant + "/" + source
	}
}

// splitCanonical turns a canonical key back into the tenant and source the
// reader understands.
func splitCanonical(tenant, canonical string) (string, string) {
	if !strings.HasPrefix(canonical, tenantScheme) {
		return tenant, canonical
	}
	rest := strings.TrimPrefix(canonical, tenantScheme)
	owner, path, found := strings.Cut(rest, "/")
	if !found {
		return owner, "/"
	}
	return owner, "/" + path
}

// GetServiceManifest returns the manifest at source.
func (r *Registry) GetServiceManifest(ctx context.Context, tenant, source string) (*domain.ServiceManifest, error) {
	if !domain.IsServiceManifest(source) {
		return nil, domain.NewConfigError(source, "not a service manifest")
	}
	key := Canonical(tenant, source)

	r.mu.RLock()
	m, ok := r.serviceManifests[key]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	v, err, _ := r.loads.Do("service_manifest:"+key, func() (any, error) {
		r.mu.RLock()
		m, ok := r.serviceManifests[key]
		r.mu.RUnlock()
		if ok {
			return m, nil
		}
		data, owner, err := r.read(ctx, tenant, key)
		if err != nil {
			return nil, err
		}
		if err := validateManifest(serviceManifestSchema, data); err != nil {
			return nil, domain.NewConfigError(source, "invalid service manifest: %v", err)
		}
		var manifest domain.ServiceManifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			return nil, domain.NewConfigError(source, "decode service manifest: %v", err)
		}
		manifest.Source = key

		r.mu.Lock()
		r.serviceManifests[key] = &manifest
		r.setOwner(key, owner)
		r.mu.Unlock()
		return &manifest, nil
	})
	r.observe("service_manifest", err)
	if err != nil {
		return nil, fmt.Errorf("load service manifest %s: %w", source, err)
	}
	return v.(*domain.ServiceManifest), nil
}

// GetAdapterManifest returns the manifest at source.
func (r *Registry) GetAdapterManifest(ctx context.Context, tenant, source string) (*domain.AdapterManifest, error) {
	if !domain.IsAdapterManifest(source) {
		return nil, domain.NewConfigError(source, "not an adapter manifest")
	}
	key := Canonical(tenant, source)

	r.mu.RLock()
	m, ok := r.adapterManifests[key]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	v, err, _ := r.loads.Do("adapter_manifest:"+key, func() (any, error) {
		r.mu.RLock()
		m, ok := r.adapterManifests[key]
		r.mu.RUnlock()
		if ok {
			return m, nil
		}
		data, owner, err := r.read(ctx, tenant, key)
		if err != nil {
			return nil, err
		}
		if err := validateManifest(adapterManifestSchema, data); err != nil {
			return nil, domain.NewConfigError(source, "invalid adapter manifest: %v", err)
		}
		var manifest domain.AdapterManifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			return nil, domain.NewConfigError(source, "decode adapter manifest: %v", err)
		}
		manifest.Source = key

		r.mu.Lock()
		r.adapterManifests[key] = &manifest
		r.setOwner(key, owner)
		r.mu.Unlock()
		return &manifest, nil
	})
	r.observe("adapter_manifest", err)
	if err != nil {
		return nil, fmt.Errorf("load adapter manifest %s: %w", source, err)
	}
	return v.(*domain.AdapterManifest), nil
}

// GetService returns the service implementation for source, which may be
// a manifest or a module URL.
func (r *Registry) GetService(ctx context.Context, tenant, source string) (*ports.Service, error) {
	moduleKey := Canonical(tenant, source)
	if domain.IsServiceManifest(source) {
		manifest, err := r.GetServiceManifest(ctx, tenant, source)
		if err != nil {
			return nil, err
		}
		moduleKey, err = r.moduleKey(manifest.Source, manifest.ModuleURL)
		if err != nil {
			return nil, domain.NewConfigError(source, "%v", err)
		}
	}

	r.mu.RLock()
	svc, ok := r.services[moduleKey]
	r.mu.RUnlock()
	if ok {
		return svc, nil
	}

	v, err, _ := r.loads.Do("service:"+moduleKey, func() (any, error) {
		r.mu.RLock()
		cached, ok := r.services[moduleKey]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}
		loader, err := r.loaderFor(moduleKey)
		if err != nil {
			return nil, err
		}
		var owner string
		fetch := func(ctx context.Context) ([]byte, error) {
			data, o, err := r.read(ctx, tenant, moduleKey)
			owner = o
			return data, err
		}
		svc, err := loader.LoadService(ctx, moduleKey, fetch)
		if err != nil {
			return nil, fmt.Errorf("%s loader: %w", loader.Name(), err)
		}
		if svc == nil || svc.Func == nil {
			return nil, fmt.Errorf("module %s has no service function", moduleKey)
		}

		r.mu.Lock()
		r.services[moduleKey] = svc
		r.setOwner(moduleKey, owner)
		r.mu.Unlock()
		return svc, nil
	})
	r.observe("service", err)
	if err != nil {
		return nil, fmt.Errorf("load service %s: %w", source, err)
	}
	return v.(*ports.Service), nil
}

// GetAdapter builds an adapter instance from the module at source.
func (r *Registry) GetAdapter(ctx context.Context, tenant, source string, sctx *ports.ServiceContext, cfg map[string]any) (any, error) {
	cons, err := r.adapterConstructor(ctx, tenant, source)
	if err != nil {
		return nil, err
	}
	adapter, err := cons(ctx, sctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("construct adapter %s: %w", source, err)
	}
	return adapter, nil
}

func (r *Registry) adapterConstructor(ctx context.Context, tenant, source string) (ports.AdapterConstructor, error) {
	moduleKey := Canonical(tenant, source)
	if domain.IsAdapterManifest(source) {
		manifest, err := r.GetAdapterManifest(ctx, tenant, source)
		if err != nil {
			return nil, err
		}
		moduleKey, err = r.moduleKey(manifest.Source, manifest.ModuleURL)
		if err != nil {
			return nil, domain.NewConfigError(source, "%v", err)
		}
	}

	r.mu.RLock()
	cons, ok := r.adapters[moduleKey]
	r.mu.RUnlock()
	if ok {
		return cons, nil
	}

	v, err, _ := r.loads.Do("adapter:"+moduleKey, func() (any, error) {
		r.mu.RLock()
		cached, ok := r.adapters[moduleKey]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}
		loader, err := r.loaderFor(moduleKey)
		if err != nil {
			return nil, err
		}
		var owner string
		fetch := func(ctx context.Context) ([]byte, error) {
			data, o, err := r.read(ctx, tenant, moduleKey)
			owner = o
			return data, err
		}
		cons, err := loader.LoadAdapter(ctx, moduleKey, fetch)
		if err != nil {
			return nil, fmt.Errorf("%s loader: %w", loader.Name(), err)
		}

		r.mu.Lock()
		r.adapters[moduleKey] = cons
		r.setOwner(moduleKey, owner)
		r.mu.Unlock()
		return cons, nil
	})
	r.observe("adapter", err)
	if err != nil {
		return nil, fmt.Errorf("load adapter %s: %w", source, err)
	}
	return v.(ports.AdapterConstructor), nil
}

// moduleKey resolves a manifest's moduleUrl against the manifest location.
// A moduleUrl naming a built-in implementation is used as is.
func (r *Registry) moduleKey(manifestKey, moduleURL string) (string, error) {
	if moduleURL == "" {
		return "", fmt.Errorf("manifest has no moduleUrl")
	}
	if r.builtin.CanLoad(moduleURL) || strings.Contains(moduleURL, "://") {
		return moduleURL, nil
	}
	if domain.IsBuiltinSource(manifestKey) {
		return "", fmt.Errorf("built-in manifest refers to unknown module %s", moduleURL)
	}
	base, err := url.Parse(manifestKey)
	if err != nil {
		return "", fmt.Errorf("parse manifest location: %w", err)
	}
	ref, err := url.Parse(moduleURL)
	if err != nil {
		return "", fmt.Errorf("parse moduleUrl: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (r *Registry) loaderFor(moduleKey string) (ports.ModuleLoader, error) {
	for _, l := range r.loaders {
		if l.CanLoad(moduleKey) {
			return l, nil
		}
	}
	return nil, fmt.Errorf("no loader for module %s", moduleKey)
}

func (r *Registry) read(ctx context.Context, tenant, key string) ([]byte, string, error) {
	if r.reader == nil {
		return nil, "", fmt.Errorf("no source reader for %s", key)
	}
	t, source := splitCanonical(tenant, key)
	data, owner, err := r.reader.ReadSource(ctx, t, source)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", key, err)
	}
	return data, owner, nil
}

// setOwner must be called with mu held.
func (r *Registry) setOwner(key, owner string) {
	if owner != "" {
		r.owners[key] = owner
	}
}

func (r *Registry) observe(kind string, err error) {
	if r.observer == nil {
		return
	}
	if err != nil {
		r.observer(kind, "error")
		return
	}
	r.observer(kind, "loaded")
}

// PurgeTenantModules drops every entry loaded from tenant's own store, so
// the next access re-imports it. Built-ins and other tenants' entries stay.
// It returns the number of purged entries.
func (r *Registry) PurgeTenantModules(tenant string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for key, owner := range r.owners {
		if owner != tenant {
			continue
		}
		delete(r.services, key)
		delete(r.adapters, key)
		delete(r.serviceManifests, key)
		delete(r.adapterManifests, key)
		delete(r.validators, key)
		delete(r.owners, key)
		purged++
	}
	r.logger.Debug("purged tenant modules",
		slog.String("tenant", tenant),
		slog.Int("entries", purged),
	)
	return purged
}
