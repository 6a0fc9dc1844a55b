// Package service compiles a tenant's service configuration into request
// handlers and wraps every handler with the cross-cutting request envelope
// (authorization, pipelines, caching headers, CORS).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/knadh/koanf/maps"
	"github.com/mitchellh/copystructure"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/restspace-gateway/internal/core/domain"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/message"
	"github.com/tjfontaine/restspace-gateway/internal/modules"
	"github.com/tjfontaine/restspace-gateway/internal/pipeline"
)

// Handler runs one request through a service. It never fails: errors are
// reported through the status of the returned message.
type Handler func(ctx context.Context, msg *message.Message) *message.Message

// compiled is a service config after defaults, templates and private
// service expansion, with its pipelines parsed.
type compiled struct {
	config   *domain.ServiceConfig
	manifest *domain.ServiceManifest
	pre      *pipeline.Pipeline
	post     *pipeline.Pipeline
	private  bool

	// adapter source and config after infra resolution
	adapterSource string
	adapterConfig map[string]any

	// svc is pinned by InitServices; later registry purges do not reach it
	svc *ports.Service
}

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) { f.logger = logger }
}

// WithExecutor sets the pipeline executor. Executors are stateless and may
// be shared between tenants.
func WithExecutor(e *pipeline.Executor) Option {
	return func(f *Factory) { f.executor = e }
}

// WithInfra declares the named adapters services can refer to by
// infraName.
func WithInfra(infra map[string]map[string]any) Option {
	return func(f *Factory) { f.infra = infra }
}

// WithBaseContext sets the service context every handler starts from. Its
// MakeRequest is how sub-requests leave the service.
func WithBaseContext(sctx *ports.ServiceContext) Option {
	return func(f *Factory) { f.base = sctx }
}

// WithStates sets the state registry handing out per-basePath state.
func WithStates(states *ports.StateRegistry) Option {
	return func(f *Factory) { f.states = states }
}

// WithPreviousStates sets the state registry of the tenant being
// replaced. Services find their old scope in Init.
func WithPreviousStates(states *ports.StateRegistry) Option {
	return func(f *Factory) { f.previous = states }
}

// WithMimeProcessor registers a post-processor for responses of mimeType.
func WithMimeProcessor(mimeType string, p MimeProcessor) Option {
	return func(f *Factory) { f.wrapper.mime[message.BaseMime(mimeType)] = p }
}

// Factory compiles one tenant's services and builds their handlers.
type Factory struct {
	tenant   string
	registry *modules.Registry
	executor *pipeline.Executor
	logger   *slog.Logger
	infra    map[string]map[string]any
	base     *ports.ServiceContext
	states   *ports.StateRegistry
	previous *ports.StateRegistry
	wrapper  *Wrapper

	manifestMu       sync.RWMutex
	serviceManifests map[string]*domain.ServiceManifest
	adapterManifests map[string]*domain.AdapterManifest

	// services holds externally routable services, privates every private
	// service; both keyed by base path.
	services map[string]*compiled
	privates map[string]*compiled

	adapterMu sync.Mutex
	adapters  map[string]any
}

// NewFactory creates a factory for tenant.
func NewFactory(tenant string, registry *modules.Registry, opts ...Option) *Factory {
	f := &Factory{
		tenant:           tenant,
		registry:         registry,
		logger:           slog.Default(),
		infra:            map[string]map[string]any{},
		base:             &ports.ServiceContext{},
		states:           ports.NewStateRegistry(),
		serviceManifests: make(map[string]*domain.ServiceManifest),
		adapterManifests: make(map[string]*domain.AdapterManifest),
		services:         make(map[string]*compiled),
		privates:         make(map[string]*compiled),
		adapters:         make(map[string]any),
	}
	f.wrapper = newWrapper(f)
	for _, opt := range opts {
		opt(f)
	}
	if f.executor == nil {
		f.executor = pipeline.NewExecutor(pipeline.WithLogger(f.logger))
	}
	if f.base.Tenant == "" {
		f.base.Tenant = tenant
	}
	if f.base.Logger == nil {
		f.base.Logger = f.logger
	}
	return f
}

// Tenant returns the tenant name.
func (f *Factory) Tenant() string {
	return f.tenant
}

// States returns the per-basePath state registry.
func (f *Factory) States() *ports.StateRegistry {
	return f.states
}

// LoadServiceManifests loads the manifests of sources and, transitively,
// of every private service they declare. Sources without a manifest get a
// synthetic one naming the module directly.
func (f *Factory) LoadServiceManifests(ctx context.Context, sources []string) error {
	seen := make(map[string]bool)
	layer := sources
	for len(layer) > 0 {
		var todo []string
		for _, s := range layer {
			if !seen[s] {
				seen[s] = true
				todo = append(todo, s)
			}
		}
		if len(todo) == 0 {
			return nil
		}

		loaded := make([]*domain.ServiceManifest, len(todo))
		g, gctx := errgroup.WithContext(ctx)
		for i, source := range todo {
			g.Go(func() error {
				m, err := f.loadServiceManifest(gctx, source)
				if err != nil {
					return err
				}
				loaded[i] = m
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		layer = nil
		for _, m := range loaded {
			for name, tmpl := range m.PrivateServices {
				src, ok := tmpl["source"].(string)
				if !ok || src == "" {
					return domain.NewConfigError(m.Source, "private service %s has no source", name)
				}
				if strings.Contains(src, "$") {
					// templated; loaded when the config is compiled
					continue
				}
				layer = append(layer, src)
			}
		}
	}
	return nil
}

func (f *Factory) loadServiceManifest(ctx context.Context, source string) (*domain.ServiceManifest, error) {
	var m *domain.ServiceManifest
	if domain.IsServiceManifest(source) {
		var err error
		m, err = f.registry.GetServiceManifest(ctx, f.tenant, source)
		if err != nil {
			return nil, err
		}
	} else {
		m = &domain.ServiceManifest{Name: source, ModuleURL: source, Source: modules.Canonical(f.tenant, source)}
	}
	f.manifestMu.Lock()
	f.serviceManifests[source] = m
	f.manifestMu.Unlock()
	return m, nil
}

func (f *Factory) serviceManifest(ctx context.Context, source string) (*domain.ServiceManifest, error) {
	f.manifestMu.RLock()
	m, ok := f.serviceManifests[source]
	f.manifestMu.RUnlock()
	if ok {
		return m, nil
	}
	return f.loadServiceManifest(ctx, source)
}

// Compile builds the effective configuration of every service. For each
// one the manifest defaults are merged under the config, then the manifest
// config template is applied, then private services are expanded.
func (f *Factory) Compile(ctx context.Context, services map[string]map[string]any) error {
	basePaths := make([]string, 0, len(services))
	for bp := range services {
		basePaths = append(basePaths, bp)
	}
	sort.Strings(basePaths)

	for _, key := range basePaths {
		c, err := f.compile(ctx, services[key], nil, map[string]bool{})
		if err != nil {
			return err
		}
		if _, dup := f.services[c.config.BasePath]; dup {
			return domain.NewConfigError(c.config.BasePath, "two services share base path")
		}
		if isPrivateBasePath(c.config.BasePath) {
			return domain.NewConfigError(c.config.BasePath, "base path may not contain a private service segment")
		}
		f.services[c.config.BasePath] = c
	}
	return nil
}

func (f *Factory) compile(ctx context.Context, raw map[string]any, parent *compiled, visited map[string]bool) (*compiled, error) {
	source, _ := raw["source"].(string)
	if source == "" {
		return nil, domain.NewConfigError(fmt.Sprint(raw["basePath"]), "service has no source")
	}
	manifest, err := f.serviceManifest(ctx, source)
	if err != nil {
		return nil, err
	}
	if visited[manifest.Source] {
		return nil, domain.NewConfigError(manifest.Source, "private service cycle")
	}

	merged, err := f.effectiveConfig(raw, manifest.Defaults, manifest.ConfigTemplate)
	if err != nil {
		return nil, domain.NewConfigError(source, "%v", err)
	}
	if parent != nil {
		if _, ok := merged["access"]; !ok {
			merged["access"] = parent.config.Raw["access"]
		}
	}
	if err := f.registry.ValidateServiceConfig(manifest, merged); err != nil {
		return nil, err
	}
	cfg, err := domain.ParseServiceConfig(merged)
	if err != nil {
		return nil, domain.NewConfigError(source, "%v", err)
	}

	c := &compiled{config: cfg, manifest: manifest, private: parent != nil}
	cfg.ManifestConfig = &domain.ManifestConfig{
		PrePipeline:  pipeline.Concat(manifest.PrePipeline, cfg.PrePipeline),
		PostPipeline: pipeline.Concat(cfg.PostPipeline, manifest.PostPipeline),
	}
	if c.pre, err = pipeline.Parse(cfg.ManifestConfig.PrePipeline); err != nil {
		return nil, domain.NewConfigError(cfg.BasePath, "pre pipeline: %v", err)
	}
	if c.post, err = pipeline.Parse(cfg.ManifestConfig.PostPipeline); err != nil {
		return nil, domain.NewConfigError(cfg.BasePath, "post pipeline: %v", err)
	}
	if err := f.resolveAdapter(c); err != nil {
		return nil, err
	}

	if len(manifest.PrivateServices) > 0 {
		visited[manifest.Source] = true
		defer delete(visited, manifest.Source)

		cfg.ManifestConfig.PrivateServiceConfigs = make(map[string]*domain.ServiceConfig, len(manifest.PrivateServices))
		for name, tmpl := range manifest.PrivateServices {
			out, err := pipeline.ApplyTransform(tmpl, merged)
			if err != nil {
				return nil, domain.NewConfigError(manifest.Source, "private service %s: %v", name, err)
			}
			privRaw, ok := out.(map[string]any)
			if !ok {
				return nil, domain.NewConfigError(manifest.Source, "private service %s: template is not an object", name)
			}
			privRaw["basePath"] = domain.PrivateBasePath(cfg.BasePath, name)
			if _, ok := privRaw["name"]; !ok {
				privRaw["name"] = name
			}
			priv, err := f.compile(ctx, privRaw, c, visited)
			if err != nil {
				return nil, err
			}
			cfg.ManifestConfig.PrivateServiceConfigs[name] = priv.config
			f.privates[priv.config.BasePath] = priv
		}
	}
	return c, nil
}

// effectiveConfig merges raw over defaults and applies template. The
// inputs are not modified.
func (f *Factory) effectiveConfig(raw, defaults, template map[string]any) (map[string]any, error) {
	merged := maps.Copy(defaults)
	if merged == nil {
		merged = map[string]any{}
	}
	maps.Merge(maps.Copy(raw), merged)

	if len(template) > 0 {
		out, err := pipeline.ApplyTransform(template, merged)
		if err != nil {
			return nil, fmt.Errorf("config template: %w", err)
		}
		if obj, ok := out.(map[string]any); ok {
			maps.Merge(obj, merged)
		}
	}
	return merged, nil
}

// resolveAdapter settles which adapter a service uses: the named infra
// entry first, else its adapterSource.
func (f *Factory) resolveAdapter(c *compiled) error {
	cfg := c.config
	switch {
	case cfg.InfraName != "":
		infra, ok := f.infra[cfg.InfraName]
		if !ok {
			return domain.NewConfigError(cfg.BasePath, "infra %q is not defined", cfg.InfraName)
		}
		src, _ := infra["adapterSource"].(string)
		if src == "" {
			return domain.NewConfigError(cfg.BasePath, "infra %q has no adapterSource", cfg.InfraName)
		}
		adapterCfg := maps.Copy(infra)
		delete(adapterCfg, "adapterSource")
		maps.Merge(maps.Copy(cfg.AdapterConfig), adapterCfg)
		c.adapterSource = src
		c.adapterConfig = adapterCfg
	case cfg.AdapterSource != "":
		c.adapterSource = cfg.AdapterSource
		c.adapterConfig = maps.Copy(cfg.AdapterConfig)
		if c.adapterConfig == nil {
			c.adapterConfig = map[string]any{}
		}
	}
	return nil
}

// LoadAdapterManifests loads the manifest of every adapter the compiled
// services use, checks the adapter provides the interface the service
// expects and validates the adapter config.
func (f *Factory) LoadAdapterManifests(ctx context.Context) error {
	all := f.allCompiled()
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range all {
		if c.adapterSource == "" && c.manifest.AdapterInterface == "" {
			continue
		}
		g.Go(func() error {
			if c.adapterSource == "" {
				return domain.NewConfigError(c.config.BasePath, "service needs an %s adapter", c.manifest.AdapterInterface)
			}
			if !domain.IsAdapterManifest(c.adapterSource) {
				return nil
			}
			m, err := f.registry.GetAdapterManifest(gctx, f.tenant, c.adapterSource)
			if err != nil {
				return err
			}
			if iface := c.manifest.AdapterInterface; iface != "" && !m.Implements(iface) {
				return domain.NewConfigError(c.config.BasePath, "adapter %s does not implement %s", m.Name, iface)
			}
			if len(m.ConfigTemplate) > 0 {
				cfg, err := f.effectiveConfig(c.adapterConfig, nil, m.ConfigTemplate)
				if err != nil {
					return domain.NewConfigError(c.config.BasePath, "%v", err)
				}
				c.adapterConfig = cfg
			}
			if err := f.registry.ValidateAdapterConfig(m, c.adapterConfig); err != nil {
				return err
			}
			f.manifestMu.Lock()
			f.adapterManifests[c.adapterSource] = m
			f.manifestMu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (f *Factory) allCompiled() []*compiled {
	out := make([]*compiled, 0, len(f.services)+len(f.privates))
	for _, c := range f.services {
		out = append(out, c)
	}
	for _, c := range f.privates {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].config.BasePath < out[j].config.BasePath })
	return out
}

// Configs returns the externally routable service configs sorted by base
// path.
func (f *Factory) Configs() []*domain.ServiceConfig {
	out := make([]*domain.ServiceConfig, 0, len(f.services))
	for _, c := range f.services {
		out = append(out, c.config)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BasePath < out[j].BasePath })
	return out
}

// Config returns the service mounted exactly at basePath, private services
// included.
func (f *Factory) Config(basePath string) (*domain.ServiceConfig, bool) {
	if c, ok := f.services[basePath]; ok {
		return c.config, true
	}
	if c, ok := f.privates[basePath]; ok {
		return c.config, true
	}
	return nil, false
}

// Manifest returns the manifest of the service at basePath.
func (f *Factory) Manifest(basePath string) (*domain.ServiceManifest, bool) {
	if c, ok := f.lookup(basePath); ok {
		return c.manifest, true
	}
	return nil, false
}

func (f *Factory) lookup(basePath string) (*compiled, bool) {
	if c, ok := f.services[basePath]; ok {
		return c, true
	}
	c, ok := f.privates[basePath]
	return c, ok
}

// BasePathFromUrl finds the service for u: the longest base path that is a
// prefix of the path by whole segments. A base path ending in "." only
// matches the full path. Private services never match.
func (f *Factory) BasePathFromUrl(u *message.Url) (string, bool) {
	elements := u.PathElements
	for n := len(elements); n >= 0; n-- {
		candidate := "/" + strings.Join(elements[:n], "/")
		if _, ok := f.services[candidate]; ok {
			return candidate, true
		}
		if n == len(elements) && n > 0 {
			if _, ok := f.services[candidate+"."]; ok {
				return candidate + ".", true
			}
		}
	}
	return "", false
}

// GetServiceAndConfigByApi returns the first service, by base path, whose
// manifest declares api.
func (f *Factory) GetServiceAndConfigByApi(ctx context.Context, api string) (*ports.Service, *domain.ServiceConfig, error) {
	for _, cfg := range f.Configs() {
		c := f.services[cfg.BasePath]
		if !c.manifest.HasAPI(api) {
			continue
		}
		svc, err := f.service(ctx, c)
		if err != nil {
			return nil, nil, err
		}
		return svc, cfg, nil
	}
	return nil, nil, fmt.Errorf("no service provides %s: %w", api, domain.ErrNotFound)
}

// GetMessageFunctionForService builds the handler of cfg. The handler works
// on its own deep copy of the config and manifest.
func (f *Factory) GetMessageFunctionForService(ctx context.Context, cfg *domain.ServiceConfig, source ports.Source) (Handler, error) {
	c, ok := f.lookup(cfg.BasePath)
	if !ok {
		return nil, fmt.Errorf("service %s: %w", cfg.BasePath, domain.ErrNotFound)
	}
	svc, err := f.service(ctx, c)
	if err != nil {
		return nil, err
	}
	sctx, err := f.serviceContext(ctx, c)
	if err != nil {
		return nil, err
	}

	snapshot, err := cloneCompiled(c)
	if err != nil {
		return nil, err
	}
	if c.private {
		return f.wrapper.Internal(svc, snapshot, sctx), nil
	}
	return f.wrapper.External(svc, snapshot, sctx, source), nil
}

// ServiceContext returns the context the service at basePath runs with,
// outside of any request. The tenant uses it to call SetUser on its auth
// delegate.
func (f *Factory) ServiceContext(ctx context.Context, basePath string) (*ports.ServiceContext, error) {
	c, ok := f.lookup(basePath)
	if !ok {
		return nil, fmt.Errorf("service %s: %w", basePath, domain.ErrNotFound)
	}
	return f.serviceContext(ctx, c)
}

// service returns the module of c: the one pinned at init, or the
// registry's before that.
func (f *Factory) service(ctx context.Context, c *compiled) (*ports.Service, error) {
	if c.svc != nil {
		return c.svc, nil
	}
	return f.registry.GetService(ctx, f.tenant, c.config.Source)
}

// serviceContext is the base context specialised for one service.
func (f *Factory) serviceContext(ctx context.Context, c *compiled) (*ports.ServiceContext, error) {
	adapter, err := f.adapter(ctx, c)
	if err != nil {
		return nil, err
	}
	sctx := f.base.Copy()
	sctx.Adapter = adapter
	sctx.State = f.states.Scope(c.config.BasePath)
	sctx.Access = c.config.Access
	return sctx, nil
}

// adapter returns the adapter instance of c, building it on first use.
func (f *Factory) adapter(ctx context.Context, c *compiled) (any, error) {
	if c.adapterSource == "" {
		return nil, nil
	}
	f.adapterMu.Lock()
	defer f.adapterMu.Unlock()
	if a, ok := f.adapters[c.config.BasePath]; ok {
		return a, nil
	}
	sctx := f.base.Copy()
	sctx.State = f.states.Scope(c.config.BasePath)
	a, err := f.registry.GetAdapter(ctx, f.tenant, c.adapterSource, sctx, maps.Copy(c.adapterConfig))
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", c.config.BasePath, err)
	}
	f.adapters[c.config.BasePath] = a
	return a, nil
}

func cloneCompiled(c *compiled) (*compiled, error) {
	cfg, err := copystructure.Copy(c.config)
	if err != nil {
		return nil, fmt.Errorf("clone config %s: %w", c.config.BasePath, err)
	}
	manifest, err := copystructure.Copy(c.manifest)
	if err != nil {
		return nil, fmt.Errorf("clone manifest %s: %w", c.manifest.Source, err)
	}
	cp := *c
	cp.config = cfg.(*domain.ServiceConfig)
	cp.manifest = manifest.(*domain.ServiceManifest)
	return &cp, nil
}

// InitServices resolves and pins every service module, builds adapters
// and runs every service's Init concurrently. It fails if any of them
// fails.
func (f *Factory) InitServices(ctx context.Context) error {
	all := f.allCompiled()
	svcs := make([]*ports.Service, len(all))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range all {
		g.Go(func() error {
			svc, err := f.registry.GetService(gctx, f.tenant, c.config.Source)
			if err != nil {
				return fmt.Errorf("service %s: %w", c.config.BasePath, err)
			}
			svcs[i] = svc
			sctx, err := f.serviceContext(gctx, c)
			if err != nil {
				return err
			}
			if svc.Init == nil {
				return nil
			}
			var old *ports.StateScope
			if f.previous != nil {
				old = f.previous.Scope(c.config.BasePath)
			}
			if err := svc.Init(gctx, sctx, c.config, old); err != nil {
				return fmt.Errorf("init service %s: %w", c.config.BasePath, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, c := range all {
		c.svc = svcs[i]
	}
	return nil
}

// Unload tears down per-basePath state and closes adapters that hold
// resources. Every teardown runs even if some fail.
func (f *Factory) Unload(ctx context.Context) error {
	errs := []error{f.states.UnloadAll(ctx)}

	f.adapterMu.Lock()
	adapters := f.adapters
	f.adapters = make(map[string]any)
	f.adapterMu.Unlock()

	for basePath, a := range adapters {
		if u, ok := a.(ports.Unloader); ok {
			if err := u.Unload(ctx); err != nil {
				errs = append(errs, fmt.Errorf("unload adapter %s: %w", basePath, err))
			}
		}
	}
	return errors.Join(errs...)
}

func isPrivateBasePath(basePath string) bool {
	return strings.Contains(basePath, "*")
}

// basePathElementCount is the number of path elements of basePath.
func basePathElementCount(basePath string) int {
	p := strings.Trim(strings.TrimSuffix(basePath, "."), "/")
	if p == "" {
		return 0
	}
	return len(strings.Split(p, "/"))
}
