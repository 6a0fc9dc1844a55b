// Package tenant holds one tenant's compiled services: chord expansion,
// service initialization and teardown, request routing and the
// authentication delegate.
package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/knadh/koanf/maps"

	"github.com/tjfontaine/restspace-gateway/internal/builtin"
	"github.com/tjfontaine/restspace-gateway/internal/core/domain"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/message"
	"github.com/tjfontaine/restspace-gateway/internal/modules"
	"github.com/tjfontaine/restspace-gateway/internal/pipeline"
	"github.com/tjfontaine/restspace-gateway/internal/service"
)

// BaseChordID names the chord every tenant carries.
const BaseChordID = "base"

// WellKnownPath is where the base chord mounts the introspection service.
const WellKnownPath = "/.well-known/restspace"

// baseChord adds the services every tenant has.
func baseChord() domain.Chord {
	return domain.Chord{
		ID: BaseChordID,
		NewServices: []map[string]any{{
			"name":     "Services",
			"source":   builtin.WellKnownSource,
			"basePath": WellKnownPath,
			"access":   map[string]any{"readRoles": "all", "writeRoles": ""},
		}},
	}
}

// Options configures a tenant.
type Options struct {
	Registry      *modules.Registry
	Executor      *pipeline.Executor
	Logger        *slog.Logger
	PrimaryDomain string

	// MakeRequest dispatches sub-requests made by the tenant's services.
	MakeRequest ports.MakeRequestFunc
	// RegisterAbortAction is handed to services through their context.
	RegisterAbortAction func(traceID string, action func())
	// MimeProcessors post-process responses by content type.
	MimeProcessors map[string]service.MimeProcessor
	// Previous is the tenant this one replaces, if any. Its services'
	// state is offered to the new services' Init.
	Previous *Tenant
}

// Tenant is one isolated configuration domain. A Tenant is built once and
// never reconfigured in place; reconfiguration creates a new one.
type Tenant struct {
	name   string
	opts   Options
	config *domain.TenantConfig
	logger *slog.Logger

	factory *service.Factory
	// chords maps chord id to the base paths it introduced.
	chords map[string][]string

	authBasePath string
	authService  *ports.Service
	authConfig   *domain.ServiceConfig
}

// New creates an unloaded tenant. cfg is not modified.
func New(name string, cfg *domain.TenantConfig, opts Options) *Tenant {
	if cfg == nil {
		cfg = domain.EmptyTenantConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tenant{
		name:   name,
		opts:   opts,
		config: cfg,
		logger: opts.Logger.With(slog.String("tenant", name)),
		chords: make(map[string][]string),
	}
}

// Name returns the tenant name.
func (t *Tenant) Name() string {
	return t.name
}

// Init compiles and initializes every service. Readiness is all or
// nothing: on error the tenant must be unloaded and discarded.
func (t *Tenant) Init(ctx context.Context) error {
	services, err := t.applyChords()
	if err != nil {
		return err
	}

	base := &ports.ServiceContext{
		Tenant:              t.name,
		PrimaryDomain:       t.opts.PrimaryDomain,
		Logger:              t.logger,
		MakeRequest:         t.opts.MakeRequest,
		RegisterAbortAction: t.opts.RegisterAbortAction,
		Services:            t.Services,
	}
	fopts := []service.Option{
		service.WithLogger(t.logger),
		service.WithInfra(t.config.Infra),
		service.WithBaseContext(base),
	}
	if t.opts.Executor != nil {
		fopts = append(fopts, service.WithExecutor(t.opts.Executor))
	}
	for mime, p := range t.opts.MimeProcessors {
		fopts = append(fopts, service.WithMimeProcessor(mime, p))
	}
	if prev := t.opts.Previous; prev != nil && prev.factory != nil {
		fopts = append(fopts, service.WithPreviousStates(prev.factory.States()))
	}
	t.opts.Previous = nil
	t.factory = service.NewFactory(t.name, t.opts.Registry, fopts...)

	if err := t.factory.LoadServiceManifests(ctx, sources(services)); err != nil {
		return err
	}
	if err := t.factory.Compile(ctx, services); err != nil {
		return err
	}
	if err := t.factory.LoadAdapterManifests(ctx); err != nil {
		return err
	}
	if err := t.factory.InitServices(ctx); err != nil {
		return err
	}
	return t.findAuthService(ctx)
}

// applyChords returns the tenant's services with the base chord and every
// declared chord merged in. A chord may restate a service that is already
// present only if the declaration is identical.
func (t *Tenant) applyChords() (map[string]map[string]any, error) {
	services := make(map[string]map[string]any, len(t.config.Services))
	for key, raw := range t.config.Services {
		cp := maps.Copy(raw)
		bp := domain.NormalizeBasePath(fmt.Sprint(cp["basePath"]))
		cp["basePath"] = bp
		if _, dup := services[bp]; dup {
			return nil, domain.NewConfigError("services.json", "services %s and %s share a base path", key, bp)
		}
		services[bp] = cp
	}

	ids := make([]string, 0, len(t.config.Chords))
	for id := range t.config.Chords {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	chords := []domain.Chord{baseChord()}
	for _, id := range ids {
		ch := t.config.Chords[id]
		if ch.ID == "" {
			ch.ID = id
		}
		chords = append(chords, ch)
	}

	for _, ch := range chords {
		for _, raw := range ch.NewServices {
			svc := maps.Copy(raw)
			bpRaw, _ := svc["basePath"].(string)
			if bpRaw == "" {
				return nil, domain.NewConfigError("chord "+ch.ID, "service has no basePath")
			}
			bp := domain.NormalizeBasePath(bpRaw)
			svc["basePath"] = bp
			if existing, ok := services[bp]; ok {
				if !cmp.Equal(existing, svc) {
					return nil, domain.NewConfigError("chord "+ch.ID,
						"service at %s differs from the one already configured: %s", bp, cmp.Diff(existing, svc))
				}
			} else {
				services[bp] = svc
			}
			t.chords[ch.ID] = append(t.chords[ch.ID], bp)
		}
	}
	return services, nil
}

func sources(services map[string]map[string]any) []string {
	seen := make(map[string]bool)
	var out []string
	for _, svc := range services {
		src, _ := svc["source"].(string)
		if src == "" || seen[src] {
			continue
		}
		seen[src] = true
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

// findAuthService records the authentication delegate: the service at
// authServicePath if configured, else the first service declaring the
// auth API.
func (t *Tenant) findAuthService(ctx context.Context) error {
	if t.config.AuthServicePath != "" {
		bp := domain.NormalizeBasePath(t.config.AuthServicePath)
		cfg, ok := t.factory.Config(bp)
		if !ok {
			return domain.NewConfigError("services.json", "authServicePath %s is not a configured service", bp)
		}
		svc, err := t.opts.Registry.GetService(ctx, t.name, cfg.Source)
		if err != nil {
			return err
		}
		t.authBasePath, t.authService, t.authConfig = bp, svc, cfg
		return nil
	}

	svc, cfg, err := t.factory.GetServiceAndConfigByApi(ctx, builtin.AuthAPI)
	switch {
	case domain.IsNotFound(err):
		return nil
	case err != nil:
		return err
	}
	t.authBasePath, t.authService, t.authConfig = cfg.BasePath, svc, cfg
	return nil
}

// AuthServicePath is the base path of the authentication delegate, "" if
// the tenant has none.
func (t *Tenant) AuthServicePath() string {
	return t.authBasePath
}

// ChordMap returns the base paths each chord introduced.
func (t *Tenant) ChordMap() map[string][]string {
	out := make(map[string][]string, len(t.chords))
	for id, bps := range t.chords {
		out[id] = append([]string(nil), bps...)
	}
	return out
}

// Services describes the tenant's routable services.
func (t *Tenant) Services() []ports.ServiceInfo {
	if t.factory == nil {
		return nil
	}
	configs := t.factory.Configs()
	out := make([]ports.ServiceInfo, 0, len(configs))
	for _, cfg := range configs {
		info := ports.ServiceInfo{BasePath: cfg.BasePath, Name: cfg.Name, Source: cfg.Source}
		if m, ok := t.factory.Manifest(cfg.BasePath); ok {
			if info.Name == "" {
				info.Name = m.Name
			}
			info.Description = m.Description
			info.APIs = m.APIs
		}
		out = append(out, info)
	}
	return out
}

// Handle routes msg to its service. It always returns a response.
func (t *Tenant) Handle(ctx context.Context, msg *message.Message, source ports.Source) *message.Message {
	if t.factory == nil {
		return notFound(msg)
	}
	basePath, ok := t.factory.BasePathFromUrl(msg.URL)
	if !ok {
		if msg.Method == http.MethodOptions {
			res := msg.Copy().RemoveBody()
			res.Status = http.StatusNoContent
			return res
		}
		return notFound(msg)
	}

	if source != ports.Internal || msg.User == nil {
		msg = t.setUser(ctx, msg)
	}

	cfg, _ := t.factory.Config(basePath)
	handler, err := t.factory.GetMessageFunctionForService(ctx, cfg, source)
	if err != nil {
		t.logger.Error("service unavailable",
			slog.String("service", basePath),
			slog.String("trace_id", msg.TraceID),
			slog.String("error", err.Error()))
		if domain.IsNotFound(err) {
			return notFound(msg)
		}
		return msg.Copy().SetStatus(http.StatusInternalServerError, "Internal server error")
	}
	return handler(ctx, msg)
}

// setUser resolves the user of an incoming request through the auth
// delegate. Without a delegate, or when resolution fails, the request is
// anonymous.
func (t *Tenant) setUser(ctx context.Context, msg *message.Message) *message.Message {
	out := msg.Copy()
	out.User = message.AnonUser()
	if t.authService == nil || t.authService.SetUser == nil {
		return out
	}
	sctx, err := t.factory.ServiceContext(ctx, t.authBasePath)
	if err == nil {
		err = t.authService.SetUser(ctx, out, sctx, t.authConfig)
	}
	if err != nil {
		t.logger.Warn("could not resolve user",
			slog.String("service", t.authBasePath),
			slog.String("trace_id", msg.TraceID),
			slog.String("error", err.Error()))
		out.User = message.AnonUser()
	}
	if out.User == nil {
		out.User = message.AnonUser()
	}
	return out
}

// Unload tears down every service's state and adapters. Failures are
// logged and returned together; teardown always runs to the end.
func (t *Tenant) Unload(ctx context.Context) error {
	if t.factory == nil {
		return nil
	}
	err := t.factory.Unload(ctx)
	if err != nil {
		t.logger.Warn("tenant unload incomplete", slog.String("error", err.Error()))
	}
	return err
}

func notFound(msg *message.Message) *message.Message {
	return msg.Copy().SetStatus(http.StatusNotFound, "Not found")
}
