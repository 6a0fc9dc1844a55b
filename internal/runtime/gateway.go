// Package runtime provides the Gateway: the dispatcher that maps hosts to
// tenants, loads tenants on first use and serves their requests, plus the
// HTTP server lifecycle around it.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/restspace-gateway/internal/builtin"
	"github.com/tjfontaine/restspace-gateway/internal/controlplane"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/metrics"
	"github.com/tjfontaine/restspace-gateway/internal/modules"
	"github.com/tjfontaine/restspace-gateway/internal/pipeline"
	"github.com/tjfontaine/restspace-gateway/internal/pkg/config"
	"github.com/tjfontaine/restspace-gateway/internal/pkg/safehttp"
	"github.com/tjfontaine/restspace-gateway/internal/registration"
	"github.com/tjfontaine/restspace-gateway/internal/server"
	"github.com/tjfontaine/restspace-gateway/internal/storage/memory"
	"github.com/tjfontaine/restspace-gateway/internal/tenant"
)

// Gateway is the main entry point for running the runtime.
// It manages configuration, storage, tenants, and HTTP server lifecycle.
// Gateway can be embedded in larger applications or run standalone.
type Gateway struct {
	// Dependencies (injected via options)
	config      ports.ConfigProvider
	store       ports.FileStore
	ownsStore   bool
	httpClient  *http.Client
	loadTimeout time.Duration

	// Internal state
	cfg      atomic.Pointer[config.Config]
	memory   ports.FileStore
	executor *pipeline.Executor
	modules  *modules.Registry
	tenants  *tenant.Registry
	loads    singleflight.Group
	aborts   *abortRegistry
	server   *server.Server
	logger   *slog.Logger
	tracer   trace.Tracer

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	loaded bool
}

// New creates a new Gateway with the given options.
// A config provider is required; storage defaults to the configured backend.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger:  slog.Default(),
		tenants: tenant.NewRegistry(),
		aborts:  newAbortRegistry(),
		tracer:  otel.Tracer("github.com/tjfontaine/restspace-gateway/internal/runtime"),
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	// Validate required dependencies
	if gw.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfig)")
	}
	if gw.httpClient == nil {
		gw.httpClient = safehttp.NewClient()
	}
	gw.ctx, gw.cancel = context.WithCancel(context.Background())

	return gw, nil
}

func (g *Gateway) setStore(store ports.FileStore, owned bool) {
	if g.store != nil && g.ownsStore {
		_ = g.store.Close()
	}
	g.store = store
	g.ownsStore = owned
}

// Load reads configuration, opens storage, seeds tenant files and builds
// the router. Start calls it; tests call it to serve through Handler
// without listening.
func (g *Gateway) Load(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loaded {
		return nil
	}

	cfg, err := g.config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	g.cfg.Store(cfg)

	if g.store == nil {
		store, err := openStore(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		g.setStore(store, true)
	}
	if _, err := seedTenants(ctx, g.store, cfg.Tenancy.SeedDir, g.logger); err != nil {
		return fmt.Errorf("seed tenants: %w", err)
	}

	g.memory = memory.New()
	g.executor = pipeline.NewExecutor(
		pipeline.WithLogger(g.logger),
		pipeline.WithStepObserver(metrics.PipelineStep),
	)
	g.modules = registration.NewRegistry(g, registration.Options{
		Modules: cfg.Modules,
		Builtins: builtin.Options{
			Memory:    g.memory,
			JWTSecret: cfg.Auth.JWTSecret,
			TokenTTL:  cfg.Auth.TokenTTL,
			Executor:  g.executor,
			Logger:    g.logger,
		},
		Logger:   g.logger,
		Observer: metrics.ModuleLoad,
	})

	limiter := server.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, g.rateLimitKey, g.logger)
	g.server = server.New(cfg.Server.Port, g.logger, limiter)
	if cfg.Admin.TokenHash != "" {
		g.server.Router.Mount("/admin", controlplane.NewServer(g, cfg.Admin.TokenHash, g.logger))
	}
	g.server.Fallback(http.HandlerFunc(g.HandleIncomingRequest))

	g.loaded = true
	return nil
}

// Handler returns the host router. Load must have succeeded.
func (g *Gateway) Handler() http.Handler {
	return g.server.Router
}

// Start initializes and starts the gateway.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.Load(ctx); err != nil {
		return err
	}

	// Start HTTP server
	if err := g.server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	// Watch for config changes
	go g.watchConfig()

	cfg := g.cfg.Load()
	g.logger.Info("gateway started",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Type))

	return nil
}

// Shutdown gracefully stops the gateway.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.cancel()

	var errs []error

	// Stop HTTP server
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	for _, name := range g.tenants.Names() {
		if t, ok := g.tenants.Remove(name); ok {
			_ = t.Unload(ctx)
		}
	}

	// Close resources
	if g.memory != nil {
		_ = g.memory.Close()
	}
	if g.store != nil && g.ownsStore {
		if err := g.store.Close(); err != nil {
			g.logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}

	if err := g.config.Close(); err != nil {
		g.logger.Error("failed to close config", slog.String("error", err.Error()))
	}

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

// watchConfig watches for config changes and reloads.
func (g *Gateway) watchConfig() {
	onChange := func(newCfg *config.Config) {
		g.logger.Info("config changed, reloading")
		if err := g.reload(g.ctx, newCfg); err != nil {
			g.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := g.config.Watch(g.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			g.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload re-seeds tenant files and rebuilds every live tenant. Storage,
// port and module loaders are fixed for the life of the process.
func (g *Gateway) reload(ctx context.Context, cfg *config.Config) error {
	g.cfg.Store(cfg)

	if _, err := seedTenants(ctx, g.store, cfg.Tenancy.SeedDir, g.logger); err != nil {
		return fmt.Errorf("seed tenants: %w", err)
	}

	var errs []error
	for _, name := range g.tenants.Names() {
		if err := g.RebuildConfig(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("rebuild %s: %w", name, err))
		}
	}

	g.logger.Info("reload complete", slog.Int("tenants", len(g.tenants.Names())))
	return errors.Join(errs...)
}

// TenantNames lists the live tenants.
func (g *Gateway) TenantNames() []string {
	return g.tenants.Names()
}

// TenantServices describes the services of live tenant name.
func (g *Gateway) TenantServices(name string) ([]ports.ServiceInfo, bool) {
	t, ok := g.tenants.Get(name)
	if !ok {
		return nil, false
	}
	return t.Services(), true
}

func (g *Gateway) rateLimitKey(r *http.Request) string {
	name, _ := g.cfg.Load().Tenancy.TenantForHost(r.Host)
	return name
}
