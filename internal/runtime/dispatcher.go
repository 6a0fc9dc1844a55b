package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/restspace-gateway/internal/core/domain"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/message"
	"github.com/tjfontaine/restspace-gateway/internal/metrics"
	"github.com/tjfontaine/restspace-gateway/internal/server"
	"github.com/tjfontaine/restspace-gateway/internal/storage"
	"github.com/tjfontaine/restspace-gateway/internal/tenant"
)

// DefaultLoadTimeout bounds a tenant load when configuration sets none.
const DefaultLoadTimeout = 5 * time.Minute

// maxDispatchDepth stops requests that keep re-entering the dispatcher.
const maxDispatchDepth = 32

// HandleIncomingRequest serves an HTTP request through the tenant owning
// its host.
func (g *Gateway) HandleIncomingRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	name, ok := g.cfg.Load().Tenancy.TenantForHost(r.Host)
	if !ok {
		server.AddLogField(ctx, "host", r.Host)
		http.Error(w, "Not found", http.StatusNotFound)
		metrics.ObserveRequest("", r.Method, http.StatusNotFound, time.Since(start))
		return
	}
	server.AddLogField(ctx, "tenant", name)

	traceID := server.GetRequestID(ctx)
	if traceID == "" {
		traceID = uuid.New().String()
	}
	msg, err := message.FromHTTPRequest(r, traceID)
	if err != nil {
		server.AddError(ctx, err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		metrics.ObserveRequest(name, r.Method, http.StatusBadRequest, time.Since(start))
		return
	}

	g.aborts.begin(traceID)
	stop := context.AfterFunc(ctx, func() {
		if n := g.aborts.abort(traceID); n > 0 {
			g.logger.Info("request aborted",
				slog.String("tenant", name),
				slog.String("trace_id", traceID),
				slog.Int("actions", n))
		}
	})

	res := g.dispatch(ctx, name, msg, ports.External)

	if !stop() {
		// the client went away and the abort actions already ran
		metrics.ObserveRequest(name, r.Method, 499, time.Since(start))
		return
	}
	g.aborts.finish(traceID)

	if err := res.WriteTo(w); err != nil {
		server.AddError(ctx, err)
	}
	metrics.ObserveRequest(name, r.Method, res.StatusOrOK(), time.Since(start))
}

// HandleOutgoingRequest dispatches a request made by a service of tenant
// from. Relative URLs and hosts served by a tenant stay inside the runtime;
// any other host is fetched over the network.
func (g *Gateway) HandleOutgoingRequest(ctx context.Context, from string, msg *message.Message, source ports.Source) *message.Message {
	if msg.URL.Domain == "" {
		return g.dispatch(ctx, from, msg, source)
	}
	if name, ok := g.internalTenant(msg.URL.Domain, from); ok {
		return g.dispatch(ctx, name, msg, source)
	}
	return g.requestExternal(ctx, msg)
}

func (g *Gateway) requester(from string) ports.MakeRequestFunc {
	return func(ctx context.Context, msg *message.Message, source ports.Source) *message.Message {
		return g.HandleOutgoingRequest(ctx, from, msg, source)
	}
}

func (g *Gateway) dispatch(ctx context.Context, name string, msg *message.Message, source ports.Source) *message.Message {
	if msg.Depth >= maxDispatchDepth {
		g.logger.Error("request loop detected",
			slog.String("tenant", name),
			slog.String("trace_id", msg.TraceID),
			slog.String("url", msg.URL.String()))
		return msg.Copy().SetStatus(http.StatusLoopDetected, "Loop detected")
	}
	msg = msg.Copy()
	msg.Depth++

	t, err := g.getTenant(ctx, name)
	if err != nil {
		if msg.Method == http.MethodOptions {
			return msg.RemoveBody().SetStatus(http.StatusNoContent, "")
		}
		return msg.SetStatus(http.StatusServiceUnavailable, "Service unavailable")
	}
	return t.Handle(ctx, msg, source)
}

// internalTenant resolves host to a tenant without the single tenant
// fallback, so that unrelated hosts are treated as external.
func (g *Gateway) internalTenant(host, from string) (string, bool) {
	tenancy := g.cfg.Load().Tenancy
	if strings.EqualFold(hostOnly(host), tenancy.PrimaryDomain(from)) {
		return from, true
	}
	strict := tenancy
	strict.SingleTenant = ""
	return strict.TenantForHost(host)
}

func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// requestExternal sends msg over the network. The response is marked as
// MIME handled so no post-processor runs on foreign content.
func (g *Gateway) requestExternal(ctx context.Context, msg *message.Message) *message.Message {
	out := msg.Copy()
	if out.URL.Scheme == "" {
		out.URL.Scheme = "https"
	}
	ctx, span := g.tracer.Start(ctx, "request.external", trace.WithAttributes(
		attribute.String("http.method", out.Method),
		attribute.String("http.host", out.URL.Domain),
	))
	defer span.End()

	req, err := out.ToHTTPRequest()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out.SetStatus(http.StatusBadRequest, "Bad request")
	}
	resp, err := g.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.Warn("external request failed",
			slog.String("url", out.URL.String()),
			slog.String("trace_id", out.TraceID),
			slog.String("error", err.Error()))
		return out.RemoveBody().SetStatus(http.StatusBadGateway, "Bad gateway")
	}
	defer resp.Body.Close()

	res, err := message.FromHTTPResponse(out, resp)
	if err != nil {
		span.RecordError(err)
		return out.RemoveBody().SetStatus(http.StatusBadGateway, "Bad gateway")
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if res.Body != nil {
		res.Body.MimeHandled = true
	}
	return res
}

// getTenant returns the live tenant called name, loading it on first use.
// Concurrent callers share one load.
func (g *Gateway) getTenant(ctx context.Context, name string) (*tenant.Tenant, error) {
	if t, ok := g.tenants.Get(name); ok {
		return t, nil
	}
	ch := g.loads.DoChan(name, func() (any, error) {
		if t, ok := g.tenants.Get(name); ok {
			return t, nil
		}
		return g.loadTenant(name), nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*tenant.Tenant), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type loadResult struct {
	tenant *tenant.Tenant
	err    error
}

// loadTenant builds and installs tenant name. It always installs a tenant:
// when the load fails or outlives the watchdog an empty tenant is served
// instead. A load that finishes after the watchdog replaces the empty
// tenant if nothing else did meanwhile.
func (g *Gateway) loadTenant(name string) *tenant.Tenant {
	ctx, span := g.tracer.Start(g.ctx, "tenant.load", trace.WithAttributes(attribute.String("tenant", name)))
	defer span.End()
	start := time.Now()

	done := make(chan loadResult, 1)
	go func() {
		t, err := g.buildTenant(ctx, name, nil)
		done <- loadResult{t, err}
	}()

	timer := time.NewTimer(g.tenantLoadTimeout())
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			span.RecordError(r.err)
			span.SetStatus(codes.Error, r.err.Error())
			metrics.TenantLoad("failed")
			g.logger.Error("tenant load failed, serving empty tenant",
				slog.String("tenant", name),
				slog.String("error", r.err.Error()))
			return g.installFallback(name)
		}
		g.install(r.tenant)
		metrics.TenantLoad("ready")
		g.logger.Info("tenant loaded",
			slog.String("tenant", name),
			slog.Duration("duration", time.Since(start)))
		return r.tenant

	case <-timer.C:
		span.SetStatus(codes.Error, "timeout")
		metrics.TenantLoad("timeout")
		g.logger.Error("tenant load timed out, serving empty tenant",
			slog.String("tenant", name),
			slog.Duration("timeout", g.tenantLoadTimeout()))
		fallback := g.installFallback(name)
		go g.adoptLateLoad(name, fallback, done)
		return fallback
	}
}

func (g *Gateway) adoptLateLoad(name string, fallback *tenant.Tenant, done <-chan loadResult) {
	r := <-done
	if r.err != nil {
		g.logger.Warn("timed out tenant load failed",
			slog.String("tenant", name),
			slog.String("error", r.err.Error()))
		return
	}
	if !g.tenants.ReplaceIf(fallback, r.tenant) {
		_ = r.tenant.Unload(context.Background())
		return
	}
	g.logger.Info("timed out tenant load completed", slog.String("tenant", name))
	_ = fallback.Unload(context.Background())
}

// buildTenant reads and initializes tenant name, replacing prev if not
// nil. A tenant that fails to initialize is unloaded before the error is
// returned.
func (g *Gateway) buildTenant(ctx context.Context, name string, prev *tenant.Tenant) (*tenant.Tenant, error) {
	data, _, err := g.store.Read(ctx, storage.TenantKey(name, ServicesFile))
	if err != nil {
		return nil, fmt.Errorf("read tenant config: %w", err)
	}
	cfg, err := domain.ParseTenantConfig(data)
	if err != nil {
		return nil, err
	}
	t := g.newTenant(name, cfg, prev)
	if err := t.Init(ctx); err != nil {
		_ = t.Unload(context.WithoutCancel(ctx))
		return nil, err
	}
	return t, nil
}

func (g *Gateway) newTenant(name string, cfg *domain.TenantConfig, prev *tenant.Tenant) *tenant.Tenant {
	return tenant.New(name, cfg, tenant.Options{
		Registry:            g.modules,
		Executor:            g.executor,
		Logger:              g.logger,
		PrimaryDomain:       g.cfg.Load().Tenancy.PrimaryDomain(name),
		MakeRequest:         g.requester(name),
		RegisterAbortAction: g.aborts.Register,
		Previous:            prev,
	})
}

// installFallback installs a tenant carrying only the base chord.
func (g *Gateway) installFallback(name string) *tenant.Tenant {
	t := g.newTenant(name, domain.EmptyTenantConfig(), nil)
	if err := t.Init(g.ctx); err != nil {
		g.logger.Error("empty tenant init failed",
			slog.String("tenant", name),
			slog.String("error", err.Error()))
	}
	g.install(t)
	return t
}

func (g *Gateway) install(t *tenant.Tenant) {
	if old := g.tenants.Swap(t); old != nil && old != t {
		_ = old.Unload(context.Background())
	}
}

func (g *Gateway) tenantLoadTimeout() time.Duration {
	if g.loadTimeout > 0 {
		return g.loadTimeout
	}
	if d := g.cfg.Load().Tenancy.LoadTimeout; d > 0 {
		return d
	}
	return DefaultLoadTimeout
}

// RebuildConfig purges the modules loaded from tenant name's store and
// replaces the tenant with a freshly loaded one, whose services may adopt
// the current tenant's state. On error the current tenant keeps serving
// with the modules it pinned when it was loaded.
func (g *Gateway) RebuildConfig(ctx context.Context, name string) error {
	purged := g.modules.PurgeTenantModules(name)
	prev, _ := g.tenants.Get(name)
	t, err := g.buildTenant(ctx, name, prev)
	if err != nil {
		g.logger.Error("tenant rebuild failed",
			slog.String("tenant", name),
			slog.String("error", err.Error()))
		return err
	}
	g.install(t)
	metrics.TenantLoad("rebuilt")
	g.logger.Info("tenant rebuilt",
		slog.String("tenant", name),
		slog.Int("purged_modules", purged))
	return nil
}

// ReadSource reads manifests and module code. Paths are read from the
// tenant's directory in the config store. http(s) URLs are requested
// through the dispatcher, so a manifest can live in any tenant's file
// services; such a source belongs to the tenant serving its host, and to
// no tenant when it comes from the network.
func (g *Gateway) ReadSource(ctx context.Context, tenantName, source string) ([]byte, string, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return g.fetchSource(ctx, tenantName, source)
	}
	data, _, err := g.store.Read(ctx, storage.TenantKey(tenantName, source))
	if err != nil {
		return nil, "", err
	}
	return data, tenantName, nil
}

func (g *Gateway) fetchSource(ctx context.Context, from, source string) ([]byte, string, error) {
	msg, err := message.NewFromString(http.MethodGet, source, message.AnonUser())
	if err != nil {
		return nil, "", err
	}
	var owner string
	if name, ok := g.internalTenant(msg.URL.Domain, from); ok {
		if _, live := g.tenants.Get(name); !live && name == from {
			// the load reading this source is the one that would serve it
			return nil, "", domain.NewConfigError(source, "served by tenant %s, which is still loading", from)
		}
		owner = name
	}

	res := g.HandleOutgoingRequest(ctx, from, msg, ports.Internal)
	switch {
	case res.StatusOrOK() == http.StatusNotFound:
		return nil, "", domain.NotFound("source %s not found", source)
	case !res.Ok():
		return nil, "", fmt.Errorf("fetch %s: status %d", source, res.StatusOrOK())
	case res.Body == nil:
		return nil, "", fmt.Errorf("fetch %s: empty response", source)
	}
	return res.Body.Bytes(), owner, nil
}
