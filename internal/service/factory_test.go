package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/restspace-gateway/internal/core/domain"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/message"
	"github.com/tjfontaine/restspace-gateway/internal/modules"
)

type noSources struct{}

func (noSources) ReadSource(_ context.Context, _, source string) ([]byte, string, error) {
	return nil, "", fmt.Errorf("%s: %w", source, domain.ErrNotFound)
}

var modified = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func echoService(_ context.Context, msg *message.Message, _ *ports.ServiceContext, cfg *domain.ServiceConfig) (*message.Message, error) {
	out := msg.Copy()
	err := out.SetJSON(map[string]any{
		"path":     msg.URL.ServicePath(),
		"greeting": cfg.String("greeting"),
		"query":    msg.URL.Query.Encode(),
	})
	// handlers get their own copy of the config
	cfg.Raw["greeting"] = "mutated"
	return out, err
}

func datedService(_ context.Context, msg *message.Message, _ *ports.ServiceContext, _ *domain.ServiceConfig) (*message.Message, error) {
	out := msg.Copy()
	if msg.Method == http.MethodPut {
		out.Status = http.StatusOK
		out.RemoveBody()
		return out, nil
	}
	body := message.BodyFromString("0123456789", "text/plain")
	body.DateModified = modified
	out.SetBody(body)
	return out, nil
}

func failService(_ context.Context, msg *message.Message, _ *ports.ServiceContext, _ *domain.ServiceConfig) (*message.Message, error) {
	switch msg.URL.ServicePath() {
	case "/missing":
		return nil, fmt.Errorf("lookup: %w", domain.ErrNotFound)
	case "/bad":
		return nil, domain.ErrInvalidRequest("bad thing")
	case "/panic":
		panic("boom")
	default:
		return nil, errors.New("database exploded")
	}
}

func filesService(ctx context.Context, msg *message.Message, sctx *ports.ServiceContext, _ *domain.ServiceConfig) (*message.Message, error) {
	req := msg.Copy()
	req.URL = message.MustParseUrl("*store" + msg.URL.ServicePath())
	return sctx.MakeRequest(ctx, req, ports.Internal), nil
}

func storeService(_ context.Context, msg *message.Message, _ *ports.ServiceContext, cfg *domain.ServiceConfig) (*message.Message, error) {
	out := msg.Copy()
	out.SetBody(message.BodyFromString("store:"+cfg.String("prefix")+msg.URL.ServicePath(), "text/plain"))
	return out, nil
}

func adapterService(_ context.Context, msg *message.Message, sctx *ports.ServiceContext, _ *domain.ServiceConfig) (*message.Message, error) {
	out := msg.Copy()
	return out, out.SetJSON(sctx.Adapter)
}

type counterState struct {
	inits    atomic.Int32
	unloaded atomic.Bool
}

func (c *counterState) Unload(context.Context) error {
	c.unloaded.Store(true)
	return nil
}

var sharedCounter = &counterState{}

func newTestRegistry() *modules.Registry {
	r := modules.New(noSources{})
	svc := func(source, name string, fn ports.ServiceFunc, m *domain.ServiceManifest) {
		if m == nil {
			m = &domain.ServiceManifest{}
		}
		m.Name = name
		m.ModuleURL = strings.TrimSuffix(source, domain.ServiceManifestSuffix)
		r.RegisterService(source, m, &ports.Service{Func: fn})
	}
	svc("./services/echo.rsm.json", "Echo", echoService, nil)
	svc("./services/dated.rsm.json", "Dated", datedService, nil)
	svc("./services/fail.rsm.json", "Fail", failService, nil)
	svc("./services/store.rsm.json", "Store", storeService, nil)
	svc("./services/files.rsm.json", "Files", filesService, &domain.ServiceManifest{
		Defaults:       map[string]any{"root": "/data"},
		ConfigTemplate: map[string]any{"label": "files at ${basePath}"},
		PrivateServices: map[string]map[string]any{
			"store": {"source": "./services/store.rsm.json", "prefix": "${root}"},
		},
	})
	svc("./services/loop.rsm.json", "Loop", echoService, &domain.ServiceManifest{
		PrivateServices: map[string]map[string]any{
			"self": {"source": "./services/loop.rsm.json"},
		},
	})
	svc("./services/piped.rsm.json", "Piped", echoService, &domain.ServiceManifest{
		PrePipeline:  []any{"GET /m1"},
		PostPipeline: []any{"GET /m2"},
	})
	svc("./services/adapted.rsm.json", "Adapted", adapterService, &domain.ServiceManifest{
		AdapterInterface: "IKeyValue",
	})
	svc("./services/login.rsm.json", "Login", echoService, &domain.ServiceManifest{APIs: []string{"auth"}})

	r.RegisterService("./services/session.rsm.json",
		&domain.ServiceManifest{Name: "Session", ModuleURL: "./services/session"},
		&ports.Service{
			Func: echoService,
			AuthType: func(msg *message.Message) ports.AuthorizationType {
				if msg.URL.ServicePath() == "/login" {
					return ports.AuthNone
				}
				return ports.DefaultAuthType(msg)
			},
		})

	r.RegisterService("./services/counter.rsm.json",
		&domain.ServiceManifest{Name: "Counter", ModuleURL: "./services/counter"},
		&ports.Service{
			Func: echoService,
			Init: func(_ context.Context, sctx *ports.ServiceContext, _ *domain.ServiceConfig, old *ports.StateScope) error {
				sctx.State.Adopt(old)
				st, err := ports.GetState(sctx.State, func() (*counterState, error) { return sharedCounter, nil })
				if err != nil {
					return err
				}
				st.inits.Add(1)
				return nil
			},
		})

	r.RegisterAdapter("./adapter/kv.ram.json",
		&domain.AdapterManifest{Name: "KV", ModuleURL: "./adapter/kv", AdapterInterfaces: []string{"IKeyValue"}},
		func(_ context.Context, _ *ports.ServiceContext, cfg map[string]any) (any, error) {
			return cfg, nil
		})
	r.RegisterAdapter("./adapter/other.ram.json",
		&domain.AdapterManifest{Name: "Other", ModuleURL: "./adapter/other", AdapterInterfaces: []string{"IOther"}},
		func(context.Context, *ports.ServiceContext, map[string]any) (any, error) { return nil, nil })
	return r
}

var public = map[string]any{"readRoles": "all", "writeRoles": "all"}

func svcConfig(source, basePath string, extra ...any) map[string]any {
	cfg := map[string]any{"source": source, "basePath": basePath, "access": public}
	for i := 0; i+1 < len(extra); i += 2 {
		cfg[extra[i].(string)] = extra[i+1]
	}
	return cfg
}

func buildFactory(t *testing.T, services map[string]map[string]any, opts ...Option) (*Factory, error) {
	t.Helper()
	f := NewFactory("acme", newTestRegistry(), opts...)
	return initFactory(context.Background(), f, services)
}

func initFactory(ctx context.Context, f *Factory, services map[string]map[string]any) (*Factory, error) {
	var sources []string
	for _, s := range services {
		sources = append(sources, s["source"].(string))
	}
	if err := f.LoadServiceManifests(ctx, sources); err != nil {
		return nil, err
	}
	if err := f.Compile(ctx, services); err != nil {
		return nil, err
	}
	if err := f.LoadAdapterManifests(ctx); err != nil {
		return nil, err
	}
	if err := f.InitServices(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

func mustFactory(t *testing.T, services map[string]map[string]any, opts ...Option) *Factory {
	t.Helper()
	f, err := buildFactory(t, services, opts...)
	require.NoError(t, err)
	return f
}

func TestBasePathFromUrl(t *testing.T) {
	f := mustFactory(t, map[string]map[string]any{
		"/":      svcConfig("./services/echo.rsm.json", "/"),
		"/a":     svcConfig("./services/echo.rsm.json", "/a"),
		"/a/b":   svcConfig("./services/echo.rsm.json", "/a/b"),
		"/doc.":  svcConfig("./services/echo.rsm.json", "/doc."),
		"/files": svcConfig("./services/files.rsm.json", "/files"),
	})

	tests := []struct {
		path string
		want string
	}{
		{"/a/b/c", "/a/b"},
		{"/a/b", "/a/b"},
		{"/a/bc", "/a"},
		{"/a/", "/a"},
		{"/x/y", "/"},
		{"/doc", "/doc."},
		{"/doc/x", "/"},
		{"/files/x", "/files"},
		{"/files*store/x", "/"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := f.BasePathFromUrl(message.MustParseUrl(tt.path))
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	noRoot := mustFactory(t, map[string]map[string]any{
		"/a": svcConfig("./services/echo.rsm.json", "/a"),
	})
	_, ok := noRoot.BasePathFromUrl(message.MustParseUrl("/zzz"))
	assert.False(t, ok)
	_, ok = noRoot.BasePathFromUrl(message.MustParseUrl("/"))
	assert.False(t, ok)
}

func TestCompileDefaultsTemplateAndPrivateServices(t *testing.T) {
	f := mustFactory(t, map[string]map[string]any{
		"/files": svcConfig("./services/files.rsm.json", "/files"),
	})

	cfg, ok := f.Config("/files")
	require.True(t, ok)
	assert.Equal(t, "/data", cfg.Raw["root"])
	assert.Equal(t, "files at /files", cfg.Raw["label"])

	priv, ok := f.Config("/files*store")
	require.True(t, ok)
	assert.Equal(t, "/data", priv.String("prefix"))
	assert.Equal(t, "store", priv.Name)
	assert.Equal(t, "all", priv.Access.ReadRoles)
	assert.Same(t, priv, cfg.ManifestConfig.PrivateServiceConfigs["store"])

	// private services are not routable and not listed
	assert.Len(t, f.Configs(), 1)
}

func TestConfigOverridesDefaults(t *testing.T) {
	f := mustFactory(t, map[string]map[string]any{
		"/files": svcConfig("./services/files.rsm.json", "/files", "root", "/elsewhere"),
	})
	priv, ok := f.Config("/files*store")
	require.True(t, ok)
	assert.Equal(t, "/elsewhere", priv.String("prefix"))
}

func TestPipelineMergeOrder(t *testing.T) {
	f := mustFactory(t, map[string]map[string]any{
		"/p": svcConfig("./services/piped.rsm.json", "/p",
			"prePipeline", []any{"GET /c1"},
			"postPipeline", []any{"GET /c2"}),
	})
	cfg, ok := f.Config("/p")
	require.True(t, ok)
	assert.Equal(t, []any{"GET /m1", "GET /c1"}, cfg.ManifestConfig.PrePipeline)
	assert.Equal(t, []any{"GET /c2", "GET /m2"}, cfg.ManifestConfig.PostPipeline)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name     string
		services map[string]map[string]any
		contains string
	}{
		{
			name:     "private service cycle",
			services: map[string]map[string]any{"/l": svcConfig("./services/loop.rsm.json", "/l")},
			contains: "cycle",
		},
		{
			name:     "undefined infra",
			services: map[string]map[string]any{"/k": svcConfig("./services/adapted.rsm.json", "/k", "infraName", "nope")},
			contains: "nope",
		},
		{
			name: "duplicate base path",
			services: map[string]map[string]any{
				"/a":  svcConfig("./services/echo.rsm.json", "/a"),
				"/a/": svcConfig("./services/echo.rsm.json", "/a"),
			},
			contains: "share",
		},
		{
			name:     "missing access",
			services: map[string]map[string]any{"/a": {"source": "./services/echo.rsm.json", "basePath": "/a"}},
			contains: "access",
		},
		{
			name:     "bad pipeline",
			services: map[string]map[string]any{"/a": svcConfig("./services/echo.rsm.json", "/a", "prePipeline", []any{"GET /x extra"})},
			contains: "pre pipeline",
		},
		{
			name:     "adapter interface mismatch",
			services: map[string]map[string]any{"/k": svcConfig("./services/adapted.rsm.json", "/k", "adapterSource", "./adapter/other.ram.json")},
			contains: "IKeyValue",
		},
		{
			name:     "adapter required",
			services: map[string]map[string]any{"/k": svcConfig("./services/adapted.rsm.json", "/k")},
			contains: "IKeyValue",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildFactory(t, tt.services)
			require.Error(t, err)
			assert.True(t, domain.IsConfigError(err), "got %v", err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestInfraAdapterResolution(t *testing.T) {
	f := mustFactory(t, map[string]map[string]any{
		"/k": svcConfig("./services/adapted.rsm.json", "/k",
			"infraName", "main",
			"adapterConfig", map[string]any{"path": "p"}),
	}, WithInfra(map[string]map[string]any{
		"main": {"adapterSource": "./adapter/kv.ram.json", "bucket": "b"},
	}))

	cfg, _ := f.Config("/k")
	h, err := f.GetMessageFunctionForService(context.Background(), cfg, ports.External)
	require.NoError(t, err)

	msg, err := message.NewFromString("GET", "/k", message.AnonUser())
	require.NoError(t, err)
	res := h(context.Background(), msg)
	require.True(t, res.Ok(), res.String())
	body, err := res.Body.AsJSON()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"bucket": "b", "path": "p"}, body)
}

func TestGetServiceAndConfigByApi(t *testing.T) {
	f := mustFactory(t, map[string]map[string]any{
		"/a":    svcConfig("./services/echo.rsm.json", "/a"),
		"/auth": svcConfig("./services/login.rsm.json", "/auth"),
	})
	svc, cfg, err := f.GetServiceAndConfigByApi(context.Background(), "auth")
	require.NoError(t, err)
	assert.NotNil(t, svc)
	assert.Equal(t, "/auth", cfg.BasePath)

	_, _, err = f.GetServiceAndConfigByApi(context.Background(), "email")
	assert.True(t, domain.IsNotFound(err))
}

func TestInitAndUnloadState(t *testing.T) {
	before := sharedCounter.inits.Load()
	f := mustFactory(t, map[string]map[string]any{
		"/c1": svcConfig("./services/counter.rsm.json", "/c1"),
		"/c2": svcConfig("./services/counter.rsm.json", "/c2"),
	})
	assert.Equal(t, before+2, sharedCounter.inits.Load())
	assert.Equal(t, 2, f.States().Len())

	require.NoError(t, f.Unload(context.Background()))
	assert.True(t, sharedCounter.unloaded.Load())
	assert.Equal(t, 0, f.States().Len())
}

func TestInitAdoptsPreviousState(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()
	services := map[string]map[string]any{
		"/c": svcConfig("./services/counter.rsm.json", "/c"),
	}
	carried := &counterState{}
	prev := ports.NewStateRegistry()
	_, err := ports.GetState(prev.Scope("/c"), func() (*counterState, error) { return carried, nil })
	require.NoError(t, err)

	f, err := initFactory(ctx, NewFactory("acme", reg, WithPreviousStates(prev)), services)
	require.NoError(t, err)
	assert.Equal(t, int32(1), carried.inits.Load())

	require.NoError(t, prev.UnloadAll(ctx))
	assert.False(t, carried.unloaded.Load())
	require.NoError(t, f.Unload(ctx))
	assert.True(t, carried.unloaded.Load())
}

// versionedSources serves a manifest whose module code can be swapped.
type versionedSources struct {
	mu   sync.Mutex
	code string
}

func (v *versionedSources) set(code string) {
	v.mu.Lock()
	v.code = code
	v.mu.Unlock()
}

func (v *versionedSources) ReadSource(_ context.Context, tenant, source string) ([]byte, string, error) {
	switch source {
	case "/lib/greet.rsm.json":
		return []byte(`{"name":"Greet","moduleUrl":"greet.txt"}`), tenant, nil
	case "/lib/greet.txt":
		v.mu.Lock()
		defer v.mu.Unlock()
		return []byte(v.code), tenant, nil
	}
	return nil, "", fmt.Errorf("%s: %w", source, domain.ErrNotFound)
}

// textLoader turns a .txt module into a service replying with its text.
type textLoader struct{}

func (textLoader) Name() string { return "text" }

func (textLoader) CanLoad(moduleURL string) bool { return strings.HasSuffix(moduleURL, ".txt") }

func (textLoader) LoadService(ctx context.Context, _ string, fetch ports.FetchFunc) (*ports.Service, error) {
	code, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	return &ports.Service{
		Func: func(_ context.Context, msg *message.Message, _ *ports.ServiceContext, _ *domain.ServiceConfig) (*message.Message, error) {
			return msg.Copy().SetBody(message.BodyFromString(string(code), "text/plain")), nil
		},
	}, nil
}

func (textLoader) LoadAdapter(context.Context, string, ports.FetchFunc) (ports.AdapterConstructor, error) {
	return nil, errors.New("no adapters")
}

func TestServicesPinnedAcrossPurge(t *testing.T) {
	ctx := context.Background()
	src := &versionedSources{code: "v1"}
	reg := modules.New(src, modules.WithLoaders(textLoader{}))
	services := map[string]map[string]any{
		"/greet": svcConfig("/lib/greet.rsm.json", "/greet"),
	}
	call := func(f *Factory) string {
		cfg, ok := f.Config("/greet")
		require.True(t, ok)
		h, err := f.GetMessageFunctionForService(ctx, cfg, ports.External)
		require.NoError(t, err)
		msg, _ := message.NewFromString("GET", "/greet", message.AnonUser())
		out := h(ctx, msg)
		require.True(t, out.Ok())
		return out.Body.AsString()
	}

	old, err := initFactory(ctx, NewFactory("acme", reg), services)
	require.NoError(t, err)
	assert.Equal(t, "v1", call(old))

	// a reload purges and re-reads; the serving factory is unaffected
	assert.Positive(t, reg.PurgeTenantModules("acme"))
	src.set("v2")
	assert.Equal(t, "v1", call(old))

	next, err := initFactory(ctx, NewFactory("acme", reg), services)
	require.NoError(t, err)
	assert.Equal(t, "v2", call(next))
	assert.Equal(t, "v1", call(old))
}

func TestHandlersWorkOnConfigSnapshots(t *testing.T) {
	f := mustFactory(t, map[string]map[string]any{
		"/e": svcConfig("./services/echo.rsm.json", "/e", "greeting", "hi"),
	})
	cfg, _ := f.Config("/e")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		h, err := f.GetMessageFunctionForService(ctx, cfg, ports.External)
		require.NoError(t, err)
		msg, _ := message.NewFromString("GET", "/e/x", message.AnonUser())
		body, err := h(ctx, msg).Body.AsJSON()
		require.NoError(t, err)
		assert.Equal(t, "hi", body.(map[string]any)["greeting"])
	}
	assert.Equal(t, "hi", cfg.String("greeting"))
}
