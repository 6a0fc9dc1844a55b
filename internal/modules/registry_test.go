package modules

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/restspace-gateway/internal/core/domain"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/message"
)

// fakeReader serves sources from a map keyed by "tenant|source".
type fakeReader struct {
	mu    sync.Mutex
	files map[string]string
	reads map[string]int
}

func newFakeReader() *fakeReader {
	return &fakeReader{files: map[string]string{}, reads: map[string]int{}}
}

func (f *fakeReader) put(tenant, source, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[tenant+"|"+source] = data
}

func (f *fakeReader) count(tenant, source string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[tenant+"|"+source]
}

func (f *fakeReader) ReadSource(_ context.Context, tenant, source string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := tenant + "|" + source
	f.reads[key]++
	data, ok := f.files[key]
	if !ok {
		return nil, "", fmt.Errorf("%s: %w", source, domain.ErrNotFound)
	}
	return []byte(data), tenant, nil
}

const counterJS = `
function handle(msg, config) {
	return { status: 200, body: { greeting: config.greeting, path: msg.servicePath } };
}
`

const counterManifest = `{
	"name": "Counter",
	"moduleUrl": "./counter.js",
	"configSchema": {"type": "object", "properties": {"greeting": {"type": "string"}}, "required": ["greeting"]}
}`

func newTestRegistry(reader ports.SourceReader) *Registry {
	r := New(reader, WithLoaders(NewJSLoader(nil, 0)))
	r.RegisterService("./services/echo.rsm.json",
		&domain.ServiceManifest{Name: "Echo", ModuleURL: "./services/echo"},
		&ports.Service{Func: func(_ context.Context, msg *message.Message, _ *ports.ServiceContext, _ *domain.ServiceConfig) (*message.Message, error) {
			return msg, nil
		}})
	return r
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		tenant, source, want string
	}{
		{"acme", "./services/file.rsm.json", "./services/file.rsm.json"},
		{"acme", "/lib/a.rsm.json", "rs://acme/lib/a.rsm.json"},
		{"acme", "lib/a.rsm.json", "rs://acme/lib/a.rsm.json"},
		{"acme", "https://cdn.test/a.rsm.json", "https://cdn.test/a.rsm.json"},
		{"acme", "rs://other/a.js", "rs://other/a.js"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Canonical(tt.tenant, tt.source))
	}
}

func TestBuiltinServiceIsPreloaded(t *testing.T) {
	reader := newFakeReader()
	r := newTestRegistry(reader)

	m, err := r.GetServiceManifest(context.Background(), "acme", "./services/echo.rsm.json")
	require.NoError(t, err)
	assert.Equal(t, "Echo", m.Name)

	svc, err := r.GetService(context.Background(), "acme", "./services/echo.rsm.json")
	require.NoError(t, err)
	assert.NotNil(t, svc.Func)

	assert.Equal(t, 0, r.PurgeTenantModules("acme"))
	_, err = r.GetService(context.Background(), "acme", "./services/echo.rsm.json")
	require.NoError(t, err)
}

func TestTenantServiceLoadsThroughManifest(t *testing.T) {
	reader := newFakeReader()
	reader.put("acme", "/lib/counter.rsm.json", counterManifest)
	reader.put("acme", "/lib/counter.js", counterJS)
	r := newTestRegistry(reader)
	ctx := context.Background()

	svc, err := r.GetService(ctx, "acme", "/lib/counter.rsm.json")
	require.NoError(t, err)

	msg, err := message.NewFromString("GET", "/count/x", message.AnonUser())
	require.NoError(t, err)
	msg.URL.BasePathElementCount = 1
	cfg, err := domain.ParseServiceConfig(map[string]any{"greeting": "hi", "basePath": "/count", "source": "/lib/counter.rsm.json"})
	require.NoError(t, err)

	out, err := svc.Func(ctx, msg, &ports.ServiceContext{}, cfg)
	require.NoError(t, err)
	assert.Equal(t, 200, out.Status)
	body, err := out.Body.AsJSON()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"greeting": "hi", "path": "/x"}, body)

	// second access is served from cache
	_, err = r.GetService(ctx, "acme", "/lib/counter.rsm.json")
	require.NoError(t, err)
	assert.Equal(t, 1, reader.count("acme", "/lib/counter.js"))
	assert.Equal(t, 1, reader.count("acme", "/lib/counter.rsm.json"))
}

func TestPurgeTenantModulesForcesReload(t *testing.T) {
	reader := newFakeReader()
	reader.put("acme", "/lib/counter.rsm.json", counterManifest)
	reader.put("acme", "/lib/counter.js", counterJS)
	reader.put("beta", "/lib/counter.rsm.json", counterManifest)
	reader.put("beta", "/lib/counter.js", counterJS)
	r := newTestRegistry(reader)
	ctx := context.Background()

	_, err := r.GetService(ctx, "acme", "/lib/counter.rsm.json")
	require.NoError(t, err)
	_, err = r.GetService(ctx, "beta", "/lib/counter.rsm.json")
	require.NoError(t, err)

	assert.Equal(t, 2, r.PurgeTenantModules("acme"))

	_, err = r.GetService(ctx, "acme", "/lib/counter.rsm.json")
	require.NoError(t, err)
	_, err = r.GetService(ctx, "beta", "/lib/counter.rsm.json")
	require.NoError(t, err)

	assert.Equal(t, 2, reader.count("acme", "/lib/counter.js"))
	assert.Equal(t, 1, reader.count("beta", "/lib/counter.js"))
}

func TestLoadFailureDoesNotPopulateCache(t *testing.T) {
	reader := newFakeReader()
	reader.put("acme", "/lib/bad.rsm.json", `{"name": "Bad"}`)
	reader.put("acme", "/lib/broken.rsm.json", `{"name": "Broken", "moduleUrl": "./broken.js"}`)
	reader.put("acme", "/lib/broken.js", `function handle( {`)
	r := newTestRegistry(reader)
	ctx := context.Background()

	_, err := r.GetServiceManifest(ctx, "acme", "/lib/bad.rsm.json")
	require.Error(t, err)
	assert.True(t, domain.IsConfigError(err))

	_, err = r.GetService(ctx, "acme", "/lib/broken.rsm.json")
	require.Error(t, err)

	// fix the module; the next access must see the new code
	reader.put("acme", "/lib/broken.js", counterJS)
	_, err = r.GetService(ctx, "acme", "/lib/broken.rsm.json")
	require.NoError(t, err)

	_, err = r.GetServiceManifest(ctx, "acme", "/lib/missing.rsm.json")
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
}

func TestConcurrentLoadsAreDeduplicated(t *testing.T) {
	reader := newFakeReader()
	reader.put("acme", "/lib/counter.rsm.json", counterManifest)
	reader.put("acme", "/lib/counter.js", counterJS)

	var loads atomic.Int32
	r := New(reader, WithLoaders(NewJSLoader(nil, 0)), WithObserver(func(kind, outcome string) {
		if kind == "service" && outcome == "loaded" {
			loads.Add(1)
		}
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.GetService(context.Background(), "acme", "/lib/counter.rsm.json")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, reader.count("acme", "/lib/counter.js"))
	assert.GreaterOrEqual(t, int(loads.Load()), 1)
}

func TestValidateServiceConfig(t *testing.T) {
	reader := newFakeReader()
	reader.put("acme", "/lib/counter.rsm.json", counterManifest)
	r := newTestRegistry(reader)

	m, err := r.GetServiceManifest(context.Background(), "acme", "/lib/counter.rsm.json")
	require.NoError(t, err)

	good := map[string]any{
		"source": "/lib/counter.rsm.json", "basePath": "/c",
		"access": map[string]any{"readRoles": "all"}, "greeting": "hi",
	}
	require.NoError(t, r.ValidateServiceConfig(m, good))

	bad := map[string]any{"source": "/lib/counter.rsm.json", "basePath": "/c", "access": map[string]any{}}
	err = r.ValidateServiceConfig(m, bad)
	require.Error(t, err)
	assert.True(t, domain.IsConfigError(err))
	assert.Contains(t, err.Error(), "greeting")
}

func TestAdapterLoading(t *testing.T) {
	r := New(newFakeReader())
	r.RegisterAdapter("./adapter/mem.ram.json",
		&domain.AdapterManifest{Name: "Mem", ModuleURL: "./adapter/mem", AdapterInterfaces: []string{"IFileAdapter"}},
		func(_ context.Context, _ *ports.ServiceContext, cfg map[string]any) (any, error) {
			return cfg["name"], nil
		})

	m, err := r.GetAdapterManifest(context.Background(), "acme", "./adapter/mem.ram.json")
	require.NoError(t, err)
	assert.True(t, m.Implements("IFileAdapter"))

	a, err := r.GetAdapter(context.Background(), "acme", "./adapter/mem.ram.json", &ports.ServiceContext{}, map[string]any{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", a)
}
