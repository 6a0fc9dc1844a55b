package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/restspace-gateway/internal/auth"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/message"
	"github.com/tjfontaine/restspace-gateway/internal/pkg/config"
	"github.com/tjfontaine/restspace-gateway/internal/storage/memory"
	"github.com/tjfontaine/restspace-gateway/internal/tenant"
	"github.com/tjfontaine/restspace-gateway/internal/testutil"
)

const filesConfig = `{
	"services": {
		"/files": {
			"source": "./services/file.rsm.json",
			"access": {"readRoles": "all", "writeRoles": "all"}
		}
	}
}`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Port: 8080},
		Storage: config.StorageConfig{Type: "memory"},
		Tenancy: config.TenancyConfig{MainDomain: "restspace.test"},
	}
}

// gatedStore counts tenant config reads and holds them until release is
// closed, when release is set.
type gatedStore struct {
	ports.FileStore
	reads   atomic.Int32
	release chan struct{}
}

func (s *gatedStore) Read(ctx context.Context, path string) ([]byte, *ports.FileInfo, error) {
	if strings.HasSuffix(path, ServicesFile) {
		s.reads.Add(1)
		if s.release != nil {
			<-s.release
		}
	}
	return s.FileStore.Read(ctx, path)
}

func newGateway(t *testing.T, store ports.FileStore, opts ...Option) *Gateway {
	t.Helper()
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithConfig(testConfig()),
		WithStorage(store),
	}, opts...)
	gw, err := New(opts...)
	require.NoError(t, err)
	require.NoError(t, gw.Load(context.Background()))
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

func writeServices(t *testing.T, store ports.FileStore, tenantName, cfg string) {
	t.Helper()
	_, err := store.Write(context.Background(), tenantName+"/"+ServicesFile, []byte(cfg), "application/json")
	require.NoError(t, err)
}

func serve(gw *Gateway, method, url, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, r)
	if body != "" {
		req.Header.Set("Content-Type", "text/plain")
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresConfigProvider(t *testing.T) {
	_, err := New()
	require.Error(t, err)
	assert.Equal(t, "config provider required (use WithFileConfig or WithConfig)", err.Error())
}

func TestUnknownHostIsNotFound(t *testing.T) {
	gw := newGateway(t, memory.New())

	rec := serve(gw, http.MethodGet, "http://www.elsewhere.test/files/", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, gw.tenants.Names(), "no tenant load for an unknown host")
}

func TestServesTenantOverHTTP(t *testing.T) {
	store := memory.New()
	writeServices(t, store, "acme", filesConfig)
	gw := newGateway(t, store)

	rec := serve(gw, http.MethodPut, "http://acme.restspace.test/files/notes/a.txt", "hello")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/files/notes/a.txt", rec.Header().Get("Location"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(gw, http.MethodGet, "http://acme.restspace.test/files/notes/a.txt", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "File", rec.Header().Get("X-Restspace-Service"))

	rec = serve(gw, http.MethodGet, "http://acme.restspace.test/nothing/here", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(gw, http.MethodGet, "http://acme.restspace.test/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRequestHeadersNotEchoed(t *testing.T) {
	store := memory.New()
	writeServices(t, store, "acme", filesConfig)
	gw := newGateway(t, store)
	require.Equal(t, http.StatusCreated, serve(gw, http.MethodPut, "http://acme.restspace.test/files/a.txt", "hello").Code)

	req := httptest.NewRequest(http.MethodGet, "http://acme.restspace.test/files/a.txt", nil)
	req.Header.Set("X-Foo", "bar")
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Empty(t, rec.Header().Values("X-Foo"))
	assert.Equal(t, "File", rec.Header().Get("X-Restspace-Service"))
}

func TestAdminAPI(t *testing.T) {
	store := memory.New()
	writeServices(t, store, "acme", filesConfig)
	cfg := testConfig()
	cfg.Admin.TokenHash = auth.HashSecret("ops")
	gw := newGateway(t, store, WithConfig(cfg))

	require.Equal(t, http.StatusNotFound, serve(gw, http.MethodGet, "http://acme.restspace.test/files/missing", "").Code)

	req := httptest.NewRequest(http.MethodGet, "http://acme.restspace.test/admin/api/tenants", nil)
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Bearer ops")
	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var tenants []struct {
		Name     string              `json:"name"`
		Services []ports.ServiceInfo `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tenants))
	require.Len(t, tenants, 1)
	assert.Equal(t, "acme", tenants[0].Name)
	var paths []string
	for _, svc := range tenants[0].Services {
		paths = append(paths, svc.BasePath)
	}
	assert.Contains(t, paths, "/files")
}

func TestTenantLoadIsSingleFlight(t *testing.T) {
	store := &gatedStore{FileStore: memory.New(), release: make(chan struct{})}
	writeServices(t, store, "acme", filesConfig)
	gw := newGateway(t, store)

	const callers = 16
	got := make([]*tenant.Tenant, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tn, err := gw.getTenant(context.Background(), "acme")
			assert.NoError(t, err)
			got[i] = tn
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	wg.Wait()

	assert.Equal(t, int32(1), store.reads.Load())
	for _, tn := range got {
		assert.Same(t, got[0], tn)
	}
}

func TestFailedLoadServesEmptyTenant(t *testing.T) {
	gw := newGateway(t, memory.New())

	rec := serve(gw, http.MethodGet, "http://ghost.restspace.test/.well-known/restspace", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var doc struct {
		Tenant   string              `json:"tenant"`
		Services []ports.ServiceInfo `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "ghost", doc.Tenant)
	require.Len(t, doc.Services, 1)
	assert.Equal(t, tenant.WellKnownPath, doc.Services[0].BasePath)

	rec = serve(gw, http.MethodOptions, "http://ghost.restspace.test/files/", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLoadTimeoutFallsBackThenAdoptsLateLoad(t *testing.T) {
	store := &gatedStore{FileStore: memory.New(), release: make(chan struct{})}
	writeServices(t, store, "acme", filesConfig)
	gw := newGateway(t, store, WithLoadTimeout(20*time.Millisecond))

	fallback, err := gw.getTenant(context.Background(), "acme")
	require.NoError(t, err)
	assert.Len(t, fallback.Services(), 1, "fallback carries only the base chord")

	close(store.release)
	require.Eventually(t, func() bool {
		cur, _ := gw.tenants.Get("acme")
		return cur != fallback
	}, 2*time.Second, 10*time.Millisecond)

	cur, _ := gw.tenants.Get("acme")
	assert.Len(t, cur.Services(), 2)
}

func TestRebuildConfigSwapsTenant(t *testing.T) {
	store := memory.New()
	writeServices(t, store, "acme", filesConfig)
	gw := newGateway(t, store)

	before, err := gw.getTenant(context.Background(), "acme")
	require.NoError(t, err)

	writeServices(t, store, "acme", `{
		"services": {
			"/files": {
				"source": "./services/file.rsm.json",
				"access": {"readRoles": "all", "writeRoles": "all"}
			},
			"/archive": {
				"source": "./services/file.rsm.json",
				"access": {"readRoles": "all", "writeRoles": "all"},
				"adapterConfig": {"rootPath": "archive"}
			}
		}
	}`)
	require.NoError(t, gw.RebuildConfig(context.Background(), "acme"))

	after, _ := gw.tenants.Get("acme")
	assert.NotSame(t, before, after)
	assert.Len(t, after.Services(), 3)

	writeServices(t, store, "acme", `{"services": {"/bad": {"source": "./services/file.rsm.json"}}}`)
	assert.Error(t, gw.RebuildConfig(context.Background(), "acme"))
	still, _ := gw.tenants.Get("acme")
	assert.Same(t, after, still, "a failed rebuild keeps the live tenant")
}

func TestFailedRebuildKeepsLoadedModules(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	writeModule := func(code string) {
		_, err := store.Write(ctx, "acme/lib/greet.js", []byte(code), "text/javascript")
		require.NoError(t, err)
	}
	greetConfig := `{
		"services": {
			"/greet": {
				"source": "/lib/greet.js",
				"access": {"readRoles": "all", "writeRoles": "all"}
			}
		}
	}`
	writeModule(`module.exports.handle = function (msg) { return "v1"; };`)
	writeServices(t, store, "acme", greetConfig)
	cfg := testConfig()
	cfg.Modules.JavaScript = true
	gw := newGateway(t, store, WithConfig(cfg))

	rec := serve(gw, http.MethodGet, "http://acme.restspace.test/greet", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "v1", rec.Body.String())

	writeModule(`module.exports.handle = function (msg) { return "v2"; };`)
	writeServices(t, store, "acme", `{"services": {"/bad": {"source": "./services/file.rsm.json"}}}`)
	require.Error(t, gw.RebuildConfig(ctx, "acme"))

	rec = serve(gw, http.MethodGet, "http://acme.restspace.test/greet", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "v1", rec.Body.String(), "the live tenant keeps the module it loaded")

	writeServices(t, store, "acme", greetConfig)
	require.NoError(t, gw.RebuildConfig(ctx, "acme"))
	rec = serve(gw, http.MethodGet, "http://acme.restspace.test/greet", "")
	assert.Equal(t, "v2", rec.Body.String())
}

func TestOutgoingRequestToOtherTenant(t *testing.T) {
	gw := newGateway(t, memory.New())

	msg, err := message.NewFromString(http.MethodGet, "http://beta.restspace.test/.well-known/restspace", message.AnonUser())
	require.NoError(t, err)
	res := gw.HandleOutgoingRequest(context.Background(), "acme", msg, ports.Internal)
	require.True(t, res.Ok(), "status %d", res.Status)

	var doc struct {
		Tenant string `json:"tenant"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &doc))
	assert.Equal(t, "beta", doc.Tenant)
}

func TestOutgoingExternalRequest(t *testing.T) {
	rec := testutil.NewVCRRecorder(t, "external_get")
	gw := newGateway(t, memory.New(), WithHTTPClient(testutil.VCRHTTPClient(rec)))

	msg, err := message.NewFromString(http.MethodGet, "https://api.example.com/v1/status.json", message.AnonUser())
	require.NoError(t, err)
	msg.Headers.Set("Accept", "application/json")

	res := gw.HandleOutgoingRequest(context.Background(), "acme", msg, ports.Internal)
	require.Equal(t, http.StatusOK, res.StatusOrOK())
	require.NotNil(t, res.Body)
	assert.JSONEq(t, `{"status":"up","region":"eu-west"}`, res.Body.AsString())
	assert.True(t, res.Body.MimeHandled, "external responses skip MIME processing")
	assert.Empty(t, gw.tenants.Names(), "external requests load no tenant")
}

func TestReadSource(t *testing.T) {
	store := memory.New()
	_, err := store.Write(context.Background(), "acme/code/svc.rsm.json", []byte(`{"name":"svc"}`), "application/json")
	require.NoError(t, err)
	gw := newGateway(t, store)

	data, owner, err := gw.ReadSource(context.Background(), "acme", "/code/svc.rsm.json")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.JSONEq(t, `{"name":"svc"}`, string(data))

	_, _, err = gw.ReadSource(context.Background(), "beta", "/code/svc.rsm.json")
	assert.Error(t, err, "tenants only read their own directory")
}

const sharedManifest = `{
	"name": "Shared docs",
	"moduleUrl": "./services/file",
	"adapterInterface": "IFileAdapter",
	"defaults": {"adapterSource": "./adapter/memory-file.ram.json"}
}`

func TestManifestServedByAnotherTenant(t *testing.T) {
	store := memory.New()
	writeServices(t, store, "acme", filesConfig)
	writeServices(t, store, "beta", `{
		"services": {
			"/docs": {
				"source": "http://acme.restspace.test/files/lib/shared.rsm.json",
				"access": {"readRoles": "all", "writeRoles": "all"}
			}
		}
	}`)
	gw := newGateway(t, store)

	rec := serve(gw, http.MethodPut, "http://acme.restspace.test/files/lib/shared.rsm.json", sharedManifest)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = serve(gw, http.MethodPut, "http://beta.restspace.test/docs/a.txt", "from beta")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = serve(gw, http.MethodGet, "http://beta.restspace.test/docs/a.txt", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "from beta", rec.Body.String())
	assert.Equal(t, "Shared docs", rec.Header().Get("X-Restspace-Service"))

	_, owner, err := gw.ReadSource(context.Background(), "beta", "http://acme.restspace.test/files/lib/shared.rsm.json")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, 1, gw.modules.PurgeTenantModules("acme"), "the manifest belongs to the tenant serving it")
}

func TestSourceFromTenantBeingLoaded(t *testing.T) {
	gw := newGateway(t, memory.New())

	_, _, err := gw.ReadSource(context.Background(), "acme", "http://acme.restspace.test/files/x.rsm.json")
	require.Error(t, err)
	assert.Empty(t, gw.tenants.Names(), "no self-referential load is started")
}
