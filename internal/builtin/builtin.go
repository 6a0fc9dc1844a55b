// Package builtin provides the services and adapters compiled into the
// runtime. They are preloaded into the module registry under fixed ./
// sources and are never purged.
package builtin

import (
	"log/slog"
	"time"

	"github.com/tjfontaine/restspace-gateway/internal/core/domain"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/modules"
	"github.com/tjfontaine/restspace-gateway/internal/pipeline"
	"github.com/tjfontaine/restspace-gateway/internal/storage/memory"
)

// Built-in sources.
const (
	WellKnownSource = "./services/wellknown.rsm.json"
	FileSource      = "./services/file.rsm.json"
	PipelineSource  = "./services/pipeline.rsm.json"
	AuthSource      = "./services/auth.rsm.json"

	MemoryFileAdapterSource = "./adapter/memory-file.ram.json"
	SQLFileAdapterSource    = "./adapter/sql-file.ram.json"
	RedisFileAdapterSource  = "./adapter/redis-file.ram.json"
)

// FileAdapterInterface is implemented by every file adapter.
const FileAdapterInterface = "IFileAdapter"

// AuthAPI is declared by services that resolve users.
const AuthAPI = "auth"

// Options carries the process level settings built-ins need.
type Options struct {
	// Memory backs memory-file adapters. Data is kept per tenant under
	// "<tenant>/<rootPath>". A fresh store is used when nil.
	Memory ports.FileStore
	// JWTSecret signs session tokens when an auth service config has no
	// secret of its own.
	JWTSecret string
	TokenTTL  time.Duration
	Executor  *pipeline.Executor
	Logger    *slog.Logger
}

// Register preloads every built-in module into r.
func Register(r *modules.Registry, opts Options) {
	if opts.Memory == nil {
		opts.Memory = memory.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Executor == nil {
		opts.Executor = pipeline.NewExecutor(pipeline.WithLogger(opts.Logger))
	}

	r.RegisterService(WellKnownSource, &domain.ServiceManifest{
		Name:        "Well known",
		Description: "Lists the services configured for the tenant",
		ModuleURL:   "./services/wellknown",
	}, wellKnownService())

	r.RegisterService(FileSource, &domain.ServiceManifest{
		Name:             "File",
		Description:      "Reads and writes files through a file adapter",
		ModuleURL:        "./services/file",
		AdapterInterface: FileAdapterInterface,
		APIs:             []string{"store", "file"},
		Defaults:         map[string]any{"adapterSource": MemoryFileAdapterSource},
	}, fileService())

	r.RegisterService(PipelineSource, &domain.ServiceManifest{
		Name:        "Pipeline",
		Description: "Runs a configured pipeline against each request",
		ModuleURL:   "./services/pipeline",
		ConfigSchema: map[string]any{
			"properties": map[string]any{
				"pipeline": map[string]any{"type": "array"},
			},
			"required": []any{"pipeline"},
		},
	}, pipelineService(opts.Executor))

	r.RegisterService(AuthSource, &domain.ServiceManifest{
		Name:        "Auth",
		Description: "Issues session tokens and resolves the user of each request",
		ModuleURL:   "./services/auth",
		APIs:        []string{AuthAPI},
		ConfigSchema: map[string]any{
			"properties": map[string]any{
				"secret":   map[string]any{"type": "string"},
				"tokenTtl": map[string]any{"type": "string"},
				"users": map[string]any{
					"type": "object",
					"additionalProperties": map[string]any{
						"type":     "object",
						"required": []any{"passwordHash"},
					},
				},
			},
		},
	}, authService(opts))

	r.RegisterAdapter(MemoryFileAdapterSource, &domain.AdapterManifest{
		Name:              "Memory file",
		Description:       "Files kept in process memory",
		ModuleURL:         "./adapter/memory-file",
		AdapterInterfaces: []string{FileAdapterInterface},
	}, memoryFileAdapter(opts.Memory))

	r.RegisterAdapter(SQLFileAdapterSource, &domain.AdapterManifest{
		Name:              "SQL file",
		Description:       "Files kept in a sqlite or postgres table",
		ModuleURL:         "./adapter/sql-file",
		AdapterInterfaces: []string{FileAdapterInterface},
		ConfigSchema: map[string]any{
			"properties": map[string]any{
				"driver": map[string]any{"type": "string", "enum": []any{"sqlite", "postgres"}},
				"dsn":    map[string]any{"type": "string"},
				"table":  map[string]any{"type": "string"},
			},
			"required": []any{"driver", "dsn"},
		},
	}, sqlFileAdapter)

	r.RegisterAdapter(RedisFileAdapterSource, &domain.AdapterManifest{
		Name:              "Redis file",
		Description:       "Files kept in Redis hashes",
		ModuleURL:         "./adapter/redis-file",
		AdapterInterfaces: []string{FileAdapterInterface},
		ConfigSchema: map[string]any{
			"properties": map[string]any{
				"addr": map[string]any{"type": "string"},
				"db":   map[string]any{"type": "integer"},
			},
			"required": []any{"addr"},
		},
	}, redisFileAdapter)
}
