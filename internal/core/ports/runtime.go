package ports

import (
	"context"

	"github.com/tjfontaine/restspace-gateway/internal/pkg/config"
)

// ConfigProvider loads and manages process configuration.
// Implementations: file-based (default).
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// Source says where a request entered the runtime.
type Source int

const (
	// Internal requests come from pipelines and services of the same
	// runtime.
	Internal Source = iota
	// External requests arrived over HTTP.
	External
	// Outer requests are internal calls made on behalf of an outward facing
	// proxy; they skip the HTTP cache and CORS handling.
	Outer
)

func (s Source) String() string {
	switch s {
	case Internal:
		return "internal"
	case External:
		return "external"
	case Outer:
		return "outer"
	default:
		return "unknown"
	}
}

// FetchFunc returns the code of a module when a loader needs it.
type FetchFunc func(ctx context.Context) ([]byte, error)

// ModuleLoader turns a module URL into a service or adapter implementation.
// Implementations: built-in map, JavaScript (goja).
type ModuleLoader interface {
	// Name identifies the loader in logs.
	Name() string
	// CanLoad reports whether moduleURL is handled by this loader.
	CanLoad(moduleURL string) bool
	LoadService(ctx context.Context, moduleURL string, fetch FetchFunc) (*Service, error)
	LoadAdapter(ctx context.Context, moduleURL string, fetch FetchFunc) (AdapterConstructor, error)
}

// SourceReader reads manifests and module code on behalf of the module
// registry. Owner is the tenant whose store holds the source, or "" when no
// tenant owns it.
type SourceReader interface {
	ReadSource(ctx context.Context, tenant, source string) (data []byte, owner string, err error)
}
