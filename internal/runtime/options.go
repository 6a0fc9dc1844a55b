package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tjfontaine/restspace-gateway/internal/adapters/config/file"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/pkg/config"
	"github.com/tjfontaine/restspace-gateway/internal/storage/memory"
	"github.com/tjfontaine/restspace-gateway/internal/storage/redis"
	"github.com/tjfontaine/restspace-gateway/internal/storage/sqldb"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		provider, err := file.NewProvider(path, file.WithLogger(g.logger))
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.config = provider
		return nil
	}
}

// WithConfig serves a fixed configuration that never changes.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if cfg == nil {
			return fmt.Errorf("config cannot be nil")
		}
		g.config = staticProvider{cfg: cfg}
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
// For advanced use cases where you need full control over config loading.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(g *Gateway) error {
		g.config = provider
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithMemoryStorage keeps tenant configuration and code in process memory.
func WithMemoryStorage() Option {
	return func(g *Gateway) error {
		g.setStore(memory.New(), true)
		return nil
	}
}

// WithSQLite uses SQLite storage (default for single-instance deployments).
func WithSQLite(path string) Option {
	return func(g *Gateway) error {
		store, err := sqldb.NewSQLite(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		g.setStore(store, true)
		return nil
	}
}

// WithPostgres uses PostgreSQL storage.
// Recommended for distributed deployments.
func WithPostgres(dsn string) Option {
	return func(g *Gateway) error {
		store, err := sqldb.New(sqldb.Config{Driver: "postgres", DSN: dsn})
		if err != nil {
			return fmt.Errorf("create postgres storage: %w", err)
		}
		g.setStore(store, true)
		return nil
	}
}

// WithRedis uses Redis storage.
func WithRedis(opts redis.Options) Option {
	return func(g *Gateway) error {
		store, err := redis.Connect(context.Background(), opts)
		if err != nil {
			return fmt.Errorf("create redis storage: %w", err)
		}
		g.setStore(store, true)
		return nil
	}
}

// WithStorage sets a custom config store. The caller keeps ownership and
// closes it.
func WithStorage(store ports.FileStore) Option {
	return func(g *Gateway) error {
		g.setStore(store, false)
		return nil
	}
}

// WithHTTPClient sets the client used for requests to hosts that are not
// served by any tenant.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) error {
		g.httpClient = client
		return nil
	}
}

// WithLoadTimeout overrides the configured tenant load watchdog.
func WithLoadTimeout(d time.Duration) Option {
	return func(g *Gateway) error {
		g.loadTimeout = d
		return nil
	}
}

// staticProvider is a ports.ConfigProvider over a fixed config.
type staticProvider struct {
	cfg *config.Config
}

func (p staticProvider) Load(context.Context) (*config.Config, error) {
	return p.cfg, nil
}

func (p staticProvider) Watch(context.Context, func(*config.Config)) error {
	return nil
}

func (p staticProvider) Close() error {
	return nil
}
