package runtime

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/pkg/config"
	"github.com/tjfontaine/restspace-gateway/internal/storage"
	"github.com/tjfontaine/restspace-gateway/internal/storage/memory"
	"github.com/tjfontaine/restspace-gateway/internal/storage/redis"
	"github.com/tjfontaine/restspace-gateway/internal/storage/sqldb"
)

// ServicesFile is the tenant configuration file inside each tenant's
// directory of the config store.
const ServicesFile = "services.json"

// openStore creates the config store described by cfg.
func openStore(ctx context.Context, cfg config.StorageConfig) (ports.FileStore, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "sqlite", "postgres":
		driver := cfg.Database.Driver
		if driver == "" {
			driver = cfg.Type
		}
		dsn := cfg.Database.DSN
		if dsn == "" && driver == "sqlite" {
			dsn = "restspace.db"
		}
		return sqldb.New(sqldb.Config{Driver: driver, DSN: dsn})
	case "redis":
		return redis.Connect(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// seedTenants copies every file below dir into store. The first path
// element of each file is the tenant name, so dir/acme/services.json lands
// at acme/services.json. It returns the tenants seen.
func seedTenants(ctx context.Context, store ports.FileStore, dir string, logger *slog.Logger) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	seen := make(map[string]bool)
	var tenants []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		key, err := storage.CleanFilePath(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		tenant, _, ok := strings.Cut(key, "/")
		if !ok {
			// files directly in the seed dir belong to no tenant
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read seed %s: %w", path, err)
		}
		if _, err := store.Write(ctx, key, data, mimeFor(path)); err != nil {
			return fmt.Errorf("seed %s: %w", key, err)
		}
		if !seen[tenant] {
			seen[tenant] = true
			tenants = append(tenants, tenant)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("tenant files seeded",
		slog.String("dir", dir),
		slog.Int("tenants", len(tenants)))
	return tenants, nil
}

func mimeFor(path string) string {
	switch filepath.Ext(path) {
	case ".json":
		return "application/json"
	case ".js":
		return "text/javascript"
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
