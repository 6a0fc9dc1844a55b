package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/storage"
	"github.com/tjfontaine/restspace-gateway/internal/storage/redis"
	"github.com/tjfontaine/restspace-gateway/internal/storage/sqldb"
)

// FileAdapter is the IFileAdapter contract the file service consumes.
type FileAdapter interface {
	Read(ctx context.Context, path string) ([]byte, *ports.FileInfo, error)
	Write(ctx context.Context, path string, data []byte, mimeType string) (bool, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, dir string) ([]ports.FileInfo, error)
}

// fileAdapter confines a FileStore to one tenant root.
type fileAdapter struct {
	store ports.FileStore
	root  string
	// owned stores are closed when the tenant unloads.
	owned bool
}

var (
	_ FileAdapter   = (*fileAdapter)(nil)
	_ ports.Unloader = (*fileAdapter)(nil)
)

func newFileAdapter(store ports.FileStore, tenant string, cfg map[string]any, owned bool) (*fileAdapter, error) {
	rootPath, _ := cfg["rootPath"].(string)
	root, err := storage.CleanPath(storage.TenantKey(tenant, rootPath))
	if err != nil {
		return nil, fmt.Errorf("file adapter root: %w", err)
	}
	return &fileAdapter{store: store, root: root, owned: owned}, nil
}

func (a *fileAdapter) key(path string) (string, error) {
	clean, err := storage.CleanPath(path)
	if err != nil {
		return "", err
	}
	if clean == "" {
		return a.root, nil
	}
	return a.root + "/" + clean, nil
}

func (a *fileAdapter) Read(ctx context.Context, path string) ([]byte, *ports.FileInfo, error) {
	key, err := a.key(path)
	if err != nil {
		return nil, nil, err
	}
	data, info, err := a.store.Read(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	info.Path = strings.TrimPrefix(info.Path, a.root+"/")
	return data, info, nil
}

func (a *fileAdapter) Write(ctx context.Context, path string, data []byte, mimeType string) (bool, error) {
	key, err := a.key(path)
	if err != nil {
		return false, err
	}
	return a.store.Write(ctx, key, data, mimeType)
}

func (a *fileAdapter) Delete(ctx context.Context, path string) error {
	key, err := a.key(path)
	if err != nil {
		return err
	}
	return a.store.Delete(ctx, key)
}

func (a *fileAdapter) List(ctx context.Context, dir string) ([]ports.FileInfo, error) {
	key, err := a.key(dir)
	if err != nil {
		return nil, err
	}
	return a.store.List(ctx, key)
}

func (a *fileAdapter) Unload(context.Context) error {
	if !a.owned {
		return nil
	}
	return a.store.Close()
}

func memoryFileAdapter(store ports.FileStore) ports.AdapterConstructor {
	return func(_ context.Context, sctx *ports.ServiceContext, cfg map[string]any) (any, error) {
		return newFileAdapter(store, sctx.Tenant, cfg, false)
	}
}

func sqlFileAdapter(_ context.Context, sctx *ports.ServiceContext, cfg map[string]any) (any, error) {
	driver, _ := cfg["driver"].(string)
	dsn, _ := cfg["dsn"].(string)
	table, _ := cfg["table"].(string)
	store, err := sqldb.New(sqldb.Config{Driver: driver, DSN: dsn, Table: table})
	if err != nil {
		return nil, fmt.Errorf("sql file adapter: %w", err)
	}
	a, err := newFileAdapter(store, sctx.Tenant, cfg, true)
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func redisFileAdapter(ctx context.Context, sctx *ports.ServiceContext, cfg map[string]any) (any, error) {
	opts := redis.Options{}
	opts.Addr, _ = cfg["addr"].(string)
	opts.Password, _ = cfg["password"].(string)
	opts.Prefix, _ = cfg["prefix"].(string)
	if db, ok := cfg["db"].(float64); ok {
		opts.DB = int(db)
	}
	store, err := redis.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("redis file adapter: %w", err)
	}
	a, err := newFileAdapter(store, sctx.Tenant, cfg, true)
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}
