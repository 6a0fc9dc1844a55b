// Package redis is a FileStore on Redis hashes with one set per directory
// for listings.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/restspace-gateway/internal/core/domain"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/storage"
)

// Options configures the connection.
type Options struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string
	PingTimeout time.Duration
}

// Store handles Redis operations for files
type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ ports.FileStore = (*Store)(nil)

// Connect opens a client and checks the server answers.
func Connect(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis unavailable at %s: %w", opts.Addr, err)
	}
	return NewStore(client, opts.Prefix), nil
}

// NewStore creates a new Redis store
func NewStore(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "rs"
	}
	return &Store{client: client, prefix: prefix, now: time.Now}
}

func (s *Store) Read(ctx context.Context, path string) ([]byte, *ports.FileInfo, error) {
	key, err := storage.CleanFilePath(path)
	if err != nil {
		return nil, nil, err
	}

	fields, err := s.client.HGetAll(ctx, FileKey(s.prefix, key)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil, domain.NotFound("file %s not found", key)
	}

	data := []byte(fields["data"])
	info := fileInfo(key, fields["mime"], fields["size"], fields["modified"])
	return data, &info, nil
}

func fileInfo(path, mime, size, modified string) ports.FileInfo {
	n, _ := strconv.ParseInt(size, 10, 64)
	ms, _ := strconv.ParseInt(modified, 10, 64)
	return ports.FileInfo{Path: path, Size: n, DateModified: time.UnixMilli(ms), MimeType: mime}
}

func (s *Store) Write(ctx context.Context, path string, data []byte, mimeType string) (bool, error) {
	key, err := storage.CleanFilePath(path)
	if err != nil {
		return false, err
	}
	fileKey := FileKey(s.prefix, key)

	existed, err := s.client.Exists(ctx, fileKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to write %s: %w", key, err)
	}

	dirs, children := ancestors(key)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, fileKey,
			"data", data,
			"mime", mimeType,
			"size", len(data),
			"modified", s.now().UnixMilli())
		for i, dir := range dirs {
			pipe.SAdd(ctx, DirKey(s.prefix, dir), children[i])
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to write %s: %w", key, err)
	}
	return existed == 0, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	key, err := storage.CleanFilePath(path)
	if err != nil {
		return err
	}

	n, err := s.client.Del(ctx, FileKey(s.prefix, key)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if n == 0 {
		return domain.NotFound("file %s not found", key)
	}

	// Drop the entry, and directories left empty, up the tree.
	dirs, children := ancestors(key)
	for i, dir := range dirs {
		dirKey := DirKey(s.prefix, dir)
		if err := s.client.SRem(ctx, dirKey, children[i]).Err(); err != nil {
			return fmt.Errorf("failed to unlink %s: %w", key, err)
		}
		left, err := s.client.SCard(ctx, dirKey).Result()
		if err != nil || left > 0 {
			break
		}
	}
	return nil
}

func (s *Store) List(ctx context.Context, dir string) ([]ports.FileInfo, error) {
	key, err := storage.CleanPath(dir)
	if err != nil {
		return nil, err
	}

	names, err := s.client.SMembers(ctx, DirKey(s.prefix, key)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list %s: %w", key, err)
	}
	sort.Strings(names)

	prefix := storage.DirPrefix(key)
	cmds := make(map[string]*redis.SliceCmd)
	pipe := s.client.Pipeline()
	for _, name := range names {
		if !strings.HasSuffix(name, "/") {
			cmds[name] = pipe.HMGet(ctx, FileKey(s.prefix, prefix+name), "mime", "size", "modified")
		}
	}
	if len(cmds) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", key, err)
		}
	}

	out := make([]ports.FileInfo, 0, len(names))
	for _, name := range names {
		cmd, ok := cmds[name]
		if !ok {
			out = append(out, ports.FileInfo{Path: name, IsDirectory: true})
			continue
		}
		vals := cmd.Val()
		out = append(out, fileInfo(name, str(vals, 0), str(vals, 1), str(vals, 2)))
	}
	return out, nil
}

func str(vals []any, i int) string {
	if i >= len(vals) {
		return ""
	}
	s, _ := vals[i].(string)
	return s
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
