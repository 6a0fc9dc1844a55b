package ports

import (
	"context"
	"time"
)

// FileInfo describes a stored file or directory entry.
type FileInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	DateModified time.Time `json:"dateModified"`
	MimeType     string    `json:"mimeType,omitempty"`
	IsDirectory  bool      `json:"isDirectory,omitempty"`
}

// FileStore is a hierarchical key/value store addressed by slash separated
// paths. It backs tenant configuration, tenant code and the file adapters.
// Implementations: memory, SQL (sqlite, postgres), Redis.
type FileStore interface {
	// Read returns the file content. Missing files yield domain.ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, *FileInfo, error)

	// Write stores a file, reporting whether it was newly created.
	Write(ctx context.Context, path string, data []byte, mimeType string) (created bool, err error)

	// Delete removes a file. Missing files yield domain.ErrNotFound.
	Delete(ctx context.Context, path string) error

	// List returns the direct children of dir. Sub-directories are
	// reported once with IsDirectory set.
	List(ctx context.Context, dir string) ([]FileInfo, error)

	// Close releases the underlying connection.
	Close() error
}
