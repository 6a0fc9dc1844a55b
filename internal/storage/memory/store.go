package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tjfontaine/restspace-gateway/internal/core/domain"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/storage"
)

type file struct {
	data     []byte
	mimeType string
	modified time.Time
}

// Store is an in-memory implementation of FileStore
type Store struct {
	mu    sync.RWMutex
	files map[string]file
	now   func() time.Time
}

var _ ports.FileStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		files: make(map[string]file),
		now:   time.Now,
	}
}

func (s *Store) Read(ctx context.Context, path string) ([]byte, *ports.FileInfo, error) {
	key, err := storage.CleanFilePath(path)
	if err != nil {
		return nil, nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[key]
	if !ok {
		return nil, nil, domain.NotFound("file %s not found", key)
	}
	data := make([]byte, len(f.data))
	copy(data, f.data)
	return data, &ports.FileInfo{
		Path:         key,
		Size:         int64(len(data)),
		DateModified: f.modified,
		MimeType:     f.mimeType,
	}, nil
}

func (s *Store) Write(ctx context.Context, path string, data []byte, mimeType string) (bool, error) {
	key, err := storage.CleanFilePath(path)
	if err != nil {
		return false, err
	}
	stored := make([]byte, len(data))
	copy(stored, data)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.files[key]
	s.files[key] = file{data: stored, mimeType: mimeType, modified: s.now()}
	return !exists, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	key, err := storage.CleanFilePath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[key]; !ok {
		return domain.NotFound("file %s not found", key)
	}
	delete(s.files, key)
	return nil
}

func (s *Store) List(ctx context.Context, dir string) ([]ports.FileInfo, error) {
	key, err := storage.CleanPath(dir)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	l := storage.NewLister(key)
	for p, f := range s.files {
		l.Add(ports.FileInfo{Path: p, Size: int64(len(f.data)), DateModified: f.modified, MimeType: f.mimeType})
	}
	return l.Result(), nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
