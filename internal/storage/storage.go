// Package storage holds what the FileStore implementations share: path
// normalisation and directory listing over flat key spaces.
package storage

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/tjfontaine/restspace-gateway/internal/core/domain"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
)

// FileStore re-exports the port for callers that only deal with storage.
type FileStore = ports.FileStore

// CleanPath turns p into the canonical key form "a/b/c": no leading or
// trailing slash and no dot segments. Escaping the root is an error.
func CleanPath(p string) (string, error) {
	if strings.Contains(p, "\x00") {
		return "", domain.ErrInvalidRequest("invalid path %q", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", domain.ErrInvalidRequest("path %q leaves the store root", p)
		}
	}
	clean := strings.Trim(path.Clean("/"+p), "/")
	if clean == "." {
		clean = ""
	}
	return clean, nil
}

// CleanFilePath is CleanPath for paths that must name a file.
func CleanFilePath(p string) (string, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	if clean == "" {
		return "", domain.ErrInvalidRequest("empty file path")
	}
	return clean, nil
}

// DirPrefix is the key prefix of everything below dir.
func DirPrefix(dir string) string {
	if dir == "" {
		return ""
	}
	return dir + "/"
}

// Parent returns the directory holding key, "" for the root.
func Parent(key string) string {
	i := strings.LastIndexByte(key, '/')
	if i < 0 {
		return ""
	}
	return key[:i]
}

// Lister collects the direct children of a directory from a flat list of
// file keys below it.
type Lister struct {
	prefix string
	files  []ports.FileInfo
	dirs   map[string]bool
}

// NewLister lists dir.
func NewLister(dir string) *Lister {
	return &Lister{prefix: DirPrefix(dir), dirs: make(map[string]bool)}
}

// Add considers one stored file. Keys outside the directory are ignored.
func (l *Lister) Add(info ports.FileInfo) {
	rest, ok := strings.CutPrefix(info.Path, l.prefix)
	if !ok || rest == "" {
		return
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		l.dirs[rest[:i]] = true
		return
	}
	info.Path = rest
	l.files = append(l.files, info)
}

// Result returns files and sub-directories sorted by name, directories
// carrying a trailing slash.
func (l *Lister) Result() []ports.FileInfo {
	out := make([]ports.FileInfo, 0, len(l.files)+len(l.dirs))
	out = append(out, l.files...)
	for name := range l.dirs {
		out = append(out, ports.FileInfo{Path: name + "/", IsDirectory: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// TenantKey prefixes key with the tenant, the layout every store shares for
// tenant owned data.
func TenantKey(tenant, key string) string {
	return fmt.Sprintf("%s/%s", tenant, strings.TrimLeft(key, "/"))
}
