package redis

import "strings"

const (
	// keyFile holds a file as a hash of data, mime and modified.
	keyFile = ":file:"
	// keyDir holds the child names of a directory; sub-directories end in "/".
	keyDir = ":dir:"
)

// FileKey returns the Redis key for a file path
func FileKey(prefix, path string) string {
	return prefix + keyFile + path
}

// DirKey returns the Redis key for the child set of a directory
func DirKey(prefix, dir string) string {
	return prefix + keyDir + dir
}

// ancestors walks from the file up to the root, yielding each directory
// with the child entry it holds for the level below.
func ancestors(path string) (dirs, children []string) {
	name, suffix := path, ""
	for {
		dir, base := "", name
		if i := strings.LastIndexByte(name, '/'); i >= 0 {
			dir, base = name[:i], name[i+1:]
		}
		dirs = append(dirs, dir)
		children = append(children, base+suffix)
		if dir == "" {
			return dirs, children
		}
		name, suffix = dir, "/"
	}
}
