package message

import (
	"fmt"
	"net/url"
	"strings"
)

// Url is a request URL split into path elements so services can address
// the part of the path below their base path.
type Url struct {
	Scheme       string
	Domain       string
	PathElements []string
	IsDirectory  bool
	Query        url.Values
	Fragment     string

	// BasePathElementCount is the number of leading path elements that
	// belong to the service base path. It is set by the router.
	BasePathElementCount int
}

// ParseUrl parses an absolute URL ("https://host/a/b"), a host-relative path
// ("/a/b/") or a private-service path ("*store/a").
func ParseUrl(raw string) (*Url, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", raw, err)
	}
	res := &Url{
		Scheme:   u.Scheme,
		Domain:   u.Host,
		Query:    u.Query(),
		Fragment: u.Fragment,
	}
	path := u.Path
	if u.Opaque != "" {
		path = u.Opaque
	}
	res.SetPath(path)
	return res, nil
}

// MustParseUrl is ParseUrl for literals known to be valid.
func MustParseUrl(raw string) *Url {
	u, err := ParseUrl(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// SetPath replaces the path elements, keeping the directory flag in sync
// with a trailing slash.
func (u *Url) SetPath(path string) {
	u.IsDirectory = strings.HasSuffix(path, "/")
	u.PathElements = splitPath(path)
}

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	elements := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		if dec, err := url.PathUnescape(p); err == nil {
			p = dec
		}
		elements = append(elements, p)
	}
	return elements
}

// PathEscape is stricter than RFC 3986 requires for path segments; private
// service segments ("*name") must stay readable.
var segmentUnescaper = strings.NewReplacer("%2A", "*", "%21", "!", "%27", "'", "%28", "(", "%29", ")")

func joinPath(elements []string, isDirectory bool) string {
	if len(elements) == 0 {
		return "/"
	}
	escaped := make([]string, len(elements))
	for i, e := range elements {
		escaped[i] = segmentUnescaper.Replace(url.PathEscape(e))
	}
	p := "/" + strings.Join(escaped, "/")
	if isDirectory {
		p += "/"
	}
	return p
}

// Path is the full path including the directory slash.
func (u *Url) Path() string {
	return joinPath(u.PathElements, u.IsDirectory)
}

// BasePath is the service base path ("/" when unrouted).
func (u *Url) BasePath() string {
	n := u.BasePathElementCount
	if n > len(u.PathElements) {
		n = len(u.PathElements)
	}
	return joinPath(u.PathElements[:n], false)
}

// ServicePathElements are the path elements below the base path.
func (u *Url) ServicePathElements() []string {
	n := u.BasePathElementCount
	if n > len(u.PathElements) {
		n = len(u.PathElements)
	}
	return u.PathElements[n:]
}

// ServicePath is the path below the base path.
func (u *Url) ServicePath() string {
	return joinPath(u.ServicePathElements(), u.IsDirectory)
}

// ResourceName is the last path element, or "" for directories.
func (u *Url) ResourceName() string {
	if u.IsDirectory || len(u.PathElements) == 0 {
		return ""
	}
	return u.PathElements[len(u.PathElements)-1]
}

// IsRelative reports whether the URL has no domain.
func (u *Url) IsRelative() bool {
	return u.Domain == ""
}

// IsPrivateServicePath reports whether the first path element addresses a
// private service ("*name").
func (u *Url) IsPrivateServicePath() bool {
	return len(u.PathElements) > 0 && strings.HasPrefix(u.PathElements[0], "*")
}

// String renders the URL. Relative URLs render without scheme and domain.
func (u *Url) String() string {
	var sb strings.Builder
	if u.Domain != "" {
		scheme := u.Scheme
		if scheme == "" {
			scheme = "https"
		}
		sb.WriteString(scheme)
		sb.WriteString("://")
		sb.WriteString(u.Domain)
	}
	sb.WriteString(u.Path())
	if len(u.Query) > 0 {
		sb.WriteString("?")
		sb.WriteString(u.Query.Encode())
	}
	if u.Fragment != "" {
		sb.WriteString("#")
		sb.WriteString(u.Fragment)
	}
	return sb.String()
}

// Copy returns a deep copy.
func (u *Url) Copy() *Url {
	if u == nil {
		return nil
	}
	c := *u
	c.PathElements = append([]string(nil), u.PathElements...)
	c.Query = make(url.Values, len(u.Query))
	for k, v := range u.Query {
		c.Query[k] = append([]string(nil), v...)
	}
	return &c
}

// Resolve resolves a possibly relative reference against u, keeping the
// domain of u for host-relative paths.
func (u *Url) Resolve(ref string) (*Url, error) {
	base, err := url.Parse(u.String())
	if err != nil {
		return nil, err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse reference %q: %w", ref, err)
	}
	return ParseUrl(base.ResolveReference(r).String())
}
