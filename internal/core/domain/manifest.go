package domain

import "strings"

// Manifest file suffixes.
const (
	ServiceManifestSuffix = ".rsm.json"
	AdapterManifestSuffix = ".ram.json"
)

// ServiceManifest describes a loadable service module.
type ServiceManifest struct {
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	ModuleURL        string         `json:"moduleUrl"`
	ConfigSchema     map[string]any `json:"configSchema,omitempty"`
	ConfigTemplate   map[string]any `json:"configTemplate,omitempty"`
	APIs             []string       `json:"apis,omitempty"`
	AdapterInterface string         `json:"adapterInterface,omitempty"`
	// PrivateServices maps a private service name to a config template. The
	// template is evaluated against the parent config and must yield a
	// "source".
	PrivateServices map[string]map[string]any `json:"privateServices,omitempty"`
	PrePipeline     []any                     `json:"prePipeline,omitempty"`
	PostPipeline    []any                     `json:"postPipeline,omitempty"`
	Defaults        map[string]any            `json:"defaults,omitempty"`

	// Source is the canonical location the manifest was loaded from.
	Source string `json:"-"`
}

// HasAPI reports whether the manifest declares api.
func (m *ServiceManifest) HasAPI(api string) bool {
	for _, a := range m.APIs {
		if a == api {
			return true
		}
	}
	return false
}

// AdapterManifest describes a loadable adapter module.
type AdapterManifest struct {
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	ModuleURL         string         `json:"moduleUrl"`
	ConfigSchema      map[string]any `json:"configSchema,omitempty"`
	ConfigTemplate    map[string]any `json:"configTemplate,omitempty"`
	AdapterInterfaces []string       `json:"adapterInterfaces"`

	Source string `json:"-"`
}

// Implements reports whether the adapter provides iface.
func (m *AdapterManifest) Implements(iface string) bool {
	for _, a := range m.AdapterInterfaces {
		if a == iface {
			return true
		}
	}
	return false
}

// IsServiceManifest reports whether source names a service manifest.
func IsServiceManifest(source string) bool {
	return strings.HasSuffix(source, ServiceManifestSuffix)
}

// IsAdapterManifest reports whether source names an adapter manifest.
func IsAdapterManifest(source string) bool {
	return strings.HasSuffix(source, AdapterManifestSuffix)
}

// IsBuiltinSource reports whether source addresses a module compiled into
// the runtime.
func IsBuiltinSource(source string) bool {
	return strings.HasPrefix(source, "./")
}
