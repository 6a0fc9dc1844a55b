package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AccessConfig lists the roles allowed per authorization type. A role list
// is space separated; "all" admits anyone.
type AccessConfig struct {
	ReadRoles   string `json:"readRoles,omitempty"`
	WriteRoles  string `json:"writeRoles,omitempty"`
	CreateRoles string `json:"createRoles,omitempty"`
}

// CachingConfig controls the cache headers set on successful reads.
type CachingConfig struct {
	CacheIsPublic bool  `json:"cacheIsPublic,omitempty"`
	MaxAge        int   `json:"maxAge,omitempty"`
	SendETag      *bool `json:"sendETag,omitempty"`
}

// ETagEnabled reports whether ETags are sent. They are on unless disabled.
func (c *CachingConfig) ETagEnabled() bool {
	return c == nil || c.SendETag == nil || *c.SendETag
}

// ManifestConfig holds what compilation derived from the manifest.
type ManifestConfig struct {
	PrePipeline           []any                     `json:"prePipeline,omitempty"`
	PostPipeline          []any                     `json:"postPipeline,omitempty"`
	PrivateServiceConfigs map[string]*ServiceConfig `json:"privateServiceConfigs,omitempty"`
}

// ServiceConfig is one service instance bound to a base path. Fields the
// runtime does not know about stay available through Raw.
type ServiceConfig struct {
	Name          string         `json:"name,omitempty"`
	Source        string         `json:"source"`
	BasePath      string         `json:"basePath"`
	Access        AccessConfig   `json:"access"`
	Caching       *CachingConfig `json:"caching,omitempty"`
	AdapterSource string         `json:"adapterSource,omitempty"`
	InfraName     string         `json:"infraName,omitempty"`
	AdapterConfig map[string]any `json:"adapterConfig,omitempty"`
	PrePipeline   []any          `json:"prePipeline,omitempty"`
	PostPipeline  []any          `json:"postPipeline,omitempty"`

	ManifestConfig *ManifestConfig `json:"-"`
	Raw            map[string]any  `json:"-"`
}

// ParseServiceConfig builds a ServiceConfig from its map form. The map is
// kept as Raw and is not copied.
func ParseServiceConfig(raw map[string]any) (*ServiceConfig, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode service config: %w", err)
	}
	var cfg ServiceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode service config: %w", err)
	}
	cfg.BasePath = NormalizeBasePath(cfg.BasePath)
	cfg.Raw = raw
	return &cfg, nil
}

// Decode unmarshals the service specific fields into v.
func (c *ServiceConfig) Decode(v any) error {
	data, err := json.Marshal(c.Raw)
	if err != nil {
		return fmt.Errorf("encode service config: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode service config %s: %w", c.BasePath, err)
	}
	return nil
}

// String returns a raw field as a string.
func (c *ServiceConfig) String(key string) string {
	s, _ := c.Raw[key].(string)
	return s
}

// NormalizeBasePath gives a base path a leading slash and no trailing one.
func NormalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(p, "/")
}

// PrivateBasePath is where a private service of parent is mounted.
func PrivateBasePath(parentBasePath, name string) string {
	if parentBasePath == "/" {
		return "/*" + name
	}
	return parentBasePath + "*" + name
}

// Chord is a named bundle of service declarations merged into a tenant.
type Chord struct {
	ID          string           `json:"id"`
	NewServices []map[string]any `json:"newServices"`
}

// TenantConfig is the content of a tenant's services.json.
type TenantConfig struct {
	Services        map[string]map[string]any `json:"services"`
	AuthServicePath string                    `json:"authServicePath,omitempty"`
	Chords          map[string]Chord          `json:"chords,omitempty"`
	// Infra declares named adapters services can refer to by infraName.
	// Each entry needs an "adapterSource"; the rest is adapter config.
	Infra map[string]map[string]any `json:"infra,omitempty"`
}

// ParseTenantConfig decodes services.json content.
func ParseTenantConfig(data []byte) (*TenantConfig, error) {
	var cfg TenantConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Source: "services.json", Err: err}
	}
	if cfg.Services == nil {
		cfg.Services = map[string]map[string]any{}
	}
	for basePath, svc := range cfg.Services {
		if svc == nil {
			return nil, NewConfigError("services.json", "service %s is empty", basePath)
		}
		if _, ok := svc["basePath"]; !ok {
			svc["basePath"] = basePath
		}
	}
	return &cfg, nil
}

// EmptyTenantConfig is what a tenant falls back to when its configuration
// cannot be loaded.
func EmptyTenantConfig() *TenantConfig {
	return &TenantConfig{Services: map[string]map[string]any{}}
}
