package modules

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/tjfontaine/restspace-gateway/internal/core/domain"
)

var serviceManifestSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"description": {"type": "string"},
		"moduleUrl": {"type": "string", "minLength": 1},
		"configSchema": {"type": "object"},
		"configTemplate": {"type": "object"},
		"apis": {"type": "array", "items": {"type": "string"}},
		"adapterInterface": {"type": "string"},
		"privateServices": {
			"type": "object",
			"additionalProperties": {"type": "object", "required": ["source"]}
		},
		"prePipeline": {"type": "array"},
		"postPipeline": {"type": "array"},
		"defaults": {"type": "object"}
	},
	"required": ["name", "moduleUrl"]
}`)

var adapterManifestSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"description": {"type": "string"},
		"moduleUrl": {"type": "string", "minLength": 1},
		"configSchema": {"type": "object"},
		"configTemplate": {"type": "object"},
		"adapterInterfaces": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["name", "moduleUrl", "adapterInterfaces"]
}`)

// baseServiceConfigSchema covers the fields every service config carries.
var baseServiceConfigSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"name":     map[string]any{"type": "string"},
		"source":   map[string]any{"type": "string", "minLength": 1},
		"basePath": map[string]any{"type": "string"},
		"access": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"readRoles":   map[string]any{"type": "string"},
				"writeRoles":  map[string]any{"type": "string"},
				"createRoles": map[string]any{"type": "string"},
			},
		},
		"caching": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"cacheIsPublic": map[string]any{"type": "boolean"},
				"maxAge":        map[string]any{"type": "number"},
				"sendETag":      map[string]any{"type": "boolean"},
			},
		},
		"adapterSource": map[string]any{"type": "string"},
		"infraName":     map[string]any{"type": "string"},
		"adapterConfig": map[string]any{"type": "object"},
		"prePipeline":   map[string]any{"type": "array"},
		"postPipeline":  map[string]any{"type": "array"},
	},
	"required": []any{"source", "basePath", "access"},
}

var baseAdapterConfigSchema = map[string]any{"type": "object"}

func validateManifest(schema gojsonschema.JSONLoader, data []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return err
	}
	return resultError(result)
}

func resultError(result *gojsonschema.Result) error {
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// validator returns the compiled config schema of a manifest, compiling and
// caching it on first use.
func (r *Registry) validator(key string, base, configSchema map[string]any) (*gojsonschema.Schema, error) {
	r.mu.RLock()
	s, ok := r.validators[key]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	doc := base
	if len(configSchema) > 0 {
		doc = map[string]any{"allOf": []any{base, configSchema}}
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, domain.NewConfigError(key, "compile config schema: %v", err)
	}

	r.mu.Lock()
	if existing, ok := r.validators[key]; ok {
		s = existing
	} else {
		r.validators[key] = s
	}
	r.mu.Unlock()
	return s, nil
}

// ValidateServiceConfig checks cfg against the manifest's config schema
// combined with the base service schema.
func (r *Registry) ValidateServiceConfig(manifest *domain.ServiceManifest, cfg map[string]any) error {
	s, err := r.validator(manifest.Source, baseServiceConfigSchema, manifest.ConfigSchema)
	if err != nil {
		return err
	}
	result, err := s.Validate(gojsonschema.NewGoLoader(cfg))
	if err != nil {
		return domain.NewConfigError(manifest.Source, "validate config: %v", err)
	}
	if err := resultError(result); err != nil {
		basePath, _ := cfg["basePath"].(string)
		return domain.NewConfigError(basePath, "config does not match %s: %v", manifest.Name, err)
	}
	return nil
}

// ValidateAdapterConfig checks cfg against the adapter's config schema.
func (r *Registry) ValidateAdapterConfig(manifest *domain.AdapterManifest, cfg map[string]any) error {
	s, err := r.validator(manifest.Source, baseAdapterConfigSchema, manifest.ConfigSchema)
	if err != nil {
		return err
	}
	result, err := s.Validate(gojsonschema.NewGoLoader(cfg))
	if err != nil {
		return domain.NewConfigError(manifest.Source, "validate adapter config: %v", err)
	}
	if err := resultError(result); err != nil {
		return domain.NewConfigError(manifest.Source, "adapter config does not match %s: %v", manifest.Name, err)
	}
	return nil
}
