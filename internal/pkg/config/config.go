package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides. RS_SERVER__PORT sets server.port.
const EnvPrefix = "RS_"

// DefaultPath is read when no config path is given.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Tenancy   TenancyConfig   `koanf:"tenancy"`
	Modules   ModulesConfig   `koanf:"modules"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Auth      AuthConfig      `koanf:"auth"`
	Admin     AdminConfig     `koanf:"admin"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	Type string `koanf:"type"` // memory, sqlite, postgres, redis
	// Database is used by the sqlite and postgres types.
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
}

// DatabaseConfig is the generic database configuration supporting multiple dialects.
type DatabaseConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres
	DSN    string `koanf:"dsn"`    // Data source name / connection string
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// TenancyConfig decides which tenant serves a host.
type TenancyConfig struct {
	// MainDomain enables multi-tenant mode: <tenant>.<main_domain>.
	MainDomain string `koanf:"main_domain"`
	// SingleTenant serves every host from one tenant when MainDomain is unset.
	SingleTenant string `koanf:"single_tenant"`
	// Domains maps extra host names to tenants. A list, since koanf splits
	// map keys on dots.
	Domains     []DomainConfig `koanf:"domains"`
	LoadTimeout time.Duration  `koanf:"load_timeout"`
	// SeedDir holds one directory per tenant, copied into the config store
	// at startup and on change.
	SeedDir string `koanf:"seed_dir"`
}

type DomainConfig struct {
	Host   string `koanf:"host"`
	Tenant string `koanf:"tenant"`
}

type ModulesConfig struct {
	JavaScript    bool          `koanf:"javascript"`
	ScriptTimeout time.Duration `koanf:"script_timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

type AuthConfig struct {
	JWTSecret string        `koanf:"jwt_secret"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
}

// AdminConfig enables the /admin API when TokenHash is set. The hash is
// the SHA-256 hex of the bearer token (see cmd/keygen).
type AdminConfig struct {
	TokenHash string `koanf:"token_hash"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":            8080,
	"storage.type":           "memory",
	"storage.redis.prefix":   "rs",
	"tenancy.load_timeout":   "5m",
	"modules.javascript":     true,
	"modules.script_timeout": "10s",
	"auth.token_ttl":         "24h",
}

// Load reads path (DefaultPath when empty), then RS_ environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, v); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Storage.Database.DSN = substituteEnvVars(cfg.Storage.Database.DSN)
	cfg.Storage.Redis.Password = substituteEnvVars(cfg.Storage.Redis.Password)
	cfg.Auth.JWTSecret = substituteEnvVars(cfg.Auth.JWTSecret)

	if cfg.Tenancy.MainDomain == "" && cfg.Tenancy.SingleTenant == "" && len(cfg.Tenancy.Domains) == 0 {
		cfg.Tenancy.SingleTenant = "main"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "memory":
	case "sqlite", "postgres":
		if c.Storage.Database.DSN == "" && c.Storage.Type == "postgres" {
			return errors.New("storage.database.dsn is required for postgres")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return errors.New("storage.redis.addr is required for redis")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

// TenantForHost resolves the tenant serving host. Ports are ignored.
func (t TenancyConfig) TenantForHost(host string) (string, bool) {
	host = strings.ToLower(host)
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	for _, d := range t.Domains {
		if strings.EqualFold(d.Host, host) {
			return d.Tenant, true
		}
	}
	if t.MainDomain != "" {
		sub, ok := strings.CutSuffix(host, "."+strings.ToLower(t.MainDomain))
		if !ok || sub == "" || strings.Contains(sub, ".") {
			return "", false
		}
		return sub, true
	}
	if t.SingleTenant != "" {
		return t.SingleTenant, true
	}
	return "", false
}

// PrimaryDomain is the host a tenant is normally addressed by.
func (t TenancyConfig) PrimaryDomain(tenant string) string {
	if t.MainDomain != "" {
		return tenant + "." + t.MainDomain
	}
	primary := ""
	for _, d := range t.Domains {
		if d.Tenant == tenant && primary == "" {
			primary = d.Host
		}
	}
	if primary == "" {
		return "localhost"
	}
	return primary
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
