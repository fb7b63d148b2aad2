// Package config defines Magnet's YAML configuration file and its defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level magnet configuration file.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Auth    AuthConfig     `yaml:"auth"`
	RBAC    RBACConfig     `yaml:"rbac"`
	APIKeys APIKeysConfig  `yaml:"api_keys"`
	Content ContentConfig  `yaml:"content"`
	Plugins []PluginConfig `yaml:"plugins"`
	Logging LoggingConfig  `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	RequestsPerMin  int        `yaml:"requests_per_minute"` // global per-IP limit
	CORS            CORSConfig `yaml:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// AuthConfig controls session authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	JWTExpiry string `yaml:"jwt_expiry"`
}

// RBACConfig controls permission checking behavior.
type RBACConfig struct {
	CachePermissions  bool   `yaml:"cache_permissions"`
	CacheTTL          string `yaml:"cache_ttl"`
	AllowPublicAccess bool   `yaml:"allow_public_access"`
	StrictMode        bool   `yaml:"strict_mode"`
}

// APIKeysConfig controls API key issuance and usage accounting.
type APIKeysConfig struct {
	DefaultRateLimit   int    `yaml:"default_rate_limit"` // requests per rolling hour
	MaxKeysPerUser     int    `yaml:"max_keys_per_user"`
	UsageRetentionDays int    `yaml:"usage_retention_days"`
	CleanupSchedule    string `yaml:"cleanup_schedule"` // cron expression
}

// ContentConfig declares the content schemas the CMS exposes. Magnet only
// needs their api names to synthesize CRUD permissions; the schemas
// themselves live in the CMS.
type ContentConfig struct {
	Schemas []SchemaConfig `yaml:"schemas"`
}

// SchemaConfig declares one content schema.
type SchemaConfig struct {
	APIName     string `yaml:"api_name"`
	DisplayName string `yaml:"display_name"`
}

// PluginConfig declares one plugin manifest and the permissions it
// contributes to the catalog.
type PluginConfig struct {
	Name        string                   `yaml:"name"`
	DisplayName string                   `yaml:"display_name"`
	Permissions []PluginPermissionConfig `yaml:"permissions"`
}

// PluginPermissionConfig is one permission declared by a plugin.
type PluginPermissionConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns a Config with production defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            1340,
			ShutdownTimeout: "30s",
			RequestsPerMin:  600,
			CORS:            CORSConfig{Origins: []string{"*"}},
		},
		Auth: AuthConfig{
			JWTExpiry: "24h",
		},
		RBAC: RBACConfig{
			CachePermissions:  true,
			CacheTTL:          "5m",
			AllowPublicAccess: false,
			StrictMode:        false,
		},
		APIKeys: APIKeysConfig{
			DefaultRateLimit:   1000,
			MaxKeysPerUser:     10,
			UsageRetentionDays: 30,
			CleanupSchedule:    "@hourly",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML config file, layering it over Default. A missing path is
// not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ParseDuration parses a duration string, falling back to def when the value
// is empty or malformed.
func ParseDuration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
