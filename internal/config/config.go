// Package config loads and validates Cargo Bay's configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/cargobay/cargobay/core"
)

// Config is the fully validated, immutable-after-load configuration the
// rest of the proxy consumes.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Cache  CacheConfig  `mapstructure:"cache"`

	Registries   []RegistryConfig   `mapstructure:"registries"`
	Repositories []RepositoryConfig `mapstructure:"repositories"`

	Profiling ProfilingConfig `mapstructure:"profiling"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig is the "server" table.
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	Port        uint16 `mapstructure:"port"`
}

// AuthConfig is the "auth" table.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// CacheConfig is the "cache" table.
type CacheConfig struct {
	Directory     string `mapstructure:"directory"`
	MaxSizeBytes  int64  `mapstructure:"max_size_bytes"`
	MaxAgeSeconds int64  `mapstructure:"max_age_seconds"`
	SweepInterval int64  `mapstructure:"sweep_interval_seconds"`
}

// RegistryConfig is one entry of "registries".
type RegistryConfig struct {
	ID   string          `mapstructure:"id"`
	URL  string          `mapstructure:"url"`
	Auth *CredentialsRef `mapstructure:"auth"`
}

// CredentialsRef is the optional "auth" sub-table of a registry entry.
type CredentialsRef struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// RepositoryConfig is one entry of "repositories".
type RepositoryConfig struct {
	Name         string `mapstructure:"name"`
	RegistryID   string `mapstructure:"registry_id"`
	UpstreamName string `mapstructure:"upstream_name"`
}

// ProfilingConfig is the optional "[profiling]" table. Absent/zero-value
// means profiling is disabled.
type ProfilingConfig struct {
	PyroscopeURL    string `mapstructure:"pyroscope_url"`
	ApplicationName string `mapstructure:"application_name"`
}

// MetricsConfig is the optional "[metrics]" table.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads and validates the configuration file at path, applying
// defaults for optional fields.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("cache.max_size_bytes", 10<<30)
	v.SetDefault("cache.max_age_seconds", 7*24*3600)
	v.SetDefault("cache.sweep_interval_seconds", 300)
	v.SetDefault("metrics.enabled", true)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolvedPath returns CONFIG_PATH, defaulting to "config.toml".
func ResolvedPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.toml"
}

// Validate checks cross-field references: every repository must name a
// known registry, and names must be unique within their table.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Cache.Directory == "" {
		return fmt.Errorf("cache.directory must not be empty")
	}

	registryIDs := make(map[string]bool, len(c.Registries))
	for _, r := range c.Registries {
		if r.ID == "" || r.URL == "" {
			return fmt.Errorf("registries[]: id and url are required")
		}
		if registryIDs[r.ID] {
			return fmt.Errorf("registries[]: duplicate id %q", r.ID)
		}
		registryIDs[r.ID] = true
	}

	names := make(map[string]bool, len(c.Repositories))
	for _, repo := range c.Repositories {
		if repo.Name == "" || repo.UpstreamName == "" {
			return fmt.Errorf("repositories[]: name and upstream_name are required")
		}
		if names[repo.Name] {
			return fmt.Errorf("repositories[]: duplicate name %q", repo.Name)
		}
		names[repo.Name] = true
		if !registryIDs[repo.RegistryID] {
			return fmt.Errorf("repositories[]: %q references unknown registry_id %q", repo.Name, repo.RegistryID)
		}
	}

	return nil
}

// RegistryDescriptors converts the configured registries into core.RegistryDescriptor.
func (c *Config) RegistryDescriptors() []core.RegistryDescriptor {
	out := make([]core.RegistryDescriptor, 0, len(c.Registries))
	for _, r := range c.Registries {
		var creds *core.RegistryCredentials
		if r.Auth != nil {
			creds = &core.RegistryCredentials{Username: r.Auth.Username, Password: r.Auth.Password}
		}
		out = append(out, core.RegistryDescriptor{ID: r.ID, BaseURL: r.URL, Credentials: creds})
	}
	return out
}

// RepositoryMappings converts the configured repositories into core.RepositoryMapping.
func (c *Config) RepositoryMappings() []core.RepositoryMapping {
	out := make([]core.RepositoryMapping, 0, len(c.Repositories))
	for _, r := range c.Repositories {
		out = append(out, core.RepositoryMapping{LocalName: r.Name, RegistryID: r.RegistryID, UpstreamName: r.UpstreamName})
	}
	return out
}
