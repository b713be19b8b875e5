// Package config loads the directoryd configuration file and builds the
// directory it describes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/isometry/directoryd/internal/cache"
	"github.com/isometry/directoryd/internal/directory"
	"github.com/isometry/directoryd/internal/ldap"
	"github.com/isometry/directoryd/internal/pool"
	"github.com/isometry/directoryd/internal/secret"
	dirsql "github.com/isometry/directoryd/internal/sql"
	"github.com/isometry/directoryd/internal/static"
)

// EnvConfigPath names the environment variable holding the config path.
const EnvConfigPath = "DIRECTORYD_CONFIG"

// Backend types.
const (
	TypeSQL    = "sql"
	TypeLDAP   = "ldap"
	TypeStatic = "static"
)

var logLevels = []string{"trace", "debug", "info", "warn", "error", "off"}

// Config is the root of the configuration file.
type Config struct {
	LogLevel         string                `yaml:"log_level" default:"info"`
	DefaultBackend   string                `yaml:"default_backend"`
	CacheTTLPositive time.Duration         `yaml:"cache_ttl_positive" default:"5m"`
	CacheTTLNegative time.Duration         `yaml:"cache_ttl_negative" default:"30s"`
	Cache            cache.Config          `yaml:"cache"`
	Retry            directory.RetryPolicy `yaml:"retry"`
	Credentials      CredentialsConfig     `yaml:"credentials"`
	Backends         []BackendConfig       `yaml:"backends"`
}

// CredentialsConfig sets the scheme and cost of newly produced hashes.
type CredentialsConfig struct {
	DefaultScheme string        `yaml:"default_scheme" default:"argon2id"`
	Params        secret.Params `yaml:",inline"`
}

// BackendConfig describes one backend.
type BackendConfig struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"`
	Endpoint string `yaml:"backend_endpoint"`

	Credentials Credentials `yaml:"credentials"`

	PoolMaxConnections int           `yaml:"pool_max_connections" default:"10"`
	PoolAcquireTimeout time.Duration `yaml:"pool_acquire_timeout" default:"5s"`
	Pool               pool.Config   `yaml:"pool"`

	CaseSensitive bool `yaml:"case_sensitive"`

	// AutoMigrate applies pending schema migrations when a SQL backend
	// starts.
	AutoMigrate bool `yaml:"auto_migrate"`

	LDAP   ldap.Config   `yaml:"ldap"`
	Static static.Config `yaml:"static"`
}

// UnmarshalYAML fills defaults before decoding so that explicit zero values
// in the file are kept.
func (b *BackendConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain BackendConfig
	if err := defaults.Set(b); err != nil {
		return fmt.Errorf("failed to set default values: %w", err)
	}
	return value.Decode((*plain)(b))
}

// Credentials are the service account of a backend. The password is read
// from Password, the PasswordEnv variable or PasswordFile, in that order.
type Credentials struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordEnv  string `yaml:"password_env"`
	PasswordFile string `yaml:"password_file"`
}

// ResolvePassword returns the configured password.
func (c Credentials) ResolvePassword() (string, error) {
	switch {
	case c.Password != "":
		return c.Password, nil
	case c.PasswordEnv != "":
		pw, ok := os.LookupEnv(c.PasswordEnv)
		if !ok || pw == "" {
			return "", fmt.Errorf("environment variable %s is not set", c.PasswordEnv)
		}
		return pw, nil
	case c.PasswordFile != "":
		data, err := os.ReadFile(c.PasswordFile)
		if err != nil {
			return "", fmt.Errorf("failed to read password file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	default:
		return "", nil
	}
}

// Default returns a configuration with every default applied and no
// backends.
func Default() *Config {
	cfg := &Config{}
	defaults.MustSet(cfg)
	return cfg
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set default values: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration. Every problem is reported, prefixed
// with the offending field.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !slices.Contains(logLevels, strings.ToLower(c.LogLevel)) {
		add("log_level: must be one of %s", strings.Join(logLevels, ", "))
	}
	if c.CacheTTLPositive <= 0 {
		add("cache_ttl_positive: must be positive")
	}
	if c.CacheTTLNegative < 0 {
		add("cache_ttl_negative: cannot be negative")
	}
	if c.Cache.Capacity <= 0 {
		add("cache.capacity: must be positive")
	}
	if c.Cache.Shards <= 0 {
		add("cache.shards: must be positive")
	}
	if c.Cache.SweepInterval < 0 {
		add("cache.sweep_interval: cannot be negative")
	}
	if c.Retry.Backoff < 0 {
		add("retry.backoff: cannot be negative")
	}
	if s, ok := secret.ParseScheme(c.Credentials.DefaultScheme); !ok || s == secret.SchemePlain {
		add("credentials.default_scheme: unsupported scheme %q", c.Credentials.DefaultScheme)
	}

	if len(c.Backends) == 0 {
		add("backends: at least one backend is required")
	}
	seen := make(map[string]bool, len(c.Backends))
	for i := range c.Backends {
		b := &c.Backends[i]
		prefix := fmt.Sprintf("backends[%d]", i)
		if b.ID != "" {
			prefix = fmt.Sprintf("backends[%s]", b.ID)
		}
		if b.ID == "" {
			add("%s.id: is required", prefix)
		} else if seen[b.ID] {
			add("%s.id: duplicate backend id", prefix)
		}
		seen[b.ID] = true

		for _, err := range b.validate() {
			add("%s.%w", prefix, err)
		}
	}

	if c.DefaultBackend != "" && !seen[c.DefaultBackend] {
		add("default_backend: %q is not configured", c.DefaultBackend)
	}

	return errors.Join(errs...)
}

// Backend returns the backend with the given id. An empty id selects the
// default backend, or the first one when no default is set.
func (c *Config) Backend(id string) (*BackendConfig, error) {
	if id == "" {
		id = c.DefaultBackend
	}
	for i := range c.Backends {
		if id == "" || c.Backends[i].ID == id {
			return &c.Backends[i], nil
		}
	}
	return nil, fmt.Errorf("backend %q is not configured", id)
}

func (b *BackendConfig) validate() []error {
	var errs []error

	switch b.Type {
	case TypeSQL:
		if b.Endpoint == "" {
			errs = append(errs, errors.New("backend_endpoint: is required for sql backends"))
		}
	case TypeLDAP:
		// credential errors are reported below
		if cfg, err := b.ldapConfig(); err == nil {
			if err := cfg.Validate(); err != nil {
				for _, e := range unjoin(err) {
					errs = append(errs, fmt.Errorf("ldap.%w", e))
				}
			}
		}
	case TypeStatic:
	case "":
		errs = append(errs, errors.New("type: is required"))
	default:
		errs = append(errs, fmt.Errorf("type: unknown backend type %q", b.Type))
	}

	if b.Type != TypeStatic {
		pc := b.poolConfig()
		if err := pc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("pool: %w", err))
		}
	}

	if _, err := b.Credentials.ResolvePassword(); err != nil {
		errs = append(errs, fmt.Errorf("credentials: %w", err))
	}

	return errs
}

// unjoin splits an errors.Join result.
func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// poolConfig returns the pool settings with the top-level overrides applied.
func (b *BackendConfig) poolConfig() pool.Config {
	pc := b.Pool
	pc.Name = b.ID
	if b.PoolMaxConnections != 0 {
		pc.MaxConnections = b.PoolMaxConnections
	}
	if b.PoolAcquireTimeout != 0 {
		pc.AcquireTimeout = b.PoolAcquireTimeout
	}
	return pc
}

// ldapConfig returns the LDAP settings with the endpoint and credentials
// applied. The endpoint may list several comma-separated URLs.
func (b *BackendConfig) ldapConfig() (ldap.Config, error) {
	cfg := b.LDAP
	if b.Endpoint != "" {
		for u := range strings.SplitSeq(b.Endpoint, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.URLs = append(cfg.URLs, u)
			}
		}
	}
	cfg.BindDN = b.Credentials.Username
	pw, err := b.Credentials.ResolvePassword()
	if err != nil {
		return cfg, fmt.Errorf("credentials: %w", err)
	}
	cfg.BindPassword = pw
	return cfg, nil
}

// SQLDSN returns the endpoint with the credentials added to PostgreSQL URLs.
func (b *BackendConfig) SQLDSN() (string, error) {
	if b.Credentials.Username == "" || dirsql.DetectDatabaseType(b.Endpoint) != dirsql.DatabaseTypePostgreSQL {
		return b.Endpoint, nil
	}
	u, err := url.Parse(b.Endpoint)
	if err != nil {
		return "", fmt.Errorf("backend_endpoint: %w", err)
	}
	pw, err := b.Credentials.ResolvePassword()
	if err != nil {
		return "", fmt.Errorf("credentials: %w", err)
	}
	if pw == "" {
		u.User = url.User(b.Credentials.Username)
	} else {
		u.User = url.UserPassword(b.Credentials.Username, pw)
	}
	return u.String(), nil
}

// staticConfig returns the static table with the endpoint as its file.
func (b *BackendConfig) staticConfig() static.Config {
	cfg := b.Static
	if cfg.File == "" {
		cfg.File = b.Endpoint
	}
	return cfg
}
