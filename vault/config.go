package vault

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Auth method names.
const (
	AuthMethodToken        = "token"
	AuthMethodAppRole      = "approle"
	AuthMethodWrappedToken = "wrapped_token"
)

// Cache backend names.
const (
	CacheBackendSession = "session"
	CacheBackendRedis   = "redis"
)

// Default configuration values.
const (
	DefaultConfigCacheTTL         = 3600
	DefaultMinimumTTL             = 10
	DefaultClearAttemptRevocation = 60
)

// Config is the connection configuration consumed by the factory. It is
// cached alongside the credentials it describes; a material change
// invalidates everything scoped under the connection.
type Config struct {
	// Auth selects and parametrizes the authentication method.
	Auth AuthConfig `yaml:"auth" json:"auth"`

	// Cache controls cache backends, TTLs and clearing behavior.
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Server identifies the secret service.
	Server ServerConfig `yaml:"server" json:"server"`

	// Issue is the issuance policy forwarded to the external issuer.
	Issue map[string]any `yaml:"issue,omitempty" json:"issue,omitempty"`

	// Metadata holds templated audit metadata patterns.
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// Policies holds templated policy patterns.
	Policies map[string]any `yaml:"policies,omitempty" json:"policies,omitempty"`
}

// AuthConfig parametrizes authentication.
type AuthConfig struct {
	// Method is one of token, approle or wrapped_token.
	Method string `yaml:"method" json:"method"`

	// ApproleMount is the AppRole auth mount path.
	ApproleMount string `yaml:"approle_mount,omitempty" json:"approle_mount,omitempty"`

	// ApproleName is the role name used when deriving expected secret-id
	// creation paths.
	ApproleName string `yaml:"approle_name,omitempty" json:"approle_name,omitempty"`

	// RoleID is the AppRole role-id.
	RoleID string `yaml:"role_id,omitempty" json:"role_id,omitempty"`

	// SecretID is an operator-supplied local secret-id. Empty means the
	// secret-id is fetched through the issuer when the role requires one.
	SecretID string `yaml:"secret_id,omitempty" json:"secret_id,omitempty"`

	// SecretIDRequired marks roles that authenticate with a secret-id.
	SecretIDRequired bool `yaml:"secret_id_required,omitempty" json:"secret_id_required,omitempty"`

	// SecretIDRefetchOnFailure controls whether a failed login with an
	// issuer-sourced secret-id triggers fetching a fresh one. Local
	// secret-ids are never refetched. Defaults to true.
	SecretIDRefetchOnFailure *bool `yaml:"secret_id_refetch_on_failure,omitempty" json:"secret_id_refetch_on_failure,omitempty"`

	// Token is the static token for the token method.
	Token string `yaml:"token,omitempty" json:"token,omitempty"`

	// TokenLifecycle bounds proactive renewal.
	TokenLifecycle TokenLifecycle `yaml:"token_lifecycle" json:"token_lifecycle"`
}

// TokenLifecycle bounds proactive token renewal.
type TokenLifecycle struct {
	// MinimumTTL is the remaining validity below which the factory
	// renews or reissues. Default 10 seconds.
	MinimumTTL int64 `yaml:"minimum_ttl" json:"minimum_ttl"`

	// RenewIncrement is the increment requested on renewal. Zero lets
	// the server choose.
	RenewIncrement int64 `yaml:"renew_increment,omitempty" json:"renew_increment,omitempty"`
}

// CacheConfig controls the cache layer.
type CacheConfig struct {
	// Backend selects the persistent tier: session (context only) or
	// redis.
	Backend string `yaml:"backend" json:"backend"`

	// Config is the TTL in seconds for persisted configuration.
	Config int64 `yaml:"config" json:"config"`

	// KVMetadata is the lifetime of cached KV mount metadata: the string
	// "connection" ties it to the connection scope, a timestring sets an
	// explicit TTL.
	KVMetadata string `yaml:"kv_metadata" json:"kv_metadata"`

	// Secret is the lifetime of cached dynamic secrets: "ttl" follows
	// each lease's own validity, a timestring caps it.
	Secret string `yaml:"secret" json:"secret"`

	// ClearAttemptRevocation is the revocation delay in seconds applied
	// to live credentials found while clearing cache. Zero disables
	// revocation attempts.
	ClearAttemptRevocation int64 `yaml:"clear_attempt_revocation" json:"clear_attempt_revocation"`

	// ClearOnUnauthorized controls the clear-and-retry-once reaction to
	// permission denials. Defaults to true.
	ClearOnUnauthorized *bool `yaml:"clear_on_unauthorized,omitempty" json:"clear_on_unauthorized,omitempty"`

	// ExpireEvents enables cache-clear and lease-expiry events.
	ExpireEvents bool `yaml:"expire_events" json:"expire_events"`

	// Redis parametrizes the redis backend.
	Redis *RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// RedisConfig parametrizes the redis cache backend.
type RedisConfig struct {
	// Addr is the host:port of the redis server.
	Addr string `yaml:"addr" json:"addr"`

	// Username for redis ACL auth.
	Username string `yaml:"username,omitempty" json:"username,omitempty"`

	// Password for redis auth.
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// DB is the redis database number.
	DB int `yaml:"db" json:"db"`

	// KeyPrefix namespaces all keys written by this process.
	KeyPrefix string `yaml:"key_prefix,omitempty" json:"key_prefix,omitempty"`
}

// ServerConfig identifies the secret service.
type ServerConfig struct {
	// URL is the server base URL. Required.
	URL string `yaml:"url" json:"url"`

	// Namespace is the optional multi-tenancy scope.
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`

	// Verify selects TLS trust: empty for the system pool, "false" to
	// disable verification, an inline PEM certificate to pin trust, or a
	// CA bundle file path.
	Verify string `yaml:"verify,omitempty" json:"verify,omitempty"`
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Auth: AuthConfig{
			Method:       AuthMethodToken,
			ApproleMount: DefaultAppRoleMount,
			ApproleName:  "vaultcred",
			TokenLifecycle: TokenLifecycle{
				MinimumTTL: DefaultMinimumTTL,
			},
		},
		Cache: CacheConfig{
			Backend:                CacheBackendSession,
			Config:                 DefaultConfigCacheTTL,
			KVMetadata:             "connection",
			Secret:                 "ttl",
			ClearAttemptRevocation: DefaultClearAttemptRevocation,
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("%w: server.url is required", ErrInvalidConfig)
	}
	switch c.Auth.Method {
	case AuthMethodToken, AuthMethodWrappedToken:
		if c.Auth.Token == "" {
			return fmt.Errorf("%w: auth.token is required for the %s method", ErrInvalidConfig, c.Auth.Method)
		}
	case AuthMethodAppRole:
		if c.Auth.RoleID == "" {
			return fmt.Errorf("%w: auth.role_id is required for the approle method", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown auth method %q", ErrInvalidConfig, c.Auth.Method)
	}
	switch c.Cache.Backend {
	case CacheBackendSession:
	case CacheBackendRedis:
		if c.Cache.Redis == nil || c.Cache.Redis.Addr == "" {
			return fmt.Errorf("%w: cache.redis.addr is required for the redis backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown cache backend %q", ErrInvalidConfig, c.Cache.Backend)
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}

// GetMinimumTTL returns the effective proactive-renewal floor.
func (c *Config) GetMinimumTTL() int64 {
	if c == nil || c.Auth.TokenLifecycle.MinimumTTL <= 0 {
		return DefaultMinimumTTL
	}
	return c.Auth.TokenLifecycle.MinimumTTL
}

// GetClearOnUnauthorized returns the effective clear-and-retry toggle.
func (c *Config) GetClearOnUnauthorized() bool {
	if c == nil || c.Cache.ClearOnUnauthorized == nil {
		return true
	}
	return *c.Cache.ClearOnUnauthorized
}

// GetSecretIDRefetchOnFailure returns the effective refetch policy for
// issuer-sourced secret-ids.
func (c *Config) GetSecretIDRefetchOnFailure() bool {
	if c == nil || c.Auth.SecretIDRefetchOnFailure == nil {
		return true
	}
	return *c.Auth.SecretIDRefetchOnFailure
}

// GetConfigCacheTTL returns the effective config cache TTL in seconds.
func (c *Config) GetConfigCacheTTL() int64 {
	if c == nil || c.Cache.Config <= 0 {
		return DefaultConfigCacheTTL
	}
	return c.Cache.Config
}

// applyDefaults fills zero fields with defaults.
func (c *Config) applyDefaults() {
	if c.Auth.Method == "" {
		c.Auth.Method = AuthMethodToken
	}
	if c.Auth.ApproleMount == "" {
		c.Auth.ApproleMount = DefaultAppRoleMount
	}
	if c.Auth.ApproleName == "" {
		c.Auth.ApproleName = "vaultcred"
	}
	if c.Auth.TokenLifecycle.MinimumTTL == 0 {
		c.Auth.TokenLifecycle.MinimumTTL = DefaultMinimumTTL
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheBackendSession
	}
	if c.Cache.Config == 0 {
		c.Cache.Config = DefaultConfigCacheTTL
	}
	if c.Cache.KVMetadata == "" {
		c.Cache.KVMetadata = "connection"
	}
	if c.Cache.Secret == "" {
		c.Cache.Secret = "ttl"
	}
	if c.Cache.ClearAttemptRevocation == 0 {
		c.Cache.ClearAttemptRevocation = DefaultClearAttemptRevocation
	}
}

// ParseConfig builds a validated Config from a raw map, migrating legacy
// key locations first.
func ParseConfig(raw map[string]any) (*Config, error) {
	migrated := MigrateLegacyConfig(raw)
	data, err := json.Marshal(migrated)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot encode raw config: %v", ErrInvalidConfig, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: cannot decode config: %v", ErrInvalidConfig, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: cannot parse %s: %v", ErrInvalidConfig, path, err)
	}
	return ParseConfig(raw)
}

// MigrateLegacyConfig maps known legacy key locations to their current
// ones, returning a new map. Unknown keys pass through untouched. The
// mapping is explicit; no reflective deep merging is performed.
func MigrateLegacyConfig(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}

	auth, _ := out["auth"].(map[string]any)
	if auth != nil {
		auth = cloneMap(auth)
		out["auth"] = auth
	}

	server, _ := out["server"].(map[string]any)
	if server == nil {
		server = map[string]any{}
	} else {
		server = cloneMap(server)
	}
	// Root-level server identity moved under server.*
	for _, key := range []string{"url", "namespace", "verify"} {
		if v, ok := out[key]; ok {
			if _, exists := server[key]; !exists {
				server[key] = v
			}
			delete(out, key)
		}
	}
	if len(server) > 0 {
		out["server"] = server
	}

	if auth != nil {
		issue, _ := out["issue"].(map[string]any)
		if issue == nil {
			issue = map[string]any{}
		} else {
			issue = cloneMap(issue)
		}
		tokenIssue, _ := issue["token"].(map[string]any)
		if tokenIssue == nil {
			tokenIssue = map[string]any{}
		} else {
			tokenIssue = cloneMap(tokenIssue)
		}
		params, _ := tokenIssue["params"].(map[string]any)
		if params == nil {
			params = map[string]any{}
		} else {
			params = cloneMap(params)
		}
		// auth.ttl and auth.uses moved into the token issuance params.
		migratedIssue := false
		if v, ok := auth["ttl"]; ok {
			params["explicit_max_ttl"] = v
			delete(auth, "ttl")
			migratedIssue = true
		}
		if v, ok := auth["uses"]; ok {
			params["num_uses"] = v
			delete(auth, "uses")
			migratedIssue = true
		}
		if migratedIssue {
			tokenIssue["params"] = params
			issue["token"] = tokenIssue
			out["issue"] = issue
		}
		// auth.token_backend moved to cache.backend.
		if v, ok := auth["token_backend"]; ok {
			cache, _ := out["cache"].(map[string]any)
			if cache == nil {
				cache = map[string]any{}
			} else {
				cache = cloneMap(cache)
			}
			if _, exists := cache["backend"]; !exists {
				cache["backend"] = v
			}
			out["cache"] = cache
			delete(auth, "token_backend")
		}
	}

	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
