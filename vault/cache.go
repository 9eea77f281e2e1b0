package vault

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/vyrodovalexey/vaultcred/observability"
)

// Context is the process-lifetime in-memory cache tier. The host creates
// one per process and passes it explicitly; it is never a package global.
type Context struct {
	mu    sync.RWMutex
	banks map[string]map[string]any
}

// NewContext creates an empty process context.
func NewContext() *Context {
	return &Context{banks: make(map[string]map[string]any)}
}

// Get returns the value stored under bank/key.
func (c *Context) Get(bank, key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.banks[bank]
	if !ok {
		return nil, false
	}
	v, ok := b[key]
	return v, ok
}

// Set stores a value under bank/key.
func (c *Context) Set(bank, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.banks[bank]
	if !ok {
		b = make(map[string]any)
		c.banks[bank] = b
	}
	b[key] = value
}

// Delete removes a single key from a bank.
func (c *Context) Delete(bank, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.banks[bank]; ok {
		delete(b, key)
	}
}

// DeleteBank removes a bank and all sub-banks scoped under it.
func (c *Context) DeleteBank(bank string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.banks, bank)
	prefix := bank + "/"
	for name := range c.banks {
		if strings.HasPrefix(name, prefix) {
			delete(c.banks, name)
		}
	}
}

// Keys lists the keys present in a bank.
func (c *Context) Keys(bank string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.banks[bank]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	return keys
}

// CacheBackend is the pluggable persistent tier. Implementations must be
// safe for concurrent use at single-key granularity. A nil backend means
// session scope: the context tier is the only storage.
type CacheBackend interface {
	// Contains reports whether bank/key is present.
	Contains(ctx context.Context, bank, key string) (bool, error)

	// Fetch returns the stored value, or nil when absent.
	Fetch(ctx context.Context, bank, key string) ([]byte, error)

	// Store writes a value.
	Store(ctx context.Context, bank, key string, value []byte) error

	// Flush removes a key, or the whole bank including sub-banks when
	// key is empty.
	Flush(ctx context.Context, bank, key string) error

	// Updated returns the time the key was last written, or the zero
	// time when absent.
	Updated(ctx context.Context, bank, key string) (time.Time, error)

	// List returns the keys present in a bank.
	List(ctx context.Context, bank string) ([]string, error)
}

// BankCache is the two-tier store underneath the credential caches.
// Reads prefer the context tier; writes and flushes keep both tiers in
// lockstep. The TTL applies only to the backend tier, via its Updated
// timestamps.
type BankCache struct {
	context *Context
	backend CacheBackend
	ttl     int64
	logger  observability.Logger
}

// NewBankCache creates a two-tier cache. backend may be nil for session
// scope; ttl of zero disables TTL eviction.
func NewBankCache(procCtx *Context, backend CacheBackend, ttl int64, logger observability.Logger) *BankCache {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &BankCache{context: procCtx, backend: backend, ttl: ttl, logger: logger}
}

// Exists reports whether bank/key is present in either tier. A backend
// entry older than the TTL is flushed and reported absent.
func (c *BankCache) Exists(ctx context.Context, bank, key string) (bool, error) {
	if _, ok := c.context.Get(bank, key); ok {
		return true, nil
	}
	if c.backend == nil {
		return false, nil
	}
	ok, err := c.backend.Contains(ctx, bank, key)
	if err != nil || !ok {
		return false, err
	}
	if c.ttl > 0 {
		updated, err := c.backend.Updated(ctx, bank, key)
		if err != nil {
			return false, err
		}
		if time.Since(updated) > time.Duration(c.ttl)*time.Second {
			c.logger.Debug("cache entry exceeded ttl, flushing",
				observability.String("bank", bank),
				observability.String("key", key))
			if err := c.Flush(ctx, bank, key); err != nil {
				return false, err
			}
			return false, nil
		}
	}
	return true, nil
}

// Get returns the stored value, preferring the context tier. The backend
// fetch may still return nil when another process flushed the key after
// the existence check; that race is not an error.
func (c *BankCache) Get(ctx context.Context, bank, key string) ([]byte, error) {
	if v, ok := c.context.Get(bank, key); ok {
		if b, ok := v.([]byte); ok {
			return b, nil
		}
	}
	if c.backend == nil {
		return nil, nil
	}
	exists, err := c.Exists(ctx, bank, key)
	if err != nil || !exists {
		return nil, err
	}
	return c.backend.Fetch(ctx, bank, key)
}

// Store writes the value to both tiers.
func (c *BankCache) Store(ctx context.Context, bank, key string, value []byte) error {
	if c.backend != nil {
		if err := c.backend.Store(ctx, bank, key, value); err != nil {
			return err
		}
	}
	c.context.Set(bank, key, value)
	return nil
}

// Flush removes a key, or the whole bank and its sub-banks when key is
// empty, from both tiers.
func (c *BankCache) Flush(ctx context.Context, bank, key string) error {
	if c.backend != nil {
		if err := c.backend.Flush(ctx, bank, key); err != nil {
			return err
		}
	}
	if key == "" {
		c.context.DeleteBank(bank)
	} else {
		c.context.Delete(bank, key)
	}
	return nil
}

// List returns the union of keys present in either tier.
func (c *BankCache) List(ctx context.Context, bank string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, k := range c.context.Keys(bank) {
		seen[k] = struct{}{}
	}
	if c.backend != nil {
		keys, err := c.backend.List(ctx, bank)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out, nil
}

// ValueCache stores a single value under a fixed bank and key.
type ValueCache struct {
	cache *BankCache
	bank  string
	key   string
}

// NewValueCache creates a single-key cache.
func NewValueCache(procCtx *Context, backend CacheBackend, bank, key string, ttl int64, logger observability.Logger) *ValueCache {
	return &ValueCache{
		cache: NewBankCache(procCtx, backend, ttl, logger),
		bank:  bank,
		key:   key,
	}
}

// Exists reports whether the value is cached.
func (c *ValueCache) Exists(ctx context.Context) (bool, error) {
	return c.cache.Exists(ctx, c.bank, c.key)
}

// Get returns the cached value, nil when absent.
func (c *ValueCache) Get(ctx context.Context) ([]byte, error) {
	return c.cache.Get(ctx, c.bank, c.key)
}

// Store writes the value.
func (c *ValueCache) Store(ctx context.Context, value []byte) error {
	return c.cache.Store(ctx, c.bank, c.key, value)
}

// Flush removes the value, or the whole bank when wholeBank is set.
func (c *ValueCache) Flush(ctx context.Context, wholeBank bool) error {
	if wholeBank {
		return c.cache.Flush(ctx, c.bank, "")
	}
	return c.cache.Flush(ctx, c.bank, c.key)
}

// TokenCache caches a Token and validates it on retrieval.
type TokenCache struct {
	cache *ValueCache

	// flushErr, when set, is returned instead of silently flushing an
	// invalid cached token. The factory uses ErrAuthExpired here to
	// distinguish "rebuild the session" from "nothing cached".
	flushErr error

	// flushBank makes a flush clear the whole session bank. Tokens scope
	// the session, so dropping the token invalidates everything under it.
	flushBank bool

	logger observability.Logger
}

// NewTokenCache creates a token cache over bank/key.
func NewTokenCache(procCtx *Context, backend CacheBackend, bank, key string, flushErr error, logger observability.Logger) *TokenCache {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &TokenCache{
		cache:     NewValueCache(procCtx, backend, bank, key, 0, logger),
		flushErr:  flushErr,
		flushBank: true,
		logger:    logger,
	}
}

// Get returns the cached token if it is valid for validFor seconds, nil
// when nothing usable is cached. An invalid cached token is flushed, or
// surfaces flushErr when one is configured.
func (c *TokenCache) Get(ctx context.Context, validFor int64) (*Token, error) {
	data, err := c.cache.Get(ctx)
	if err != nil || data == nil {
		cacheMisses.Inc()
		return nil, err
	}
	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		c.logger.Warn("flushing undecodable cached token", observability.Err(err))
		return nil, c.Flush(ctx)
	}
	if token.IsValid(validFor, 1) {
		cacheHits.Inc()
		return &token, nil
	}
	if c.flushErr != nil {
		return nil, c.flushErr
	}
	return nil, c.Flush(ctx)
}

// Store writes the token.
func (c *TokenCache) Store(ctx context.Context, token *Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return err
	}
	return c.cache.Store(ctx, data)
}

// Flush removes the token and, by default, the whole session bank.
func (c *TokenCache) Flush(ctx context.Context) error {
	return c.cache.Flush(ctx, c.flushBank)
}

// SecretIDCache caches an AppRole secret-id and validates it on
// retrieval.
type SecretIDCache struct {
	cache  *ValueCache
	logger observability.Logger
}

// NewSecretIDCache creates a secret-id cache over bank/key.
func NewSecretIDCache(procCtx *Context, backend CacheBackend, bank, key string, logger observability.Logger) *SecretIDCache {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &SecretIDCache{
		cache:  NewValueCache(procCtx, backend, bank, key, 0, logger),
		logger: logger,
	}
}

// Get returns the cached secret-id if it can still authenticate, nil
// when nothing usable is cached. Invalid entries are flushed.
func (c *SecretIDCache) Get(ctx context.Context, validFor int64) (*SecretID, error) {
	data, err := c.cache.Get(ctx)
	if err != nil || data == nil {
		cacheMisses.Inc()
		return nil, err
	}
	var secretID SecretID
	if err := json.Unmarshal(data, &secretID); err != nil {
		c.logger.Warn("flushing undecodable cached secret-id", observability.Err(err))
		return nil, c.Flush(ctx)
	}
	if secretID.IsValid(validFor, 1) {
		cacheHits.Inc()
		return &secretID, nil
	}
	return nil, c.Flush(ctx)
}

// Store writes the secret-id. Single-use and local secret-ids must not
// reach this method; callers enforce that rule.
func (c *SecretIDCache) Store(ctx context.Context, secretID *SecretID) error {
	data, err := json.Marshal(secretID)
	if err != nil {
		return err
	}
	return c.cache.Store(ctx, data)
}

// Flush removes the secret-id.
func (c *SecretIDCache) Flush(ctx context.Context) error {
	return c.cache.Flush(ctx, false)
}

// LeaseCache caches dynamic-secret leases by key, validates them on
// retrieval and can emit expiry events through a sink.
type LeaseCache struct {
	cache  *BankCache
	bank   string
	events EventSink
	logger observability.Logger
}

// NewLeaseCache creates a lease cache over a bank. events may be nil.
func NewLeaseCache(procCtx *Context, backend CacheBackend, bank string, ttl int64, events EventSink, logger observability.Logger) *LeaseCache {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if events == nil {
		events = NopSink{}
	}
	return &LeaseCache{
		cache:  NewBankCache(procCtx, backend, ttl, logger),
		bank:   bank,
		events: events,
		logger: logger,
	}
}

// Get returns the cached lease under key if it is valid for validFor
// seconds (with blur slop). An invalid lease triggers an expiry event
// and, when flush is set, removal of the entry.
func (c *LeaseCache) Get(ctx context.Context, key string, validFor, blur int64, flush bool) (*Lease, error) {
	data, err := c.cache.Get(ctx, c.bank, key)
	if err != nil || data == nil {
		return nil, err
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		c.logger.Warn("flushing undecodable cached lease",
			observability.String("key", key), observability.Err(err))
		return nil, c.cache.Flush(ctx, c.bank, key)
	}
	if lease.IsValidFor(validFor, blur) {
		return &lease, nil
	}
	c.events.Emit("vault/lease/"+key+"/expire", map[string]any{
		"valid_for_less": validFor,
		"meta":           lease.Meta,
	})
	if flush {
		return nil, c.cache.Flush(ctx, c.bank, key)
	}
	return nil, nil
}

// Store writes a lease under key.
func (c *LeaseCache) Store(ctx context.Context, key string, lease *Lease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	return c.cache.Store(ctx, c.bank, key, data)
}

// List returns all cached lease keys.
func (c *LeaseCache) List(ctx context.Context) ([]string, error) {
	return c.cache.List(ctx, c.bank)
}

// Flush removes a single lease, or every lease in the bank when key is
// empty.
func (c *LeaseCache) Flush(ctx context.Context, key string) error {
	return c.cache.Flush(ctx, c.bank, key)
}

// ConfigCache caches the connection configuration. The backend it caches
// itself into is declared by the configuration, so the cache bootstraps
// from an initial value and re-resolves its backend whenever the stored
// configuration changes it. A material backend change flushes the data
// cached under the old backend first.
type ConfigCache struct {
	context        *Context
	bank           string
	key            string
	ttl            int64
	backendFactory func(*Config) (CacheBackend, error)
	logger         observability.Logger

	config  *Config
	backend CacheBackend
}

// NewConfigCache creates a config cache. initial may be nil when nothing
// is known yet; ttl bounds how long a persisted config is trusted.
func NewConfigCache(procCtx *Context, bank, key string, ttl int64, backendFactory func(*Config) (CacheBackend, error), initial *Config, logger observability.Logger) (*ConfigCache, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	c := &ConfigCache{
		context:        procCtx,
		bank:           bank,
		key:            key,
		ttl:            ttl,
		backendFactory: backendFactory,
		logger:         logger,
	}
	if initial != nil {
		if err := c.load(context.Background(), initial); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// load adopts a configuration, re-resolving the backend and flushing data
// cached under a materially different previous backend.
func (c *ConfigCache) load(ctx context.Context, cfg *Config) error {
	if c.config != nil && c.config.Cache.Backend != cfg.Cache.Backend {
		c.logger.Info("cache backend changed, flushing old cache data",
			observability.String("old", c.config.Cache.Backend),
			observability.String("new", cfg.Cache.Backend))
		if err := c.Flush(ctx); err != nil {
			return err
		}
	}
	backend, err := c.backendFactory(cfg)
	if err != nil {
		return err
	}
	c.config = cfg
	c.backend = backend
	c.ttl = cfg.GetConfigCacheTTL()
	return nil
}

// Backend returns the backend resolved from the current configuration.
func (c *ConfigCache) Backend() CacheBackend {
	return c.backend
}

// Exists reports whether a configuration is cached.
func (c *ConfigCache) Exists(ctx context.Context) (bool, error) {
	if c.config != nil {
		return true, nil
	}
	return c.valueCache().Exists(ctx)
}

// Get returns the cached configuration, nil when absent.
func (c *ConfigCache) Get(ctx context.Context) (*Config, error) {
	if c.config != nil {
		return c.config, nil
	}
	data, err := c.valueCache().Get(ctx)
	if err != nil || data == nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := c.load(ctx, &cfg); err != nil {
		return nil, err
	}
	return c.config, nil
}

// Store adopts and persists a configuration.
func (c *ConfigCache) Store(ctx context.Context, cfg *Config) error {
	if err := c.load(ctx, cfg); err != nil {
		return err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return c.valueCache().Store(ctx, data)
}

// Flush clears the whole connection bank. Config changes invalidate
// everything scoped under it, so a narrower flush is never offered.
func (c *ConfigCache) Flush(ctx context.Context) error {
	err := c.valueCache().Flush(ctx, true)
	c.config = nil
	c.backend = nil
	return err
}

// valueCache builds the single-key cache over the currently resolved
// backend. Before the config is known the backend is nil, so lookups
// fall back to the context tier only.
func (c *ConfigCache) valueCache() *ValueCache {
	return NewValueCache(c.context, c.backend, c.bank, c.key, c.ttl, c.logger)
}
