package vault

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/vyrodovalexey/vaultcred/observability"
)

// Cache bank layout. The session bank nests under the connection bank
// and the lease bank under the session bank, so clearing a scope always
// takes everything nested under it. Leases are bound to the token that
// obtained them and must not outlive its scope.
const (
	bankConnection = "vault/connection"
	bankSession    = "vault/connection/session"
	bankLeases     = "vault/connection/session/leases"
	bankKVMetadata = "vault/kv_metadata"

	configCKey   = "config"
	tokenCKey    = "__token"
	secretIDCKey = "secret_id"
	clientCKey   = "_authd_client"
)

// expectedTokenCreationPath is the creation path an issued token wrapper
// must report. Anything else means the wrapper was tampered with in
// transit.
func expectedTokenCreationPath() string {
	return `auth/token/create(/[^/]+)?`
}

// expectedSecretIDCreationPath is the creation path an issued secret-id
// wrapper must report for the given role.
func expectedSecretIDCreationPath(mount, role string) string {
	return "auth/" + regexp.QuoteMeta(mount) + "/role/" + regexp.QuoteMeta(role) + `/secret\-id`
}

// authdConnection pairs a live authenticated client with the
// configuration it was built from. Stored in the process context for
// reuse across calls.
type authdConnection struct {
	client *AuthenticatedClient
	config *Config
}

// Factory builds and caches authenticated clients, recovering from
// expired configuration, revoked credentials and connection errors by
// clearing the affected cache scope and rebuilding once.
type Factory struct {
	mu             sync.Mutex
	procCtx        *Context
	issuer         Issuer
	local          *Config
	events         EventSink
	logger         observability.Logger
	backendFactory func(*Config) (CacheBackend, error)

	configCache *ConfigCache
}

// FactoryOption customizes a Factory.
type FactoryOption func(*Factory)

// WithIssuer sets the external credential issuer.
func WithIssuer(issuer Issuer) FactoryOption {
	return func(f *Factory) {
		f.issuer = issuer
	}
}

// WithLocalConfig supplies a locally defined configuration instead of
// fetching one through the issuer.
func WithLocalConfig(cfg *Config) FactoryOption {
	return func(f *Factory) {
		f.local = cfg
	}
}

// WithFactoryEvents sets the event sink.
func WithFactoryEvents(events EventSink) FactoryOption {
	return func(f *Factory) {
		f.events = events
	}
}

// WithFactoryLogger sets the logger.
func WithFactoryLogger(logger observability.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithBackendFactory overrides how cache backends are resolved from
// configuration.
func WithBackendFactory(fn func(*Config) (CacheBackend, error)) FactoryOption {
	return func(f *Factory) {
		f.backendFactory = fn
	}
}

// NewFactory creates a factory over the given process context. At least
// one of WithIssuer and WithLocalConfig must be provided.
func NewFactory(procCtx *Context, opts ...FactoryOption) (*Factory, error) {
	if procCtx == nil {
		return nil, fmt.Errorf("%w: process context is required", ErrInvalidConfig)
	}
	f := &Factory{
		procCtx: procCtx,
		events:  NopSink{},
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.issuer == nil && f.local == nil {
		return nil, fmt.Errorf("%w: either an issuer or a local configuration is required", ErrInvalidConfig)
	}
	if f.backendFactory == nil {
		f.backendFactory = f.defaultBackendFactory
	}
	return f, nil
}

// defaultBackendFactory resolves the persistent cache tier from
// configuration. Session scope means no persistent tier at all.
func (f *Factory) defaultBackendFactory(cfg *Config) (CacheBackend, error) {
	switch cfg.Cache.Backend {
	case "", CacheBackendSession:
		return nil, nil
	case CacheBackendRedis:
		return NewRedisBackend(cfg.Cache.Redis, f.logger)
	default:
		return nil, fmt.Errorf("%w: unknown cache backend %q", ErrInvalidConfig, cfg.Cache.Backend)
	}
}

// GetAuthdClient returns an authenticated client, building one when
// nothing usable is cached. Tokens below the configured minimum TTL are
// renewed proactively; credentials that cannot serve trigger a cache
// clear of the affected scope and one rebuild.
func (f *Factory) GetAuthdClient(ctx context.Context) (*AuthenticatedClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, err := f.getConnection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.client, nil
}

// GetConfig returns the active connection configuration, fetching it
// through the issuer when nothing is cached.
func (f *Factory) GetConfig(ctx context.Context) (*Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getConnectionConfig(ctx)
}

// getConnection returns a live connection, from the process context when
// the cached client's token still serves.
func (f *Factory) getConnection(ctx context.Context) (*authdConnection, error) {
	if v, ok := f.procCtx.Get(bankConnection, clientCKey); ok {
		if conn, ok := v.(*authdConnection); ok {
			if err := f.ensureTokenTTL(ctx, conn, true); err == nil {
				return conn, nil
			}
			f.procCtx.Delete(bankConnection, clientCKey)
		}
	}

	retried := false
	for {
		conn, err := f.buildAuthdClient(ctx)
		if err != nil {
			if retried {
				return nil, err
			}
			switch {
			case IsConfigExpired(err), IsPermissionDenied(err), IsConnectionError(err):
				f.logger.Info("connection cache is outdated, rebuilding",
					observability.Err(err))
				if cerr := f.clearCacheLocked(ctx, true); cerr != nil {
					return nil, cerr
				}
			case IsAuthExpired(err):
				f.logger.Info("cached auth credentials expired, rebuilding session",
					observability.Err(err))
				if cerr := f.clearCacheLocked(ctx, false); cerr != nil {
					return nil, cerr
				}
			default:
				return nil, err
			}
			retried = true
			continue
		}
		if err := f.ensureTokenTTL(ctx, conn, retried); err != nil {
			if retried {
				return nil, err
			}
			if cerr := f.clearCacheLocked(ctx, false); cerr != nil {
				return nil, cerr
			}
			retried = true
			continue
		}
		f.procCtx.Set(bankConnection, clientCKey, conn)
		return conn, nil
	}
}

// ensureTokenTTL renews the connection's token when it has dropped
// below the configured minimum TTL. A token that cannot be stretched is
// reported as expired so the caller can reissue; once a rebuild already
// happened, a short but valid token is accepted with a warning rather
// than looping.
func (f *Factory) ensureTokenTTL(ctx context.Context, conn *authdConnection, final bool) error {
	minTTL := conn.config.GetMinimumTTL()
	if conn.client.TokenValid(ctx, minTTL, false) {
		return nil
	}
	// Login-capable methods may not have exchanged credentials yet.
	if _, err := conn.client.Auth().GetToken(ctx); err != nil {
		return err
	}
	if conn.client.TokenValid(ctx, minTTL, false) {
		return nil
	}
	if conn.client.Auth().CurrentToken(ctx).IsRenewable() {
		increment := conn.config.Auth.TokenLifecycle.RenewIncrement
		if increment > 0 && increment < minTTL {
			increment = minTTL
		}
		if _, err := conn.client.TokenRenew(ctx, increment, "", ""); err != nil {
			f.logger.Warn("token renewal failed", observability.Err(err))
		}
	}
	if conn.client.TokenValid(ctx, minTTL, false) {
		return nil
	}
	if final && conn.client.TokenValid(ctx, 0, false) {
		f.logger.Warn("configured minimum token ttl could not be satisfied",
			observability.Int64("minimum_ttl", minTTL))
		return nil
	}
	return fmt.Errorf("%w: token below minimum ttl and not renewable", ErrAuthExpired)
}

// buildAuthdClient assembles an authenticated client from cached or
// freshly issued credentials, per the configured auth method.
func (f *Factory) buildAuthdClient(ctx context.Context) (*authdConnection, error) {
	cfg, err := f.getConnectionConfig(ctx)
	if err != nil {
		return nil, err
	}
	backend := f.configCache.Backend()
	unauthd, err := NewClient(cfg.Server.URL, cfg.Server.Namespace, cfg.Server.Verify,
		WithLogger(f.logger), WithEventSink(f.eventSink(cfg)))
	if err != nil {
		return nil, err
	}
	tokenCache := NewTokenCache(f.procCtx, backend, bankSession, tokenCKey,
		fmt.Errorf("%w: cached token is no longer valid", ErrAuthExpired), f.logger)

	var auth AuthMethod
	switch cfg.Auth.Method {
	case AuthMethodToken, AuthMethodWrappedToken:
		auth, err = f.buildTokenAuth(ctx, cfg, unauthd, tokenCache)
	case AuthMethodAppRole:
		auth, err = f.buildAppRoleAuth(ctx, cfg, unauthd, tokenCache, backend)
	default:
		return nil, fmt.Errorf("%w: unknown auth method %q", ErrInvalidConfig, cfg.Auth.Method)
	}
	if err != nil {
		return nil, err
	}
	return &authdConnection{
		client: NewAuthenticatedClient(unauthd, auth),
		config: cfg,
	}, nil
}

// buildTokenAuth serves the cached session token when possible and
// obtains a fresh one otherwise.
func (f *Factory) buildTokenAuth(ctx context.Context, cfg *Config, client *Client, tokenCache *TokenCache) (AuthMethod, error) {
	tokenAuth, err := NewTokenAuth(ctx, tokenCache, nil, f.logger)
	if err != nil {
		return nil, err
	}
	if tokenAuth.IsValid(0) {
		return tokenAuth, nil
	}
	token, err := f.obtainToken(ctx, cfg, client)
	if err != nil {
		return nil, err
	}
	// Single-use tokens die with their first request, caching them only
	// invites stale session state.
	if token.NumUses == 1 {
		return NewTokenAuth(ctx, nil, token, f.logger)
	}
	if err := tokenAuth.ReplaceToken(ctx, token); err != nil {
		return nil, err
	}
	return tokenAuth, nil
}

// obtainToken sources a token: an embedded wrapped token is verified and
// unwrapped, an embedded plain token is hydrated via lookup, otherwise
// the issuer mints one.
func (f *Factory) obtainToken(ctx context.Context, cfg *Config, client *Client) (*Token, error) {
	switch {
	case cfg.Auth.Method == AuthMethodWrappedToken && cfg.Auth.Token != "":
		unwrapped, err := client.Unwrap(ctx, cfg.Auth.Token, []string{expectedTokenCreationPath()})
		if err != nil {
			return nil, err
		}
		auth, ok := unwrapped["auth"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: unwrapped token reply carries no auth data", ErrInvocation)
		}
		return NewToken(auth)
	case cfg.Auth.Token != "":
		data, err := client.TokenLookup(ctx, cfg.Auth.Token)
		if err != nil {
			return nil, err
		}
		return NewToken(data)
	default:
		return f.fetchToken(ctx, cfg, client)
	}
}

// fetchToken mints a token through the issuer, verifying the creation
// path of wrapped replies.
func (f *Factory) fetchToken(ctx context.Context, cfg *Config, client *Client) (*Token, error) {
	if f.issuer == nil {
		return nil, fmt.Errorf("%w: no token source configured", ErrInvalidConfig)
	}
	params := map[string]any{}
	if len(cfg.Issue) > 0 {
		params["issue_params"] = cfg.Issue
	}
	reply, err := queryIssuer(ctx, f.issuer, client, IssueOpGenerateToken, params,
		cfg.Server.URL, []string{expectedTokenCreationPath()})
	if err != nil {
		return nil, err
	}
	auth, ok := reply["auth"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: token issuance reply carries no auth data", ErrInvocation)
	}
	return NewToken(auth)
}

// buildAppRoleAuth assembles the role-id/secret-id container. A fresh
// secret-id is only fetched when neither a usable session token nor a
// cached secret-id exists: secret-ids are use-limited and must not be
// burned needlessly.
func (f *Factory) buildAppRoleAuth(ctx context.Context, cfg *Config, client *Client, tokenCache *TokenCache, backend CacheBackend) (AuthMethod, error) {
	tokenAuth, err := NewTokenAuth(ctx, tokenCache, nil, f.logger)
	if err != nil {
		return nil, err
	}
	var secretID *SecretID
	var sidCache *SecretIDCache
	switch {
	case cfg.Auth.SecretID != "":
		secretID = LocalSecretID(cfg.Auth.SecretID)
	case cfg.Auth.SecretIDRequired:
		sidCache = NewSecretIDCache(f.procCtx, backend, bankConnection, secretIDCKey, f.logger)
		secretID, err = sidCache.Get(ctx, 0)
		if err != nil {
			return nil, err
		}
		if secretID == nil && !tokenAuth.IsValid(0) {
			secretID, err = f.fetchSecretID(ctx, cfg, client, sidCache)
			if err != nil {
				return nil, err
			}
		}
		if secretID == nil {
			secretID = InvalidSecretID()
		}
	}
	approle := &AppRole{RoleID: cfg.Auth.RoleID, SecretID: secretID}
	auth, err := NewAppRoleAuth(approle, client, cfg.Auth.ApproleMount, sidCache, tokenAuth, f.logger)
	if err != nil {
		return nil, err
	}
	auth.refetchOnFailure = cfg.GetSecretIDRefetchOnFailure()
	return auth, nil
}

// fetchSecretID mints a secret-id through the issuer and caches it
// unless it is single-use.
func (f *Factory) fetchSecretID(ctx context.Context, cfg *Config, client *Client, cache *SecretIDCache) (*SecretID, error) {
	if f.issuer == nil {
		return nil, fmt.Errorf("%w: no secret-id source configured", ErrInvalidConfig)
	}
	mount := cfg.Auth.ApproleMount
	if mount == "" {
		mount = DefaultAppRoleMount
	}
	params := map[string]any{}
	if len(cfg.Issue) > 0 {
		params["issue_params"] = cfg.Issue
	}
	reply, err := queryIssuer(ctx, f.issuer, client, IssueOpGenerateSecretID, params,
		cfg.Server.URL, []string{expectedSecretIDCreationPath(mount, cfg.Auth.ApproleName)})
	if err != nil {
		return nil, err
	}
	data, ok := reply["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: secret-id issuance reply carries no data", ErrInvocation)
	}
	secretID, err := NewSecretID(data)
	if err != nil {
		return nil, err
	}
	if secretID.NumUses != 1 {
		if err := cache.Store(ctx, secretID); err != nil {
			return nil, err
		}
	}
	return secretID, nil
}

// getConnectionConfig returns the active configuration from cache, the
// local override or the issuer, in that order of preference.
func (f *Factory) getConnectionConfig(ctx context.Context) (*Config, error) {
	cc, err := f.getConfigCache(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := cc.Get(ctx)
	if err != nil || cfg != nil {
		return cfg, err
	}
	if f.local != nil {
		cfg = f.local.Clone()
		cfg.applyDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	} else {
		reply, err := queryIssuer(ctx, f.issuer, nil, IssueOpGetConfig, nil, "", nil)
		if err != nil {
			return nil, err
		}
		cfg, err = ParseConfig(reply)
		if err != nil {
			return nil, err
		}
	}
	if err := cc.Store(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getConfigCache lazily creates the config cache.
func (f *Factory) getConfigCache(ctx context.Context) (*ConfigCache, error) {
	if f.configCache != nil {
		return f.configCache, nil
	}
	cc, err := NewConfigCache(f.procCtx, bankConnection, configCKey,
		DefaultConfigCacheTTL, f.backendFactory, nil, f.logger)
	if err != nil {
		return nil, err
	}
	f.configCache = cc
	return cc, nil
}

// eventSink returns the configured sink when expiry events are enabled.
func (f *Factory) eventSink(cfg *Config) EventSink {
	if cfg != nil && cfg.Cache.ExpireEvents {
		return f.events
	}
	return NopSink{}
}

// ClearCache removes cached credentials. connection also drops the
// configuration and everything scoped under it; otherwise only the
// session (token) scope is cleared. Live cached credentials are offered
// for revocation first so they do not outlive the cache.
func (f *Factory) ClearCache(ctx context.Context, connection bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clearCacheLocked(ctx, connection)
}

func (f *Factory) clearCacheLocked(ctx context.Context, connection bool) error {
	var cfg *Config
	if f.configCache != nil {
		cfg, _ = f.configCache.Get(ctx)
	}
	if cfg != nil && cfg.Cache.ClearAttemptRevocation > 0 {
		f.tryRevoke(ctx, cfg)
	}
	scope := "session"
	if connection {
		scope = "connection"
	}
	f.eventSink(cfg).Emit("vault/cache/"+scope+"/clear", map[string]any{})
	cacheClearsTotal.WithLabelValues(scope).Inc()

	f.procCtx.Delete(bankConnection, clientCKey)
	if connection {
		if f.configCache != nil {
			if err := f.configCache.Flush(ctx); err != nil {
				return err
			}
			f.configCache = nil
		}
		f.procCtx.DeleteBank(bankConnection)
		return nil
	}
	var backend CacheBackend
	if f.configCache != nil {
		backend = f.configCache.Backend()
	}
	if backend != nil {
		if err := backend.Flush(ctx, bankSession, ""); err != nil {
			return err
		}
	}
	f.procCtx.DeleteBank(bankSession)
	return nil
}

// tryRevoke asks the server to expire the cached session token shortly,
// so a cleared credential does not keep serving elsewhere. Static
// operator tokens are left alone and failures only warn: clearing must
// never be blocked by revocation trouble.
func (f *Factory) tryRevoke(ctx context.Context, cfg *Config) {
	if cfg.Auth.Method == AuthMethodToken && cfg.Auth.Token != "" {
		return
	}
	var backend CacheBackend
	if f.configCache != nil {
		backend = f.configCache.Backend()
	}
	tokenCache := NewTokenCache(f.procCtx, backend, bankSession, tokenCKey, nil, f.logger)
	token, err := tokenCache.Get(ctx, 0)
	if err != nil || token == nil {
		return
	}
	unauthd, err := NewClient(cfg.Server.URL, cfg.Server.Namespace, cfg.Server.Verify,
		WithLogger(f.logger))
	if err != nil {
		f.logger.Warn("failed to build revocation client", observability.Err(err))
		return
	}
	tokenAuth, err := NewTokenAuth(ctx, nil, token, f.logger)
	if err != nil {
		f.logger.Warn("failed to build revocation auth", observability.Err(err))
		return
	}
	client := NewAuthenticatedClient(unauthd, tokenAuth)
	if _, err := client.TokenRevoke(ctx, cfg.Cache.ClearAttemptRevocation, "", ""); err != nil {
		f.logger.Warn("failed to revoke cached token while clearing cache",
			observability.Err(err))
	}
}

// UpdateConfig adopts a new configuration. An unchanged configuration is
// a no-op; otherwise the connection cache is cleared and the new
// configuration stored. keepSession carries the current session token
// over into the new connection scope, sparing a re-login when only
// connection-level settings changed.
func (f *Factory) UpdateConfig(ctx context.Context, cfg *Config, keepSession bool) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is required", ErrInvalidConfig)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	next := cfg.Clone()
	next.applyDefaults()
	if err := next.Validate(); err != nil {
		return err
	}
	cc, err := f.getConfigCache(ctx)
	if err != nil {
		return err
	}
	current, err := cc.Get(ctx)
	if err != nil {
		return err
	}
	if current != nil && reflect.DeepEqual(current, next) {
		return nil
	}

	var token *Token
	if keepSession && current != nil {
		tokenCache := NewTokenCache(f.procCtx, cc.Backend(), bankSession, tokenCKey, nil, f.logger)
		token, _ = tokenCache.Get(ctx, 0)
	}
	if err := f.clearCacheLocked(ctx, true); err != nil {
		return err
	}
	cc, err = f.getConfigCache(ctx)
	if err != nil {
		return err
	}
	if err := cc.Store(ctx, next); err != nil {
		return err
	}
	if token != nil {
		tokenCache := NewTokenCache(f.procCtx, cc.Backend(), bankSession, tokenCKey, nil, f.logger)
		if err := tokenCache.Store(ctx, token); err != nil {
			return err
		}
	}
	return nil
}

// doWithClient runs fn against an authenticated client. A permission
// denial can mean the credentials were revoked server-side; when
// configured (or when the server confirms the token is dead) the cache
// is cleared and fn retried once with rebuilt credentials.
func (f *Factory) doWithClient(ctx context.Context, fn func(*AuthenticatedClient, *Config) error) error {
	f.mu.Lock()
	conn, err := f.getConnection(ctx)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	err = fn(conn.client, conn.config)
	if err == nil || !IsPermissionDenied(err) {
		return err
	}
	if !conn.config.GetClearOnUnauthorized() && conn.client.TokenValid(ctx, 0, true) {
		// The token still serves; this denial is a policy decision.
		return err
	}
	if cerr := f.ClearCache(ctx, true); cerr != nil {
		return cerr
	}
	f.mu.Lock()
	conn, cerr := f.getConnection(ctx)
	f.mu.Unlock()
	if cerr != nil {
		return cerr
	}
	return fn(conn.client, conn.config)
}

// GetKV returns the key/value abstraction over a live client. Mount
// metadata is cached per configuration: tied to the connection scope or
// under its own TTL.
func (f *Factory) GetKV(ctx context.Context) (*KV, error) {
	f.mu.Lock()
	conn, err := f.getConnection(ctx)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.buildKV(conn), nil
}

func (f *Factory) buildKV(conn *authdConnection) *KV {
	bank := bankConnection + "/kv_metadata"
	ttl := int64(0)
	if lifetime := conn.config.Cache.KVMetadata; lifetime != "" && lifetime != "connection" {
		if secs, err := ParseTimeString(lifetime); err == nil {
			bank = bankKVMetadata
			ttl = secs
		} else {
			f.logger.Warn("invalid kv_metadata lifetime, scoping to connection",
				observability.String("value", lifetime), observability.Err(err))
		}
	}
	var backend CacheBackend
	if f.configCache != nil {
		backend = f.configCache.Backend()
	}
	metaCache := NewBankCache(f.procCtx, backend, ttl, f.logger)
	return NewKV(conn.client, metaCache, bank, f.logger)
}

// GetLeaseStore returns the lease store over a live client. Cached
// leases follow their own validity or an explicit lifetime cap, per
// configuration.
func (f *Factory) GetLeaseStore(ctx context.Context) (*LeaseStore, error) {
	f.mu.Lock()
	conn, err := f.getConnection(ctx)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ttl := int64(0)
	if lifetime := conn.config.Cache.Secret; lifetime != "" && lifetime != "ttl" {
		if secs, err := ParseTimeString(lifetime); err == nil {
			ttl = secs
		} else {
			f.logger.Warn("invalid secret lifetime, following lease validity",
				observability.String("value", lifetime), observability.Err(err))
		}
	}
	var backend CacheBackend
	if f.configCache != nil {
		backend = f.configCache.Backend()
	}
	events := f.eventSink(conn.config)
	cache := NewLeaseCache(f.procCtx, backend, bankLeases, ttl, events, f.logger)
	return NewLeaseStore(conn.client, cache, events, f.logger), nil
}

// ReadKV reads a secret, clearing cache and retrying once on a
// permission denial caused by dead credentials.
func (f *Factory) ReadKV(ctx context.Context, path string, includeMetadata bool) (map[string]any, error) {
	var out map[string]any
	err := f.doWithClient(ctx, func(client *AuthenticatedClient, cfg *Config) error {
		var err error
		out, err = f.buildKV(&authdConnection{client: client, config: cfg}).Read(ctx, path, includeMetadata)
		return err
	})
	return out, err
}

// WriteKV stores a secret.
func (f *Factory) WriteKV(ctx context.Context, path string, data map[string]any) error {
	return f.doWithClient(ctx, func(client *AuthenticatedClient, cfg *Config) error {
		return f.buildKV(&authdConnection{client: client, config: cfg}).Write(ctx, path, data)
	})
}

// PatchKV partially updates a secret.
func (f *Factory) PatchKV(ctx context.Context, path string, patch map[string]any) error {
	return f.doWithClient(ctx, func(client *AuthenticatedClient, cfg *Config) error {
		return f.buildKV(&authdConnection{client: client, config: cfg}).Patch(ctx, path, patch)
	})
}

// DeleteKV soft-deletes a secret or specific versions of it.
func (f *Factory) DeleteKV(ctx context.Context, path string, versions []int) error {
	return f.doWithClient(ctx, func(client *AuthenticatedClient, cfg *Config) error {
		return f.buildKV(&authdConnection{client: client, config: cfg}).Delete(ctx, path, versions)
	})
}

// DestroyKV permanently removes specific versions of a secret.
func (f *Factory) DestroyKV(ctx context.Context, path string, versions []int) error {
	return f.doWithClient(ctx, func(client *AuthenticatedClient, cfg *Config) error {
		return f.buildKV(&authdConnection{client: client, config: cfg}).Destroy(ctx, path, versions)
	})
}

// ListKV enumerates the keys below a path.
func (f *Factory) ListKV(ctx context.Context, path string) ([]string, error) {
	var out []string
	err := f.doWithClient(ctx, func(client *AuthenticatedClient, cfg *Config) error {
		var err error
		out, err = f.buildKV(&authdConnection{client: client, config: cfg}).List(ctx, path)
		return err
	})
	return out, err
}

// ExpandedPolicies renders the configured policy patterns against the
// given mappings. Placeholders with list values fan out into one policy
// per element; results are lowercased and deduplicated.
func (f *Factory) ExpandedPolicies(ctx context.Context, mappings map[string]any) ([]string, error) {
	f.mu.Lock()
	cfg, err := f.getConnectionConfig(ctx)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	patterns, _ := cfg.Policies["assign"].([]any)
	seen := make(map[string]struct{})
	var out []string
	for _, p := range patterns {
		pattern, ok := p.(string)
		if !ok {
			continue
		}
		for _, policy := range ExpandPatternLists(pattern, mappings) {
			policy = strings.ToLower(policy)
			if _, dup := seen[policy]; dup {
				continue
			}
			seen[policy] = struct{}{}
			out = append(out, policy)
		}
	}
	sort.Strings(out)
	return out, nil
}
