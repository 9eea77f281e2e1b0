package vault

import (
	"context"
	"fmt"

	"github.com/vyrodovalexey/vaultcred/observability"
)

// DefaultAppRoleMount is the default mount path for AppRole auth.
const DefaultAppRoleMount = "approle"

// TokenAuth owns the current token. It serves the cached token while it
// is valid and persists use-count progress for limited-use tokens.
type TokenAuth struct {
	cache  *TokenCache
	token  *Token
	logger observability.Logger
}

// NewTokenAuth creates a token container. When token is nil the cache is
// consulted; an empty cache yields the invalid sentinel. cache may be nil
// for containers that should not persist.
func NewTokenAuth(ctx context.Context, cache *TokenCache, token *Token, logger observability.Logger) (*TokenAuth, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if token == nil && cache != nil {
		cached, err := cache.Get(ctx, 10)
		if err != nil {
			return nil, err
		}
		token = cached
	}
	if token == nil {
		token = InvalidToken()
	}
	return &TokenAuth{cache: cache, token: token, logger: logger}, nil
}

// IsValid reports whether the current token is valid for validFor more
// seconds.
func (a *TokenAuth) IsValid(validFor int64) bool {
	return a.token.IsValid(validFor, 1)
}

// IsRenewable reports whether the current token can be renewed.
func (a *TokenAuth) IsRenewable() bool {
	return a.token.IsRenewable()
}

// GetToken implements AuthMethod. Returns ErrAuthExpired when the token
// is invalid; the caller must obtain a fresh credential.
func (a *TokenAuth) GetToken(_ context.Context) (*Token, error) {
	if a.token.IsValid(0, 1) {
		return a.token, nil
	}
	return nil, fmt.Errorf("%w: no valid token", ErrAuthExpired)
}

// CurrentToken implements AuthMethod.
func (a *TokenAuth) CurrentToken(_ context.Context) *Token {
	return a.token
}

// Used implements AuthMethod. Unlimited-use tokens skip persistence;
// limited-use tokens must persist progress so a crash does not silently
// grant extra uses.
func (a *TokenAuth) Used(ctx context.Context) error {
	a.token.Use()
	if a.token.NumUses != 0 {
		return a.writeCache(ctx)
	}
	return nil
}

// UpdateToken implements AuthMethod, replacing the token with an
// immutably-derived copy and persisting it.
func (a *TokenAuth) UpdateToken(ctx context.Context, auth map[string]any) error {
	token, err := a.token.WithRenewed(auth)
	if err != nil {
		return err
	}
	a.token = token
	return a.writeCache(ctx)
}

// ReplaceToken swaps in a brand-new token and persists it. Used when a
// login supersedes an invalid token.
func (a *TokenAuth) ReplaceToken(ctx context.Context, token *Token) error {
	a.token = token
	return a.writeCache(ctx)
}

// writeCache stores a valid token, or flushes the entry when the token
// just became invalid.
func (a *TokenAuth) writeCache(ctx context.Context) error {
	if a.cache == nil {
		return nil
	}
	if a.token.IsValid(0, 1) {
		return a.cache.Store(ctx, a.token)
	}
	return a.cache.Flush(ctx)
}

// AppRoleAuth obtains tokens by logging in with a role-id/secret-id
// pair. A valid nested token is always preferred over a login exchange:
// tokens are cheaper to reuse and secret-ids are more sensitive and
// typically use-limited.
type AppRoleAuth struct {
	approle   *AppRole
	client    *Client
	mount     string
	cache     *SecretIDCache
	tokenAuth *TokenAuth
	logger    observability.Logger

	// refetchOnFailure flushes an issuer-sourced secret-id from cache
	// when a login is denied, so the next build fetches a fresh one. The
	// factory sets this from auth.secret_id_refetch_on_failure.
	refetchOnFailure bool
}

// NewAppRoleAuth creates an AppRole container. client is the
// unauthenticated client used for login exchanges; cache may be nil.
func NewAppRoleAuth(approle *AppRole, client *Client, mount string, cache *SecretIDCache, tokenAuth *TokenAuth, logger observability.Logger) (*AppRoleAuth, error) {
	if approle == nil || approle.RoleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidConfig)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: client is required", ErrInvalidConfig)
	}
	if tokenAuth == nil {
		return nil, fmt.Errorf("%w: token container is required", ErrInvalidConfig)
	}
	if mount == "" {
		mount = DefaultAppRoleMount
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &AppRoleAuth{
		approle:   approle,
		client:    client,
		mount:     mount,
		cache:     cache,
		tokenAuth: tokenAuth,
		logger:    logger,
	}, nil
}

// IsValid reports whether the nested token is valid for validFor more
// seconds.
func (a *AppRoleAuth) IsValid(validFor int64) bool {
	return a.tokenAuth.IsValid(validFor)
}

// IsRenewable reports whether the nested token can be renewed.
func (a *AppRoleAuth) IsRenewable() bool {
	return a.tokenAuth.IsRenewable()
}

// AppRole returns the contained role pair.
func (a *AppRoleAuth) AppRole() *AppRole {
	return a.approle
}

// GetToken implements AuthMethod. Serves the nested token when valid,
// performs a login when the role pair can still authenticate, and
// returns ErrAuthExpired when both are exhausted.
func (a *AppRoleAuth) GetToken(ctx context.Context) (*Token, error) {
	if a.tokenAuth.IsValid(0) {
		return a.tokenAuth.GetToken(ctx)
	}
	if a.approle.IsValid(0, 1) {
		return a.login(ctx)
	}
	return nil, fmt.Errorf("%w: no valid token or secret-id", ErrAuthExpired)
}

// CurrentToken implements AuthMethod.
func (a *AppRoleAuth) CurrentToken(ctx context.Context) *Token {
	return a.tokenAuth.CurrentToken(ctx)
}

// Used implements AuthMethod.
func (a *AppRoleAuth) Used(ctx context.Context) error {
	return a.tokenAuth.Used(ctx)
}

// UpdateToken implements AuthMethod.
func (a *AppRoleAuth) UpdateToken(ctx context.Context, auth map[string]any) error {
	return a.tokenAuth.UpdateToken(ctx, auth)
}

// login exchanges the role pair for a token, accounts the secret-id use
// and persists both credentials.
func (a *AppRoleAuth) login(ctx context.Context) (*Token, error) {
	endpoint := "auth/" + a.mount + "/login"
	res, err := a.client.Post(ctx, endpoint, a.approle.Payload())
	if err != nil {
		loginsTotal.WithLabelValues(statusError).Inc()
		if IsPermissionDenied(err) && a.refetchOnFailure && a.cache != nil &&
			a.approle.SecretID != nil && !a.approle.SecretID.IsLocal() {
			a.logger.Debug("login denied, flushing cached secret-id")
			if ferr := a.cache.Flush(ctx); ferr != nil {
				a.logger.Warn("failed to flush denied secret-id", observability.Err(ferr))
			}
		}
		return nil, err
	}
	a.approle.Use()
	if err := a.writeCache(ctx); err != nil {
		return nil, err
	}
	auth, ok := res.Body["auth"].(map[string]any)
	if !ok {
		loginsTotal.WithLabelValues(statusError).Inc()
		return nil, fmt.Errorf("%w: login response carries no auth data", ErrInvocation)
	}
	token, err := NewToken(auth)
	if err != nil {
		loginsTotal.WithLabelValues(statusError).Inc()
		return nil, err
	}
	loginsTotal.WithLabelValues(statusSuccess).Inc()
	a.logger.Debug("approle login succeeded", observability.String("mount", a.mount))
	if err := a.tokenAuth.ReplaceToken(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// writeCache persists the secret-id's use progress. Operator-local
// secret-ids are never cached, unlimited-use ones carry no progress to
// persist, and a secret-id that just became invalid is flushed.
func (a *AppRoleAuth) writeCache(ctx context.Context) error {
	if a.cache == nil || a.approle.SecretID == nil {
		return nil
	}
	sid := a.approle.SecretID
	switch {
	case sid.IsLocal():
		return nil
	case sid.Unlimited():
		return nil
	case sid.IsValid(0, 1):
		return a.cache.Store(ctx, sid)
	default:
		return a.cache.Flush(ctx)
	}
}

var (
	_ AuthMethod = (*TokenAuth)(nil)
	_ AuthMethod = (*AppRoleAuth)(nil)
)
