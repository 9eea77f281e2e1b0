package vault

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVault serves the endpoints the factory touches: approle login,
// token lookup and renewal, mount metadata and one kv secret.
type fakeVault struct {
	t  *testing.T
	mu sync.Mutex

	logins         int
	renews         int
	revokeIncs     []string
	loginTTL       int64
	loginRenewable bool
	renewTTL       int64
	secretDenials  int
}

func newFakeVault(t *testing.T) (*fakeVault, *httptest.Server) {
	t.Helper()
	fv := &fakeVault{
		t:              t,
		loginTTL:       600,
		loginRenewable: true,
		renewTTL:       600,
	}
	srv := httptest.NewServer(fv)
	t.Cleanup(srv.Close)
	return fv, srv
}

func (v *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case r.URL.Path == "/v1/auth/approle/login":
		v.logins++
		writeJSON(v.t, w, http.StatusOK, map[string]any{
			"auth": map[string]any{
				"client_token":   "s.login",
				"lease_duration": float64(v.loginTTL),
				"renewable":      v.loginRenewable,
			},
		})
	case r.URL.Path == "/v1/auth/token/lookup-self":
		writeJSON(v.t, w, http.StatusOK, map[string]any{
			"data": map[string]any{
				"id":        r.Header.Get("X-Vault-Token"),
				"ttl":       float64(600),
				"renewable": true,
			},
		})
	case r.URL.Path == "/v1/auth/token/renew-self":
		var payload map[string]any
		decodeJSONBody(v.t, r, &payload)
		if inc, ok := payload["increment"].(string); ok {
			// String increments come from revocation-by-shrinking.
			v.revokeIncs = append(v.revokeIncs, inc)
		} else {
			v.renews++
		}
		writeJSON(v.t, w, http.StatusOK, map[string]any{
			"auth": map[string]any{
				"client_token":   r.Header.Get("X-Vault-Token"),
				"lease_duration": float64(v.renewTTL),
				"renewable":      true,
			},
		})
	case r.URL.Path == "/v1/secret/foo":
		if v.secretDenials > 0 {
			v.secretDenials--
			writeJSON(v.t, w, http.StatusForbidden, map[string]any{"errors": []any{"permission denied"}})
			return
		}
		writeJSON(v.t, w, http.StatusOK, map[string]any{"data": map[string]any{"k": "v"}})
	default:
		writeJSON(v.t, w, http.StatusNotFound, map[string]any{"errors": []any{}})
	}
}

func approleConfigMap(serverURL string) map[string]any {
	return map[string]any{
		"auth": map[string]any{
			"method":             "approle",
			"role_id":            "role-1",
			"secret_id_required": true,
		},
		"cache":  map[string]any{"backend": "session", "expire_events": true},
		"server": map[string]any{"url": serverURL},
	}
}

func newAppRoleFactory(t *testing.T, serverURL string, sink EventSink) (*Factory, *fakeIssuer) {
	t.Helper()
	issuer := newFakeIssuer()
	issuer.replies[IssueOpGetConfig] = approleConfigMap(serverURL)
	issuer.replies[IssueOpGenerateSecretID] = map[string]any{
		"data": map[string]any{"secret_id": "sid-1"},
	}
	opts := []FactoryOption{WithIssuer(issuer)}
	if sink != nil {
		opts = append(opts, WithFactoryEvents(sink))
	}
	factory, err := NewFactory(NewContext(), opts...)
	require.NoError(t, err)
	return factory, issuer
}

func TestNewFactoryValidation(t *testing.T) {
	_, err := NewFactory(nil, WithLocalConfig(DefaultConfig()))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewFactory(NewContext())
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestFactoryAppRoleEndToEnd(t *testing.T) {
	stubNow(t, time.Unix(1700000000, 0))
	fv, srv := newFakeVault(t)
	factory, issuer := newAppRoleFactory(t, srv.URL, nil)
	ctx := context.Background()

	client, err := factory.GetAuthdClient(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s.login", client.Auth().CurrentToken(ctx).ID)
	assert.Equal(t, 1, fv.logins)
	assert.Equal(t, 1, issuer.callCount(IssueOpGetConfig))
	assert.Equal(t, 1, issuer.callCount(IssueOpGenerateSecretID))

	// The built connection is reused while its token serves.
	again, err := factory.GetAuthdClient(ctx)
	require.NoError(t, err)
	assert.Same(t, client, again)
	assert.Equal(t, 1, fv.logins)
	assert.Equal(t, 1, issuer.callCount(IssueOpGetConfig))

	cfg, err := factory.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, srv.URL, cfg.Server.URL)
	assert.Equal(t, AuthMethodAppRole, cfg.Auth.Method)
}

func TestFactoryStaticTokenHydration(t *testing.T) {
	stubNow(t, time.Unix(1700000000, 0))
	fv, srv := newFakeVault(t)
	factory, err := NewFactory(NewContext(), WithLocalConfig(&Config{
		Auth:   AuthConfig{Method: AuthMethodToken, Token: "s.static"},
		Server: ServerConfig{URL: srv.URL},
	}))
	require.NoError(t, err)
	ctx := context.Background()

	client, err := factory.GetAuthdClient(ctx)
	require.NoError(t, err)
	token := client.Auth().CurrentToken(ctx)
	assert.Equal(t, "s.static", token.ID)
	assert.Equal(t, int64(1700000000+600), token.ExpireTime)
	assert.Equal(t, 0, fv.logins)
}

func TestFactoryRenewsShortTokenProactively(t *testing.T) {
	stubNow(t, time.Unix(1700000000, 0))
	fv, srv := newFakeVault(t)
	fv.loginTTL = 5
	factory, _ := newAppRoleFactory(t, srv.URL, nil)
	ctx := context.Background()

	client, err := factory.GetAuthdClient(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fv.renews)
	assert.Equal(t, int64(1700000000+600), client.Auth().CurrentToken(ctx).ExpireTime)
}

func TestFactoryAcceptsShortTokenAfterRetry(t *testing.T) {
	stubNow(t, time.Unix(1700000000, 0))
	fv, srv := newFakeVault(t)
	fv.loginTTL = 5
	fv.loginRenewable = false
	factory, issuer := newAppRoleFactory(t, srv.URL, nil)
	ctx := context.Background()

	// The issuer only mints tokens below the minimum ttl; after one
	// session rebuild the short token is accepted instead of looping.
	client, err := factory.GetAuthdClient(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s.login", client.Auth().CurrentToken(ctx).ID)
	assert.Equal(t, 2, fv.logins)
	// The secret-id survived the session-scope rebuild.
	assert.Equal(t, 1, issuer.callCount(IssueOpGenerateSecretID))
}

func TestFactoryClearCacheRevokesAndEmits(t *testing.T) {
	stubNow(t, time.Unix(1700000000, 0))
	fv, srv := newFakeVault(t)
	sink := &recordSink{}
	factory, issuer := newAppRoleFactory(t, srv.URL, sink)
	ctx := context.Background()

	_, err := factory.GetAuthdClient(ctx)
	require.NoError(t, err)

	require.NoError(t, factory.ClearCache(ctx, true))
	assert.Contains(t, sink.tags(), "vault/cache/connection/clear")
	// The cached session token was offered for revocation first.
	assert.Equal(t, []string{"60s"}, fv.revokeIncs)

	// Connection scope is gone: the next client is built from scratch.
	_, err = factory.GetAuthdClient(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, issuer.callCount(IssueOpGetConfig))
	assert.Equal(t, 2, issuer.callCount(IssueOpGenerateSecretID))
	assert.Equal(t, 2, fv.logins)
}

func TestFactoryClearCacheDropsCachedLeases(t *testing.T) {
	stubNow(t, time.Unix(1700000000, 0))
	_, srv := newFakeVault(t)
	factory, _ := newAppRoleFactory(t, srv.URL, nil)
	ctx := context.Background()

	store, err := factory.GetLeaseStore(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Store(ctx, "db", testLease("lease-1", 600)))

	// A connection-scope clear takes the nested lease bank with it.
	require.NoError(t, factory.ClearCache(ctx, true))
	store, err = factory.GetLeaseStore(ctx)
	require.NoError(t, err)
	lease, err := store.Get(ctx, "db", 0, nil)
	require.NoError(t, err)
	assert.Nil(t, lease)

	// So does a session-scope clear: leases die with their token.
	require.NoError(t, store.Store(ctx, "db", testLease("lease-2", 600)))
	require.NoError(t, factory.ClearCache(ctx, false))
	store, err = factory.GetLeaseStore(ctx)
	require.NoError(t, err)
	lease, err = store.Get(ctx, "db", 0, nil)
	require.NoError(t, err)
	assert.Nil(t, lease)
}

func TestFactorySingleUseSecretIDNeverCached(t *testing.T) {
	stubNow(t, time.Unix(1700000000, 0))
	fv, srv := newFakeVault(t)
	factory, issuer := newAppRoleFactory(t, srv.URL, nil)
	issuer.replies[IssueOpGenerateSecretID] = map[string]any{
		"data": map[string]any{"secret_id": "sid-once", "secret_id_num_uses": float64(1)},
	}
	ctx := context.Background()

	client, err := factory.GetAuthdClient(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s.login", client.Auth().CurrentToken(ctx).ID)
	assert.Equal(t, 1, fv.logins)

	// The single-use secret-id was consumed by the login, never stored.
	sidCache := NewSecretIDCache(factory.procCtx, nil, bankConnection, secretIDCKey, nil)
	cachedSid, err := sidCache.Get(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, cachedSid)

	// The resulting token is cached and reused without a second exchange.
	tokenCache := NewTokenCache(factory.procCtx, nil, bankSession, tokenCKey, nil, nil)
	token, err := tokenCache.Get(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "s.login", token.ID)

	again, err := factory.GetAuthdClient(ctx)
	require.NoError(t, err)
	assert.Same(t, client, again)
	assert.Equal(t, 1, fv.logins)
	assert.Equal(t, 1, issuer.callCount(IssueOpGenerateSecretID))
}

func TestFactoryUpdateConfig(t *testing.T) {
	stubNow(t, time.Unix(1700000000, 0))
	sink := &recordSink{}
	base := &Config{
		Auth:   AuthConfig{Method: AuthMethodToken, Token: "s.static"},
		Server: ServerConfig{URL: "https://vault.example.com"},
		Cache:  CacheConfig{ExpireEvents: true},
	}
	procCtx := NewContext()
	factory, err := NewFactory(procCtx, WithLocalConfig(base), WithFactoryEvents(sink))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = factory.GetConfig(ctx)
	require.NoError(t, err)

	// An unchanged configuration is a no-op: nothing is cleared.
	require.NoError(t, factory.UpdateConfig(ctx, base.Clone(), false))
	assert.Empty(t, sink.tags())

	tokenCache := NewTokenCache(procCtx, nil, bankSession, tokenCKey, nil, nil)
	require.NoError(t, tokenCache.Store(ctx, testToken("s.keep", 600, 0)))

	changed := base.Clone()
	changed.Server.Namespace = "ns2"
	require.NoError(t, factory.UpdateConfig(ctx, changed, true))
	assert.Contains(t, sink.tags(), "vault/cache/connection/clear")

	cfg, err := factory.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ns2", cfg.Server.Namespace)

	// keepSession carried the token across the connection rebuild.
	kept, err := tokenCache.Get(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, "s.keep", kept.ID)
}

func TestFactoryReadKVRetriesAfterDenial(t *testing.T) {
	stubNow(t, time.Unix(1700000000, 0))
	fv, srv := newFakeVault(t)
	fv.secretDenials = 1
	factory, _ := newAppRoleFactory(t, srv.URL, nil)
	ctx := context.Background()

	data, err := factory.ReadKV(ctx, "secret/foo", false)
	require.NoError(t, err)
	assert.Equal(t, "v", data["k"])
	// The denial cleared the connection and forced a fresh login.
	assert.Equal(t, 2, fv.logins)
}

func TestFactoryExpandedPolicies(t *testing.T) {
	factory, err := NewFactory(NewContext(), WithLocalConfig(&Config{
		Auth:   AuthConfig{Method: AuthMethodToken, Token: "s.static"},
		Server: ServerConfig{URL: "https://vault.example.com"},
		Policies: map[string]any{
			"assign": []any{"{role}-Admin", "static"},
		},
	}))
	require.NoError(t, err)

	policies, err := factory.ExpandedPolicies(context.Background(), map[string]any{
		"role": []any{"Web", "db"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"db-admin", "static", "web-admin"}, policies)
}
