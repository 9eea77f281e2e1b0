package vault

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLeaseStore(t *testing.T, handler http.Handler) (*LeaseStore, *LeaseCache, *recordSink) {
	t.Helper()
	stubNow(t, time.Unix(1700000000, 0))
	base, _ := newTestClient(t, handler)
	client := NewAuthenticatedClient(base, &staticAuth{token: testToken("s.tok", 3600, 0)})
	sink := &recordSink{}
	cache := NewLeaseCache(NewContext(), nil, bankLeases, 0, sink, nil)
	return NewLeaseStore(client, cache, sink, nil), cache, sink
}

// renewRecorder serves sys/leases/renew, recording request payloads and
// delegating the reply to a per-call function.
func renewRecorder(t *testing.T, reply func(call int, payload map[string]any) (int, map[string]any)) (http.Handler, *[]map[string]any) {
	var mu sync.Mutex
	payloads := &[]map[string]any{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/sys/leases/renew", r.URL.Path)
		var payload map[string]any
		decodeJSONBody(t, r, &payload)
		mu.Lock()
		*payloads = append(*payloads, payload)
		call := len(*payloads)
		mu.Unlock()
		status, body := reply(call, payload)
		writeJSON(t, w, status, body)
	})
	return handler, payloads
}

func testLease(id string, ttl int64) *Lease {
	now := timeNow().Unix()
	return &Lease{
		LeaseBase: LeaseBase{
			ID:           id,
			Renewable:    true,
			Duration:     ttl,
			CreationTime: now,
			ExpireTime:   now + ttl,
		},
		Data: map[string]any{"username": "u", "password": "p"},
	}
}

func TestLeaseStoreGetRejectsUndersizedIncrement(t *testing.T) {
	store, _, _ := newTestLeaseStore(t, http.NotFoundHandler())

	_, err := store.Get(context.Background(), "db", 200, &LeaseGetOptions{RenewIncrement: 100})
	require.ErrorIs(t, err, ErrInvocation)
}

func TestLeaseStoreGetValidCached(t *testing.T) {
	store, cache, _ := newTestLeaseStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for a lease that already satisfies valid_for")
	}))
	ctx := context.Background()
	require.NoError(t, cache.Store(ctx, "db", testLease("lease-1", 600)))

	lease, err := store.Get(ctx, "db", 300, nil)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "lease-1", lease.ID)
	assert.Equal(t, "p", lease.Data["password"])
}

func TestLeaseStoreGetMiss(t *testing.T) {
	store, _, _ := newTestLeaseStore(t, http.NotFoundHandler())

	lease, err := store.Get(context.Background(), "db", 300, nil)
	require.NoError(t, err)
	assert.Nil(t, lease)
}

func TestLeaseStoreGetTwoStepRenewal(t *testing.T) {
	handler, payloads := renewRecorder(t, func(call int, payload map[string]any) (int, map[string]any) {
		if call == 1 {
			// The server-chosen increment falls short of valid_for.
			return http.StatusOK, map[string]any{"lease_id": "lease-1", "renewable": true, "lease_duration": float64(1337)}
		}
		return http.StatusOK, map[string]any{"lease_id": "lease-1", "renewable": true, "lease_duration": float64(2000)}
	})
	store, cache, _ := newTestLeaseStore(t, handler)
	ctx := context.Background()
	require.NoError(t, cache.Store(ctx, "db", testLease("lease-1", 100)))

	lease, err := store.Get(ctx, "db", 2000, nil)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, int64(1700000000+2000), lease.ExpireTime)
	assert.Equal(t, "p", lease.Data["password"])

	require.Len(t, *payloads, 2)
	_, hasIncrement := (*payloads)[0]["increment"]
	assert.False(t, hasIncrement)
	assert.EqualValues(t, 2000, (*payloads)[1]["increment"])

	// The stretched lease was written back.
	cached, err := cache.Get(ctx, "db", 0, 0, true)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, int64(1700000000+2000), cached.ExpireTime)
}

func TestLeaseStoreGetExplicitIncrementUndercut(t *testing.T) {
	handler, payloads := renewRecorder(t, func(call int, payload map[string]any) (int, map[string]any) {
		return http.StatusOK, map[string]any{"lease_id": "lease-1", "renewable": true, "lease_duration": float64(60)}
	})
	store, cache, sink := newTestLeaseStore(t, handler)
	ctx := context.Background()
	require.NoError(t, cache.Store(ctx, "db", testLease("lease-1", 100)))

	lease, err := store.Get(ctx, "db", 300, &LeaseGetOptions{RenewIncrement: 300})
	require.NoError(t, err)
	assert.Nil(t, lease)

	// One renewal attempt, then the revocation; no second stretch when
	// the explicit increment was already ignored.
	require.Len(t, *payloads, 2)
	assert.EqualValues(t, 300, (*payloads)[0]["increment"])
	assert.EqualValues(t, DefaultRevokeDelay, (*payloads)[1]["increment"])

	assert.Contains(t, sink.tags(), "vault/lease/db/expire")
	for _, e := range sink.events {
		if e.tag == "vault/lease/db/expire" {
			// The renewal left 60s of the requested 300s.
			assert.EqualValues(t, 240, e.data["shortfall"])
		}
	}

	cached, err := cache.Get(ctx, "db", 0, 0, true)
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestLeaseStoreGetNoRenew(t *testing.T) {
	store, cache, sink := newTestLeaseStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected with renewal and revocation disabled")
	}))
	ctx := context.Background()
	require.NoError(t, cache.Store(ctx, "db", testLease("lease-1", 100)))

	lease, err := store.Get(ctx, "db", 300, &LeaseGetOptions{NoRenew: true, NoRevoke: true})
	require.NoError(t, err)
	assert.Nil(t, lease)
	assert.Contains(t, sink.tags(), "vault/lease/db/expire")

	cached, err := cache.Get(ctx, "db", 0, 0, true)
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestLeaseStoreGetRenewalOfForgottenLease(t *testing.T) {
	handler, _ := renewRecorder(t, func(call int, payload map[string]any) (int, map[string]any) {
		return http.StatusNotFound, map[string]any{"errors": []any{"lease not found"}}
	})
	store, cache, _ := newTestLeaseStore(t, handler)
	ctx := context.Background()

	// Expiring in 50s but issued with a 600s period: the local renewal
	// fallback restarts the validity window.
	lease := testLease("lease-1", 600)
	lease.ExpireTime = timeNow().Unix() + 50
	require.NoError(t, cache.Store(ctx, "db", lease))

	got, err := store.Get(ctx, "db", 300, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1700000000+600), got.ExpireTime)
	assert.Equal(t, "p", got.Data["password"])
}

func TestLeaseStoreLookup(t *testing.T) {
	store, _, _ := newTestLeaseStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/sys/leases/lookup", r.URL.Path)
		var payload map[string]any
		decodeJSONBody(t, r, &payload)
		assert.Equal(t, "lease-1", payload["lease_id"])
		writeJSON(t, w, http.StatusOK, map[string]any{
			"data": map[string]any{"id": "lease-1", "ttl": float64(120)},
		})
	}))

	data, err := store.Lookup(context.Background(), "lease-1")
	require.NoError(t, err)
	assert.Equal(t, "lease-1", data["id"])
}

func TestLeaseStoreRevoke(t *testing.T) {
	handler, payloads := renewRecorder(t, func(call int, payload map[string]any) (int, map[string]any) {
		return http.StatusOK, map[string]any{"lease_id": "lease-1", "lease_duration": float64(1)}
	})
	store, _, _ := newTestLeaseStore(t, handler)

	require.NoError(t, store.Revoke(context.Background(), "lease-1", 0))
	require.Len(t, *payloads, 1)
	// A non-positive delay still shrinks validity to the minimum.
	assert.EqualValues(t, 1, (*payloads)[0]["increment"])
}

func TestLeaseStoreRevokeMissingIsSoftSuccess(t *testing.T) {
	handler, _ := renewRecorder(t, func(call int, payload map[string]any) (int, map[string]any) {
		return http.StatusNotFound, map[string]any{"errors": []any{"lease not found"}}
	})
	store, _, _ := newTestLeaseStore(t, handler)

	require.NoError(t, store.Revoke(context.Background(), "lease-1", 60))
}

func TestLeaseStoreStoreSanitizesKey(t *testing.T) {
	store, _, _ := newTestLeaseStore(t, http.NotFoundHandler())
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "database/creds/readonly", testLease("lease-1", 600)))

	keys, err := store.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys, "database.creds.readonly")
}

func TestLeaseStoreRenewCached(t *testing.T) {
	handler, payloads := renewRecorder(t, func(call int, payload map[string]any) (int, map[string]any) {
		return http.StatusOK, map[string]any{"renewable": true, "lease_duration": float64(900)}
	})
	store, cache, _ := newTestLeaseStore(t, handler)
	ctx := context.Background()
	require.NoError(t, cache.Store(ctx, "db.alpha", testLease("lease-a", 100)))
	require.NoError(t, cache.Store(ctx, "db.beta", testLease("lease-b", 100)))
	require.NoError(t, cache.Store(ctx, "mq.gamma", testLease("lease-c", 100)))

	require.NoError(t, store.RenewCached(ctx, "db.*", 900))
	assert.Len(t, *payloads, 2)

	for _, key := range []string{"db.alpha", "db.beta"} {
		lease, err := cache.Get(ctx, key, 0, 0, true)
		require.NoError(t, err)
		require.NotNil(t, lease)
		assert.Equal(t, int64(1700000000+900), lease.ExpireTime, key)
	}
	untouched, err := cache.Get(ctx, "mq.gamma", 0, 0, true)
	require.NoError(t, err)
	require.NotNil(t, untouched)
	assert.Equal(t, int64(1700000000+100), untouched.ExpireTime)
}

func TestLeaseStoreRevokeCachedContinuesPastFailures(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		decodeJSONBody(t, r, &payload)
		if payload["lease_id"] == "lease-a" {
			writeJSON(t, w, http.StatusInternalServerError, map[string]any{"errors": []any{"backend down"}})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{"lease_duration": float64(60)})
	})
	store, cache, _ := newTestLeaseStore(t, handler)
	ctx := context.Background()
	require.NoError(t, cache.Store(ctx, "db.alpha", testLease("lease-a", 600)))
	require.NoError(t, cache.Store(ctx, "db.beta", testLease("lease-b", 600)))

	err := store.RevokeCached(ctx, "db.*", 60)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db.alpha")

	// The failed key stays cached, the successful one is gone.
	alpha, err := cache.Get(ctx, "db.alpha", 0, 0, true)
	require.NoError(t, err)
	assert.NotNil(t, alpha)
	beta, err := cache.Get(ctx, "db.beta", 0, 0, true)
	require.NoError(t, err)
	assert.Nil(t, beta)
}
