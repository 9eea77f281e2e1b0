package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubNow pins the package clock for deterministic validity arithmetic.
func stubNow(t *testing.T, now time.Time) {
	t.Helper()
	orig := timeNow
	timeNow = func() time.Time { return now }
	t.Cleanup(func() { timeNow = orig })
}

// newTestClient creates an unauthenticated client against a test server.
func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, "", "", WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return client, srv
}

// decodeJSONBody decodes a request body into out.
func decodeJSONBody(t *testing.T, r *http.Request, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(r.Body).Decode(out))
}

// writeJSON writes a JSON response body.
func writeJSON(t *testing.T, w http.ResponseWriter, status int, body map[string]any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(body))
}

// recordSink collects emitted events for assertions.
type recordSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	tag  string
	data map[string]any
}

func (s *recordSink) Emit(tag string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{tag: tag, data: data})
}

func (s *recordSink) tags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.tag)
	}
	return out
}

// memBackend is an in-memory CacheBackend with controllable timestamps.
type memBackend struct {
	mu      sync.Mutex
	data    map[string][]byte
	updated map[string]time.Time
}

func newMemBackend() *memBackend {
	return &memBackend{
		data:    make(map[string][]byte),
		updated: make(map[string]time.Time),
	}
}

func (b *memBackend) key(bank, key string) string {
	return bank + "/" + key
}

func (b *memBackend) Contains(_ context.Context, bank, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.data[b.key(bank, key)]
	return ok, nil
}

func (b *memBackend) Fetch(_ context.Context, bank, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data[b.key(bank, key)], nil
}

func (b *memBackend) Store(_ context.Context, bank, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[b.key(bank, key)] = value
	b.updated[b.key(bank, key)] = time.Now()
	return nil
}

func (b *memBackend) Flush(_ context.Context, bank, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if key != "" {
		delete(b.data, b.key(bank, key))
		delete(b.updated, b.key(bank, key))
		return nil
	}
	prefix := bank + "/"
	for k := range b.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(b.data, k)
			delete(b.updated, k)
		}
	}
	return nil
}

func (b *memBackend) Updated(_ context.Context, bank, key string) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updated[b.key(bank, key)], nil
}

func (b *memBackend) List(_ context.Context, bank string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prefix := bank + "/"
	var out []string
	for k := range b.data {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			name := k[len(prefix):]
			if !containsSlash(name) {
				out = append(out, name)
			}
		}
	}
	return out, nil
}

func containsSlash(s string) bool {
	for _, r := range s {
		if r == '/' {
			return true
		}
	}
	return false
}

var _ CacheBackend = (*memBackend)(nil)

// staticAuth is a minimal AuthMethod serving a fixed token.
type staticAuth struct {
	token *Token
	uses  int
}

func (a *staticAuth) GetToken(context.Context) (*Token, error) {
	return a.token, nil
}

func (a *staticAuth) CurrentToken(context.Context) *Token {
	return a.token
}

func (a *staticAuth) Used(context.Context) error {
	a.uses++
	a.token.Use()
	return nil
}

func (a *staticAuth) UpdateToken(_ context.Context, auth map[string]any) error {
	token, err := a.token.WithRenewed(auth)
	if err != nil {
		return err
	}
	a.token = token
	return nil
}

var _ AuthMethod = (*staticAuth)(nil)

// testToken builds a token valid for ttl seconds with optional use limit.
func testToken(id string, ttl int64, numUses int) *Token {
	now := timeNow().Unix()
	return &Token{
		LeaseBase: LeaseBase{
			ID:           id,
			Renewable:    true,
			Duration:     ttl,
			CreationTime: now,
			ExpireTime:   now + ttl,
		},
		UseCount: UseCount{NumUses: numUses},
	}
}

// fakeIssuer replies from a per-operation table.
type fakeIssuer struct {
	mu      sync.Mutex
	replies map[string]map[string]any
	errs    map[string]error
	calls   map[string]int
}

func newFakeIssuer() *fakeIssuer {
	return &fakeIssuer{
		replies: make(map[string]map[string]any),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeIssuer) Issue(_ context.Context, op string, _ map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if err := f.errs[op]; err != nil {
		return nil, err
	}
	return f.replies[op], nil
}

func (f *fakeIssuer) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

var _ Issuer = (*fakeIssuer)(nil)
