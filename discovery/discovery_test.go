package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ai2ai-project/ai2ai-node/contacts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMethod struct {
	calls  int32
	result Result
	ok     bool
	err    error
}

func (f *fakeMethod) Lookup(ctx context.Context, domain string) (Result, bool, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.result, f.ok, f.err
}

func TestResolveTriesMethodsInOrderAndStopsAtFirstMatch(t *testing.T) {
	miss := &fakeMethod{ok: false}
	hit := &fakeMethod{ok: true, result: Result{Endpoint: "https://a.example/ai2ai"}}
	never := &fakeMethod{ok: true, result: Result{Endpoint: "https://should-not-be-used"}}

	client := NewClient(time.Minute, miss, hit, never)
	result, err := client.Resolve(context.Background(), "a.example")
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/ai2ai", result.Endpoint)
	assert.EqualValues(t, 0, atomic.LoadInt32(&never.calls), "methods after the first match must not run")
}

func TestResolveReturnsNotFoundWhenNoMethodMatches(t *testing.T) {
	client := NewClient(time.Minute, &fakeMethod{ok: false}, &fakeMethod{ok: false})
	_, err := client.Resolve(context.Background(), "ghost.example")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveCachesSuccessfulResult(t *testing.T) {
	hit := &fakeMethod{ok: true, result: Result{Endpoint: "https://a.example/ai2ai"}}
	client := NewClient(time.Minute, hit)

	_, err := client.Resolve(context.Background(), "a.example")
	require.NoError(t, err)
	_, err = client.Resolve(context.Background(), "a.example")
	require.NoError(t, err)

	assert.EqualValues(t, 1, hit.calls, "second resolve should be served from cache")
}

func TestWellKnownMethodParsesDescriptor(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/ai2ai.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(wellKnownDocument{
			Endpoint:    "https://peer.example/ai2ai",
			PublicKey:   "edpub",
			Fingerprint: "fp:1234",
		})
	}))
	defer ts.Close()

	method := &wellKnownMethod{client: ts.Client(), scheme: "http"}
	domain := strings.TrimPrefix(ts.URL, "http://")

	result, ok, err := method.Lookup(context.Background(), domain)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://peer.example/ai2ai", result.Endpoint)
	assert.Equal(t, "edpub", result.PublicKey)
	assert.Equal(t, "fp:1234", result.Fingerprint)
}

func TestResolverPrefersContactRegistry(t *testing.T) {
	registry, err := contacts.Open(t.TempDir())
	require.NoError(t, err)
	_, err = registry.Upsert("agent-a", contacts.Update{Endpoint: "https://cached.example/ai2ai", XPublicKey: "xpub"})
	require.NoError(t, err)

	resolver := NewResolver(registry, nil)
	endpoint, xpub, err := resolver.Resolve(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.Equal(t, "https://cached.example/ai2ai", endpoint)
	assert.Equal(t, "xpub", xpub)
}

func TestResolverFallsBackToDiscoveryOnMiss(t *testing.T) {
	registry, err := contacts.Open(t.TempDir())
	require.NoError(t, err)

	hit := &fakeMethod{ok: true, result: Result{Endpoint: "https://discovered.example/ai2ai", PublicKey: "edpub"}}
	discoveryClient := NewClient(time.Minute, hit)

	resolver := NewResolver(registry, discoveryClient)
	endpoint, xpub, err := resolver.Resolve(context.Background(), "agent-b")
	require.NoError(t, err)
	assert.Equal(t, "https://discovered.example/ai2ai", endpoint)
	assert.Empty(t, xpub, "discovery never learns an encryption key, only identity")

	cached, err := registry.Get("agent-b")
	require.NoError(t, err)
	assert.Equal(t, "https://discovered.example/ai2ai", cached.Endpoint)
	assert.Equal(t, "edpub", cached.EdPublicKey)
}

func TestResolverReturnsErrorWhenNoDiscoveryConfigured(t *testing.T) {
	registry, err := contacts.Open(t.TempDir())
	require.NoError(t, err)

	resolver := NewResolver(registry, nil)
	_, _, err = resolver.Resolve(context.Background(), "agent-ghost")
	assert.Error(t, err)
}
