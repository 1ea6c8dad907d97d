// Package discovery implements the Discovery Client: locating a peer's
// endpoint and public key by trying, in order, DNS TXT, DNS SRV, the peer's
// own `.well-known/ai2ai.json`, and a central Registry REST lookup, per
// component C11.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// Result is what a successful lookup resolves a peer to. PublicKey is the
// peer's Ed25519 identity key (base64), used for signature verification and
// the fingerprint, not for payload encryption: a peer's X25519 key becomes
// known to this node only through an explicit ping round trip (the
// orchestrator's Ping, and the descriptor exchanged by an inbound ping),
// recorded directly in the Contact Registry.
type Result struct {
	Endpoint    string
	PublicKey   string
	Fingerprint string
}

// Method is one resolution strategy tried in order by Client.Resolve.
type Method interface {
	// Lookup attempts to resolve domain. ok is false (with a nil error) when
	// this method simply found nothing, as opposed to an operational error.
	Lookup(ctx context.Context, domain string) (result Result, ok bool, err error)
}

// Client tries each configured Method in order and returns the first match,
// collapsing concurrent lookups for the same domain via singleflight.
type Client struct {
	methods []Method
	group   singleflight.Group

	cacheTTL time.Duration
	cache    *resultCache
}

// NewClient builds a discovery client trying methods in the given order.
func NewClient(cacheTTL time.Duration, methods ...Method) *Client {
	return &Client{
		methods:  methods,
		cacheTTL: cacheTTL,
		cache:    newResultCache(),
	}
}

// ErrNotFound is returned when no configured method resolves domain.
var ErrNotFound = fmt.Errorf("discovery: no method resolved domain")

// Resolve locates domain's endpoint and identity key by trying each
// configured method in order, returning the first match. Concurrent
// lookups for the same domain are collapsed via singleflight, and
// successful results are cached for cacheTTL.
func (c *Client) Resolve(ctx context.Context, domain string) (Result, error) {
	if cached, ok := c.cache.get(domain); ok {
		return cached, nil
	}

	v, err, _ := c.group.Do(domain, func() (interface{}, error) {
		for _, m := range c.methods {
			result, ok, mErr := m.Lookup(ctx, domain)
			if mErr != nil {
				continue
			}
			if ok {
				return result, nil
			}
		}
		return Result{}, ErrNotFound
	})
	if err != nil {
		return Result{}, err
	}

	result := v.(Result)
	c.cache.put(domain, result, c.cacheTTL)
	return result, nil
}

// dnsTXTMethod resolves `_ai2ai.<domain>` TXT records of the form
// `endpoint=<url>` (or the legacy `ai2ai=<url>`).
type dnsTXTMethod struct {
	resolver *net.Resolver
}

// NewDNSTXTMethod builds the DNS TXT resolution method.
func NewDNSTXTMethod(resolver *net.Resolver) Method {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &dnsTXTMethod{resolver: resolver}
}

func (m *dnsTXTMethod) Lookup(ctx context.Context, domain string) (Result, bool, error) {
	records, err := m.resolver.LookupTXT(ctx, "_ai2ai."+domain)
	if err != nil {
		return Result{}, false, nil
	}
	for _, rec := range records {
		if endpoint, ok := strings.CutPrefix(rec, "endpoint="); ok {
			return Result{Endpoint: endpoint}, true, nil
		}
		if endpoint, ok := strings.CutPrefix(rec, "ai2ai="); ok {
			return Result{Endpoint: endpoint}, true, nil
		}
	}
	return Result{}, false, nil
}

// dnsSRVMethod resolves `_ai2ai._tcp.<domain>` SRV records.
type dnsSRVMethod struct {
	resolver *net.Resolver
}

// NewDNSSRVMethod builds the DNS SRV resolution method.
func NewDNSSRVMethod(resolver *net.Resolver) Method {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &dnsSRVMethod{resolver: resolver}
}

func (m *dnsSRVMethod) Lookup(ctx context.Context, domain string) (Result, bool, error) {
	_, addrs, err := m.resolver.LookupSRV(ctx, "ai2ai", "tcp", domain)
	if err != nil || len(addrs) == 0 {
		return Result{}, false, nil
	}
	target := strings.TrimSuffix(addrs[0].Target, ".")
	endpoint := fmt.Sprintf("https://%s:%d/ai2ai", target, addrs[0].Port)
	return Result{Endpoint: endpoint}, true, nil
}

// wellKnownMethod fetches GET https://<domain>/.well-known/ai2ai.json.
type wellKnownMethod struct {
	client *http.Client
	scheme string
}

// NewWellKnownMethod builds the HTTPS .well-known resolution method, with
// the 10s timeout specified in §4.11.
func NewWellKnownMethod(client *http.Client) Method {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &wellKnownMethod{client: client, scheme: "https"}
}

type wellKnownDocument struct {
	Endpoint    string `json:"endpoint"`
	PublicKey   string `json:"publicKey"`
	Fingerprint string `json:"fingerprint"`
}

func (m *wellKnownMethod) Lookup(ctx context.Context, domain string) (Result, bool, error) {
	url := fmt.Sprintf("%s://%s/.well-known/ai2ai.json", m.scheme, domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, false, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return Result{}, false, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, false, nil
	}

	var doc wellKnownDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil || doc.Endpoint == "" {
		return Result{}, false, nil
	}
	return Result{Endpoint: doc.Endpoint, PublicKey: doc.PublicKey, Fingerprint: doc.Fingerprint}, true, nil
}
