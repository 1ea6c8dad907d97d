// Package security implements the inbound envelope filter chain: blocklist,
// rate limit, expiry, nonce replay, shape validation, signature verification,
// and dedup, applied in that normative order.
package security

import (
	"crypto/ed25519"
	"time"

	"github.com/ai2ai-project/ai2ai-node/envelope"
)

// Reason identifies why a filter rejected (or specially accepted) an
// envelope, mapped to an HTTP status by the ingress pipeline.
type Reason string

const (
	ReasonOK                Reason = "ok"
	ReasonDuplicate         Reason = "duplicate"
	ReasonBlocked           Reason = "blocked"
	ReasonRateLimited       Reason = "rate_limited"
	ReasonMessageExpired    Reason = "message_expired"
	ReasonReplayDetected    Reason = "replay_detected"
	ReasonInvalidEnvelope   Reason = "invalid_envelope"
	ReasonInvalidSignature  Reason = "invalid_signature"
	ReasonDecryptionFailed  Reason = "decryption_failed"
)

// HTTPStatus returns the status code the ingress pipeline reports for r.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonOK, ReasonDuplicate:
		return 200
	case ReasonInvalidEnvelope, ReasonMessageExpired, ReasonReplayDetected, ReasonDecryptionFailed:
		return 400
	case ReasonBlocked, ReasonInvalidSignature:
		return 403
	case ReasonRateLimited:
		return 429
	default:
		return 500
	}
}

// Result is the outcome of running an envelope through the chain.
type Result struct {
	Reason Reason
	Err    error
}

func accept() Result                { return Result{Reason: ReasonOK} }
func reject(r Reason, err error) Result { return Result{Reason: r, Err: err} }

// BlocklistChecker reports whether from is blocked. Satisfied by
// *contacts.Registry.
type BlocklistChecker interface {
	IsBlocked(agentID string) bool
}

// KeyResolver returns the candidate Ed25519 public keys accepted for agentID
// (current + previous, per key rotation), or ok=false if unknown.
type KeyResolver interface {
	AcceptedSigningKeys(agentID string) ([]ed25519.PublicKey, bool)
}

// Config bundles the filter chain's tunables; all have spec-defined
// defaults applied by the config package.
type Config struct {
	RateLimitMax     int
	RateLimitWindow  time.Duration
	MessageTTL       time.Duration
	NonceRetention   time.Duration
	VerifyCacheTTL   time.Duration
	DedupTTL         time.Duration
	DedupMaxEntries  int
	AcceptedVersions []string
}

// Chain is the ordered inbound filter pipeline described in component C4.
type Chain struct {
	cfg Config

	blocklist BlocklistChecker
	keys      KeyResolver

	rate   *rateLimiter
	nonces *nonceCache
	verify *verifyCache
	dedup  *dedupCache
}

// NewChain builds a filter chain. blocklist and keys may be nil in tests
// that only want to exercise the stateless filters.
func NewChain(cfg Config, blocklist BlocklistChecker, keys KeyResolver) *Chain {
	return &Chain{
		cfg:       cfg,
		blocklist: blocklist,
		keys:      keys,
		rate:      newRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		nonces:    newNonceCache(cfg.NonceRetention),
		verify:    newVerifyCache(cfg.VerifyCacheTTL),
		dedup:     newDedupCache(cfg.DedupTTL, cfg.DedupMaxEntries),
	}
}

// Close stops background goroutines owned by the chain.
func (c *Chain) Close() {
	c.nonces.close()
}

// Check runs env through the filter chain in normative order, short-
// circuiting on the first failure. signedBytes and signature are the
// envelope's canonical signed subset and the raw signature bytes, used for
// verification and its cache.
func (c *Chain) Check(env *envelope.Envelope, signedBytes, signature []byte) Result {
	if c.blocklist != nil && c.blocklist.IsBlocked(env.From.Agent) {
		return reject(ReasonBlocked, nil)
	}

	c.rate.evictStale()
	if !c.rate.allow(env.From.Agent) {
		return reject(ReasonRateLimited, nil)
	}

	if err := checkExpiry(env, c.cfg.MessageTTL); err != nil {
		return reject(ReasonMessageExpired, err)
	}

	if env.Nonce != "" && c.nonces.seen(env.From.Agent, env.Nonce) {
		return reject(ReasonReplayDetected, nil)
	}

	if err := env.Validate(c.cfg.AcceptedVersions); err != nil {
		return reject(ReasonInvalidEnvelope, err)
	}

	if c.keys != nil {
		candidates, known := c.keys.AcceptedSigningKeys(env.From.Agent)
		if known {
			if err := c.verifySignature(candidates, signedBytes, signature); err != nil {
				return reject(ReasonInvalidSignature, err)
			}
		}
	}

	if c.dedup.seen(env.ID) {
		return reject(ReasonDuplicate, nil)
	}

	return accept()
}

func (c *Chain) verifySignature(candidates []ed25519.PublicKey, signedBytes, signature []byte) error {
	for _, pub := range candidates {
		if c.verify.hit(signature, pub) {
			return nil
		}
	}
	for _, pub := range candidates {
		if ed25519.Verify(pub, signedBytes, signature) {
			c.verify.remember(signature, pub)
			return nil
		}
	}
	return envelope.ErrInvalidSignature
}

func checkExpiry(env *envelope.Envelope, messageTTL time.Duration) error {
	now := time.Now().UTC()
	if now.Sub(env.Timestamp) > messageTTL {
		return envelope.ErrInvalidEnvelope
	}
	if env.ExpiresAt != nil && !now.Before(*env.ExpiresAt) {
		return envelope.ErrInvalidEnvelope
	}
	return nil
}
