package security

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/ai2ai-project/ai2ai-node/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBlocklist struct{ blocked map[string]bool }

func (f fakeBlocklist) IsBlocked(agent string) bool { return f.blocked[agent] }

type fakeKeyResolver struct {
	keys map[string][]ed25519.PublicKey
}

func (f fakeKeyResolver) AcceptedSigningKeys(agent string) ([]ed25519.PublicKey, bool) {
	k, ok := f.keys[agent]
	return k, ok
}

func testConfig() Config {
	return Config{
		RateLimitMax:     20,
		RateLimitWindow:  time.Minute,
		MessageTTL:       24 * time.Hour,
		NonceRetention:   time.Hour,
		VerifyCacheTTL:   5 * time.Minute,
		DedupTTL:         time.Hour,
		DedupMaxEntries:  10000,
		AcceptedVersions: []string{"1.0", "0.1"},
	}
}

func signedEnvelope(t *testing.T, from string) (*envelope.Envelope, ed25519.PublicKey, ed25519.PrivateKey, []byte, []byte) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	nonce, err := envelope.NewNonce()
	require.NoError(t, err)

	env := &envelope.Envelope{
		ProtoVersion: envelope.CurrentProtoVersion,
		ID:           envelope.NewID(),
		Nonce:        nonce,
		Timestamp:    time.Now().UTC(),
		From:         envelope.Identity{Agent: from},
		To:           envelope.Recipient{Agent: "agent-b"},
		Conversation: envelope.NewID(),
		Type:         envelope.TypePing,
		Payload:      []byte(`{}`),
	}
	signedBytes, err := envelope.Canonicalize(env)
	require.NoError(t, err)
	signature := ed25519.Sign(priv, signedBytes)
	env.Signature = ""

	return env, pub, priv, signedBytes, signature
}

func TestChainAcceptsFreshValidEnvelope(t *testing.T) {
	env, pub, _, signedBytes, sig := signedEnvelope(t, "agent-a")
	chain := NewChain(testConfig(), fakeBlocklist{}, fakeKeyResolver{keys: map[string][]ed25519.PublicKey{"agent-a": {pub}}})
	defer chain.Close()

	res := chain.Check(env, signedBytes, sig)
	assert.Equal(t, ReasonOK, res.Reason)
}

func TestChainRejectsBlockedSender(t *testing.T) {
	env, _, _, signedBytes, sig := signedEnvelope(t, "agent-a")
	chain := NewChain(testConfig(), fakeBlocklist{blocked: map[string]bool{"agent-a": true}}, fakeKeyResolver{})
	defer chain.Close()

	res := chain.Check(env, signedBytes, sig)
	assert.Equal(t, ReasonBlocked, res.Reason)
	assert.Equal(t, 403, res.Reason.HTTPStatus())
}

func TestChainRejectsRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitMax = 1
	chain := NewChain(cfg, fakeBlocklist{}, fakeKeyResolver{})
	defer chain.Close()

	env1, _, _, sb1, sig1 := signedEnvelope(t, "agent-a")
	res := chain.Check(env1, sb1, sig1)
	require.Equal(t, ReasonOK, res.Reason)

	env2, _, _, sb2, sig2 := signedEnvelope(t, "agent-a")
	res = chain.Check(env2, sb2, sig2)
	assert.Equal(t, ReasonRateLimited, res.Reason)
}

func TestChainRejectsExpiredMessage(t *testing.T) {
	cfg := testConfig()
	cfg.MessageTTL = time.Millisecond
	chain := NewChain(cfg, fakeBlocklist{}, fakeKeyResolver{})
	defer chain.Close()

	env, _, _, signedBytes, sig := signedEnvelope(t, "agent-a")
	time.Sleep(5 * time.Millisecond)

	res := chain.Check(env, signedBytes, sig)
	assert.Equal(t, ReasonMessageExpired, res.Reason)
}

func TestChainRejectsReplayedNonce(t *testing.T) {
	chain := NewChain(testConfig(), fakeBlocklist{}, fakeKeyResolver{})
	defer chain.Close()

	env, pub, priv, signedBytes, sig := signedEnvelope(t, "agent-a")
	_ = pub
	_ = priv
	res := chain.Check(env, signedBytes, sig)
	require.Equal(t, ReasonOK, res.Reason)

	res = chain.Check(env, signedBytes, sig)
	assert.Equal(t, ReasonReplayDetected, res.Reason)
}

func TestChainRejectsInvalidSignature(t *testing.T) {
	env, pub, _, signedBytes, _ := signedEnvelope(t, "agent-a")
	chain := NewChain(testConfig(), fakeBlocklist{}, fakeKeyResolver{keys: map[string][]ed25519.PublicKey{"agent-a": {pub}}})
	defer chain.Close()

	tampered := append([]byte{}, signedBytes...)
	badSig := ed25519.Sign(func() ed25519.PrivateKey {
		_, priv, _ := ed25519.GenerateKey(nil)
		return priv
	}(), tampered)

	res := chain.Check(env, signedBytes, badSig)
	assert.Equal(t, ReasonInvalidSignature, res.Reason)
}

func TestChainRejectsDuplicateAfterAccept(t *testing.T) {
	chain := NewChain(testConfig(), fakeBlocklist{}, fakeKeyResolver{})
	defer chain.Close()

	env, _, _, signedBytes, sig := signedEnvelope(t, "agent-a")
	// First pass consumes the nonce; reuse the same id but fresh nonce to
	// reach the dedup filter in isolation.
	res := chain.Check(env, signedBytes, sig)
	require.Equal(t, ReasonOK, res.Reason)

	nonce2, err := envelope.NewNonce()
	require.NoError(t, err)
	env2 := *env
	env2.Nonce = nonce2
	res = chain.Check(&env2, signedBytes, sig)
	assert.Equal(t, ReasonDuplicate, res.Reason)
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, 200, ReasonOK.HTTPStatus())
	assert.Equal(t, 200, ReasonDuplicate.HTTPStatus())
	assert.Equal(t, 400, ReasonInvalidEnvelope.HTTPStatus())
	assert.Equal(t, 400, ReasonMessageExpired.HTTPStatus())
	assert.Equal(t, 400, ReasonReplayDetected.HTTPStatus())
	assert.Equal(t, 400, ReasonDecryptionFailed.HTTPStatus())
	assert.Equal(t, 403, ReasonBlocked.HTTPStatus())
	assert.Equal(t, 403, ReasonInvalidSignature.HTTPStatus())
	assert.Equal(t, 429, ReasonRateLimited.HTTPStatus())
}
