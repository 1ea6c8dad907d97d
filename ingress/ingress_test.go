package ingress

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ai2ai-project/ai2ai-node/contacts"
	"github.com/ai2ai-project/ai2ai-node/conversation"
	sagecrypto "github.com/ai2ai-project/ai2ai-node/crypto"
	"github.com/ai2ai-project/ai2ai-node/crypto/keys"
	"github.com/ai2ai-project/ai2ai-node/envelope"
	"github.com/ai2ai-project/ai2ai-node/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHarness struct {
	server   *Server
	registry *contacts.Registry
	convs    *conversation.Store
	approval *conversation.ApprovalInbox
	chain    *security.Chain
	fromKey  sagecrypto.KeyPair
}

func newHarness(t *testing.T) *testHarness {
	registry, err := contacts.Open(t.TempDir())
	require.NoError(t, err)

	convs, err := conversation.Open(t.TempDir(), 24*time.Hour)
	require.NoError(t, err)

	approval, err := conversation.OpenApprovalInbox(t.TempDir(), conversation.ApprovalConfig{TTL: 24 * time.Hour, PurgeAfter: 7 * 24 * time.Hour})
	require.NoError(t, err)

	fromKey, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	fromPub := fromKey.PublicKey().(ed25519.PublicKey)
	_, err = registry.Upsert("agent-a", contacts.Update{EdPublicKey: base64.StdEncoding.EncodeToString(fromPub)})
	require.NoError(t, err)

	chain := security.NewChain(security.Config{
		RateLimitMax:     20,
		RateLimitWindow:  time.Minute,
		MessageTTL:       24 * time.Hour,
		NonceRetention:   24 * time.Hour,
		VerifyCacheTTL:   5 * time.Minute,
		DedupTTL:         24 * time.Hour,
		DedupMaxEntries:  1000,
		AcceptedVersions: []string{envelope.CurrentProtoVersion},
	}, registry, NewRegistryKeyResolver(registry))

	cfg := Config{
		Descriptor: Descriptor{AI2AI: "1.0", Agent: "agent-b", Endpoint: "https://b.example/ai2ai"},
	}

	server := NewServer(cfg, chain, registry, convs, approval, nil, Events{})

	return &testHarness{server: server, registry: registry, convs: convs, approval: approval, chain: chain, fromKey: fromKey}
}

func signedEnvelope(t *testing.T, signer sagecrypto.KeyPair, typ envelope.Type, intent string, payload interface{}) *envelope.Envelope {
	return signedEnvelopeInConversation(t, signer, typ, intent, envelope.NewID(), payload)
}

func signedEnvelopeInConversation(t *testing.T, signer sagecrypto.KeyPair, typ envelope.Type, intent, conversationID string, payload interface{}) *envelope.Envelope {
	nonce, err := envelope.NewNonce()
	require.NoError(t, err)
	env := &envelope.Envelope{
		ProtoVersion: envelope.CurrentProtoVersion,
		ID:           envelope.NewID(),
		Nonce:        nonce,
		Timestamp:    time.Now().UTC(),
		From:         envelope.Identity{Agent: "agent-a", Human: "Alice"},
		To:           envelope.Recipient{Agent: "agent-b"},
		Conversation: conversationID,
		Type:         typ,
		Intent:       intent,
	}
	if payload != nil {
		require.NoError(t, envelope.SetPayload(env, payload))
	}
	require.NoError(t, envelope.Sign(env, signer))
	return env
}

func postEnvelope(t *testing.T, h *testHarness, env *envelope.Envelope) *httptest.ResponseRecorder {
	body, err := json.Marshal(env)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/ai2ai", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/ai2ai/health", nil)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "online", resp.Status)
	assert.Equal(t, "agent-b", resp.Agent)
}

func TestWellKnownEndpoint(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/ai2ai.json", nil)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var desc Descriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &desc))
	assert.Equal(t, "agent-b", desc.Agent)
}

func TestPingRespondsWithDescriptor(t *testing.T) {
	h := newHarness(t)
	env := signedEnvelope(t, h.fromKey, envelope.TypePing, "", nil)

	rec := postEnvelope(t, h, env)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestRequestWithUnknownIntentReturnsSupportedIntents(t *testing.T) {
	h := newHarness(t)
	h.server.RegisterIntent("schedule.meeting", func(ctx context.Context, env *envelope.Envelope, payload json.RawMessage) (interface{}, error) {
		return map[string]string{"ok": "true"}, nil
	})
	env := signedEnvelope(t, h.fromKey, envelope.TypeRequest, "unknown.intent", map[string]string{"a": "b"})

	rec := postEnvelope(t, h, env)
	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unsupported_intent", resp.Error)
	assert.Contains(t, resp.SupportedIntents, "schedule.meeting")
}

func TestRequestDispatchesForKnownIntent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.SetTrust("agent-a", contacts.TrustTrusted))
	h.server.cfg.MinTrustToDispatch = contacts.TrustKnown

	called := false
	h.server.RegisterIntent("schedule.meeting", func(ctx context.Context, env *envelope.Envelope, payload json.RawMessage) (interface{}, error) {
		called = true
		return map[string]string{"confirmed": "true"}, nil
	})
	env := signedEnvelope(t, h.fromKey, envelope.TypeRequest, "schedule.meeting", map[string]string{"when": "2pm"})

	rec := postEnvelope(t, h, env)
	assert.True(t, called)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestRequestRequiresApprovalWhenTrustInsufficient(t *testing.T) {
	h := newHarness(t)
	h.server.cfg.MinTrustToDispatch = contacts.TrustTrusted

	h.server.RegisterIntent("schedule.meeting", func(ctx context.Context, env *envelope.Envelope, payload json.RawMessage) (interface{}, error) {
		return nil, nil
	})
	env := signedEnvelope(t, h.fromKey, envelope.TypeRequest, "schedule.meeting", map[string]string{"when": "2pm"})

	rec := postEnvelope(t, h, env)
	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pending_approval", resp.Status)

	pending := h.approval.Pending()
	require.Len(t, pending, 1)
}

func TestRequestFromUnknownSenderAlwaysRequiresApproval(t *testing.T) {
	h := newHarness(t)
	h.server.cfg.MinTrustToDispatch = contacts.TrustNone

	h.server.RegisterIntent("schedule.meeting", func(ctx context.Context, env *envelope.Envelope, payload json.RawMessage) (interface{}, error) {
		return map[string]string{"confirmed": "true"}, nil
	})

	strangerKey, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	env := &envelope.Envelope{
		ProtoVersion: envelope.CurrentProtoVersion,
		ID:           envelope.NewID(),
		Timestamp:    time.Now().UTC(),
		From:         envelope.Identity{Agent: "agent-stranger"},
		To:           envelope.Recipient{Agent: "agent-b"},
		Conversation: envelope.NewID(),
		Type:         envelope.TypeRequest,
		Intent:       "schedule.meeting",
	}
	nonce, err := envelope.NewNonce()
	require.NoError(t, err)
	env.Nonce = nonce
	require.NoError(t, envelope.SetPayload(env, map[string]string{"when": "2pm"}))
	require.NoError(t, envelope.Sign(env, strangerKey))

	rec := postEnvelope(t, h, env)
	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pending_approval", resp.Status, "a never-before-seen sender must not be auto-dispatched even with MinTrustToDispatch=none")
}

func TestCommerceIntentAlwaysRequiresApprovalEvenWhenTrusted(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.SetTrust("agent-a", contacts.TrustTrusted))
	h.server.cfg.MinTrustToDispatch = contacts.TrustNone

	h.server.RegisterIntent("commerce.request", func(ctx context.Context, env *envelope.Envelope, payload json.RawMessage) (interface{}, error) {
		return map[string]string{"confirmed": "true"}, nil
	})
	env := signedEnvelope(t, h.fromKey, envelope.TypeRequest, "commerce.request", map[string]string{"item": "widget"})

	rec := postEnvelope(t, h, env)
	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pending_approval", resp.Status, "a commerce.* intent must require approval regardless of trust level")
}

func TestPingCarryingSenderDescriptorRecordsX25519Key(t *testing.T) {
	h := newHarness(t)

	senderDesc := Descriptor{
		AI2AI:           "1.0",
		Agent:           "agent-a",
		Endpoint:        "https://a.example/ai2ai",
		PublicKey:       base64.StdEncoding.EncodeToString(h.fromKey.PublicKey().(ed25519.PublicKey)),
		X25519PublicKey: "deadbeef",
	}
	env := signedEnvelope(t, h.fromKey, envelope.TypePing, "", senderDesc)

	rec := postEnvelope(t, h, env)
	assert.Equal(t, http.StatusOK, rec.Code)

	contact, err := h.registry.Get("agent-a")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", contact.XPublicKey)
	assert.Equal(t, "https://a.example/ai2ai", contact.Endpoint)
}

func TestResendingIdenticalEnvelopeIsReplayDetected(t *testing.T) {
	h := newHarness(t)
	env := signedEnvelope(t, h.fromKey, envelope.TypePing, "", nil)

	rec1 := postEnvelope(t, h, env)
	assert.Equal(t, http.StatusOK, rec1.Code)

	rec2 := postEnvelope(t, h, env)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
	var resp response
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp))
	assert.Equal(t, "replay_detected", resp.Reason)
}

func TestInvalidSignatureRejected(t *testing.T) {
	h := newHarness(t)
	env := signedEnvelope(t, h.fromKey, envelope.TypePing, "", nil)
	env.Signature = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x01}, 64))

	rec := postEnvelope(t, h, env)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_signature", resp.Reason)
}

func TestOversizedBodyRejected(t *testing.T) {
	h := newHarness(t)
	body := bytes.Repeat([]byte{'a'}, MaxBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/ai2ai", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestConfirmTransitionsConversation(t *testing.T) {
	h := newHarness(t)
	env := signedEnvelope(t, h.fromKey, envelope.TypeRequest, "schedule.meeting", map[string]string{"a": "b"})
	_, err := h.convs.Create(env.Conversation, conversation.CreateOptions{Initiator: "agent-a", Recipient: "agent-b"})
	require.NoError(t, err)

	confirmEnv := signedEnvelopeInConversation(t, h.fromKey, envelope.TypeConfirm, "", env.Conversation, map[string]string{"ok": "yes"})

	rec := postEnvelope(t, h, confirmEnv)
	assert.Equal(t, http.StatusOK, rec.Code)

	c, err := h.convs.Get(env.Conversation)
	require.NoError(t, err)
	assert.Equal(t, conversation.StateConfirmed, c.State)
}
