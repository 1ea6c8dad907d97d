package envelope

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai2ai-project/ai2ai-node/crypto/keys"
)

func newTestEnvelope(t *testing.T) *Envelope {
	t.Helper()
	nonce, err := NewNonce()
	require.NoError(t, err)
	return &Envelope{
		ProtoVersion: CurrentProtoVersion,
		ID:           NewID(),
		Nonce:        nonce,
		Timestamp:    time.Now().UTC(),
		From:         Identity{Agent: "agent-a", Human: "Alice"},
		To:           Recipient{Agent: "agent-b"},
		Conversation: NewID(),
		Type:         TypeMessage,
		Intent:       "",
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	edKP, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)

	env := newTestEnvelope(t)
	require.NoError(t, SetPayload(env, map[string]string{"hello": "world"}))
	require.NoError(t, Sign(env, edKP))

	pub := edKP.PublicKey().(ed25519.PublicKey)
	assert.NoError(t, Verify(env, []ed25519.PublicKey{pub}))
}

func TestVerifyRejectsMutatedSignedField(t *testing.T) {
	edKP, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)

	env := newTestEnvelope(t)
	require.NoError(t, SetPayload(env, map[string]string{"hello": "world"}))
	require.NoError(t, Sign(env, edKP))

	env.Conversation = NewID()

	pub := edKP.PublicKey().(ed25519.PublicKey)
	assert.ErrorIs(t, Verify(env, []ed25519.PublicKey{pub}), ErrInvalidSignature)
}

func TestVerifyAcceptsPreviousKeyAfterRotation(t *testing.T) {
	oldKP, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	newKP, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)

	env := newTestEnvelope(t)
	require.NoError(t, SetPayload(env, map[string]string{"x": "y"}))
	require.NoError(t, Sign(env, oldKP))

	oldPub := oldKP.PublicKey().(ed25519.PublicKey)
	newPub := newKP.PublicKey().(ed25519.PublicKey)

	assert.NoError(t, Verify(env, []ed25519.PublicKey{newPub, oldPub}))
}

func TestEncryptDecryptPayloadRoundTrip(t *testing.T) {
	recipient, err := keys.GenerateX25519KeyPair()
	require.NoError(t, err)
	recipientKP := recipient.(*keys.X25519KeyPair)

	plaintext := []byte(`{"secret":"value"}`)
	enc, err := EncryptPayload(plaintext, recipientKP.PublicKeyBytes())
	require.NoError(t, err)
	assert.True(t, enc.Encrypted)

	decrypted, err := DecryptPayload(enc, recipientKP)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDecryptPayloadWrongKeyFails(t *testing.T) {
	recipient, err := keys.GenerateX25519KeyPair()
	require.NoError(t, err)
	recipientKP := recipient.(*keys.X25519KeyPair)

	other, err := keys.GenerateX25519KeyPair()
	require.NoError(t, err)
	otherKP := other.(*keys.X25519KeyPair)

	enc, err := EncryptPayload([]byte("payload"), recipientKP.PublicKeyBytes())
	require.NoError(t, err)

	_, err = DecryptPayload(enc, otherKP)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSignOverEncryptedPayload(t *testing.T) {
	signer, err := keys.GenerateEd25519KeyPair()
	require.NoError(t, err)
	recipient, err := keys.GenerateX25519KeyPair()
	require.NoError(t, err)
	recipientKP := recipient.(*keys.X25519KeyPair)

	env := newTestEnvelope(t)
	enc, err := EncryptPayload([]byte(`{"hello":"world"}`), recipientKP.PublicKeyBytes())
	require.NoError(t, err)
	require.NoError(t, SetEncryptedPayload(env, enc))
	require.NoError(t, Sign(env, signer))

	pub := signer.PublicKey().(ed25519.PublicKey)
	require.NoError(t, Verify(env, []ed25519.PublicKey{pub}))
	assert.True(t, IsEncryptedPayload(env.Payload))
}

func TestCanonicalizeIsDeterministic(t *testing.T) {
	env := newTestEnvelope(t)
	require.NoError(t, SetPayload(env, map[string]string{"a": "1", "b": "2"}))

	b1, err := Canonicalize(env)
	require.NoError(t, err)
	b2, err := Canonicalize(env)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestValidateRejectsMissingFields(t *testing.T) {
	env := &Envelope{ProtoVersion: CurrentProtoVersion, Type: TypeMessage}
	err := env.Validate([]string{CurrentProtoVersion})
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestValidateRejectsUnsupportedVersion(t *testing.T) {
	env := newTestEnvelope(t)
	require.NoError(t, SetPayload(env, map[string]string{"a": "b"}))
	env.ProtoVersion = "2.0"
	err := env.Validate([]string{CurrentProtoVersion, LegacyProtoVersion})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}
