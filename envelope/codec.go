package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	sagecrypto "github.com/ai2ai-project/ai2ai-node/crypto"
	"github.com/ai2ai-project/ai2ai-node/crypto/keys"
)

// NewNonce generates a random 128-bit hex nonce, distinct from the
// envelope's uuid id, used for the replay window.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewID generates a fresh envelope/conversation id.
func NewID() string {
	return uuid.NewString()
}

// Sign computes the signature over the envelope's canonical bytes and sets
// e.Signature (base64, standard, with padding). It must be called after the
// final payload (plaintext or encrypted) is already in place, per the
// sign-over-final-payload rule.
func Sign(e *Envelope, signer sagecrypto.KeyPair) error {
	canon, err := Canonicalize(e)
	if err != nil {
		return fmt.Errorf("canonicalize: %w", err)
	}
	sig, err := signer.Sign(canon)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	e.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify checks e.Signature against the canonical bytes using every
// candidate Ed25519 public key (current key first, then archived previous
// keys, per the key-rotation acceptance rule in §4.1). It succeeds as soon
// as one candidate verifies.
func Verify(e *Envelope, candidates []ed25519.PublicKey) error {
	if e.Signature == "" {
		return ErrInvalidSignature
	}
	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return ErrInvalidSignature
	}
	canon, err := Canonicalize(e)
	if err != nil {
		return ErrInvalidSignature
	}
	for _, pub := range candidates {
		if ed25519.Verify(pub, canon, sig) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// EncryptPayload replaces plaintext with the EncryptedPayload wire shape,
// using a fresh ephemeral X25519 key pair ECDH'd against the recipient's
// X25519 public key. The GCM tag is split out of the ciphertext into its own
// base64 field, per the wire format in §4.2/§6.
func EncryptPayload(plaintext []byte, recipientXPub []byte) (*EncryptedPayload, error) {
	ephemeral, err := keys.GenerateX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephKP := ephemeral.(*keys.X25519KeyPair)

	nonce, sealed, err := ephKP.Encrypt(recipientXPub, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}

	const tagSize = 16
	if len(sealed) < tagSize {
		return nil, fmt.Errorf("sealed output shorter than GCM tag")
	}
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return &EncryptedPayload{
		Encrypted:    true,
		EphemeralPub: base64.StdEncoding.EncodeToString(ephKP.PublicKeyBytes()),
		Nonce:        base64.StdEncoding.EncodeToString(nonce),
		Ciphertext:   base64.StdEncoding.EncodeToString(ciphertext),
		Tag:          base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// DecryptPayload reverses EncryptPayload using the recipient's X25519
// private key. Any AEAD verification failure is reported as
// ErrDecryptionFailed, never a wrong plaintext.
func DecryptPayload(enc *EncryptedPayload, recipient *keys.X25519KeyPair) ([]byte, error) {
	ephPub, err := base64.StdEncoding.DecodeString(enc.EphemeralPub)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	nonce, err := base64.StdEncoding.DecodeString(enc.Nonce)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	ciphertext, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	tag, err := base64.StdEncoding.DecodeString(enc.Tag)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := recipient.DecryptWithX25519(ephPub, nonce, sealed)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SetPayload marshals v as JSON and stores it as the plaintext payload.
func SetPayload(e *Envelope, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	e.Payload = raw
	return nil
}

// SetEncryptedPayload marshals enc as JSON and stores it as the envelope's
// payload, replacing the plaintext.
func SetEncryptedPayload(e *Envelope, enc *EncryptedPayload) error {
	raw, err := json.Marshal(enc)
	if err != nil {
		return fmt.Errorf("marshal encrypted payload: %w", err)
	}
	e.Payload = raw
	return nil
}
