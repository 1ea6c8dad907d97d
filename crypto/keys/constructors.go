package keys

import (
	"crypto"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	sagecrypto "github.com/ai2ai-project/ai2ai-node/crypto"
)

// NewEd25519KeyPair creates a new Ed25519 key pair from an existing private key
func NewEd25519KeyPair(privateKey ed25519.PrivateKey, id string) (sagecrypto.KeyPair, error) {
	publicKey := privateKey.Public().(ed25519.PublicKey)

	// Use provided ID or generate from public key
	if id == "" {
		hash := sha256.Sum256(publicKey)
		id = hex.EncodeToString(hash[:8])
	}

	return &ed25519KeyPair{
		privateKey: privateKey,
		publicKey:  publicKey,
		id:         id,
	}, nil
}

// NewX25519KeyPair creates a new X25519 key pair from an existing private key
func NewX25519KeyPair(privateKey *ecdh.PrivateKey, id string) (sagecrypto.KeyPair, error) {
	publicKey := privateKey.PublicKey()

	// Use provided ID or generate from public key
	if id == "" {
		pubKeyBytes := publicKey.Bytes()
		hash := sha256.Sum256(pubKeyBytes)
		id = hex.EncodeToString(hash[:8])
	}

	return &X25519KeyPair{
		privateKey: privateKey,
		publicKey:  publicKey,
		id:         id,
	}, nil
}

// publicKeyOnlyEd25519 wraps an Ed25519 public key for verification only,
// used when a peer's public key is known but its private key is not (the
// common case for a contact registry entry).
type publicKeyOnlyEd25519 struct {
	publicKey ed25519.PublicKey
	id        string
}

// NewEd25519PublicKeyOnly wraps a bare Ed25519 public key as a verify-only KeyPair.
func NewEd25519PublicKeyOnly(pub ed25519.PublicKey, id string) sagecrypto.KeyPair {
	if id == "" {
		hash := sha256.Sum256(pub)
		id = hex.EncodeToString(hash[:8])
	}
	return &publicKeyOnlyEd25519{publicKey: pub, id: id}
}

func (pk *publicKeyOnlyEd25519) PublicKey() crypto.PublicKey {
	return pk.publicKey
}

func (pk *publicKeyOnlyEd25519) PrivateKey() crypto.PrivateKey {
	return nil
}

func (pk *publicKeyOnlyEd25519) Type() sagecrypto.KeyType {
	return sagecrypto.KeyTypeEd25519
}

func (pk *publicKeyOnlyEd25519) Sign(message []byte) ([]byte, error) {
	return nil, errors.New("cannot sign with public key only")
}

func (pk *publicKeyOnlyEd25519) Verify(message, signature []byte) error {
	if !ed25519.Verify(pk.publicKey, message, signature) {
		return sagecrypto.ErrInvalidSignature
	}
	return nil
}

func (pk *publicKeyOnlyEd25519) ID() string {
	return pk.id
}
