// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package keys

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	sagecrypto "github.com/ai2ai-project/ai2ai-node/crypto"
	"golang.org/x/crypto/hkdf"
)

// payloadEncryptionInfo is the HKDF info string binding derived keys to the
// envelope payload encryption use case, so the same shared secret can't be
// replayed against a different protocol context.
const payloadEncryptionInfo = "ai2ai-payload-encryption"

// X25519KeyPair holds an X25519 private key and its corresponding public key bytes.
type X25519KeyPair struct {
	privateKey *ecdh.PrivateKey
	publicKey  *ecdh.PublicKey
	id         string
}

// GenerateX25519KeyPair generates a new X25519 key pair for ECDH key agreement.
func GenerateX25519KeyPair() (sagecrypto.KeyPair, error) {
	privateKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDH key: %w", err)
	}
	publicKey := privateKey.PublicKey()

	hash := sha256.Sum256(publicKey.Bytes())
	id := hex.EncodeToString(hash[:8])

	return &X25519KeyPair{
		privateKey: privateKey,
		publicKey:  publicKey,
		id:         id,
	}, nil
}

// PublicKey returns the public key
func (kp *X25519KeyPair) PublicKey() crypto.PublicKey {
	return kp.publicKey
}

// PublicKeyBytes returns the raw 32-byte public key.
func (kp *X25519KeyPair) PublicKeyBytes() []byte {
	return kp.publicKey.Bytes()
}

// PrivateKey returns the private key
func (kp *X25519KeyPair) PrivateKey() crypto.PrivateKey {
	return kp.privateKey
}

// Type returns the key type
func (kp *X25519KeyPair) Type() sagecrypto.KeyType {
	return sagecrypto.KeyTypeX25519
}

// ID returns a unique identifier for this key pair
func (kp *X25519KeyPair) ID() string {
	return kp.id
}

// Sign returns an error as X25519 is a key agreement algorithm and does not
// support signing operations. Use an Ed25519 key pair for signatures.
func (kp *X25519KeyPair) Sign(message []byte) ([]byte, error) {
	return nil, sagecrypto.ErrSignNotSupported
}

// Verify returns an error as X25519 keys do not support signature verification.
func (kp *X25519KeyPair) Verify(message, signature []byte) error {
	return sagecrypto.ErrVerifyNotSupported
}

// DeriveSharedSecret runs raw X25519 ECDH against a peer's public key bytes.
func (kp *X25519KeyPair) DeriveSharedSecret(peerPubBytes []byte) ([]byte, error) {
	curve := ecdh.X25519()
	peerPub, err := curve.NewPublicKey(peerPubBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse peer public key: %w", err)
	}

	shared, err := kp.privateKey.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	return shared, nil
}

// deriveEncryptionKey expands a raw ECDH shared secret into a 32-byte AES-256
// key via HKDF-SHA256 with an empty salt and the payload-encryption info
// string, so both peers derive identical key material without exchanging it.
func deriveEncryptionKey(sharedSecret []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, sharedSecret, nil, []byte(payloadEncryptionInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

// Encrypt performs X25519 ECDH + HKDF-SHA256 + AES-256-GCM encryption of
// plaintext for recipientPub. It returns the random nonce and the ciphertext
// (which carries the GCM authentication tag as its trailing 16 bytes).
func (kp *X25519KeyPair) Encrypt(recipientPub []byte, plaintext []byte) (nonce, ciphertext []byte, err error) {
	shared, err := kp.DeriveSharedSecret(recipientPub)
	if err != nil {
		return nil, nil, err
	}
	key, err := deriveEncryptionKey(shared)
	if err != nil {
		return nil, nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// DecryptWithX25519 reverses Encrypt, given the sender's public key, the
// nonce and the ciphertext (with trailing GCM tag).
func (kp *X25519KeyPair) DecryptWithX25519(senderPub, nonce, ciphertext []byte) ([]byte, error) {
	shared, err := kp.DeriveSharedSecret(senderPub)
	if err != nil {
		return nil, err
	}
	key, err := deriveEncryptionKey(shared)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}
