// Package formats handles on-disk key encoding for the key store.
package formats

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	sagecrypto "github.com/ai2ai-project/ai2ai-node/crypto"
)

// PEMExporter encodes key pairs as PKCS8/PKIX PEM blocks.
type PEMExporter struct{}

// NewPEMExporter creates a PEM key exporter.
func NewPEMExporter() *PEMExporter {
	return &PEMExporter{}
}

// Export encodes the full key pair (private + public) as a PEM "PRIVATE KEY" block.
func (e *PEMExporter) Export(keyPair sagecrypto.KeyPair, format sagecrypto.KeyFormat) ([]byte, error) {
	if format != sagecrypto.KeyFormatPEM {
		return nil, sagecrypto.ErrInvalidKeyFormat
	}

	der, err := marshalPrivateKey(keyPair)
	if err != nil {
		return nil, err
	}

	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}

// ExportPublic encodes only the public key as a PEM "PUBLIC KEY" block.
func (e *PEMExporter) ExportPublic(keyPair sagecrypto.KeyPair, format sagecrypto.KeyFormat) ([]byte, error) {
	if format != sagecrypto.KeyFormatPEM {
		return nil, sagecrypto.ErrInvalidKeyFormat
	}

	der, err := marshalPublicKey(keyPair.Type(), keyPair.PublicKey())
	if err != nil {
		return nil, err
	}

	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}

func marshalPrivateKey(keyPair sagecrypto.KeyPair) ([]byte, error) {
	switch keyPair.Type() {
	case sagecrypto.KeyTypeEd25519:
		priv, ok := keyPair.PrivateKey().(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("expected ed25519.PrivateKey, got %T", keyPair.PrivateKey())
		}
		return x509.MarshalPKCS8PrivateKey(priv)
	case sagecrypto.KeyTypeX25519:
		priv, ok := keyPair.PrivateKey().(*ecdh.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("expected *ecdh.PrivateKey, got %T", keyPair.PrivateKey())
		}
		return x509.MarshalPKCS8PrivateKey(priv)
	default:
		return nil, sagecrypto.ErrInvalidKeyType
	}
}

func marshalPublicKey(keyType sagecrypto.KeyType, pub interface{}) ([]byte, error) {
	switch keyType {
	case sagecrypto.KeyTypeEd25519:
		pk, ok := pub.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("expected ed25519.PublicKey, got %T", pub)
		}
		return x509.MarshalPKIXPublicKey(pk)
	case sagecrypto.KeyTypeX25519:
		pk, ok := pub.(*ecdh.PublicKey)
		if !ok {
			return nil, fmt.Errorf("expected *ecdh.PublicKey, got %T", pub)
		}
		return x509.MarshalPKIXPublicKey(pk)
	default:
		return nil, sagecrypto.ErrInvalidKeyType
	}
}

// ExportDER encodes the full key pair as a raw PKCS8 DER document, with no
// PEM wrapping.
func (e *PEMExporter) ExportDER(keyPair sagecrypto.KeyPair) ([]byte, error) {
	return marshalPrivateKey(keyPair)
}

// ExportPublicDER encodes only the public key as a raw PKIX DER document.
func (e *PEMExporter) ExportPublicDER(keyPair sagecrypto.KeyPair) ([]byte, error) {
	return marshalPublicKey(keyPair.Type(), keyPair.PublicKey())
}

// PEMImporter decodes PEM-encoded key material back into typed private keys.
type PEMImporter struct{}

// NewPEMImporter creates a PEM key importer.
func NewPEMImporter() *PEMImporter {
	return &PEMImporter{}
}

// ImportEd25519 decodes a PEM "PRIVATE KEY" block into an Ed25519 private key.
func ImportEd25519(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs8: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("expected ed25519 private key, got %T", key)
	}
	return priv, nil
}

// ImportX25519 decodes a PEM "PRIVATE KEY" block into an X25519 private key.
func ImportX25519(data []byte) (*ecdh.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs8: %w", err)
	}
	priv, ok := key.(*ecdh.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("expected x25519 private key, got %T", key)
	}
	return priv, nil
}

// ImportX25519DER decodes a raw PKCS8 DER document (no PEM wrapping) into an
// X25519 private key.
func ImportX25519DER(der []byte) (*ecdh.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs8: %w", err)
	}
	priv, ok := key.(*ecdh.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("expected x25519 private key, got %T", key)
	}
	return priv, nil
}
