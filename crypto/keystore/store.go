// Package keystore persists a node's long-lived Ed25519 signing key and
// X25519 key-agreement key to disk, and tracks rotation bookkeeping.
package keystore

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sagecrypto "github.com/ai2ai-project/ai2ai-node/crypto"
	"github.com/ai2ai-project/ai2ai-node/crypto/formats"
	"github.com/ai2ai-project/ai2ai-node/crypto/keys"
)

// maxPreviousKeys is the number of archived Ed25519 public keys a rotation
// retains, per §4.1's "retain last 3".
const maxPreviousKeys = 3

type rotationMeta struct {
	LastRotationAt time.Time `json:"lastRotationAt"`
	PreviousEdKeys []string  `json:"previousEdKeys"` // base64 ed25519 public keys, most recent first
}

// Store is the on-disk key store for a single node's data directory.
type Store struct {
	dir              string
	rotationInterval time.Duration

	mu        sync.RWMutex
	signing   sagecrypto.KeyPair   // Ed25519
	agreement *keys.X25519KeyPair  // X25519
	meta      rotationMeta
}

// Open loads an existing key store from dir, generating and persisting a
// fresh Ed25519 + X25519 pair on first use.
func Open(dir string, rotationInterval time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}

	s := &Store{dir: dir, rotationInterval: rotationInterval}

	signingPath := filepath.Join(dir, "agent.key")
	if _, err := os.Stat(signingPath); os.IsNotExist(err) {
		if err := s.generateAndPersist(); err != nil {
			return nil, err
		}
	} else if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) generateAndPersist() error {
	edKP, err := keys.GenerateEd25519KeyPair()
	if err != nil {
		return fmt.Errorf("generate ed25519 key: %w", err)
	}
	xKP, err := keys.GenerateX25519KeyPair()
	if err != nil {
		return fmt.Errorf("generate x25519 key: %w", err)
	}

	s.signing = edKP
	s.agreement = xKP.(*keys.X25519KeyPair)
	s.meta = rotationMeta{LastRotationAt: time.Now().UTC()}

	return s.persist()
}

func (s *Store) load() error {
	edData, err := os.ReadFile(filepath.Join(s.dir, "agent.key"))
	if err != nil {
		return fmt.Errorf("read signing key: %w", err)
	}
	edPriv, err := formats.ImportEd25519(edData)
	if err != nil {
		return fmt.Errorf("import signing key: %w", err)
	}
	edKP, err := keys.NewEd25519KeyPair(edPriv, "")
	if err != nil {
		return err
	}
	s.signing = edKP

	xData, err := os.ReadFile(filepath.Join(s.dir, "x25519.key.der"))
	if err != nil {
		return fmt.Errorf("read agreement key: %w", err)
	}
	xPriv, err := formats.ImportX25519DER(xData)
	if err != nil {
		return fmt.Errorf("import agreement key: %w", err)
	}
	xKP, err := keys.NewX25519KeyPair(xPriv, "")
	if err != nil {
		return err
	}
	s.agreement = xKP.(*keys.X25519KeyPair)

	metaData, err := os.ReadFile(filepath.Join(s.dir, "rotation-meta.json"))
	if err != nil {
		if os.IsNotExist(err) {
			s.meta = rotationMeta{LastRotationAt: time.Now().UTC()}
			return nil
		}
		return fmt.Errorf("read rotation meta: %w", err)
	}
	return json.Unmarshal(metaData, &s.meta)
}

func (s *Store) persist() error {
	exporter := formats.NewPEMExporter()

	edPEM, err := exporter.Export(s.signing, sagecrypto.KeyFormatPEM)
	if err != nil {
		return fmt.Errorf("export signing key: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, "agent.key"), edPEM, 0600); err != nil {
		return err
	}

	edPub, err := exporter.ExportPublic(s.signing, sagecrypto.KeyFormatPEM)
	if err != nil {
		return fmt.Errorf("export signing public key: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, "agent.pub"), edPub, 0644); err != nil {
		return err
	}

	xPriv, err := exporter.ExportDER(s.agreement)
	if err != nil {
		return fmt.Errorf("export agreement key: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, "x25519.key.der"), xPriv, 0600); err != nil {
		return err
	}

	xPub, err := exporter.ExportPublicDER(s.agreement)
	if err != nil {
		return fmt.Errorf("export agreement public key: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, "x25519.pub.der"), xPub, 0644); err != nil {
		return err
	}

	metaJSON, err := json.MarshalIndent(s.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rotation meta: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.dir, "rotation-meta.json"), metaJSON, 0644)
}

// writeFileAtomic writes to a temp file in the same directory then renames
// it into place, so a crash mid-write never leaves a torn key file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// SigningKeyPair returns the current Ed25519 signing key pair.
func (s *Store) SigningKeyPair() sagecrypto.KeyPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signing
}

// AgreementKeyPair returns the current X25519 key-agreement key pair.
func (s *Store) AgreementKeyPair() *keys.X25519KeyPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agreement
}

// Fingerprint returns the SHA-256 digest of the current Ed25519 public key,
// formatted as 8 colon-separated 4-hex-char groups of the first 32 hex
// chars (16 bytes) of the digest.
func (s *Store) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fingerprint(s.signing.PublicKey().(ed25519.PublicKey))
}

func fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	hexDigest := hex.EncodeToString(sum[:16])
	groups := make([]string, 8)
	for i := 0; i < 8; i++ {
		groups[i] = hexDigest[i*4 : i*4+4]
	}
	return strings.Join(groups, ":")
}

// PreviousSigningKeys returns archived Ed25519 public keys accepted for
// verification alongside the current key.
func (s *Store) PreviousSigningKeys() []ed25519.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ed25519.PublicKey, 0, len(s.meta.PreviousEdKeys))
	for _, b64 := range s.meta.PreviousEdKeys {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			continue
		}
		out = append(out, ed25519.PublicKey(raw))
	}
	return out
}

// AcceptedSigningKeys returns the current key followed by previous keys, the
// full candidate set a verifier should try.
func (s *Store) AcceptedSigningKeys() []ed25519.PublicKey {
	s.mu.RLock()
	current := s.signing.PublicKey().(ed25519.PublicKey)
	s.mu.RUnlock()
	return append([]ed25519.PublicKey{current}, s.PreviousSigningKeys()...)
}

// NeedsRotation is a pure predicate over (now - lastRotationAt) > interval.
func (s *Store) NeedsRotation() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.meta.LastRotationAt) > s.rotationInterval
}

// RotationResult carries the new and previous Ed25519 public keys after a
// rotation. No code in this module builds or sends a key_rotation envelope
// from it.
type RotationResult struct {
	NewPub      ed25519.PublicKey
	PreviousPub ed25519.PublicKey
}

// Rotate archives the current Ed25519 public key (retaining at most
// maxPreviousKeys), generates a fresh signing key pair, and persists the
// result. The X25519 agreement key is left untouched.
func (s *Store) Rotate() (*RotationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldPub := s.signing.PublicKey().(ed25519.PublicKey)

	newKP, err := keys.GenerateEd25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate rotated key: %w", err)
	}

	previous := append([]string{base64.StdEncoding.EncodeToString(oldPub)}, s.meta.PreviousEdKeys...)
	if len(previous) > maxPreviousKeys {
		previous = previous[:maxPreviousKeys]
	}

	s.signing = newKP
	s.meta = rotationMeta{
		LastRotationAt: time.Now().UTC(),
		PreviousEdKeys: previous,
	}

	if err := s.persist(); err != nil {
		return nil, err
	}

	return &RotationResult{
		NewPub:      newKP.PublicKey().(ed25519.PublicKey),
		PreviousPub: oldPub,
	}, nil
}
