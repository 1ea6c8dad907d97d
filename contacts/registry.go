package contacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrInvalidTrustLevel is returned by SetTrust for an unrecognized level.
var ErrInvalidTrustLevel = fmt.Errorf("invalid trust level")

// ErrNotFound is returned when looking up an agent id that has no contact.
var ErrNotFound = fmt.Errorf("contact not found")

// Registry is the file-backed Contact Registry. It persists the full contact
// map to a single file on every mutation and loads it on Open.
type Registry struct {
	path string

	mu       sync.RWMutex
	contacts map[string]*Contact
}

// Open loads the contact registry from dir/contacts.json, creating an empty
// one if it does not yet exist.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create contacts dir: %w", err)
	}

	r := &Registry{
		path:     filepath.Join(dir, "contacts.json"),
		contacts: make(map[string]*Contact),
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read contacts: %w", err)
	}

	var stored map[string]*Contact
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("parse contacts: %w", err)
	}
	r.contacts = stored
	return r, nil
}

// persist must be called with mu held.
func (r *Registry) persist() error {
	data, err := json.MarshalIndent(r.contacts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal contacts: %w", err)
	}
	return writeFileAtomic(r.path, data, 0644)
}

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

// Upsert merges u into the contact for agentID (creating it on first sight),
// and stamps lastSeen to now.
func (r *Registry) Upsert(agentID string, u Update) (*Contact, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agentId is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contacts[agentID]
	if !ok {
		c = &Contact{AgentID: agentID, TrustLevel: TrustNone}
		r.contacts[agentID] = c
	}

	if u.HumanName != "" {
		c.HumanName = u.HumanName
	}
	if u.Endpoint != "" {
		c.Endpoint = u.Endpoint
	}
	if u.EdPublicKey != "" {
		c.EdPublicKey = u.EdPublicKey
	}
	if u.XPublicKey != "" {
		c.XPublicKey = u.XPublicKey
	}
	if u.Capabilities != nil {
		c.Capabilities = u.Capabilities
	}
	if u.Timezone != "" {
		c.Timezone = u.Timezone
	}
	c.LastSeen = time.Now().UTC()

	if err := r.persist(); err != nil {
		return nil, err
	}
	return c, nil
}

// RotateKey archives the contact's current Ed25519 public key and installs
// newEdPub as current, keeping the registry in step with a peer's own key
// rotation broadcast.
func (r *Registry) RotateKey(agentID, newEdPub string, maxPrevious int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contacts[agentID]
	if !ok {
		return ErrNotFound
	}

	if c.EdPublicKey != "" {
		c.PreviousEdKeys = append([]string{c.EdPublicKey}, c.PreviousEdKeys...)
		if len(c.PreviousEdKeys) > maxPrevious {
			c.PreviousEdKeys = c.PreviousEdKeys[:maxPrevious]
		}
	}
	c.EdPublicKey = newEdPub

	return r.persist()
}

// SetTrust sets the trust level for agentID, rejecting unrecognized levels.
func (r *Registry) SetTrust(agentID string, level TrustLevel) error {
	if !level.IsValid() {
		return ErrInvalidTrustLevel
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contacts[agentID]
	if !ok {
		return ErrNotFound
	}
	c.TrustLevel = level
	return r.persist()
}

// Block marks agentID as blocked, gating both inbound and outbound traffic.
func (r *Registry) Block(agentID string) error {
	return r.setBlocked(agentID, true)
}

// Unblock clears the blocked flag for agentID.
func (r *Registry) Unblock(agentID string) error {
	return r.setBlocked(agentID, false)
}

func (r *Registry) setBlocked(agentID string, blocked bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contacts[agentID]
	if !ok {
		return ErrNotFound
	}
	c.Blocked = blocked
	return r.persist()
}

// IsBlocked reports whether agentID is currently blocked. An unknown agent
// is never blocked.
func (r *Registry) IsBlocked(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contacts[agentID]
	return ok && c.Blocked
}

// Get returns the contact for agentID, or ErrNotFound.
func (r *Registry) Get(agentID string) (*Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contacts[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// List returns all contacts, sorted by agentId for deterministic output.
func (r *Registry) List() []*Contact {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// AcceptedSigningKeys returns the contact's current and previous base64
// Ed25519 public keys, the candidate set for signature verification.
func (r *Registry) AcceptedSigningKeys(agentID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contacts[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	if c.EdPublicKey == "" {
		return nil, nil
	}
	return append([]string{c.EdPublicKey}, c.PreviousEdKeys...), nil
}
