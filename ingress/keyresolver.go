package ingress

import (
	"crypto/ed25519"
	"encoding/base64"

	"github.com/ai2ai-project/ai2ai-node/contacts"
)

// registryKeyResolver adapts *contacts.Registry (base64 string keys, error
// return) to security.KeyResolver (decoded ed25519.PublicKey, bool return).
type registryKeyResolver struct {
	registry *contacts.Registry
}

// NewRegistryKeyResolver builds the security.KeyResolver backed by a Contact
// Registry, for wiring into security.NewChain alongside this Server.
func NewRegistryKeyResolver(r *contacts.Registry) *registryKeyResolver {
	return &registryKeyResolver{registry: r}
}

func (k *registryKeyResolver) AcceptedSigningKeys(agentID string) ([]ed25519.PublicKey, bool) {
	encoded, err := k.registry.AcceptedSigningKeys(agentID)
	if err != nil || len(encoded) == 0 {
		return nil, false
	}

	candidates := make([]ed25519.PublicKey, 0, len(encoded))
	for _, b64 := range encoded {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			continue
		}
		candidates = append(candidates, ed25519.PublicKey(raw))
	}
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates, true
}
