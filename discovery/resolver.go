package discovery

import (
	"context"
	"fmt"

	"github.com/ai2ai-project/ai2ai-node/contacts"
)

// Resolver implements egress.EndpointResolver: it consults the Contact
// Registry first and only falls back to the Discovery Client on a miss,
// caching what it learns back into the registry, per §4.10 step 1.
type Resolver struct {
	registry  *contacts.Registry
	discovery *Client
}

// NewResolver builds the Contact-Registry-first endpoint resolver.
func NewResolver(registry *contacts.Registry, discovery *Client) *Resolver {
	return &Resolver{registry: registry, discovery: discovery}
}

// Resolve returns targetID's endpoint and known X25519 public key (empty if
// never learned via a ping round trip), discovering and caching a contact
// record on first sight. A target blocked in the Contact Registry is refused.
func (r *Resolver) Resolve(ctx context.Context, targetID string) (endpoint string, xPublicKey string, err error) {
	if r.registry.IsBlocked(targetID) {
		return "", "", fmt.Errorf("target %s is blocked", targetID)
	}
	if contact, getErr := r.registry.Get(targetID); getErr == nil && contact.Endpoint != "" {
		return contact.Endpoint, contact.XPublicKey, nil
	}

	if r.discovery == nil {
		return "", "", ErrNotFound
	}

	result, err := r.discovery.Resolve(ctx, targetID)
	if err != nil {
		return "", "", err
	}

	if _, upsertErr := r.registry.Upsert(targetID, contacts.Update{
		Endpoint:    result.Endpoint,
		EdPublicKey: result.PublicKey,
	}); upsertErr != nil {
		return "", "", upsertErr
	}

	return result.Endpoint, "", nil
}
