package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ai2ai-project/ai2ai-node/contacts"
	"github.com/ai2ai-project/ai2ai-node/envelope"
	"github.com/ai2ai-project/ai2ai-node/ingress"
)

// pingResponse is the `{status, payload}` shape the ingress ping route
// returns, with payload decoded straight into the peer's descriptor.
type pingResponse struct {
	Status  string             `json:"status"`
	Payload ingress.Descriptor `json:"payload"`
}

// Ping sends a ping envelope carrying this node's own descriptor to
// targetID, and records the peer's Ed25519 and X25519 public keys (learned
// from the response's descriptor) in the Contact Registry. This is the
// explicit round trip through which a node's X25519 key becomes known to a
// peer that only discovered it by endpoint, not by a prior ping.
func (n *Node) Ping(ctx context.Context, targetID string) (*ingress.Descriptor, error) {
	endpoint, _, err := n.resolver.Resolve(ctx, targetID)
	if err != nil || endpoint == "" {
		return nil, fmt.Errorf("resolve %s: %w", targetID, err)
	}

	nonce, err := envelope.NewNonce()
	if err != nil {
		return nil, err
	}
	env := &envelope.Envelope{
		ProtoVersion: envelope.CurrentProtoVersion,
		ID:           envelope.NewID(),
		Nonce:        nonce,
		Timestamp:    time.Now().UTC(),
		From:         envelope.Identity{Agent: n.cfg.Name, Human: n.cfg.HumanName},
		To:           envelope.Recipient{Agent: targetID},
		Conversation: envelope.NewID(),
		Type:         envelope.TypePing,
	}
	if err := envelope.SetPayload(env, n.ingress.OwnDescriptor()); err != nil {
		return nil, fmt.Errorf("set ping payload: %w", err)
	}
	if err := envelope.Sign(env, n.keys.SigningKeyPair()); err != nil {
		return nil, fmt.Errorf("sign ping envelope: %w", err)
	}

	resp, err := n.sendPing(ctx, env, endpoint)
	if err != nil {
		return nil, err
	}

	if _, err := n.contacts.Upsert(targetID, contacts.Update{
		Endpoint:    endpoint,
		EdPublicKey: resp.Payload.PublicKey,
		XPublicKey:  resp.Payload.X25519PublicKey,
	}); err != nil {
		return nil, fmt.Errorf("record contact %s: %w", targetID, err)
	}

	return &resp.Payload, nil
}

func (n *Node) sendPing(ctx context.Context, env *envelope.Envelope, endpoint string) (*pingResponse, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal ping envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build ping request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-AI2AI-Version", envelope.CurrentProtoVersion)

	client := &http.Client{Timeout: n.cfg.Timeout}
	httpResp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ping %s: %w", endpoint, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("peer %s rejected ping: HTTP %d", endpoint, httpResp.StatusCode)
	}

	var resp pingResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode ping response: %w", err)
	}
	return &resp, nil
}
