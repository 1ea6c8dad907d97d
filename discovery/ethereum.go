package discovery

import (
	"context"
	"encoding/base64"

	"github.com/ai2ai-project/ai2ai-node/registry"
)

// ethereumMethod resolves a peer's endpoint and identity key from a
// deployed agent-registry contract. This is an optional, last-resort
// method: most deployments rely on DNS, well-known, or the Registry
// REST server instead.
type ethereumMethod struct {
	client *registry.EthereumClient
}

// NewEthereumMethod wraps an on-chain registry client as a discovery Method.
func NewEthereumMethod(client *registry.EthereumClient) Method {
	return &ethereumMethod{client: client}
}

func (m *ethereumMethod) Lookup(ctx context.Context, agentID string) (Result, bool, error) {
	agent, err := m.client.GetAgentByID(ctx, agentID)
	if err != nil {
		return Result{}, false, nil
	}
	if agent == nil || agent.Endpoint == "" || !agent.Active {
		return Result{}, false, nil
	}

	return Result{Endpoint: agent.Endpoint, PublicKey: base64.StdEncoding.EncodeToString(agent.PublicKey)}, true, nil
}
