package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// resolveAgentABI is the minimal read surface of the on-chain agent
// registry contract: one view function mapping an agent id to its
// endpoint, Ed25519 public key, and active flag.
const resolveAgentABI = `[{"constant":true,"inputs":[{"name":"agentId","type":"string"}],"name":"resolveAgent","outputs":[{"name":"endpoint","type":"string"},{"name":"pubKey","type":"bytes"},{"name":"active","type":"bool"}],"stateMutability":"view","type":"function"}]`

// EthereumClient resolves agents from a deployed on-chain registry
// contract. This is the last-resort Discovery Client method (§4.11):
// most deployments rely on DNS, well-known, or the Registry REST server
// instead, and fall back to this only when neither is configured.
type EthereumClient struct {
	client       *ethclient.Client
	contract     *bind.BoundContract
	contractAddr common.Address
}

// NewEthereumClient dials the configured RPC endpoint and binds the
// agent registry contract at config.Contract.
func NewEthereumClient(config *ClientConfig) (*EthereumClient, error) {
	client, err := ethclient.Dial(config.RPC)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(resolveAgentABI))
	if err != nil {
		return nil, fmt.Errorf("parse agent registry ABI: %w", err)
	}

	contractAddr := common.HexToAddress(config.Contract)
	contract := bind.NewBoundContract(contractAddr, parsedABI, client, client, client)

	return &EthereumClient{
		client:       client,
		contract:     contract,
		contractAddr: contractAddr,
	}, nil
}

// ChainAgent is what a successful on-chain resolution yields.
type ChainAgent struct {
	Endpoint  string
	PublicKey []byte
	Active    bool
}

// GetAgentByID resolves agentID against the registry contract's
// resolveAgent view function. A contract revert (unknown agent) and a
// genuine RPC failure both surface as an error; callers that treat
// "not found" as a non-fatal miss (e.g. the Discovery Client) should
// degrade to the next discovery method rather than propagate it.
func (c *EthereumClient) GetAgentByID(ctx context.Context, agentID string) (*ChainAgent, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, "resolveAgent", agentID); err != nil {
		return nil, fmt.Errorf("resolveAgent(%s): %w", agentID, err)
	}
	if len(out) != 3 {
		return nil, fmt.Errorf("resolveAgent(%s): unexpected return arity %d", agentID, len(out))
	}

	endpoint, ok := out[0].(string)
	if !ok {
		return nil, fmt.Errorf("resolveAgent(%s): endpoint field not a string", agentID)
	}
	pubKey, _ := out[1].([]byte)
	active, _ := out[2].(bool)

	return &ChainAgent{Endpoint: endpoint, PublicKey: pubKey, Active: active}, nil
}
