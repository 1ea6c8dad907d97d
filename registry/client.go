// Package registry provides two interchangeable backends for the
// Discovery Client's registry lookup (§4.11): a reference REST server
// (server.go) and an optional on-chain client (ethereum_client.go).
// Each resolves an agent id to an endpoint and public key; a node
// configures exactly one at a time, so neither is forced through a
// shared interface.
package registry

// ClientConfig configures an on-chain registry client.
type ClientConfig struct {
	RPC      string `json:"rpc"`
	Contract string `json:"contract"`
	ChainID  uint64 `json:"chain_id,omitempty"`
}
