// Package types contains shared type definitions used across multiple packages
package types

// SupportedChain represents a blockchain network a venue adapter can run on
type SupportedChain string

// Supported blockchain networks
const (
	ChainEthereum SupportedChain = "ethereum"
	ChainArbitrum SupportedChain = "arbitrum"
	ChainOptimism SupportedChain = "optimism"
	ChainBase     SupportedChain = "base"
	ChainPolygon  SupportedChain = "polygon"
)

// ChainConfig holds per-network settings for venue adapters
type ChainConfig struct {
	Enabled bool `json:"enabled"`

	// RPCEndpoint is the primary JSON-RPC endpoint for on-chain reads
	RPCEndpoint string `json:"rpc_endpoint"`

	// RPCFallback is tried when the primary endpoint fails
	RPCFallback string `json:"rpc_fallback,omitempty"`

	// APIEndpoint is the venue's off-chain data API
	APIEndpoint string `json:"api_endpoint"`

	// APIKey authenticates against the venue API when required
	APIKey string `json:"api_key,omitempty"`
}
