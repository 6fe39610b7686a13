package types

import "fmt"

// Chain represents a supported EVM network.
type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainBSC      Chain = "bsc"
	ChainPolygon  Chain = "polygon"
	ChainArbitrum Chain = "arbitrum"
	ChainOptimism Chain = "optimism"
)

func (c Chain) String() string {
	return string(c)
}

// Known reports whether the chain is one of the built-in networks.
func (c Chain) Known() bool {
	_, ok := chainInfo[c]
	return ok
}

// ChainID returns the EIP-155 chain id, or 0 for an unknown chain.
func (c Chain) ChainID() uint64 {
	return chainInfo[c].chainID
}

// NativeCurrency returns the symbol of the chain's native coin.
func (c Chain) NativeCurrency() string {
	return chainInfo[c].nativeCurrency
}

// ExplorerTxURL returns the block explorer URL for a transaction hash.
func (c Chain) ExplorerTxURL(txHash string) string {
	info, ok := chainInfo[c]
	if !ok {
		return ""
	}
	return info.explorer + txHash
}

type chainMeta struct {
	chainID        uint64
	nativeCurrency string
	explorer       string
}

var chainInfo = map[Chain]chainMeta{
	ChainEthereum: {1, "ETH", "https://etherscan.io/tx/"},
	ChainBSC:      {56, "BNB", "https://bscscan.com/tx/"},
	ChainPolygon:  {137, "MATIC", "https://polygonscan.com/tx/"},
	ChainArbitrum: {42161, "ETH", "https://arbiscan.io/tx/"},
	ChainOptimism: {10, "ETH", "https://optimistic.etherscan.io/tx/"},
}

// KnownAssets lists the assets accepted per chain. Contract addresses are the
// canonical mainnet deployments; pegged tokens on BSC use 18 decimals.
var KnownAssets = map[Chain][]Asset{
	ChainEthereum: {
		{Symbol: "ETH", Decimals: 18},
		{Symbol: "USDT", Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
		{Symbol: "USDC", Contract: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
		{Symbol: "DAI", Contract: "0x6B175474E89094C44Da98b954EedeAC495271d0F", Decimals: 18},
	},
	ChainBSC: {
		{Symbol: "BNB", Decimals: 18},
		{Symbol: "USDT", Contract: "0x55d398326f99059fF775485246999027B3197955", Decimals: 18},
		{Symbol: "USDC", Contract: "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d", Decimals: 18},
		{Symbol: "BUSD", Contract: "0xe9e7CEA3DedcA5984780Bafc599bD69ADd087D56", Decimals: 18},
	},
	ChainPolygon: {
		{Symbol: "MATIC", Decimals: 18},
		{Symbol: "USDT", Contract: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", Decimals: 6},
		{Symbol: "USDC", Contract: "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174", Decimals: 6},
	},
	ChainArbitrum: {
		{Symbol: "ETH", Decimals: 18},
		{Symbol: "USDT", Contract: "0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9", Decimals: 6},
		{Symbol: "USDC", Contract: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Decimals: 6},
	},
	ChainOptimism: {
		{Symbol: "ETH", Decimals: 18},
		{Symbol: "USDT", Contract: "0x94b008aA00579c1307B0EF2c499aD98a8ce58e58", Decimals: 6},
		{Symbol: "USDC", Contract: "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", Decimals: 6},
	},
}

// AssetBySymbol resolves an asset symbol on a chain against KnownAssets.
func AssetBySymbol(chain Chain, symbol string) (Asset, error) {
	for _, a := range KnownAssets[chain] {
		if a.Symbol == symbol {
			return a, nil
		}
	}
	return Asset{}, &Error{
		Code:    ErrInvalidSpec,
		Message: fmt.Sprintf("asset %s is not supported on chain %s", symbol, chain),
	}
}
