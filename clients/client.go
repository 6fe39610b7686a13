// Package clients provides read-only chain access for the payment engine.
// A client reports facts about transfers and blocks; it never holds payment
// state and never signs anything.
package clients

import (
	"context"

	"github.com/sheikhcoders/SheikhPay/types"
)

// ChainClient is the per-chain capability interface consumed by the watcher
// scheduler and the confirmation tracker. One instance exists per configured
// chain, selected by configuration.
type ChainClient interface {
	// Chain returns the network this client serves.
	Chain() types.Chain

	// GetTransfers returns all transfers of the given asset to the given
	// address with block number >= fromBlock, up to the current head.
	GetTransfers(ctx context.Context, address string, asset types.Asset, fromBlock uint64) ([]types.Transfer, error)

	// GetBlockHeight returns the current head block number.
	GetBlockHeight(ctx context.Context) (uint64, error)

	// GetReceipt looks up a transaction receipt. A missing transaction is
	// reported through Receipt.Found, not as an error; only transport and
	// RPC failures return an error.
	GetReceipt(ctx context.Context, txHash string) (types.Receipt, error)

	Close()
}
