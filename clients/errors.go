package clients

import (
	"fmt"

	"github.com/sheikhcoders/SheikhPay/types"
)

// adapterErr wraps a transport or RPC failure as ADAPTER_UNAVAILABLE.
// Adapters never retry; the watcher scheduler owns backoff.
func adapterErr(chain types.Chain, op string, err error) error {
	return &types.Error{
		Code:    types.ErrAdapterUnavailable,
		Message: fmt.Sprintf("%s: %s failed", chain, op),
		Err:     err,
	}
}
