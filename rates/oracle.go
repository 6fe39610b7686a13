// Package rates converts invoiced fiat amounts into target on-chain
// quantities at a fixed snapshot price, valid for a bounded lock window.
package rates

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sheikhcoders/SheikhPay/types"
)

// Oracle produces rate locks. A failed lock fails payment creation fast; no
// partial payment record is ever created from an unavailable rate.
type Oracle interface {
	// LockRate returns the snapshot price of one asset unit in the fiat
	// currency and the resulting target amount, valid until Expiry.
	LockRate(ctx context.Context, fiatAmount decimal.Decimal, fiatCurrency string, asset types.Asset, chain types.Chain) (types.RateLock, error)
}

// newLock derives a RateLock from a unit price. The target amount is rounded
// to the asset's decimals, rounding half up.
func newLock(fiatAmount, rate decimal.Decimal, asset types.Asset, lockDuration time.Duration, now time.Time) (types.RateLock, error) {
	if rate.Sign() <= 0 {
		return types.RateLock{}, &types.Error{
			Code:    types.ErrRateUnavailable,
			Message: "rate oracle returned a non-positive price",
		}
	}
	target := fiatAmount.Div(rate).Round(int32(asset.Decimals))
	return types.RateLock{
		Rate:         rate,
		TargetAmount: target,
		Expiry:       now.Add(lockDuration),
	}, nil
}
