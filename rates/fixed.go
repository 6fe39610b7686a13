package rates

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sheikhcoders/SheikhPay/types"
)

var _ Oracle = (*FixedOracle)(nil)

// FixedOracle serves rates from a static table. Used for sandbox operation
// and tests, where deterministic prices matter more than accurate ones.
type FixedOracle struct {
	// rates maps asset symbol to fiat price per unit.
	rates        map[string]decimal.Decimal
	lockDuration time.Duration
}

func NewFixedOracle(prices map[string]decimal.Decimal, lockDuration time.Duration) *FixedOracle {
	return &FixedOracle{
		rates:        prices,
		lockDuration: lockDuration,
	}
}

func (o *FixedOracle) LockRate(ctx context.Context, fiatAmount decimal.Decimal, fiatCurrency string, asset types.Asset, chain types.Chain) (types.RateLock, error) {
	rate, ok := o.rates[asset.Symbol]
	if !ok {
		return types.RateLock{}, &types.Error{
			Code:    types.ErrRateUnavailable,
			Message: fmt.Sprintf("no fixed rate for asset %s", asset.Symbol),
		}
	}
	return newLock(fiatAmount, rate, asset, o.lockDuration, time.Now().UTC())
}
