package rates

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/sheikhcoders/SheikhPay/types"
)

var _ Oracle = (*CoinGeckoOracle)(nil)

const coinGeckoBaseURL = "https://api.coingecko.com/api/v3"

// coinIDs maps asset symbols to CoinGecko coin ids.
var coinIDs = map[string]string{
	"ETH":   "ethereum",
	"BNB":   "binancecoin",
	"MATIC": "matic-network",
	"USDT":  "tether",
	"USDC":  "usd-coin",
	"DAI":   "dai",
	"BUSD":  "binance-usd",
}

// CoinGeckoOracle locks rates against the CoinGecko simple price API.
type CoinGeckoOracle struct {
	client       *resty.Client
	lockDuration time.Duration
}

func NewCoinGeckoOracle(lockDuration time.Duration, timeout time.Duration) *CoinGeckoOracle {
	client := resty.New().
		SetBaseURL(coinGeckoBaseURL).
		SetTimeout(timeout).
		SetRetryCount(2)
	return &CoinGeckoOracle{
		client:       client,
		lockDuration: lockDuration,
	}
}

func (o *CoinGeckoOracle) LockRate(ctx context.Context, fiatAmount decimal.Decimal, fiatCurrency string, asset types.Asset, chain types.Chain) (types.RateLock, error) {
	coinID, ok := coinIDs[asset.Symbol]
	if !ok {
		return types.RateLock{}, &types.Error{
			Code:    types.ErrRateUnavailable,
			Message: fmt.Sprintf("no price source for asset %s", asset.Symbol),
		}
	}
	vs := strings.ToLower(fiatCurrency)

	var body map[string]map[string]decimal.Decimal
	resp, err := o.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"ids":           coinID,
			"vs_currencies": vs,
		}).
		SetResult(&body).
		Get("/simple/price")
	if err != nil {
		return types.RateLock{}, &types.Error{
			Code:    types.ErrRateUnavailable,
			Message: "price request failed",
			Err:     err,
		}
	}
	if resp.IsError() {
		return types.RateLock{}, &types.Error{
			Code:    types.ErrRateUnavailable,
			Message: fmt.Sprintf("price request returned %s", resp.Status()),
		}
	}

	rate, ok := body[coinID][vs]
	if !ok {
		return types.RateLock{}, &types.Error{
			Code:    types.ErrRateUnavailable,
			Message: fmt.Sprintf("no %s price for %s", fiatCurrency, asset.Symbol),
		}
	}
	return newLock(fiatAmount, rate, asset, o.lockDuration, time.Now().UTC())
}
