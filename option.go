package sheikhpay

import (
	"github.com/sheikhcoders/SheikhPay/logger"
	"github.com/sheikhcoders/SheikhPay/metrics"
	"github.com/sheikhcoders/SheikhPay/rates"
	"github.com/sheikhcoders/SheikhPay/store"
)

type Option func(*Gateway)

func WithLogger(l logger.Logger) Option {
	return func(g *Gateway) {
		g.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(g *Gateway) {
		g.metrics = r
	}
}

// WithStore supplies a persistent store. The caller keeps ownership and
// closes it after the gateway.
func WithStore(s store.Store) Option {
	return func(g *Gateway) {
		g.store = s
	}
}

// WithOracle replaces the default CoinGecko rate source, typically with a
// FixedOracle in tests and sandboxes.
func WithOracle(o rates.Oracle) Option {
	return func(g *Gateway) {
		g.oracle = o
	}
}
