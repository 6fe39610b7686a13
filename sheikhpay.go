// Package sheikhpay verifies and settles non-custodial crypto payments on
// EVM chains. A merchant creates a payment for a fiat amount, the engine
// locks an exchange rate, watches the merchant wallet for matching
// transfers, tracks confirmations through reorgs, and reports settlement
// through signed webhooks and an in-process event feed.
package sheikhpay

import (
	"context"

	"github.com/sheikhcoders/SheikhPay/clients"
	"github.com/sheikhcoders/SheikhPay/engine"
	"github.com/sheikhcoders/SheikhPay/logger"
	"github.com/sheikhcoders/SheikhPay/metrics"
	"github.com/sheikhcoders/SheikhPay/rates"
	"github.com/sheikhcoders/SheikhPay/store"
	"github.com/sheikhcoders/SheikhPay/types"
	"github.com/sheikhcoders/SheikhPay/webhook"
)

const Version = "1.0.0"

// Gateway is the top-level entry point. It owns the chain clients, the
// payment engine, and the webhook dispatcher; the store and oracle are
// pluggable through options.
type Gateway struct {
	engine     *engine.Engine
	dispatcher *webhook.Dispatcher
	store      store.Store
	oracle     rates.Oracle
	ownsStore  bool

	log     logger.Logger
	metrics metrics.Recorder
}

// New builds a gateway from a validated config. Chains named in the config
// get an EVM client dialed against their RPC URL. Without options the
// gateway runs on an in-memory store and the CoinGecko oracle; production
// deployments supply a persistent store with WithStore.
func New(cfg *types.Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, &types.Error{Code: types.ErrInvalidSpec, Message: "config is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{
		log:     logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.store == nil {
		g.store = store.NewMemoryStore()
		g.ownsStore = true
	}
	if g.oracle == nil {
		g.oracle = rates.NewCoinGeckoOracle(cfg.RateLockDuration, types.DefaultRPCTimeout)
	}

	chainClients := make(map[types.Chain]clients.ChainClient, len(cfg.Chains))
	for chain, cc := range cfg.Chains {
		client, err := clients.NewEVMClient(chain, cc.RPCURL, cc.RateLimit)
		if err != nil {
			for _, c := range chainClients {
				c.Close()
			}
			return nil, err
		}
		chainClients[chain] = client
	}

	eng, err := engine.New(cfg, g.store, g.oracle, chainClients, g.log, g.metrics)
	if err != nil {
		for _, c := range chainClients {
			c.Close()
		}
		return nil, err
	}
	g.engine = eng
	g.dispatcher = webhook.NewDispatcher(g.store, cfg, g.log, g.metrics)
	return g, nil
}

// Start launches the watchers, confirmation trackers, and the webhook
// dispatcher, recovering any open payments from the store.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.engine.Start(ctx); err != nil {
		return err
	}
	g.dispatcher.Start(ctx)
	return nil
}

// CreatePayment locks an exchange rate and registers a new payment for
// watching. The returned payment carries the locked rate, the target crypto
// amount, and an EIP-681 payment URI for wallet deep links.
func (g *Gateway) CreatePayment(ctx context.Context, spec types.PaymentSpec) (*types.Payment, error) {
	return g.engine.CreatePayment(ctx, spec)
}

func (g *Gateway) GetPayment(ctx context.Context, id string) (*types.Payment, error) {
	return g.engine.GetPayment(ctx, id)
}

// CancelPayment voids a payment that has not observed a qualifying transfer.
func (g *Gateway) CancelPayment(ctx context.Context, id string) error {
	return g.engine.CancelPayment(ctx, id)
}

// Subscribe returns a feed of committed payment events for in-process
// consumers. Webhook delivery does not depend on this feed.
func (g *Gateway) Subscribe() <-chan *types.WebhookEvent {
	return g.engine.Subscribe()
}

// Close stops background work and releases chain clients. The store is
// closed only when the gateway created it.
func (g *Gateway) Close() {
	g.dispatcher.Stop()
	g.engine.Close()
	if g.ownsStore {
		g.store.Close()
	}
}
