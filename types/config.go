package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ChainConfig configures one chain client and its watcher behavior.
type ChainConfig struct {
	RPCURL        string        `json:"rpcUrl"`
	FinalityDepth uint64        `json:"finalityDepth"`
	PollInterval  time.Duration `json:"pollInterval"`
	RPCTimeout    time.Duration `json:"rpcTimeout"`
	// RateLimit caps RPC calls per second for this chain; zero means no cap.
	RateLimit float64 `json:"rateLimit,omitempty"`
}

// Config is the engine configuration. It is constructed once by the caller
// and never mutated after the engine starts.
type Config struct {
	Chains map[Chain]ChainConfig `json:"chains"`

	// PrimaryWallet receives payments on all chains unless overridden.
	// AlternativeWallet, when set, receives payments on BSC.
	PrimaryWallet     string `json:"primaryWallet"`
	AlternativeWallet string `json:"alternativeWallet,omitempty"`

	Tolerance        decimal.Decimal `json:"tolerance"`
	RateLockDuration time.Duration   `json:"rateLockDuration"`

	WebhookSecret      string        `json:"webhookSecret"`
	WebhookMaxAttempts int           `json:"webhookMaxAttempts"`
	WebhookBaseBackoff time.Duration `json:"webhookBaseBackoff"`
	WebhookMaxBackoff  time.Duration `json:"webhookMaxBackoff"`
	DispatcherWorkers  int           `json:"dispatcherWorkers"`

	// WatcherFailureBudget is the number of consecutive adapter failures
	// after which a watcher fails its payments and retires.
	WatcherFailureBudget int           `json:"watcherFailureBudget"`
	WatcherMaxBackoff    time.Duration `json:"watcherMaxBackoff"`
}

// Defaults applied by DefaultConfig and filled in by Validate when left zero.
const (
	DefaultRateLockDuration   = 15 * time.Minute
	DefaultWebhookMaxAttempts = 8
	DefaultWebhookBaseBackoff = 30 * time.Second
	DefaultWebhookMaxBackoff  = time.Hour
	DefaultDispatcherWorkers  = 4
	DefaultFailureBudget      = 10
	DefaultWatcherMaxBackoff  = 5 * time.Minute
	DefaultRPCTimeout         = 10 * time.Second
)

// DefaultTolerance is the ±1% under/overpayment band.
var DefaultTolerance = decimal.NewFromFloat(0.01)

// DefaultChainConfig returns the built-in finality depth and poll interval
// for a chain. Finality depths follow common operator practice: 12 for
// Ethereum mainnet, deeper for the faster chains.
func DefaultChainConfig(chain Chain) ChainConfig {
	cfg := ChainConfig{
		FinalityDepth: 12,
		PollInterval:  12 * time.Second,
		RPCTimeout:    DefaultRPCTimeout,
	}
	switch chain {
	case ChainBSC:
		cfg.FinalityDepth = 15
		cfg.PollInterval = 3 * time.Second
	case ChainPolygon:
		cfg.FinalityDepth = 64
		cfg.PollInterval = 3 * time.Second
	case ChainArbitrum:
		cfg.FinalityDepth = 20
		cfg.PollInterval = 2 * time.Second
	case ChainOptimism:
		cfg.FinalityDepth = 20
		cfg.PollInterval = 2 * time.Second
	}
	return cfg
}

// DefaultConfig returns a config with documented defaults and the given
// chains enabled at their built-in parameters.
func DefaultConfig(primaryWallet, webhookSecret string, rpcURLs map[Chain]string) *Config {
	chains := make(map[Chain]ChainConfig, len(rpcURLs))
	for chain, url := range rpcURLs {
		cfg := DefaultChainConfig(chain)
		cfg.RPCURL = url
		chains[chain] = cfg
	}
	return &Config{
		Chains:               chains,
		PrimaryWallet:        primaryWallet,
		Tolerance:            DefaultTolerance,
		RateLockDuration:     DefaultRateLockDuration,
		WebhookSecret:        webhookSecret,
		WebhookMaxAttempts:   DefaultWebhookMaxAttempts,
		WebhookBaseBackoff:   DefaultWebhookBaseBackoff,
		WebhookMaxBackoff:    DefaultWebhookMaxBackoff,
		DispatcherWorkers:    DefaultDispatcherWorkers,
		WatcherFailureBudget: DefaultFailureBudget,
		WatcherMaxBackoff:    DefaultWatcherMaxBackoff,
	}
}

// WalletForChain returns the merchant wallet receiving payments on a chain.
func (c *Config) WalletForChain(chain Chain) string {
	if chain == ChainBSC && c.AlternativeWallet != "" {
		return c.AlternativeWallet
	}
	return c.PrimaryWallet
}

// Validate checks required fields and fills zero values with defaults.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return &Error{Code: ErrInvalidSpec, Message: "config: at least one chain is required"}
	}
	for chain, cc := range c.Chains {
		if !chain.Known() {
			return &Error{Code: ErrUnsupportedChain, Message: fmt.Sprintf("config: unknown chain %q", chain)}
		}
		if cc.RPCURL == "" {
			return &Error{Code: ErrInvalidSpec, Message: fmt.Sprintf("config: chain %s has no RPC URL", chain)}
		}
		def := DefaultChainConfig(chain)
		if cc.FinalityDepth == 0 {
			cc.FinalityDepth = def.FinalityDepth
		}
		if cc.PollInterval <= 0 {
			cc.PollInterval = def.PollInterval
		}
		if cc.RPCTimeout <= 0 {
			cc.RPCTimeout = def.RPCTimeout
		}
		c.Chains[chain] = cc
	}
	if c.PrimaryWallet == "" {
		return &Error{Code: ErrInvalidSpec, Message: "config: primary wallet is required"}
	}
	if c.Tolerance.IsZero() {
		c.Tolerance = DefaultTolerance
	}
	if c.Tolerance.IsNegative() || c.Tolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return &Error{Code: ErrInvalidSpec, Message: "config: tolerance must be in [0, 1)"}
	}
	if c.RateLockDuration <= 0 {
		c.RateLockDuration = DefaultRateLockDuration
	}
	if c.WebhookMaxAttempts <= 0 {
		c.WebhookMaxAttempts = DefaultWebhookMaxAttempts
	}
	if c.WebhookBaseBackoff <= 0 {
		c.WebhookBaseBackoff = DefaultWebhookBaseBackoff
	}
	if c.WebhookMaxBackoff <= 0 {
		c.WebhookMaxBackoff = DefaultWebhookMaxBackoff
	}
	if c.DispatcherWorkers <= 0 {
		c.DispatcherWorkers = DefaultDispatcherWorkers
	}
	if c.WatcherFailureBudget <= 0 {
		c.WatcherFailureBudget = DefaultFailureBudget
	}
	if c.WatcherMaxBackoff <= 0 {
		c.WatcherMaxBackoff = DefaultWatcherMaxBackoff
	}
	return nil
}
