package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikhcoders/SheikhPay/clients"
	"github.com/sheikhcoders/SheikhPay/logger"
	"github.com/sheikhcoders/SheikhPay/metrics"
	"github.com/sheikhcoders/SheikhPay/store"
	"github.com/sheikhcoders/SheikhPay/types"
)

type stubClient struct {
	mu        sync.Mutex
	chain     types.Chain
	height    uint64
	transfers []types.Transfer
	receipts  map[string]types.Receipt
	err       error
}

var _ clients.ChainClient = (*stubClient)(nil)

func newStubClient(chain types.Chain, height uint64) *stubClient {
	return &stubClient{chain: chain, height: height, receipts: make(map[string]types.Receipt)}
}

func (c *stubClient) Chain() types.Chain { return c.chain }

func (c *stubClient) GetTransfers(ctx context.Context, address string, asset types.Asset, fromBlock uint64) ([]types.Transfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	var out []types.Transfer
	for _, tr := range c.transfers {
		if tr.BlockNumber >= fromBlock && sameAsset(tr.Asset, asset) {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (c *stubClient) GetBlockHeight(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	return c.height, nil
}

func (c *stubClient) GetReceipt(ctx context.Context, txHash string) (types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return types.Receipt{}, c.err
	}
	return c.receipts[txHash], nil
}

func (c *stubClient) Close() {}

func (c *stubClient) addTransfer(tr types.Transfer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers = append(c.transfers, tr)
}

func (c *stubClient) setReceipt(txHash string, r types.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[txHash] = r
}

func (c *stubClient) setHeight(h uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height = h
}

func (c *stubClient) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func fastConfig() *types.Config {
	return &types.Config{
		Chains: map[types.Chain]types.ChainConfig{
			types.ChainEthereum: {
				RPCURL:        "stub",
				FinalityDepth: 12,
				PollInterval:  5 * time.Millisecond,
				RPCTimeout:    time.Second,
			},
		},
		PrimaryWallet:        testRecipient,
		Tolerance:            dec("0.01"),
		RateLockDuration:     15 * time.Minute,
		WatcherFailureBudget: 3,
		WatcherMaxBackoff:    20 * time.Millisecond,
	}
}

func newTestScheduler(t *testing.T, client *stubClient) (*Scheduler, *Machine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	machine := NewMachine(st, logger.NoopLogger{}, metrics.NoopRecorder{}, nil)
	s := NewScheduler(st, map[types.Chain]clients.ChainClient{types.ChainEthereum: client},
		machine, fastConfig(), logger.NoopLogger{}, metrics.NoopRecorder{})
	return s, machine, st
}

func (s *Scheduler) watcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func TestSchedulerClaimsObservedTransfer(t *testing.T) {
	client := newStubClient(types.ChainEthereum, 100)
	s, _, st := newTestScheduler(t, client)

	p := createPayment(t, st)
	client.addTransfer(*transferAt("0xaaa1", "0.05", 98))

	var claimMu sync.Mutex
	var claimed []string
	s.onClaim = func(p *types.Payment, txHash, address string) {
		claimMu.Lock()
		defer claimMu.Unlock()
		claimed = append(claimed, txHash)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Watch(types.ChainEthereum, testRecipient)
	defer s.Stop()

	require.Eventually(t, func() bool {
		got, err := st.GetPayment(ctx, p.ID)
		return err == nil && got.Status == types.StatusAwaitingConfirmation
	}, 2*time.Second, 5*time.Millisecond)

	claimMu.Lock()
	defer claimMu.Unlock()
	assert.Equal(t, []string{"0xaaa1"}, claimed)
}

func TestSchedulerRetiresWhenNoOpenPayments(t *testing.T) {
	client := newStubClient(types.ChainEthereum, 100)
	s, _, _ := newTestScheduler(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Watch(types.ChainEthereum, testRecipient)

	require.Eventually(t, func() bool {
		return s.watcherCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestSchedulerExpiresStalePayments(t *testing.T) {
	client := newStubClient(types.ChainEthereum, 100)
	s, _, st := newTestScheduler(t, client)

	p := testPayment()
	p.RateLockExpiry = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.CreatePayment(context.Background(), p))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Watch(types.ChainEthereum, testRecipient)
	defer s.Stop()

	require.Eventually(t, func() bool {
		got, err := st.GetPayment(ctx, p.ID)
		return err == nil && got.Status == types.StatusExpired
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerFailsPaymentsAfterAdapterBudget(t *testing.T) {
	client := newStubClient(types.ChainEthereum, 100)
	client.setErr(errors.New("rpc down"))
	s, _, st := newTestScheduler(t, client)

	p := createPayment(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Watch(types.ChainEthereum, testRecipient)
	defer s.Stop()

	require.Eventually(t, func() bool {
		got, err := st.GetPayment(ctx, p.ID)
		return err == nil && got.Status == types.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	got, err := st.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "chain adapter unreachable", got.FailureReason)
}

func TestSchedulerWatchIsIdempotent(t *testing.T) {
	client := newStubClient(types.ChainEthereum, 100)
	s, _, st := newTestScheduler(t, client)
	createPayment(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Watch(types.ChainEthereum, testRecipient)
	// Address comparison is case-insensitive: same watcher.
	s.Watch(types.ChainEthereum, "0X742D35CC6634C0532925A3B8D098F69DB22B6B8B")
	assert.Equal(t, 1, s.watcherCount())
	s.Stop()
}

func TestRewindMovesCursorBackOnly(t *testing.T) {
	w := &watcher{}
	w.setCursor(100)
	w.rewind(120)
	assert.Equal(t, uint64(100), w.getCursor())
	w.rewind(80)
	assert.Equal(t, uint64(80), w.getCursor())
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	base := 10 * time.Millisecond
	max := 100 * time.Millisecond

	assert.Equal(t, base, backoffDelay(base, 0, max))
	assert.Equal(t, base, backoffDelay(base, 1, max))
	assert.Equal(t, 20*time.Millisecond, backoffDelay(base, 2, max))
	assert.Equal(t, 40*time.Millisecond, backoffDelay(base, 3, max))
	assert.Equal(t, max, backoffDelay(base, 5, max))
	// Huge failure counts never overflow past the cap.
	assert.Equal(t, max, backoffDelay(base, 500, max))
}

func TestUniqueAssetsCollapsesDuplicates(t *testing.T) {
	usdc := types.Asset{Symbol: "USDC", Contract: usdcPolygon, Decimals: 6}
	eth := types.Asset{Symbol: "ETH", Decimals: 18}
	payments := []*types.Payment{
		{Asset: usdc},
		{Asset: eth},
		{Asset: types.Asset{Symbol: "USDC.e", Contract: usdcPolygon, Decimals: 6}},
		{Asset: eth},
	}

	assets := uniqueAssets(payments)
	assert.Len(t, assets, 2)
}
