package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sheikhcoders/SheikhPay/clients"
	"github.com/sheikhcoders/SheikhPay/logger"
	"github.com/sheikhcoders/SheikhPay/metrics"
	"github.com/sheikhcoders/SheikhPay/store"
	"github.com/sheikhcoders/SheikhPay/types"
)

// errRetire signals that a watcher has no non-terminal payments left and
// should stop polling its address.
var errRetire = errors.New("watcher retired")

// cursorLookback is how many blocks behind the head a fresh watcher starts,
// covering transfers mined between payment creation and the first poll.
const cursorLookback = 4

type watchKey struct {
	chain   types.Chain
	address string // lowercased
}

type watcher struct {
	key    watchKey
	cancel context.CancelFunc

	mu     sync.Mutex
	cursor uint64
}

func (w *watcher) getCursor() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

func (w *watcher) setCursor(c uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cursor = c
}

func (w *watcher) rewind(block uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cursor == 0 || block < w.cursor {
		w.cursor = block
	}
}

// Scheduler runs one polling loop per active (chain, address) pair. Watchers
// are shared across all open payments targeting the same address, back off
// exponentially on adapter errors, and retire once the address has zero
// non-terminal payments.
type Scheduler struct {
	store   store.Store
	clients map[types.Chain]clients.ChainClient
	machine *Machine
	cfg     *types.Config
	log     logger.Logger
	metrics metrics.Recorder

	// onClaim runs after a transfer is claimed, so the engine can start
	// confirmation tracking.
	onClaim func(p *types.Payment, txHash, address string)

	mu       sync.Mutex
	ctx      context.Context
	watchers map[watchKey]*watcher
	wg       sync.WaitGroup
}

func NewScheduler(st store.Store, chainClients map[types.Chain]clients.ChainClient, machine *Machine, cfg *types.Config, log logger.Logger, rec metrics.Recorder) *Scheduler {
	return &Scheduler{
		store:    st,
		clients:  chainClients,
		machine:  machine,
		cfg:      cfg,
		log:      log,
		metrics:  rec,
		watchers: make(map[watchKey]*watcher),
	}
}

// Start binds the scheduler to its lifetime context. Must be called before
// Watch.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
}

// Watch ensures a polling loop exists for the (chain, address) pair.
// Watching an already-watched pair is a no-op.
func (s *Scheduler) Watch(chain types.Chain, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	key := watchKey{chain: chain, address: strings.ToLower(address)}
	if _, ok := s.watchers[key]; ok {
		return
	}

	watchCtx, cancel := context.WithCancel(s.ctx)
	w := &watcher{key: key, cancel: cancel}
	s.watchers[key] = w
	s.wg.Add(1)
	go s.run(watchCtx, w, address)
}

// Rewind moves a watcher's block cursor back so re-mined transfers are
// re-observed after a reorg.
func (s *Scheduler) Rewind(chain types.Chain, address string, block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := watchKey{chain: chain, address: strings.ToLower(address)}
	if w, ok := s.watchers[key]; ok {
		w.rewind(block)
	}
}

// Stop cancels all watchers and waits for them to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for key, w := range s.watchers {
		w.cancel()
		delete(s.watchers, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, w *watcher, address string) {
	defer s.wg.Done()
	defer s.retire(w)

	client, ok := s.clients[w.key.chain]
	if !ok {
		s.log.Error("no chain client for watcher", map[string]any{"chain": w.key.chain.String()})
		return
	}
	chainCfg := s.cfg.Chains[w.key.chain]

	failures := 0
	delay := chainCfg.PollInterval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		start := time.Now()
		err := s.poll(ctx, w, client, chainCfg, address)
		s.metrics.ObserveLatency(metrics.OpWatcherPoll, time.Since(start), chainLabels(w.key.chain))

		switch {
		case errors.Is(err, errRetire):
			return
		case err != nil:
			failures++
			s.log.Warn("watcher poll failed", map[string]any{
				"chain":    w.key.chain.String(),
				"address":  address,
				"failures": failures,
				"error":    err.Error(),
			})
			if failures >= s.cfg.WatcherFailureBudget {
				s.failPayments(ctx, w, address)
				return
			}
			delay = backoffDelay(chainCfg.PollInterval, failures, s.cfg.WatcherMaxBackoff)
		default:
			failures = 0
			delay = chainCfg.PollInterval
		}
		timer.Reset(delay)
	}
}

// poll performs one scan of the watcher's address: expire stale payments,
// fetch new transfers, and feed them to the matcher oldest-payment-first.
func (s *Scheduler) poll(ctx context.Context, w *watcher, client clients.ChainClient, chainCfg types.ChainConfig, address string) error {
	payments, err := s.store.ListOpenPaymentsFor(ctx, w.key.chain, address)
	if err != nil {
		return err
	}
	if len(payments) == 0 {
		return errRetire
	}

	now := time.Now().UTC()
	active := payments[:0]
	for _, p := range payments {
		expired, err := s.machine.ApplyExpiry(ctx, p.ID, now)
		if err != nil {
			return err
		}
		if !expired {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return errRetire
	}

	callCtx, cancel := context.WithTimeout(ctx, chainCfg.RPCTimeout)
	defer cancel()

	height, err := client.GetBlockHeight(callCtx)
	if err != nil {
		return err
	}
	from := w.getCursor()
	if from == 0 {
		if height > cursorLookback {
			from = height - cursorLookback
		} else {
			from = 0
		}
	}
	if from > height {
		return nil
	}

	for _, asset := range uniqueAssets(active) {
		transfers, err := client.GetTransfers(callCtx, address, asset, from)
		if err != nil {
			return err
		}
		for i := range transfers {
			s.dispatchTransfer(ctx, active, &transfers[i], address)
		}
	}

	w.setCursor(height + 1)
	return nil
}

// dispatchTransfer offers the transfer to open payments oldest first; the
// first payment to claim it consumes it.
func (s *Scheduler) dispatchTransfer(ctx context.Context, payments []*types.Payment, t *types.Transfer, address string) {
	for _, p := range payments {
		if !sameAsset(p.Asset, t.Asset) {
			continue
		}
		outcome, err := s.machine.ApplyTransfer(ctx, p.ID, t)
		if err != nil {
			s.log.Error("apply transfer failed", map[string]any{
				"payment": p.ID, "transfer": t.Key(), "error": err.Error(),
			})
			continue
		}
		if outcome != types.MatchNone {
			if s.onClaim != nil {
				// Re-read so the tracker sees the claim that was just
				// recorded, not the pre-claim snapshot.
				claimed, err := s.store.GetPayment(ctx, p.ID)
				if err != nil {
					s.log.Error("reload after claim failed", map[string]any{
						"payment": p.ID, "error": err.Error(),
					})
					claimed = p
				}
				s.onClaim(claimed, t.TxHash, address)
			}
			return
		}
	}
}

// failPayments marks every open payment on the watcher's address Failed
// after the adapter retry budget is exhausted.
func (s *Scheduler) failPayments(ctx context.Context, w *watcher, address string) {
	payments, err := s.store.ListOpenPaymentsFor(ctx, w.key.chain, address)
	if err != nil {
		s.log.Error("listing payments for failure", map[string]any{"error": err.Error()})
		return
	}
	for _, p := range payments {
		if err := s.machine.ApplyFailure(ctx, p.ID, "chain adapter unreachable"); err != nil {
			s.log.Error("failed to fail payment", map[string]any{"payment": p.ID, "error": err.Error()})
		}
	}
}

func (s *Scheduler) retire(w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.cancel()
	delete(s.watchers, w.key)
	s.log.Debug("watcher retired", map[string]any{
		"chain": w.key.chain.String(), "address": w.key.address,
	})
}

func uniqueAssets(payments []*types.Payment) []types.Asset {
	var assets []types.Asset
	for _, p := range payments {
		seen := false
		for _, a := range assets {
			if sameAsset(a, p.Asset) {
				seen = true
				break
			}
		}
		if !seen {
			assets = append(assets, p.Asset)
		}
	}
	return assets
}

// backoffDelay doubles the base delay per consecutive failure, capped.
func backoffDelay(base time.Duration, failures int, max time.Duration) time.Duration {
	if failures < 1 {
		return base
	}
	shift := failures - 1
	if shift > 16 {
		shift = 16
	}
	delay := base << shift
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
