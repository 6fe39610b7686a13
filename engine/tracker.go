package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sheikhcoders/SheikhPay/clients"
	"github.com/sheikhcoders/SheikhPay/logger"
	"github.com/sheikhcoders/SheikhPay/metrics"
	"github.com/sheikhcoders/SheikhPay/types"
)

// Tracker monitors matched transactions until they reach the chain's
// finality depth, surfacing reorg risk. One goroutine runs per tracked
// transaction; jobs stop themselves on finality, reorg, terminal payment, or
// cancellation.
type Tracker struct {
	machine *Machine
	clients map[types.Chain]clients.ChainClient
	cfg     *types.Config
	log     logger.Logger
	metrics metrics.Recorder

	// onReorg lets the scheduler rewind its block cursor so a re-mined
	// transfer is re-observed. May be nil.
	onReorg func(chain types.Chain, address string, block uint64)

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]context.CancelFunc // paymentID + "/" + txHash
	wg   sync.WaitGroup
}

func NewTracker(machine *Machine, chainClients map[types.Chain]clients.ChainClient, cfg *types.Config, log logger.Logger, rec metrics.Recorder) *Tracker {
	return &Tracker{
		machine: machine,
		clients: chainClients,
		cfg:     cfg,
		log:     log,
		metrics: rec,
		jobs:    make(map[string]context.CancelFunc),
	}
}

// Start binds the tracker to its lifetime context. Must be called before
// Track.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctx = ctx
}

// Track begins confirmation tracking for a matched transfer. Tracking an
// already-tracked transaction is a no-op.
func (t *Tracker) Track(p *types.Payment, txHash string, address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil || t.ctx.Err() != nil {
		return
	}
	key := p.ID + "/" + txHash
	if _, ok := t.jobs[key]; ok {
		return
	}

	// The claimed block seeds reorg detection so even a receipt that
	// vanishes on the first poll can rewind the watcher cursor.
	var claimedBlock uint64
	for _, ref := range p.ObservedTransfers {
		if ref.TxHash == txHash && !ref.Retracted {
			claimedBlock = ref.BlockNumber
		}
	}

	jobCtx, cancel := context.WithCancel(t.ctx)
	t.jobs[key] = cancel
	t.wg.Add(1)
	go t.run(jobCtx, key, p.ID, p.Chain, txHash, address, claimedBlock)
}

// CancelPayment stops all tracking jobs for a payment. Cancelling after a
// job already finished is a no-op, never an error.
func (t *Tracker) CancelPayment(paymentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefix := paymentID + "/"
	for key, cancel := range t.jobs {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			cancel()
			delete(t.jobs, key)
		}
	}
}

// Stop cancels all jobs and waits for them to drain.
func (t *Tracker) Stop() {
	t.mu.Lock()
	for key, cancel := range t.jobs {
		cancel()
		delete(t.jobs, key)
	}
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *Tracker) run(ctx context.Context, key, paymentID string, chain types.Chain, txHash, address string, claimedBlock uint64) {
	defer t.wg.Done()
	defer t.remove(key)

	client, ok := t.clients[chain]
	if !ok {
		t.log.Error("no chain client for tracked transaction", map[string]any{
			"payment": paymentID, "chain": chain.String(),
		})
		return
	}
	chainCfg := t.cfg.Chains[chain]

	ticker := time.NewTicker(chainCfg.PollInterval)
	defer ticker.Stop()

	lastBlock := claimedBlock
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := time.Now()
		status, block, err := t.probe(ctx, client, chainCfg, txHash, &lastBlock)
		t.metrics.ObserveLatency(metrics.OpConfirmationJob, time.Since(start), chainLabels(chain))

		if err != nil {
			failures++
			t.log.Warn("confirmation poll failed", map[string]any{
				"payment": paymentID, "tx": txHash, "failures": failures, "error": err.Error(),
			})
			if failures >= t.cfg.WatcherFailureBudget {
				if ferr := t.machine.ApplyFailure(ctx, paymentID, "confirmation tracking exhausted retries"); ferr != nil {
					t.log.Error("failed to fail payment", map[string]any{"payment": paymentID, "error": ferr.Error()})
				}
				return
			}
			continue
		}
		failures = 0

		if status.Reorged {
			t.log.Warn("reorg detected", map[string]any{
				"payment": paymentID, "tx": txHash,
			})
			if err := t.machine.ApplyReorg(ctx, paymentID, txHash); err != nil {
				t.log.Error("reorg retraction failed", map[string]any{"payment": paymentID, "error": err.Error()})
				continue
			}
			if t.onReorg != nil && block != 0 {
				t.onReorg(chain, address, block)
			}
			return
		}
		if err := t.machine.ApplyDepth(ctx, paymentID, txHash, status.Depth); err != nil {
			t.log.Error("depth update failed", map[string]any{"payment": paymentID, "error": err.Error()})
			continue
		}
		if status.IsFinal {
			if err := t.machine.ApplyFinality(ctx, paymentID, txHash); err != nil {
				t.log.Error("finality transition failed", map[string]any{"payment": paymentID, "error": err.Error()})
				continue
			}
			return
		}
	}
}

// probe reports the transaction's current confirmation facts without touching
// payment state; run feeds them to the state machine. The returned block is
// the receipt's current block, or the last recorded one when the transaction
// is gone entirely.
func (t *Tracker) probe(ctx context.Context, client clients.ChainClient, chainCfg types.ChainConfig, txHash string, lastBlock *uint64) (types.ConfirmationStatus, uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, chainCfg.RPCTimeout)
	defer cancel()

	receipt, err := client.GetReceipt(callCtx, txHash)
	if err != nil {
		return types.ConfirmationStatus{}, 0, err
	}

	// A receipt that disappeared, moved blocks, or reverted means the
	// claimed transfer no longer stands. A vanished receipt reports the
	// last block the transfer was seen at so the watcher rewinds there.
	if !receipt.Found {
		return types.ConfirmationStatus{Reorged: true}, *lastBlock, nil
	}
	if (*lastBlock != 0 && receipt.BlockNumber != *lastBlock) || receipt.Status == 0 {
		return types.ConfirmationStatus{Reorged: true}, receipt.BlockNumber, nil
	}
	*lastBlock = receipt.BlockNumber

	height, err := client.GetBlockHeight(callCtx)
	if err != nil {
		return types.ConfirmationStatus{}, 0, err
	}
	var depth uint64
	if height >= receipt.BlockNumber {
		depth = height - receipt.BlockNumber + 1
	}
	return types.ConfirmationStatus{
		Depth:   depth,
		IsFinal: depth >= chainCfg.FinalityDepth,
	}, receipt.BlockNumber, nil
}

func (t *Tracker) remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cancel, ok := t.jobs[key]; ok {
		cancel()
		delete(t.jobs, key)
	}
}
