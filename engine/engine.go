package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sheikhcoders/SheikhPay/clients"
	"github.com/sheikhcoders/SheikhPay/logger"
	"github.com/sheikhcoders/SheikhPay/metrics"
	"github.com/sheikhcoders/SheikhPay/rates"
	"github.com/sheikhcoders/SheikhPay/store"
	"github.com/sheikhcoders/SheikhPay/types"
	"github.com/sheikhcoders/SheikhPay/utils"
)

// subscriberBuffer bounds the in-process event channel; a slow subscriber
// loses events rather than stalling chain polling. The outbox remains the
// authoritative delivery path.
const subscriberBuffer = 64

// Engine wires the matcher, state machine, tracker, and scheduler into the
// payment verification core. The surrounding application talks to it through
// CreatePayment, GetPayment, CancelPayment, and Subscribe.
type Engine struct {
	cfg       *types.Config
	store     store.Store
	oracle    rates.Oracle
	clients   map[types.Chain]clients.ChainClient
	machine   *Machine
	tracker   *Tracker
	scheduler *Scheduler
	log       logger.Logger
	metrics   metrics.Recorder
	validate  *validator.Validate

	subMu sync.Mutex
	subs  []chan *types.WebhookEvent

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

func New(cfg *types.Config, st store.Store, oracle rates.Oracle, chainClients map[types.Chain]clients.ChainClient, log logger.Logger, rec metrics.Recorder) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for chain := range cfg.Chains {
		if _, ok := chainClients[chain]; !ok {
			return nil, &types.Error{
				Code:    types.ErrUnsupportedChain,
				Message: fmt.Sprintf("no chain client for configured chain %s", chain),
			}
		}
	}

	e := &Engine{
		cfg:      cfg,
		store:    st,
		oracle:   oracle,
		clients:  chainClients,
		log:      log,
		metrics:  rec,
		validate: validator.New(),
	}
	e.machine = NewMachine(st, log, rec, e.handleTransition)
	e.scheduler = NewScheduler(st, chainClients, e.machine, cfg, log, rec)
	e.scheduler.onClaim = e.handleClaim
	e.tracker = NewTracker(e.machine, chainClients, cfg, log, rec)
	e.tracker.onReorg = e.scheduler.Rewind
	return e, nil
}

// Start launches watcher and tracker tasks, reconstructing them from
// persisted non-terminal payments. Task state is derived, never
// authoritative: a restart rebuilds everything from the store.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.scheduler.Start(runCtx)
	e.tracker.Start(runCtx)
	e.started = true

	open, err := e.store.ListOpenPayments(ctx)
	if err != nil {
		cancel()
		e.started = false
		return fmt.Errorf("recover open payments: %w", err)
	}
	for _, p := range open {
		e.scheduler.Watch(p.Chain, p.RecipientAddress)
		for _, ref := range p.ObservedTransfers {
			if !ref.Retracted && !ref.Final {
				e.tracker.Track(p, ref.TxHash, p.RecipientAddress)
			}
		}
	}
	e.log.Info("engine started", map[string]any{"open_payments": len(open)})
	return nil
}

// CreatePayment locks a rate and persists a new pending payment. A rate
// oracle failure fails creation fast; no partial payment record is written.
func (e *Engine) CreatePayment(ctx context.Context, spec types.PaymentSpec) (*types.Payment, error) {
	if err := e.validate.Struct(spec); err != nil {
		return nil, &types.Error{Code: types.ErrInvalidSpec, Message: "invalid payment spec", Err: err}
	}
	if spec.FiatAmount.Sign() <= 0 {
		return nil, &types.Error{Code: types.ErrInvalidSpec, Message: "fiat amount must be positive"}
	}
	if _, ok := e.cfg.Chains[spec.Chain]; !ok {
		return nil, &types.Error{
			Code:    types.ErrUnsupportedChain,
			Message: fmt.Sprintf("chain %s is not configured", spec.Chain),
		}
	}
	asset, err := types.AssetBySymbol(spec.Chain, spec.AssetSymbol)
	if err != nil {
		return nil, err
	}
	recipient := spec.RecipientAddress
	if recipient == "" {
		recipient = e.cfg.WalletForChain(spec.Chain)
	}
	if err := utils.ValidateAddress(recipient); err != nil {
		return nil, &types.Error{Code: types.ErrInvalidSpec, Message: "invalid recipient address", Err: err}
	}

	start := time.Now()
	lock, err := e.oracle.LockRate(ctx, spec.FiatAmount, spec.FiatCurrency, asset, spec.Chain)
	e.metrics.ObserveLatency(metrics.OpRateLock, time.Since(start), chainLabels(spec.Chain))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p := &types.Payment{
		ID:                  uuid.NewString(),
		Chain:               spec.Chain,
		Asset:               asset,
		RecipientAddress:    recipient,
		RequestedFiatAmount: spec.FiatAmount,
		RequestedCurrency:   spec.FiatCurrency,
		LockedRate:          lock.Rate,
		TargetAssetAmount:   lock.TargetAmount,
		RateLockExpiry:      lock.Expiry,
		Tolerance:           e.cfg.Tolerance,
		Status:              types.StatusPending,
		Description:         spec.Description,
		WebhookURL:          spec.WebhookURL,
		PaymentURI:          utils.PaymentURI(spec.Chain, asset, recipient, lock.TargetAmount),
		Metadata:            spec.Metadata,
		CreatedAt:           now,
	}
	if err := e.store.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("persist payment: %w", err)
	}
	e.metrics.IncCounter(metrics.CounterPaymentsCreated, chainLabels(p.Chain))
	e.log.Info("payment created", map[string]any{
		"payment": p.ID,
		"chain":   p.Chain.String(),
		"asset":   p.Asset.Symbol,
		"target":  p.TargetAssetAmount.String(),
	})

	e.mu.Lock()
	if e.started {
		e.scheduler.Watch(p.Chain, p.RecipientAddress)
	}
	e.mu.Unlock()
	return p, nil
}

func (e *Engine) GetPayment(ctx context.Context, id string) (*types.Payment, error) {
	return e.store.GetPayment(ctx, id)
}

// CancelPayment voids a payment that has not yet observed a qualifying
// transfer.
func (e *Engine) CancelPayment(ctx context.Context, id string) error {
	return e.machine.Cancel(ctx, id)
}

// Subscribe returns a channel of committed state-change events for the
// invoice, payment-link, and webhook glue. The channel is buffered; events
// overflowing a slow consumer are dropped (the persisted outbox is not).
func (e *Engine) Subscribe() <-chan *types.WebhookEvent {
	ch := make(chan *types.WebhookEvent, subscriberBuffer)
	e.subMu.Lock()
	e.subs = append(e.subs, ch)
	e.subMu.Unlock()
	return ch
}

// Close stops all watcher and tracker tasks and closes chain clients. The
// store is owned by the caller.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.started = false
	e.mu.Unlock()

	e.scheduler.Stop()
	e.tracker.Stop()
	for _, c := range e.clients {
		c.Close()
	}

	e.subMu.Lock()
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
	e.subMu.Unlock()
}

func (e *Engine) handleClaim(p *types.Payment, txHash, address string) {
	e.tracker.Track(p, txHash, address)
}

// handleTransition runs after every committed transition: fan out to
// subscribers and release tasks held by newly terminal payments.
func (e *Engine) handleTransition(p *types.Payment, event *types.WebhookEvent) {
	e.subMu.Lock()
	for _, ch := range e.subs {
		select {
		case ch <- event:
		default:
			e.log.Warn("subscriber lagging, event dropped", map[string]any{
				"payment": p.ID, "event": string(event.EventType),
			})
		}
	}
	e.subMu.Unlock()

	if p.Terminal() {
		e.tracker.CancelPayment(p.ID)
	}
}
