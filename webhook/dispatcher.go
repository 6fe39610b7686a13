package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/sheikhcoders/SheikhPay/logger"
	"github.com/sheikhcoders/SheikhPay/metrics"
	"github.com/sheikhcoders/SheikhPay/store"
	"github.com/sheikhcoders/SheikhPay/types"
)

const (
	// pollInterval is how often the dispatcher drains due outbox events.
	pollInterval = time.Second

	requestTimeout = 10 * time.Second
)

// Dispatcher drains the persisted event outbox and delivers each event at
// least once. Failed deliveries retry with exponential backoff up to the
// configured attempt budget; exhaustion marks the event failed for operator
// inspection and never touches the payment itself.
type Dispatcher struct {
	store   store.Store
	client  *resty.Client
	log     logger.Logger
	metrics metrics.Recorder

	secret      string
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	workers     int
	pollEvery   time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewDispatcher(st store.Store, cfg *types.Config, log logger.Logger, rec metrics.Recorder) *Dispatcher {
	return &Dispatcher{
		store:       st,
		client:      resty.New().SetTimeout(requestTimeout),
		log:         log,
		metrics:     rec,
		secret:      cfg.WebhookSecret,
		maxAttempts: cfg.WebhookMaxAttempts,
		baseBackoff: cfg.WebhookBaseBackoff,
		maxBackoff:  cfg.WebhookMaxBackoff,
		workers:     cfg.DispatcherWorkers,
		pollEvery:   pollInterval,
		inflight:    make(map[string]struct{}),
	}
}

// Start launches the fetch loop and the delivery worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	jobs := make(chan *types.WebhookEvent)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(runCtx, jobs)
	}
	d.wg.Add(1)
	go d.fetchLoop(runCtx, jobs)
}

// Stop halts fetching and waits for in-flight deliveries to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) fetchLoop(ctx context.Context, jobs chan<- *types.WebhookEvent) {
	defer d.wg.Done()
	defer close(jobs)

	ticker := time.NewTicker(d.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		events, err := d.store.DueEvents(ctx, time.Now().UTC(), d.workers*4)
		if err != nil {
			d.log.Error("fetching due events", map[string]any{"error": err.Error()})
			continue
		}
		for _, event := range events {
			if !d.markInflight(event.DeliveryID) {
				continue
			}
			select {
			case jobs <- event:
			case <-ctx.Done():
				d.clearInflight(event.DeliveryID)
				return
			}
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context, jobs <-chan *types.WebhookEvent) {
	defer d.wg.Done()
	for event := range jobs {
		d.deliver(ctx, event)
		d.clearInflight(event.DeliveryID)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event *types.WebhookEvent) {
	// Payments without a registered endpoint still produce events for the
	// subscription feed; there is nothing to post.
	if event.URL == "" {
		event.Status = types.DeliveryDelivered
		d.persist(ctx, event)
		return
	}

	event.AttemptCount++
	start := time.Now()
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(SignatureHeader, Sign(d.secret, event.Payload)).
		SetBody(event.Payload).
		Post(event.URL)
	d.metrics.ObserveLatency(metrics.OpWebhookDelivery, time.Since(start), nil)

	switch {
	case err == nil && resp.IsSuccess():
		event.Status = types.DeliveryDelivered
		d.metrics.IncCounter(metrics.CounterDeliveries, nil)
		d.log.Info("webhook delivered", map[string]any{
			"delivery": event.DeliveryID,
			"payment":  event.PaymentID,
			"attempts": event.AttemptCount,
		})
	case event.AttemptCount >= d.maxAttempts:
		event.Status = types.DeliveryFailed
		d.metrics.IncCounter(metrics.CounterDeliveryErrors, nil)
		d.log.Error("webhook delivery exhausted retries", map[string]any{
			"delivery": event.DeliveryID,
			"payment":  event.PaymentID,
			"attempts": event.AttemptCount,
		})
	default:
		event.NextRetryAt = time.Now().UTC().Add(d.retryDelay(event.AttemptCount))
		d.metrics.IncCounter(metrics.CounterDeliveryErrors, nil)
		reason := "non-success status"
		if err != nil {
			reason = err.Error()
		} else if resp != nil {
			reason = resp.Status()
		}
		d.log.Warn("webhook delivery failed", map[string]any{
			"delivery": event.DeliveryID,
			"payment":  event.PaymentID,
			"attempt":  event.AttemptCount,
			"reason":   reason,
		})
	}
	d.persist(ctx, event)
}

func (d *Dispatcher) persist(ctx context.Context, event *types.WebhookEvent) {
	if err := d.store.UpdateEvent(ctx, event); err != nil {
		d.log.Error("persisting event state", map[string]any{
			"delivery": event.DeliveryID, "error": err.Error(),
		})
	}
}

// retryDelay doubles per attempt from the base backoff, capped.
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 16 {
		shift = 16
	}
	delay := d.baseBackoff << shift
	if delay > d.maxBackoff || delay <= 0 {
		return d.maxBackoff
	}
	return delay
}

func (d *Dispatcher) markInflight(deliveryID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[deliveryID]; ok {
		return false
	}
	d.inflight[deliveryID] = struct{}{}
	return true
}

func (d *Dispatcher) clearInflight(deliveryID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, deliveryID)
}
