package metrics

import "time"

// Recorder receives engine events and operation latencies. Implementations
// must be safe for concurrent use.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Counter names recorded by the engine.
const (
	CounterPaymentsCreated  = "payments_created"
	CounterPaymentsSettled  = "payments_settled"
	CounterPaymentsExpired  = "payments_expired"
	CounterPaymentsFailed   = "payments_failed"
	CounterTransitions      = "transitions"
	CounterTransfersClaimed = "transfers_claimed"
	CounterReorgs           = "reorgs"
	CounterDeliveries       = "webhook_deliveries"
	CounterDeliveryErrors   = "webhook_delivery_errors"
)

// Operation names observed for latency.
const (
	OpWatcherPoll     = "watcher_poll"
	OpConfirmationJob = "confirmation_job"
	OpWebhookDelivery = "webhook_delivery"
	OpRateLock        = "rate_lock"
)
