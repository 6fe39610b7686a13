// Package store persists payment records, the claimed-transfer ledger, and
// the webhook event outbox. Watcher and tracker tasks are reconstructed from
// this state on startup; nothing in a running task is authoritative.
package store

import (
	"context"
	"time"

	"github.com/sheikhcoders/SheikhPay/types"
)

// Store is the durable state contract for the engine.
//
// UpdatePayment and the event it carries commit in one transaction: no
// transition without its notification, no notification without a committed
// transition. ClaimTransfer is the single serialization point preventing two
// payments from counting the same transfer.
type Store interface {
	CreatePayment(ctx context.Context, p *types.Payment) error
	GetPayment(ctx context.Context, id string) (*types.Payment, error)

	// UpdatePayment persists the payment and, when event is non-nil,
	// enqueues it atomically with the update.
	UpdatePayment(ctx context.Context, p *types.Payment, event *types.WebhookEvent) error

	// ClaimTransfer records that the transfer belongs to paymentID.
	// It is a no-op when the same payment already holds the claim and
	// fails with ErrDoubleClaim when another payment does.
	ClaimTransfer(ctx context.Context, t types.Transfer, paymentID string) error

	// ReleaseClaim removes a claim after a reorg retraction so a re-mined
	// transfer can be claimed again.
	ReleaseClaim(ctx context.Context, chain types.Chain, txHash string, logIndex uint) error

	// ListOpenPayments returns all payments in a non-terminal status.
	ListOpenPayments(ctx context.Context) ([]*types.Payment, error)

	// ListOpenPaymentsFor returns non-terminal payments expecting funds on
	// the given chain and recipient address, oldest first.
	ListOpenPaymentsFor(ctx context.Context, chain types.Chain, address string) ([]*types.Payment, error)

	// DueEvents returns pending webhook events whose retry time has come,
	// oldest first, up to limit.
	DueEvents(ctx context.Context, now time.Time, limit int) ([]*types.WebhookEvent, error)

	// UpdateEvent persists delivery bookkeeping for an outbox event.
	UpdateEvent(ctx context.Context, event *types.WebhookEvent) error

	Close() error
}
