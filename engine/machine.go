package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sheikhcoders/SheikhPay/logger"
	"github.com/sheikhcoders/SheikhPay/metrics"
	"github.com/sheikhcoders/SheikhPay/store"
	"github.com/sheikhcoders/SheikhPay/types"
)

const lockStripes = 64

// Machine owns the payment lifecycle. All status mutations flow through it;
// watchers and trackers only propose transitions. Per-payment serialization
// is enforced with striped mutexes keyed by payment id, so no two tasks ever
// apply a transition to the same payment concurrently.
type Machine struct {
	store   store.Store
	log     logger.Logger
	metrics metrics.Recorder
	locks   [lockStripes]sync.Mutex

	// notify runs after a transition commits, outside store transactions
	// but inside the payment lock. May be nil.
	notify func(p *types.Payment, event *types.WebhookEvent)
}

func NewMachine(st store.Store, log logger.Logger, rec metrics.Recorder, notify func(*types.Payment, *types.WebhookEvent)) *Machine {
	return &Machine{
		store:   st,
		log:     log,
		metrics: rec,
		notify:  notify,
	}
}

func (m *Machine) lockFor(paymentID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(paymentID))
	return &m.locks[h.Sum32()%lockStripes]
}

// ApplyTransfer matches an observed transfer against the payment and, when
// it qualifies, claims it atomically and advances the lifecycle. Replaying a
// transfer the payment already claimed is a no-op; a transfer claimed by
// another payment is never re-matched.
func (m *Machine) ApplyTransfer(ctx context.Context, paymentID string, t *types.Transfer) (types.MatchOutcome, error) {
	mu := m.lockFor(paymentID)
	mu.Lock()
	defer mu.Unlock()

	p, err := m.store.GetPayment(ctx, paymentID)
	if err != nil {
		return types.MatchNone, err
	}
	if p.Terminal() {
		return types.MatchNone, nil
	}
	if p.Status != types.StatusPending && p.Status != types.StatusUnderpaid {
		return types.MatchNone, nil
	}

	// Idempotent replay: an active claim for this transfer already exists.
	retractedIdx := -1
	for i, ref := range p.ObservedTransfers {
		if ref.TxHash == t.TxHash && ref.LogIndex == t.LogIndex {
			if !ref.Retracted {
				return types.MatchNone, nil
			}
			retractedIdx = i
		}
	}

	outcome := Match(p, t)
	if outcome == types.MatchNone {
		return types.MatchNone, nil
	}

	if err := m.store.ClaimTransfer(ctx, *t, p.ID); err != nil {
		if types.IsCode(err, types.ErrDoubleClaim) {
			m.log.Debug("transfer already claimed by another payment", map[string]any{
				"payment": p.ID, "transfer": t.Key(),
			})
			return types.MatchNone, nil
		}
		return types.MatchNone, err
	}

	ref := types.TransferRef{
		TxHash:      t.TxHash,
		LogIndex:    t.LogIndex,
		From:        t.From,
		Amount:      t.Amount,
		BlockNumber: t.BlockNumber,
		BlockTime:   t.BlockTime,
	}
	if retractedIdx >= 0 {
		// A re-mined transfer reclaims its old slot.
		p.ObservedTransfers[retractedIdx] = ref
	} else {
		p.ObservedTransfers = append(p.ObservedTransfers, ref)
	}
	m.metrics.IncCounter(metrics.CounterTransfersClaimed, chainLabels(p.Chain))

	switch outcome {
	case types.MatchUnderpaid:
		err = m.transition(ctx, p, types.StatusUnderpaid, types.EventPaymentUnderpaid, t.TxHash)
	case types.MatchOverpaid:
		p.Overpaid = true
		err = m.transition(ctx, p, types.StatusAwaitingConfirmation, types.EventPaymentOverpaid, t.TxHash)
	default:
		err = m.transition(ctx, p, types.StatusAwaitingConfirmation, types.EventPaymentReceived, t.TxHash)
	}
	if err != nil {
		return types.MatchNone, err
	}
	return outcome, nil
}

// ApplyDepth records the current confirmation depth of a matched transfer.
// Depth updates are bookkeeping, not transitions: no event is emitted.
func (m *Machine) ApplyDepth(ctx context.Context, paymentID, txHash string, depth uint64) error {
	mu := m.lockFor(paymentID)
	mu.Lock()
	defer mu.Unlock()

	p, err := m.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.Terminal() || p.Confirmations == depth {
		return nil
	}
	p.Confirmations = depth
	return m.store.UpdatePayment(ctx, p, nil)
}

// ApplyFinality marks a matched transfer final. Once every active transfer
// is final and the cumulative total is in band, the payment confirms and
// settles synchronously.
func (m *Machine) ApplyFinality(ctx context.Context, paymentID, txHash string) error {
	mu := m.lockFor(paymentID)
	mu.Lock()
	defer mu.Unlock()

	p, err := m.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.Terminal() {
		return nil
	}

	found := false
	allFinal := true
	for i, ref := range p.ObservedTransfers {
		if ref.Retracted {
			continue
		}
		if ref.TxHash == txHash {
			p.ObservedTransfers[i].Final = true
			found = true
		} else if !ref.Final {
			allFinal = false
		}
	}
	if !found {
		return nil
	}

	if p.Status != types.StatusAwaitingConfirmation || !allFinal {
		return m.store.UpdatePayment(ctx, p, nil)
	}
	if p.ClaimedTotal().LessThan(p.LowerBound()) {
		return m.store.UpdatePayment(ctx, p, nil)
	}
	return m.confirmAndSettle(ctx, p, txHash)
}

// confirmAndSettle moves an in-band, fully-final payment through Confirmed
// to Settled. Settlement bookkeeping is internal and synchronous. Caller
// holds the payment lock.
func (m *Machine) confirmAndSettle(ctx context.Context, p *types.Payment, txHash string) error {
	if err := m.transition(ctx, p, types.StatusConfirmed, types.EventPaymentConfirmed, txHash); err != nil {
		return err
	}
	now := time.Now().UTC()
	p.SettledAt = &now
	if err := m.transition(ctx, p, types.StatusSettled, types.EventPaymentSettled, txHash); err != nil {
		return err
	}
	m.metrics.IncCounter(metrics.CounterPaymentsSettled, chainLabels(p.Chain))
	return nil
}

// allActiveFinal reports whether the payment has at least one non-retracted
// transfer and every one of them is final.
func allActiveFinal(p *types.Payment) bool {
	active := false
	for _, ref := range p.ObservedTransfers {
		if ref.Retracted {
			continue
		}
		active = true
		if !ref.Final {
			return false
		}
	}
	return active
}

// ApplyReorg retracts a transfer that fell out of the canonical chain. This
// is a retraction of a transfer, not a rollback of the payment: the
// cumulative total is recomputed without it and the status reverts no
// further than Pending or Underpaid.
func (m *Machine) ApplyReorg(ctx context.Context, paymentID, txHash string) error {
	mu := m.lockFor(paymentID)
	mu.Lock()
	defer mu.Unlock()

	p, err := m.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.Terminal() {
		return nil
	}

	retracted := false
	for i, ref := range p.ObservedTransfers {
		if ref.TxHash == txHash && !ref.Retracted {
			p.ObservedTransfers[i].Retracted = true
			p.ObservedTransfers[i].Final = false
			if err := m.store.ReleaseClaim(ctx, p.Chain, ref.TxHash, ref.LogIndex); err != nil {
				return err
			}
			retracted = true
		}
	}
	if !retracted {
		return nil
	}
	m.metrics.IncCounter(metrics.CounterReorgs, chainLabels(p.Chain))

	remaining := p.ClaimedTotal()
	next := p.Status
	switch {
	case remaining.GreaterThanOrEqual(p.LowerBound()):
		// Other transfers still satisfy the band; keep waiting on them.
		next = types.StatusAwaitingConfirmation
	case remaining.Sign() > 0:
		next = types.StatusUnderpaid
	default:
		next = types.StatusPending
	}
	p.Confirmations = 0
	if err := m.transition(ctx, p, next, types.EventPaymentReorged, txHash); err != nil {
		return err
	}

	// The retracted leg may have been the only one still confirming. When
	// the survivors are already final and keep the total in band, no tracker
	// job is left to re-drive the payment, so it settles here.
	if next == types.StatusAwaitingConfirmation && allActiveFinal(p) {
		return m.confirmAndSettle(ctx, p, txHash)
	}
	return nil
}

// ApplyExpiry moves a payment past its rate lock to Expired. Returns true
// when the payment expired on this call.
func (m *Machine) ApplyExpiry(ctx context.Context, paymentID string, now time.Time) (bool, error) {
	mu := m.lockFor(paymentID)
	mu.Lock()
	defer mu.Unlock()

	p, err := m.store.GetPayment(ctx, paymentID)
	if err != nil {
		return false, err
	}
	if p.Status != types.StatusPending && p.Status != types.StatusUnderpaid {
		return false, nil
	}
	if !now.After(p.RateLockExpiry) {
		return false, nil
	}
	if err := m.transition(ctx, p, types.StatusExpired, types.EventPaymentExpired, ""); err != nil {
		return false, err
	}
	m.metrics.IncCounter(metrics.CounterPaymentsExpired, chainLabels(p.Chain))
	return true, nil
}

// ApplyFailure fails a payment after an unrecoverable chain error. Terminal
// payments are left untouched.
func (m *Machine) ApplyFailure(ctx context.Context, paymentID, reason string) error {
	mu := m.lockFor(paymentID)
	mu.Lock()
	defer mu.Unlock()

	p, err := m.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.Terminal() {
		return nil
	}
	p.FailureReason = reason
	if err := m.transition(ctx, p, types.StatusFailed, types.EventPaymentFailed, ""); err != nil {
		return err
	}
	m.metrics.IncCounter(metrics.CounterPaymentsFailed, chainLabels(p.Chain))
	return nil
}

// Cancel voids a payment on merchant request. Only valid before a
// qualifying transfer was observed.
func (m *Machine) Cancel(ctx context.Context, paymentID string) error {
	mu := m.lockFor(paymentID)
	mu.Lock()
	defer mu.Unlock()

	p, err := m.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.Status != types.StatusPending && p.Status != types.StatusUnderpaid {
		return &types.Error{
			Code:    types.ErrInvalidState,
			Message: fmt.Sprintf("payment %s cannot be cancelled in status %s", p.ID, p.Status),
		}
	}
	p.FailureReason = "cancelled"
	return m.transition(ctx, p, types.StatusExpired, types.EventPaymentCancelled, "")
}

// transition commits the status change and its webhook event in one store
// transaction, then fans out to in-process subscribers.
func (m *Machine) transition(ctx context.Context, p *types.Payment, next types.PaymentStatus, eventType types.EventType, txHash string) error {
	prev := p.Status
	p.Status = next
	p.Sequence++

	event := m.newEvent(p, eventType, txHash)
	if err := m.store.UpdatePayment(ctx, p, event); err != nil {
		p.Status = prev
		p.Sequence--
		return err
	}

	m.metrics.IncCounter(metrics.CounterTransitions, chainLabels(p.Chain))
	m.log.Info("payment transition", map[string]any{
		"payment": p.ID,
		"from":    prev.String(),
		"to":      next.String(),
		"event":   string(eventType),
	})
	if m.notify != nil {
		m.notify(p, event)
	}
	return nil
}

func (m *Machine) newEvent(p *types.Payment, eventType types.EventType, txHash string) *types.WebhookEvent {
	now := time.Now().UTC()
	id := deliveryID(p.ID, eventType, p.Sequence)
	payload := types.EventPayload{
		DeliveryID:      id,
		PaymentID:       p.ID,
		EventType:       eventType,
		Amount:          p.ClaimedTotal().String(),
		Asset:           p.Asset.Symbol,
		Chain:           p.Chain,
		TransactionHash: txHash,
		Timestamp:       now,
	}
	body, _ := json.Marshal(payload)
	return &types.WebhookEvent{
		DeliveryID:  id,
		PaymentID:   p.ID,
		EventType:   eventType,
		Payload:     body,
		URL:         p.WebhookURL,
		Status:      types.DeliveryPending,
		NextRetryAt: now,
		CreatedAt:   now,
	}
}

// deliveryID is deterministic over the payment, event type, and transition
// sequence number, so redelivery of the same transition is detectable by the
// receiver.
func deliveryID(paymentID string, eventType types.EventType, sequence uint64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", paymentID, eventType, sequence)))
	return hex.EncodeToString(sum[:])
}

func chainLabels(chain types.Chain) map[string]string {
	return map[string]string{"chain": chain.String()}
}
