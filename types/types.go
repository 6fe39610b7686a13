package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus represents the lifecycle state of a payment.
type PaymentStatus string

const (
	StatusPending               PaymentStatus = "pending"
	StatusAwaitingConfirmation  PaymentStatus = "awaiting_confirmation"
	StatusUnderpaid             PaymentStatus = "underpaid"
	StatusOverpaid              PaymentStatus = "overpaid"
	StatusConfirmed             PaymentStatus = "confirmed"
	StatusSettled               PaymentStatus = "settled"
	StatusExpired               PaymentStatus = "expired"
	StatusFailed                PaymentStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s PaymentStatus) Terminal() bool {
	return s == StatusSettled || s == StatusExpired || s == StatusFailed
}

func (s PaymentStatus) String() string {
	return string(s)
}

// MatchOutcome is the result of matching an observed transfer against a payment.
type MatchOutcome string

const (
	MatchNone      MatchOutcome = "no_match"
	MatchUnderpaid MatchOutcome = "underpaid"
	MatchExact     MatchOutcome = "exact"
	MatchOverpaid  MatchOutcome = "overpaid"
)

// EventType identifies a payment state transition in webhook payloads.
type EventType string

const (
	EventPaymentReceived  EventType = "payment.received"
	EventPaymentUnderpaid EventType = "payment.underpaid"
	EventPaymentOverpaid  EventType = "payment.overpaid"
	EventPaymentConfirmed EventType = "payment.confirmed"
	EventPaymentSettled   EventType = "payment.settled"
	EventPaymentExpired   EventType = "payment.expired"
	EventPaymentFailed    EventType = "payment.failed"
	EventPaymentReorged   EventType = "payment.reorged"
	EventPaymentCancelled EventType = "payment.cancelled"
)

// Asset identifies a native coin or token contract on a chain.
// An empty Contract means the chain's native coin.
type Asset struct {
	Symbol   string `json:"symbol"`
	Contract string `json:"contract,omitempty"`
	Decimals int    `json:"decimals"`
}

// Native reports whether the asset is the chain's native coin.
func (a Asset) Native() bool {
	return a.Contract == ""
}

func (a Asset) String() string {
	if a.Native() {
		return a.Symbol
	}
	return fmt.Sprintf("%s(%s)", a.Symbol, a.Contract)
}

// Transfer is a single on-chain value transfer observed by a chain client.
// Transfers are ephemeral: the engine consumes them immediately and keeps
// only a TransferRef on the owning payment.
type Transfer struct {
	Chain       Chain           `json:"chain"`
	TxHash      string          `json:"txHash"`
	LogIndex    uint            `json:"logIndex"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Asset       Asset           `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
	BlockNumber uint64          `json:"blockNumber"`
	BlockTime   time.Time       `json:"blockTime"`
}

// Key returns the claim-ledger key for the transfer. Exactly one payment may
// ever claim a given key.
func (t Transfer) Key() string {
	return fmt.Sprintf("%s:%s:%d", t.Chain, t.TxHash, t.LogIndex)
}

// TransferRef is the durable record of a transfer claimed by a payment.
type TransferRef struct {
	TxHash      string          `json:"txHash"`
	LogIndex    uint            `json:"logIndex"`
	From        string          `json:"from"`
	Amount      decimal.Decimal `json:"amount"`
	BlockNumber uint64          `json:"blockNumber"`
	BlockTime   time.Time       `json:"blockTime"`
	Retracted   bool            `json:"retracted,omitempty"`
	Final       bool            `json:"final,omitempty"`
}

// Payment is the central entity tracked by the engine. Status is mutated only
// through the state machine; everything else is written once at creation or
// appended by the claim step.
type Payment struct {
	ID               string        `json:"id"`
	Chain            Chain         `json:"chain"`
	Asset            Asset         `json:"asset"`
	RecipientAddress string        `json:"recipientAddress"`

	RequestedFiatAmount decimal.Decimal `json:"requestedFiatAmount"`
	RequestedCurrency   string          `json:"requestedCurrency"`

	LockedRate        decimal.Decimal `json:"lockedRate"`
	TargetAssetAmount decimal.Decimal `json:"targetAssetAmount"`
	RateLockExpiry    time.Time       `json:"rateLockExpiry"`
	Tolerance         decimal.Decimal `json:"tolerance"`

	Status            PaymentStatus `json:"status"`
	ObservedTransfers []TransferRef `json:"observedTransfers,omitempty"`
	Confirmations     uint64        `json:"confirmations"`
	Overpaid          bool          `json:"overpaid,omitempty"`
	FailureReason     string        `json:"failureReason,omitempty"`

	// Sequence counts applied transitions and feeds deterministic
	// webhook delivery ids.
	Sequence uint64 `json:"sequence"`

	Description string            `json:"description,omitempty"`
	WebhookURL  string            `json:"webhookUrl,omitempty"`
	PaymentURI  string            `json:"paymentUri,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	SettledAt *time.Time `json:"settledAt,omitempty"`
}

// ClaimedTotal returns the cumulative amount of all non-retracted transfers
// claimed by the payment.
func (p *Payment) ClaimedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, ref := range p.ObservedTransfers {
		if !ref.Retracted {
			total = total.Add(ref.Amount)
		}
	}
	return total
}

// LowerBound is the smallest cumulative amount accepted as payment in full.
func (p *Payment) LowerBound() decimal.Decimal {
	return p.TargetAssetAmount.Mul(decimal.NewFromInt(1).Sub(p.Tolerance))
}

// UpperBound is the largest cumulative amount not flagged as overpayment.
func (p *Payment) UpperBound() decimal.Decimal {
	return p.TargetAssetAmount.Mul(decimal.NewFromInt(1).Add(p.Tolerance))
}

// Terminal reports whether the payment has reached a terminal status.
func (p *Payment) Terminal() bool {
	return p.Status.Terminal()
}

// HasClaimed reports whether the payment already claimed the given transfer.
// Replaying an observation of a claimed transfer must be a no-op.
func (p *Payment) HasClaimed(txHash string, logIndex uint) bool {
	for _, ref := range p.ObservedTransfers {
		if ref.TxHash == txHash && ref.LogIndex == logIndex {
			return true
		}
	}
	return false
}

// MatchedTxHashes returns the hashes of all non-retracted claimed transfers,
// in claim order.
func (p *Payment) MatchedTxHashes() []string {
	hashes := make([]string, 0, len(p.ObservedTransfers))
	for _, ref := range p.ObservedTransfers {
		if !ref.Retracted {
			hashes = append(hashes, ref.TxHash)
		}
	}
	return hashes
}

// PaymentSpec is the request to create a payment. RecipientAddress is
// optional; when empty the engine selects the configured merchant wallet for
// the chain.
type PaymentSpec struct {
	FiatAmount       decimal.Decimal   `json:"fiatAmount" validate:"required"`
	FiatCurrency     string            `json:"fiatCurrency" validate:"required,len=3"`
	Chain            Chain             `json:"chain" validate:"required"`
	AssetSymbol      string            `json:"assetSymbol" validate:"required"`
	RecipientAddress string            `json:"recipientAddress,omitempty"`
	Description      string            `json:"description,omitempty"`
	WebhookURL       string            `json:"webhookUrl,omitempty" validate:"omitempty,url"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// WebhookEventStatus tracks the delivery lifecycle of an outbox event.
type WebhookEventStatus string

const (
	DeliveryPending   WebhookEventStatus = "pending"
	DeliveryDelivered WebhookEventStatus = "delivered"
	DeliveryFailed    WebhookEventStatus = "failed_delivery"
)

// WebhookEvent is one state-change notification. It is enqueued atomically
// with the transition that produced it and delivered at least once; receivers
// dedupe on DeliveryID.
type WebhookEvent struct {
	DeliveryID   string             `json:"deliveryId"`
	PaymentID    string             `json:"paymentId"`
	EventType    EventType          `json:"eventType"`
	Payload      []byte             `json:"payload"`
	URL          string             `json:"url,omitempty"`
	Status       WebhookEventStatus `json:"status"`
	AttemptCount int                `json:"attemptCount"`
	NextRetryAt  time.Time          `json:"nextRetryAt"`
	CreatedAt    time.Time          `json:"createdAt"`
}

// EventPayload is the signed JSON body delivered to webhook receivers.
type EventPayload struct {
	DeliveryID      string    `json:"delivery_id"`
	PaymentID       string    `json:"payment_id"`
	EventType       EventType `json:"event_type"`
	Amount          string    `json:"amount"`
	Asset           string    `json:"asset"`
	Chain           Chain     `json:"chain"`
	TransactionHash string    `json:"transaction_hash,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ConfirmationStatus is the tracker's report on a matched transaction.
type ConfirmationStatus struct {
	Depth   uint64 `json:"depth"`
	IsFinal bool   `json:"isFinal"`
	Reorged bool   `json:"reorged"`
}

// Receipt is a chain client's view of a mined transaction.
type Receipt struct {
	BlockNumber uint64 `json:"blockNumber"`
	Status      uint64 `json:"status"`
	Found       bool   `json:"found"`
}

// RateLock is a fixed conversion snapshot produced by the rate oracle.
type RateLock struct {
	Rate         decimal.Decimal `json:"rate"`
	TargetAmount decimal.Decimal `json:"targetAmount"`
	Expiry       time.Time       `json:"expiry"`
}
