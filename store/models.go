package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sheikhcoders/SheikhPay/types"
)

// paymentRecord is the gorm row for a payment. Amounts are stored as decimal
// strings; the transfer list and metadata are JSON columns.
type paymentRecord struct {
	ID               string `gorm:"primaryKey;size:36"`
	Chain            string `gorm:"size:16;index:idx_payments_watch,priority:1"`
	AssetJSON        []byte
	RecipientAddress string `gorm:"size:64;index:idx_payments_watch,priority:2"`

	RequestedFiatAmount string `gorm:"size:64"`
	RequestedCurrency   string `gorm:"size:8"`
	LockedRate          string `gorm:"size:64"`
	TargetAssetAmount   string `gorm:"size:64"`
	RateLockExpiry      time.Time
	Tolerance           string `gorm:"size:32"`

	Status        string `gorm:"size:32;index"`
	TransfersJSON []byte
	Confirmations uint64
	Overpaid      bool
	FailureReason string
	Sequence      uint64

	Description  string
	WebhookURL   string
	PaymentURI   string
	MetadataJSON []byte

	CreatedAt time.Time
	SettledAt *time.Time
	UpdatedAt time.Time
}

func (paymentRecord) TableName() string { return "payments" }

// claimRecord is one row of the claimed-transfer ledger. The unique index
// over (chain, tx_hash, log_index) is what makes double claims structurally
// impossible rather than merely checked.
type claimRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Chain     string `gorm:"size:16;uniqueIndex:ux_claims_transfer,priority:1"`
	TxHash    string `gorm:"size:80;uniqueIndex:ux_claims_transfer,priority:2"`
	LogIndex  uint   `gorm:"uniqueIndex:ux_claims_transfer,priority:3"`
	PaymentID string `gorm:"size:36;index"`
	CreatedAt time.Time
}

func (claimRecord) TableName() string { return "claimed_transfers" }

// eventRecord is one webhook outbox row.
type eventRecord struct {
	DeliveryID   string `gorm:"primaryKey;size:64"`
	PaymentID    string `gorm:"size:36;index"`
	EventType    string `gorm:"size:32"`
	Payload      []byte
	URL          string
	Status       string `gorm:"size:24;index:idx_events_due,priority:1"`
	AttemptCount int
	NextRetryAt  time.Time `gorm:"index:idx_events_due,priority:2"`
	CreatedAt    time.Time
}

func (eventRecord) TableName() string { return "webhook_events" }

func toPaymentRecord(p *types.Payment) (*paymentRecord, error) {
	assetJSON, err := json.Marshal(p.Asset)
	if err != nil {
		return nil, err
	}
	transfersJSON, err := json.Marshal(p.ObservedTransfers)
	if err != nil {
		return nil, err
	}
	var metadataJSON []byte
	if p.Metadata != nil {
		metadataJSON, err = json.Marshal(p.Metadata)
		if err != nil {
			return nil, err
		}
	}
	return &paymentRecord{
		ID:                  p.ID,
		Chain:               string(p.Chain),
		AssetJSON:           assetJSON,
		RecipientAddress:    p.RecipientAddress,
		RequestedFiatAmount: p.RequestedFiatAmount.String(),
		RequestedCurrency:   p.RequestedCurrency,
		LockedRate:          p.LockedRate.String(),
		TargetAssetAmount:   p.TargetAssetAmount.String(),
		RateLockExpiry:      p.RateLockExpiry,
		Tolerance:           p.Tolerance.String(),
		Status:              string(p.Status),
		TransfersJSON:       transfersJSON,
		Confirmations:       p.Confirmations,
		Overpaid:            p.Overpaid,
		FailureReason:       p.FailureReason,
		Sequence:            p.Sequence,
		Description:         p.Description,
		WebhookURL:          p.WebhookURL,
		PaymentURI:          p.PaymentURI,
		MetadataJSON:        metadataJSON,
		CreatedAt:           p.CreatedAt,
		SettledAt:           p.SettledAt,
	}, nil
}

func fromPaymentRecord(r *paymentRecord) (*types.Payment, error) {
	var asset types.Asset
	if err := json.Unmarshal(r.AssetJSON, &asset); err != nil {
		return nil, err
	}
	var transfers []types.TransferRef
	if len(r.TransfersJSON) > 0 {
		if err := json.Unmarshal(r.TransfersJSON, &transfers); err != nil {
			return nil, err
		}
	}
	var metadata map[string]string
	if len(r.MetadataJSON) > 0 {
		if err := json.Unmarshal(r.MetadataJSON, &metadata); err != nil {
			return nil, err
		}
	}

	fiat, err := decimal.NewFromString(r.RequestedFiatAmount)
	if err != nil {
		return nil, err
	}
	rate, err := decimal.NewFromString(r.LockedRate)
	if err != nil {
		return nil, err
	}
	target, err := decimal.NewFromString(r.TargetAssetAmount)
	if err != nil {
		return nil, err
	}
	tolerance, err := decimal.NewFromString(r.Tolerance)
	if err != nil {
		return nil, err
	}

	return &types.Payment{
		ID:                  r.ID,
		Chain:               types.Chain(r.Chain),
		Asset:               asset,
		RecipientAddress:    r.RecipientAddress,
		RequestedFiatAmount: fiat,
		RequestedCurrency:   r.RequestedCurrency,
		LockedRate:          rate,
		TargetAssetAmount:   target,
		RateLockExpiry:      r.RateLockExpiry,
		Tolerance:           tolerance,
		Status:              types.PaymentStatus(r.Status),
		ObservedTransfers:   transfers,
		Confirmations:       r.Confirmations,
		Overpaid:            r.Overpaid,
		FailureReason:       r.FailureReason,
		Sequence:            r.Sequence,
		Description:         r.Description,
		WebhookURL:          r.WebhookURL,
		PaymentURI:          r.PaymentURI,
		Metadata:            metadata,
		CreatedAt:           r.CreatedAt,
		SettledAt:           r.SettledAt,
	}, nil
}

func toEventRecord(e *types.WebhookEvent) *eventRecord {
	return &eventRecord{
		DeliveryID:   e.DeliveryID,
		PaymentID:    e.PaymentID,
		EventType:    string(e.EventType),
		Payload:      e.Payload,
		URL:          e.URL,
		Status:       string(e.Status),
		AttemptCount: e.AttemptCount,
		NextRetryAt:  e.NextRetryAt,
		CreatedAt:    e.CreatedAt,
	}
}

func fromEventRecord(r *eventRecord) *types.WebhookEvent {
	return &types.WebhookEvent{
		DeliveryID:   r.DeliveryID,
		PaymentID:    r.PaymentID,
		EventType:    types.EventType(r.EventType),
		Payload:      r.Payload,
		URL:          r.URL,
		Status:       types.WebhookEventStatus(r.Status),
		AttemptCount: r.AttemptCount,
		NextRetryAt:  r.NextRetryAt,
		CreatedAt:    r.CreatedAt,
	}
}
