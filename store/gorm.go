package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sheikhcoders/SheikhPay/types"
)

var _ Store = (*GormStore)(nil)

var terminalStatuses = []string{
	string(types.StatusSettled),
	string(types.StatusExpired),
	string(types.StatusFailed),
}

// GormStore implements Store on a relational database through gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the schema on the given dialector and returns the
// store. Use NewSQLiteStore or NewPostgresStore for the common cases.
func NewGormStore(dialector gorm.Dialector) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&paymentRecord{}, &claimRecord{}, &eventRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

func NewSQLiteStore(path string) (*GormStore, error) {
	return NewGormStore(sqlite.Open(path))
}

func NewPostgresStore(dsn string) (*GormStore, error) {
	return NewGormStore(postgres.Open(dsn))
}

func (s *GormStore) CreatePayment(ctx context.Context, p *types.Payment) error {
	record, err := toPaymentRecord(p)
	if err != nil {
		return fmt.Errorf("encode payment: %w", err)
	}
	return s.db.WithContext(ctx).Create(record).Error
}

func (s *GormStore) GetPayment(ctx context.Context, id string) (*types.Payment, error) {
	var record paymentRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &types.Error{Code: types.ErrNotFound, Message: fmt.Sprintf("payment %s not found", id)}
	}
	if err != nil {
		return nil, err
	}
	return fromPaymentRecord(&record)
}

func (s *GormStore) UpdatePayment(ctx context.Context, p *types.Payment, event *types.WebhookEvent) error {
	record, err := toPaymentRecord(p)
	if err != nil {
		return fmt.Errorf("encode payment: %w", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(record).Error; err != nil {
			return err
		}
		if event != nil {
			if err := tx.Create(toEventRecord(event)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) ClaimTransfer(ctx context.Context, t types.Transfer, paymentID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing claimRecord
		err := tx.Where("chain = ? AND tx_hash = ? AND log_index = ?", string(t.Chain), t.TxHash, t.LogIndex).
			First(&existing).Error
		if err == nil {
			if existing.PaymentID == paymentID {
				return nil
			}
			return doubleClaimErr(t, existing.PaymentID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := tx.Create(&claimRecord{
			Chain:     string(t.Chain),
			TxHash:    t.TxHash,
			LogIndex:  t.LogIndex,
			PaymentID: paymentID,
		}).Error; err != nil {
			// Lost the race to the unique index.
			return doubleClaimErr(t, "")
		}
		return nil
	})
}

func (s *GormStore) ReleaseClaim(ctx context.Context, chain types.Chain, txHash string, logIndex uint) error {
	return s.db.WithContext(ctx).
		Where("chain = ? AND tx_hash = ? AND log_index = ?", string(chain), txHash, logIndex).
		Delete(&claimRecord{}).Error
}

func (s *GormStore) ListOpenPayments(ctx context.Context) ([]*types.Payment, error) {
	var records []paymentRecord
	err := s.db.WithContext(ctx).
		Where("status NOT IN ?", terminalStatuses).
		Order("created_at").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return decodePayments(records)
}

func (s *GormStore) ListOpenPaymentsFor(ctx context.Context, chain types.Chain, address string) ([]*types.Payment, error) {
	var records []paymentRecord
	err := s.db.WithContext(ctx).
		Where("chain = ? AND LOWER(recipient_address) = ? AND status NOT IN ?", string(chain), strings.ToLower(address), terminalStatuses).
		Order("created_at").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return decodePayments(records)
}

func (s *GormStore) DueEvents(ctx context.Context, now time.Time, limit int) ([]*types.WebhookEvent, error) {
	var records []eventRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", string(types.DeliveryPending), now).
		Order("next_retry_at").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	events := make([]*types.WebhookEvent, 0, len(records))
	for i := range records {
		events = append(events, fromEventRecord(&records[i]))
	}
	return events, nil
}

func (s *GormStore) UpdateEvent(ctx context.Context, event *types.WebhookEvent) error {
	return s.db.WithContext(ctx).
		Model(&eventRecord{}).
		Where("delivery_id = ?", event.DeliveryID).
		Updates(map[string]any{
			"status":        string(event.Status),
			"attempt_count": event.AttemptCount,
			"next_retry_at": event.NextRetryAt,
		}).Error
}

func (s *GormStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

func decodePayments(records []paymentRecord) ([]*types.Payment, error) {
	payments := make([]*types.Payment, 0, len(records))
	for i := range records {
		p, err := fromPaymentRecord(&records[i])
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, nil
}

func doubleClaimErr(t types.Transfer, holder string) error {
	msg := fmt.Sprintf("transfer %s already claimed", t.Key())
	if holder != "" {
		msg = fmt.Sprintf("%s by payment %s", msg, holder)
	}
	return &types.Error{Code: types.ErrDoubleClaim, Message: msg}
}
