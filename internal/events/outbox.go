// Package events provides the transactional outbox. Mutations append events
// inside their write transaction; a dispatcher drains committed rows to the
// realtime broadcaster afterwards. A crash before the drain loses only
// advisory events and never leaves an invoice inconsistent.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/waraqaweb/billingcore/internal/providers/broadcast"
	"github.com/waraqaweb/billingcore/pkg/db"
	"github.com/waraqaweb/billingcore/pkg/telemetry"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	EventInvoiceCreated           = "invoice:created"
	EventInvoiceUpdated           = "invoice:updated"
	EventInvoicePaid              = "invoice:paid"
	EventInvoicePartiallyPaid     = "invoice:partially_paid"
	EventInvoiceRefunded          = "invoice:refunded"
	EventInvoiceDeleted           = "invoice:deleted"
	EventInvoiceRestored          = "invoice:restored"
	EventInvoicePermanentlyDeleted = "invoice:permanentlyDeleted"
	EventDashboardStatsUpdated    = "dashboard:statsUpdated"
)

type Event struct {
	Type      string
	Payload   map[string]any
	DedupeKey string
}

// Record is the persisted outbox row.
type Record struct {
	ID        snowflake.ID   `gorm:"primaryKey"`
	EventType string         `gorm:"type:text;not null"`
	Payload   datatypes.JSON `gorm:"type:jsonb;not null"`
	DedupeKey string         `gorm:"type:text;uniqueIndex"`
	Published bool           `gorm:"not null;default:false;index"`
	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Record) TableName() string { return "billing_events" }

type Outbox struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	broadcaster broadcast.Publisher
	metrics     *telemetry.Metrics
}

func NewOutbox(conn *gorm.DB, log *zap.Logger, genID *snowflake.Node, broadcaster broadcast.Publisher, metrics *telemetry.Metrics) *Outbox {
	return &Outbox{
		db:          conn,
		log:         log.Named("events.outbox"),
		genID:       genID,
		broadcaster: broadcaster,
		metrics:     metrics,
	}
}

// PublishTx appends the event inside the caller's transaction. Duplicate
// dedupe keys are dropped silently.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}

	record := Record{
		ID:        o.genID.Generate(),
		EventType: event.Type,
		Payload:   datatypes.JSON(payload),
		DedupeKey: event.DedupeKey,
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil
		}
		return err
	}
	return nil
}

// Dispatch drains unpublished rows to the broadcaster. Delivery is
// fire-and-forget; a failed publish leaves the row for the next pass.
func (o *Outbox) Dispatch(ctx context.Context) error {
	var records []Record
	if err := o.db.WithContext(ctx).
		Where("published = ?", false).
		Order("created_at ASC").
		Limit(100).
		Find(&records).Error; err != nil {
		return err
	}
	if len(records) == 0 {
		o.metrics.OutboxDispatched("empty", 0)
		return nil
	}

	published := make([]snowflake.ID, 0, len(records))
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := o.broadcaster.Publish(ctx, record.EventType, record.Payload); err != nil {
			o.log.Warn("broadcast publish failed",
				zap.String("event_type", record.EventType),
				zap.Error(err),
			)
			continue
		}
		published = append(published, record.ID)
	}

	if len(published) > 0 {
		if err := o.db.WithContext(ctx).Model(&Record{}).
			Where("id IN ?", published).
			Update("published", true).Error; err != nil {
			return err
		}
	}
	o.metrics.OutboxDispatched("ok", len(records)-len(published))
	return nil
}

// RunForever drains the outbox until the context is cancelled.
func (o *Outbox) RunForever(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.Dispatch(ctx); err != nil {
				o.log.Warn("outbox dispatch failed", zap.Error(err))
			}
		}
	}
}
