package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/creditbook/internal/clock"
	obsmetrics "github.com/smallbiznis/creditbook/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Outbox event delivery states.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

var ErrInvalidEventType = errors.New("invalid_event_type")

// OutboxEvent is a durably recorded domain event awaiting delivery.
// NextAttemptAt gates redelivery: a failed event is not claimable again
// until its backoff has elapsed.
type OutboxEvent struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	EventType     string            `gorm:"type:text;not null;index"`
	Payload       datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	DedupeKey     string            `gorm:"type:text;not null;uniqueIndex:ux_outbox_events_dedupe"`
	Status        string            `gorm:"type:text;not null;index;default:pending"`
	Attempts      int               `gorm:"not null;default:0"`
	LastError     string            `gorm:"type:text"`
	CreatedAt     time.Time         `gorm:"not null"`
	NextAttemptAt time.Time         `gorm:"not null;index"`
	DeliveredAt   *time.Time
}

// TableName sets the database table name.
func (OutboxEvent) TableName() string { return "outbox_events" }

// Outbox records domain events transactionally. An event inserted via
// PublishTx becomes visible to the dispatcher only when the surrounding
// transaction commits; a rollback removes it, so delivery can never precede
// or outlive the data it describes.
type Outbox struct {
	db    *gorm.DB
	genID *snowflake.Node
	clk   clock.Clock
	log   *zap.Logger
}

func NewOutbox(db *gorm.DB, genID *snowflake.Node, clk clock.Clock, log *zap.Logger) *Outbox {
	return &Outbox{
		db:    db,
		genID: genID,
		clk:   clk,
		log:   log.Named("events.outbox"),
	}
}

// PublishTx records the event inside the caller's transaction.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	eventType := strings.TrimSpace(event.Type)
	if eventType == "" {
		return ErrInvalidEventType
	}

	dedupeKey := strings.TrimSpace(event.DedupeKey)
	if dedupeKey == "" {
		dedupeKey = uuid.NewString()
	}

	payload := datatypes.JSONMap(event.Payload)
	if payload == nil {
		payload = datatypes.JSONMap{}
	}

	now := o.clk.Now()
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO outbox_events (id, event_type, payload, dedupe_key, status, attempts, last_error, created_at, next_attempt_at)
		 VALUES (?, ?, ?, ?, ?, 0, '', ?, ?)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		o.genID.Generate(),
		eventType,
		payload,
		dedupeKey,
		StatusPending,
		now,
		now,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		obsmetrics.Outbox().ObservePublished(eventType)
	}
	return nil
}

// Publish records the event in its own transaction, for callers without an
// open transactional scope.
func (o *Outbox) Publish(ctx context.Context, event Event) error {
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return o.PublishTx(ctx, tx, event)
	})
}
