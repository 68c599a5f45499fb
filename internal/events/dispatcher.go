package events

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/smallbiznis/creditbook/internal/clock"
	"github.com/smallbiznis/creditbook/internal/config"
	obsmetrics "github.com/smallbiznis/creditbook/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handler consumes a delivered event. Handlers must be idempotent: delivery
// is at-least-once across process restarts.
type Handler func(ctx context.Context, event Event) error

// Dispatcher polls the outbox and delivers pending events to subscribed
// handlers. Rows are claimed with FOR UPDATE SKIP LOCKED so multiple
// dispatcher instances never deliver the same event concurrently.
type Dispatcher struct {
	db  *gorm.DB
	clk clock.Clock
	cfg config.OutboxConfig
	log *zap.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	stop chan struct{}
	done chan struct{}
}

func NewDispatcher(db *gorm.DB, clk clock.Clock, cfg config.Config, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:       db,
		clk:      clk,
		cfg:      cfg.Outbox,
		log:      log.Named("events.dispatcher"),
		handlers: make(map[string][]Handler),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Subscribe registers a handler for an event type. An empty event type
// subscribes to every event.
func (d *Dispatcher) Subscribe(eventType string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], handler)
}

// Start launches the poll loop.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop halts the poll loop and waits for the in-flight batch to finish.
func (d *Dispatcher) Stop(ctx context.Context) error {
	close(d.stop)
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	interval := d.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	consecutiveErrors := 0
	for {
		select {
		case <-d.stop:
			return
		default:
		}

		delivered, err := d.dispatchBatch(context.Background())
		switch {
		case err != nil:
			consecutiveErrors++
			d.log.Warn("outbox dispatch failed", zap.Error(err))
		default:
			consecutiveErrors = 0
		}

		wait := interval
		if consecutiveErrors > 0 {
			wait = backoffWithJitter(interval, consecutiveErrors)
		} else if delivered > 0 {
			// Drain the backlog without waiting a full interval.
			continue
		}

		select {
		case <-d.stop:
			return
		case <-time.After(wait):
		}
	}
}

// dispatchBatch claims a batch of pending events and delivers them. It
// returns how many events it delivered.
func (d *Dispatcher) dispatchBatch(ctx context.Context) (int, error) {
	batchSize := d.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	maxAttempts := d.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	delivered := 0
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch []OutboxEvent
		if err := tx.WithContext(ctx).Raw(
			`SELECT id, event_type, payload, dedupe_key, status, attempts, last_error, created_at, next_attempt_at, delivered_at
			 FROM outbox_events
			 WHERE status = ? AND next_attempt_at <= ?
			 ORDER BY id
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			StatusPending,
			d.clk.Now(),
			batchSize,
		).Scan(&batch).Error; err != nil {
			return err
		}

		obsmetrics.Outbox().SetPending(len(batch))

		for _, row := range batch {
			ok, err := d.deliver(ctx, tx, row, maxAttempts)
			if err != nil {
				return err
			}
			if ok {
				delivered++
			}
		}
		return nil
	})
	return delivered, err
}

// deliver hands one claimed event to its handlers. It reports whether the
// event was delivered; a handler failure schedules the next attempt with
// backoff and is not an error.
func (d *Dispatcher) deliver(ctx context.Context, tx *gorm.DB, row OutboxEvent, maxAttempts int) (bool, error) {
	event := Event{
		Type:      row.EventType,
		Payload:   map[string]any(row.Payload),
		DedupeKey: row.DedupeKey,
	}

	if err := d.invokeHandlers(ctx, event); err != nil {
		obsmetrics.Outbox().ObserveDispatchError(row.EventType)
		attempts := row.Attempts + 1
		status := StatusPending
		if attempts >= maxAttempts {
			status = StatusFailed
			d.log.Error("outbox event exhausted delivery attempts",
				zap.String("event_type", row.EventType),
				zap.String("dedupe_key", row.DedupeKey),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
		}
		nextAttempt := d.clk.Now().Add(redeliveryBaseDelay + backoffWithJitter(redeliveryBaseDelay, attempts))
		return false, tx.WithContext(ctx).Exec(
			`UPDATE outbox_events SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ? WHERE id = ?`,
			status, attempts, err.Error(), nextAttempt, row.ID,
		).Error
	}

	now := d.clk.Now()
	obsmetrics.Outbox().ObserveDispatched(row.EventType, now.Sub(row.CreatedAt).Seconds())
	return true, tx.WithContext(ctx).Exec(
		`UPDATE outbox_events SET status = ?, attempts = ?, delivered_at = ? WHERE id = ?`,
		StatusDelivered, row.Attempts+1, now, row.ID,
	).Error
}

func (d *Dispatcher) invokeHandlers(ctx context.Context, event Event) error {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.handlers[event.Type])+len(d.handlers[""]))
	handlers = append(handlers, d.handlers[event.Type]...)
	handlers = append(handlers, d.handlers[""]...)
	d.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

const (
	maxBackoffShift = 6

	// redeliveryBaseDelay seeds the per-event backoff after a handler failure.
	redeliveryBaseDelay = time.Second
)

// backoffWithJitter returns a random duration in [0, base * 2^attempt),
// capped at base * 2^maxBackoffShift.
func backoffWithJitter(base time.Duration, attempt int) time.Duration {
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	ceiling := base << attempt
	if ceiling <= 0 {
		return base
	}
	return time.Duration(rand.Int64N(int64(ceiling)))
}
