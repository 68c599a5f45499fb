package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	clockpkg "github.com/smallbiznis/creditbook/internal/clock"
	"github.com/smallbiznis/creditbook/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	// SQLite support hack: remove FOR UPDATE clauses
	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripForUpdate))
	require.NoError(t, db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripForUpdate))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&OutboxEvent{}))
	return db
}

func newOutbox(t *testing.T, db *gorm.DB, clk clockpkg.Clock) *Outbox {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewOutbox(db, node, clk, zap.NewNop())
}

func newDispatcher(db *gorm.DB, clk clockpkg.Clock, outbox config.OutboxConfig) *Dispatcher {
	cfg := config.Config{Outbox: outbox}
	return NewDispatcher(db, clk, cfg, zap.NewNop())
}

func countEvents(t *testing.T, db *gorm.DB, status string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&OutboxEvent{}).Where("status = ?", status).Count(&count).Error)
	return count
}

func TestPublishRequiresEventType(t *testing.T) {
	db := setupDB(t)
	outbox := newOutbox(t, db, clockpkg.System())

	err := outbox.Publish(context.Background(), Event{Type: "  "})
	assert.ErrorIs(t, err, ErrInvalidEventType)
}

func TestPublishDedupesByKey(t *testing.T) {
	db := setupDB(t)
	outbox := newOutbox(t, db, clockpkg.System())
	ctx := context.Background()

	event := Event{Type: "credits.added", Payload: map[string]any{"amount": "10"}, DedupeKey: "credit_tx:1"}
	require.NoError(t, outbox.Publish(ctx, event))
	require.NoError(t, outbox.Publish(ctx, event))

	assert.Equal(t, int64(1), countEvents(t, db, StatusPending))
}

func TestPublishWithoutKeyRecordsEach(t *testing.T) {
	db := setupDB(t)
	outbox := newOutbox(t, db, clockpkg.System())
	ctx := context.Background()

	require.NoError(t, outbox.Publish(ctx, Event{Type: "credits.added"}))
	require.NoError(t, outbox.Publish(ctx, Event{Type: "credits.added"}))

	assert.Equal(t, int64(2), countEvents(t, db, StatusPending))
}

func TestPublishTxRollbackLeavesNothing(t *testing.T) {
	db := setupDB(t)
	outbox := newOutbox(t, db, clockpkg.System())
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := outbox.PublishTx(ctx, tx, Event{Type: "credits.added", DedupeKey: "k"}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	var count int64
	require.NoError(t, db.Model(&OutboxEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDispatchBatchDeliversToSubscribers(t *testing.T) {
	db := setupDB(t)
	clk := clockpkg.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	outbox := newOutbox(t, db, clk)
	ctx := context.Background()

	require.NoError(t, outbox.Publish(ctx, Event{Type: "credits.added", Payload: map[string]any{"amount": "10"}, DedupeKey: "a"}))
	require.NoError(t, outbox.Publish(ctx, Event{Type: "credits.deducted", DedupeKey: "b"}))

	dispatcher := newDispatcher(db, clk, config.OutboxConfig{BatchSize: 10, MaxAttempts: 3})

	var mu sync.Mutex
	var added, all []Event
	dispatcher.Subscribe("credits.added", func(ctx context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		added = append(added, ev)
		return nil
	})
	dispatcher.Subscribe("", func(ctx context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		all = append(all, ev)
		return nil
	})

	delivered, err := dispatcher.dispatchBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, added, 1)
	assert.Equal(t, "10", added[0].Payload["amount"])
	assert.Len(t, all, 2)

	assert.Equal(t, int64(2), countEvents(t, db, StatusDelivered))
	assert.Equal(t, int64(0), countEvents(t, db, StatusPending))

	var row OutboxEvent
	require.NoError(t, db.First(&row, "dedupe_key = ?", "a").Error)
	require.NotNil(t, row.DeliveredAt)
	assert.Equal(t, 1, row.Attempts)
}

func TestDispatchRedeliversUntilFailed(t *testing.T) {
	db := setupDB(t)
	clk := clockpkg.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	outbox := newOutbox(t, db, clk)
	ctx := context.Background()

	require.NoError(t, outbox.Publish(ctx, Event{Type: "credits.added", DedupeKey: "a"}))

	dispatcher := newDispatcher(db, clk, config.OutboxConfig{BatchSize: 10, MaxAttempts: 2})
	dispatcher.Subscribe("credits.added", func(ctx context.Context, ev Event) error {
		return errors.New("handler down")
	})

	// First failure keeps the event pending and does not count as delivered.
	delivered, err := dispatcher.dispatchBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Equal(t, int64(1), countEvents(t, db, StatusPending))

	var row OutboxEvent
	require.NoError(t, db.First(&row, "dedupe_key = ?", "a").Error)
	assert.Equal(t, 1, row.Attempts)
	assert.True(t, row.NextAttemptAt.After(clk.Now()))

	// The event is not claimable again until its backoff elapses.
	delivered, err = dispatcher.dispatchBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, delivered)
	require.NoError(t, db.First(&row, "dedupe_key = ?", "a").Error)
	assert.Equal(t, 1, row.Attempts)

	// Second failure after the backoff exhausts the budget.
	clk.Advance(2 * time.Minute)
	delivered, err = dispatcher.dispatchBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Equal(t, int64(1), countEvents(t, db, StatusFailed))

	require.NoError(t, db.First(&row, "dedupe_key = ?", "a").Error)
	assert.Equal(t, 2, row.Attempts)
	assert.Contains(t, row.LastError, "handler down")
}

func TestDispatcherStartStop(t *testing.T) {
	db := setupDB(t)
	clk := clockpkg.System()
	outbox := newOutbox(t, db, clk)
	ctx := context.Background()

	require.NoError(t, outbox.Publish(ctx, Event{Type: "credits.added", DedupeKey: "a"}))

	dispatcher := newDispatcher(db, clk, config.OutboxConfig{
		PollInterval: 5 * time.Millisecond,
		BatchSize:    10,
		MaxAttempts:  3,
	})

	done := make(chan struct{})
	var once sync.Once
	dispatcher.Subscribe("credits.added", func(ctx context.Context, ev Event) error {
		once.Do(func() { close(done) })
		return nil
	})

	dispatcher.Start()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, dispatcher.Stop(stopCtx))

	assert.Equal(t, int64(1), countEvents(t, db, StatusDelivered))
}

func TestBackoffWithJitterStaysBounded(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 1; attempt <= 20; attempt++ {
		d := backoffWithJitter(base, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, base<<maxBackoffShift)
	}
}
