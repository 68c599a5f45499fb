package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/smallbiznis/creditbook/internal/credit/domain"
	"github.com/smallbiznis/creditbook/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	retryBaseDelay  = 20 * time.Millisecond
	maxBackoffShift = 6
)

// runInTransaction executes fn inside a database transaction and retries it
// when the database reports a transient conflict (serialization failure,
// deadlock, lock timeout). The attempt budget comes from the live ledger
// policy; any non-transient error aborts immediately. When the budget is
// exhausted the last transient error is wrapped in ErrTransactionConflict.
func (s *Service) runInTransaction(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	attempts := s.policy.Get().MaxTransactionAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := s.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if !db.IsTransientErr(err) {
			return err
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		s.metrics.RecordTransactionRetry(ctx, op)
		s.log.Warn("retrying transaction after transient conflict",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
		if err := sleepWithContext(ctx, backoffWithJitter(retryBaseDelay, attempt)); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w: %s after %d attempts: %v", domain.ErrTransactionConflict, op, attempts, lastErr)
}

func backoffWithJitter(base time.Duration, attempt int) time.Duration {
	shift := attempt
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	ceiling := base << shift
	return base + time.Duration(rand.Int64N(int64(ceiling)))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
