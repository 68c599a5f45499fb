package service

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditbook/internal/config"
	"github.com/smallbiznis/creditbook/internal/credit/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func serviceOf(f *fixture) *Service {
	return f.svc.(*Service)
}

func TestRunInTransactionStopsOnTerminalError(t *testing.T) {
	f := setup(t)
	svc := serviceOf(f)

	terminal := errors.New("column does not exist")
	calls := 0
	err := svc.runInTransaction(context.Background(), "add", func(tx *gorm.DB) error {
		calls++
		return terminal
	})

	assert.ErrorIs(t, err, terminal)
	assert.Equal(t, 1, calls, "terminal errors must not be retried")
}

func TestRunInTransactionRetriesTransientErrors(t *testing.T) {
	f := setup(t)
	svc := serviceOf(f)
	require.NoError(t, f.policy.Set(config.LedgerPolicy{MaxTransactionAttempts: 3}))

	calls := 0
	err := svc.runInTransaction(context.Background(), "add", func(tx *gorm.DB) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRunInTransactionExhaustsBudget(t *testing.T) {
	f := setup(t)
	svc := serviceOf(f)
	require.NoError(t, f.policy.Set(config.LedgerPolicy{MaxTransactionAttempts: 2}))

	calls := 0
	err := svc.runInTransaction(context.Background(), "transfer", func(tx *gorm.DB) error {
		calls++
		return errors.New("could not serialize access due to concurrent update")
	})

	assert.ErrorIs(t, err, domain.ErrTransactionConflict)
	assert.Equal(t, 2, calls)
}

func TestRunInTransactionHonorsContextCancellation(t *testing.T) {
	f := setup(t)
	svc := serviceOf(f)
	require.NoError(t, f.policy.Set(config.LedgerPolicy{MaxTransactionAttempts: 5}))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := svc.runInTransaction(ctx, "add", func(tx *gorm.DB) error {
		calls++
		cancel()
		return errors.New("database is locked")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "cancellation must stop the retry loop")
}

func TestBackoffWithJitterGrowsWithAttempts(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffWithJitter(retryBaseDelay, attempt)
		assert.GreaterOrEqual(t, d, retryBaseDelay)
		assert.LessOrEqual(t, d, retryBaseDelay+retryBaseDelay<<maxBackoffShift)
	}
}

func TestRunInTransactionCommits(t *testing.T) {
	f := setup(t)
	svc := serviceOf(f)
	owner := f.owner("1")

	one := decimal.NewFromInt(1)
	err := svc.runInTransaction(context.Background(), "add", func(tx *gorm.DB) error {
		last, err := svc.repo.LatestBalance(context.Background(), tx, owner, true)
		if err != nil {
			return err
		}
		rec := newRecord(owner, domain.KindCredit, one, last.Add(one), "", nil, nil)
		return svc.repo.Append(context.Background(), tx, rec)
	})
	require.NoError(t, err)

	balance, err := f.svc.Balance(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, balance.Equal(one))
}
