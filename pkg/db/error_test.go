package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.False(t, IsDuplicateKeyErr(nil))
	assert.False(t, IsDuplicateKeyErr(errors.New("connection refused")))

	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsDuplicateKeyErr(errors.New(`duplicate key value violates unique constraint "ux_outbox_events_dedupe"`)))
	assert.True(t, IsDuplicateKeyErr(errors.New("Error 1062: Duplicate entry")))
	assert.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: outbox_events.dedupe_key")))
}

func TestIsTransientErr(t *testing.T) {
	assert.False(t, IsTransientErr(nil))
	assert.False(t, IsTransientErr(errors.New("connection refused")))
	assert.False(t, IsTransientErr(gorm.ErrRecordNotFound))
	assert.False(t, IsTransientErr(&pgconn.PgError{Code: "23505"}))

	assert.True(t, IsTransientErr(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsTransientErr(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, IsTransientErr(&pgconn.PgError{Code: "55P03"}))
	assert.True(t, IsTransientErr(errors.New("ERROR: deadlock detected (SQLSTATE 40P01)")))
	assert.True(t, IsTransientErr(errors.New("could not serialize access due to concurrent update")))
	assert.True(t, IsTransientErr(errors.New("Error 1213: Deadlock found when trying to get lock")))
	assert.True(t, IsTransientErr(errors.New("Error 1205: Lock wait timeout exceeded")))
	assert.True(t, IsTransientErr(errors.New("database is locked (5) (SQLITE_BUSY)")))
}

func TestIsTransientErrUnwrapsPGError(t *testing.T) {
	wrapped := fmt.Errorf("append record: %w", &pgconn.PgError{Code: "40001"})
	assert.True(t, IsTransientErr(wrapped))
}
