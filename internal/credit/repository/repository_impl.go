package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditbook/internal/clock"
	"github.com/smallbiznis/creditbook/internal/credit/domain"
	"gorm.io/gorm"
)

type repo struct {
	genID *snowflake.Node
	clk   clock.Clock
}

func Provide(genID *snowflake.Node, clk clock.Clock) domain.Repository {
	return &repo{genID: genID, clk: clk}
}

type balanceRow struct {
	ID             snowflake.ID
	RunningBalance decimal.Decimal
}

// LatestBalance reads the running balance of the owner's most recent record,
// ordered by id descending. With forUpdate the read serializes the caller's
// read-modify-append span against concurrent writers of the same owner,
// holding the lock until the caller's transaction ends.
//
// The row lock alone is not enough: an owner with no records yet has no row
// to lock, so on postgres a transaction-scoped advisory lock on the owner
// key is taken first. SQLite serializes writers at the database level and
// InnoDB's next-key locking covers the scanned range, so the other dialects
// need no anchor.
func (r *repo) LatestBalance(ctx context.Context, db *gorm.DB, owner domain.OwnerRef, forUpdate bool) (decimal.Decimal, error) {
	if forUpdate {
		if lockSQL, ok := ownerLockSQL(db.Dialector.Name()); ok {
			if err := db.WithContext(ctx).Exec(lockSQL, owner.Kind, owner.ID).Error; err != nil {
				return decimal.Zero, err
			}
		}
	}

	query := `SELECT id, running_balance
		 FROM credit_transactions
		 WHERE owner_kind = ? AND owner_id = ?
		 ORDER BY id DESC
		 LIMIT 1`
	if forUpdate {
		query += `
		 FOR UPDATE`
	}

	var row balanceRow
	err := db.WithContext(ctx).Raw(query, owner.Kind, owner.ID).Scan(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	if row.ID == 0 {
		return decimal.Zero, nil
	}
	return row.RunningBalance, nil
}

// LatestBalanceAt reads the running balance as of the latest record with
// created_at <= at, breaking same-timestamp ties by id.
func (r *repo) LatestBalanceAt(ctx context.Context, db *gorm.DB, owner domain.OwnerRef, at time.Time) (decimal.Decimal, error) {
	var row balanceRow
	err := db.WithContext(ctx).Raw(
		`SELECT id, running_balance
		 FROM credit_transactions
		 WHERE owner_kind = ? AND owner_id = ? AND created_at <= ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		owner.Kind,
		owner.ID,
		at.UTC(),
	).Scan(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	if row.ID == 0 {
		return decimal.Zero, nil
	}
	return row.RunningBalance, nil
}

// Append assigns the record's id and created_at and inserts it. Must run
// inside the caller's transactional scope; records are never updated after
// this point.
func (r *repo) Append(ctx context.Context, db *gorm.DB, record *domain.Transaction) error {
	record.ID = r.genID.Generate()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.clk.Now()
	}
	record.CreatedAt = record.CreatedAt.UTC()
	if record.Metadata == nil {
		record.Metadata = map[string]any{}
	}

	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions
		 (id, owner_kind, owner_id, kind, amount, credit_type, description, metadata, running_balance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.OwnerKind,
		record.OwnerID,
		string(record.Kind),
		record.Amount,
		record.CreditType,
		record.Description,
		record.Metadata,
		record.RunningBalance,
		record.CreatedAt,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, owner domain.OwnerRef, filter domain.ListFilter) ([]domain.Transaction, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("owner_kind = ? AND owner_id = ?", owner.Kind, owner.ID)
	stmt = applyTypeFilter(stmt, filter.Type)
	if filter.Kind != nil {
		stmt = stmt.Where("kind = ?", string(*filter.Kind))
	}
	if filter.Until != nil {
		stmt = stmt.Where("created_at <= ?", filter.Until.UTC())
	}

	// Order is always over (created_at, id) jointly so same-timestamp
	// records resolve by id.
	if filter.Order == domain.OrderAsc {
		stmt = stmt.Order("created_at ASC, id ASC")
	} else {
		stmt = stmt.Order("created_at DESC, id DESC")
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	var records []domain.Transaction
	if err := stmt.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) SumAmounts(ctx context.Context, db *gorm.DB, owner domain.OwnerRef, kind domain.Kind, filter domain.SumFilter) (decimal.Decimal, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Select("COALESCE(SUM(amount), 0) AS total").
		Where("owner_kind = ? AND owner_id = ?", owner.Kind, owner.ID).
		Where("kind = ?", string(kind))
	stmt = applyTypeFilter(stmt, filter.Type)
	if filter.Until != nil {
		stmt = stmt.Where("created_at <= ?", filter.Until.UTC())
	}

	var row struct {
		Total decimal.Decimal
	}
	if err := stmt.Scan(&row).Error; err != nil {
		return decimal.Zero, err
	}
	return row.Total, nil
}

// ownerLockSQL returns the per-owner serialization statement for dialects
// whose row locks cannot anchor an owner that has no rows yet.
func ownerLockSQL(dialect string) (string, bool) {
	if dialect == "postgres" {
		return `SELECT pg_advisory_xact_lock(hashtext(? || ':' || ?))`, true
	}
	return "", false
}

func applyTypeFilter(stmt *gorm.DB, filter *domain.TypeFilter) *gorm.DB {
	if filter == nil {
		return stmt
	}
	if filter.Untyped {
		return stmt.Where("credit_type IS NULL")
	}
	return stmt.Where("credit_type = ?", filter.CreditType)
}

var _ domain.Repository = (*repo)(nil)
