package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ListFilter narrows a transaction listing. Order is applied over
// (created_at, id) jointly, never a single column.
type ListFilter struct {
	Type  *TypeFilter
	Kind  *Kind
	Order Order
	Limit int
	Until *time.Time
}

// SumFilter narrows an amount aggregation.
type SumFilter struct {
	Type  *TypeFilter
	Until *time.Time
}

// Repository is the durable, ordered store of transaction records. Methods
// take the caller's *gorm.DB so they run inside the caller's transactional
// scope; LatestBalance with forUpdate takes a row lock held until that scope
// ends.
type Repository interface {
	LatestBalance(ctx context.Context, db *gorm.DB, owner OwnerRef, forUpdate bool) (decimal.Decimal, error)
	LatestBalanceAt(ctx context.Context, db *gorm.DB, owner OwnerRef, at time.Time) (decimal.Decimal, error)
	Append(ctx context.Context, db *gorm.DB, record *Transaction) error
	List(ctx context.Context, db *gorm.DB, owner OwnerRef, filter ListFilter) ([]Transaction, error)
	SumAmounts(ctx context.Context, db *gorm.DB, owner OwnerRef, kind Kind, filter SumFilter) (decimal.Decimal, error)
}
