package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Kind represents the direction of a ledger movement.
type Kind string

const (
	// KindCredit increases the owner's balance.
	KindCredit Kind = "credit"
	// KindDebit decreases the owner's balance.
	KindDebit Kind = "debit"
)

// OwnerRef addresses any entity capable of holding a balance as an opaque
// (kind, id) pair. The ledger never assumes a concrete owner schema.
type OwnerRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (o OwnerRef) IsZero() bool {
	return strings.TrimSpace(o.Kind) == "" || strings.TrimSpace(o.ID) == ""
}

// Less defines the global lock-acquisition order over owners: kind first,
// then id. Two-party operations must lock in this order regardless of which
// side is sender or recipient.
func (o OwnerRef) Less(other OwnerRef) bool {
	if o.Kind != other.Kind {
		return o.Kind < other.Kind
	}
	return o.ID < other.ID
}

// Transaction is the ledger's only persisted entity. Records are immutable
// and never updated or deleted after creation.
type Transaction struct {
	ID             snowflake.ID      `gorm:"primaryKey;index:idx_credit_tx_owner,priority:3;index:idx_credit_tx_owner_time,priority:4" json:"id"`
	OwnerKind      string            `gorm:"not null;index:idx_credit_tx_owner,priority:1;index:idx_credit_tx_owner_time,priority:1" json:"owner_kind"`
	OwnerID        string            `gorm:"not null;index:idx_credit_tx_owner,priority:2;index:idx_credit_tx_owner_time,priority:2" json:"owner_id"`
	Kind           Kind              `gorm:"type:text;not null" json:"kind"`
	Amount         decimal.Decimal   `gorm:"type:numeric(30,10);not null" json:"amount"`
	CreditType     *string           `gorm:"type:text" json:"credit_type,omitempty"`
	Description    string            `gorm:"type:text" json:"description,omitempty"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata,omitempty"`
	RunningBalance decimal.Decimal   `gorm:"type:numeric(30,10);not null" json:"running_balance"`
	CreatedAt      time.Time         `gorm:"not null;index:idx_credit_tx_owner_time,priority:3" json:"created_at"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "credit_transactions" }

// Owner returns the record's owner reference.
func (t Transaction) Owner() OwnerRef {
	return OwnerRef{Kind: t.OwnerKind, ID: t.OwnerID}
}

// Signed returns the amount with the sign implied by the record kind.
func (t Transaction) Signed() decimal.Decimal {
	if t.Kind == KindDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// TypeFilter selects a credit-type bucket for the filtered balance queries.
// A named type and the explicitly untyped bucket are distinct filters; the
// untyped bucket matches records whose credit_type is NULL.
type TypeFilter struct {
	CreditType string
	Untyped    bool
}

// ForType filters by a named credit type.
func ForType(name string) TypeFilter {
	return TypeFilter{CreditType: name}
}

// ForUntyped filters records that carry no credit type.
func ForUntyped() TypeFilter {
	return TypeFilter{Untyped: true}
}

// Validate rejects filters that name neither a type nor the untyped bucket.
func (f TypeFilter) Validate() error {
	if !f.Untyped && strings.TrimSpace(f.CreditType) == "" {
		return ErrInvalidTypeFilter
	}
	return nil
}

// Order is the sort direction over (created_at, id) jointly.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// NormalizeOrder resolves a caller-supplied order string case-insensitively.
// Anything other than "asc" resolves to descending.
func NormalizeOrder(raw string) Order {
	if strings.EqualFold(strings.TrimSpace(raw), string(OrderAsc)) {
		return OrderAsc
	}
	return OrderDesc
}

const (
	// DefaultHistoryLimit applies when a history request leaves the limit unset.
	DefaultHistoryLimit = 10
	// MaxHistoryLimit caps a history request's page size.
	MaxHistoryLimit = 1000
)

// ClampLimit resolves a caller-supplied limit into [1, MaxHistoryLimit],
// falling back to DefaultHistoryLimit when unset.
func ClampLimit(limit int) int {
	if limit == 0 {
		return DefaultHistoryLimit
	}
	if limit < 1 {
		return 1
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// maxEpochSeconds is the largest epoch value interpreted as seconds
// (9,999,999,999 ~ year 2286). Larger values are taken as milliseconds.
const maxEpochSeconds = 9_999_999_999

// TimeFromEpoch converts a Unix epoch value to a UTC time, detecting
// millisecond precision by magnitude.
func TimeFromEpoch(epoch int64) time.Time {
	if epoch > maxEpochSeconds {
		return time.UnixMilli(epoch).UTC()
	}
	return time.Unix(epoch, 0).UTC()
}

// PointInTime addresses a historical balance either by wall-clock time or by
// a raw Unix epoch value. When Time is zero, Epoch is resolved through
// TimeFromEpoch.
type PointInTime struct {
	Time  time.Time
	Epoch int64
}

// At builds a PointInTime from a wall-clock time.
func At(t time.Time) PointInTime {
	return PointInTime{Time: t}
}

// AtEpoch builds a PointInTime from a Unix epoch in seconds or milliseconds.
func AtEpoch(epoch int64) PointInTime {
	return PointInTime{Epoch: epoch}
}

// Resolve returns the effective UTC instant.
func (p PointInTime) Resolve() time.Time {
	if !p.Time.IsZero() {
		return p.Time.UTC()
	}
	return TimeFromEpoch(p.Epoch)
}
