package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type AddRequest struct {
	Owner       OwnerRef
	Amount      decimal.Decimal
	Description string
	CreditType  *string
	Metadata    map[string]any
}

type DeductRequest struct {
	Owner       OwnerRef
	Amount      decimal.Decimal
	Description string
	CreditType  *string
	Metadata    map[string]any
}

type TransferRequest struct {
	Sender      OwnerRef
	Recipient   OwnerRef
	Amount      decimal.Decimal
	Description string
	CreditType  *string
	Metadata    map[string]any
}

// TransferResult carries both post-transfer balances and the two records the
// transfer appended.
type TransferResult struct {
	SenderBalance    decimal.Decimal
	RecipientBalance decimal.Decimal
	Debit            *Transaction
	Credit           *Transaction
}

type HistoryRequest struct {
	Owner      OwnerRef
	Limit      int
	Order      string
	CreditType string
}

// Service is the ledger engine. Each operation is atomic and self-contained;
// no state persists across calls.
//
// Balance and BalanceAt return the owner's latest running balance. The
// ByType variants recompute sum(credits) - sum(debits) over records matching
// the filter instead, so they reflect only the filtered bucket, never the
// owner's grand total. The two modes are deliberately separate entry points.
type Service interface {
	Add(ctx context.Context, req AddRequest) (*Transaction, error)
	Deduct(ctx context.Context, req DeductRequest) (*Transaction, error)
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	Balance(ctx context.Context, owner OwnerRef) (decimal.Decimal, error)
	BalanceByType(ctx context.Context, owner OwnerRef, filter TypeFilter) (decimal.Decimal, error)
	BalanceAt(ctx context.Context, owner OwnerRef, at PointInTime) (decimal.Decimal, error)
	BalanceAtByType(ctx context.Context, owner OwnerRef, at PointInTime, filter TypeFilter) (decimal.Decimal, error)
	History(ctx context.Context, req HistoryRequest) ([]Transaction, error)
}

var (
	ErrInvalidOwner        = errors.New("invalid_owner")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidTypeFilter   = errors.New("invalid_type_filter")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrTransactionConflict = errors.New("transaction_conflict")
)

// InsufficientCreditsError reports a deduct that would drive the balance
// negative while negative balances are disallowed. Available is the balance
// read at lock time.
type InsufficientCreditsError struct {
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: requested %s, available %s",
		e.Requested.String(), e.Available.String())
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}
