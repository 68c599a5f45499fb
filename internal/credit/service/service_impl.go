package service

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditbook/internal/config"
	"github.com/smallbiznis/creditbook/internal/credit/domain"
	"github.com/smallbiznis/creditbook/internal/events"
	obsmetrics "github.com/smallbiznis/creditbook/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Repo    domain.Repository
	Policy  *config.PolicyHolder
	Outbox  *events.Outbox      `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    domain.Repository
	policy  *config.PolicyHolder
	outbox  *events.Outbox
	metrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("credit.service"),
		repo:    p.Repo,
		policy:  p.Policy,
		outbox:  p.Outbox,
		metrics: p.Metrics,
	}
}

func (s *Service) Add(ctx context.Context, req domain.AddRequest) (*domain.Transaction, error) {
	if req.Owner.IsZero() {
		return nil, domain.ErrInvalidOwner
	}
	if req.Amount.Cmp(decimal.Zero) <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	var record *domain.Transaction
	err := s.runInTransaction(ctx, "add", func(tx *gorm.DB) error {
		record = nil
		last, err := s.repo.LatestBalance(ctx, tx, req.Owner, true)
		if err != nil {
			return err
		}

		rec := newRecord(req.Owner, domain.KindCredit, req.Amount, last.Add(req.Amount), req.Description, req.CreditType, req.Metadata)
		if err := s.repo.Append(ctx, tx, rec); err != nil {
			return err
		}
		record = rec
		return s.publishAdded(ctx, tx, rec)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordCreditsAdded(ctx, req.Owner.Kind)
	s.log.Debug("credits added",
		zap.String("owner_kind", req.Owner.Kind),
		zap.String("owner_id", req.Owner.ID),
		zap.String("amount", req.Amount.String()),
		zap.String("new_balance", record.RunningBalance.String()),
	)
	return record, nil
}

func (s *Service) Deduct(ctx context.Context, req domain.DeductRequest) (*domain.Transaction, error) {
	if req.Owner.IsZero() {
		return nil, domain.ErrInvalidOwner
	}
	if req.Amount.Cmp(decimal.Zero) <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	allowNegative := s.policy.Get().AllowNegativeBalance

	var record *domain.Transaction
	err := s.runInTransaction(ctx, "deduct", func(tx *gorm.DB) error {
		record = nil
		last, err := s.repo.LatestBalance(ctx, tx, req.Owner, true)
		if err != nil {
			return err
		}

		newBalance := last.Sub(req.Amount)
		if !allowNegative && newBalance.IsNegative() {
			return &domain.InsufficientCreditsError{
				Requested: req.Amount,
				Available: last,
			}
		}

		rec := newRecord(req.Owner, domain.KindDebit, req.Amount, newBalance, req.Description, req.CreditType, req.Metadata)
		if err := s.repo.Append(ctx, tx, rec); err != nil {
			return err
		}
		record = rec
		return s.publishDeducted(ctx, tx, rec)
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			s.metrics.RecordInsufficientCredits(ctx, req.Owner.Kind)
		}
		return nil, err
	}

	s.metrics.RecordCreditsDeducted(ctx, req.Owner.Kind)
	s.log.Debug("credits deducted",
		zap.String("owner_kind", req.Owner.Kind),
		zap.String("owner_id", req.Owner.ID),
		zap.String("amount", req.Amount.String()),
		zap.String("new_balance", record.RunningBalance.String()),
	)
	return record, nil
}

// Transfer debits the sender and credits the recipient atomically. Both
// owners' latest records are locked in the global owner order before either
// side is read, so two concurrent transfers between the same pair can never
// deadlock on each other. The retry policy applies to the transfer as a
// whole, not to each leg.
func (s *Service) Transfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	if req.Sender.IsZero() || req.Recipient.IsZero() {
		return nil, domain.ErrInvalidOwner
	}
	if req.Amount.Cmp(decimal.Zero) <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	allowNegative := s.policy.Get().AllowNegativeBalance
	sameOwner := req.Sender == req.Recipient

	var result *domain.TransferResult
	err := s.runInTransaction(ctx, "transfer", func(tx *gorm.DB) error {
		result = nil

		first, second := req.Sender, req.Recipient
		if second.Less(first) {
			first, second = second, first
		}

		firstBal, err := s.repo.LatestBalance(ctx, tx, first, true)
		if err != nil {
			return err
		}
		secondBal := firstBal
		if !sameOwner {
			secondBal, err = s.repo.LatestBalance(ctx, tx, second, true)
			if err != nil {
				return err
			}
		}

		senderBal, recipientBal := firstBal, secondBal
		if first != req.Sender {
			senderBal, recipientBal = secondBal, firstBal
		}

		newSenderBal := senderBal.Sub(req.Amount)
		if !allowNegative && newSenderBal.IsNegative() {
			return &domain.InsufficientCreditsError{
				Requested: req.Amount,
				Available: senderBal,
			}
		}

		debit := newRecord(req.Sender, domain.KindDebit, req.Amount, newSenderBal, req.Description, req.CreditType, req.Metadata)
		if err := s.repo.Append(ctx, tx, debit); err != nil {
			return err
		}

		recipientBase := recipientBal
		if sameOwner {
			recipientBase = newSenderBal
		}
		newRecipientBal := recipientBase.Add(req.Amount)
		credit := newRecord(req.Recipient, domain.KindCredit, req.Amount, newRecipientBal, req.Description, req.CreditType, req.Metadata)
		if err := s.repo.Append(ctx, tx, credit); err != nil {
			return err
		}

		result = &domain.TransferResult{
			SenderBalance:    newSenderBal,
			RecipientBalance: newRecipientBal,
			Debit:            debit,
			Credit:           credit,
		}
		return s.publishTransferred(ctx, tx, req, result)
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			s.metrics.RecordInsufficientCredits(ctx, req.Sender.Kind)
		}
		return nil, err
	}

	s.metrics.RecordTransfer(ctx, req.Sender.Kind, req.Recipient.Kind)
	s.log.Info("credits transferred",
		zap.String("sender_kind", req.Sender.Kind),
		zap.String("sender_id", req.Sender.ID),
		zap.String("recipient_kind", req.Recipient.Kind),
		zap.String("recipient_id", req.Recipient.ID),
		zap.String("amount", req.Amount.String()),
	)
	return result, nil
}

// Balance returns the owner's latest running balance, 0 when no records
// exist.
func (s *Service) Balance(ctx context.Context, owner domain.OwnerRef) (decimal.Decimal, error) {
	if owner.IsZero() {
		return decimal.Zero, domain.ErrInvalidOwner
	}
	return s.repo.LatestBalance(ctx, s.db, owner, false)
}

// BalanceByType recomputes sum(credits) - sum(debits) over records matching
// the filter. It reflects only the filtered bucket, not the owner's total.
func (s *Service) BalanceByType(ctx context.Context, owner domain.OwnerRef, filter domain.TypeFilter) (decimal.Decimal, error) {
	if owner.IsZero() {
		return decimal.Zero, domain.ErrInvalidOwner
	}
	if err := filter.Validate(); err != nil {
		return decimal.Zero, err
	}
	return s.sumSigned(ctx, owner, domain.SumFilter{Type: &filter})
}

// BalanceAt returns the owner's running balance as of the given instant.
func (s *Service) BalanceAt(ctx context.Context, owner domain.OwnerRef, at domain.PointInTime) (decimal.Decimal, error) {
	if owner.IsZero() {
		return decimal.Zero, domain.ErrInvalidOwner
	}
	return s.repo.LatestBalanceAt(ctx, s.db, owner, at.Resolve())
}

// BalanceAtByType recomputes the filtered credit/debit sum over records up
// to the given instant.
func (s *Service) BalanceAtByType(ctx context.Context, owner domain.OwnerRef, at domain.PointInTime, filter domain.TypeFilter) (decimal.Decimal, error) {
	if owner.IsZero() {
		return decimal.Zero, domain.ErrInvalidOwner
	}
	if err := filter.Validate(); err != nil {
		return decimal.Zero, err
	}
	until := at.Resolve()
	return s.sumSigned(ctx, owner, domain.SumFilter{Type: &filter, Until: &until})
}

func (s *Service) History(ctx context.Context, req domain.HistoryRequest) ([]domain.Transaction, error) {
	if req.Owner.IsZero() {
		return nil, domain.ErrInvalidOwner
	}

	filter := domain.ListFilter{
		Order: domain.NormalizeOrder(req.Order),
		Limit: domain.ClampLimit(req.Limit),
	}
	if name := strings.TrimSpace(req.CreditType); name != "" {
		typeFilter := domain.ForType(name)
		filter.Type = &typeFilter
	}

	return s.repo.List(ctx, s.db, req.Owner, filter)
}

func (s *Service) sumSigned(ctx context.Context, owner domain.OwnerRef, filter domain.SumFilter) (decimal.Decimal, error) {
	credits, err := s.repo.SumAmounts(ctx, s.db, owner, domain.KindCredit, filter)
	if err != nil {
		return decimal.Zero, err
	}
	debits, err := s.repo.SumAmounts(ctx, s.db, owner, domain.KindDebit, filter)
	if err != nil {
		return decimal.Zero, err
	}
	return credits.Sub(debits), nil
}

func newRecord(owner domain.OwnerRef, kind domain.Kind, amount, runningBalance decimal.Decimal, description string, creditType *string, metadata map[string]any) *domain.Transaction {
	return &domain.Transaction{
		OwnerKind:      owner.Kind,
		OwnerID:        owner.ID,
		Kind:           kind,
		Amount:         amount,
		CreditType:     creditType,
		Description:    description,
		Metadata:       datatypes.JSONMap(metadata),
		RunningBalance: runningBalance,
	}
}

func (s *Service) publishAdded(ctx context.Context, tx *gorm.DB, rec *domain.Transaction) error {
	if s.outbox == nil {
		return nil
	}
	payload := events.CreditsAddedPayload{
		OwnerKind:     rec.OwnerKind,
		OwnerID:       rec.OwnerID,
		TransactionID: rec.ID.String(),
		Amount:        rec.Amount.String(),
		NewBalance:    rec.RunningBalance.String(),
		Description:   rec.Description,
		Metadata:      rec.Metadata,
	}
	if rec.CreditType != nil {
		payload.CreditType = *rec.CreditType
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		Type:      events.EventCreditsAdded,
		Payload:   payload.ToMap(),
		DedupeKey: "credit_tx:" + rec.ID.String(),
	})
}

func (s *Service) publishDeducted(ctx context.Context, tx *gorm.DB, rec *domain.Transaction) error {
	if s.outbox == nil {
		return nil
	}
	payload := events.CreditsDeductedPayload{
		OwnerKind:     rec.OwnerKind,
		OwnerID:       rec.OwnerID,
		TransactionID: rec.ID.String(),
		Amount:        rec.Amount.String(),
		NewBalance:    rec.RunningBalance.String(),
		Description:   rec.Description,
		Metadata:      rec.Metadata,
	}
	if rec.CreditType != nil {
		payload.CreditType = *rec.CreditType
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		Type:      events.EventCreditsDeducted,
		Payload:   payload.ToMap(),
		DedupeKey: "credit_tx:" + rec.ID.String(),
	})
}

func (s *Service) publishTransferred(ctx context.Context, tx *gorm.DB, req domain.TransferRequest, result *domain.TransferResult) error {
	if s.outbox == nil {
		return nil
	}
	payload := events.CreditsTransferredPayload{
		SenderKind:       req.Sender.Kind,
		SenderID:         req.Sender.ID,
		RecipientKind:    req.Recipient.Kind,
		RecipientID:      req.Recipient.ID,
		Amount:           req.Amount.String(),
		SenderBalance:    result.SenderBalance.String(),
		RecipientBalance: result.RecipientBalance.String(),
		DebitID:          result.Debit.ID.String(),
		CreditID:         result.Credit.ID.String(),
		Description:      req.Description,
		Metadata:         req.Metadata,
	}
	if req.CreditType != nil {
		payload.CreditType = *req.CreditType
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		Type:      events.EventCreditsTransferred,
		Payload:   payload.ToMap(),
		DedupeKey: "transfer:" + result.Debit.ID.String(),
	})
}

var _ domain.Service = (*Service)(nil)
