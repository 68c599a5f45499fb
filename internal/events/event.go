package events

// Event types emitted by the ledger engine. Events are recorded in the same
// transaction as the records they describe and delivered only after commit.
const (
	EventCreditsAdded       = "credits.added"
	EventCreditsDeducted    = "credits.deducted"
	EventCreditsTransferred = "credits.transferred"
)

// Event is an outbox-bound domain event. DedupeKey makes publication
// idempotent; events sharing a key are recorded once.
type Event struct {
	Type      string
	Payload   map[string]any
	DedupeKey string
}

// CreditsAddedPayload describes a committed credit.
type CreditsAddedPayload struct {
	OwnerKind     string
	OwnerID       string
	TransactionID string
	Amount        string
	NewBalance    string
	Description   string
	CreditType    string
	Metadata      map[string]any
}

func (p CreditsAddedPayload) ToMap() map[string]any {
	out := map[string]any{
		"owner_kind":     p.OwnerKind,
		"owner_id":       p.OwnerID,
		"transaction_id": p.TransactionID,
		"amount":         p.Amount,
		"new_balance":    p.NewBalance,
	}
	if p.Description != "" {
		out["description"] = p.Description
	}
	if p.CreditType != "" {
		out["credit_type"] = p.CreditType
	}
	if len(p.Metadata) > 0 {
		out["metadata"] = p.Metadata
	}
	return out
}

// CreditsDeductedPayload describes a committed debit.
type CreditsDeductedPayload struct {
	OwnerKind     string
	OwnerID       string
	TransactionID string
	Amount        string
	NewBalance    string
	Description   string
	CreditType    string
	Metadata      map[string]any
}

func (p CreditsDeductedPayload) ToMap() map[string]any {
	out := map[string]any{
		"owner_kind":     p.OwnerKind,
		"owner_id":       p.OwnerID,
		"transaction_id": p.TransactionID,
		"amount":         p.Amount,
		"new_balance":    p.NewBalance,
	}
	if p.Description != "" {
		out["description"] = p.Description
	}
	if p.CreditType != "" {
		out["credit_type"] = p.CreditType
	}
	if len(p.Metadata) > 0 {
		out["metadata"] = p.Metadata
	}
	return out
}

// CreditsTransferredPayload describes a committed two-party transfer.
type CreditsTransferredPayload struct {
	SenderKind       string
	SenderID         string
	RecipientKind    string
	RecipientID      string
	Amount           string
	SenderBalance    string
	RecipientBalance string
	DebitID          string
	CreditID         string
	Description      string
	CreditType       string
	Metadata         map[string]any
}

func (p CreditsTransferredPayload) ToMap() map[string]any {
	out := map[string]any{
		"sender_kind":       p.SenderKind,
		"sender_id":         p.SenderID,
		"recipient_kind":    p.RecipientKind,
		"recipient_id":      p.RecipientID,
		"amount":            p.Amount,
		"sender_balance":    p.SenderBalance,
		"recipient_balance": p.RecipientBalance,
		"debit_id":          p.DebitID,
		"credit_id":         p.CreditID,
	}
	if p.Description != "" {
		out["description"] = p.Description
	}
	if p.CreditType != "" {
		out["credit_type"] = p.CreditType
	}
	if len(p.Metadata) > 0 {
		out["metadata"] = p.Metadata
	}
	return out
}
