package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MatchTier identifies which stage of the cascading matcher produced a match.
type MatchTier int

const (
	// TierExact is the exact-field lookup (counterparty RFC + amount + date).
	TierExact MatchTier = iota

	// TierFuzzy is the tolerance-based weighted composite matcher.
	TierFuzzy

	// TierSemantic is a fuzzy match whose concept score was refined by the
	// semantic judge.
	TierSemantic

	// TierManual is a match created by a human resolving a pending
	// assignment.
	TierManual

	// TierInstallment is a match produced by the deferred payment tracker.
	TierInstallment
)

// String returns the string representation of the tier.
func (t MatchTier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierFuzzy:
		return "fuzzy"
	case TierSemantic:
		return "semantic"
	case TierManual:
		return "manual"
	case TierInstallment:
		return "installment"
	default:
		return "unknown"
	}
}

// MatchStatus is the lifecycle of a ReconciliationMatch.
type MatchStatus string

const (
	MatchPending  MatchStatus = "pending"
	MatchAccepted MatchStatus = "accepted"
	MatchRejected MatchStatus = "rejected"
)

// ReconciliationMatch links a bank transaction to an invoice and/or a manual
// expense. At least two of the three source ids must be set. Accepted
// matches are immutable; rejected matches are kept so the engine remembers
// which pairings a human turned down.
type ReconciliationMatch struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id,omitempty"`
	InvoiceID     string          `json:"invoice_id,omitempty"`
	ExpenseID     string          `json:"expense_id,omitempty"`
	CompanyID     string          `json:"company_id"`
	Tier          MatchTier       `json:"tier"`
	Confidence    float64         `json:"confidence"` // 0..1
	Explanation   string          `json:"explanation"`
	Status        MatchStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewReconciliationMatch creates a pending match with a generated id.
func NewReconciliationMatch(companyID string, tier MatchTier, confidence float64, explanation string) *ReconciliationMatch {
	return &ReconciliationMatch{
		ID:          uuid.NewString(),
		CompanyID:   companyID,
		Tier:        tier,
		Confidence:  confidence,
		Explanation: explanation,
		Status:      MatchPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// Validate enforces the at-least-two-sources rule.
func (m *ReconciliationMatch) Validate() error {
	sources := 0
	if m.TransactionID != "" {
		sources++
	}
	if m.InvoiceID != "" {
		sources++
	}
	if m.ExpenseID != "" {
		sources++
	}
	if sources < 2 {
		return fmt.Errorf("match must link at least two records, got %d", sources)
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("match confidence must be in [0,1], got %f", m.Confidence)
	}
	return nil
}

// PlanStatus is the lifecycle of a deferred payment plan.
type PlanStatus string

const (
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
)

// DeferredPayment is an installment plan derived from a single invoice paid
// across fixed monthly charges.
type DeferredPayment struct {
	ID                   string          `json:"id"`
	InvoiceID            string          `json:"invoice_id"`
	CompanyID            string          `json:"company_id"`
	AccountID            string          `json:"account_id"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	InstallmentCount     int             `json:"installment_count"`
	PerInstallmentAmount decimal.Decimal `json:"per_installment_amount"`
	FirstDueDate         time.Time       `json:"first_due_date"`
	PaymentsMade         int             `json:"payments_made"`
	Status               PlanStatus      `json:"status"`
	CreatedAt            time.Time       `json:"created_at"`
}

// IsComplete reports whether every installment has been satisfied.
func (p *DeferredPayment) IsComplete() bool {
	return p.PaymentsMade >= p.InstallmentCount
}

// DeferredPaymentInstallment is one scheduled charge of a plan. Installments
// are created in a batch when the plan is created and each is mutated at
// most once, when a transaction satisfies it.
type DeferredPaymentInstallment struct {
	ID                   string          `json:"id"`
	DeferredPaymentID    string          `json:"deferred_payment_id"`
	SequenceNumber       int             `json:"sequence_number"` // 1-based
	DueDate              time.Time       `json:"due_date"`
	Amount               decimal.Decimal `json:"amount"`
	Paid                 bool            `json:"paid"`
	MatchedTransactionID string          `json:"matched_transaction_id,omitempty"`

	// OverdueFlagged is set when the installment passes the grace period
	// unpaid. The installment stays open; flagging only drives alerting.
	OverdueFlagged bool `json:"overdue_flagged"`
}

// AssignmentStatus is the lifecycle of a pending assignment.
type AssignmentStatus string

const (
	AssignmentPending  AssignmentStatus = "pending"
	AssignmentResolved AssignmentStatus = "resolved"
	AssignmentRejected AssignmentStatus = "rejected"
)

// AssignmentCandidate is one scored transaction option shown to the
// reviewer, ordered best first.
type AssignmentCandidate struct {
	TransactionID string  `json:"transaction_id"`
	Score         float64 `json:"score"` // 0..100
	Explanation   string  `json:"explanation,omitempty"`
}

// PendingAssignment is an ambiguous match waiting on a human decision.
// Exactly one of InvoiceID/ExpenseID identifies the record under review.
// An assignment never silently disappears: it is resolved, rejected, or
// remains pending.
type PendingAssignment struct {
	ID         string                `json:"id"`
	CompanyID  string                `json:"company_id"`
	InvoiceID  string                `json:"invoice_id,omitempty"`
	ExpenseID  string                `json:"expense_id,omitempty"`
	Candidates []AssignmentCandidate `json:"candidates"`
	Status     AssignmentStatus      `json:"status"`
	CreatedAt  time.Time             `json:"created_at"`
}

// NewPendingAssignment creates a pending assignment with a generated id.
func NewPendingAssignment(companyID string, candidates []AssignmentCandidate) *PendingAssignment {
	return &PendingAssignment{
		ID:         uuid.NewString(),
		CompanyID:  companyID,
		Candidates: candidates,
		Status:     AssignmentPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// RecordRef returns the id of the record under review.
func (pa *PendingAssignment) RecordRef() string {
	if pa.InvoiceID != "" {
		return pa.InvoiceID
	}
	return pa.ExpenseID
}
