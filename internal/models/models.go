// Package models defines the record types the reconciliation engine consumes
// and produces: bank transactions, CFDI invoices, manual expenses, and the
// link records (matches, deferred payment plans, pending assignments) the
// engine derives from them.
//
// All monetary amounts use decimal.Decimal; the engine never does float
// arithmetic on money.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ReconciliationStatus tracks where a source record sits in the matching
// lifecycle.
type ReconciliationStatus string

const (
	// StatusNew marks a record the engine has not matched yet. Rejected
	// records return to this status and are reconsidered on later runs.
	StatusNew ReconciliationStatus = "NEW"

	// StatusAutoLinked marks a record covered by an accepted match.
	StatusAutoLinked ReconciliationStatus = "AUTO_LINKED"

	// StatusPendingReview marks a record waiting on a human decision.
	StatusPendingReview ReconciliationStatus = "PENDING_REVIEW"

	// StatusNoMatch marks a record the engine examined without finding any
	// candidate above the review threshold.
	StatusNoMatch ReconciliationStatus = "NO_MATCH"

	// StatusDeferred marks an invoice being paid through an active
	// installment plan.
	StatusDeferred ReconciliationStatus = "DEFERRED"

	// StatusSatisfied marks an invoice whose installment plan completed.
	StatusSatisfied ReconciliationStatus = "SATISFIED"

	// StatusFailed marks a record skipped because its input data is invalid.
	StatusFailed ReconciliationStatus = "FAILED"
)

// String returns the string representation of the status.
func (s ReconciliationStatus) String() string {
	return string(s)
}

// BankTransaction is one line of an imported bank or card statement.
// Transactions are never deleted; the engine only mutates the
// reconciliation status and the claim field.
type BankTransaction struct {
	ID              string               `json:"id"`
	Date            time.Time            `json:"date"`
	Amount          decimal.Decimal      `json:"amount"` // signed: negative for outflows
	Description     string               `json:"description"`
	CounterpartyRFC string               `json:"counterparty_rfc,omitempty"`
	AccountID       string               `json:"account_id"`
	StatementID     string               `json:"statement_id"`
	CompanyID       string               `json:"company_id"`
	Status          ReconciliationStatus `json:"status"`

	// ClaimedBy holds the id of the accepted ReconciliationMatch that owns
	// this transaction. Empty means unclaimed. Updated only through the
	// store's conditional claim operation.
	ClaimedBy string `json:"claimed_by,omitempty"`
}

// Validate checks the fields the matching pipeline depends on.
func (t *BankTransaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("transaction id cannot be empty")
	}
	if t.Date.IsZero() {
		return fmt.Errorf("transaction date cannot be zero")
	}
	if t.Amount.IsZero() {
		return fmt.Errorf("transaction amount cannot be zero")
	}
	if strings.TrimSpace(t.CompanyID) == "" {
		return fmt.Errorf("transaction company id cannot be empty")
	}
	return nil
}

// AbsAmount returns the unsigned amount.
func (t *BankTransaction) AbsAmount() decimal.Decimal {
	return t.Amount.Abs()
}

// IsClaimed reports whether an accepted match owns this transaction.
func (t *BankTransaction) IsClaimed() bool {
	return t.ClaimedBy != ""
}

// String returns a short representation used in logs and explanations.
func (t *BankTransaction) String() string {
	return fmt.Sprintf("BankTransaction{ID: %s, Amount: %s, Date: %s}",
		t.ID, t.Amount.String(), t.Date.Format("2006-01-02"))
}

// InvoiceStatus is the fiscal status of a CFDI as reported by the tax
// authority. Cancellation may arrive after the invoice was matched.
type InvoiceStatus string

const (
	InvoiceValid     InvoiceStatus = "valid"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// LineItem is one concept line of an invoice.
type LineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// Invoice is a tax-authority-issued electronic invoice (CFDI).
type Invoice struct {
	ID          string               `json:"id"`
	IssuerRFC   string               `json:"issuer_rfc"`
	IssuerName  string               `json:"issuer_name,omitempty"`
	Total       decimal.Decimal      `json:"total"`
	IssueDate   time.Time            `json:"issue_date"`
	LineItems   []LineItem           `json:"line_items"`
	Status      InvoiceStatus        `json:"status"`
	CompanyID   string               `json:"company_id"`
	ReconStatus ReconciliationStatus `json:"recon_status"`
}

// Validate checks the fields the matching pipeline depends on.
func (inv *Invoice) Validate() error {
	if strings.TrimSpace(inv.ID) == "" {
		return fmt.Errorf("invoice id cannot be empty")
	}
	if strings.TrimSpace(inv.IssuerRFC) == "" {
		return fmt.Errorf("invoice issuer RFC cannot be empty")
	}
	if !inv.Total.IsPositive() {
		return fmt.Errorf("invoice total must be positive, got %s", inv.Total.String())
	}
	if inv.IssueDate.IsZero() {
		return fmt.Errorf("invoice issue date cannot be zero")
	}
	if strings.TrimSpace(inv.CompanyID) == "" {
		return fmt.Errorf("invoice company id cannot be empty")
	}
	return nil
}

// IsCancelled reports whether the tax authority cancelled this invoice.
func (inv *Invoice) IsCancelled() bool {
	return inv.Status == InvoiceCancelled
}

// ConceptTexts returns the line item descriptions in order, for the
// similarity scorer.
func (inv *Invoice) ConceptTexts() []string {
	texts := make([]string, 0, len(inv.LineItems))
	for _, li := range inv.LineItems {
		texts = append(texts, li.Description)
	}
	return texts
}

// String returns a short representation used in logs and explanations.
func (inv *Invoice) String() string {
	return fmt.Sprintf("Invoice{ID: %s, Issuer: %s, Total: %s, Date: %s}",
		inv.ID, inv.IssuerRFC, inv.Total.String(), inv.IssueDate.Format("2006-01-02"))
}

// ExpenseStatus is the lifecycle of a user-entered expense.
type ExpenseStatus string

const (
	ExpenseOpen     ExpenseStatus = "open"
	ExpenseInvoiced ExpenseStatus = "invoiced"
)

// ManualExpense is a user-entered expense not yet backed by an invoice.
// Expenses the engine creates from unmatched invoices carry
// NeedsReview=true.
type ManualExpense struct {
	ID                string               `json:"id"`
	ProviderName      string               `json:"provider_name"`
	ProviderRFC       string               `json:"provider_rfc,omitempty"`
	Amount            decimal.Decimal      `json:"amount"`
	Date              time.Time            `json:"date"`
	ExtractedConcepts []string             `json:"extracted_concepts,omitempty"`
	Status            ExpenseStatus        `json:"status"`
	CompanyID         string               `json:"company_id"`
	ReconStatus       ReconciliationStatus `json:"recon_status"`
	NeedsReview       bool                 `json:"needs_review"`
}

// Validate checks the fields the matching pipeline depends on.
func (e *ManualExpense) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("expense id cannot be empty")
	}
	if strings.TrimSpace(e.ProviderName) == "" && strings.TrimSpace(e.ProviderRFC) == "" {
		return fmt.Errorf("expense needs a provider name or RFC")
	}
	if !e.Amount.IsPositive() {
		return fmt.Errorf("expense amount must be positive, got %s", e.Amount.String())
	}
	if e.Date.IsZero() {
		return fmt.Errorf("expense date cannot be zero")
	}
	if strings.TrimSpace(e.CompanyID) == "" {
		return fmt.Errorf("expense company id cannot be empty")
	}
	return nil
}

// String returns a short representation used in logs and explanations.
func (e *ManualExpense) String() string {
	return fmt.Sprintf("ManualExpense{ID: %s, Provider: %s, Amount: %s, Date: %s}",
		e.ID, e.ProviderName, e.Amount.String(), e.Date.Format("2006-01-02"))
}

// NormalizeRFC uppercases and trims a counterparty RFC for comparison.
// Statements frequently carry RFCs lowercased or padded.
func NormalizeRFC(rfc string) string {
	return strings.ToUpper(strings.TrimSpace(rfc))
}

// SameRFC compares two counterparty identifiers after normalization.
// Two empty identifiers never count as a match.
func SameRFC(a, b string) bool {
	na, nb := NormalizeRFC(a), NormalizeRFC(b)
	return na != "" && na == nb
}

// AmountsWithinTolerance reports whether two amounts differ by no more than
// the given absolute tolerance.
func AmountsWithinTolerance(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

// DaysApart returns the whole-day distance between two dates, ignoring the
// time of day.
func DaysApart(a, b time.Time) int {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	diff := da.Sub(db)
	if diff < 0 {
		diff = -diff
	}
	return int(diff.Hours() / 24)
}
