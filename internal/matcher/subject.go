package matcher

import (
	"time"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-engine/internal/models"
)

// SubjectKind distinguishes which side of the books a subject came from.
type SubjectKind string

const (
	SubjectInvoice SubjectKind = "invoice"
	SubjectExpense SubjectKind = "expense"
)

// Subject is the matcher's uniform view of a record being reconciled
// against bank transactions. Both invoices and manual expenses reduce to
// this shape, so the exact and fuzzy tiers have a single code path.
type Subject struct {
	ID       string
	Kind     SubjectKind
	RFC      string
	Name     string
	Amount   decimal.Decimal // always positive
	Date     time.Time
	Concepts []string
}

// SubjectFromInvoice builds the matcher view of a CFDI invoice.
func SubjectFromInvoice(inv *models.Invoice) Subject {
	return Subject{
		ID:       inv.ID,
		Kind:     SubjectInvoice,
		RFC:      inv.IssuerRFC,
		Name:     inv.IssuerName,
		Amount:   inv.Total,
		Date:     inv.IssueDate,
		Concepts: inv.ConceptTexts(),
	}
}

// SubjectFromExpense builds the matcher view of a manual expense.
func SubjectFromExpense(e *models.ManualExpense) Subject {
	return Subject{
		ID:       e.ID,
		Kind:     SubjectExpense,
		RFC:      e.ProviderRFC,
		Name:     e.ProviderName,
		Amount:   e.Amount,
		Date:     e.Date,
		Concepts: e.ExtractedConcepts,
	}
}
