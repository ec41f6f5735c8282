// Package store persists the engine's records. Two implementations exist:
// an in-memory store for tests and single-shot batch runs, and a GORM-backed
// SQLite store for durable state between runs.
package store

import (
	"context"

	"cfdi-reconciliation-engine/internal/models"
)

// Store is the persistence contract the engine runs against. All queries
// are company-scoped; records from one company never leak into another's
// batch. Implementations must make ClaimTransaction atomic: of two
// concurrent claims for the same transaction exactly one wins.
type Store interface {
	// Source pools.
	SaveTransaction(ctx context.Context, tx *models.BankTransaction) error
	SaveInvoice(ctx context.Context, inv *models.Invoice) error
	SaveExpense(ctx context.Context, e *models.ManualExpense) error
	GetTransaction(ctx context.Context, id string) (*models.BankTransaction, error)
	GetInvoice(ctx context.Context, id string) (*models.Invoice, error)
	GetExpense(ctx context.Context, id string) (*models.ManualExpense, error)
	TransactionsByCompany(ctx context.Context, companyID string) ([]*models.BankTransaction, error)
	InvoicesByCompany(ctx context.Context, companyID string) ([]*models.Invoice, error)
	ExpensesByCompany(ctx context.Context, companyID string) ([]*models.ManualExpense, error)

	// ClaimTransaction records match ownership of a transaction. It fails
	// with CodeTransactionClaimed when another match already owns it.
	// Claiming with the already-owning match id is a no-op.
	ClaimTransaction(ctx context.Context, txID, matchID string) error

	// ReleaseTransaction removes a claim, but only the claim's owner may
	// release it.
	ReleaseTransaction(ctx context.Context, txID, matchID string) error

	// Matches.
	SaveMatch(ctx context.Context, m *models.ReconciliationMatch) error
	GetMatch(ctx context.Context, id string) (*models.ReconciliationMatch, error)
	MatchesByCompany(ctx context.Context, companyID string) ([]*models.ReconciliationMatch, error)

	// Deferred payment plans. SavePlan stores the plan together with its
	// full installment schedule.
	SavePlan(ctx context.Context, plan *models.DeferredPayment, installments []*models.DeferredPaymentInstallment) error
	UpdatePlan(ctx context.Context, plan *models.DeferredPayment) error
	UpdateInstallment(ctx context.Context, inst *models.DeferredPaymentInstallment) error
	ActivePlans(ctx context.Context, companyID string) ([]*models.DeferredPayment, error)
	PlanByInvoice(ctx context.Context, invoiceID string) (*models.DeferredPayment, error)
	PlanInstallments(ctx context.Context, planID string) ([]*models.DeferredPaymentInstallment, error)

	// Review queue.
	SaveAssignment(ctx context.Context, pa *models.PendingAssignment) error
	GetAssignment(ctx context.Context, id string) (*models.PendingAssignment, error)
	PendingAssignments(ctx context.Context, companyID string) ([]*models.PendingAssignment, error)
}
