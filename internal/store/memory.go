package store

import (
	"context"
	"sort"
	"sync"

	"cfdi-reconciliation-engine/internal/models"
	apperrors "cfdi-reconciliation-engine/pkg/errors"
)

// MemoryStore is a mutex-guarded in-memory Store. Records are copied on the
// way in and out, so callers never share mutable state with the store.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*models.BankTransaction
	invoices     map[string]*models.Invoice
	expenses     map[string]*models.ManualExpense
	matches      map[string]*models.ReconciliationMatch
	plans        map[string]*models.DeferredPayment
	installments map[string][]*models.DeferredPaymentInstallment // by plan id
	assignments  map[string]*models.PendingAssignment
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*models.BankTransaction),
		invoices:     make(map[string]*models.Invoice),
		expenses:     make(map[string]*models.ManualExpense),
		matches:      make(map[string]*models.ReconciliationMatch),
		plans:        make(map[string]*models.DeferredPayment),
		installments: make(map[string][]*models.DeferredPaymentInstallment),
		assignments:  make(map[string]*models.PendingAssignment),
	}
}

func (s *MemoryStore) SaveTransaction(_ context.Context, tx *models.BankTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tx
	s.transactions[tx.ID] = &cp
	return nil
}

func (s *MemoryStore) SaveInvoice(_ context.Context, inv *models.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inv
	cp.LineItems = append([]models.LineItem(nil), inv.LineItems...)
	s.invoices[inv.ID] = &cp
	return nil
}

func (s *MemoryStore) SaveExpense(_ context.Context, e *models.ManualExpense) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.ExtractedConcepts = append([]string(nil), e.ExtractedConcepts...)
	s.expenses[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*models.BankTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, apperrors.StorageError(apperrors.CodeRecordNotFound, "transaction", id, nil)
	}
	cp := *tx
	return &cp, nil
}

func (s *MemoryStore) GetInvoice(_ context.Context, id string) (*models.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, apperrors.StorageError(apperrors.CodeRecordNotFound, "invoice", id, nil)
	}
	cp := *inv
	cp.LineItems = append([]models.LineItem(nil), inv.LineItems...)
	return &cp, nil
}

func (s *MemoryStore) GetExpense(_ context.Context, id string) (*models.ManualExpense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.expenses[id]
	if !ok {
		return nil, apperrors.StorageError(apperrors.CodeRecordNotFound, "expense", id, nil)
	}
	cp := *e
	cp.ExtractedConcepts = append([]string(nil), e.ExtractedConcepts...)
	return &cp, nil
}

func (s *MemoryStore) TransactionsByCompany(_ context.Context, companyID string) ([]*models.BankTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.BankTransaction
	for _, tx := range s.transactions {
		if tx.CompanyID == companyID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) InvoicesByCompany(_ context.Context, companyID string) ([]*models.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Invoice
	for _, inv := range s.invoices {
		if inv.CompanyID == companyID {
			cp := *inv
			cp.LineItems = append([]models.LineItem(nil), inv.LineItems...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ExpensesByCompany(_ context.Context, companyID string) ([]*models.ManualExpense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ManualExpense
	for _, e := range s.expenses {
		if e.CompanyID == companyID {
			cp := *e
			cp.ExtractedConcepts = append([]string(nil), e.ExtractedConcepts...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ClaimTransaction(_ context.Context, txID, matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[txID]
	if !ok {
		return apperrors.StorageError(apperrors.CodeRecordNotFound, "transaction", txID, nil)
	}
	if tx.ClaimedBy != "" && tx.ClaimedBy != matchID {
		return apperrors.StorageError(apperrors.CodeTransactionClaimed, "transaction", txID, nil)
	}
	tx.ClaimedBy = matchID
	return nil
}

func (s *MemoryStore) ReleaseTransaction(_ context.Context, txID, matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[txID]
	if !ok {
		return apperrors.StorageError(apperrors.CodeRecordNotFound, "transaction", txID, nil)
	}
	if tx.ClaimedBy != matchID {
		return apperrors.StorageError(apperrors.CodeTransactionClaimed, "transaction", txID, nil)
	}
	tx.ClaimedBy = ""
	return nil
}

func (s *MemoryStore) SaveMatch(_ context.Context, m *models.ReconciliationMatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.matches[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMatch(_ context.Context, id string) (*models.ReconciliationMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, apperrors.StorageError(apperrors.CodeRecordNotFound, "match", id, nil)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) MatchesByCompany(_ context.Context, companyID string) ([]*models.ReconciliationMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ReconciliationMatch
	for _, m := range s.matches {
		if m.CompanyID == companyID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SavePlan(_ context.Context, plan *models.DeferredPayment, installments []*models.DeferredPaymentInstallment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *plan
	s.plans[plan.ID] = &cp
	stored := make([]*models.DeferredPaymentInstallment, len(installments))
	for i, inst := range installments {
		c := *inst
		stored[i] = &c
	}
	s.installments[plan.ID] = stored
	return nil
}

func (s *MemoryStore) UpdatePlan(_ context.Context, plan *models.DeferredPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[plan.ID]; !ok {
		return apperrors.StorageError(apperrors.CodeRecordNotFound, "plan", plan.ID, nil)
	}
	cp := *plan
	s.plans[plan.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateInstallment(_ context.Context, inst *models.DeferredPaymentInstallment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stored := range s.installments[inst.DeferredPaymentID] {
		if stored.ID == inst.ID {
			*stored = *inst
			return nil
		}
	}
	return apperrors.StorageError(apperrors.CodeRecordNotFound, "installment", inst.ID, nil)
}

func (s *MemoryStore) ActivePlans(_ context.Context, companyID string) ([]*models.DeferredPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.DeferredPayment
	for _, p := range s.plans {
		if p.CompanyID == companyID && p.Status == models.PlanActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) PlanByInvoice(_ context.Context, invoiceID string) (*models.DeferredPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.plans {
		if p.InvoiceID == invoiceID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, apperrors.StorageError(apperrors.CodeRecordNotFound, "plan for invoice", invoiceID, nil)
}

func (s *MemoryStore) PlanInstallments(_ context.Context, planID string) ([]*models.DeferredPaymentInstallment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.installments[planID]
	if !ok {
		return nil, apperrors.StorageError(apperrors.CodeRecordNotFound, "plan", planID, nil)
	}
	out := make([]*models.DeferredPaymentInstallment, len(stored))
	for i, inst := range stored {
		cp := *inst
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (s *MemoryStore) SaveAssignment(_ context.Context, pa *models.PendingAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pa
	cp.Candidates = append([]models.AssignmentCandidate(nil), pa.Candidates...)
	s.assignments[pa.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAssignment(_ context.Context, id string) (*models.PendingAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pa, ok := s.assignments[id]
	if !ok {
		return nil, apperrors.StorageError(apperrors.CodeRecordNotFound, "assignment", id, nil)
	}
	cp := *pa
	cp.Candidates = append([]models.AssignmentCandidate(nil), pa.Candidates...)
	return &cp, nil
}

func (s *MemoryStore) PendingAssignments(_ context.Context, companyID string) ([]*models.PendingAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.PendingAssignment
	for _, pa := range s.assignments {
		if pa.CompanyID == companyID && pa.Status == models.AssignmentPending {
			cp := *pa
			cp.Candidates = append([]models.AssignmentCandidate(nil), pa.Candidates...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
