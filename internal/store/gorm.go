package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"cfdi-reconciliation-engine/internal/models"
	apperrors "cfdi-reconciliation-engine/pkg/errors"
)

// GormStore is the durable Store over SQLite. Slice-valued fields (invoice
// line items, expense concepts, assignment candidates) are stored as JSON
// text columns.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens (or creates) the database at path and migrates the
// schema.
func NewGormStore(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, apperrors.StorageError(apperrors.CodeStorageFailure, "database", path, err)
	}
	if err := db.AutoMigrate(
		&transactionRecord{},
		&invoiceRecord{},
		&expenseRecord{},
		&matchRecord{},
		&planRecord{},
		&installmentRecord{},
		&assignmentRecord{},
	); err != nil {
		return nil, apperrors.StorageError(apperrors.CodeStorageFailure, "database", path, err)
	}
	return &GormStore{db: db}, nil
}

type transactionRecord struct {
	ID              string `gorm:"primaryKey"`
	Date            time.Time
	Amount          decimal.Decimal `gorm:"type:text"`
	Description     string
	CounterpartyRFC string `gorm:"index"`
	AccountID       string
	StatementID     string
	CompanyID       string `gorm:"index"`
	Status          string
	ClaimedBy       string
}

func (transactionRecord) TableName() string { return "bank_transactions" }

type invoiceRecord struct {
	ID          string `gorm:"primaryKey"`
	IssuerRFC   string `gorm:"index"`
	IssuerName  string
	Total       decimal.Decimal `gorm:"type:text"`
	IssueDate   time.Time
	LineItems   string // JSON
	Status      string
	CompanyID   string `gorm:"index"`
	ReconStatus string
}

func (invoiceRecord) TableName() string { return "invoices" }

type expenseRecord struct {
	ID                string `gorm:"primaryKey"`
	ProviderName      string
	ProviderRFC       string
	Amount            decimal.Decimal `gorm:"type:text"`
	Date              time.Time
	ExtractedConcepts string // JSON
	Status            string
	CompanyID         string `gorm:"index"`
	ReconStatus       string
	NeedsReview       bool
}

func (expenseRecord) TableName() string { return "manual_expenses" }

type matchRecord struct {
	ID            string `gorm:"primaryKey"`
	TransactionID string `gorm:"index"`
	InvoiceID     string `gorm:"index"`
	ExpenseID     string `gorm:"index"`
	CompanyID     string `gorm:"index"`
	Tier          int
	Confidence    float64
	Explanation   string
	Status        string
	CreatedAt     time.Time
}

func (matchRecord) TableName() string { return "reconciliation_matches" }

type planRecord struct {
	ID                   string `gorm:"primaryKey"`
	InvoiceID            string `gorm:"index"`
	CompanyID            string `gorm:"index"`
	AccountID            string
	TotalAmount          decimal.Decimal `gorm:"type:text"`
	InstallmentCount     int
	PerInstallmentAmount decimal.Decimal `gorm:"type:text"`
	FirstDueDate         time.Time
	PaymentsMade         int
	Status               string
	CreatedAt            time.Time
}

func (planRecord) TableName() string { return "deferred_payments" }

type installmentRecord struct {
	ID                   string `gorm:"primaryKey"`
	DeferredPaymentID    string `gorm:"index"`
	SequenceNumber       int
	DueDate              time.Time
	Amount               decimal.Decimal `gorm:"type:text"`
	Paid                 bool
	MatchedTransactionID string
	OverdueFlagged       bool
}

func (installmentRecord) TableName() string { return "deferred_payment_installments" }

type assignmentRecord struct {
	ID         string `gorm:"primaryKey"`
	CompanyID  string `gorm:"index"`
	InvoiceID  string
	ExpenseID  string
	Candidates string // JSON
	Status     string `gorm:"index"`
	CreatedAt  time.Time
}

func (assignmentRecord) TableName() string { return "pending_assignments" }

// Conversions.

func toTransactionRecord(tx *models.BankTransaction) *transactionRecord {
	return &transactionRecord{
		ID:              tx.ID,
		Date:            tx.Date,
		Amount:          tx.Amount,
		Description:     tx.Description,
		CounterpartyRFC: tx.CounterpartyRFC,
		AccountID:       tx.AccountID,
		StatementID:     tx.StatementID,
		CompanyID:       tx.CompanyID,
		Status:          string(tx.Status),
		ClaimedBy:       tx.ClaimedBy,
	}
}

func fromTransactionRecord(r *transactionRecord) *models.BankTransaction {
	return &models.BankTransaction{
		ID:              r.ID,
		Date:            r.Date,
		Amount:          r.Amount,
		Description:     r.Description,
		CounterpartyRFC: r.CounterpartyRFC,
		AccountID:       r.AccountID,
		StatementID:     r.StatementID,
		CompanyID:       r.CompanyID,
		Status:          models.ReconciliationStatus(r.Status),
		ClaimedBy:       r.ClaimedBy,
	}
}

func toInvoiceRecord(inv *models.Invoice) (*invoiceRecord, error) {
	items, err := json.Marshal(inv.LineItems)
	if err != nil {
		return nil, err
	}
	return &invoiceRecord{
		ID:          inv.ID,
		IssuerRFC:   inv.IssuerRFC,
		IssuerName:  inv.IssuerName,
		Total:       inv.Total,
		IssueDate:   inv.IssueDate,
		LineItems:   string(items),
		Status:      string(inv.Status),
		CompanyID:   inv.CompanyID,
		ReconStatus: string(inv.ReconStatus),
	}, nil
}

func fromInvoiceRecord(r *invoiceRecord) (*models.Invoice, error) {
	var items []models.LineItem
	if r.LineItems != "" {
		if err := json.Unmarshal([]byte(r.LineItems), &items); err != nil {
			return nil, err
		}
	}
	return &models.Invoice{
		ID:          r.ID,
		IssuerRFC:   r.IssuerRFC,
		IssuerName:  r.IssuerName,
		Total:       r.Total,
		IssueDate:   r.IssueDate,
		LineItems:   items,
		Status:      models.InvoiceStatus(r.Status),
		CompanyID:   r.CompanyID,
		ReconStatus: models.ReconciliationStatus(r.ReconStatus),
	}, nil
}

func toExpenseRecord(e *models.ManualExpense) (*expenseRecord, error) {
	concepts, err := json.Marshal(e.ExtractedConcepts)
	if err != nil {
		return nil, err
	}
	return &expenseRecord{
		ID:                e.ID,
		ProviderName:      e.ProviderName,
		ProviderRFC:       e.ProviderRFC,
		Amount:            e.Amount,
		Date:              e.Date,
		ExtractedConcepts: string(concepts),
		Status:            string(e.Status),
		CompanyID:         e.CompanyID,
		ReconStatus:       string(e.ReconStatus),
		NeedsReview:       e.NeedsReview,
	}, nil
}

func fromExpenseRecord(r *expenseRecord) (*models.ManualExpense, error) {
	var concepts []string
	if r.ExtractedConcepts != "" {
		if err := json.Unmarshal([]byte(r.ExtractedConcepts), &concepts); err != nil {
			return nil, err
		}
	}
	return &models.ManualExpense{
		ID:                r.ID,
		ProviderName:      r.ProviderName,
		ProviderRFC:       r.ProviderRFC,
		Amount:            r.Amount,
		Date:              r.Date,
		ExtractedConcepts: concepts,
		Status:            models.ExpenseStatus(r.Status),
		CompanyID:         r.CompanyID,
		ReconStatus:       models.ReconciliationStatus(r.ReconStatus),
		NeedsReview:       r.NeedsReview,
	}, nil
}

func toMatchRecord(m *models.ReconciliationMatch) *matchRecord {
	return &matchRecord{
		ID:            m.ID,
		TransactionID: m.TransactionID,
		InvoiceID:     m.InvoiceID,
		ExpenseID:     m.ExpenseID,
		CompanyID:     m.CompanyID,
		Tier:          int(m.Tier),
		Confidence:    m.Confidence,
		Explanation:   m.Explanation,
		Status:        string(m.Status),
		CreatedAt:     m.CreatedAt,
	}
}

func fromMatchRecord(r *matchRecord) *models.ReconciliationMatch {
	return &models.ReconciliationMatch{
		ID:            r.ID,
		TransactionID: r.TransactionID,
		InvoiceID:     r.InvoiceID,
		ExpenseID:     r.ExpenseID,
		CompanyID:     r.CompanyID,
		Tier:          models.MatchTier(r.Tier),
		Confidence:    r.Confidence,
		Explanation:   r.Explanation,
		Status:        models.MatchStatus(r.Status),
		CreatedAt:     r.CreatedAt,
	}
}

func toPlanRecord(p *models.DeferredPayment) *planRecord {
	return &planRecord{
		ID:                   p.ID,
		InvoiceID:            p.InvoiceID,
		CompanyID:            p.CompanyID,
		AccountID:            p.AccountID,
		TotalAmount:          p.TotalAmount,
		InstallmentCount:     p.InstallmentCount,
		PerInstallmentAmount: p.PerInstallmentAmount,
		FirstDueDate:         p.FirstDueDate,
		PaymentsMade:         p.PaymentsMade,
		Status:               string(p.Status),
		CreatedAt:            p.CreatedAt,
	}
}

func fromPlanRecord(r *planRecord) *models.DeferredPayment {
	return &models.DeferredPayment{
		ID:                   r.ID,
		InvoiceID:            r.InvoiceID,
		CompanyID:            r.CompanyID,
		AccountID:            r.AccountID,
		TotalAmount:          r.TotalAmount,
		InstallmentCount:     r.InstallmentCount,
		PerInstallmentAmount: r.PerInstallmentAmount,
		FirstDueDate:         r.FirstDueDate,
		PaymentsMade:         r.PaymentsMade,
		Status:               models.PlanStatus(r.Status),
		CreatedAt:            r.CreatedAt,
	}
}

func toInstallmentRecord(i *models.DeferredPaymentInstallment) *installmentRecord {
	return &installmentRecord{
		ID:                   i.ID,
		DeferredPaymentID:    i.DeferredPaymentID,
		SequenceNumber:       i.SequenceNumber,
		DueDate:              i.DueDate,
		Amount:               i.Amount,
		Paid:                 i.Paid,
		MatchedTransactionID: i.MatchedTransactionID,
		OverdueFlagged:       i.OverdueFlagged,
	}
}

func fromInstallmentRecord(r *installmentRecord) *models.DeferredPaymentInstallment {
	return &models.DeferredPaymentInstallment{
		ID:                   r.ID,
		DeferredPaymentID:    r.DeferredPaymentID,
		SequenceNumber:       r.SequenceNumber,
		DueDate:              r.DueDate,
		Amount:               r.Amount,
		Paid:                 r.Paid,
		MatchedTransactionID: r.MatchedTransactionID,
		OverdueFlagged:       r.OverdueFlagged,
	}
}

func toAssignmentRecord(pa *models.PendingAssignment) (*assignmentRecord, error) {
	candidates, err := json.Marshal(pa.Candidates)
	if err != nil {
		return nil, err
	}
	return &assignmentRecord{
		ID:         pa.ID,
		CompanyID:  pa.CompanyID,
		InvoiceID:  pa.InvoiceID,
		ExpenseID:  pa.ExpenseID,
		Candidates: string(candidates),
		Status:     string(pa.Status),
		CreatedAt:  pa.CreatedAt,
	}, nil
}

func fromAssignmentRecord(r *assignmentRecord) (*models.PendingAssignment, error) {
	var candidates []models.AssignmentCandidate
	if r.Candidates != "" {
		if err := json.Unmarshal([]byte(r.Candidates), &candidates); err != nil {
			return nil, err
		}
	}
	return &models.PendingAssignment{
		ID:         r.ID,
		CompanyID:  r.CompanyID,
		InvoiceID:  r.InvoiceID,
		ExpenseID:  r.ExpenseID,
		Candidates: candidates,
		Status:     models.AssignmentStatus(r.Status),
		CreatedAt:  r.CreatedAt,
	}, nil
}

// Store implementation.

func (s *GormStore) SaveTransaction(ctx context.Context, tx *models.BankTransaction) error {
	if err := s.db.WithContext(ctx).Save(toTransactionRecord(tx)).Error; err != nil {
		return apperrors.StorageError(apperrors.CodeStorageFailure, "transaction", tx.ID, err)
	}
	return nil
}

func (s *GormStore) SaveInvoice(ctx context.Context, inv *models.Invoice) error {
	rec, err := toInvoiceRecord(inv)
	if err != nil {
		return apperrors.StorageError(apperrors.CodeStorageFailure, "invoice", inv.ID, err)
	}
	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		return apperrors.StorageError(apperrors.CodeStorageFailure, "invoice", inv.ID, err)
	}
	return nil
}

func (s *GormStore) SaveExpense(ctx context.Context, e *models.ManualExpense) error {
	rec, err := toExpenseRecord(e)
	if err != nil {
		return apperrors.StorageError(apperrors.CodeStorageFailure, "expense", e.ID, err)
	}
	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		return apperrors.StorageError(apperrors.CodeStorageFailure, "expense", e.ID, err)
	}
	return nil
}

func (s *GormStore) GetTransaction(ctx context.Context, id string) (*models.BankTransaction, error) {
	var rec transactionRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, "transaction", id)
	}
	return fromTransactionRecord(&rec), nil
}

func (s *GormStore) GetInvoice(ctx context.Context, id string) (*models.Invoice, error) {
	var rec invoiceRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, "invoice", id)
	}
	inv, err := fromInvoiceRecord(&rec)
	if err != nil {
		return nil, apperrors.StorageError(apperrors.CodeStorageFailure, "invoice", id, err)
	}
	return inv, nil
}

func (s *GormStore) GetExpense(ctx context.Context, id string) (*models.ManualExpense, error) {
	var rec expenseRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, "expense", id)
	}
	e, err := fromExpenseRecord(&rec)
	if err != nil {
		return nil, apperrors.StorageError(apperrors.CodeStorageFailure, "expense", id, err)
	}
	return e, nil
}

func (s *GormStore) TransactionsByCompany(ctx context.Context, companyID string) ([]*models.BankTransaction, error) {
	var recs []transactionRecord
	if err := s.db.WithContext(ctx).Where("company_id = ?", companyID).Order("id").Find(&recs).Error; err != nil {
		return nil, apperrors.StorageError(apperrors.CodeStorageFailure, "transactions", companyID, err)
	}
	out := make([]*models.BankTransaction, len(recs))
	for i := range recs {
		out[i] = fromTransactionRecord(&recs[i])
	}
	return out, nil
}

func (s *GormStore) InvoicesByCompany(ctx context.Context, companyID string) ([]*models.Invoice, error) {
	var recs []invoiceRecord
	if err := s.db.WithContext(ctx).Where("company_id = ?", companyID).Order("id").Find(&recs).Error; err != nil {
		return nil, apperrors.StorageError(apperrors.CodeStorageFailure, "invoices", companyID, err)
	}
	out := make([]*models.Invoice, len(recs))
	for i := range recs {
		inv, err := fromInvoiceRecord(&recs[i])
		if err != nil {
			return nil, apperrors.StorageError(apperrors.CodeStorageFailure, "invoice", recs[i].ID, err)
		}
		out[i] = inv
	}
	return out, nil
}

func (s *GormStore) ExpensesByCompany(ctx context.Context, companyID string) ([]*models.ManualExpense, error) {
	var recs []expenseRecord
	if err := s.db.WithContext(ctx).Where("company_id = ?", companyID).Order("id").Find(&recs).Error; err != nil {
		return nil, apperrors.StorageError(apperrors.CodeStorageFailure, "expenses", companyID, err)
	}
	out := make([]*models.ManualExpense, len(recs))
	for i := range recs {
		e, err := fromExpenseRecord(&recs[i])
		if err != nil {
			return nil, apperrors.StorageError(apperrors.CodeStorageFailure, "expense", recs[i].ID, err)
		}
		out[i] = e
	}
	return out, nil
}

// ClaimTransaction uses a conditional update so concurrent claims for the
// same transaction race on the database, not in process memory.
func (s *GormStore) ClaimTransaction(ctx context.Context, txID, matchID string) error {
	res := s.db.WithContext(ctx).Model(&transactionRecord{}).
		Where("id = ? AND (claimed_by = '' OR claimed_by = ?)", txID, matchID).
		Update("claimed_by", matchID)
	if res.Error != nil {
		return apperrors.StorageError(apperrors.CodeStorageFailure, "transaction", txID, res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		s.db.WithContext(ctx).Model(&transactionRecord{}).Where("id = ?", txID).Count(&count)
		if count == 0 {
			return apperrors.StorageError(apperrors.CodeRecordNotFound, "transaction", txID, nil)
		}
		return apperrors.StorageError(apperrors.CodeTransactionClaimed, "transaction", txID, nil)
	}
	return nil
}

func (s *GormStore) ReleaseTransaction(ctx context.Context, txID, matchID string) error {
	res := s.db.WithContext(ctx).Model(&transactionRecord{}).
		Where("id = ? AND claimed_by = ?", txID, matchID).
		Update("claimed_by", "")
	if res.Error != nil {
		return apperrors.StorageError(apperrors.CodeStorageFailure, "transaction", txID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.StorageError(apperrors.CodeTransactionClaimed, "transaction", txID, nil)
	}
	return nil
}

func (s *GormStore) SaveMatch(ctx context.Context, m *models.ReconciliationMatch) error {
	if err := s.db.WithContext(ctx).Save(toMatchRecord(m)).Error; err != nil {
		return apperrors.StorageError(apperrors.CodeStorageFailure, "match", m.ID, err)
	}
	return nil
}

func (s *GormStore) GetMatch(ctx context.Context, id string) (*models.ReconciliationMatch, error) {
	var rec matchRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, "match", id)
	}
	return fromMatchRecord(&rec), nil
}

func (s *GormStore) MatchesByCompany(ctx context.Context, companyID string) ([]*models.ReconciliationMatch, error) {
	var recs []matchRecord
	if err := s.db.WithContext(ctx).Where("company_id = ?", companyID).Order("created_at").Find(&recs).Error; err != nil {
		return nil, apperrors.StorageError(apperrors.CodeStorageFailure, "matches", companyID, err)
	}
	out := make([]*models.ReconciliationMatch, len(recs))
	for i := range recs {
		out[i] = fromMatchRecord(&recs[i])
	}
	return out, nil
}

func (s *GormStore) SavePlan(ctx context.Context, plan *models.DeferredPayment, installments []*models.DeferredPaymentInstallment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(toPlanRecord(plan)).Error; err != nil {
			return apperrors.StorageError(apperrors.CodeStorageFailure, "plan", plan.ID, err)
		}
		for _, inst := range installments {
			if err := tx.Save(toInstallmentRecord(inst)).Error; err != nil {
				return apperrors.StorageError(apperrors.CodeStorageFailure, "installment", inst.ID, err)
			}
		}
		return nil
	})
}

func (s *GormStore) UpdatePlan(ctx context.Context, plan *models.DeferredPayment) error {
	if err := s.db.WithContext(ctx).Save(toPlanRecord(plan)).Error; err != nil {
		return apperrors.StorageError(apperrors.CodeStorageFailure, "plan", plan.ID, err)
	}
	return nil
}

func (s *GormStore) UpdateInstallment(ctx context.Context, inst *models.DeferredPaymentInstallment) error {
	if err := s.db.WithContext(ctx).Save(toInstallmentRecord(inst)).Error; err != nil {
		return apperrors.StorageError(apperrors.CodeStorageFailure, "installment", inst.ID, err)
	}
	return nil
}

func (s *GormStore) ActivePlans(ctx context.Context, companyID string) ([]*models.DeferredPayment, error) {
	var recs []planRecord
	err := s.db.WithContext(ctx).
		Where("company_id = ? AND status = ?", companyID, string(models.PlanActive)).
		Order("id").Find(&recs).Error
	if err != nil {
		return nil, apperrors.StorageError(apperrors.CodeStorageFailure, "plans", companyID, err)
	}
	out := make([]*models.DeferredPayment, len(recs))
	for i := range recs {
		out[i] = fromPlanRecord(&recs[i])
	}
	return out, nil
}

func (s *GormStore) PlanByInvoice(ctx context.Context, invoiceID string) (*models.DeferredPayment, error) {
	var rec planRecord
	if err := s.db.WithContext(ctx).First(&rec, "invoice_id = ?", invoiceID).Error; err != nil {
		return nil, notFoundOr(err, "plan for invoice", invoiceID)
	}
	return fromPlanRecord(&rec), nil
}

func (s *GormStore) PlanInstallments(ctx context.Context, planID string) ([]*models.DeferredPaymentInstallment, error) {
	var recs []installmentRecord
	err := s.db.WithContext(ctx).
		Where("deferred_payment_id = ?", planID).
		Order("sequence_number").Find(&recs).Error
	if err != nil {
		return nil, apperrors.StorageError(apperrors.CodeStorageFailure, "installments", planID, err)
	}
	out := make([]*models.DeferredPaymentInstallment, len(recs))
	for i := range recs {
		out[i] = fromInstallmentRecord(&recs[i])
	}
	return out, nil
}

func (s *GormStore) SaveAssignment(ctx context.Context, pa *models.PendingAssignment) error {
	rec, err := toAssignmentRecord(pa)
	if err != nil {
		return apperrors.StorageError(apperrors.CodeStorageFailure, "assignment", pa.ID, err)
	}
	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		return apperrors.StorageError(apperrors.CodeStorageFailure, "assignment", pa.ID, err)
	}
	return nil
}

func (s *GormStore) GetAssignment(ctx context.Context, id string) (*models.PendingAssignment, error) {
	var rec assignmentRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, "assignment", id)
	}
	pa, err := fromAssignmentRecord(&rec)
	if err != nil {
		return nil, apperrors.StorageError(apperrors.CodeStorageFailure, "assignment", id, err)
	}
	return pa, nil
}

func (s *GormStore) PendingAssignments(ctx context.Context, companyID string) ([]*models.PendingAssignment, error) {
	var recs []assignmentRecord
	err := s.db.WithContext(ctx).
		Where("company_id = ? AND status = ?", companyID, string(models.AssignmentPending)).
		Order("created_at").Find(&recs).Error
	if err != nil {
		return nil, apperrors.StorageError(apperrors.CodeStorageFailure, "assignments", companyID, err)
	}
	out := make([]*models.PendingAssignment, len(recs))
	for i := range recs {
		pa, err := fromAssignmentRecord(&recs[i])
		if err != nil {
			return nil, apperrors.StorageError(apperrors.CodeStorageFailure, "assignment", recs[i].ID, err)
		}
		out[i] = pa
	}
	return out, nil
}

func notFoundOr(err error, entity, id string) error {
	if err == gorm.ErrRecordNotFound {
		return apperrors.StorageError(apperrors.CodeRecordNotFound, entity, id, nil)
	}
	return apperrors.StorageError(apperrors.CodeStorageFailure, entity, id, err)
}
