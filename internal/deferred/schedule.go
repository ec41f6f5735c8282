package deferred

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cfdi-reconciliation-engine/internal/models"
)

// NewPlan materializes a detection into a plan plus its full installment
// schedule. The invoice moves to DEFERRED by the caller once the plan is
// persisted.
func NewPlan(invoice *models.Invoice, det *Detection) (*models.DeferredPayment, []*models.DeferredPaymentInstallment, error) {
	if det.InstallmentCount < 2 {
		return nil, nil, fmt.Errorf("plan needs at least 2 installments, got %d", det.InstallmentCount)
	}

	plan := &models.DeferredPayment{
		ID:                   uuid.NewString(),
		InvoiceID:            invoice.ID,
		CompanyID:            invoice.CompanyID,
		AccountID:            det.FirstChargeDate.AccountID,
		TotalAmount:          invoice.Total,
		InstallmentCount:     det.InstallmentCount,
		PerInstallmentAmount: det.PerInstallmentAmount,
		FirstDueDate:         det.FirstChargeDate.Date,
		Status:               models.PlanActive,
		CreatedAt:            time.Now().UTC(),
	}
	return plan, BuildSchedule(plan), nil
}

// BuildSchedule expands a plan into its dated installments. The schedule is
// penny-perfect: every installment carries the rounded per-installment
// amount except the last, which absorbs the rounding residual so the
// installments sum exactly to the plan total.
func BuildSchedule(plan *models.DeferredPayment) []*models.DeferredPaymentInstallment {
	n := plan.InstallmentCount
	per := plan.TotalAmount.Div(decimal.NewFromInt(int64(n))).Round(2)
	last := plan.TotalAmount.Sub(per.Mul(decimal.NewFromInt(int64(n - 1))))

	installments := make([]*models.DeferredPaymentInstallment, n)
	for i := 0; i < n; i++ {
		amount := per
		if i == n-1 {
			amount = last
		}
		installments[i] = &models.DeferredPaymentInstallment{
			ID:                uuid.NewString(),
			DeferredPaymentID: plan.ID,
			SequenceNumber:    i + 1,
			DueDate:           plan.FirstDueDate.AddDate(0, i, 0),
			Amount:            amount,
		}
	}
	return installments
}

// ScheduleTotal sums the installment amounts; it always equals the plan
// total for schedules built here.
func ScheduleTotal(installments []*models.DeferredPaymentInstallment) decimal.Decimal {
	total := decimal.Zero
	for _, inst := range installments {
		total = total.Add(inst.Amount)
	}
	return total
}
