package deferred

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-engine/internal/models"
)

// ApplyResult reports what happened when a transaction was offered to a
// plan.
type ApplyResult struct {
	// Installment is the installment the transaction satisfied; nil when
	// the transaction fit nothing.
	Installment *models.DeferredPaymentInstallment

	// PlanCompleted is true when this application satisfied the final
	// installment; the caller then moves the invoice to SATISFIED.
	PlanCompleted bool
}

// Tracker applies incoming charges to installment schedules and flags
// overdue installments.
type Tracker struct {
	config *Config
}

// NewTracker creates a tracker. A nil config selects the defaults.
func NewTracker(config *Config) (*Tracker, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid deferred config: %w", err)
	}
	return &Tracker{config: config}, nil
}

// Apply offers a transaction to the plan's next unpaid installment. The
// charge must land within the installment tolerance of the scheduled amount
// and inside the ± match window around the due date. Installments are always
// satisfied in sequence order.
func (t *Tracker) Apply(plan *models.DeferredPayment, installments []*models.DeferredPaymentInstallment, tx *models.BankTransaction) (ApplyResult, error) {
	if plan.Status != models.PlanActive {
		return ApplyResult{}, fmt.Errorf("plan %s is not active", plan.ID)
	}

	next := NextUnpaid(installments)
	if next == nil {
		return ApplyResult{}, fmt.Errorf("plan %s has no unpaid installments", plan.ID)
	}

	if !t.amountFits(next.Amount, tx.AbsAmount()) {
		return ApplyResult{}, nil
	}
	if models.DaysApart(tx.Date, next.DueDate) > t.config.MatchWindowDays {
		return ApplyResult{}, nil
	}

	next.Paid = true
	next.MatchedTransactionID = tx.ID
	plan.PaymentsMade++
	if plan.IsComplete() {
		plan.Status = models.PlanCompleted
	}
	return ApplyResult{Installment: next, PlanCompleted: plan.IsComplete()}, nil
}

// FlagOverdue marks unpaid installments whose due date plus the grace
// period has passed, and returns the newly flagged ones. Flagging is
// idempotent; already-flagged installments are skipped.
func (t *Tracker) FlagOverdue(now time.Time, installments []*models.DeferredPaymentInstallment) []*models.DeferredPaymentInstallment {
	var flagged []*models.DeferredPaymentInstallment
	for _, inst := range installments {
		if inst.Paid || inst.OverdueFlagged {
			continue
		}
		if now.After(inst.DueDate.AddDate(0, 0, t.config.GraceDays)) {
			inst.OverdueFlagged = true
			flagged = append(flagged, inst)
		}
	}
	return flagged
}

// NextUnpaid returns the lowest-sequence unpaid installment, or nil when
// the schedule is fully satisfied.
func NextUnpaid(installments []*models.DeferredPaymentInstallment) *models.DeferredPaymentInstallment {
	sorted := append([]*models.DeferredPaymentInstallment(nil), installments...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SequenceNumber < sorted[j].SequenceNumber })
	for _, inst := range sorted {
		if !inst.Paid {
			return inst
		}
	}
	return nil
}

func (t *Tracker) amountFits(scheduled, observed decimal.Decimal) bool {
	tolerance := scheduled.Mul(decimal.NewFromFloat(t.config.InstallmentTolerancePercent / 100.0))
	return observed.Sub(scheduled).Abs().LessThanOrEqual(tolerance)
}
