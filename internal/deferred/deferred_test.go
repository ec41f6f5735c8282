package deferred

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-engine/internal/models"
)

func amt(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func charge(id, amount string, when time.Time) *models.BankTransaction {
	return &models.BankTransaction{
		ID:              id,
		Date:            when,
		Amount:          amt(amount).Neg(),
		Description:     "MSI LIVERPOOL 12/12",
		CounterpartyRFC: "LIV720101ABC",
		AccountID:       "acct-1",
		CompanyID:       "co-1",
		Status:          models.StatusNew,
	}
}

func laptopInvoice() *models.Invoice {
	return &models.Invoice{
		ID:        "inv-laptop",
		IssuerRFC: "LIV720101ABC",
		Total:     amt("59900.00"),
		IssueDate: date(2026, 1, 5),
		CompanyID: "co-1",
		Status:    models.InvoiceValid,
	}
}

func TestDetectTwelveMonthPlan(t *testing.T) {
	det, err := NewDetector(nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	txs := []*models.BankTransaction{
		charge("tx-1", "4991.67", date(2026, 1, 15)),
		charge("tx-2", "4991.67", date(2026, 2, 14)),
		charge("tx-3", "4991.67", date(2026, 3, 16)),
	}

	got, ok := det.Detect(laptopInvoice(), txs)
	if !ok {
		t.Fatal("expected a detection for three monthly charges of total/12")
	}
	if got.InstallmentCount != 12 {
		t.Errorf("installment count = %d, want 12", got.InstallmentCount)
	}
	if !got.PerInstallmentAmount.Equal(amt("4991.67")) {
		t.Errorf("per installment = %s, want 4991.67", got.PerInstallmentAmount)
	}
	if got.Confidence < 0.8 {
		t.Errorf("confidence = %f, want >= 0.8", got.Confidence)
	}
	if len(got.Evidence) != 3 {
		t.Errorf("evidence = %d charges, want 3", len(got.Evidence))
	}
}

func TestDetectSingleFirstInstallmentCharge(t *testing.T) {
	det, err := NewDetector(nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	// The very first MSI charge arrives ten days after purchase; nothing
	// else from the counterparty yet.
	txs := []*models.BankTransaction{
		charge("tx-1", "4991.67", date(2026, 1, 15)),
	}

	got, ok := det.Detect(laptopInvoice(), txs)
	if !ok {
		t.Fatal("expected a detection from the first installment charge alone")
	}
	if got.InstallmentCount != 12 {
		t.Errorf("installment count = %d, want 12", got.InstallmentCount)
	}
	if len(got.Evidence) != 1 || got.Evidence[0].ID != "tx-1" {
		t.Errorf("evidence = %+v, want only tx-1", got.Evidence)
	}
	if got.Confidence < 0.8 {
		t.Errorf("confidence = %f, want >= 0.8", got.Confidence)
	}
}

func TestDetectRequiresChargesInsideSearchWindow(t *testing.T) {
	det, _ := NewDetector(nil)

	// Monthly charges that ended months before the invoice existed.
	predating := []*models.BankTransaction{
		charge("tx-1", "4991.67", date(2025, 7, 15)),
		charge("tx-2", "4991.67", date(2025, 8, 15)),
		charge("tx-3", "4991.67", date(2025, 9, 15)),
	}
	if got, ok := det.Detect(laptopInvoice(), predating); ok {
		t.Errorf("charges predating the invoice produced a plan: %+v", got)
	}

	// A matching charge far past the search window.
	late := []*models.BankTransaction{
		charge("tx-4", "4991.67", date(2026, 8, 20)),
	}
	if got, ok := det.Detect(laptopInvoice(), late); ok {
		t.Errorf("charge beyond the search window produced a plan: %+v", got)
	}
}

func TestDetectRejectsIrregularCharges(t *testing.T) {
	det, _ := NewDetector(nil)

	tests := []struct {
		name string
		txs  []*models.BankTransaction
	}{
		{
			name: "amounts fit no candidate term",
			txs: []*models.BankTransaction{
				charge("tx-1", "3100.00", date(2026, 1, 15)),
				charge("tx-2", "7200.00", date(2026, 2, 14)),
			},
		},
		{
			name: "right amount but weekly cadence",
			txs: []*models.BankTransaction{
				charge("tx-1", "4991.67", date(2026, 1, 15)),
				charge("tx-2", "4991.67", date(2026, 1, 20)),
				charge("tx-3", "4991.67", date(2026, 1, 25)),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, ok := det.Detect(laptopInvoice(), tt.txs); ok {
				t.Errorf("unexpected detection: %+v", got)
			}
		})
	}
}

func TestDetectIgnoresClaimedAndForeignCharges(t *testing.T) {
	det, _ := NewDetector(nil)

	claimed := charge("tx-1", "4991.67", date(2026, 1, 15))
	claimed.ClaimedBy = "match-9"
	foreign := charge("tx-2", "4991.67", date(2026, 2, 14))
	foreign.CounterpartyRFC = "OTR900101XYZ"

	if _, ok := det.Detect(laptopInvoice(), []*models.BankTransaction{claimed, foreign}); ok {
		t.Error("claimed or foreign charges must not count as evidence")
	}
}

func TestBuildSchedulePennyPerfect(t *testing.T) {
	plan := &models.DeferredPayment{
		ID:               "plan-1",
		TotalAmount:      amt("59900.00"),
		InstallmentCount: 12,
		FirstDueDate:     date(2026, 1, 15),
	}

	schedule := BuildSchedule(plan)
	if len(schedule) != 12 {
		t.Fatalf("schedule length = %d, want 12", len(schedule))
	}
	for i, inst := range schedule[:11] {
		if !inst.Amount.Equal(amt("4991.67")) {
			t.Errorf("installment %d = %s, want 4991.67", i+1, inst.Amount)
		}
	}
	if !schedule[11].Amount.Equal(amt("4991.63")) {
		t.Errorf("last installment = %s, want 4991.63", schedule[11].Amount)
	}
	if !ScheduleTotal(schedule).Equal(plan.TotalAmount) {
		t.Errorf("schedule sums to %s, want %s", ScheduleTotal(schedule), plan.TotalAmount)
	}
	if !schedule[5].DueDate.Equal(date(2026, 6, 15)) {
		t.Errorf("sixth due date = %s, want 2026-06-15", schedule[5].DueDate.Format("2006-01-02"))
	}
	for i, inst := range schedule {
		if inst.SequenceNumber != i+1 {
			t.Errorf("installment %d has sequence %d", i, inst.SequenceNumber)
		}
	}
}

func TestNewPlanFromDetection(t *testing.T) {
	inv := laptopInvoice()
	first := charge("tx-1", "4991.67", date(2026, 1, 15))
	plan, schedule, err := NewPlan(inv, &Detection{
		InstallmentCount:     12,
		PerInstallmentAmount: amt("4991.67"),
		FirstChargeDate:      *first,
		Confidence:           0.95,
	})
	if err != nil {
		t.Fatalf("NewPlan failed: %v", err)
	}
	if plan.InvoiceID != inv.ID || plan.AccountID != "acct-1" {
		t.Errorf("plan not wired to invoice and account: %+v", plan)
	}
	if plan.Status != models.PlanActive {
		t.Errorf("plan status = %s, want active", plan.Status)
	}
	if !ScheduleTotal(schedule).Equal(inv.Total) {
		t.Errorf("schedule sums to %s, want %s", ScheduleTotal(schedule), inv.Total)
	}
}

func TestTrackerAppliesInSequence(t *testing.T) {
	tracker, err := NewTracker(nil)
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}

	plan := &models.DeferredPayment{
		ID:               "plan-1",
		TotalAmount:      amt("9000.00"),
		InstallmentCount: 3,
		FirstDueDate:     date(2026, 1, 15),
		Status:           models.PlanActive,
	}
	schedule := BuildSchedule(plan)

	for i, when := range []time.Time{date(2026, 1, 16), date(2026, 2, 13), date(2026, 3, 15)} {
		res, err := tracker.Apply(plan, schedule, charge("tx-pay", "3000.00", when))
		if err != nil {
			t.Fatalf("apply %d failed: %v", i+1, err)
		}
		if res.Installment == nil {
			t.Fatalf("charge %d satisfied nothing", i+1)
		}
		if res.Installment.SequenceNumber != i+1 {
			t.Errorf("charge %d satisfied installment %d", i+1, res.Installment.SequenceNumber)
		}
		wantComplete := i == 2
		if res.PlanCompleted != wantComplete {
			t.Errorf("after charge %d completed = %v, want %v", i+1, res.PlanCompleted, wantComplete)
		}
	}
	if plan.Status != models.PlanCompleted {
		t.Errorf("plan status = %s, want completed", plan.Status)
	}
	if plan.PaymentsMade != 3 {
		t.Errorf("payments made = %d, want 3", plan.PaymentsMade)
	}
}

func TestTrackerRejectsOutOfWindowCharge(t *testing.T) {
	tracker, _ := NewTracker(nil)
	plan := &models.DeferredPayment{
		ID:               "plan-1",
		TotalAmount:      amt("9000.00"),
		InstallmentCount: 3,
		FirstDueDate:     date(2026, 1, 15),
		Status:           models.PlanActive,
	}
	schedule := BuildSchedule(plan)

	tests := []struct {
		name   string
		amount string
		when   time.Time
	}{
		{"eight days early", "3000.00", date(2026, 1, 7)},
		{"amount beyond tolerance", "3100.00", date(2026, 1, 15)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tracker.Apply(plan, schedule, charge("tx-bad", tt.amount, tt.when))
			if err != nil {
				t.Fatalf("apply failed: %v", err)
			}
			if res.Installment != nil {
				t.Errorf("charge satisfied installment %d", res.Installment.SequenceNumber)
			}
		})
	}
	if plan.PaymentsMade != 0 {
		t.Errorf("payments made = %d, want 0", plan.PaymentsMade)
	}
}

func TestFlagOverdue(t *testing.T) {
	tracker, _ := NewTracker(nil)
	plan := &models.DeferredPayment{
		ID:               "plan-1",
		TotalAmount:      amt("9000.00"),
		InstallmentCount: 3,
		FirstDueDate:     date(2026, 1, 15),
		Status:           models.PlanActive,
	}
	schedule := BuildSchedule(plan)
	schedule[0].Paid = true

	// Second installment due 2026-02-15; the grace period ends 10 days later.
	flagged := tracker.FlagOverdue(date(2026, 2, 24), schedule)
	if len(flagged) != 0 {
		t.Fatalf("flagged %d installments inside the grace period", len(flagged))
	}

	flagged = tracker.FlagOverdue(date(2026, 2, 26), schedule)
	if len(flagged) != 1 || flagged[0].SequenceNumber != 2 {
		t.Fatalf("expected installment 2 flagged, got %v", flagged)
	}

	// Idempotent: flagging again reports nothing new.
	if again := tracker.FlagOverdue(date(2026, 2, 27), schedule); len(again) != 0 {
		t.Errorf("re-flagged %d installments", len(again))
	}
}
