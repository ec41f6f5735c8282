package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTransaction() *BankTransaction {
	return &BankTransaction{
		ID:              "tx-1",
		Date:            time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		Amount:          decimal.RequireFromString("-1160.00"),
		Description:     "Diesel Pemex estacion 4421",
		CounterpartyRFC: "XAXX010101ABC",
		AccountID:       "acct-1",
		CompanyID:       "co-1",
		Status:          StatusNew,
	}
}

func validInvoice() *Invoice {
	return &Invoice{
		ID:        "inv-1",
		IssuerRFC: "XAXX010101ABC",
		Total:     decimal.RequireFromString("1160.00"),
		IssueDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		LineItems: []LineItem{{
			Description: "Diesel",
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   decimal.RequireFromString("1160.00"),
		}},
		Status:      InvoiceValid,
		CompanyID:   "co-1",
		ReconStatus: StatusNew,
	}
}

func TestBankTransactionValidate(t *testing.T) {
	require.NoError(t, validTransaction().Validate())

	tests := []struct {
		name   string
		mutate func(*BankTransaction)
	}{
		{"empty id", func(tx *BankTransaction) { tx.ID = "  " }},
		{"zero date", func(tx *BankTransaction) { tx.Date = time.Time{} }},
		{"zero amount", func(tx *BankTransaction) { tx.Amount = decimal.Zero }},
		{"empty company", func(tx *BankTransaction) { tx.CompanyID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := validTransaction()
			tt.mutate(tx)
			assert.Error(t, tx.Validate())
		})
	}
}

func TestInvoiceValidate(t *testing.T) {
	require.NoError(t, validInvoice().Validate())

	tests := []struct {
		name   string
		mutate func(*Invoice)
	}{
		{"empty issuer RFC", func(inv *Invoice) { inv.IssuerRFC = "" }},
		{"zero total", func(inv *Invoice) { inv.Total = decimal.Zero }},
		{"negative total", func(inv *Invoice) { inv.Total = decimal.NewFromInt(-10) }},
		{"zero issue date", func(inv *Invoice) { inv.IssueDate = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := validInvoice()
			tt.mutate(inv)
			assert.Error(t, inv.Validate())
		})
	}
}

func TestManualExpenseValidateNeedsProviderNameOrRFC(t *testing.T) {
	e := &ManualExpense{
		ID:          "exp-1",
		ProviderRFC: "PEP970814SF3",
		Amount:      decimal.RequireFromString("850.00"),
		Date:        time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC),
		Status:      ExpenseOpen,
		CompanyID:   "co-1",
		ReconStatus: StatusNew,
	}
	assert.NoError(t, e.Validate(), "an RFC without a name is enough")

	e.ProviderRFC = ""
	assert.Error(t, e.Validate())

	e.ProviderName = "Pemex"
	assert.NoError(t, e.Validate())
}

func TestSameRFC(t *testing.T) {
	assert.True(t, SameRFC("xaxx010101abc", "XAXX010101ABC"))
	assert.True(t, SameRFC("  XAXX010101ABC ", "XAXX010101ABC"))
	assert.False(t, SameRFC("XAXX010101ABC", "PEP970814SF3"))
	assert.False(t, SameRFC("", ""), "two missing identifiers never match")
	assert.False(t, SameRFC("  ", "XAXX010101ABC"))
}

func TestDaysApart(t *testing.T) {
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 0, DaysApart(base, base))
	assert.Equal(t, 0, DaysApart(base, base.Add(23*time.Hour)), "time of day is ignored")
	assert.Equal(t, 1, DaysApart(base, base.AddDate(0, 0, 1)))
	assert.Equal(t, 1, DaysApart(base.AddDate(0, 0, 1), base), "distance is symmetric")
	assert.Equal(t, 32, DaysApart(base, base.AddDate(0, 1, 1)))
}

func TestAmountsWithinTolerance(t *testing.T) {
	tolerance := decimal.NewFromInt(1)
	a := decimal.RequireFromString("1160.00")

	assert.True(t, AmountsWithinTolerance(a, decimal.RequireFromString("1160.99"), tolerance))
	assert.True(t, AmountsWithinTolerance(a, decimal.RequireFromString("1161.00"), tolerance), "boundary is inclusive")
	assert.False(t, AmountsWithinTolerance(a, decimal.RequireFromString("1161.01"), tolerance))
}

func TestReconciliationMatchValidate(t *testing.T) {
	m := NewReconciliationMatch("co-1", TierFuzzy, 0.86, "close amount and date")
	require.NotEmpty(t, m.ID)
	assert.Equal(t, MatchPending, m.Status)

	assert.Error(t, m.Validate(), "a match needs at least two linked records")

	m.TransactionID = "tx-1"
	assert.Error(t, m.Validate())

	m.InvoiceID = "inv-1"
	assert.NoError(t, m.Validate())

	m.Confidence = 1.2
	assert.Error(t, m.Validate())
}

func TestMatchTierString(t *testing.T) {
	assert.Equal(t, "exact", TierExact.String())
	assert.Equal(t, "fuzzy", TierFuzzy.String())
	assert.Equal(t, "semantic", TierSemantic.String())
	assert.Equal(t, "manual", TierManual.String())
	assert.Equal(t, "installment", TierInstallment.String())
}

func TestDeferredPaymentIsComplete(t *testing.T) {
	plan := &DeferredPayment{InstallmentCount: 12, PaymentsMade: 11}
	assert.False(t, plan.IsComplete())
	plan.PaymentsMade = 12
	assert.True(t, plan.IsComplete())
}

func TestConceptTexts(t *testing.T) {
	inv := validInvoice()
	inv.LineItems = append(inv.LineItems, LineItem{Description: "Aceite motor"})
	assert.Equal(t, []string{"Diesel", "Aceite motor"}, inv.ConceptTexts())
}

func TestPendingAssignmentRecordRef(t *testing.T) {
	pa := NewPendingAssignment("co-1", nil)
	pa.InvoiceID = "inv-1"
	assert.Equal(t, "inv-1", pa.RecordRef())

	pa = NewPendingAssignment("co-1", nil)
	pa.ExpenseID = "exp-1"
	assert.Equal(t, "exp-1", pa.RecordRef())
}
