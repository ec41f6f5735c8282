package deferred

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-engine/internal/models"
)

// Detection is an inferred installment plan candidate for an invoice.
type Detection struct {
	InstallmentCount     int
	PerInstallmentAmount decimal.Decimal
	FirstChargeDate      models.BankTransaction
	Evidence             []*models.BankTransaction
	Confidence           float64
	Explanation          string
}

// Detector infers installment plans from recurring charges. It only looks
// at unclaimed transactions from the invoice's counterparty, so evidence
// cannot be double-spent against already-reconciled activity.
type Detector struct {
	config *Config
}

// NewDetector creates a detector. A nil config selects the defaults.
func NewDetector(config *Config) (*Detector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid deferred config: %w", err)
	}
	return &Detector{config: config}, nil
}

// Detect tries every candidate term length against the charges observed for
// the invoice's counterparty and returns the best plan at or above the
// confidence threshold. Returns false when no term length qualifies.
//
// Per-term evaluation: charges within the installment tolerance of total/n
// count as evidence; the amount signal measures how tightly the evidence
// clusters around total/n, the cadence signal how close the gaps between
// successive charges are to a monthly rhythm.
func (d *Detector) Detect(invoice *models.Invoice, transactions []*models.BankTransaction) (*Detection, bool) {
	charges := d.counterpartyCharges(invoice, transactions)
	if len(charges) < d.config.MinObservedCharges {
		return nil, false
	}

	var best *Detection
	for _, n := range d.config.CandidateCounts {
		det := d.evaluateTerm(invoice, charges, n)
		if det == nil {
			continue
		}
		if best == nil || det.Confidence > best.Confidence {
			best = det
		}
	}

	if best == nil || best.Confidence < d.config.ConfidenceThreshold {
		return nil, false
	}
	return best, true
}

// counterpartyCharges selects the unclaimed outflows attributable to the
// invoice issuer inside the search window, ordered by date. Charges before
// the issue date or past the window cannot belong to this invoice's plan.
func (d *Detector) counterpartyCharges(invoice *models.Invoice, transactions []*models.BankTransaction) []*models.BankTransaction {
	var charges []*models.BankTransaction
	for _, tx := range transactions {
		if tx.IsClaimed() || tx.CompanyID != invoice.CompanyID {
			continue
		}
		if !models.SameRFC(tx.CounterpartyRFC, invoice.IssuerRFC) {
			continue
		}
		days := models.DaysApart(tx.Date, invoice.IssueDate)
		if tx.Date.Before(invoice.IssueDate) && days > 0 {
			continue
		}
		if days > d.config.SearchWindowDays {
			continue
		}
		charges = append(charges, tx)
	}
	sort.Slice(charges, func(i, j int) bool { return charges[i].Date.Before(charges[j].Date) })
	return charges
}

func (d *Detector) evaluateTerm(invoice *models.Invoice, charges []*models.BankTransaction, n int) *Detection {
	per := invoice.Total.Div(decimal.NewFromInt(int64(n)))
	tolerance := per.Mul(decimal.NewFromFloat(d.config.InstallmentTolerancePercent / 100.0))

	var evidence []*models.BankTransaction
	var totalDeviation decimal.Decimal
	for _, tx := range charges {
		dev := tx.AbsAmount().Sub(per).Abs()
		if dev.GreaterThan(tolerance) {
			continue
		}
		evidence = append(evidence, tx)
		totalDeviation = totalDeviation.Add(dev)
	}
	if len(evidence) < d.config.MinObservedCharges || len(evidence) > n {
		return nil
	}

	// Amount signal: 1.0 when every charge hits total/n exactly, falling
	// linearly to 0 at the tolerance edge.
	avgDeviation := totalDeviation.Div(decimal.NewFromInt(int64(len(evidence))))
	devRatio, _ := avgDeviation.Div(tolerance).Float64()
	amountScore := 1.0 - devRatio
	if amountScore < 0 {
		amountScore = 0
	}

	cadenceScore := cadenceRegularity(evidence)

	confidence := d.config.AmountWeight*amountScore + d.config.CadenceWeight*cadenceScore
	return &Detection{
		InstallmentCount:     n,
		PerInstallmentAmount: per.Round(2),
		FirstChargeDate:      *evidence[0],
		Evidence:             evidence,
		Confidence:           confidence,
		Explanation: fmt.Sprintf("%d of %d charges of ~%s observed (amount %.2f, cadence %.2f)",
			len(evidence), n, per.Round(2), amountScore, cadenceScore),
	}
}

// cadenceRegularity scores how monthly the gaps between successive charges
// are: 1.0 for perfect ~30 day spacing, decaying as gaps drift. A single
// observed charge has no cadence and scores neutral.
func cadenceRegularity(charges []*models.BankTransaction) float64 {
	if len(charges) < 2 {
		return 0.5
	}
	const monthlyGap = 30.0
	score := 0.0
	gaps := 0
	for i := 1; i < len(charges); i++ {
		days := float64(models.DaysApart(charges[i].Date, charges[i-1].Date))
		drift := math.Abs(days-monthlyGap) / monthlyGap
		gapScore := 1.0 - drift
		if gapScore < 0 {
			gapScore = 0
		}
		score += gapScore
		gaps++
	}
	return score / float64(gaps)
}
