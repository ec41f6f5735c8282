package matcher

import (
	"sort"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-engine/internal/models"
)

// TransactionIndex provides fast candidate lookup over a batch of bank
// transactions. Built once per run; lookups never scan the full set unless
// the criteria genuinely cover it.
type TransactionIndex struct {
	transactions []*models.BankTransaction

	// rfcIndex groups transactions by normalized counterparty RFC.
	rfcIndex map[string][]*models.BankTransaction

	// amountIndex is sorted by absolute amount for range queries.
	amountIndex []*models.BankTransaction
}

// NewTransactionIndex builds the lookup structures for the given
// transactions. Claimed transactions are indexed but filtered out of every
// lookup, so a transaction linked earlier in the run stops surfacing.
func NewTransactionIndex(transactions []*models.BankTransaction) *TransactionIndex {
	idx := &TransactionIndex{
		transactions: transactions,
		rfcIndex:     make(map[string][]*models.BankTransaction),
		amountIndex:  make([]*models.BankTransaction, len(transactions)),
	}

	copy(idx.amountIndex, transactions)
	sort.Slice(idx.amountIndex, func(i, j int) bool {
		return idx.amountIndex[i].AbsAmount().LessThan(idx.amountIndex[j].AbsAmount())
	})

	for _, tx := range transactions {
		if rfc := models.NormalizeRFC(tx.CounterpartyRFC); rfc != "" {
			idx.rfcIndex[rfc] = append(idx.rfcIndex[rfc], tx)
		}
	}
	return idx
}

// Size returns the number of indexed transactions.
func (idx *TransactionIndex) Size() int {
	return len(idx.transactions)
}

// GetExactCandidates returns unclaimed transactions sharing the subject's
// RFC whose amount differs by strictly less than the exact tolerance and
// whose date falls inside the exact window.
func (idx *TransactionIndex) GetExactCandidates(subject Subject, config *Config) []*models.BankTransaction {
	rfc := models.NormalizeRFC(subject.RFC)
	if rfc == "" {
		return nil
	}

	var candidates []*models.BankTransaction
	for _, tx := range idx.rfcIndex[rfc] {
		if tx.IsClaimed() {
			continue
		}
		if tx.AbsAmount().Sub(subject.Amount).Abs().GreaterThanOrEqual(config.ExactAmountTolerance) {
			continue
		}
		if models.DaysApart(tx.Date, subject.Date) > config.ExactDateWindowDays {
			continue
		}
		candidates = append(candidates, tx)
	}
	return candidates
}

// GetFuzzyCandidates returns unclaimed transactions within the fuzzy amount
// and date windows of the subject, using the sorted amount index for the
// range scan.
func (idx *TransactionIndex) GetFuzzyCandidates(subject Subject, config *Config) []*models.BankTransaction {
	lower, upper := config.FuzzyAmountBounds(subject.Amount)

	var candidates []*models.BankTransaction
	for i := idx.searchAmount(lower); i < len(idx.amountIndex); i++ {
		tx := idx.amountIndex[i]
		if tx.AbsAmount().GreaterThan(upper) {
			break
		}
		if tx.IsClaimed() {
			continue
		}
		if models.DaysApart(tx.Date, subject.Date) > config.FuzzyDateWindowDays {
			continue
		}
		candidates = append(candidates, tx)
	}
	return candidates
}

// searchAmount returns the index of the first transaction with absolute
// amount >= target.
func (idx *TransactionIndex) searchAmount(target decimal.Decimal) int {
	return sort.Search(len(idx.amountIndex), func(i int) bool {
		return !idx.amountIndex[i].AbsAmount().LessThan(target)
	})
}
