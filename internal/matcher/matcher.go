package matcher

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"cfdi-reconciliation-engine/internal/models"
	"cfdi-reconciliation-engine/internal/similarity"
)

// ScoreComponents breaks a composite score into its weighted parts, each
// already multiplied by its weight and scaled to 0-100.
type ScoreComponents struct {
	RFC     float64 `json:"rfc"`
	Amount  float64 `json:"amount"`
	Concept float64 `json:"concept"`
	Date    float64 `json:"date"`
	Name    float64 `json:"name"`
}

// Candidate is one scored transaction option for a subject, with the
// explanation trail a reviewer sees.
type Candidate struct {
	Transaction   *models.BankTransaction
	Tier          models.MatchTier
	Score         float64 // 0-100
	Components    ScoreComponents
	Reasons       []string
	Provenance    similarity.Provenance
	SemanticCalls int
}

// Confidence returns the score on the 0-1 scale used by match records.
func (c Candidate) Confidence() float64 {
	return c.Score / 100.0
}

// Explanation joins the reasons into the human-readable trail stored on the
// match.
func (c Candidate) Explanation() string {
	return strings.Join(c.Reasons, "; ")
}

// Matcher runs the exact and fuzzy tiers for one subject at a time. It is
// stateless apart from the shared similarity scorer, so a single Matcher
// serves a whole batch run.
type Matcher struct {
	config *Config
	scorer *similarity.Scorer
}

// NewMatcher creates a matcher with the given configuration and concept
// scorer. A nil config selects the defaults.
func NewMatcher(config *Config, scorer *similarity.Scorer) (*Matcher, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid matcher config: %w", err)
	}
	if scorer == nil {
		return nil, fmt.Errorf("matcher requires a similarity scorer")
	}
	return &Matcher{config: config, scorer: scorer}, nil
}

// Config returns the matcher's configuration.
func (m *Matcher) Config() *Config {
	return m.config
}

// Match scores the subject against the indexed transactions and returns
// candidates ordered best first. A unique exact hit comes back alone with a
// perfect score; otherwise every transaction inside the fuzzy windows is
// ranked by the weighted composite. An empty slice means no transaction
// survived the hard filters.
//
// Transactions in the exclude set never surface at any tier, so a
// reviewer-rejected or already-claimed exact hit falls through to fuzzy
// ranking over the rest of the pool instead of dead-ending the record.
func (m *Matcher) Match(ctx context.Context, subject Subject, index *TransactionIndex, exclude map[string]bool) []Candidate {
	exact := dropExcluded(index.GetExactCandidates(subject, m.config), exclude)
	if len(exact) == 1 {
		tx := exact[0]
		return []Candidate{{
			Transaction: tx,
			Tier:        models.TierExact,
			Score:       100,
			Reasons: []string{
				fmt.Sprintf("RFC %s matches exactly", models.NormalizeRFC(subject.RFC)),
				fmt.Sprintf("amount %s within %s of %s", tx.AbsAmount(), m.config.ExactAmountTolerance, subject.Amount),
				fmt.Sprintf("dates %d day(s) apart", models.DaysApart(tx.Date, subject.Date)),
			},
			Provenance: similarity.ProvenanceLexical,
		}}
	}

	// Zero or several exact hits: rank everything inside the fuzzy windows.
	// Exact hits are a subset of the fuzzy candidate set, so ambiguous exact
	// ties compete on the composite score like everyone else.
	return m.rank(ctx, subject, dropExcluded(index.GetFuzzyCandidates(subject, m.config), exclude))
}

// dropExcluded filters out transactions the caller ruled out before any
// tier sees them.
func dropExcluded(transactions []*models.BankTransaction, exclude map[string]bool) []*models.BankTransaction {
	if len(exclude) == 0 {
		return transactions
	}
	out := make([]*models.BankTransaction, 0, len(transactions))
	for _, tx := range transactions {
		if !exclude[tx.ID] {
			out = append(out, tx)
		}
	}
	return out
}

// rank computes the weighted composite for each candidate and sorts them
// best first, ties broken by earlier transaction date, then id for
// determinism. The result is capped after scoring so the cap never hides a
// strong candidate that happened to sit late in the amount-sorted input.
func (m *Matcher) rank(ctx context.Context, subject Subject, transactions []*models.BankTransaction) []Candidate {
	candidates := make([]Candidate, 0, len(transactions))
	for _, tx := range transactions {
		candidates = append(candidates, m.scoreCandidate(ctx, subject, tx))
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if !candidates[i].Transaction.Date.Equal(candidates[j].Transaction.Date) {
			return candidates[i].Transaction.Date.Before(candidates[j].Transaction.Date)
		}
		return candidates[i].Transaction.ID < candidates[j].Transaction.ID
	})
	if len(candidates) > m.config.MaxCandidates {
		candidates = candidates[:m.config.MaxCandidates]
	}
	return candidates
}

// scoreCandidate computes the composite score for a single pairing.
func (m *Matcher) scoreCandidate(ctx context.Context, subject Subject, tx *models.BankTransaction) Candidate {
	w := m.config.Weights
	cand := Candidate{Transaction: tx, Tier: models.TierFuzzy, Provenance: similarity.ProvenanceLexical}

	// RFC: exact match or nothing. A missing RFC on either side scores zero
	// rather than disqualifying the pair.
	if models.SameRFC(subject.RFC, tx.CounterpartyRFC) {
		cand.Components.RFC = w.RFCWeight * 100
		cand.Reasons = append(cand.Reasons, fmt.Sprintf("RFC %s matches", models.NormalizeRFC(subject.RFC)))
	} else {
		cand.Reasons = append(cand.Reasons, "RFC differs or missing")
	}

	// Amount: linear decay from identical to the fuzzy tolerance edge.
	amountCloseness := m.amountCloseness(subject, tx)
	cand.Components.Amount = w.AmountWeight * 100 * amountCloseness
	cand.Reasons = append(cand.Reasons,
		fmt.Sprintf("amount %s vs %s (closeness %.0f%%)", tx.AbsAmount(), subject.Amount, amountCloseness*100))

	// Concept: best-pair similarity between the subject's concept texts and
	// the transaction description.
	concept := m.scorer.Score(ctx, subject.Concepts, []string{tx.Description})
	cand.Components.Concept = w.ConceptWeight * float64(concept.Score)
	cand.Provenance = concept.Provenance
	cand.SemanticCalls = concept.SemanticCalls
	if concept.Provenance == similarity.ProvenanceBlended {
		cand.Tier = models.TierSemantic
		cand.Reasons = append(cand.Reasons,
			fmt.Sprintf("concepts %q ~ %q scored %d (semantic)", concept.BestSource, concept.BestTarget, concept.Score))
	} else {
		cand.Reasons = append(cand.Reasons,
			fmt.Sprintf("concepts %q ~ %q scored %d", concept.BestSource, concept.BestTarget, concept.Score))
	}

	// Date: linear decay to the fuzzy window edge.
	days := models.DaysApart(tx.Date, subject.Date)
	dateCloseness := 1.0 - float64(days)/float64(m.config.FuzzyDateWindowDays)
	if dateCloseness < 0 {
		dateCloseness = 0
	}
	cand.Components.Date = w.DateWeight * 100 * dateCloseness
	cand.Reasons = append(cand.Reasons, fmt.Sprintf("dates %d day(s) apart", days))

	// Name: edit-distance similarity between provider name and statement
	// description, catching truncated or abbreviated counterparty names.
	nameSim := nameSimilarity(subject.Name, tx.Description)
	cand.Components.Name = w.NameWeight * 100 * nameSim
	if nameSim > 0 {
		cand.Reasons = append(cand.Reasons, fmt.Sprintf("name similarity %.0f%%", nameSim*100))
	}

	cand.Score = cand.Components.RFC + cand.Components.Amount +
		cand.Components.Concept + cand.Components.Date + cand.Components.Name
	return cand
}

// amountCloseness returns 1.0 for identical amounts decaying linearly to 0
// at the fuzzy tolerance edge.
func (m *Matcher) amountCloseness(subject Subject, tx *models.BankTransaction) float64 {
	if subject.Amount.IsZero() {
		return 0
	}
	diff := tx.AbsAmount().Sub(subject.Amount).Abs()
	ratio, _ := diff.Div(subject.Amount).Float64()
	closeness := 1.0 - ratio/(m.config.FuzzyAmountTolerancePercent/100.0)
	if closeness < 0 {
		return 0
	}
	return closeness
}

// nameSimilarity compares a provider name against a statement description.
// The description is usually longer, so the name is matched against the
// closest window rather than the whole string.
func nameSimilarity(name, description string) float64 {
	name = strings.ToLower(strings.TrimSpace(name))
	description = strings.ToLower(strings.TrimSpace(description))
	if name == "" || description == "" {
		return 0
	}
	if strings.Contains(description, name) {
		return 1
	}

	best := 0.0
	for _, word := range strings.Fields(description) {
		if sim := editSimilarity(name, word); sim > best {
			best = sim
		}
	}
	if sim := editSimilarity(name, description); sim > best {
		best = sim
	}
	return best
}

func editSimilarity(a, b string) float64 {
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 0
	}
	sim := 1.0 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
	if sim < 0 {
		return 0
	}
	return sim
}
