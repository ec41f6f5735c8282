package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-engine/internal/models"
	"cfdi-reconciliation-engine/internal/semantic"
	"cfdi-reconciliation-engine/internal/similarity"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func amt(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testTx(id, rfc, amount, description string, when time.Time) *models.BankTransaction {
	return &models.BankTransaction{
		ID:              id,
		Date:            when,
		Amount:          amt(amount).Neg(),
		Description:     description,
		CounterpartyRFC: rfc,
		AccountID:       "acct-1",
		CompanyID:       "co-1",
		Status:          models.StatusNew,
	}
}

func testSubject(rfc, name, amount string, when time.Time, concepts ...string) Subject {
	return Subject{
		ID:       "inv-1",
		Kind:     SubjectInvoice,
		RFC:      rfc,
		Name:     name,
		Amount:   amt(amount),
		Date:     when,
		Concepts: concepts,
	}
}

func newTestMatcher(t *testing.T, judge semantic.Judge) *Matcher {
	t.Helper()
	scorer, err := similarity.NewScorer(similarity.DefaultConfig(), nil, judge)
	if err != nil {
		t.Fatalf("NewScorer failed: %v", err)
	}
	m, err := NewMatcher(DefaultConfig(), scorer)
	if err != nil {
		t.Fatalf("NewMatcher failed: %v", err)
	}
	return m
}

func TestMatchExactUniqueHit(t *testing.T) {
	m := newTestMatcher(t, nil)
	issued := date(2026, 3, 10)
	idx := NewTransactionIndex([]*models.BankTransaction{
		testTx("tx-1", "PEM850101ABC", "1160.00", "PEMEX GASOLINERA 123", issued.AddDate(0, 0, 1)),
		testTx("tx-2", "OTR900101XYZ", "1160.00", "OTRO PROVEEDOR", issued),
	})

	got := m.Match(context.Background(), testSubject("PEM850101ABC", "PEMEX", "1160.00", issued, "Gasolina Magna"), idx, nil)
	if len(got) != 1 {
		t.Fatalf("expected a single exact candidate, got %d", len(got))
	}
	if got[0].Tier != models.TierExact {
		t.Errorf("tier = %s, want exact", got[0].Tier)
	}
	if got[0].Score != 100 {
		t.Errorf("score = %f, want 100", got[0].Score)
	}
	if got[0].Transaction.ID != "tx-1" {
		t.Errorf("matched %s, want tx-1", got[0].Transaction.ID)
	}
	if got[0].Confidence() != 1.0 {
		t.Errorf("confidence = %f, want 1.0", got[0].Confidence())
	}
}

func TestMatchExactToleranceBoundary(t *testing.T) {
	issued := date(2026, 3, 10)
	tests := []struct {
		name      string
		txAmount  string
		wantExact bool
	}{
		{"identical amount", "1160.00", true},
		{"99 cents off", "1160.99", true},
		{"exactly one peso off", "1161.00", false},
		{"one peso one cent off", "1161.01", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMatcher(t, nil)
			idx := NewTransactionIndex([]*models.BankTransaction{
				testTx("tx-1", "PEM850101ABC", tt.txAmount, "PEMEX GASOLINERA", issued),
			})
			got := m.Match(context.Background(), testSubject("PEM850101ABC", "PEMEX", "1160.00", issued, "Gasolina"), idx, nil)
			if len(got) == 0 {
				t.Fatal("expected at least one candidate")
			}
			isExact := got[0].Tier == models.TierExact
			if isExact != tt.wantExact {
				t.Errorf("exact = %v, want %v (score %f)", isExact, tt.wantExact, got[0].Score)
			}
		})
	}
}

func TestMatchExactDateWindow(t *testing.T) {
	issued := date(2026, 3, 10)
	m := newTestMatcher(t, nil)
	idx := NewTransactionIndex([]*models.BankTransaction{
		testTx("tx-far", "PEM850101ABC", "1160.00", "PEMEX", issued.AddDate(0, 0, 2)),
	})
	got := m.Match(context.Background(), testSubject("PEM850101ABC", "PEMEX", "1160.00", issued, "Gasolina"), idx, nil)
	if len(got) > 0 && got[0].Tier == models.TierExact {
		t.Error("transaction two days out must not match exactly")
	}
}

func TestMatchAmbiguousExactFallsToFuzzy(t *testing.T) {
	issued := date(2026, 3, 10)
	m := newTestMatcher(t, nil)
	idx := NewTransactionIndex([]*models.BankTransaction{
		testTx("tx-1", "PEM850101ABC", "1160.00", "PEMEX GASOLINERA NORTE", issued),
		testTx("tx-2", "PEM850101ABC", "1160.00", "PEMEX GASOLINERA SUR", issued.AddDate(0, 0, 1)),
	})

	got := m.Match(context.Background(), testSubject("PEM850101ABC", "PEMEX", "1160.00", issued, "Gasolina Magna"), idx, nil)
	if len(got) != 2 {
		t.Fatalf("expected both ambiguous candidates ranked, got %d", len(got))
	}
	for _, c := range got {
		if c.Tier == models.TierExact {
			t.Errorf("candidate %s kept exact tier despite ambiguity", c.Transaction.ID)
		}
	}
	if got[0].Score < got[1].Score {
		t.Error("candidates not sorted best first")
	}
}

func TestMatchFuzzyHardFilters(t *testing.T) {
	issued := date(2026, 3, 10)
	tests := []struct {
		name string
		tx   *models.BankTransaction
	}{
		{"amount beyond ten percent", testTx("tx-amt", "PEM850101ABC", "1300.00", "PEMEX", issued)},
		{"date beyond fifteen days", testTx("tx-date", "PEM850101ABC", "1160.00", "PEMEX", issued.AddDate(0, 0, 16))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMatcher(t, nil)
			idx := NewTransactionIndex([]*models.BankTransaction{tt.tx})
			got := m.Match(context.Background(), testSubject("PEM850101ABC", "PEMEX", "1160.00", issued, "Gasolina"), idx, nil)
			if len(got) != 0 {
				t.Errorf("expected candidate excluded, got %d candidates", len(got))
			}
		})
	}
}

func TestMatchSkipsClaimedTransactions(t *testing.T) {
	issued := date(2026, 3, 10)
	claimed := testTx("tx-claimed", "PEM850101ABC", "1160.00", "PEMEX", issued)
	claimed.ClaimedBy = "match-1"

	m := newTestMatcher(t, nil)
	idx := NewTransactionIndex([]*models.BankTransaction{claimed})
	got := m.Match(context.Background(), testSubject("PEM850101ABC", "PEMEX", "1160.00", issued, "Gasolina"), idx, nil)
	if len(got) != 0 {
		t.Errorf("claimed transaction surfaced as candidate")
	}
}

func TestMatchExcludedExactFallsToFuzzy(t *testing.T) {
	issued := date(2026, 3, 10)
	m := newTestMatcher(t, nil)
	idx := NewTransactionIndex([]*models.BankTransaction{
		testTx("tx-exact", "PEM850101ABC", "1160.00", "PEMEX GASOLINERA", issued),
		testTx("tx-fuzzy", "PEM850101ABC", "1165.00", "PEMEX GASOLINERA", issued.AddDate(0, 0, 3)),
	})

	got := m.Match(context.Background(),
		testSubject("PEM850101ABC", "PEMEX", "1160.00", issued, "Gasolina Magna"),
		idx, map[string]bool{"tx-exact": true})
	if len(got) != 1 {
		t.Fatalf("expected the fuzzy candidate ranked, got %d candidates", len(got))
	}
	if got[0].Transaction.ID != "tx-fuzzy" {
		t.Errorf("candidate = %s, want tx-fuzzy", got[0].Transaction.ID)
	}
	if got[0].Tier == models.TierExact {
		t.Error("excluded exact hit must not leave the record at the exact tier")
	}
}

func TestMatchExclusionRestoresUniqueExact(t *testing.T) {
	issued := date(2026, 3, 10)
	m := newTestMatcher(t, nil)
	idx := NewTransactionIndex([]*models.BankTransaction{
		testTx("tx-1", "PEM850101ABC", "1160.00", "PEMEX NORTE", issued),
		testTx("tx-2", "PEM850101ABC", "1160.00", "PEMEX SUR", issued),
	})

	got := m.Match(context.Background(),
		testSubject("PEM850101ABC", "PEMEX", "1160.00", issued, "Gasolina"),
		idx, map[string]bool{"tx-2": true})
	if len(got) != 1 || got[0].Transaction.ID != "tx-1" {
		t.Fatalf("expected tx-1 alone, got %+v", got)
	}
	if got[0].Tier != models.TierExact {
		t.Errorf("tier = %s, want exact once the ambiguity is excluded", got[0].Tier)
	}
}

func TestMatchCandidateCapKeepsBestScored(t *testing.T) {
	issued := date(2026, 3, 10)
	scorer, err := similarity.NewScorer(similarity.DefaultConfig(), nil, nil)
	if err != nil {
		t.Fatalf("NewScorer failed: %v", err)
	}
	cfg := DefaultConfig()
	cfg.MaxCandidates = 1
	m, err := NewMatcher(cfg, scorer)
	if err != nil {
		t.Fatalf("NewMatcher failed: %v", err)
	}

	// The strongest candidate carries the largest amount, so an input-order
	// cap over the amount-sorted pool would cut it before scoring.
	idx := NewTransactionIndex([]*models.BankTransaction{
		testTx("tx-weak", "OTR900101XYZ", "1080.00", "CARGO DIVERSO", issued.AddDate(0, 0, 10)),
		testTx("tx-best", "PEM850101ABC", "1160.00", "PEMEX GASOLINERA", issued.AddDate(0, 0, 2)),
	})
	got := m.Match(context.Background(),
		testSubject("PEM850101ABC", "PEMEX", "1160.00", issued.AddDate(0, 0, 4), "Gasolina Magna"),
		idx, nil)
	if len(got) != 1 {
		t.Fatalf("expected the capped single candidate, got %d", len(got))
	}
	if got[0].Transaction.ID != "tx-best" {
		t.Errorf("capped candidate = %s, want tx-best", got[0].Transaction.ID)
	}
}

func TestMatchMissingRFCNeverMatchesOnEmpty(t *testing.T) {
	issued := date(2026, 3, 10)
	m := newTestMatcher(t, nil)
	idx := NewTransactionIndex([]*models.BankTransaction{
		testTx("tx-1", "", "1160.00", "CARGO TARJETA", issued),
	})

	got := m.Match(context.Background(), testSubject("", "Proveedor Sin RFC", "1160.00", issued, "Servicio"), idx, nil)
	if len(got) == 0 {
		t.Fatal("expected a fuzzy candidate despite missing RFCs")
	}
	if got[0].Tier == models.TierExact {
		t.Error("two empty RFCs must never produce an exact match")
	}
	if got[0].Components.RFC != 0 {
		t.Errorf("RFC component = %f, want 0 for missing identifiers", got[0].Components.RFC)
	}
}

func TestMatchCompositeFavorsCloserCandidate(t *testing.T) {
	issued := date(2026, 3, 10)
	m := newTestMatcher(t, nil)
	idx := NewTransactionIndex([]*models.BankTransaction{
		testTx("tx-close", "PEM850101ABC", "1165.00", "PEMEX GASOLINERA", issued.AddDate(0, 0, 2)),
		testTx("tx-far", "OTR900101XYZ", "1250.00", "CARGO DIVERSO", issued.AddDate(0, 0, 14)),
	})

	got := m.Match(context.Background(), testSubject("PEM850101ABC", "PEMEX", "1160.00", issued, "Gasolina Magna"), idx, nil)
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].Transaction.ID != "tx-close" {
		t.Errorf("best candidate = %s, want tx-close", got[0].Transaction.ID)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("scores not strictly ordered: %f vs %f", got[0].Score, got[1].Score)
	}
	if len(got[0].Reasons) == 0 {
		t.Error("candidate carries no explanation trail")
	}
}

func TestMatchSemanticOnlyInsideAmbiguousBand(t *testing.T) {
	issued := date(2026, 3, 10)
	fake := semantic.NewFake(0.9)
	m := newTestMatcher(t, fake)

	// Identical description text scores far above the ambiguous band, so the
	// judge must never be consulted.
	idx := NewTransactionIndex([]*models.BankTransaction{
		testTx("tx-1", "PEM850101ABC", "1200.00", "DIESEL PEMEX 5512", issued.AddDate(0, 0, 3)),
	})
	got := m.Match(context.Background(), testSubject("PEM850101ABC", "PEMEX", "1160.00", issued, "DIESEL PEMEX 5512"), idx, nil)
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if fake.Calls() != 0 {
		t.Errorf("semantic judge consulted %d times for an unambiguous concept", fake.Calls())
	}
	if got[0].Tier == models.TierSemantic {
		t.Error("tier promoted to semantic without a judge call")
	}
}

func TestMatchSemanticPromotion(t *testing.T) {
	issued := date(2026, 3, 10)
	fake := semantic.NewFake(0.95)
	m := newTestMatcher(t, fake)

	// Partially overlapping concept texts land in the ambiguous middle
	// band, so the judge decides.
	idx := NewTransactionIndex([]*models.BankTransaction{
		testTx("tx-1", "PEM850101ABC", "1180.00", "Combustible magna estacion 4421", issued.AddDate(0, 0, 3)),
	})
	got := m.Match(context.Background(), testSubject("PEM850101ABC", "PEMEX", "1160.00", issued, "Combustible magna flotilla"), idx, nil)
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if fake.Calls() == 0 {
		t.Fatal("expected a semantic call for the ambiguous concept pair")
	}
	if got[0].Tier != models.TierSemantic {
		t.Errorf("tier = %s, want semantic", got[0].Tier)
	}
	if got[0].SemanticCalls != 1 {
		t.Errorf("semantic calls = %d, want 1", got[0].SemanticCalls)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"negative exact tolerance", func(c *Config) { c.ExactAmountTolerance = amt("-1") }, true},
		{"zero fuzzy window", func(c *Config) { c.FuzzyDateWindowDays = 0 }, true},
		{"review above auto-link", func(c *Config) { c.ReviewThreshold = 90 }, true},
		{"weights off unit sum", func(c *Config) { c.Weights.RFCWeight = 0.5 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTransactionIndexAmountRange(t *testing.T) {
	issued := date(2026, 3, 10)
	idx := NewTransactionIndex([]*models.BankTransaction{
		testTx("tx-low", "AAA010101AAA", "900.00", "A", issued),
		testTx("tx-mid", "BBB010101BBB", "1160.00", "B", issued),
		testTx("tx-high", "CCC010101CCC", "1500.00", "C", issued),
	})

	got := idx.GetFuzzyCandidates(testSubject("AAA010101AAA", "A", "1160.00", issued), DefaultConfig())
	if len(got) != 1 || got[0].ID != "tx-mid" {
		t.Fatalf("fuzzy candidates = %v, want only tx-mid", ids(got))
	}
}

func ids(txs []*models.BankTransaction) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = tx.ID
	}
	return out
}
