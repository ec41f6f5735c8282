package decision

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-engine/internal/matcher"
	"cfdi-reconciliation-engine/internal/models"
)

func candidate(txID string, score float64) matcher.Candidate {
	return matcher.Candidate{
		Transaction: &models.BankTransaction{
			ID:        txID,
			Date:      time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
			Amount:    decimal.NewFromInt(-1160),
			AccountID: "acct-1",
			CompanyID: "co-1",
		},
		Tier:  models.TierFuzzy,
		Score: score,
	}
}

func invoiceSubject() matcher.Subject {
	return matcher.Subject{ID: "inv-1", Kind: matcher.SubjectInvoice}
}

func expenseSubject() matcher.Subject {
	return matcher.Subject{ID: "exp-1", Kind: matcher.SubjectExpense}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name       string
		subject    matcher.Subject
		candidates []matcher.Candidate
		wantAction Action
		wantStatus models.ReconciliationStatus
	}{
		{
			name:       "clear winner auto-links",
			subject:    invoiceSubject(),
			candidates: []matcher.Candidate{candidate("tx-1", 92), candidate("tx-2", 60)},
			wantAction: ActionLink,
			wantStatus: models.StatusAutoLinked,
		},
		{
			name:       "single high candidate auto-links",
			subject:    invoiceSubject(),
			candidates: []matcher.Candidate{candidate("tx-1", 88)},
			wantAction: ActionLink,
			wantStatus: models.StatusAutoLinked,
		},
		{
			name:       "two high candidates within margin go to review",
			subject:    invoiceSubject(),
			candidates: []matcher.Candidate{candidate("tx-1", 88), candidate("tx-2", 86)},
			wantAction: ActionQueueReview,
			wantStatus: models.StatusPendingReview,
		},
		{
			name:       "margin exactly met auto-links",
			subject:    invoiceSubject(),
			candidates: []matcher.Candidate{candidate("tx-1", 91), candidate("tx-2", 86)},
			wantAction: ActionLink,
			wantStatus: models.StatusAutoLinked,
		},
		{
			name:       "mid-band candidate goes to review",
			subject:    invoiceSubject(),
			candidates: []matcher.Candidate{candidate("tx-1", 70)},
			wantAction: ActionQueueReview,
			wantStatus: models.StatusPendingReview,
		},
		{
			name:       "review threshold is inclusive",
			subject:    invoiceSubject(),
			candidates: []matcher.Candidate{candidate("tx-1", 50)},
			wantAction: ActionQueueReview,
			wantStatus: models.StatusPendingReview,
		},
		{
			name:       "all below review threshold creates expense for invoice",
			subject:    invoiceSubject(),
			candidates: []matcher.Candidate{candidate("tx-1", 40)},
			wantAction: ActionCreateExpense,
			wantStatus: models.StatusNoMatch,
		},
		{
			name:       "no candidates for expense is a plain no-match",
			subject:    expenseSubject(),
			candidates: nil,
			wantAction: ActionNone,
			wantStatus: models.StatusNoMatch,
		},
	}

	policy := NewPolicy(matcher.DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy.Decide(tt.subject, tt.candidates)
			if got.Action != tt.wantAction {
				t.Errorf("action = %s, want %s (reason: %s)", got.Action, tt.wantAction, got.Reason)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			if got.Reason == "" {
				t.Error("outcome carries no reason")
			}
		})
	}
}

func TestDecideLinkCarriesBestCandidate(t *testing.T) {
	policy := NewPolicy(matcher.DefaultConfig())
	got := policy.Decide(invoiceSubject(), []matcher.Candidate{candidate("tx-1", 95), candidate("tx-2", 55)})
	if got.Best == nil || got.Best.Transaction.ID != "tx-1" {
		t.Fatalf("link outcome must carry the winning candidate, got %+v", got.Best)
	}
}

func TestDecideReviewDropsSubThresholdCandidates(t *testing.T) {
	policy := NewPolicy(matcher.DefaultConfig())
	got := policy.Decide(invoiceSubject(), []matcher.Candidate{
		candidate("tx-1", 70),
		candidate("tx-2", 55),
		candidate("tx-3", 30),
	})
	if got.Action != ActionQueueReview {
		t.Fatalf("action = %s, want queue_review", got.Action)
	}
	if len(got.Candidates) != 2 {
		t.Errorf("review candidates = %d, want 2 (sub-threshold dropped)", len(got.Candidates))
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.ReconciliationStatus
		want     bool
	}{
		{models.StatusNew, models.StatusAutoLinked, true},
		{models.StatusNew, models.StatusPendingReview, true},
		{models.StatusNew, models.StatusNoMatch, true},
		{models.StatusNew, models.StatusDeferred, true},
		{models.StatusPendingReview, models.StatusNew, true},
		{models.StatusPendingReview, models.StatusAutoLinked, true},
		{models.StatusDeferred, models.StatusSatisfied, true},
		{models.StatusNoMatch, models.StatusNew, true},
		{models.StatusAutoLinked, models.StatusFailed, true},
		{models.StatusAutoLinked, models.StatusNew, false},
		{models.StatusSatisfied, models.StatusNew, false},
		{models.StatusNew, models.StatusSatisfied, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	if _, err := Transition(models.StatusAutoLinked, models.StatusNoMatch); err == nil {
		t.Error("expected error for transition out of a linked record")
	}
	got, err := Transition(models.StatusNew, models.StatusAutoLinked)
	if err != nil {
		t.Fatalf("legal transition failed: %v", err)
	}
	if got != models.StatusAutoLinked {
		t.Errorf("transition result = %s, want AUTO_LINKED", got)
	}
}
