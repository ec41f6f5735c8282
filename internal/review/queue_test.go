package review

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-engine/internal/models"
	"cfdi-reconciliation-engine/internal/store"
	apperrors "cfdi-reconciliation-engine/pkg/errors"
)

func setup(t *testing.T) (*Service, *store.MemoryStore, *models.PendingAssignment) {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()

	inv := &models.Invoice{
		ID:          "inv-1",
		IssuerRFC:   "PEM850101ABC",
		Total:       decimal.NewFromInt(1160),
		IssueDate:   time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		CompanyID:   "co-1",
		ReconStatus: models.StatusPendingReview,
	}
	if err := st.SaveInvoice(ctx, inv); err != nil {
		t.Fatalf("save invoice: %v", err)
	}

	for _, id := range []string{"tx-1", "tx-2"} {
		err := st.SaveTransaction(ctx, &models.BankTransaction{
			ID:        id,
			Date:      inv.IssueDate,
			Amount:    decimal.NewFromInt(-1160),
			AccountID: "acct-1",
			CompanyID: "co-1",
			Status:    models.StatusNew,
		})
		if err != nil {
			t.Fatalf("save transaction: %v", err)
		}
	}

	pa := models.NewPendingAssignment("co-1", []models.AssignmentCandidate{
		{TransactionID: "tx-1", Score: 88, Explanation: "close amount and date"},
		{TransactionID: "tx-2", Score: 86, Explanation: "close amount"},
	})
	pa.InvoiceID = "inv-1"
	if err := st.SaveAssignment(ctx, pa); err != nil {
		t.Fatalf("save assignment: %v", err)
	}

	return NewService(st, nil), st, pa
}

func TestResolve(t *testing.T) {
	svc, st, pa := setup(t)
	ctx := context.Background()

	match, err := svc.Resolve(ctx, pa.ID, "tx-2")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if match.Tier != models.TierManual || match.Status != models.MatchAccepted {
		t.Errorf("match = %+v, want accepted manual match", match)
	}
	if match.Confidence != 0.86 {
		t.Errorf("confidence = %f, want 0.86", match.Confidence)
	}

	tx, _ := st.GetTransaction(ctx, "tx-2")
	if tx.ClaimedBy != match.ID {
		t.Errorf("transaction claimed by %q, want %s", tx.ClaimedBy, match.ID)
	}

	inv, _ := st.GetInvoice(ctx, "inv-1")
	if inv.ReconStatus != models.StatusAutoLinked {
		t.Errorf("invoice status = %s, want AUTO_LINKED", inv.ReconStatus)
	}

	pending, _ := st.PendingAssignments(ctx, "co-1")
	if len(pending) != 0 {
		t.Error("resolved assignment still pending")
	}
}

func TestResolveUnknownCandidate(t *testing.T) {
	svc, _, pa := setup(t)
	_, err := svc.Resolve(context.Background(), pa.ID, "tx-99")
	if !apperrors.HasCode(err, apperrors.CodeCandidateUnknown) {
		t.Errorf("error = %v, want candidate_unknown", err)
	}
}

func TestResolveTwiceFails(t *testing.T) {
	svc, _, pa := setup(t)
	ctx := context.Background()
	if _, err := svc.Resolve(ctx, pa.ID, "tx-1"); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	_, err := svc.Resolve(ctx, pa.ID, "tx-2")
	if !apperrors.HasCode(err, apperrors.CodeAssignmentNotPending) {
		t.Errorf("second resolve error = %v, want assignment_not_pending", err)
	}
}

func TestResolveClaimedTransaction(t *testing.T) {
	svc, st, pa := setup(t)
	ctx := context.Background()
	if err := st.ClaimTransaction(ctx, "tx-1", "other-match"); err != nil {
		t.Fatalf("pre-claim failed: %v", err)
	}

	_, err := svc.Resolve(ctx, pa.ID, "tx-1")
	if !apperrors.HasCode(err, apperrors.CodeTransactionClaimed) {
		t.Errorf("error = %v, want transaction_claimed", err)
	}

	inv, _ := st.GetInvoice(ctx, "inv-1")
	if inv.ReconStatus != models.StatusPendingReview {
		t.Errorf("invoice moved to %s despite failed claim", inv.ReconStatus)
	}
}

func TestReject(t *testing.T) {
	svc, st, pa := setup(t)
	ctx := context.Background()

	if err := svc.Reject(ctx, pa.ID); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	inv, _ := st.GetInvoice(ctx, "inv-1")
	if inv.ReconStatus != models.StatusNew {
		t.Errorf("invoice status = %s, want NEW after rejection", inv.ReconStatus)
	}

	matches, _ := st.MatchesByCompany(ctx, "co-1")
	rejected := 0
	for _, m := range matches {
		if m.Status == models.MatchRejected {
			rejected++
		}
	}
	if rejected != 2 {
		t.Errorf("rejected match rows = %d, want one per shown candidate", rejected)
	}

	// Neither transaction was claimed.
	for _, id := range []string{"tx-1", "tx-2"} {
		tx, _ := st.GetTransaction(ctx, id)
		if tx.IsClaimed() {
			t.Errorf("transaction %s claimed by a rejected assignment", id)
		}
	}

	if err := svc.Reject(ctx, pa.ID); !apperrors.HasCode(err, apperrors.CodeAssignmentNotPending) {
		t.Errorf("second reject error = %v, want assignment_not_pending", err)
	}
}
