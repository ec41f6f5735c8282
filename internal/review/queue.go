// Package review exposes the human side of the pipeline: listing pending
// assignments and resolving or rejecting them. Every path here is a status
// transition validated by the decision state machine.
package review

import (
	"context"

	"cfdi-reconciliation-engine/internal/decision"
	"cfdi-reconciliation-engine/internal/models"
	"cfdi-reconciliation-engine/internal/store"
	apperrors "cfdi-reconciliation-engine/pkg/errors"
	"cfdi-reconciliation-engine/pkg/logger"
)

// Service operates the pending assignment queue.
type Service struct {
	store store.Store
	log   logger.Logger
}

// NewService creates a review service.
func NewService(st store.Store, log logger.Logger) *Service {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Service{store: st, log: log.WithComponent("review")}
}

// List returns the open assignments for a company, oldest first.
func (s *Service) List(ctx context.Context, companyID string) ([]*models.PendingAssignment, error) {
	return s.store.PendingAssignments(ctx, companyID)
}

// Resolve accepts one candidate of a pending assignment: it claims the
// transaction, records an accepted manual match, and moves the record under
// review to AUTO_LINKED. The chosen transaction must be one of the
// assignment's candidates.
func (s *Service) Resolve(ctx context.Context, assignmentID, transactionID string) (*models.ReconciliationMatch, error) {
	pa, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if pa.Status != models.AssignmentPending {
		return nil, apperrors.ReviewError(apperrors.CodeAssignmentNotPending, assignmentID, nil)
	}

	chosen := findCandidate(pa.Candidates, transactionID)
	if chosen == nil {
		return nil, apperrors.ReviewError(apperrors.CodeCandidateUnknown, assignmentID, nil).
			WithContext("transaction_id", transactionID)
	}

	match := models.NewReconciliationMatch(pa.CompanyID, models.TierManual, chosen.Score/100.0, chosen.Explanation)
	match.TransactionID = transactionID
	match.InvoiceID = pa.InvoiceID
	match.ExpenseID = pa.ExpenseID
	match.Status = models.MatchAccepted
	if err := match.Validate(); err != nil {
		return nil, apperrors.InternalError(apperrors.CodeUnexpectedError, "building manual match", err)
	}

	if err := s.store.ClaimTransaction(ctx, transactionID, match.ID); err != nil {
		return nil, err
	}
	if err := s.store.SaveMatch(ctx, match); err != nil {
		return nil, err
	}
	if err := s.moveRecord(ctx, pa, models.StatusAutoLinked); err != nil {
		return nil, err
	}

	pa.Status = models.AssignmentResolved
	if err := s.store.SaveAssignment(ctx, pa); err != nil {
		return nil, err
	}

	s.log.WithFields(logger.Fields{
		"assignment_id":  assignmentID,
		"transaction_id": transactionID,
		"match_id":       match.ID,
	}).Info("Assignment resolved")
	return match, nil
}

// Reject closes a pending assignment without linking anything. The record
// under review returns to NEW for the next batch run, and each shown
// candidate pairing is recorded as a rejected match so later runs do not
// auto-link a pairing a human already turned down.
func (s *Service) Reject(ctx context.Context, assignmentID string) error {
	pa, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if pa.Status != models.AssignmentPending {
		return apperrors.ReviewError(apperrors.CodeAssignmentNotPending, assignmentID, nil)
	}

	for _, cand := range pa.Candidates {
		rejected := models.NewReconciliationMatch(pa.CompanyID, models.TierManual, cand.Score/100.0, "rejected by reviewer")
		rejected.TransactionID = cand.TransactionID
		rejected.InvoiceID = pa.InvoiceID
		rejected.ExpenseID = pa.ExpenseID
		rejected.Status = models.MatchRejected
		if err := s.store.SaveMatch(ctx, rejected); err != nil {
			return err
		}
	}

	if err := s.moveRecord(ctx, pa, models.StatusNew); err != nil {
		return err
	}

	pa.Status = models.AssignmentRejected
	if err := s.store.SaveAssignment(ctx, pa); err != nil {
		return err
	}

	s.log.WithFields(logger.Fields{
		"assignment_id": assignmentID,
		"candidates":    len(pa.Candidates),
	}).Info("Assignment rejected")
	return nil
}

// moveRecord applies a validated status transition to the invoice or
// expense the assignment refers to.
func (s *Service) moveRecord(ctx context.Context, pa *models.PendingAssignment, to models.ReconciliationStatus) error {
	if pa.InvoiceID != "" {
		inv, err := s.store.GetInvoice(ctx, pa.InvoiceID)
		if err != nil {
			return err
		}
		next, err := decision.Transition(inv.ReconStatus, to)
		if err != nil {
			return apperrors.InternalError(apperrors.CodeUnexpectedError, "invoice status transition", err)
		}
		inv.ReconStatus = next
		return s.store.SaveInvoice(ctx, inv)
	}

	e, err := s.store.GetExpense(ctx, pa.ExpenseID)
	if err != nil {
		return err
	}
	next, err := decision.Transition(e.ReconStatus, to)
	if err != nil {
		return apperrors.InternalError(apperrors.CodeUnexpectedError, "expense status transition", err)
	}
	e.ReconStatus = next
	return s.store.SaveExpense(ctx, e)
}

func findCandidate(candidates []models.AssignmentCandidate, transactionID string) *models.AssignmentCandidate {
	for i := range candidates {
		if candidates[i].TransactionID == transactionID {
			return &candidates[i]
		}
	}
	return nil
}
