package batch

import (
	"sync"
	"time"

	apperrors "cfdi-reconciliation-engine/pkg/errors"
)

// Result summarizes one reconciliation run.
type Result struct {
	CompanyID string        `json:"company_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	InvoicesProcessed int `json:"invoices_processed"`
	ExpensesProcessed int `json:"expenses_processed"`

	AutoLinked          int `json:"auto_linked"`
	QueuedForReview     int `json:"queued_for_review"`
	NoMatch             int `json:"no_match"`
	ExpensesCreated     int `json:"expenses_created"`
	PlansCreated        int `json:"plans_created"`
	InstallmentsMatched int `json:"installments_matched"`
	PlansCompleted      int `json:"plans_completed"`
	OverdueFlagged      int `json:"overdue_flagged"`
	MatchesInvalidated  int `json:"matches_invalidated"`
	Failed              int `json:"failed"`

	SemanticCalls int `json:"semantic_calls"`

	// Errors holds the per-record failures the run isolated.
	Errors []*apperrors.EngineError `json:"errors,omitempty"`
}

// Summary returns the failure summary for exit-code and reporting purposes.
func (r *Result) Summary() *apperrors.ErrorSummary {
	return apperrors.NewErrorSummary(r.Errors)
}

// Phase names the pipeline stage a run is in.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseInvalidate  Phase = "invalidating_cancelled"
	PhaseInstallment Phase = "tracking_installments"
	PhaseInvoices    Phase = "matching_invoices"
	PhaseExpenses    Phase = "matching_expenses"
	PhaseDone        Phase = "done"
)

// Progress is a point-in-time snapshot of a running batch, safe to read
// from other goroutines.
type Progress struct {
	Phase     Phase `json:"phase"`
	Processed int   `json:"processed"`
	Total     int   `json:"total"`
}

// progressState is the orchestrator's mutable progress, guarded separately
// from the result so readers never block the pipeline.
type progressState struct {
	mu       sync.RWMutex
	snapshot Progress
}

func (p *progressState) setPhase(phase Phase, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot = Progress{Phase: phase, Total: total}
}

func (p *progressState) step() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot.Processed++
}

func (p *progressState) get() Progress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}
