package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cfdi-reconciliation-engine/internal/decision"
	"cfdi-reconciliation-engine/internal/deferred"
	"cfdi-reconciliation-engine/internal/matcher"
	"cfdi-reconciliation-engine/internal/models"
	"cfdi-reconciliation-engine/internal/semantic"
	"cfdi-reconciliation-engine/internal/similarity"
	"cfdi-reconciliation-engine/internal/store"
	apperrors "cfdi-reconciliation-engine/pkg/errors"
	"cfdi-reconciliation-engine/pkg/logger"
)

// Options wires an Orchestrator. Store is required; a nil Judge disables
// the semantic tier and nil configs select defaults.
type Options struct {
	Store            store.Store
	Judge            semantic.Judge
	Config           *Config
	MatcherConfig    *matcher.Config
	DeferredConfig   *deferred.Config
	SimilarityConfig *similarity.Config
	Logger           logger.Logger
}

// Orchestrator runs reconciliation batches. A single orchestrator is safe
// for sequential runs; one run processes records concurrently internally.
type Orchestrator struct {
	store      store.Store
	judge      semantic.Judge
	config     *Config
	matcherCfg *matcher.Config
	simCfg     similarity.Config
	policy     *decision.Policy
	detector   *deferred.Detector
	tracker    *deferred.Tracker
	log        logger.Logger

	progress progressState
}

// NewOrchestrator validates the wiring and builds an orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeMissingConfig, "store", nil, nil)
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "batch", nil, err)
	}
	matcherCfg := opts.MatcherConfig
	if matcherCfg == nil {
		matcherCfg = matcher.DefaultConfig()
	}
	if err := matcherCfg.Validate(); err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "matcher", nil, err)
	}
	simCfg := similarity.DefaultConfig()
	if opts.SimilarityConfig != nil {
		simCfg = *opts.SimilarityConfig
	}
	if err := simCfg.Validate(); err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "similarity", nil, err)
	}
	detector, err := deferred.NewDetector(opts.DeferredConfig)
	if err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "deferred", nil, err)
	}
	tracker, err := deferred.NewTracker(opts.DeferredConfig)
	if err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "deferred", nil, err)
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	return &Orchestrator{
		store:      opts.Store,
		judge:      opts.Judge,
		config:     cfg,
		matcherCfg: matcherCfg,
		simCfg:     simCfg,
		policy:     decision.NewPolicy(matcherCfg),
		detector:   detector,
		tracker:    tracker,
		log:        log.WithComponent("batch"),
	}, nil
}

// Progress returns a snapshot of the running batch. Safe to call from any
// goroutine, including while no batch runs.
func (o *Orchestrator) Progress() Progress {
	return o.progress.get()
}

// run carries the per-run mutable state so Run stays reentrant-safe for
// sequential runs.
type run struct {
	ctx       context.Context
	companyID string
	result    *Result
	matcher   *matcher.Matcher
	guard     *guardedJudge

	mu         sync.Mutex
	claimed    map[string]bool            // transactions claimed during this run
	rejected   map[string]map[string]bool // record id -> transaction ids a human rejected
}

// Run executes a full reconciliation batch for one company: cancelled
// invoice cleanup, installment tracking, invoice matching, then expense
// matching. It returns the partial result together with the context error
// when cancelled between records.
func (o *Orchestrator) Run(ctx context.Context, companyID string) (*Result, error) {
	started := time.Now()
	r := &run{
		ctx:       ctx,
		companyID: companyID,
		result:    &Result{CompanyID: companyID, StartedAt: started.UTC()},
		claimed:   make(map[string]bool),
		rejected:  make(map[string]map[string]bool),
	}

	var judge semantic.Judge
	if o.judge != nil {
		r.guard = newGuardedJudge(o.judge, o.config.SemanticConcurrency, o.config.RetryBackoff)
		judge = r.guard
	}
	scorer, err := similarity.NewScorer(o.simCfg, nil, judge)
	if err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "similarity", nil, err)
	}
	r.matcher, err = matcher.NewMatcher(o.matcherCfg, scorer)
	if err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "matcher", nil, err)
	}

	if err := o.loadRejectedPairs(r); err != nil {
		return r.finish(started), err
	}

	phases := []struct {
		phase Phase
		fn    func(*run) error
	}{
		{PhaseInvalidate, o.invalidateCancelled},
		{PhaseInstallment, o.trackInstallments},
		{PhaseInvoices, o.matchInvoices},
		{PhaseExpenses, o.matchExpenses},
	}
	for _, p := range phases {
		if err := ctx.Err(); err != nil {
			o.log.WithField("phase", p.phase).Warn("Batch cancelled")
			return r.finish(started), err
		}
		if err := p.fn(r); err != nil {
			return r.finish(started), err
		}
	}

	o.progress.setPhase(PhaseDone, 0)
	res := r.finish(started)
	o.log.WithFields(logger.Fields{
		"company_id":  companyID,
		"auto_linked": res.AutoLinked,
		"review":      res.QueuedForReview,
		"no_match":    res.NoMatch,
		"failed":      res.Failed,
		"duration":    res.Duration.String(),
	}).Info("Batch completed")
	return res, nil
}

func (r *run) finish(started time.Time) *Result {
	r.result.Duration = time.Since(started)
	if r.guard != nil {
		r.result.SemanticCalls = r.guard.Calls()
	}
	return r.result
}

// loadRejectedPairs indexes pairings a reviewer turned down so the batch
// never auto-links them again.
func (o *Orchestrator) loadRejectedPairs(r *run) error {
	matches, err := o.store.MatchesByCompany(r.ctx, r.companyID)
	if err != nil {
		return err
	}
	for _, m := range matches {
		if m.Status != models.MatchRejected || m.TransactionID == "" {
			continue
		}
		for _, recordID := range []string{m.InvoiceID, m.ExpenseID} {
			if recordID == "" {
				continue
			}
			if r.rejected[recordID] == nil {
				r.rejected[recordID] = make(map[string]bool)
			}
			r.rejected[recordID][m.TransactionID] = true
		}
	}
	return nil
}

// invalidateCancelled unwinds accepted matches whose invoice the tax
// authority cancelled after linking: claims are released, the matches are
// marked rejected, and the invoice lands in FAILED.
func (o *Orchestrator) invalidateCancelled(r *run) error {
	invoices, err := o.store.InvoicesByCompany(r.ctx, r.companyID)
	if err != nil {
		return err
	}
	matches, err := o.store.MatchesByCompany(r.ctx, r.companyID)
	if err != nil {
		return err
	}
	byInvoice := make(map[string][]*models.ReconciliationMatch)
	for _, m := range matches {
		if m.InvoiceID != "" && m.Status == models.MatchAccepted {
			byInvoice[m.InvoiceID] = append(byInvoice[m.InvoiceID], m)
		}
	}

	cancelled := 0
	for _, inv := range invoices {
		if !inv.IsCancelled() || inv.ReconStatus != models.StatusAutoLinked {
			continue
		}
		cancelled++
	}
	o.progress.setPhase(PhaseInvalidate, cancelled)

	for _, inv := range invoices {
		if !inv.IsCancelled() || inv.ReconStatus != models.StatusAutoLinked {
			continue
		}
		for _, m := range byInvoice[inv.ID] {
			if m.TransactionID != "" {
				if err := o.store.ReleaseTransaction(r.ctx, m.TransactionID, m.ID); err != nil {
					r.addError(apperrors.WrapIfNeeded(err, apperrors.CategoryStorage, apperrors.CodeStorageFailure, "releasing claim"))
					continue
				}
			}
			m.Status = models.MatchRejected
			m.Explanation = m.Explanation + "; invalidated: invoice cancelled"
			if err := o.store.SaveMatch(r.ctx, m); err != nil {
				r.addError(apperrors.WrapIfNeeded(err, apperrors.CategoryStorage, apperrors.CodeStorageFailure, "saving invalidated match"))
				continue
			}
			r.result.MatchesInvalidated++
		}

		next, err := decision.Transition(inv.ReconStatus, models.StatusFailed)
		if err != nil {
			r.addError(apperrors.MatchingError(apperrors.CodeCancelledInvoice, inv.ID, err))
			continue
		}
		inv.ReconStatus = next
		if err := o.store.SaveInvoice(r.ctx, inv); err != nil {
			return err
		}
		o.progress.step()
		o.log.WithFields(logger.Fields{
			"invoice_id": inv.ID,
			"matches":    len(byInvoice[inv.ID]),
		}).Warn("Cancelled invoice invalidated")
	}
	return nil
}

// trackInstallments offers this run's unclaimed charges to every active
// plan and flags overdue installments.
func (o *Orchestrator) trackInstallments(r *run) error {
	plans, err := o.store.ActivePlans(r.ctx, r.companyID)
	if err != nil {
		return err
	}
	o.progress.setPhase(PhaseInstallment, len(plans))

	transactions, err := o.store.TransactionsByCompany(r.ctx, r.companyID)
	if err != nil {
		return err
	}

	for _, plan := range plans {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		if err := o.trackPlan(r, plan, transactions); err != nil {
			r.addError(apperrors.WrapIfNeeded(err, apperrors.CategoryDeferred, apperrors.CodeInstallmentMismatch, "tracking plan"))
		}
		o.progress.step()
	}
	return nil
}

func (o *Orchestrator) trackPlan(r *run, plan *models.DeferredPayment, transactions []*models.BankTransaction) error {
	invoice, err := o.store.GetInvoice(r.ctx, plan.InvoiceID)
	if err != nil {
		return err
	}
	installments, err := o.store.PlanInstallments(r.ctx, plan.ID)
	if err != nil {
		return err
	}

	var charges []*models.BankTransaction
	for _, tx := range transactions {
		if tx.IsClaimed() || r.isClaimed(tx.ID) {
			continue
		}
		if models.SameRFC(tx.CounterpartyRFC, invoice.IssuerRFC) {
			charges = append(charges, tx)
		}
	}
	sort.Slice(charges, func(i, j int) bool { return charges[i].Date.Before(charges[j].Date) })

	for _, tx := range charges {
		applied, err := o.tracker.Apply(plan, installments, tx)
		if err != nil {
			// The plan went inactive or the schedule ran out; nothing more
			// to offer.
			break
		}
		if applied.Installment == nil {
			continue
		}

		match := models.NewReconciliationMatch(r.companyID, models.TierInstallment, 1.0,
			installmentExplanation(plan, applied.Installment))
		match.TransactionID = tx.ID
		match.InvoiceID = plan.InvoiceID
		match.Status = models.MatchAccepted

		if err := o.store.ClaimTransaction(r.ctx, tx.ID, match.ID); err != nil {
			// Lost the race; roll the in-memory application back.
			applied.Installment.Paid = false
			applied.Installment.MatchedTransactionID = ""
			plan.PaymentsMade--
			plan.Status = models.PlanActive
			continue
		}
		r.markClaimed(tx.ID)

		if err := o.store.SaveMatch(r.ctx, match); err != nil {
			return err
		}
		if err := o.store.UpdateInstallment(r.ctx, applied.Installment); err != nil {
			return err
		}
		if err := o.store.UpdatePlan(r.ctx, plan); err != nil {
			return err
		}
		r.result.InstallmentsMatched++

		if applied.PlanCompleted {
			next, err := decision.Transition(invoice.ReconStatus, models.StatusSatisfied)
			if err != nil {
				return apperrors.DeferredError(apperrors.CodePlanNotActive, plan.ID, err)
			}
			invoice.ReconStatus = next
			if err := o.store.SaveInvoice(r.ctx, invoice); err != nil {
				return err
			}
			r.result.PlansCompleted++
			o.log.WithFields(logger.Fields{
				"plan_id":    plan.ID,
				"invoice_id": invoice.ID,
			}).Info("Deferred payment plan completed")
			break
		}
	}

	for _, inst := range o.tracker.FlagOverdue(time.Now(), installments) {
		if err := o.store.UpdateInstallment(r.ctx, inst); err != nil {
			return err
		}
		r.result.OverdueFlagged++
		o.log.WithFields(logger.Fields{
			"plan_id":     plan.ID,
			"installment": inst.SequenceNumber,
			"due":         inst.DueDate.Format("2006-01-02"),
		}).Warn("Installment overdue")
	}
	return nil
}

// matchInvoices runs the cascade for every NEW valid invoice.
func (o *Orchestrator) matchInvoices(r *run) error {
	invoices, err := o.store.InvoicesByCompany(r.ctx, r.companyID)
	if err != nil {
		return err
	}
	var todo []*models.Invoice
	for _, inv := range invoices {
		if inv.ReconStatus == models.StatusNew && !inv.IsCancelled() {
			todo = append(todo, inv)
		}
	}
	o.progress.setPhase(PhaseInvoices, len(todo))

	index, pool, err := o.buildIndex(r)
	if err != nil {
		return err
	}

	tracker := logger.NewProgressTracker(logger.ProgressConfig{
		Operation: "match_invoices",
		Total:     int64(len(todo)),
		Logger:    o.log,
	})

	g := new(errgroup.Group)
	g.SetLimit(o.config.RecordConcurrency)
	for _, inv := range todo {
		inv := inv
		g.Go(func() error {
			if r.ctx.Err() != nil {
				return nil
			}
			o.processInvoice(r, inv, index, pool)
			o.progress.step()
			tracker.Increment()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	tracker.Complete()
	return r.ctx.Err()
}

func (o *Orchestrator) processInvoice(r *run, inv *models.Invoice, index *matcher.TransactionIndex, pool []*models.BankTransaction) {
	r.lockResult(func(res *Result) { res.InvoicesProcessed++ })

	if err := inv.Validate(); err != nil {
		o.failRecord(r, inv.ID, err, func() error {
			inv.ReconStatus = models.StatusFailed
			return o.store.SaveInvoice(r.ctx, inv)
		})
		return
	}

	subject := matcher.SubjectFromInvoice(inv)
	outcome, best := o.decideWithClaim(r, subject, index)

	switch outcome.Action {
	case decision.ActionLink:
		if err := o.linkInvoice(r, inv, best); err != nil {
			o.failRecord(r, inv.ID, err, nil)
		}
	case decision.ActionQueueReview:
		if err := o.queueReview(r, subject, outcome); err != nil {
			o.failRecord(r, inv.ID, err, nil)
			return
		}
		inv.ReconStatus = models.StatusPendingReview
		if err := o.store.SaveInvoice(r.ctx, inv); err != nil {
			o.failRecord(r, inv.ID, err, nil)
		}
	case decision.ActionCreateExpense:
		o.handleUnmatchedInvoice(r, inv, pool)
	default:
		inv.ReconStatus = models.StatusNoMatch
		if err := o.store.SaveInvoice(r.ctx, inv); err != nil {
			o.failRecord(r, inv.ID, err, nil)
			return
		}
		r.lockResult(func(res *Result) { res.NoMatch++ })
	}
}

// handleUnmatchedInvoice first tries to explain the invoice as a deferred
// payment plan; only when that fails does it materialize a review-flagged
// manual expense so the spend still appears in the books.
func (o *Orchestrator) handleUnmatchedInvoice(r *run, inv *models.Invoice, pool []*models.BankTransaction) {
	available := make([]*models.BankTransaction, 0, len(pool))
	for _, tx := range pool {
		if !tx.IsClaimed() && !r.isClaimed(tx.ID) {
			available = append(available, tx)
		}
	}

	if det, ok := o.detector.Detect(inv, available); ok {
		if err := o.createPlan(r, inv, det); err != nil {
			o.failRecord(r, inv.ID, err, nil)
		}
		return
	}

	expense := &models.ManualExpense{
		ID:                "exp-" + inv.ID,
		ProviderName:      inv.IssuerName,
		ProviderRFC:       inv.IssuerRFC,
		Amount:            inv.Total,
		Date:              inv.IssueDate,
		ExtractedConcepts: inv.ConceptTexts(),
		Status:            models.ExpenseInvoiced,
		CompanyID:         inv.CompanyID,
		ReconStatus:       models.StatusNew,
		NeedsReview:       true,
	}
	if expense.ProviderName == "" {
		expense.ProviderName = inv.IssuerRFC
	}
	if err := o.store.SaveExpense(r.ctx, expense); err != nil {
		o.failRecord(r, inv.ID, err, nil)
		return
	}
	inv.ReconStatus = models.StatusNoMatch
	if err := o.store.SaveInvoice(r.ctx, inv); err != nil {
		o.failRecord(r, inv.ID, err, nil)
		return
	}
	r.lockResult(func(res *Result) {
		res.NoMatch++
		res.ExpensesCreated++
	})
	o.log.WithFields(logger.Fields{
		"invoice_id": inv.ID,
		"expense_id": expense.ID,
	}).Info("Unmatched invoice recorded as manual expense")
}

// createPlan persists a detected installment plan and settles the observed
// evidence charges against its first installments.
func (o *Orchestrator) createPlan(r *run, inv *models.Invoice, det *deferred.Detection) error {
	plan, installments, err := deferred.NewPlan(inv, det)
	if err != nil {
		return err
	}
	if err := o.store.SavePlan(r.ctx, plan, installments); err != nil {
		return err
	}

	next, err := decision.Transition(inv.ReconStatus, models.StatusDeferred)
	if err != nil {
		return err
	}
	inv.ReconStatus = next
	if err := o.store.SaveInvoice(r.ctx, inv); err != nil {
		return err
	}
	r.lockResult(func(res *Result) { res.PlansCreated++ })
	o.log.WithFields(logger.Fields{
		"invoice_id":   inv.ID,
		"plan_id":      plan.ID,
		"installments": plan.InstallmentCount,
		"confidence":   det.Confidence,
	}).Info("Deferred payment plan created")

	for _, tx := range det.Evidence {
		applied, err := o.tracker.Apply(plan, installments, tx)
		if err != nil || applied.Installment == nil {
			continue
		}
		match := models.NewReconciliationMatch(r.companyID, models.TierInstallment, 1.0,
			installmentExplanation(plan, applied.Installment))
		match.TransactionID = tx.ID
		match.InvoiceID = inv.ID
		match.Status = models.MatchAccepted
		if err := o.store.ClaimTransaction(r.ctx, tx.ID, match.ID); err != nil {
			// Lost the race; roll the in-memory application back, including
			// the completion flag when the loser was the final installment.
			applied.Installment.Paid = false
			applied.Installment.MatchedTransactionID = ""
			plan.PaymentsMade--
			plan.Status = models.PlanActive
			continue
		}
		r.markClaimed(tx.ID)
		if err := o.store.SaveMatch(r.ctx, match); err != nil {
			return err
		}
		if err := o.store.UpdateInstallment(r.ctx, applied.Installment); err != nil {
			return err
		}
		if err := o.store.UpdatePlan(r.ctx, plan); err != nil {
			return err
		}
		r.lockResult(func(res *Result) { res.InstallmentsMatched++ })

		if applied.PlanCompleted {
			next, err := decision.Transition(inv.ReconStatus, models.StatusSatisfied)
			if err != nil {
				return apperrors.DeferredError(apperrors.CodePlanNotActive, plan.ID, err)
			}
			inv.ReconStatus = next
			if err := o.store.SaveInvoice(r.ctx, inv); err != nil {
				return err
			}
			r.lockResult(func(res *Result) { res.PlansCompleted++ })
			o.log.WithFields(logger.Fields{
				"plan_id":    plan.ID,
				"invoice_id": inv.ID,
			}).Info("Deferred payment plan completed")
			break
		}
	}
	return nil
}

// matchExpenses runs the cascade for every NEW open manual expense.
func (o *Orchestrator) matchExpenses(r *run) error {
	expenses, err := o.store.ExpensesByCompany(r.ctx, r.companyID)
	if err != nil {
		return err
	}
	var todo []*models.ManualExpense
	for _, e := range expenses {
		if e.ReconStatus == models.StatusNew && e.Status == models.ExpenseOpen {
			todo = append(todo, e)
		}
	}
	o.progress.setPhase(PhaseExpenses, len(todo))

	index, _, err := o.buildIndex(r)
	if err != nil {
		return err
	}

	g := new(errgroup.Group)
	g.SetLimit(o.config.RecordConcurrency)
	for _, e := range todo {
		e := e
		g.Go(func() error {
			if r.ctx.Err() != nil {
				return nil
			}
			o.processExpense(r, e, index)
			o.progress.step()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return r.ctx.Err()
}

func (o *Orchestrator) processExpense(r *run, e *models.ManualExpense, index *matcher.TransactionIndex) {
	r.lockResult(func(res *Result) { res.ExpensesProcessed++ })

	if err := e.Validate(); err != nil {
		o.failRecord(r, e.ID, err, func() error {
			e.ReconStatus = models.StatusFailed
			return o.store.SaveExpense(r.ctx, e)
		})
		return
	}

	subject := matcher.SubjectFromExpense(e)
	outcome, best := o.decideWithClaim(r, subject, index)

	switch outcome.Action {
	case decision.ActionLink:
		if err := o.linkExpense(r, e, best); err != nil {
			o.failRecord(r, e.ID, err, nil)
		}
	case decision.ActionQueueReview:
		if err := o.queueReview(r, subject, outcome); err != nil {
			o.failRecord(r, e.ID, err, nil)
			return
		}
		e.ReconStatus = models.StatusPendingReview
		if err := o.store.SaveExpense(r.ctx, e); err != nil {
			o.failRecord(r, e.ID, err, nil)
		}
	default:
		e.ReconStatus = models.StatusNoMatch
		if err := o.store.SaveExpense(r.ctx, e); err != nil {
			o.failRecord(r, e.ID, err, nil)
			return
		}
		r.lockResult(func(res *Result) { res.NoMatch++ })
	}
}

// decideWithClaim runs match-decide, and when the verdict is a link, claims
// the transaction. Losing a claim race removes the transaction from this
// run's view and rescores, up to a few attempts.
func (o *Orchestrator) decideWithClaim(r *run, subject matcher.Subject, index *matcher.TransactionIndex) (decision.Outcome, *claimedLink) {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidates := r.matcher.Match(r.ctx, subject, index, r.exclusionsFor(subject.ID))
		outcome := o.policy.Decide(subject, candidates)
		if outcome.Action != decision.ActionLink {
			return outcome, nil
		}

		best := outcome.Best
		match := models.NewReconciliationMatch(r.companyID, best.Tier, best.Confidence(), best.Explanation())
		match.TransactionID = best.Transaction.ID
		match.Status = models.MatchAccepted

		if err := o.store.ClaimTransaction(r.ctx, best.Transaction.ID, match.ID); err != nil {
			if apperrors.HasCode(err, apperrors.CodeTransactionClaimed) {
				r.markClaimed(best.Transaction.ID)
				continue
			}
			return decision.Outcome{Action: decision.ActionNone, Status: models.StatusNoMatch, Reason: err.Error()}, nil
		}
		r.markClaimed(best.Transaction.ID)
		return outcome, &claimedLink{match: match, candidate: best}
	}
	return decision.Outcome{
		Action: decision.ActionNone,
		Status: models.StatusNoMatch,
		Reason: "every viable candidate was claimed by concurrent matches",
	}, nil
}

type claimedLink struct {
	match     *models.ReconciliationMatch
	candidate *matcher.Candidate
}

func (o *Orchestrator) linkInvoice(r *run, inv *models.Invoice, link *claimedLink) error {
	link.match.InvoiceID = inv.ID
	if err := link.match.Validate(); err != nil {
		return err
	}
	if err := o.store.SaveMatch(r.ctx, link.match); err != nil {
		return err
	}
	next, err := decision.Transition(inv.ReconStatus, models.StatusAutoLinked)
	if err != nil {
		return err
	}
	inv.ReconStatus = next
	if err := o.store.SaveInvoice(r.ctx, inv); err != nil {
		return err
	}
	r.lockResult(func(res *Result) { res.AutoLinked++ })
	o.log.WithFields(logger.Fields{
		"invoice_id":     inv.ID,
		"transaction_id": link.match.TransactionID,
		"tier":           link.candidate.Tier.String(),
		"score":          link.candidate.Score,
	}).Info("Invoice auto-linked")
	return nil
}

func (o *Orchestrator) linkExpense(r *run, e *models.ManualExpense, link *claimedLink) error {
	link.match.ExpenseID = e.ID
	if err := link.match.Validate(); err != nil {
		return err
	}
	if err := o.store.SaveMatch(r.ctx, link.match); err != nil {
		return err
	}
	next, err := decision.Transition(e.ReconStatus, models.StatusAutoLinked)
	if err != nil {
		return err
	}
	e.ReconStatus = next
	if err := o.store.SaveExpense(r.ctx, e); err != nil {
		return err
	}
	r.lockResult(func(res *Result) { res.AutoLinked++ })
	o.log.WithFields(logger.Fields{
		"expense_id":     e.ID,
		"transaction_id": link.match.TransactionID,
		"tier":           link.candidate.Tier.String(),
		"score":          link.candidate.Score,
	}).Info("Expense auto-linked")
	return nil
}

func (o *Orchestrator) queueReview(r *run, subject matcher.Subject, outcome decision.Outcome) error {
	candidates := outcome.Candidates
	if len(candidates) > o.config.MaxReviewCandidates {
		candidates = candidates[:o.config.MaxReviewCandidates]
	}
	options := make([]models.AssignmentCandidate, len(candidates))
	for i, c := range candidates {
		options[i] = models.AssignmentCandidate{
			TransactionID: c.Transaction.ID,
			Score:         c.Score,
			Explanation:   c.Explanation(),
		}
	}

	pa := models.NewPendingAssignment(r.companyID, options)
	if subject.Kind == matcher.SubjectInvoice {
		pa.InvoiceID = subject.ID
	} else {
		pa.ExpenseID = subject.ID
	}
	if err := o.store.SaveAssignment(r.ctx, pa); err != nil {
		return err
	}
	r.lockResult(func(res *Result) { res.QueuedForReview++ })
	o.log.WithFields(logger.Fields{
		"record_id":  subject.ID,
		"candidates": len(options),
		"reason":     outcome.Reason,
	}).Info("Record queued for review")
	return nil
}

// buildIndex loads the current transaction pool and indexes it. Claims made
// earlier in the run are visible because the pool is reloaded from the
// store.
func (o *Orchestrator) buildIndex(r *run) (*matcher.TransactionIndex, []*models.BankTransaction, error) {
	pool, err := o.store.TransactionsByCompany(r.ctx, r.companyID)
	if err != nil {
		return nil, nil, err
	}
	return matcher.NewTransactionIndex(pool), pool, nil
}

// failRecord isolates one record's failure: counted, logged, optionally
// marking the record FAILED, never aborting the batch.
func (o *Orchestrator) failRecord(r *run, recordID string, cause error, mark func() error) {
	engineErr := apperrors.WrapIfNeeded(cause, apperrors.CategoryMatching, apperrors.CodeMatchingFailed, "processing record")
	engineErr.WithContext("record_id", recordID)
	r.addError(engineErr)
	r.lockResult(func(res *Result) { res.Failed++ })
	if mark != nil {
		if err := mark(); err != nil {
			r.addError(apperrors.WrapIfNeeded(err, apperrors.CategoryStorage, apperrors.CodeStorageFailure, "marking record failed"))
		}
	}
	o.log.WithError(cause).WithField("record_id", recordID).Error("Record failed")
}

func installmentExplanation(plan *models.DeferredPayment, inst *models.DeferredPaymentInstallment) string {
	return fmt.Sprintf("installment %d/%d of plan %s",
		inst.SequenceNumber, plan.InstallmentCount, plan.ID)
}

// Per-run synchronized helpers.

func (r *run) markClaimed(txID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimed[txID] = true
}

func (r *run) isClaimed(txID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claimed[txID]
}

// exclusionsFor snapshots the transactions a record must never consider:
// ones claimed earlier in this run and pairs a reviewer rejected. Handing
// the set to the matcher keeps the cascade intact, so an excluded exact hit
// still falls through to fuzzy ranking over the rest of the pool.
func (r *run) exclusionsFor(recordID string) map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.claimed)+len(r.rejected[recordID]))
	for id := range r.claimed {
		out[id] = true
	}
	for id := range r.rejected[recordID] {
		out[id] = true
	}
	return out
}

func (r *run) addError(err *apperrors.EngineError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Errors = append(r.result.Errors, err)
}

func (r *run) lockResult(fn func(*Result)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.result)
}
