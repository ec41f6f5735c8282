// Package decision turns ranked match candidates into lifecycle decisions.
// The policy is a small explicit state machine over reconciliation statuses:
// records enter NEW, and each run moves them to AUTO_LINKED, PENDING_REVIEW,
// or NO_MATCH. A human rejection returns a record to NEW for the next run.
package decision

import (
	"fmt"

	"cfdi-reconciliation-engine/internal/matcher"
	"cfdi-reconciliation-engine/internal/models"
)

// Action is what the orchestrator must do for a record after a decision.
type Action int

const (
	// ActionNone leaves the record as decided with no side effects.
	ActionNone Action = iota

	// ActionLink records an accepted match and claims the transaction.
	ActionLink

	// ActionQueueReview files a pending assignment for a human.
	ActionQueueReview

	// ActionCreateExpense creates a review-flagged manual expense for an
	// invoice no transaction could cover.
	ActionCreateExpense
)

// String returns the string representation of the action.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionLink:
		return "link"
	case ActionQueueReview:
		return "queue_review"
	case ActionCreateExpense:
		return "create_expense"
	default:
		return "unknown"
	}
}

// transitions is the allowed status graph. Every status change the engine
// performs goes through CanTransition, so an illegal move is a bug surfaced
// loudly rather than silent state corruption.
var transitions = map[models.ReconciliationStatus][]models.ReconciliationStatus{
	models.StatusNew: {
		models.StatusAutoLinked,
		models.StatusPendingReview,
		models.StatusNoMatch,
		models.StatusDeferred,
		models.StatusFailed,
	},
	models.StatusPendingReview: {
		models.StatusAutoLinked, // human accepted a candidate
		models.StatusNew,        // human rejected all candidates
	},
	models.StatusAutoLinked: {
		models.StatusFailed, // backing invoice cancelled after linking
	},
	models.StatusNoMatch: {
		models.StatusNew, // re-examined on a later run with fresh data
	},
	models.StatusDeferred: {
		models.StatusSatisfied,
		models.StatusNew, // plan dissolved
	},
	models.StatusFailed: {
		models.StatusNew, // input corrected upstream
	},
}

// CanTransition reports whether moving a record from one status to another
// is legal.
func CanTransition(from, to models.ReconciliationStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition validates and returns the target status, or an error naming
// the illegal move.
func Transition(from, to models.ReconciliationStatus) (models.ReconciliationStatus, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("illegal status transition %s -> %s", from, to)
	}
	return to, nil
}

// Outcome is the policy's verdict for one record.
type Outcome struct {
	// Action tells the orchestrator what side effect to perform.
	Action Action

	// Status is the record's next reconciliation status.
	Status models.ReconciliationStatus

	// Best is set for ActionLink.
	Best *matcher.Candidate

	// Candidates holds the review-eligible options, best first, for
	// ActionQueueReview.
	Candidates []matcher.Candidate

	// Reason is a one-line human-readable explanation of the verdict.
	Reason string
}

// Policy applies the auto-link and review thresholds to ranked candidates.
type Policy struct {
	config *matcher.Config
}

// NewPolicy creates a policy over the matcher configuration that produced
// the candidates.
func NewPolicy(config *matcher.Config) *Policy {
	if config == nil {
		config = matcher.DefaultConfig()
	}
	return &Policy{config: config}
}

// Decide maps ranked candidates to an outcome:
//
//   - top score >= auto-link threshold with a clear lead: link it
//   - top score >= auto-link threshold but a runner-up within the
//     disambiguation margin: a human picks
//   - top score in [review, auto-link): a human picks
//   - nothing at or above the review threshold: no match
//
// An invoice with no match becomes a review-flagged manual expense so the
// books still carry the spend; an expense with no match just waits.
func (p *Policy) Decide(subject matcher.Subject, candidates []matcher.Candidate) Outcome {
	eligible := p.reviewEligible(candidates)
	if len(eligible) == 0 {
		return p.noMatch(subject)
	}

	top := eligible[0]
	if top.Score >= p.config.AutoLinkThreshold {
		if len(eligible) == 1 || top.Score-eligible[1].Score >= p.config.DisambiguationMargin {
			return Outcome{
				Action: ActionLink,
				Status: models.StatusAutoLinked,
				Best:   &top,
				Reason: fmt.Sprintf("top candidate %s scored %.1f with a clear lead", top.Transaction.ID, top.Score),
			}
		}
		return Outcome{
			Action:     ActionQueueReview,
			Status:     models.StatusPendingReview,
			Candidates: eligible,
			Reason: fmt.Sprintf("top candidates within %.0f points (%.1f vs %.1f)",
				p.config.DisambiguationMargin, top.Score, eligible[1].Score),
		}
	}

	return Outcome{
		Action:     ActionQueueReview,
		Status:     models.StatusPendingReview,
		Candidates: eligible,
		Reason:     fmt.Sprintf("best candidate %s scored %.1f, below auto-link", top.Transaction.ID, top.Score),
	}
}

func (p *Policy) noMatch(subject matcher.Subject) Outcome {
	out := Outcome{
		Action: ActionNone,
		Status: models.StatusNoMatch,
		Reason: "no candidate reached the review threshold",
	}
	if subject.Kind == matcher.SubjectInvoice {
		out.Action = ActionCreateExpense
	}
	return out
}

// reviewEligible drops candidates below the review threshold. Input is
// already sorted best first.
func (p *Policy) reviewEligible(candidates []matcher.Candidate) []matcher.Candidate {
	for i, c := range candidates {
		if c.Score < p.config.ReviewThreshold {
			return candidates[:i]
		}
	}
	return candidates
}
