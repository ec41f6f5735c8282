// Package deferred detects invoices paid through fixed monthly installments
// (the "meses sin intereses" pattern), builds penny-perfect payment
// schedules for them, and tracks incoming charges against the schedule.
package deferred

import "fmt"

// DefaultCandidateCounts are the installment term lengths offered by Mexican
// card programs.
var DefaultCandidateCounts = []int{3, 6, 9, 12, 18, 24}

// Config holds detection and tracking tunables.
type Config struct {
	// CandidateCounts are the term lengths the detector tries.
	CandidateCounts []int `json:"candidate_counts"`

	// InstallmentTolerancePercent is how far an observed charge may deviate
	// from the theoretical per-installment amount.
	InstallmentTolerancePercent float64 `json:"installment_tolerance_percent"`

	// MinObservedCharges is how many matching charges must already exist
	// before a plan is inferred. At 1 the first installment charge alone is
	// enough; the cadence signal scores neutral until a second arrives.
	MinObservedCharges int `json:"min_observed_charges"`

	// SearchWindowDays bounds how long after the invoice issue date a
	// charge still counts as detection evidence. Charges predating the
	// invoice never do.
	SearchWindowDays int `json:"search_window_days"`

	// AmountWeight and CadenceWeight combine the two detection signals.
	// They must sum to 1.
	AmountWeight  float64 `json:"amount_weight"`
	CadenceWeight float64 `json:"cadence_weight"`

	// ConfidenceThreshold is the minimum combined confidence to create a
	// plan.
	ConfidenceThreshold float64 `json:"confidence_threshold"`

	// MatchWindowDays is the ± window around an installment due date in
	// which a charge can satisfy it.
	MatchWindowDays int `json:"match_window_days"`

	// GraceDays is how long past due an installment may run before it is
	// flagged overdue.
	GraceDays int `json:"grace_days"`
}

// DefaultConfig returns the documented defaults: 2% installment tolerance,
// detection from a single observed charge inside a 180 day search window,
// 0.7/0.3 amount/cadence weighting, 0.8 confidence floor, ±7 day match
// window, 10 day grace.
func DefaultConfig() *Config {
	return &Config{
		CandidateCounts:             append([]int(nil), DefaultCandidateCounts...),
		InstallmentTolerancePercent: 2.0,
		MinObservedCharges:          1,
		SearchWindowDays:            180,
		AmountWeight:                0.7,
		CadenceWeight:               0.3,
		ConfidenceThreshold:         0.8,
		MatchWindowDays:             7,
		GraceDays:                   10,
	}
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if len(c.CandidateCounts) == 0 {
		return fmt.Errorf("candidate counts cannot be empty")
	}
	for _, n := range c.CandidateCounts {
		if n < 2 {
			return fmt.Errorf("candidate count must be at least 2, got %d", n)
		}
	}
	if c.InstallmentTolerancePercent <= 0 {
		return fmt.Errorf("installment tolerance must be positive: %f", c.InstallmentTolerancePercent)
	}
	if c.MinObservedCharges < 1 {
		return fmt.Errorf("min observed charges must be at least 1, got %d", c.MinObservedCharges)
	}
	if c.SearchWindowDays <= 0 {
		return fmt.Errorf("search window must be positive: %d", c.SearchWindowDays)
	}
	if c.AmountWeight < 0 || c.CadenceWeight < 0 || c.AmountWeight+c.CadenceWeight < 0.999 || c.AmountWeight+c.CadenceWeight > 1.001 {
		return fmt.Errorf("amount and cadence weights must sum to 1.0, got %f", c.AmountWeight+c.CadenceWeight)
	}
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be in (0,1]: %f", c.ConfidenceThreshold)
	}
	if c.MatchWindowDays <= 0 {
		return fmt.Errorf("match window must be positive: %d", c.MatchWindowDays)
	}
	if c.GraceDays < 0 {
		return fmt.Errorf("grace days cannot be negative: %d", c.GraceDays)
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.CandidateCounts = append([]int(nil), c.CandidateCounts...)
	return &out
}
