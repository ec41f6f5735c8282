// Package matcher implements the first two tiers of the cascading matcher:
// the exact-field lookup (Tier 0) and the tolerance-based weighted composite
// ranker (Tier 1). The semantic tier lives inside the concept similarity
// scorer and is reached from here only through it.
package matcher

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Weights defines the relative importance of the Tier 1 composite criteria.
// They must sum to 1.
type Weights struct {
	RFCWeight     float64 `json:"rfc_weight"`
	AmountWeight  float64 `json:"amount_weight"`
	ConceptWeight float64 `json:"concept_weight"`
	DateWeight    float64 `json:"date_weight"`
	NameWeight    float64 `json:"name_weight"`
}

// Validate checks individual ranges and the unit sum.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"rfc":     w.RFCWeight,
		"amount":  w.AmountWeight,
		"concept": w.ConceptWeight,
		"date":    w.DateWeight,
		"name":    w.NameWeight,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s weight must be in [0,1], got %f", name, v)
		}
	}
	total := w.RFCWeight + w.AmountWeight + w.ConceptWeight + w.DateWeight + w.NameWeight
	if math.Abs(total-1.0) > 0.001 {
		return fmt.Errorf("weights must sum to 1.0, got %f", total)
	}
	return nil
}

// Config holds every tolerance and threshold of the exact and fuzzy tiers.
// All values are overridable through configuration; the defaults implement
// the engine's documented behavior.
type Config struct {
	// ExactAmountTolerance is the absolute amount difference (exclusive)
	// Tier 0 accepts, absorbing rounding between statement and invoice.
	ExactAmountTolerance decimal.Decimal `json:"exact_amount_tolerance"`

	// ExactDateWindowDays is the ± day window for Tier 0.
	ExactDateWindowDays int `json:"exact_date_window_days"`

	// FuzzyAmountTolerancePercent is the hard amount limit for Tier 1;
	// candidates differing by more are excluded outright.
	FuzzyAmountTolerancePercent float64 `json:"fuzzy_amount_tolerance_percent"`

	// FuzzyDateWindowDays is the ± day window for Tier 1.
	FuzzyDateWindowDays int `json:"fuzzy_date_window_days"`

	// AutoLinkThreshold is the minimum composite score (0-100) eligible
	// for automatic linking.
	AutoLinkThreshold float64 `json:"auto_link_threshold"`

	// ReviewThreshold is the minimum composite score eligible for human
	// review; below it a candidate is discarded.
	ReviewThreshold float64 `json:"review_threshold"`

	// DisambiguationMargin is the minimum lead (in points) the top
	// candidate needs over the runner-up before auto-linking.
	DisambiguationMargin float64 `json:"disambiguation_margin"`

	// MaxCandidates caps how many ranked candidates Tier 1 returns per
	// record; every candidate inside the windows is still scored.
	MaxCandidates int `json:"max_candidates"`

	Weights Weights `json:"weights"`
}

// DefaultConfig returns the documented defaults: $1.00/±1 day exact
// tolerance, ±10%/±15 day fuzzy windows, 85/50 thresholds, 5-point margin.
func DefaultConfig() *Config {
	return &Config{
		ExactAmountTolerance:        decimal.NewFromInt(1),
		ExactDateWindowDays:         1,
		FuzzyAmountTolerancePercent: 10.0,
		FuzzyDateWindowDays:         15,
		AutoLinkThreshold:           85,
		ReviewThreshold:             50,
		DisambiguationMargin:        5,
		MaxCandidates:               20,
		Weights: Weights{
			RFCWeight:     0.35,
			AmountWeight:  0.25,
			ConceptWeight: 0.20,
			DateWeight:    0.10,
			NameWeight:    0.10,
		},
	}
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.ExactAmountTolerance.IsNegative() {
		return fmt.Errorf("exact amount tolerance cannot be negative: %s", c.ExactAmountTolerance)
	}
	if c.ExactDateWindowDays < 0 {
		return fmt.Errorf("exact date window cannot be negative: %d", c.ExactDateWindowDays)
	}
	if c.FuzzyAmountTolerancePercent <= 0 || c.FuzzyAmountTolerancePercent > 100 {
		return fmt.Errorf("fuzzy amount tolerance must be in (0,100]: %f", c.FuzzyAmountTolerancePercent)
	}
	if c.FuzzyDateWindowDays <= 0 {
		return fmt.Errorf("fuzzy date window must be positive: %d", c.FuzzyDateWindowDays)
	}
	if c.ReviewThreshold < 0 || c.AutoLinkThreshold > 100 || c.ReviewThreshold >= c.AutoLinkThreshold {
		return fmt.Errorf("thresholds must satisfy 0 <= review < auto-link <= 100, got %f/%f",
			c.ReviewThreshold, c.AutoLinkThreshold)
	}
	if c.DisambiguationMargin < 0 {
		return fmt.Errorf("disambiguation margin cannot be negative: %f", c.DisambiguationMargin)
	}
	if c.MaxCandidates <= 0 {
		return fmt.Errorf("max candidates must be positive: %d", c.MaxCandidates)
	}
	return c.Weights.Validate()
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

// FuzzyAmountBounds returns the inclusive amount range Tier 1 considers for
// the given record amount.
func (c *Config) FuzzyAmountBounds(amount decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	tolerance := amount.Abs().Mul(decimal.NewFromFloat(c.FuzzyAmountTolerancePercent / 100.0))
	return amount.Abs().Sub(tolerance), amount.Abs().Add(tolerance)
}

// String returns a human-readable description of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Exact: <%s/±%dd, Fuzzy: ±%.1f%%/±%dd, AutoLink: %.0f, Review: %.0f, Margin: %.0f}",
		c.ExactAmountTolerance, c.ExactDateWindowDays, c.FuzzyAmountTolerancePercent,
		c.FuzzyDateWindowDays, c.AutoLinkThreshold, c.ReviewThreshold, c.DisambiguationMargin)
}
