// Package batch orchestrates a full reconciliation run for one company:
// the cascading matcher over invoices and manual expenses, deferred payment
// detection and tracking, and the bookkeeping around cancelled invoices.
// One record failing never aborts the batch; failures are isolated,
// recorded, and reported.
package batch

import (
	"fmt"
	"time"
)

// Config holds batch-level tunables. Matching and deferred tolerances live
// in their own packages; this config only governs orchestration.
type Config struct {
	// RecordConcurrency is how many records are scored in parallel.
	RecordConcurrency int `json:"record_concurrency"`

	// SemanticConcurrency caps in-flight similarity service calls across
	// the whole run, independent of record concurrency.
	SemanticConcurrency int `json:"semantic_concurrency"`

	// RetryBackoff is the wait schedule for transient similarity service
	// failures; its length is the retry count.
	RetryBackoff []time.Duration `json:"retry_backoff"`

	// MaxReviewCandidates caps how many options a pending assignment
	// carries.
	MaxReviewCandidates int `json:"max_review_candidates"`
}

// DefaultConfig returns the orchestration defaults: three concurrent
// semantic calls and a 10s/30s/60s retry ladder.
func DefaultConfig() *Config {
	return &Config{
		RecordConcurrency:   8,
		SemanticConcurrency: 3,
		RetryBackoff:        []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second},
		MaxReviewCandidates: 5,
	}
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.RecordConcurrency < 1 {
		return fmt.Errorf("record concurrency must be at least 1, got %d", c.RecordConcurrency)
	}
	if c.SemanticConcurrency < 1 {
		return fmt.Errorf("semantic concurrency must be at least 1, got %d", c.SemanticConcurrency)
	}
	for _, d := range c.RetryBackoff {
		if d < 0 {
			return fmt.Errorf("retry backoff cannot be negative: %s", d)
		}
	}
	if c.MaxReviewCandidates < 1 {
		return fmt.Errorf("max review candidates must be at least 1, got %d", c.MaxReviewCandidates)
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.RetryBackoff = append([]time.Duration(nil), c.RetryBackoff...)
	return &out
}
