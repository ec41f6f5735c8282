// Package semantic abstracts the external text-comparison service used to
// break ties the lexical scorer cannot resolve. Implementations make
// network calls; tests inject the deterministic Fake.
package semantic

import (
	"context"
	"sync"
	"sync/atomic"
)

// Judge reports how likely two concept descriptions refer to the same
// real-world purchase, as a similarity in [0,1].
type Judge interface {
	Similarity(ctx context.Context, a, b string) (float64, error)
}

// JudgeFunc adapts a function to the Judge interface.
type JudgeFunc func(ctx context.Context, a, b string) (float64, error)

// Similarity implements Judge.
func (f JudgeFunc) Similarity(ctx context.Context, a, b string) (float64, error) {
	return f(ctx, a, b)
}

// Fake is a deterministic Judge for tests. It returns a fixed score (or a
// per-pair override) and counts calls, so tests can assert the scorer only
// reaches the semantic tier inside the ambiguous band.
type Fake struct {
	Score float64
	Err   error

	mu        sync.Mutex
	overrides map[string]float64
	calls     atomic.Int64
}

// NewFake returns a Fake that answers every call with score.
func NewFake(score float64) *Fake {
	return &Fake{Score: score}
}

// SetPair fixes the answer for a specific unordered text pair.
func (f *Fake) SetPair(a, b string, score float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.overrides == nil {
		f.overrides = make(map[string]float64)
	}
	f.overrides[pairKey(a, b)] = score
}

// Similarity implements Judge.
func (f *Fake) Similarity(_ context.Context, a, b string) (float64, error) {
	f.calls.Add(1)
	if f.Err != nil {
		return 0, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.overrides[pairKey(a, b)]; ok {
		return s, nil
	}
	return f.Score, nil
}

// Calls returns how many times Similarity was invoked.
func (f *Fake) Calls() int {
	return int(f.calls.Load())
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x00" + b
}
