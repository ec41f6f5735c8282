package batch

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"cfdi-reconciliation-engine/internal/semantic"
)

// guardedJudge wraps the semantic judge with the run-wide concurrency cap
// and the transient-failure retry ladder. Permanent failures and exhausted
// retries surface as errors; the similarity scorer then falls back to its
// lexical score, so a judge outage degrades accuracy instead of failing
// records.
type guardedJudge struct {
	inner   semantic.Judge
	sem     *semaphore.Weighted
	backoff []time.Duration
	sleep   func(context.Context, time.Duration) error
	calls   atomic.Int64
}

func newGuardedJudge(inner semantic.Judge, concurrency int, backoff []time.Duration) *guardedJudge {
	return &guardedJudge{
		inner:   inner,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		backoff: backoff,
		sleep:   sleepCtx,
	}
}

// Similarity implements semantic.Judge.
func (g *guardedJudge) Similarity(ctx context.Context, a, b string) (float64, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer g.sem.Release(1)

	g.calls.Add(1)
	score, err := g.inner.Similarity(ctx, a, b)
	if err == nil || !semantic.IsTransient(err) {
		return score, err
	}

	for _, wait := range g.backoff {
		if sleepErr := g.sleep(ctx, wait); sleepErr != nil {
			return 0, sleepErr
		}
		g.calls.Add(1)
		score, err = g.inner.Similarity(ctx, a, b)
		if err == nil || !semantic.IsTransient(err) {
			return score, err
		}
	}
	return 0, err
}

// Calls returns the number of upstream service calls, retries included.
func (g *guardedJudge) Calls() int {
	return int(g.calls.Load())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
