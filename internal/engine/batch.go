package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ItemResult is the outcome of one analysis in a batch.
type ItemResult struct {
	Index   int     `json:"index"`
	Outcome Outcome `json:"outcome"`
	Err     error   `json:"-"`
}

// AnalyzeBatch analyzes items on up to Config.Workers goroutines, throttled
// by Config.RateLimit when set. A failing item does not stop the others.
// Cancellation is checked before each item starts; items not started when ctx
// ends report ctx's error and are never appended. Results keep input order.
func (e *Engine) AnalyzeBatch(ctx context.Context, items []Analysis) []ItemResult {
	results := make([]ItemResult, len(items))
	for i := range results {
		results[i].Index = i
	}

	var limiter *rate.Limiter
	if e.cfg.RateLimit > 0 {
		burst := e.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(e.cfg.RateLimit), burst)
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i := range items {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				markCancelled(results[i:], err)
				break
			}
		}
		if err := ctx.Err(); err != nil {
			markCancelled(results[i:], err)
			break
		}
		g.Go(func() error {
			out, err := e.Analyze(ctx, items[i])
			results[i].Outcome = out
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		e.logger.Warn("engine: batch finished with failures", "items", len(items), "failed", failed)
	}
	return results
}

func markCancelled(rs []ItemResult, err error) {
	for i := range rs {
		rs[i].Err = fmt.Errorf("engine: analyze: %w", err)
	}
}
