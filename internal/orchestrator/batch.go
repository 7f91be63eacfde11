package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BatchResult is the outcome of one query of a batch.
type BatchResult struct {
	Query  string  `json:"query"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// RunBatch runs queries concurrently with at most limit in flight and
// returns their results in input order. Queries are independent: one
// failing does not stop the others. The error is non-nil only when ctx ends.
func (p *Pipeline) RunBatch(ctx context.Context, queries []Query, limit int) ([]BatchResult, error) {
	if limit <= 0 {
		limit = 4
	}

	results := make([]BatchResult, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, q := range queries {
		g.Go(func() error {
			results[i].Query = q.Text
			if err := gctx.Err(); err != nil {
				results[i].Error = err.Error()
				return err
			}
			res, err := p.Run(gctx, q)
			if err != nil {
				results[i].Error = err.Error()
				// Only the caller's context ending aborts the batch.
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			results[i].Result = res
			return nil
		})
	}

	err := g.Wait()
	return results, err
}
