package runner

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Request describes one execution in a batch.
type Request struct {
	Script  string
	Args    []string
	Dir     string
	Timeout time.Duration
}

// Outcome pairs a batch request with its result. Exactly one of Result
// and Err is set.
type Outcome struct {
	Request Request
	Result  *Result
	Err     error
}

// Batch executes reqs concurrently, at most limit at a time (no limit when
// limit <= 0), and returns one Outcome per request in request order. A
// failing request does not stop the others.
func (r *Runner) Batch(ctx context.Context, reqs []Request, limit int) []Outcome {
	out := make([]Outcome, len(reqs))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, req := range reqs {
		g.Go(func() error {
			res, err := r.Execute(ctx, req.Script, req.Args, WithDir(req.Dir), WithTimeout(req.Timeout))
			out[i] = Outcome{Request: req, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
