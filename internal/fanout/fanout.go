package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Result is the outcome of one replica's operation in a round.
type Result[T any] struct {
	Index    int
	Replica  string
	Value    T
	Err      error
	Duration time.Duration
}

// Round is the outcome of a whole fan-out round, in replica order.
type Round[T any] struct {
	Results   []Result[T]
	Succeeded int
	Failed    int
}

// Successes returns the values of the operations that succeeded, in replica order.
func (r Round[T]) Successes() []T {
	out := make([]T, 0, r.Succeeded)
	for _, res := range r.Results {
		if res.Err == nil {
			out = append(out, res.Value)
		}
	}
	return out
}

// Errors joins the errors of the failed operations, or returns nil.
func (r Round[T]) Errors() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("replica %s: %w", res.Replica, res.Err))
		}
	}
	return errors.Join(errs...)
}

// ReplicaFunc performs the operation against the replica at index i.
type ReplicaFunc[T any] func(ctx context.Context, i int, replica string) (T, error)

// Options tunes a round.
type Options struct {
	// PerReplicaTimeout bounds each replica's operation. Zero means only the
	// parent context bounds it.
	PerReplicaTimeout time.Duration
}

// Do runs fn against every replica in parallel and returns once every
// operation has finished. There is no early exit on the first success or
// failure; a cancelled parent context surfaces through the operations' own
// errors.
func Do[T any](ctx context.Context, replicas []string, opts Options, fn ReplicaFunc[T]) Round[T] {
	round := Round[T]{Results: make([]Result[T], len(replicas))}

	var wg sync.WaitGroup
	for i, rid := range replicas {
		wg.Add(1)
		go func(i int, rid string) {
			defer wg.Done()

			replicaCtx := ctx
			if opts.PerReplicaTimeout > 0 {
				var cancel context.CancelFunc
				replicaCtx, cancel = context.WithTimeout(ctx, opts.PerReplicaTimeout)
				defer cancel()
			}

			start := time.Now()
			value, err := fn(replicaCtx, i, rid)
			// Each goroutine owns its slot; no lock needed.
			round.Results[i] = Result[T]{
				Index:    i,
				Replica:  rid,
				Value:    value,
				Err:      err,
				Duration: time.Since(start),
			}
		}(i, rid)
	}
	wg.Wait()

	for _, res := range round.Results {
		if res.Err == nil {
			round.Succeeded++
		} else {
			round.Failed++
		}
	}
	return round
}
