package induce

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	apperrors "geoconflict/internal/errors"
	"geoconflict/internal/fanout"
	"geoconflict/internal/record"
	"geoconflict/internal/replica"
)

const instrumentationName = "geoconflict/internal/induce"

// Outcome is how an induction call ended.
type Outcome int

const (
	// Conflict means at least two replicas committed the raced write.
	Conflict Outcome = iota
	// DeadlineExceeded means the attempt or time bound was hit first.
	DeadlineExceeded
)

// String returns the string representation of Outcome.
func (o Outcome) String() string {
	switch o {
	case Conflict:
		return "conflict"
	case DeadlineExceeded:
		return "deadline_exceeded"
	default:
		return "unknown"
	}
}

// Result describes the round that ended an induction call.
type Result struct {
	Outcome  Outcome
	Kind     record.OperationKind
	Attempts int
	Key      record.Key
	// Committed holds the writes of the final round that committed, in
	// replica order. Only set for Conflict.
	Committed []record.Record
	// Losses counts benign race losses in the final round.
	Losses int
}

// Event returns the conflict as seen by the first committing replica: its
// write is committed, the last is incoming, the rest are siblings.
func (r Result) Event() record.ConflictEvent {
	if len(r.Committed) < 2 {
		return record.ConflictEvent{Kind: r.Kind}
	}
	committed := r.Committed[0]
	last := len(r.Committed) - 1
	return record.ConflictEvent{
		Incoming:  r.Committed[last],
		Committed: &committed,
		Siblings:  append([]record.Record(nil), r.Committed[1:last]...),
		Kind:      r.Kind,
	}
}

// OrderingFunc returns the ordering value each replica writes in a round.
// Values must be pairwise distinct.
type OrderingFunc func(round, replicas int) []int64

// FixedOrdering assigns values[i] to replica i in every round.
func FixedOrdering(values ...int64) OrderingFunc {
	return func(int, int) []int64 {
		return append([]int64(nil), values...)
	}
}

// Options tunes an Engine.
type Options struct {
	// MaxAttempts bounds the number of rounds. Zero means unbounded; the
	// context still bounds the call.
	MaxAttempts int
	// PollInterval is the visibility poll delay of update induction.
	PollInterval time.Duration
	// PerReplicaTimeout bounds each replica operation in a round.
	PerReplicaTimeout time.Duration
	// Ordering overrides the generator's regionally distinct values.
	Ordering OrderingFunc
	Logger   *log.Logger
}

// Engine races writes to one identity across replicas until at least two of
// them commit. One engine runs one round at a time; run independent engines to
// race independent identities concurrently.
type Engine struct {
	replicas []replica.Endpoint
	regions  []string
	gen      *record.Generator
	opts     Options
	logger   *log.Logger

	tracer trace.Tracer
	rounds metric.Int64Counter
}

// NewEngine creates an engine over replicas, drawing records from gen.
func NewEngine(replicas []replica.Endpoint, gen *record.Generator, opts Options) (*Engine, error) {
	if len(replicas) < 2 {
		return nil, fmt.Errorf("induction needs at least 2 replicas, got %d", len(replicas))
	}
	if gen == nil {
		return nil, fmt.Errorf("record generator is required")
	}
	if opts.MaxAttempts < 0 {
		return nil, fmt.Errorf("max attempts must not be negative")
	}
	if opts.Ordering == nil {
		if len(replicas) > record.MaxOrderingValue {
			return nil, fmt.Errorf("%d replicas exceed the %d distinct ordering values the generator draws from; pass an Ordering",
				len(replicas), record.MaxOrderingValue)
		}
		opts.Ordering = func(_, n int) []int64 { return gen.DistinctOrderingValues(n) }
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	rounds, err := otel.Meter(instrumentationName).Int64Counter(
		"geoconflict.induce.rounds",
		metric.WithDescription("Induction rounds raced, by operation kind and result."),
	)
	if err != nil {
		return nil, fmt.Errorf("create rounds counter: %w", err)
	}

	return &Engine{
		replicas: replicas,
		regions:  replica.Regions(replicas),
		gen:      gen,
		opts:     opts,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		rounds:   rounds,
	}, nil
}

// InduceInsertConflict races a create of a fresh identity on every replica,
// each with a distinct ordering value, until at least two commit. template
// supplies the payload; its id is replaced every round.
func (e *Engine) InduceInsertConflict(ctx context.Context, template record.Record) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "induce.InduceInsertConflict")
	defer span.End()

	res, err := e.loop(ctx, record.Create, func(ctx context.Context, attempt int) (roundResult, error) {
		base, err := e.gen.Renew(template)
		if err != nil {
			return roundResult{}, err
		}
		return e.race(ctx, record.Create, attempt, base, func(ctx context.Context, ep replica.Endpoint, rec record.Record) (record.Record, error) {
			res, err := ep.Create(ctx, rec)
			return res.Record, err
		})
	})
	endSpan(span, res, err)
	return res, err
}

// InduceUpdateConflict creates a fresh identity from seed on the first
// replica, waits until every replica serves it, then races a replace from
// every replica against the observed version token until at least two commit.
func (e *Engine) InduceUpdateConflict(ctx context.Context, seed record.Record) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "induce.InduceUpdateConflict")
	defer span.End()

	res, err := e.loop(ctx, record.Replace, func(ctx context.Context, attempt int) (roundResult, error) {
		base, err := e.gen.Renew(seed)
		if err != nil {
			return roundResult{}, err
		}
		designated := e.replicas[0]
		base.OriginRegion = designated.Region()
		if _, err := designated.Create(ctx, base); err != nil {
			return roundResult{}, fmt.Errorf("create seed %s in %s: %w", base.Key(), designated.Region(), err)
		}
		observed, err := replica.WaitConverged(ctx, e.replicas, base.Key(), e.opts.PollInterval)
		if err != nil {
			return roundResult{}, err
		}
		return e.race(ctx, record.Replace, attempt, observed, func(ctx context.Context, ep replica.Endpoint, rec record.Record) (record.Record, error) {
			res, err := ep.Replace(ctx, rec, observed.VersionToken)
			return res.Record, err
		})
	})
	endSpan(span, res, err)
	return res, err
}

type roundResult struct {
	key       record.Key
	committed []record.Record
	losses    int
}

type roundFunc func(ctx context.Context, attempt int) (roundResult, error)

// loop repeats rounds until one yields a conflict, a bound is hit, or a round
// fails fatally.
func (e *Engine) loop(ctx context.Context, kind record.OperationKind, round roundFunc) (Result, error) {
	for attempt := 1; ; attempt++ {
		if e.opts.MaxAttempts > 0 && attempt > e.opts.MaxAttempts {
			return e.deadline(kind, attempt-1, fmt.Errorf("no conflict after %d attempts", attempt-1))
		}
		if err := ctx.Err(); err != nil {
			return e.deadline(kind, attempt-1, err)
		}

		rr, err := round(ctx, attempt)
		if err != nil {
			if ctx.Err() != nil {
				return e.deadline(kind, attempt, ctx.Err())
			}
			return Result{Kind: kind, Attempts: attempt}, fmt.Errorf("%s induction round %d: %w", kind, attempt, err)
		}

		conflict := len(rr.committed) >= 2
		e.rounds.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind.String()),
			attribute.Bool("conflict", conflict),
		))
		if conflict {
			e.logger.Printf("[induce] %s round %d on %s: %d of %d replicas committed, conflict found",
				kind, attempt, rr.key, len(rr.committed), len(e.replicas))
			return Result{
				Outcome:   Conflict,
				Kind:      kind,
				Attempts:  attempt,
				Key:       rr.key,
				Committed: rr.committed,
				Losses:    rr.losses,
			}, nil
		}
		e.logger.Printf("[induce] %s round %d on %s: %d of %d replicas committed, replication won the race; retrying",
			kind, attempt, rr.key, len(rr.committed), len(e.replicas))
	}
}

func (e *Engine) deadline(kind record.OperationKind, attempts int, cause error) (Result, error) {
	e.logger.Printf("[induce] %s induction gave up after %d attempts: %v", kind, attempts, cause)
	return Result{Outcome: DeadlineExceeded, Kind: kind, Attempts: attempts},
		apperrors.Wrap(apperrors.CodeDeadlineExceeded, fmt.Sprintf("%s induction", kind), cause)
}

type writeFunc func(ctx context.Context, ep replica.Endpoint, rec record.Record) (record.Record, error)

// race runs one round: one write per replica, all in parallel, counted only
// once every write finished.
func (e *Engine) race(ctx context.Context, kind record.OperationKind, attempt int, base record.Record, write writeFunc) (roundResult, error) {
	ctx, span := e.tracer.Start(ctx, "induce.round", trace.WithAttributes(
		attribute.String("kind", kind.String()),
		attribute.Int("attempt", attempt),
		attribute.String("record.key", base.Key().String()),
	))
	defer span.End()

	orderings := e.opts.Ordering(attempt, len(e.replicas))
	if len(orderings) < len(e.replicas) {
		return roundResult{}, fmt.Errorf("ordering yielded %d values for %d replicas", len(orderings), len(e.replicas))
	}

	round := fanout.Do(ctx, e.regions, fanout.Options{PerReplicaTimeout: e.opts.PerReplicaTimeout},
		func(ctx context.Context, i int, region string) (record.Record, error) {
			rec := base
			rec.OrderingValue = orderings[i]
			rec.OriginRegion = region
			return write(ctx, e.replicas[i], rec)
		})

	rr := roundResult{key: base.Key(), committed: round.Successes()}
	for _, res := range round.Results {
		switch {
		case res.Err == nil:
		case apperrors.IsBenignLoss(res.Err):
			rr.losses++
		default:
			span.RecordError(res.Err)
			return rr, fmt.Errorf("%s in %s: %w", kind, res.Replica, res.Err)
		}
	}
	span.SetAttributes(attribute.Int("committed", len(rr.committed)), attribute.Int("losses", rr.losses))
	return rr, nil
}

func endSpan(span trace.Span, res Result, err error) {
	outcome := res.Outcome.String()
	if err != nil && res.Outcome != DeadlineExceeded {
		outcome = "failed"
	}
	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("attempts", res.Attempts),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
