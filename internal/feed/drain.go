package feed

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	apperrors "geoconflict/internal/errors"
	"geoconflict/internal/record"
	"geoconflict/internal/replica"
	"geoconflict/internal/resolve"
)

var tracer = otel.Tracer("geoconflict/internal/feed")

// DefaultPageSize is the number of feed entries fetched per page.
const DefaultPageSize = 100

// Stats summarizes one drain pass.
type Stats struct {
	Seen     int // feed entries enumerated
	Replaced int // entries whose write was installed
	Deleted  int // entries resolved by a tombstone
	Kept     int // entries where the committed revision already won
	Removed  int // entries removed from the feed
}

func (s Stats) String() string {
	return fmt.Sprintf("seen=%d replaced=%d deleted=%d kept=%d removed=%d",
		s.Seen, s.Replaced, s.Deleted, s.Kept, s.Removed)
}

// Drainer resolves conflicts the store queued for manual resolution.
type Drainer struct {
	ep       replica.FeedEndpoint
	policy   resolve.Policy
	pageSize int
	logger   *log.Logger
}

// Option configures a Drainer.
type Option func(*Drainer)

// WithPolicy overrides the resolution rules. The default is CustomMerge:
// creates keep the highest ordering value, replaces the lowest, and deletes
// always win.
func WithPolicy(p resolve.Policy) Option {
	return func(d *Drainer) { d.policy = p }
}

// WithPageSize sets the feed page size.
func WithPageSize(n int) Option {
	return func(d *Drainer) { d.pageSize = n }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(d *Drainer) { d.logger = l }
}

// NewDrainer creates a drainer that reads the feed of ep and installs
// winners through it.
func NewDrainer(ep replica.FeedEndpoint, opts ...Option) *Drainer {
	d := &Drainer{
		ep:       ep,
		policy:   resolve.CustomMerge,
		pageSize: DefaultPageSize,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DrainConflictFeed enumerates every outstanding conflict once, resolves it
// against the committed revision and removes it. Redelivered or already
// resolved entries resolve to NoOp and are simply removed.
func (d *Drainer) DrainConflictFeed(ctx context.Context) (stats Stats, err error) {
	ctx, span := tracer.Start(ctx, "feed.DrainConflictFeed")
	defer span.End()
	defer func() {
		span.SetAttributes(
			attribute.String("region", d.ep.Region()),
			attribute.Int("seen", stats.Seen),
			attribute.Int("removed", stats.Removed),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if d.policy == resolve.Manual {
		return stats, fmt.Errorf("drain: %w", resolve.ErrManualPolicy)
	}

	for c, err := range d.ep.Conflicts(ctx, d.pageSize) {
		if err != nil {
			return stats, fmt.Errorf("read conflict feed: %w", err)
		}
		stats.Seen++

		outcome, err := d.resolveOne(ctx, c)
		if err != nil {
			return stats, fmt.Errorf("resolve conflict %s: %w", c.ID, err)
		}
		switch {
		case outcome.Action == resolve.Delete:
			stats.Deleted++
		case outcome.Action == resolve.NoOp:
			stats.Kept++
		default:
			stats.Replaced++
		}

		if err := d.ep.DeleteConflict(ctx, c.ID); err != nil {
			return stats, fmt.Errorf("remove conflict %s: %w", c.ID, err)
		}
		stats.Removed++
	}

	d.logger.Printf("[%s] drained conflict feed: %s", d.ep.Region(), stats)
	return stats, nil
}

func (d *Drainer) resolveOne(ctx context.Context, c record.Conflict) (resolve.Outcome, error) {
	event := record.ConflictEvent{Incoming: c.Content, Kind: c.Kind}

	current, err := d.ep.ReadCurrent(ctx, c.Content.Key())
	switch {
	case err == nil:
		event.Committed = &current
	case apperrors.CodeOf(err) == apperrors.CodeNotFound:
	default:
		return resolve.Outcome{}, fmt.Errorf("read committed %s: %w", c.Content.Key(), err)
	}

	outcome, err := resolve.Resolve(event, d.policy)
	if err != nil {
		return resolve.Outcome{}, err
	}
	// A committed tombstone already is the outcome of a delete.
	if outcome.Action == resolve.Delete && event.Committed != nil && event.Committed.Deleted {
		d.logger.Printf("[%s] conflict %s (%s of %s): already deleted", d.ep.Region(), c.ID, c.Kind, c.Content.Key())
		return outcome, nil
	}

	applied, err := resolve.Apply(ctx, d.ep, event, outcome)
	if err != nil {
		return resolve.Outcome{}, err
	}
	d.logger.Printf("[%s] conflict %s (%s of %s): winner=%s action=%s applied=%v",
		d.ep.Region(), c.ID, c.Kind, c.Content.Key(), outcome.Winner, outcome.Action, applied)
	return outcome, nil
}
