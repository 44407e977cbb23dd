package crossregion

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "geoconflict/internal/errors"
	"geoconflict/internal/record"
	"geoconflict/internal/replica"
	"geoconflict/internal/token"
)

var tracer = otel.Tracer("geoconflict/internal/crossregion")

// Result is a write together with its confirmation in the secondary region.
type Result struct {
	Written          record.Record
	ReplicationToken token.Token
	// Confirmed is what the secondary served once it caught up. It is the
	// written revision or a later one.
	Confirmed record.Record
}

// Superseded reports whether a later write had already replaced the written
// revision by the time the secondary served the read.
func (r Result) Superseded() bool {
	return r.Confirmed.VersionToken != r.Written.VersionToken
}

// Coordinator writes to a primary region and confirms in a secondary.
type Coordinator struct {
	primary   replica.Endpoint
	secondary replica.Endpoint
	logger    *log.Logger
}

// NewCoordinator creates a coordinator for one primary/secondary pair.
func NewCoordinator(primary, secondary replica.Endpoint, logger *log.Logger) (*Coordinator, error) {
	if primary == nil || secondary == nil {
		return nil, fmt.Errorf("primary and secondary endpoints are required")
	}
	if primary.Region() == secondary.Region() {
		return nil, fmt.Errorf("primary and secondary must be different regions, both are %q", primary.Region())
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{primary: primary, secondary: secondary, logger: logger}, nil
}

// Primary returns the region writes go to.
func (c *Coordinator) Primary() string { return c.primary.Region() }

// Secondary returns the region writes are confirmed in.
func (c *Coordinator) Secondary() string { return c.secondary.Region() }

// SynchronizedWrite creates rec in the primary region, then reads it back
// from the secondary with the write's replication token attached. When the
// secondary cannot catch up within its bound the call fails with CodeStale;
// a stale value is never returned.
func (c *Coordinator) SynchronizedWrite(ctx context.Context, rec record.Record) (Result, error) {
	ctx, span := c.start(ctx, "crossregion.SynchronizedWrite", rec.Key())
	defer span.End()

	res, err := c.primary.Create(ctx, rec)
	if err != nil {
		err = fmt.Errorf("create %s in %s: %w", rec.Key(), c.primary.Region(), err)
		fail(span, err)
		return Result{}, err
	}
	out, err := c.confirm(ctx, span, res)
	if err != nil {
		fail(span, err)
	}
	return out, err
}

// SynchronizedReplace replaces rec in the primary region under ifMatch and
// confirms it in the secondary like SynchronizedWrite.
func (c *Coordinator) SynchronizedReplace(ctx context.Context, rec record.Record, ifMatch string) (Result, error) {
	ctx, span := c.start(ctx, "crossregion.SynchronizedReplace", rec.Key())
	defer span.End()

	res, err := c.primary.Replace(ctx, rec, ifMatch)
	if err != nil {
		err = fmt.Errorf("replace %s in %s: %w", rec.Key(), c.primary.Region(), err)
		fail(span, err)
		return Result{}, err
	}
	out, err := c.confirm(ctx, span, res)
	if err != nil {
		fail(span, err)
	}
	return out, err
}

// Read reads key from the secondary once it covers tok.
func (c *Coordinator) Read(ctx context.Context, key record.Key, tok token.Token) (record.Record, error) {
	rec, err := c.secondary.Read(ctx, key, replica.ReadOptions{SessionToken: tok})
	if err != nil {
		return record.Record{}, fmt.Errorf("gated read of %s in %s: %w", key, c.secondary.Region(), err)
	}
	return rec, nil
}

func (c *Coordinator) confirm(ctx context.Context, span trace.Span, res replica.WriteResult) (Result, error) {
	out := Result{Written: res.Record, ReplicationToken: res.ReplicationToken}
	span.SetAttributes(
		attribute.String("version_token", res.Record.VersionToken),
		attribute.String("replication_token", res.ReplicationToken.String()),
	)

	confirmed, err := c.Read(ctx, res.Record.Key(), res.ReplicationToken)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeStale {
			c.logger.Printf("[sync] %s did not catch up to %s for %s", c.secondary.Region(), res.ReplicationToken, res.Record.Key())
		}
		return out, err
	}
	out.Confirmed = confirmed

	if out.Superseded() {
		c.logger.Printf("[sync] %s wrote %s in %s, %s already serves newer %s",
			res.Record.Key(), res.Record.VersionToken, c.primary.Region(), c.secondary.Region(), confirmed.VersionToken)
	} else {
		c.logger.Printf("[sync] %s wrote %s in %s, confirmed in %s",
			res.Record.Key(), res.Record.VersionToken, c.primary.Region(), c.secondary.Region())
	}
	return out, nil
}

func (c *Coordinator) start(ctx context.Context, name string, key record.Key) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("primary", c.primary.Region()),
		attribute.String("secondary", c.secondary.Region()),
		attribute.String("record.key", key.String()),
	))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
