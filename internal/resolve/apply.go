package resolve

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	apperrors "geoconflict/internal/errors"
	"geoconflict/internal/record"
	"geoconflict/internal/replica"
)

var tracer = otel.Tracer("geoconflict/internal/resolve")

// Apply installs outcome through ep. It is idempotent: when a retried
// delivery finds the winner already installed, it reports applied=false and
// no error.
func Apply(ctx context.Context, ep replica.Endpoint, event record.ConflictEvent, outcome Outcome) (applied bool, err error) {
	ctx, span := tracer.Start(ctx, "resolve.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("region", ep.Region()),
		attribute.String("record.key", event.Incoming.Key().String()),
		attribute.String("conflict.kind", event.Kind.String()),
		attribute.String("resolve.action", outcome.Action.String()),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	winner := outcome.Winner
	switch outcome.Action {
	case NoOp:
		return false, nil

	case Create:
		winner.VersionToken = ""
		if _, err := ep.Create(ctx, winner); err != nil {
			if apperrors.CodeOf(err) == apperrors.CodeConflict {
				return false, alreadyInstalled(ctx, ep, winner, err)
			}
			return false, fmt.Errorf("create winner: %w", err)
		}
		return true, nil

	case Replace:
		if event.Committed == nil {
			return false, fmt.Errorf("replace outcome without committed record: %w", apperrors.ErrInvalidArgument)
		}
		ifMatch := event.Committed.VersionToken
		winner.VersionToken = ""
		if _, err := ep.Replace(ctx, winner, ifMatch); err != nil {
			if apperrors.CodeOf(err) == apperrors.CodeVersionMismatch {
				return false, alreadyInstalled(ctx, ep, winner, err)
			}
			return false, fmt.Errorf("replace with winner: %w", err)
		}
		return true, nil

	case Delete:
		if _, err := ep.Delete(ctx, winner.Key()); err != nil {
			if apperrors.CodeOf(err) == apperrors.CodeNotFound {
				return false, nil
			}
			return false, fmt.Errorf("delete: %w", err)
		}
		return true, nil

	default:
		return false, fmt.Errorf("unknown action %d: %w", outcome.Action, apperrors.ErrInvalidArgument)
	}
}

// alreadyInstalled turns a lost precondition into success when the store
// already holds the winner's content.
func alreadyInstalled(ctx context.Context, ep replica.Endpoint, winner record.Record, cause error) error {
	current, err := ep.Read(ctx, winner.Key(), replica.ReadOptions{})
	if err != nil {
		return fmt.Errorf("read after %v: %w", cause, err)
	}
	if current.SameContent(winner) {
		return nil
	}
	return fmt.Errorf("install winner %s: %w", winner.Key(), cause)
}
