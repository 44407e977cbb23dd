package replica

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	apperrors "geoconflict/internal/errors"
	"geoconflict/internal/record"
)

// DefaultPollInterval is the delay between visibility attempts.
const DefaultPollInterval = 250 * time.Millisecond

func retryOptions(interval time.Duration) []backoff.RetryOption {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxElapsedTime(0),
	}
}

// WaitVisible polls ep until key is readable. When versionToken is non-empty
// the read must return that exact revision. Transient misses are retried;
// anything else ends the wait.
func WaitVisible(ctx context.Context, ep Endpoint, key record.Key, versionToken string, interval time.Duration) (record.Record, error) {
	rec, err := backoff.Retry(ctx, func() (record.Record, error) {
		rec, err := ep.Read(ctx, key, ReadOptions{})
		if err != nil {
			if apperrors.IsTransient(err) {
				return record.Record{}, err
			}
			return record.Record{}, backoff.Permanent(err)
		}
		if versionToken != "" && rec.VersionToken != versionToken {
			return record.Record{}, apperrors.ErrNotYetVisible
		}
		return rec, nil
	}, retryOptions(interval)...)
	if err != nil {
		return record.Record{}, fmt.Errorf("wait for %s in %s: %w", key, ep.Region(), err)
	}
	return rec, nil
}

// WaitConverged polls every endpoint until all of them serve the same
// revision of key, and returns that revision.
func WaitConverged(ctx context.Context, eps []Endpoint, key record.Key, interval time.Duration) (record.Record, error) {
	rec, err := backoff.Retry(ctx, func() (record.Record, error) {
		var first record.Record
		for i, ep := range eps {
			rec, err := ep.Read(ctx, key, ReadOptions{})
			if err != nil {
				if apperrors.IsTransient(err) {
					return record.Record{}, err
				}
				return record.Record{}, backoff.Permanent(err)
			}
			if i == 0 {
				first = rec
				continue
			}
			if rec.VersionToken != first.VersionToken {
				return record.Record{}, apperrors.ErrNotYetVisible
			}
		}
		return first, nil
	}, retryOptions(interval)...)
	if err != nil {
		return record.Record{}, fmt.Errorf("wait for %s to converge: %w", key, err)
	}
	return rec, nil
}

// WaitProvisioned polls ep until Ping succeeds.
func WaitProvisioned(ctx context.Context, ep Endpoint, interval time.Duration) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, ep.Ping(ctx)
	}, retryOptions(interval)...)
	if err != nil {
		return fmt.Errorf("wait for %s to be provisioned: %w", ep.Region(), err)
	}
	return nil
}
