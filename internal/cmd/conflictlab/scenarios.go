package conflictlab

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v5"

	"geoconflict/internal/crossregion"
	apperrors "geoconflict/internal/errors"
	"geoconflict/internal/fanout"
	"geoconflict/internal/feed"
	"geoconflict/internal/induce"
	"geoconflict/internal/record"
	"geoconflict/internal/replica"
	"geoconflict/internal/resolve"
)

type induceFunc func(context.Context, record.Record) (induce.Result, error)

// runInduction races insert and update conflicts and checks that the store
// converged on the winner the policy picks for the observed candidates.
func (l *lab) runInduction(ctx context.Context) error {
	return l.parallel(ctx, func(ctx context.Context, i int) error {
		gen, engine, err := l.engine(i)
		if err != nil {
			return err
		}
		template, err := gen.Next()
		if err != nil {
			return err
		}

		for _, run := range []induceFunc{engine.InduceInsertConflict, engine.InduceUpdateConflict} {
			res, err := run(ctx, template)
			if err != nil {
				return err
			}
			if err := l.checkConvergence(ctx, i, res); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *lab) engine(i int) (*record.Generator, *induce.Engine, error) {
	seed, err := l.seed(i)
	if err != nil {
		return nil, nil, err
	}
	gen := record.NewSeededGenerator(seed, fmt.Sprintf("pk-%d", i))
	engine, err := induce.NewEngine(l.endpoints(), gen, induce.Options{
		MaxAttempts:  l.cfg.MaxAttempts,
		PollInterval: l.cfg.PollInterval,
		Logger:       l.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return gen, engine, nil
}

func (l *lab) report(i int, res induce.Result) {
	l.printf("[%d] %s conflict on %s after %d attempt(s), %d loss(es) in final round:",
		i, res.Kind, res.Key, res.Attempts, res.Losses)
	for _, rec := range res.Committed {
		l.printf("[%d]   committed in %-14s ordering=%d token=%s", i, rec.OriginRegion, rec.OrderingValue, rec.VersionToken)
	}
}

func (l *lab) checkConvergence(ctx context.Context, i int, res induce.Result) error {
	l.report(i, res)

	winner, err := replica.WaitConverged(ctx, l.endpoints(), res.Key, l.cfg.PollInterval)
	if err != nil {
		return err
	}
	l.printf("[%d]   converged: ordering=%d origin=%s", i, winner.OrderingValue, winner.OriginRegion)

	if l.policy == resolve.Manual {
		return nil
	}
	expected, err := resolve.Resolve(res.Event(), l.policy)
	if err != nil {
		return err
	}
	agrees := expected.Winner.OrderingValue == winner.OrderingValue
	l.printf("[%d]   %s picks ordering=%d (%s), store agrees=%v",
		i, l.policy, expected.Winner.OrderingValue, expected.Action, agrees)
	if !agrees {
		return fmt.Errorf("%s conflict on %s: %s picks ordering %d, regions converged on %d",
			res.Kind, res.Key, l.policy, expected.Winner.OrderingValue, winner.OrderingValue)
	}
	return nil
}

// generate races insert, update and delete conflicts on independent
// identities so the manual policy queues their losers.
func (l *lab) generate(ctx context.Context) error {
	return l.parallel(ctx, func(ctx context.Context, i int) error {
		gen, engine, err := l.engine(i)
		if err != nil {
			return err
		}
		template, err := gen.Next()
		if err != nil {
			return err
		}

		for _, run := range []induceFunc{engine.InduceInsertConflict, engine.InduceUpdateConflict} {
			res, err := run(ctx, template)
			if err != nil {
				return err
			}
			l.report(i, res)
			if _, err := l.waitSettled(ctx, res.Key); err != nil {
				return err
			}
		}
		return l.raceDelete(ctx, i, gen)
	})
}

// raceDelete deletes an identity in the first region while the second
// replaces it.
func (l *lab) raceDelete(ctx context.Context, i int, gen *record.Generator) error {
	eps := l.feeds
	seed, err := gen.Next()
	if err != nil {
		return err
	}
	seed.OriginRegion = eps[0].Region()
	if _, err := eps[0].Create(ctx, seed); err != nil {
		return fmt.Errorf("create %s: %w", seed.Key(), err)
	}
	observed, err := replica.WaitConverged(ctx, l.endpoints(), seed.Key(), l.cfg.PollInterval)
	if err != nil {
		return err
	}

	regions := []string{eps[0].Region(), eps[1].Region()}
	round := fanout.Do(ctx, regions, fanout.Options{}, func(ctx context.Context, i int, region string) (record.OperationKind, error) {
		if i == 0 {
			_, err := eps[0].Delete(ctx, seed.Key())
			return record.Delete, err
		}
		rec := observed
		rec.OrderingValue = observed.OrderingValue + 1
		rec.OriginRegion = region
		_, err := eps[1].Replace(ctx, rec, observed.VersionToken)
		return record.Replace, err
	})
	for _, res := range round.Results {
		if res.Err != nil && !apperrors.IsBenignLoss(res.Err) {
			return fmt.Errorf("%s in %s: %w", res.Value, res.Replica, res.Err)
		}
	}
	l.printf("[%d] delete/replace race on %s: %d of 2 committed", i, seed.Key(), round.Succeeded)

	final, err := l.waitSettled(ctx, seed.Key())
	if err != nil {
		return err
	}
	l.printf("[%d]   settled: %s", i, final)
	return nil
}

// waitSettled polls until every region holds the same committed revision of
// key, tombstones included.
func (l *lab) waitSettled(ctx context.Context, key record.Key) (record.Record, error) {
	rec, err := backoff.Retry(ctx, func() (record.Record, error) {
		var first record.Record
		for i, ep := range l.feeds {
			rec, err := ep.ReadCurrent(ctx, key)
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
	}, backoff.WithBackOff(backoff.NewConstantBackOff(l.cfg.PollInterval)), backoff.WithMaxElapsedTime(0))
	if err != nil {
		return record.Record{}, fmt.Errorf("wait for %s to settle: %w", key, err)
	}
	return rec, nil
}

func (l *lab) runFeedGenerate(ctx context.Context) error {
	if err := l.generate(ctx); err != nil {
		return err
	}
	if err := l.quiesce(ctx); err != nil {
		return err
	}
	n, err := l.printFeed(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		return errNoConflict
	}
	return nil
}

func (l *lab) printFeed(ctx context.Context) (int, error) {
	n := 0
	for c, err := range l.feeds[0].Conflicts(ctx, feed.DefaultPageSize) {
		if err != nil {
			return n, err
		}
		n++
		l.printf("conflict %s: %s of %s lost in %s (ordering=%d origin=%s)",
			c.ID, c.Kind, c.Content.Key(), c.DetectedIn, c.Content.OrderingValue, c.Content.OriginRegion)
	}
	l.printf("%d conflict(s) outstanding", n)
	return n, nil
}

func (l *lab) runFeedDrain(ctx context.Context) error {
	// An in-process account starts empty unless a feed database carried
	// conflicts over from an earlier feed-generate run.
	if l.account != nil {
		n, err := l.account.Queue().Len(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			if err := l.generate(ctx); err != nil {
				return err
			}
			if err := l.quiesce(ctx); err != nil {
				return err
			}
		}
	}

	d := feed.NewDrainer(l.feeds[0], feed.WithLogger(l.logger))
	stats, err := d.DrainConflictFeed(ctx)
	if err != nil {
		return err
	}
	l.printf("drained conflict feed in %s: %s", l.feeds[0].Region(), stats)

	if err := l.quiesce(ctx); err != nil {
		return err
	}
	_, err = l.printFeed(ctx)
	return err
}

// runSync writes through a coordinator pairing the first two regions and
// confirms every write in the second.
func (l *lab) runSync(ctx context.Context) error {
	c, err := crossregion.NewCoordinator(l.feeds[0], l.feeds[1], l.logger)
	if err != nil {
		return err
	}
	return l.parallel(ctx, func(ctx context.Context, i int) error {
		seed, err := l.seed(i)
		if err != nil {
			return err
		}
		gen := record.NewSeededGenerator(seed, fmt.Sprintf("pk-%d", i))
		rec, err := gen.Next()
		if err != nil {
			return err
		}
		rec.OriginRegion = c.Primary()

		res, err := c.SynchronizedWrite(ctx, rec)
		if err != nil {
			return err
		}
		l.printf("[%d] wrote %s ordering=%d in %s, %s read ordering=%d (token %s)",
			i, rec.Key(), res.Written.OrderingValue, c.Primary(), c.Secondary(), res.Confirmed.OrderingValue, res.ReplicationToken)

		rec.OrderingValue = (rec.OrderingValue + 1) % record.MaxOrderingValue
		res, err = c.SynchronizedReplace(ctx, rec, res.Written.VersionToken)
		if err != nil {
			return err
		}
		l.printf("[%d] replaced %s ordering=%d in %s, %s read ordering=%d superseded=%v",
			i, rec.Key(), res.Written.OrderingValue, c.Primary(), c.Secondary(), res.Confirmed.OrderingValue, res.Superseded())
		return nil
	})
}
