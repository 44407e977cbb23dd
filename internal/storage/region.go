package storage

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	apperrors "geoconflict/internal/errors"
	"geoconflict/internal/record"
	"geoconflict/internal/replica"
	"geoconflict/internal/resolve"
	"geoconflict/internal/token"
)

// Region is one writable region of an Account. It implements
// replica.FeedEndpoint.
type Region struct {
	account *Account
	name    string
	store   *Store
	locks   *keyLock

	readyAt   time.Time
	available atomic.Bool

	mu       sync.Mutex
	lsn      uint64
	applied  token.Token
	progress chan struct{} // closed and replaced on every advance
}

var _ replica.FeedEndpoint = (*Region)(nil)

func newRegion(a *Account, name string, readyAt time.Time) *Region {
	r := &Region{
		account:  a,
		name:     name,
		store:    NewStore(),
		locks:    newKeyLock(),
		readyAt:  readyAt,
		applied:  token.New(),
		progress: make(chan struct{}),
	}
	r.available.Store(true)
	return r
}

// Region implements replica.Endpoint.
func (r *Region) Region() string { return r.name }

// Consistency implements replica.Endpoint.
func (r *Region) Consistency() replica.Consistency { return r.account.opts.Consistency }

// Policy returns the conflict policy the region resolves with.
func (r *Region) Policy() resolve.Policy { return r.account.opts.Policy }

// Store exposes the region's committed state.
func (r *Region) Store() *Store { return r.store }

// Applied returns the replication positions the region has applied.
func (r *Region) Applied() token.Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied.Copy()
}

// SetAvailable simulates a regional outage. An unavailable region fails
// every call with CodeUnavailable but keeps receiving replication.
func (r *Region) SetAvailable(available bool) {
	r.available.Store(available)
	r.account.logger.Printf("[%s] available=%v", r.name, available)
}

func (r *Region) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CodeDeadlineExceeded, r.name, err)
	}
	if time.Now().Before(r.readyAt) {
		return apperrors.New(apperrors.CodeUnavailable, fmt.Sprintf("region %s is not provisioned yet", r.name))
	}
	if !r.available.Load() {
		return apperrors.New(apperrors.CodeUnavailable, fmt.Sprintf("region %s is unavailable", r.name))
	}
	return nil
}

// Ping implements replica.Endpoint.
func (r *Region) Ping(ctx context.Context) error {
	return r.check(ctx)
}

// Create implements replica.Endpoint.
func (r *Region) Create(ctx context.Context, rec record.Record) (replica.WriteResult, error) {
	if err := r.check(ctx); err != nil {
		return replica.WriteResult{}, err
	}
	if err := rec.Validate(); err != nil {
		return replica.WriteResult{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "create", err)
	}

	unlock := r.locks.lock(rec.Key())
	current, ok := r.store.get(rec.Key())
	if ok && !current.rec.Deleted {
		unlock()
		return replica.WriteResult{}, apperrors.New(apperrors.CodeConflict,
			fmt.Sprintf("%s already exists in %s", rec.Key(), r.name))
	}
	rec.Deleted = false
	result := r.commitLocked(rec, current.rec.VersionToken, record.Create)
	unlock()
	return r.settle(ctx, result, record.Create)
}

// Replace implements replica.Endpoint. An empty ifMatch replaces
// unconditionally.
func (r *Region) Replace(ctx context.Context, rec record.Record, ifMatch string) (replica.WriteResult, error) {
	if err := r.check(ctx); err != nil {
		return replica.WriteResult{}, err
	}
	if err := rec.Validate(); err != nil {
		return replica.WriteResult{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "replace", err)
	}

	unlock := r.locks.lock(rec.Key())
	current, ok := r.store.get(rec.Key())
	if !ok || current.rec.Deleted {
		unlock()
		return replica.WriteResult{}, apperrors.New(apperrors.CodeNotFound,
			fmt.Sprintf("%s not found in %s", rec.Key(), r.name))
	}
	if ifMatch != "" && ifMatch != current.rec.VersionToken {
		unlock()
		return replica.WriteResult{}, apperrors.New(apperrors.CodeVersionMismatch,
			fmt.Sprintf("%s in %s is at %s, not %s", rec.Key(), r.name, current.rec.VersionToken, ifMatch))
	}
	rec.Deleted = false
	result := r.commitLocked(rec, current.rec.VersionToken, record.Replace)
	unlock()
	return r.settle(ctx, result, record.Replace)
}

// Delete implements replica.Endpoint.
func (r *Region) Delete(ctx context.Context, key record.Key) (replica.WriteResult, error) {
	if err := r.check(ctx); err != nil {
		return replica.WriteResult{}, err
	}

	unlock := r.locks.lock(key)
	current, ok := r.store.get(key)
	if !ok || current.rec.Deleted {
		unlock()
		return replica.WriteResult{}, apperrors.New(apperrors.CodeNotFound,
			fmt.Sprintf("%s not found in %s", key, r.name))
	}
	tomb := current.rec.Tombstone()
	tomb.OriginRegion = r.name
	result := r.commitLocked(tomb, current.rec.VersionToken, record.Delete)
	unlock()
	return r.settle(ctx, result, record.Delete)
}

// commitLocked installs a local write and ships it. The caller holds the
// identity's lock.
func (r *Region) commitLocked(rec record.Record, base string, kind record.OperationKind) replica.WriteResult {
	if rec.OriginRegion == "" {
		rec.OriginRegion = r.name
	}

	r.mu.Lock()
	r.lsn++
	lsn := r.lsn
	deps := r.applied.Copy()
	rec.VersionToken = versionToken(r.name, lsn)
	rev := revision{rec: rec, origin: r.name, lsn: lsn, kind: kind}
	r.store.put(rev)
	r.advanceLocked(r.name, lsn)
	replicationToken := r.applied.Copy()
	r.account.ship(op{rev: rev, base: base, deps: deps})
	r.mu.Unlock()

	return replica.WriteResult{Record: rec, ReplicationToken: replicationToken}
}

// settle waits, for strong accounts, until every region applied a committed
// write. The caller must not hold the identity's lock.
func (r *Region) settle(ctx context.Context, result replica.WriteResult, kind record.OperationKind) (replica.WriteResult, error) {
	if r.account.opts.Consistency != replica.Strong {
		return result, nil
	}
	own := token.At(r.name, result.ReplicationToken.Get(r.name))
	if err := r.account.awaitEverywhere(ctx, own); err != nil {
		return result, fmt.Errorf("strong %s of %s: %w", kind, result.Record.Key(), err)
	}
	return result, nil
}

func versionToken(region string, lsn uint64) string {
	return fmt.Sprintf("%s:%d", region, lsn)
}

// Read implements replica.Endpoint.
func (r *Region) Read(ctx context.Context, key record.Key, opts replica.ReadOptions) (record.Record, error) {
	if err := r.check(ctx); err != nil {
		return record.Record{}, err
	}
	if !opts.SessionToken.IsZero() {
		if err := r.waitCovers(ctx, opts.SessionToken, r.account.opts.StalenessBound); err != nil {
			return record.Record{}, err
		}
	}

	rec, ok := r.store.Get(key)
	if !ok || rec.Deleted {
		return record.Record{}, apperrors.New(apperrors.CodeNotFound,
			fmt.Sprintf("%s not found in %s", key, r.name))
	}
	return rec, nil
}

// ReadCurrent implements replica.ConflictFeed.
func (r *Region) ReadCurrent(ctx context.Context, key record.Key) (record.Record, error) {
	if err := r.check(ctx); err != nil {
		return record.Record{}, err
	}
	rec, ok := r.store.Get(key)
	if !ok {
		return record.Record{}, apperrors.New(apperrors.CodeNotFound,
			fmt.Sprintf("%s not found in %s", key, r.name))
	}
	return rec, nil
}

// Conflicts implements replica.ConflictFeed.
func (r *Region) Conflicts(ctx context.Context, pageSize int) iter.Seq2[record.Conflict, error] {
	if pageSize <= 0 {
		pageSize = 100
	}
	return func(yield func(record.Conflict, error) bool) {
		if err := r.check(ctx); err != nil {
			yield(record.Conflict{}, err)
			return
		}
		var after int64
		for {
			page, err := r.account.queue.List(ctx, after, pageSize)
			if err != nil {
				yield(record.Conflict{}, fmt.Errorf("list conflicts after %d: %w", after, err))
				return
			}
			for _, c := range page {
				if !yield(c, nil) {
					return
				}
				after = c.Seq
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// DeleteConflict implements replica.ConflictFeed.
func (r *Region) DeleteConflict(ctx context.Context, id string) error {
	if err := r.check(ctx); err != nil {
		return err
	}
	if err := r.account.queue.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete conflict %s: %w", id, err)
	}
	return nil
}

// waitCovers blocks until the applied state covers tok. A positive bound
// turns a timeout into CodeStale.
func (r *Region) waitCovers(ctx context.Context, tok token.Token, bound time.Duration) error {
	var timeout <-chan time.Time
	if bound > 0 {
		timer := time.NewTimer(bound)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		r.mu.Lock()
		covered := r.applied.Covers(tok)
		ch := r.progress
		r.mu.Unlock()
		if covered {
			return nil
		}

		select {
		case <-ch:
		case <-timeout:
			return apperrors.New(apperrors.CodeStale,
				fmt.Sprintf("%s did not reach %s within %v", r.name, tok, bound))
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.CodeDeadlineExceeded,
				fmt.Sprintf("%s waiting for %s", r.name, tok), ctx.Err())
		}
	}
}

func (r *Region) advanceLocked(region string, lsn uint64) {
	r.applied.Advance(region, lsn)
	close(r.progress)
	r.progress = make(chan struct{})
}

// applyReplicated applies a write shipped from another region.
func (r *Region) applyReplicated(o op) {
	key := o.rev.rec.Key()
	unlock := r.locks.lock(key)

	current, ok := r.store.get(key)
	switch {
	case ok && current.rec.VersionToken == o.rev.rec.VersionToken:
		// Already holds this revision.
	case !ok || current.rec.VersionToken == o.base:
		r.store.put(o.rev)
	default:
		r.resolveLocked(current, o.rev)
	}

	r.mu.Lock()
	r.advanceLocked(o.rev.origin, o.rev.lsn)
	r.mu.Unlock()
	unlock()
}

// resolveLocked handles a replicated write that collides with the committed
// revision. The caller holds the identity's lock, so conflicts on one
// identity reach the policy one at a time.
func (r *Region) resolveLocked(current, incoming revision) {
	key := incoming.rec.Key()
	logger := r.account.logger

	// Two deletes agree on the outcome; keep one tombstone everywhere.
	if current.rec.Deleted && incoming.rec.Deleted {
		if incoming.beats(current) {
			r.store.put(incoming)
		}
		return
	}

	policy := r.account.opts.Policy
	if policy != resolve.Manual && !current.rec.Deleted && !incoming.rec.Deleted &&
		current.rec.OrderingValue == incoming.rec.OrderingValue {
		// Each region holds its own side of a tie as committed; break it on
		// the revisions so every region keeps the same one.
		winner := current
		if incoming.beats(current) {
			winner = incoming
			r.store.put(incoming)
		}
		logger.Printf("[%s] %s conflict on %s tied at %d under %s: winner=%s",
			r.name, incoming.kind, key, incoming.rec.OrderingValue, policy, winner.rec)
		return
	}

	if policy == resolve.Manual {
		winner, loser := current, incoming
		if incoming.beats(current) {
			winner, loser = incoming, current
			r.store.put(incoming)
		}
		r.enqueue(loser)
		logger.Printf("[%s] %s conflict on %s held for manual resolution: provisional=%s loser=%s",
			r.name, incoming.kind, key, winner.rec, loser.rec)
		return
	}

	committed := current.rec
	event := record.ConflictEvent{Incoming: incoming.rec, Committed: &committed, Kind: incoming.kind}
	out, err := resolve.Resolve(event, policy)
	if err != nil {
		logger.Printf("[%s] resolve %s on %s: %v", r.name, incoming.kind, key, err)
		return
	}
	if out.Action != resolve.NoOp && out.Winner.VersionToken == incoming.rec.VersionToken {
		r.store.put(incoming)
	}
	logger.Printf("[%s] %s conflict on %s resolved by %s: winner=%s action=%s",
		r.name, incoming.kind, key, policy, out.Winner, out.Action)
}

func (r *Region) enqueue(loser revision) {
	ctx, cancel := context.WithTimeout(r.account.ctx, 5*time.Second)
	defer cancel()

	c := record.Conflict{
		ID:         record.ConflictID(loser.rec),
		Kind:       loser.kind,
		Content:    loser.rec,
		DetectedIn: r.name,
	}
	added, err := r.account.queue.Enqueue(ctx, c)
	if err != nil {
		r.account.logger.Printf("[%s] enqueue conflict %s: %v", r.name, c.ID, err)
		return
	}
	if added {
		r.account.logger.Printf("[%s] queued conflict %s (%s of %s)", r.name, c.ID, c.Kind, loser.rec.Key())
	}
}
