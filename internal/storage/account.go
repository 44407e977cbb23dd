package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"geoconflict/internal/replica"
	"geoconflict/internal/resolve"
	"geoconflict/internal/token"
)

const (
	// DefaultStalenessBound is how long a gated read waits for replication.
	DefaultStalenessBound = 5 * time.Second
	// DefaultReplicationDelay is the base delay of every replication link.
	DefaultReplicationDelay = 50 * time.Millisecond
)

// Options configures an Account.
type Options struct {
	Regions     []string
	Policy      resolve.Policy
	Consistency replica.Consistency

	// ReplicationDelay is the base delay of every link. Jitter adds a seeded
	// random delay in [0, Jitter] per shipped write.
	ReplicationDelay  time.Duration
	ReplicationJitter time.Duration
	// StalenessBound bounds gated reads. Zero uses DefaultStalenessBound.
	StalenessBound time.Duration
	// ProvisionDelay keeps new regions unavailable for that long.
	ProvisionDelay time.Duration

	Seed   int64
	Queue  ConflictQueue // nil uses a MemoryQueue
	Logger *log.Logger   // nil uses log.Default()
}

// Account is a simulated multi-region account.
type Account struct {
	opts    Options
	logger  *log.Logger
	queue   ConflictQueue
	regions []*Region
	byName  map[string]*Region
	links   map[string][]*link // outgoing links by source region

	rngMu sync.Mutex
	rng   *rand.Rand

	pending atomic.Int64
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAccount creates an account and starts its replication links.
func NewAccount(opts Options) (*Account, error) {
	if len(opts.Regions) < 2 {
		return nil, fmt.Errorf("account needs at least 2 regions, got %d", len(opts.Regions))
	}
	if opts.StalenessBound <= 0 {
		opts.StalenessBound = DefaultStalenessBound
	}
	if opts.ReplicationDelay < 0 || opts.ReplicationJitter < 0 {
		return nil, fmt.Errorf("replication delay and jitter must not be negative")
	}

	a := &Account{
		opts:   opts,
		logger: opts.Logger,
		queue:  opts.Queue,
		byName: make(map[string]*Region, len(opts.Regions)),
		links:  make(map[string][]*link, len(opts.Regions)),
		rng:    rand.New(rand.NewSource(opts.Seed)),
	}
	if a.logger == nil {
		a.logger = log.Default()
	}
	if a.queue == nil {
		a.queue = NewMemoryQueue()
	}

	readyAt := time.Now().Add(opts.ProvisionDelay)
	for _, name := range opts.Regions {
		if name == "" {
			return nil, fmt.Errorf("region name cannot be empty")
		}
		if _, dup := a.byName[name]; dup {
			return nil, fmt.Errorf("duplicate region %q", name)
		}
		r := newRegion(a, name, readyAt)
		a.regions = append(a.regions, r)
		a.byName[name] = r
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())
	for _, from := range a.regions {
		for _, to := range a.regions {
			if from == to {
				continue
			}
			l := newLink(a, from, to)
			a.links[from.name] = append(a.links[from.name], l)
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				l.run(a.ctx)
			}()
		}
	}

	a.logger.Printf("[account] started with regions=%v policy=%s consistency=%s delay=%v jitter=%v",
		opts.Regions, opts.Policy, opts.Consistency, opts.ReplicationDelay, opts.ReplicationJitter)
	return a, nil
}

// NewSilentAccount is NewAccount with logging discarded.
func NewSilentAccount(opts Options) (*Account, error) {
	opts.Logger = log.New(io.Discard, "", 0)
	return NewAccount(opts)
}

// Close stops replication. Writes still in flight are dropped.
func (a *Account) Close() {
	a.cancel()
	a.wg.Wait()
}

// Region returns the region with the given name.
func (a *Account) Region(name string) (*Region, error) {
	r, ok := a.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown region %q", name)
	}
	return r, nil
}

// Regions returns every region in configuration order.
func (a *Account) Regions() []*Region {
	return append([]*Region(nil), a.regions...)
}

// Endpoints returns every region as a replica endpoint.
func (a *Account) Endpoints() []replica.Endpoint {
	out := make([]replica.Endpoint, len(a.regions))
	for i, r := range a.regions {
		out[i] = r
	}
	return out
}

// Policy returns the account's conflict policy.
func (a *Account) Policy() resolve.Policy {
	return a.opts.Policy
}

// Queue returns the account's conflict queue.
func (a *Account) Queue() ConflictQueue {
	return a.queue
}

// Quiesce blocks until no replicated write is in flight.
func (a *Account) Quiesce(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if n := a.pending.Load(); n > 0 {
			return struct{}{}, fmt.Errorf("%d replicated writes in flight", n)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(5*time.Millisecond)), backoff.WithMaxElapsedTime(0))
	return err
}

// ship hands o to every outgoing link of its origin region. Called with the
// origin's write lock held so links see writes in log order.
func (a *Account) ship(o op) {
	for _, l := range a.links[o.rev.origin] {
		a.pending.Add(1)
		l.push(o, a.linkDelay())
	}
}

func (a *Account) linkDelay() time.Duration {
	d := a.opts.ReplicationDelay
	if a.opts.ReplicationJitter > 0 {
		a.rngMu.Lock()
		d += time.Duration(a.rng.Int63n(int64(a.opts.ReplicationJitter) + 1))
		a.rngMu.Unlock()
	}
	return d
}

// awaitEverywhere blocks until every region applied tok.
func (a *Account) awaitEverywhere(ctx context.Context, tok token.Token) error {
	for _, r := range a.regions {
		if err := r.waitCovers(ctx, tok, 0); err != nil {
			return err
		}
	}
	return nil
}

// op is one replicated write.
type op struct {
	rev  revision
	base string      // version token the write replaced at its origin
	deps token.Token // origin's applied state before the write
}

type delivery struct {
	op      op
	readyAt time.Time
}

// link is the FIFO replication channel from one region to another.
type link struct {
	account  *Account
	from, to *Region

	mu        sync.Mutex
	queue     []delivery
	lastReady time.Time
	signal    chan struct{}
}

func newLink(a *Account, from, to *Region) *link {
	return &link{account: a, from: from, to: to, signal: make(chan struct{}, 1)}
}

func (l *link) push(o op, delay time.Duration) {
	l.mu.Lock()
	ready := time.Now().Add(delay)
	if ready.Before(l.lastReady) {
		ready = l.lastReady
	}
	l.lastReady = ready
	l.queue = append(l.queue, delivery{op: o, readyAt: ready})
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *link) run(ctx context.Context) {
	defer func() {
		if err := recover(); err != nil {
			l.account.logger.Printf("[%s] replication link from %s panicked: %v", l.to.name, l.from.name, err)
		}
	}()

	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-l.signal:
				continue
			}
		}
		d := l.queue[0]
		l.mu.Unlock()

		if wait := time.Until(d.readyAt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		// Causal delivery: everything the write depended on lands first.
		if err := l.to.waitCovers(ctx, d.op.deps, 0); err != nil {
			return
		}
		l.to.applyReplicated(d.op)

		l.mu.Lock()
		l.queue = l.queue[1:]
		l.mu.Unlock()
		l.account.pending.Add(-1)
	}
}
