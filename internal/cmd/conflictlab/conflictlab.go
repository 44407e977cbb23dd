// Package conflictlab runs headless conflict scenarios against a simulated
// account, in process or through a geostore node.
package conflictlab

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"geoconflict/internal/cmd/geostore"
	"geoconflict/internal/config"
	"geoconflict/internal/node"
	"geoconflict/internal/record"
	"geoconflict/internal/replica"
	"geoconflict/internal/resolve"
	"geoconflict/internal/storage"
	"geoconflict/internal/telemetry"
)

// ServiceName identifies the process in traces.
const ServiceName = "conflictlab"

// Scenario names.
const (
	ScenarioLWW          = "lww"
	ScenarioCustom       = "custom"
	ScenarioFeedGenerate = "feed-generate"
	ScenarioFeedDrain    = "feed-drain"
	ScenarioSync         = "sync"
)

// Scenarios lists every scenario in the order they are documented.
var Scenarios = []string{ScenarioLWW, ScenarioCustom, ScenarioFeedGenerate, ScenarioFeedDrain, ScenarioSync}

// Config holds conflictlab command configuration.
type Config struct {
	config.Config
	Scenario string
	// Parallel is the number of independent identities raced at once.
	Parallel int
	Quiet    bool
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	fs.StringVar(&cfg.Scenario, "scenario", ScenarioLWW, fmt.Sprintf("Scenario to run: %v", Scenarios))
	fs.IntVar(&cfg.Parallel, "parallel", 1, "Independent identities raced concurrently")
	fs.BoolVar(&cfg.Quiet, "quiet", false, "Discard store and engine logs")

	base, err := config.Load(fs, args)
	if err != nil {
		return Config{}, err
	}
	cfg.Config = base

	if !slices.Contains(Scenarios, cfg.Scenario) {
		return Config{}, fmt.Errorf("unknown scenario %q, expected one of %v", cfg.Scenario, Scenarios)
	}
	if cfg.Parallel < 1 {
		return Config{}, fmt.Errorf("parallel must be at least 1, got %d", cfg.Parallel)
	}
	return cfg, nil
}

// policyFor returns the container policy a scenario needs. Sync works under
// any policy.
func policyFor(cfg Config) resolve.Policy {
	switch cfg.Scenario {
	case ScenarioLWW:
		return resolve.LastWriterWins
	case ScenarioCustom:
		return resolve.CustomMerge
	case ScenarioFeedGenerate, ScenarioFeedDrain:
		return resolve.Manual
	default:
		return cfg.Policy
	}
}

// Run executes the configured scenario, writing a report to out.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	shutdown, err := telemetry.Setup(ctx, ServiceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	logger := log.Default()
	if cfg.Quiet {
		logger = log.New(io.Discard, "", 0)
	}

	l, err := open(ctx, cfg, logger, out)
	if err != nil {
		return err
	}
	defer l.close()

	l.printf("scenario=%s policy=%s regions=%v parallel=%d", cfg.Scenario, l.policy, replica.Regions(l.endpoints()), cfg.Parallel)

	switch cfg.Scenario {
	case ScenarioLWW, ScenarioCustom:
		return l.runInduction(ctx)
	case ScenarioFeedGenerate:
		return l.runFeedGenerate(ctx)
	case ScenarioFeedDrain:
		return l.runFeedDrain(ctx)
	case ScenarioSync:
		return l.runSync(ctx)
	default:
		return fmt.Errorf("unknown scenario %q", cfg.Scenario)
	}
}

// lab is one scenario run: the endpoints it drives and what to release.
type lab struct {
	cfg     Config
	logger  *log.Logger
	policy  resolve.Policy
	feeds   []replica.FeedEndpoint
	account *storage.Account // nil when remote
	closers []func()

	outMu sync.Mutex
	out   io.Writer
}

func open(ctx context.Context, cfg Config, logger *log.Logger, out io.Writer) (*lab, error) {
	l := &lab{cfg: cfg, logger: logger, out: out, policy: policyFor(cfg)}

	if cfg.RemoteAddr != "" || hasAddrs(cfg.Regions) {
		if err := l.openRemote(ctx); err != nil {
			l.close()
			return nil, err
		}
	} else {
		if err := l.openLocal(); err != nil {
			return nil, err
		}
	}

	for _, ep := range l.feeds {
		if err := replica.WaitProvisioned(ctx, ep, cfg.PollInterval); err != nil {
			l.close()
			return nil, err
		}
	}
	return l, nil
}

func (l *lab) openLocal() error {
	cfg := l.cfg.Config
	cfg.Policy = l.policy
	account, closeAccount, err := geostore.OpenAccount(cfg, l.logger)
	if err != nil {
		return err
	}
	l.account = account
	l.closers = append(l.closers, closeAccount)
	for _, r := range account.Regions() {
		l.feeds = append(l.feeds, r)
	}
	return nil
}

// openRemote connects to the node at -addr, or to the address configured per
// region.
func (l *lab) openRemote(ctx context.Context) error {
	clients := make(map[string]*node.Client)
	dial := func(addr string) (*node.Client, error) {
		if c, ok := clients[addr]; ok {
			return c, nil
		}
		c, err := node.Dial(addr)
		if err != nil {
			return nil, err
		}
		clients[addr] = c
		l.closers = append(l.closers, func() { _ = c.Close() })
		return c, nil
	}

	for _, region := range l.cfg.Regions {
		addr := region.Addr
		if addr == "" {
			addr = l.cfg.RemoteAddr
		}
		if addr == "" {
			return fmt.Errorf("region %s has no address", region.Name)
		}
		c, err := dial(addr)
		if err != nil {
			return err
		}
		d, err := c.Describe(ctx)
		if err != nil {
			return fmt.Errorf("describe %s: %w", addr, err)
		}
		if !slices.Contains(d.Regions, region.Name) {
			return fmt.Errorf("node %s does not serve region %s (serves %v)", addr, region.Name, d.Regions)
		}
		if l.cfg.Scenario != ScenarioSync && d.Policy != l.policy {
			return fmt.Errorf("node %s resolves with %s, scenario %s needs %s", addr, d.Policy, l.cfg.Scenario, l.policy)
		}
		l.feeds = append(l.feeds, c.Endpoint(region.Name, d.Consistency))
	}
	return nil
}

func hasAddrs(regions []config.Region) bool {
	for _, r := range regions {
		if r.Addr != "" {
			return true
		}
	}
	return false
}

func (l *lab) close() {
	for i := len(l.closers) - 1; i >= 0; i-- {
		l.closers[i]()
	}
	l.closers = nil
}

func (l *lab) endpoints() []replica.Endpoint {
	out := make([]replica.Endpoint, len(l.feeds))
	for i, ep := range l.feeds {
		out[i] = ep
	}
	return out
}

// seed returns the seed of the i-th independent generator.
func (l *lab) seed(i int) (int64, error) {
	if l.cfg.Seed != 0 {
		return l.cfg.Seed + int64(i), nil
	}
	return record.NewSeed()
}

// quiesce waits for in-process replication to drain. Remote runs rely on
// convergence polls instead.
func (l *lab) quiesce(ctx context.Context) error {
	if l.account == nil {
		return nil
	}
	return l.account.Quiesce(ctx)
}

func (l *lab) printf(format string, args ...any) {
	l.outMu.Lock()
	defer l.outMu.Unlock()
	fmt.Fprintf(l.out, format+"\n", args...)
}

// parallel runs fn for every independent identity and joins their errors.
func (l *lab) parallel(ctx context.Context, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range l.cfg.Parallel {
		g.Go(func() error {
			if err := fn(gctx, i); err != nil {
				return fmt.Errorf("identity %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}

var errNoConflict = errors.New("no conflict induced")
