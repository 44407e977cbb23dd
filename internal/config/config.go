// Package config loads geoconflict settings from GEOCONFLICT_* environment
// variables, then lets command-line flags override them.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"geoconflict/internal/replica"
	"geoconflict/internal/resolve"
	"geoconflict/internal/storage"
)

// Region is one configured region, optionally with the address of the node
// serving it.
type Region struct {
	Name string
	Addr string
}

// settings is the raw, string-typed form shared by env and flags.
type settings struct {
	Regions           string        `env:"GEOCONFLICT_REGIONS" envDefault:"West US 2,East US 2,North Europe"`
	Policy            string        `env:"GEOCONFLICT_POLICY" envDefault:"lww"`
	Consistency       string        `env:"GEOCONFLICT_CONSISTENCY" envDefault:"eventual"`
	ReplicationDelay  time.Duration `env:"GEOCONFLICT_REPLICATION_DELAY" envDefault:"50ms"`
	ReplicationJitter time.Duration `env:"GEOCONFLICT_REPLICATION_JITTER" envDefault:"0s"`
	StalenessBound    time.Duration `env:"GEOCONFLICT_STALENESS_BOUND" envDefault:"5s"`
	ProvisionDelay    time.Duration `env:"GEOCONFLICT_PROVISION_DELAY" envDefault:"0s"`
	PollInterval      time.Duration `env:"GEOCONFLICT_POLL_INTERVAL" envDefault:"250ms"`
	MaxAttempts       int           `env:"GEOCONFLICT_MAX_ATTEMPTS" envDefault:"100"`
	Timeout           time.Duration `env:"GEOCONFLICT_TIMEOUT" envDefault:"1m"`
	Seed              int64         `env:"GEOCONFLICT_SEED"`
	FeedDB            string        `env:"GEOCONFLICT_FEED_DB"`
	ListenAddr        string        `env:"GEOCONFLICT_LISTEN_ADDR" envDefault:":7400"`
	RemoteAddr        string        `env:"GEOCONFLICT_ADDR"`
	OTelEndpoint      string        `env:"GEOCONFLICT_OTEL_ENDPOINT"`
}

// Config holds the validated configuration.
type Config struct {
	Regions     []Region
	Policy      resolve.Policy
	Consistency replica.Consistency

	ReplicationDelay  time.Duration
	ReplicationJitter time.Duration
	StalenessBound    time.Duration
	ProvisionDelay    time.Duration

	PollInterval time.Duration
	MaxAttempts  int
	Timeout      time.Duration
	// Seed makes runs reproducible. Zero draws a fresh seed.
	Seed int64

	// FeedDB is the SQLite conflict queue path. Empty keeps the queue in memory.
	FeedDB       string
	ListenAddr   string
	RemoteAddr   string
	OTelEndpoint string
}

// Load parses environment variables, then args through fs.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	var s settings
	if err := env.Parse(&s); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&s.Regions, "regions", s.Regions, "Comma-separated regions, each name or name=addr")
	fs.StringVar(&s.Policy, "policy", s.Policy, "Conflict policy: lww, custom or manual")
	fs.StringVar(&s.Consistency, "consistency", s.Consistency, "Account consistency: eventual, session or strong")
	fs.DurationVar(&s.ReplicationDelay, "replication-delay", s.ReplicationDelay, "Base delay of every replication link")
	fs.DurationVar(&s.ReplicationJitter, "replication-jitter", s.ReplicationJitter, "Random extra delay per replicated write")
	fs.DurationVar(&s.StalenessBound, "staleness-bound", s.StalenessBound, "How long a gated read waits for replication")
	fs.DurationVar(&s.ProvisionDelay, "provision-delay", s.ProvisionDelay, "How long new regions stay unavailable")
	fs.DurationVar(&s.PollInterval, "poll-interval", s.PollInterval, "Visibility poll interval")
	fs.IntVar(&s.MaxAttempts, "max-attempts", s.MaxAttempts, "Induction rounds before giving up (0 = until timeout)")
	fs.DurationVar(&s.Timeout, "timeout", s.Timeout, "Overall deadline of one run")
	fs.Int64Var(&s.Seed, "seed", s.Seed, "Random seed (0 = random)")
	fs.StringVar(&s.FeedDB, "feed-db", s.FeedDB, "SQLite conflict queue path (empty = in memory)")
	fs.StringVar(&s.ListenAddr, "listen", s.ListenAddr, "Address the gRPC server listens on")
	fs.StringVar(&s.RemoteAddr, "addr", s.RemoteAddr, "Address of a geostore node (empty = in process)")
	fs.StringVar(&s.OTelEndpoint, "otel-endpoint", s.OTelEndpoint, "OTLP/HTTP trace endpoint (empty = disabled)")
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	return s.validate()
}

func (s settings) validate() (Config, error) {
	regions, err := ParseRegions(s.Regions)
	if err != nil {
		return Config{}, err
	}
	if len(regions) < 2 {
		return Config{}, fmt.Errorf("at least 2 regions are required, got %d", len(regions))
	}
	policy, err := resolve.ParsePolicy(s.Policy)
	if err != nil {
		return Config{}, err
	}
	consistency, err := replica.ParseConsistency(s.Consistency)
	if err != nil {
		return Config{}, err
	}

	var errs []error
	if s.ReplicationDelay < 0 || s.ReplicationJitter < 0 || s.ProvisionDelay < 0 {
		errs = append(errs, errors.New("delays must not be negative"))
	}
	if s.StalenessBound <= 0 {
		errs = append(errs, errors.New("staleness bound must be positive"))
	}
	if s.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if s.MaxAttempts < 0 {
		errs = append(errs, errors.New("max attempts must not be negative"))
	}
	if s.MaxAttempts == 0 && s.Timeout <= 0 {
		errs = append(errs, errors.New("an attempt bound or a timeout is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	return Config{
		Regions:           regions,
		Policy:            policy,
		Consistency:       consistency,
		ReplicationDelay:  s.ReplicationDelay,
		ReplicationJitter: s.ReplicationJitter,
		StalenessBound:    s.StalenessBound,
		ProvisionDelay:    s.ProvisionDelay,
		PollInterval:      s.PollInterval,
		MaxAttempts:       s.MaxAttempts,
		Timeout:           s.Timeout,
		Seed:              s.Seed,
		FeedDB:            s.FeedDB,
		ListenAddr:        s.ListenAddr,
		RemoteAddr:        s.RemoteAddr,
		OTelEndpoint:      s.OTelEndpoint,
	}, nil
}

// ParseRegions parses a comma-separated list of regions in the format:
// "name1,name2=addr2,name3=addr3". Addresses are optional.
func ParseRegions(regionsStr string) ([]Region, error) {
	if regionsStr == "" {
		return []Region{}, nil
	}

	parts := strings.Split(regionsStr, ",")
	regions := make([]Region, 0, len(parts))
	seen := make(map[string]bool, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, addr, hasAddr := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		addr = strings.TrimSpace(addr)

		if name == "" {
			return nil, fmt.Errorf("region name cannot be empty: %s", part)
		}
		if hasAddr && addr == "" {
			return nil, fmt.Errorf("region address cannot be empty: %s", part)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate region: %s", name)
		}
		seen[name] = true

		regions = append(regions, Region{Name: name, Addr: addr})
	}

	return regions, nil
}

// RegionNames returns the configured region names in order.
func (c Config) RegionNames() []string {
	names := make([]string, len(c.Regions))
	for i, r := range c.Regions {
		names[i] = r.Name
	}
	return names
}

// AccountOptions converts the configuration into options for a simulated
// account. The caller supplies the queue and logger.
func (c Config) AccountOptions() storage.Options {
	return storage.Options{
		Regions:           c.RegionNames(),
		Policy:            c.Policy,
		Consistency:       c.Consistency,
		ReplicationDelay:  c.ReplicationDelay,
		ReplicationJitter: c.ReplicationJitter,
		StalenessBound:    c.StalenessBound,
		ProvisionDelay:    c.ProvisionDelay,
		Seed:              c.Seed,
	}
}
