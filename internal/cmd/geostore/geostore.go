// Package geostore parses geostore flags and serves a simulated multi-region
// account over gRPC.
package geostore

import (
	"context"
	"flag"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"geoconflict/internal/config"
	"geoconflict/internal/node"
	"geoconflict/internal/storage"
	"geoconflict/internal/storage/sqlite"
	"geoconflict/internal/telemetry"
)

// ServiceName identifies the process in traces.
const ServiceName = "geostore"

// ParseConfig parses environment and flags into a config.
func ParseConfig(fs *flag.FlagSet, args []string) (config.Config, error) {
	return config.Load(fs, args)
}

// OpenAccount creates the simulated account cfg describes. A configured feed
// database backs the conflict queue; the returned close function releases it.
func OpenAccount(cfg config.Config, logger *log.Logger) (*storage.Account, func(), error) {
	opts := cfg.AccountOptions()
	opts.Logger = logger

	var queue *sqlite.Queue
	if cfg.FeedDB != "" {
		q, err := sqlite.Open(cfg.FeedDB)
		if err != nil {
			return nil, nil, fmt.Errorf("open conflict feed: %w", err)
		}
		queue = q
		opts.Queue = q
	}

	account, err := storage.NewAccount(opts)
	if err != nil {
		if queue != nil {
			_ = queue.Close()
		}
		return nil, nil, err
	}
	return account, func() {
		account.Close()
		if queue != nil {
			if err := queue.Close(); err != nil {
				logger.Printf("[account] close conflict feed: %v", err)
			}
		}
	}, nil
}

// Run serves until ctx is done.
func Run(ctx context.Context, cfg config.Config) error {
	shutdown, err := telemetry.Setup(ctx, ServiceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	account, closeAccount, err := OpenAccount(cfg, log.Default())
	if err != nil {
		return err
	}
	defer closeAccount()

	n := node.NewNode(cfg.ListenAddr, account, log.Default())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(n.Start)
	g.Go(func() error {
		<-gctx.Done()
		n.Stop()
		return nil
	})
	return g.Wait()
}
