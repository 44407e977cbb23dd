// Package main runs conflict scenarios against a simulated account.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"geoconflict/internal/cmd/conflictlab"
)

func main() {
	cfg, err := conflictlab.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[CONFLICTLAB] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := conflictlab.Run(ctx, cfg, os.Stdout); err != nil {
		log.Fatalf("scenario %s: %v", cfg.Scenario, err)
	}
}
