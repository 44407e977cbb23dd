// Package main starts the geostore gRPC server.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"geoconflict/internal/cmd/geostore"
)

func main() {
	cfg, err := geostore.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[GEOSTORE] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := geostore.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
