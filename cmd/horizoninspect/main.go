// Horizon inspect: opens a database file, runs recovery if needed, and
// serves its observability endpoints so an operator can watch a running
// instance from the outside.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/horizon-db/horizon/internal/logger"
	"github.com/horizon-db/horizon/internal/server"
	"github.com/horizon-db/horizon/pkg/horizon"
)

var (
	dbPath        = flag.String("db", "horizon.db", "database file path")
	metricsPort   = flag.Int("metrics-port", 9090, "observability server port")
	checkpointSec = flag.Int("checkpoint-interval", 300, "checkpoint interval in seconds")
	gcSec         = flag.Int("gc-interval", 300, "MVCC garbage collection interval in seconds")
	listTrees     = flag.Bool("list-trees", false, "print registered tree names and exit")
	pretty        = flag.Bool("pretty", true, "pretty-print log output")
)

func main() {
	flag.Parse()

	logger.InitGlobalLogger(logger.Config{Level: "info", Pretty: *pretty})
	log := logger.GetGlobalLogger()

	opts := horizon.DefaultOptions()
	opts.Logger = log
	opts.CheckpointInterval = time.Duration(*checkpointSec) * time.Second
	opts.GCInterval = time.Duration(*gcSec) * time.Second

	db, err := horizon.Open(*dbPath, opts)
	if err != nil {
		log.Fatal("failed to open database").Err(err).Send()
	}
	defer db.Close()

	if *listTrees {
		for _, name := range db.Trees() {
			fmt.Println(name)
		}
		return
	}

	obs := server.NewObservabilityServer(*metricsPort, log)
	go func() {
		if err := obs.Start(); err != nil {
			log.Error("observability server stopped").Err(err).Send()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down").Send()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	obs.Shutdown(ctx)
}
