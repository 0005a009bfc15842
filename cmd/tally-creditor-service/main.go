// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

// The tally-creditor-service daemon keeps creditor-side bookkeeping in
// step with the peer accounting network. It accepts peer signal
// streams on a Unix socket, reconciles account ledgers, flushes staged
// log entries, and publishes outbound messages from the durable
// outbox.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tally-foundation/tally/creditor"
	"github.com/tally-foundation/tally/lib/clock"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tally-creditor-service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var verbose bool
	pflag.StringVar(&configPath, "config", os.Getenv("TALLY_CONFIG"), "path of the YAML configuration file")
	pflag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	pflag.Parse()

	if configPath == "" {
		return fmt.Errorf("no configuration: pass --config or set TALLY_CONFIG")
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := creditor.Open(creditor.Config{
		Path:     cfg.Database,
		PoolSize: cfg.PoolSize,
		Clock:    clock.Real(),
		Logger:   logger,
		Epsilon:  cfg.Epsilon,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	intake, err := newIntake(cfg.SignalSocket, store, logger)
	if err != nil {
		return err
	}
	publisher := newSocketPublisher(cfg.PublishSocket, logger)
	defer publisher.Close()

	scanner := &scanner{
		store:          store,
		publisher:      publisher,
		clock:          clock.Real(),
		logger:         logger,
		maxDelay:       cfg.maxDelay,
		reconcileBurst: cfg.ReconcileBurst,
		scanBurst:      cfg.ScanBurst,
		outboxBurst:    cfg.OutboxBurst,
		interval:       cfg.scanInterval,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		intake.serve(ctx)
	}()
	go func() {
		defer wg.Done()
		scanner.run(ctx)
	}()

	logger.Info("creditor service running",
		"database", cfg.Database,
		"signal_socket", cfg.SignalSocket,
		"publish_socket", cfg.PublishSocket,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	intake.close()
	wg.Wait()
	return nil
}
