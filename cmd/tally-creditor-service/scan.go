// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/tally-foundation/tally/creditor"
	"github.com/tally-foundation/tally/lib/clock"
	"github.com/tally-foundation/tally/signal"
)

// scanner drives the store's background work: reconciling dirty
// account ledgers, flushing staged log entries, and publishing the
// outbox. Each pass does a bounded burst of everything; passes repeat
// back to back while any work was found and pause for the scan
// interval otherwise.
type scanner struct {
	store     *creditor.Store
	publisher signal.Publisher
	clock     clock.Clock
	logger    *slog.Logger

	maxDelay       time.Duration
	reconcileBurst int
	scanBurst      int
	outboxBurst    int
	interval       time.Duration
}

func (sc *scanner) run(ctx context.Context) {
	ticker := sc.clock.NewTicker(sc.interval)
	defer ticker.Stop()
	for {
		busy := sc.pass(ctx)
		if ctx.Err() != nil {
			return
		}
		if busy {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pass runs one burst of each concern and reports whether any of them
// found work.
func (sc *scanner) pass(ctx context.Context) bool {
	busy := false
	if sc.reconcilePass(ctx) {
		busy = true
	}
	if sc.flushPass(ctx) {
		busy = true
	}
	if sc.outboxPass(ctx) {
		busy = true
	}
	return busy
}

func (sc *scanner) reconcilePass(ctx context.Context) bool {
	refs, err := sc.store.ListPendingLedgerUpdates(ctx, sc.scanBurst)
	if err != nil {
		sc.logger.Error("listing dirty ledgers", "error", err)
		return false
	}
	for _, ref := range refs {
		if ctx.Err() != nil {
			return false
		}
		_, err := sc.store.ReconcileAccountLedger(ctx,
			ref.CreditorID, ref.DebtorID, sc.reconcileBurst, sc.maxDelay)
		if err != nil {
			sc.logger.Error("reconciling ledger",
				"creditor_id", ref.CreditorID, "debtor_id", ref.DebtorID, "error", err)
		}
	}
	return len(refs) > 0
}

func (sc *scanner) flushPass(ctx context.Context) bool {
	creditors, err := sc.store.ListCreditorsWithPendingLog(ctx, sc.scanBurst)
	if err != nil {
		sc.logger.Error("listing creditors with staged log entries", "error", err)
		return false
	}
	for _, creditorID := range creditors {
		if ctx.Err() != nil {
			return false
		}
		if _, err := sc.store.FlushLog(ctx, creditorID); err != nil {
			sc.logger.Error("flushing log", "creditor_id", creditorID, "error", err)
		}
	}
	return len(creditors) > 0
}

func (sc *scanner) outboxPass(ctx context.Context) bool {
	n, err := sc.store.DispatchOutbox(ctx, sc.publisher, sc.outboxBurst)
	if err != nil {
		sc.logger.Error("dispatching outbox", "error", err)
		return false
	}
	return n > 0
}
