// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/tally-foundation/tally/creditor"
	"github.com/tally-foundation/tally/lib/clock"
	"github.com/tally-foundation/tally/signal"
)

func newIntakeHarness(t *testing.T) (*intake, *creditor.Store, *clock.FakeClock, string) {
	t.Helper()
	fc := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	dir := t.TempDir()
	store, err := creditor.Open(creditor.Config{
		Path:     filepath.Join(dir, "creditor.db"),
		PoolSize: 1,
		Clock:    fc,
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	socketPath := filepath.Join(dir, "signal.sock")
	in, err := newIntake(socketPath, store, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("creating intake: %v", err)
	}
	t.Cleanup(in.close)
	return in, store, fc, socketPath
}

func TestIntakeAppliesStreamedSignals(t *testing.T) {
	in, store, fc, socketPath := newIntakeHarness(t)
	ctx := context.Background()
	if _, err := store.CreateCreditor(ctx, 42); err != nil {
		t.Fatalf("creating creditor: %v", err)
	}
	if _, err := store.ActivateCreditor(ctx, 42); err != nil {
		t.Fatalf("activating creditor: %v", err)
	}
	if _, err := store.CreateAccount(ctx, 42, 7); err != nil {
		t.Fatalf("creating account: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		in.serve(ctx)
	}()

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dialing intake: %v", err)
	}
	writer := signal.NewStreamWriter(conn)

	// An envelope the creditor side never receives: logged and
	// skipped, the stream stays usable.
	bogus, err := signal.Envelop(signal.KindConfigureAccount, &signal.ConfigureAccountRequest{
		DebtorID:   7,
		CreditorID: 42,
		TS:         fc.Now(),
	})
	if err != nil {
		t.Fatalf("building envelope: %v", err)
	}
	if err := writer.Write(bogus); err != nil {
		t.Fatalf("writing envelope: %v", err)
	}

	env, err := signal.Envelop(signal.KindAccountSnapshot, &signal.AccountSnapshot{
		DebtorID:     7,
		CreditorID:   42,
		CreationDate: 20000,
		LastChangeTS: fc.Now(),
		TS:           fc.Now(),
		TTL:          3600,
	})
	if err != nil {
		t.Fatalf("building envelope: %v", err)
	}
	if err := writer.Write(env); err != nil {
		t.Fatalf("writing envelope: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		data, err := store.GetAccountData(ctx, 42, 7)
		if err != nil {
			t.Fatalf("reading account data: %v", err)
		}
		if data.HasServerAccount {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("snapshot never applied")
		}
		time.Sleep(10 * time.Millisecond)
	}

	in.close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after close")
	}
}
