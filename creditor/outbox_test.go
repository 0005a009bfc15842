// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package creditor

import (
	"context"
	"testing"

	"github.com/tally-foundation/tally/signal"
)

func TestDispatchOutboxRetriesAfterFailure(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateCreditor(ctx, testCreditorID); err != nil {
		t.Fatalf("creating creditor: %v", err)
	}
	if _, err := s.ActivateCreditor(ctx, testCreditorID); err != nil {
		t.Fatalf("activating creditor: %v", err)
	}
	if _, err := s.CreateAccount(ctx, testCreditorID, testDebtorID); err != nil {
		t.Fatalf("creating account: %v", err)
	}

	// A broken publisher delivers nothing and loses nothing.
	broken := &capturePublisher{fail: true}
	n, err := s.DispatchOutbox(ctx, broken, 10)
	if err != nil {
		t.Fatalf("dispatching with broken publisher: %v", err)
	}
	if n != 0 {
		t.Fatalf("published %d with broken publisher", n)
	}

	// The row is still spooled; a working publisher picks it up.
	pub := &capturePublisher{}
	n, err = s.DispatchOutbox(ctx, pub, 10)
	if err != nil {
		t.Fatalf("dispatching: %v", err)
	}
	if n != 1 || len(pub.envs) != 1 {
		t.Fatalf("published %d, captured %d, want 1", n, len(pub.envs))
	}
	if pub.envs[0].Kind != signal.KindConfigureAccount {
		t.Fatalf("published kind = %q", pub.envs[0].Kind)
	}

	// Once delivered, the outbox is empty.
	n, err = s.DispatchOutbox(ctx, pub, 10)
	if err != nil {
		t.Fatalf("dispatching empty outbox: %v", err)
	}
	if n != 0 {
		t.Fatalf("published %d from an empty outbox", n)
	}
}

func TestDispatchOutboxRespectsLimit(t *testing.T) {
	s, _ := newTestStore(t)
	setupAccount(t, s)
	ctx := context.Background()

	// Two accounts, two spooled configuration requests.
	if _, err := s.CreateAccount(ctx, testCreditorID, testDebtorID+1); err != nil {
		t.Fatalf("creating account: %v", err)
	}
	if _, err := s.CreateAccount(ctx, testCreditorID, testDebtorID+2); err != nil {
		t.Fatalf("creating account: %v", err)
	}

	pub := &capturePublisher{}
	n, err := s.DispatchOutbox(ctx, pub, 1)
	if err != nil {
		t.Fatalf("dispatching: %v", err)
	}
	if n != 1 {
		t.Fatalf("published %d, want 1", n)
	}
	n, err = s.DispatchOutbox(ctx, pub, 10)
	if err != nil {
		t.Fatalf("dispatching rest: %v", err)
	}
	if n != 1 {
		t.Fatalf("published %d, want the remaining 1", n)
	}

	// Queue order: the older account's request first.
	first := decodeOutbound[signal.ConfigureAccountRequest](t, pub.envs[0], signal.KindConfigureAccount)
	second := decodeOutbound[signal.ConfigureAccountRequest](t, pub.envs[1], signal.KindConfigureAccount)
	if first.DebtorID != testDebtorID+1 || second.DebtorID != testDebtorID+2 {
		t.Fatalf("publish order = %d, %d", first.DebtorID, second.DebtorID)
	}
}
